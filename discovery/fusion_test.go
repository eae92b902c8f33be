package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airwin/airwin/models"
	"github.com/airwin/airwin/records"
)

// fakeBrowser answers every AirDrop browse with one fixed peer.
type fakeBrowser struct {
	calls atomic.Int32
	fail  error
}

func (b *fakeBrowser) browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	b.calls.Add(1)
	if b.fail != nil {
		return b.fail
	}
	if service != ServiceAirDropTCP {
		return nil
	}
	entry := zeroconf.NewServiceEntry("Office-Mac", service, domain)
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.30")}
	entry.Port = 8771
	entry.Text = []string{"name=Office Mac"}
	go func() {
		select {
		case entries <- entry:
		case <-ctx.Done():
		}
	}()
	return nil
}

func newTestFusion(browser *fakeBrowser, cfg Config) *Fusion {
	cfg.browseFn = browser.browse
	cfg.Logger = logrus.New()
	cfg.AWDL.Source = &fakePeerSource{availErr: ErrAWDLUnavailable}
	return New(cfg)
}

func TestFusionStartIsIdempotent(t *testing.T) {
	browser := &fakeBrowser{}
	f := newTestFusion(browser, Config{})
	defer f.Stop()

	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Start(context.Background()))

	assert.Equal(t, int32(len(DefaultBrowseServices)), browser.calls.Load(), "no duplicate browsers")

	require.Eventually(t, func() bool { return len(f.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.Snapshot(), 1)

	states := f.TransportStates()
	assert.Equal(t, StateRunning, states[models.TransportMDNS])
	assert.Equal(t, StateStopped, states[models.TransportBLE])
	assert.Equal(t, StateStopped, states[models.TransportAWDL])
}

func TestFusionToleratesMissingBLEAdapter(t *testing.T) {
	browser := &fakeBrowser{}
	f := newTestFusion(browser, Config{
		NewBLEAdapter: func() (BLEAdapter, error) { return nil, ErrNoBLEAdapter },
		AWDL:          AWDLConfig{Enabled: true},
	})
	defer f.Stop()

	require.NoError(t, f.Start(context.Background()))

	require.Eventually(t, func() bool { return len(f.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	peer := f.Snapshot()[0]
	assert.Equal(t, models.TransportMDNS, peer.Transport)
	assert.Equal(t, "Office Mac", peer.DisplayName)

	states := f.TransportStates()
	assert.Equal(t, StateError, states[models.TransportBLE])
	assert.Equal(t, StateStopped, states[models.TransportAWDL])
}

func TestFusionScanFailureReleasesAdapter(t *testing.T) {
	adapter := &fakeAdapter{startErr: errors.New("org.bluez.Error.NotReady")}
	f := newTestFusion(&fakeBrowser{}, Config{
		NewBLEAdapter: func() (BLEAdapter, error) { return adapter, nil },
	})
	defer f.Stop()

	require.NoError(t, f.Start(context.Background()))
	assert.Equal(t, StateError, f.TransportStates()[models.TransportBLE])
	assert.Equal(t, 1, adapter.stopCalls)
}

func TestFusionFailsWithoutMDNS(t *testing.T) {
	browser := &fakeBrowser{fail: errors.New("no multicast route")}
	f := newTestFusion(browser, Config{})

	err := f.Start(context.Background())
	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, models.TransportMDNS, derr.Transport)
	assert.Equal(t, StateError, f.TransportStates()[models.TransportMDNS])
}

func TestFusionMergesBLEPeers(t *testing.T) {
	adapter := &fakeAdapter{peripherals: []Peripheral{{
		Address:          "aa:bb:cc:dd:ee:01",
		Name:             "iPhone",
		ManufacturerData: map[uint16][]byte{records.AppleCompanyID: records.ManufacturerData(nil)},
	}}}
	f := newTestFusion(&fakeBrowser{}, Config{
		NewBLEAdapter:   func() (BLEAdapter, error) { return adapter, nil },
		BLEPollInterval: 10 * time.Millisecond,
	})

	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool { return len(f.Snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, f.TransportStates()[models.TransportBLE])

	f.Stop()
	assert.Empty(t, f.Snapshot(), "stop clears the catalog")
	assert.False(t, adapter.isScanning())
	for _, state := range f.TransportStates() {
		assert.Equal(t, StateStopped, state)
	}
}

func TestFusionEmitsUpsertEvents(t *testing.T) {
	f := newTestFusion(&fakeBrowser{}, Config{})
	defer f.Stop()
	require.NoError(t, f.Start(context.Background()))

	select {
	case ev := <-f.Events():
		assert.Equal(t, EventPeerUpserted, ev.Type)
		assert.Equal(t, "Office Mac", ev.Peer.DisplayName)
	case <-time.After(time.Second):
		t.Fatal("expected a peer event")
	}
}

func TestFusionRestartsAfterStop(t *testing.T) {
	browser := &fakeBrowser{}
	f := newTestFusion(browser, Config{})

	require.NoError(t, f.Start(context.Background()))
	f.Stop()
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	assert.Equal(t, int32(2*len(DefaultBrowseServices)), browser.calls.Load())
	require.Eventually(t, func() bool { return len(f.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestFusionAdvertisingCapability(t *testing.T) {
	f := newTestFusion(&fakeBrowser{}, Config{})
	assert.False(t, f.AdvertisingSupported())

	err := f.Advertise(records.ManufacturerData(nil))
	assert.ErrorIs(t, err, ErrAdvertisingUnsupported)
}

func TestFusionStampsMDNSPeersWithInjectedClock(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	f := newTestFusion(&fakeBrowser{}, Config{now: func() time.Time { return fixed }})
	defer f.Stop()

	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool { return len(f.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	peer := f.Snapshot()[0]
	assert.Equal(t, models.TransportMDNS, peer.Transport)
	assert.True(t, fixed.Equal(peer.LastSeen), "mdns LastSeen %v should come from the injected clock", peer.LastSeen)
}
