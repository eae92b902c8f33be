package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airwin/airwin/models"
)

type fakePeerSource struct {
	mu       sync.Mutex
	availErr error
	peers    []AWDLPeer
	calls    int
}

func (s *fakePeerSource) Available() error { return s.availErr }

func (s *fakePeerSource) Peers(context.Context) ([]AWDLPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return append([]AWDLPeer(nil), s.peers...), nil
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	require.NoError(t, err)
	return mac
}

func TestValidMAC(t *testing.T) {
	assert.True(t, ValidMAC(mustMAC(t, "02:11:22:33:44:55")))
	assert.False(t, ValidMAC(mustMAC(t, "00:00:00:00:00:00")))
	assert.False(t, ValidMAC(mustMAC(t, "ff:ff:ff:ff:ff:ff")))
	assert.False(t, ValidMAC(net.HardwareAddr{0x01, 0x02}))
	assert.False(t, ValidMAC(nil))
}

func TestFormatMAC(t *testing.T) {
	assert.Equal(t, "0a:bb:cc:dd:ee:ff", FormatMAC(net.HardwareAddr{0x0a, 0xbb, 0xcc, 0xdd, 0xee, 0xff}))
}

func TestAWDLManagerDisabledByConfig(t *testing.T) {
	source := &fakePeerSource{}
	m := NewAWDLManager(AWDLConfig{Source: source, Logger: logrus.New()})

	require.NoError(t, m.Start(nil))
	assert.Equal(t, AWDLStopped, m.State())
	assert.True(t, m.Disabled())
	assert.Zero(t, source.calls)
}

func TestAWDLManagerDisablesWhenUnavailable(t *testing.T) {
	for _, availErr := range []error{
		ErrAWDLUnavailable,
		fmt.Errorf("bind awdl socket: %w", syscall.EADDRINUSE),
	} {
		m := NewAWDLManager(AWDLConfig{
			Enabled: true,
			Source:  &fakePeerSource{availErr: availErr},
			Logger:  logrus.New(),
		})
		require.NoError(t, m.Start(nil), "missing AWDL support is not an error")
		assert.Equal(t, AWDLStopped, m.State())
		assert.True(t, m.Disabled())
	}
}

func TestAWDLManagerReportsOtherInitErrors(t *testing.T) {
	m := NewAWDLManager(AWDLConfig{
		Enabled: true,
		Source:  &fakePeerSource{availErr: syscall.EPERM},
		Logger:  logrus.New(),
	})
	err := m.Start(nil)
	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, models.TransportAWDL, derr.Transport)
	assert.Equal(t, AWDLError, m.State())
}

func TestAWDLManagerPublishesPeers(t *testing.T) {
	source := &fakePeerSource{peers: []AWDLPeer{
		{MAC: mustMAC(t, "02:00:00:00:00:01"), Address: net.ParseIP("fe80::1"), Name: "Jane's Mac"},
		{MAC: mustMAC(t, "00:00:00:00:00:00"), Address: net.ParseIP("fe80::2")},
		{MAC: mustMAC(t, "02:00:00:00:00:02"), Address: net.ParseIP("fe80::3")},
	}}
	sink := newPeerSink()

	m := NewAWDLManager(AWDLConfig{
		Enabled:           true,
		Source:            source,
		DiscoveryInterval: time.Hour,
		Logger:            logrus.New(),
	})
	require.NoError(t, m.Start(sink.upsert))
	defer m.Stop()
	assert.Equal(t, AWDLRunning, m.State())

	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 5*time.Millisecond)

	peer, ok := sink.get("02:00:00:00:00:01")
	require.True(t, ok)
	assert.Equal(t, "Jane's Mac", peer.DisplayName)
	assert.Equal(t, models.TransportAWDL, peer.Transport)
	assert.Equal(t, DefaultAirDropPort, peer.Port)
	assert.Equal(t, "fe80::1", peer.Address.String())

	unnamed, ok := sink.get("02:00:00:00:00:02")
	require.True(t, ok)
	assert.Equal(t, "02:00:00:00:00:02", unnamed.DisplayName)

	require.Len(t, m.Peers(), 2)
	m.Stop()
	assert.Equal(t, AWDLStopped, m.State())
	assert.Empty(t, m.Peers())
}

func TestAWDLManagerCapsPeerTable(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var peers []AWDLPeer
	for i := 1; i <= 5; i++ {
		peers = append(peers, AWDLPeer{
			MAC:      net.HardwareAddr{0x02, 0, 0, 0, 0, byte(i)},
			LastSeen: now.Add(time.Duration(i) * time.Second),
		})
	}

	m := NewAWDLManager(AWDLConfig{
		Enabled:  true,
		MaxPeers: 3,
		Source:   &fakePeerSource{peers: peers},
		Logger:   logrus.New(),
	})
	m.now = func() time.Time { return now.Add(10 * time.Second) }

	m.discover(context.Background(), nil)

	got := m.Peers()
	require.Len(t, got, 3)
	assert.Equal(t, "02:00:00:00:00:03", FormatMAC(got[0].MAC), "oldest peers are evicted first")
}

func TestAWDLManagerEvictsAgedPeers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	source := &fakePeerSource{peers: []AWDLPeer{
		{MAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 1}, LastSeen: now},
	}}

	m := NewAWDLManager(AWDLConfig{
		Enabled:           true,
		DiscoveryInterval: time.Second,
		Source:            source,
		Logger:            logrus.New(),
	})
	m.now = func() time.Time { return now }
	m.discover(context.Background(), nil)
	require.Len(t, m.Peers(), 1)

	source.mu.Lock()
	source.peers = nil
	source.mu.Unlock()

	m.now = func() time.Time { return now.Add(4 * time.Second) }
	m.discover(context.Background(), nil)
	assert.Empty(t, m.Peers(), "peers older than three discovery intervals are dropped")
}
