package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airwin/airwin/models"
	"github.com/airwin/airwin/records"
)

type fakeAdapter struct {
	mu          sync.Mutex
	peripherals []Peripheral
	startErr    error
	scanning    bool
	stopCalls   int
}

func (a *fakeAdapter) StartScan(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.scanning = true
	return nil
}

func (a *fakeAdapter) Peripherals(context.Context) ([]Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Peripheral(nil), a.peripherals...), nil
}

func (a *fakeAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanning = false
	a.stopCalls++
	return nil
}

func (a *fakeAdapter) isScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

type peerSink struct {
	mu    sync.Mutex
	peers map[string]models.DiscoveredPeer
}

func newPeerSink() *peerSink {
	return &peerSink{peers: make(map[string]models.DiscoveredPeer)}
}

func (s *peerSink) upsert(p models.DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.ID] = p
}

func (s *peerSink) get(id string) (models.DiscoveredPeer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *peerSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func TestIsAirDropPeripheral(t *testing.T) {
	payload := records.ManufacturerData([]byte{1, 2, 3, 4, 5, 6})

	cases := []struct {
		name string
		p    Peripheral
		want bool
	}{
		{"airdrop payload", Peripheral{ManufacturerData: map[uint16][]byte{records.AppleCompanyID: payload}}, true},
		{"payload with company id", Peripheral{ManufacturerData: map[uint16][]byte{records.AppleCompanyID: append([]byte{0x4C, 0x00}, payload...)}}, true},
		{"other apple payload", Peripheral{ManufacturerData: map[uint16][]byte{records.AppleCompanyID: {0x10, 0x05}}}, false},
		{"other vendor", Peripheral{ManufacturerData: map[uint16][]byte{0x0006: payload}}, false},
		{"airdrop uuid", Peripheral{ServiceUUIDs: []uuid.UUID{AirDropServiceUUID}}, true},
		{"continuity uuid", Peripheral{ServiceUUIDs: []uuid.UUID{ContinuityServiceUUID}}, true},
		{"unrelated uuid", Peripheral{ServiceUUIDs: []uuid.UUID{uuid.New()}}, false},
		{"empty", Peripheral{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsAirDropPeripheral(tc.p))
		})
	}
}

func TestBLEScannerFeedsMatchingPeripherals(t *testing.T) {
	adapter := &fakeAdapter{peripherals: []Peripheral{
		{
			Address:          "aa:bb:cc:dd:ee:01",
			Name:             "Jane's iPhone",
			RSSI:             -52,
			ManufacturerData: map[uint16][]byte{records.AppleCompanyID: records.ManufacturerData(nil)},
		},
		{Address: "aa:bb:cc:dd:ee:02", Name: "Headphones"},
		{Address: "aa:bb:cc:dd:ee:03", ServiceUUIDs: []uuid.UUID{AirDropServiceUUID}},
	}}
	sink := newPeerSink()

	scanner := newBLEScanner(adapter, 10*time.Millisecond, sink.upsert, logrus.New())
	require.NoError(t, scanner.Start(context.Background()))
	require.NoError(t, scanner.Start(context.Background()), "second start is a no-op")

	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 10*time.Millisecond)

	phone, ok := sink.get("AA:BB:CC:DD:EE:01")
	require.True(t, ok)
	assert.Equal(t, "Jane's iPhone", phone.DisplayName)
	assert.Equal(t, models.TransportBLE, phone.Transport)
	assert.Equal(t, models.ServiceAirDrop, phone.ServiceKind)
	rssi, _ := phone.Attribute("rssi")
	assert.Equal(t, "-52", rssi)
	assert.False(t, phone.LastSeen.IsZero())

	unnamed, ok := sink.get("AA:BB:CC:DD:EE:03")
	require.True(t, ok)
	assert.Equal(t, unknownBLEName, unnamed.DisplayName)

	scanner.Stop()
	scanner.Stop()
	assert.False(t, adapter.isScanning(), "scan mode is released on stop")
	assert.Equal(t, 1, adapter.stopCalls)
}

func TestBLEScannerStartError(t *testing.T) {
	adapter := &fakeAdapter{startErr: ErrNoBLEAdapter}
	scanner := newBLEScanner(adapter, 0, func(models.DiscoveredPeer) {}, logrus.New())
	err := scanner.Start(context.Background())
	assert.True(t, errors.Is(err, ErrNoBLEAdapter))
	scanner.Stop()
	assert.Zero(t, adapter.stopCalls)
}

func TestUnsupportedAdvertiser(t *testing.T) {
	var adv Advertiser = UnsupportedAdvertiser{}
	assert.False(t, adv.Supported())
	assert.ErrorIs(t, adv.StartAdvertising(records.ManufacturerData(nil)), ErrAdvertisingUnsupported)
	assert.NoError(t, adv.StopAdvertising())
}

func TestParseDeviceProperties(t *testing.T) {
	props := map[string]dbus.Variant{
		"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"Alias":   dbus.MakeVariant("alias"),
		"Name":    dbus.MakeVariant("MacBook"),
		"RSSI":    dbus.MakeVariant(int16(-60)),
		"ManufacturerData": dbus.MakeVariant(map[uint16]dbus.Variant{
			records.AppleCompanyID: dbus.MakeVariant([]byte{0x05, 0x01, 0xaa}),
		}),
		"UUIDs": dbus.MakeVariant([]string{AirDropServiceUUID.String(), "not-a-uuid"}),
	}

	p := parseDeviceProperties(props)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", p.Address)
	assert.Equal(t, "MacBook", p.Name)
	assert.Equal(t, int16(-60), p.RSSI)
	assert.Equal(t, []byte{0x05, 0x01, 0xaa}, p.ManufacturerData[records.AppleCompanyID])
	assert.Equal(t, []uuid.UUID{AirDropServiceUUID}, p.ServiceUUIDs)
	assert.True(t, IsAirDropPeripheral(p))
}

func TestParseDevicePropertiesFallsBackToAlias(t *testing.T) {
	p := parseDeviceProperties(map[string]dbus.Variant{
		"Address": dbus.MakeVariant("11:22:33:44:55:66"),
		"Alias":   dbus.MakeVariant("11-22-33-44-55-66"),
	})
	assert.Equal(t, "11-22-33-44-55-66", p.Name)
	assert.Nil(t, p.ManufacturerData)
	assert.False(t, IsAirDropPeripheral(p))
}
