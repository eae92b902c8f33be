package discovery

import (
	"context"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/airwin/airwin/models"
	"github.com/airwin/airwin/records"
)

const (
	// DefaultBLEPollInterval is the peripheral poll cadence.
	DefaultBLEPollInterval = 2 * time.Second

	unknownBLEName = "Unknown AirDrop Device"
)

var (
	// AirDropServiceUUID is advertised by AirDrop-capable peripherals.
	AirDropServiceUUID = uuid.MustParse("7ba94d80-ca9b-4d8d-b1db-21e8a4e6b256")
	// ContinuityServiceUUID is advertised by Apple Continuity peripherals.
	ContinuityServiceUUID = uuid.MustParse("d0611e78-bbb4-4591-a5f8-487910ae4366")
)

// Peripheral is one BLE device as reported by an adapter.
type Peripheral struct {
	Address          string
	Name             string
	RSSI             int16
	ManufacturerData map[uint16][]byte
	ServiceUUIDs     []uuid.UUID
}

// BLEAdapter is the scanning surface of a Bluetooth LE controller.
type BLEAdapter interface {
	StartScan(ctx context.Context) error
	Peripherals(ctx context.Context) ([]Peripheral, error)
	StopScan() error
}

// Advertiser is the BLE advertising capability. Hosts that cannot advertise
// report Supported() == false and return ErrAdvertisingUnsupported.
type Advertiser interface {
	Supported() bool
	StartAdvertising(manufacturerData []byte) error
	StopAdvertising() error
}

// UnsupportedAdvertiser is the Advertiser for hosts without an advertising API.
type UnsupportedAdvertiser struct{}

func (UnsupportedAdvertiser) Supported() bool { return false }

func (UnsupportedAdvertiser) StartAdvertising([]byte) error { return ErrAdvertisingUnsupported }

func (UnsupportedAdvertiser) StopAdvertising() error { return nil }

// IsAirDropPeripheral reports whether p carries an Apple AirDrop manufacturer
// payload or advertises the AirDrop or Continuity service UUID.
func IsAirDropPeripheral(p Peripheral) bool {
	if data, ok := p.ManufacturerData[records.AppleCompanyID]; ok && records.IsAirDropManufacturerData(data) {
		return true
	}
	for _, id := range p.ServiceUUIDs {
		if id == AirDropServiceUUID || id == ContinuityServiceUUID {
			return true
		}
	}
	return false
}

// BLEScanner polls an adapter and feeds AirDrop peripherals into a sink.
type BLEScanner struct {
	adapter  BLEAdapter
	interval time.Duration
	upsert   func(models.DiscoveredPeer)
	log      logrus.FieldLogger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func newBLEScanner(adapter BLEAdapter, interval time.Duration, upsert func(models.DiscoveredPeer), logger logrus.FieldLogger) *BLEScanner {
	if interval <= 0 {
		interval = DefaultBLEPollInterval
	}
	return &BLEScanner{
		adapter:  adapter,
		interval: interval,
		upsert:   upsert,
		log:      logger.WithField("transport", models.TransportBLE),
		now:      time.Now,
	}
}

// Start puts the adapter in scan mode and begins polling.
func (s *BLEScanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := s.adapter.StartScan(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(loopCtx)
	return nil
}

// Stop ends polling and releases scan mode on a best-effort basis.
func (s *BLEScanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false

	if err := s.adapter.StopScan(); err != nil {
		s.log.WithError(err).Debug("stop scan failed")
	}
}

func (s *BLEScanner) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *BLEScanner) poll(ctx context.Context) {
	peripherals, err := s.adapter.Peripherals(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Warn("error getting BLE peripherals")
		}
		return
	}

	now := s.now()
	for _, p := range peripherals {
		if !IsAirDropPeripheral(p) {
			continue
		}
		peer := peripheralToPeer(p)
		peer.LastSeen = now
		s.upsert(peer)
	}
}

func peripheralToPeer(p Peripheral) models.DiscoveredPeer {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = unknownBLEName
	}

	attrs := []models.Attribute{
		{Key: "rssi", Value: strconv.Itoa(int(p.RSSI))},
	}
	if data, ok := p.ManufacturerData[records.AppleCompanyID]; ok {
		attrs = append(attrs, models.Attribute{Key: "apple_data", Value: hex.EncodeToString(data)})
	}
	if len(p.ServiceUUIDs) > 0 {
		ids := make([]string, 0, len(p.ServiceUUIDs))
		for _, id := range p.ServiceUUIDs {
			ids = append(ids, id.String())
		}
		sort.Strings(ids)
		attrs = append(attrs, models.Attribute{Key: "services", Value: strings.Join(ids, ",")})
	}

	return models.DiscoveredPeer{
		ID:          strings.ToUpper(p.Address),
		DisplayName: name,
		Transport:   models.TransportBLE,
		ServiceKind: models.ServiceAirDrop,
		Attributes:  attrs,
	}
}
