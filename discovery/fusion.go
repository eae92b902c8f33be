package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/airwin/airwin/models"
)

const (
	// DefaultSweepInterval is how often expired catalog entries are deleted.
	DefaultSweepInterval = 10 * time.Second
	// DefaultMaxPeersPerTransport bounds the catalog per transport.
	DefaultMaxPeersPerTransport = 256

	eventBufferSize = 128
)

// TransportState is the lifecycle state of one discovery transport.
type TransportState string

const (
	StateStopped  TransportState = "stopped"
	StateStarting TransportState = "starting"
	StateRunning  TransportState = "running"
	StateStopping TransportState = "stopping"
	StateError    TransportState = "error"
)

// EventType identifies a catalog change.
type EventType string

const (
	EventPeerUpserted EventType = "peer_upserted"
	EventPeerRemoved  EventType = "peer_removed"
)

// Event is emitted when the catalog changes.
type Event struct {
	Type EventType
	Peer models.DiscoveredPeer
}

// Config controls a Fusion instance.
type Config struct {
	Domain   string
	Services []string
	// SelfInstance is skipped when seen in browse results.
	SelfInstance string

	// NewBLEAdapter opens the BLE adapter. Nil disables BLE.
	NewBLEAdapter   func() (BLEAdapter, error)
	Advertiser      Advertiser
	BLEPollInterval time.Duration
	BLETTL          time.Duration

	AWDL AWDLConfig

	SweepInterval        time.Duration
	MaxPeersPerTransport int

	Logger logrus.FieldLogger

	browseFn browseFunc
	now      func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if len(out.Services) == 0 {
		out.Services = append([]string(nil), DefaultBrowseServices...)
	}
	if out.Advertiser == nil {
		out.Advertiser = UnsupportedAdvertiser{}
	}
	if out.BLEPollInterval <= 0 {
		out.BLEPollInterval = DefaultBLEPollInterval
	}
	if out.BLETTL <= 0 {
		out.BLETTL = DefaultBLETTL
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.MaxPeersPerTransport <= 0 {
		out.MaxPeersPerTransport = DefaultMaxPeersPerTransport
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.AWDL.Logger == nil {
		out.AWDL.Logger = out.Logger
	}
	if out.browseFn == nil {
		out.browseFn = browseWithNewResolver
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// Fusion merges mDNS, BLE and AWDL discovery into one catalog.
type Fusion struct {
	cfg     Config
	log     logrus.FieldLogger
	catalog *Catalog
	awdl    *AWDLManager
	events  chan Event

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	ble     *BLEScanner
	states  map[models.Transport]TransportState
}

// New builds a stopped Fusion.
func New(config Config) *Fusion {
	cfg := config.withDefaults()
	awdl := NewAWDLManager(cfg.AWDL)

	awdlTTL := awdl.cfg.PeerTTL
	catalog := NewCatalog(map[models.Transport]time.Duration{
		models.TransportBLE:  cfg.BLETTL,
		models.TransportAWDL: awdlTTL,
	})
	catalog.now = cfg.now
	awdl.now = cfg.now

	return &Fusion{
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "discovery"),
		catalog: catalog,
		awdl:    awdl,
		events:  make(chan Event, eventBufferSize),
		states: map[models.Transport]TransportState{
			models.TransportMDNS: StateStopped,
			models.TransportBLE:  StateStopped,
			models.TransportAWDL: StateStopped,
		},
	}
}

// Start launches every available transport. Calling it while running is a
// no-op. BLE and AWDL failures disable only that transport; Start fails only
// when no mDNS browser could be started.
func (f *Fusion) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	f.states[models.TransportMDNS] = StateStarting
	started := 0
	var lastErr error
	for _, service := range f.cfg.Services {
		browser := &serviceBrowser{
			service:      service,
			domain:       f.cfg.Domain,
			selfInstance: f.cfg.SelfInstance,
			browse:       f.cfg.browseFn,
			upsert:       f.upsert,
			now:          f.cfg.now,
			log:          f.log.WithFields(logrus.Fields{"transport": models.TransportMDNS, "service": service}),
		}
		if err := browser.start(runCtx, &f.wg); err != nil {
			f.log.WithError(err).WithField("service", service).Warn("mdns browse failed")
			lastErr = err
			continue
		}
		started++
	}
	if started == 0 {
		cancel()
		f.wg.Wait()
		f.states[models.TransportMDNS] = StateError
		return &DiscoveryError{Transport: models.TransportMDNS, Err: lastErr}
	}
	f.states[models.TransportMDNS] = StateRunning

	f.startBLE(runCtx)
	f.startAWDL()

	f.wg.Add(1)
	go f.sweepLoop(runCtx)

	f.cancel = cancel
	f.running = true
	f.log.WithField("services", started).Info("discovery started")
	return nil
}

func (f *Fusion) startBLE(ctx context.Context) {
	if f.cfg.NewBLEAdapter == nil {
		f.states[models.TransportBLE] = StateStopped
		return
	}
	f.states[models.TransportBLE] = StateStarting

	adapter, err := f.cfg.NewBLEAdapter()
	if err == nil {
		scanner := newBLEScanner(adapter, f.cfg.BLEPollInterval, f.upsert, f.log)
		scanner.now = f.cfg.now
		if err = scanner.Start(ctx); err == nil {
			f.ble = scanner
			f.states[models.TransportBLE] = StateRunning
			return
		}
		_ = adapter.StopScan()
	}

	f.states[models.TransportBLE] = StateError
	f.log.WithError(&DiscoveryError{Transport: models.TransportBLE, Err: err}).Warn("BLE discovery disabled")
}

func (f *Fusion) startAWDL() {
	f.states[models.TransportAWDL] = StateStarting
	if err := f.awdl.Start(f.upsert); err != nil {
		f.states[models.TransportAWDL] = StateError
		f.log.WithError(err).Warn("AWDL discovery disabled")
		return
	}
	if f.awdl.State() == AWDLRunning {
		f.states[models.TransportAWDL] = StateRunning
		return
	}
	f.states[models.TransportAWDL] = StateStopped
}

// Snapshot returns the unexpired peers.
func (f *Fusion) Snapshot() []models.DiscoveredPeer {
	return f.catalog.Snapshot()
}

// Stop cancels every listener, releases BLE scan mode and clears the catalog.
func (f *Fusion) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	for transport, state := range f.states {
		if state == StateRunning {
			f.states[transport] = StateStopping
		}
	}

	f.cancel()
	f.wg.Wait()
	if f.ble != nil {
		f.ble.Stop()
		f.ble = nil
	}
	f.awdl.Stop()
	f.catalog.Clear()

	for transport := range f.states {
		f.states[transport] = StateStopped
	}
	f.cancel = nil
	f.running = false
	f.log.Info("discovery stopped")
}

// Events returns catalog change notifications. Events are dropped when the
// buffer is full.
func (f *Fusion) Events() <-chan Event {
	return f.events
}

// TransportStates returns a copy of the per-transport states.
func (f *Fusion) TransportStates() map[models.Transport]TransportState {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[models.Transport]TransportState, len(f.states))
	for transport, state := range f.states {
		out[transport] = state
	}
	return out
}

// AdvertisingSupported reports whether BLE advertising can be driven.
func (f *Fusion) AdvertisingSupported() bool {
	return f.cfg.Advertiser.Supported()
}

// Advertise starts BLE advertising of an AirDrop manufacturer payload.
func (f *Fusion) Advertise(payload []byte) error {
	if !f.cfg.Advertiser.Supported() {
		return &DiscoveryError{Transport: models.TransportBLE, Err: ErrAdvertisingUnsupported}
	}
	return f.cfg.Advertiser.StartAdvertising(payload)
}

// AWDLPeers returns the raw AWDL peer table.
func (f *Fusion) AWDLPeers() []AWDLPeer {
	return f.awdl.Peers()
}

func (f *Fusion) upsert(peer models.DiscoveredPeer) {
	if !f.catalog.Upsert(peer) {
		return
	}
	f.emitEvent(Event{Type: EventPeerUpserted, Peer: peer.Clone()})
}

func (f *Fusion) sweepLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peer := range f.catalog.Sweep(f.cfg.MaxPeersPerTransport) {
				f.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
			}
		}
	}
}

func (f *Fusion) emitEvent(event Event) {
	select {
	case f.events <- event:
	default:
	}
}
