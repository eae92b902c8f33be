package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/airwin/airwin/models"
)

const (
	// DefaultAWDLInterface is the interface created by AWDL daemons.
	DefaultAWDLInterface = "awdl0"
	// DefaultAWDLDiscoveryInterval is the peer table poll cadence.
	DefaultAWDLDiscoveryInterval = 30 * time.Second
	// DefaultAWDLMaxPeers caps the peer table size.
	DefaultAWDLMaxPeers = 50
	// DefaultAWDLServiceName is attached to AWDL peers as their service.
	DefaultAWDLServiceName = ServiceAirDropTCP
)

// AWDLState is the lifecycle state of the AWDL manager.
type AWDLState string

const (
	AWDLStopped      AWDLState = "stopped"
	AWDLInitializing AWDLState = "initializing"
	AWDLStarting     AWDLState = "starting"
	AWDLRunning      AWDLState = "running"
	AWDLStopping     AWDLState = "stopping"
	AWDLError        AWDLState = "error"
)

// AWDLPeer is a neighbor reported by the AWDL daemon.
type AWDLPeer struct {
	MAC      net.HardwareAddr
	Address  net.IP
	Name     string
	LastSeen time.Time
}

// PeerSource exposes the peer table of an external AWDL daemon.
type PeerSource interface {
	// Available returns ErrAWDLUnavailable when no daemon is running.
	Available() error
	Peers(ctx context.Context) ([]AWDLPeer, error)
}

// AWDLConfig controls the AWDL manager.
type AWDLConfig struct {
	Enabled           bool
	Interface         string
	ServiceName       string
	ServicePort       int
	DiscoveryInterval time.Duration
	MaxPeers          int
	// PeerTTL drops peers the daemon stopped reporting. Defaults to three discovery intervals.
	PeerTTL time.Duration

	Source PeerSource
	Logger logrus.FieldLogger
}

func (c AWDLConfig) withDefaults() AWDLConfig {
	out := c
	if out.Interface == "" {
		out.Interface = DefaultAWDLInterface
	}
	if out.ServiceName == "" {
		out.ServiceName = DefaultAWDLServiceName
	}
	if out.ServicePort <= 0 {
		out.ServicePort = DefaultAirDropPort
	}
	if out.DiscoveryInterval <= 0 {
		out.DiscoveryInterval = DefaultAWDLDiscoveryInterval
	}
	if out.MaxPeers <= 0 {
		out.MaxPeers = DefaultAWDLMaxPeers
	}
	if out.PeerTTL <= 0 {
		out.PeerTTL = 3 * out.DiscoveryInterval
	}
	if out.Source == nil {
		out.Source = NewNeighborSource(out.Interface)
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// AWDLManager polls an AWDL daemon's peer table and maintains a bounded,
// age-limited peer list.
type AWDLManager struct {
	cfg AWDLConfig
	log logrus.FieldLogger
	now func() time.Time

	stateMu  sync.RWMutex
	state    AWDLState
	disabled bool

	mu    sync.RWMutex
	peers map[string]AWDLPeer

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAWDLManager returns a stopped manager.
func NewAWDLManager(config AWDLConfig) *AWDLManager {
	cfg := config.withDefaults()
	return &AWDLManager{
		cfg:   cfg,
		log:   cfg.Logger.WithField("transport", models.TransportAWDL),
		now:   time.Now,
		state: AWDLStopped,
		peers: make(map[string]AWDLPeer),
	}
}

// State returns the current lifecycle state.
func (m *AWDLManager) State() AWDLState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Disabled reports whether the manager turned itself off after detecting a
// missing daemon or a port conflict.
func (m *AWDLManager) Disabled() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.disabled || !m.cfg.Enabled
}

func (m *AWDLManager) setState(state AWDLState) {
	m.stateMu.Lock()
	m.state = state
	m.stateMu.Unlock()
}

// Start initializes the daemon feed and begins polling. A missing daemon or
// a port conflict disables AWDL and returns nil.
func (m *AWDLManager) Start(upsert func(models.DiscoveredPeer)) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.cfg.Enabled {
		m.log.Info("AWDL protocol is disabled in configuration")
		return nil
	}
	if m.State() == AWDLRunning {
		return nil
	}

	m.setState(AWDLInitializing)
	if err := m.cfg.Source.Available(); err != nil {
		if errors.Is(err, ErrAWDLUnavailable) || errors.Is(err, syscall.EADDRINUSE) {
			m.log.WithError(err).Warn("AWDL unavailable, disabling AWDL support")
			m.stateMu.Lock()
			m.disabled = true
			m.state = AWDLStopped
			m.stateMu.Unlock()
			return nil
		}
		m.setState(AWDLError)
		return &DiscoveryError{Transport: models.TransportAWDL, Err: fmt.Errorf("initialize: %w", err)}
	}

	m.setState(AWDLStarting)
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.loop(ctx, upsert)

	m.setState(AWDLRunning)
	m.log.WithField("interface", m.cfg.Interface).Info("AWDL manager started")
	return nil
}

// Stop ends polling and clears the peer table.
func (m *AWDLManager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.setState(AWDLStopping)
	m.cancel()
	m.wg.Wait()
	m.cancel = nil

	m.mu.Lock()
	m.peers = make(map[string]AWDLPeer)
	m.mu.Unlock()
	m.setState(AWDLStopped)
}

// Peers returns the current peer table ordered by MAC.
func (m *AWDLManager) Peers() []AWDLPeer {
	m.mu.RLock()
	out := make([]AWDLPeer, 0, len(m.peers))
	for _, peer := range m.peers {
		out = append(out, peer)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return FormatMAC(out[i].MAC) < FormatMAC(out[j].MAC)
	})
	return out
}

func (m *AWDLManager) loop(ctx context.Context, upsert func(models.DiscoveredPeer)) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		m.discover(ctx, upsert)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *AWDLManager) discover(ctx context.Context, upsert func(models.DiscoveredPeer)) {
	found, err := m.cfg.Source.Peers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.WithError(err).Warn("AWDL peer discovery failed")
		}
		found = nil
	}

	now := m.now()
	m.mu.Lock()
	for _, peer := range found {
		if !ValidMAC(peer.MAC) {
			continue
		}
		if peer.LastSeen.IsZero() {
			peer.LastSeen = now
		}
		m.peers[FormatMAC(peer.MAC)] = peer
	}
	m.evictLocked(now)
	current := make([]AWDLPeer, 0, len(m.peers))
	for _, peer := range m.peers {
		current = append(current, peer)
	}
	m.mu.Unlock()

	if upsert == nil {
		return
	}
	for _, peer := range current {
		upsert(m.toDiscoveredPeer(peer))
	}
}

// evictLocked drops peers older than PeerTTL, then the oldest beyond MaxPeers.
func (m *AWDLManager) evictLocked(now time.Time) {
	for key, peer := range m.peers {
		if now.Sub(peer.LastSeen) > m.cfg.PeerTTL {
			delete(m.peers, key)
		}
	}
	if len(m.peers) <= m.cfg.MaxPeers {
		return
	}

	keys := make([]string, 0, len(m.peers))
	for key := range m.peers {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return m.peers[keys[i]].LastSeen.After(m.peers[keys[j]].LastSeen)
	})
	for _, key := range keys[m.cfg.MaxPeers:] {
		delete(m.peers, key)
	}
}

func (m *AWDLManager) toDiscoveredPeer(peer AWDLPeer) models.DiscoveredPeer {
	mac := FormatMAC(peer.MAC)
	name := peer.Name
	if name == "" {
		name = mac
	}
	return models.DiscoveredPeer{
		ID:          mac,
		DisplayName: name,
		Address:     peer.Address,
		Port:        m.cfg.ServicePort,
		Transport:   models.TransportAWDL,
		ServiceKind: ServiceKindFor(m.cfg.ServiceName),
		Attributes: []models.Attribute{
			{Key: "mac", Value: mac},
			{Key: "interface", Value: m.cfg.Interface},
			{Key: "service", Value: m.cfg.ServiceName},
		},
		LastSeen: peer.LastSeen,
	}
}

// ValidMAC rejects malformed, all-zero and broadcast hardware addresses.
func ValidMAC(mac net.HardwareAddr) bool {
	if len(mac) != 6 {
		return false
	}
	zero, broadcast := true, true
	for _, b := range mac {
		if b != 0x00 {
			zero = false
		}
		if b != 0xff {
			broadcast = false
		}
	}
	return !zero && !broadcast
}

// FormatMAC renders a hardware address as lowercase colon-separated hex.
func FormatMAC(mac net.HardwareAddr) string {
	return mac.String()
}
