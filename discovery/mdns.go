package discovery

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/grandcat/zeroconf"
	"github.com/holoplot/go-avahi"
	"github.com/sirupsen/logrus"

	"github.com/airwin/airwin/models"
	"github.com/airwin/airwin/records"
)

const (
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	ServiceAirDropTCP  = "_airdrop._tcp"
	ServiceAirDropUDP  = "_airdrop._udp"
	ServiceAirPlay     = "_airplay._tcp"
	ServiceRAOP        = "_raop._tcp"
	ServiceCompanion   = "_companion-link._tcp"
	ServiceDeviceInfo  = "_device-info._tcp"
	DefaultAirDropPort = 8771
)

// DefaultBrowseServices lists the service types browsed by Fusion.
var DefaultBrowseServices = []string{
	ServiceAirPlay,
	ServiceRAOP,
	ServiceAirDropTCP,
	ServiceAirDropUDP,
	ServiceCompanion,
	ServiceDeviceInfo,
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Publication is a registered service instance that can be withdrawn.
type Publication interface {
	Shutdown()
}

// Publisher registers DNS-SD service instances.
type Publisher interface {
	Publish(instance, service, domain string, port int, txt []string) (Publication, error)
}

// ZeroconfPublisher answers mDNS queries with an in-process responder.
type ZeroconfPublisher struct {
	registerFn registerFunc
}

// NewZeroconfPublisher returns a publisher backed by zeroconf.Register.
func NewZeroconfPublisher() *ZeroconfPublisher {
	return &ZeroconfPublisher{registerFn: zeroconf.Register}
}

type zeroconfPublication struct {
	server *zeroconf.Server
}

func (p zeroconfPublication) Shutdown() {
	if p.server == nil {
		return
	}
	p.server.Shutdown()
}

// Publish registers one service instance on all interfaces.
func (p *ZeroconfPublisher) Publish(instance, service, domain string, port int, txt []string) (Publication, error) {
	register := p.registerFn
	if register == nil {
		register = zeroconf.Register
	}
	server, err := register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", service, err)
	}
	return zeroconfPublication{server: server}, nil
}

// AvahiPublisher delegates registration to a running avahi-daemon over D-Bus.
// It is used when avahi already owns the mDNS port.
type AvahiPublisher struct {
	server *avahi.Server
	host   string
}

// NewAvahiPublisher connects to avahi-daemon on the system bus.
func NewAvahiPublisher() (*AvahiPublisher, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	server, err := avahi.ServerNew(conn)
	if err != nil {
		return nil, fmt.Errorf("connect avahi: %w", err)
	}
	host, err := server.GetHostNameFqdn()
	if err != nil {
		server.Close()
		return nil, fmt.Errorf("avahi host name: %w", err)
	}
	return &AvahiPublisher{server: server, host: host}, nil
}

type avahiPublication struct {
	server *avahi.Server
	group  *avahi.EntryGroup
}

func (p avahiPublication) Shutdown() {
	_ = p.group.Reset()
	p.server.EntryGroupFree(p.group)
}

// Publish adds and commits one service in its own entry group.
func (p *AvahiPublisher) Publish(instance, service, domain string, port int, txt []string) (Publication, error) {
	group, err := p.server.EntryGroupNew()
	if err != nil {
		return nil, fmt.Errorf("avahi entry group: %w", err)
	}

	payload := make([][]byte, 0, len(txt))
	for _, entry := range txt {
		payload = append(payload, []byte(entry))
	}

	err = group.AddService(avahi.InterfaceUnspec, avahi.ProtoUnspec, 0, instance, service,
		strings.TrimSuffix(domain, "."), p.host, uint16(port), payload)
	if err == nil {
		err = group.Commit()
	}
	if err != nil {
		p.server.EntryGroupFree(group)
		return nil, fmt.Errorf("avahi add %s: %w", service, err)
	}
	return avahiPublication{server: p.server, group: group}, nil
}

// Close releases the avahi server handle.
func (p *AvahiPublisher) Close() {
	if p == nil || p.server == nil {
		return
	}
	p.server.Close()
}

type joinFunc func(port int, logger logrus.FieldLogger) (io.Closer, error)

// AnnouncerConfig controls which records are published and where.
type AnnouncerConfig struct {
	InstanceName   string
	Host           records.Host
	Domain         string
	AirDropPort    int
	CompanionPort  int
	DeviceInfoPort int
	// MulticastPort is the UDP port of the multicast group socket. Zero disables it.
	MulticastPort int

	Publisher Publisher
	Logger    logrus.FieldLogger

	joinFn joinFunc
}

func (c AnnouncerConfig) withDefaults() AnnouncerConfig {
	out := c
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.InstanceName == "" {
		out.InstanceName = out.Host.Name
	}
	if out.AirDropPort == 0 {
		out.AirDropPort = DefaultAirDropPort
	}
	if out.Publisher == nil {
		out.Publisher = NewZeroconfPublisher()
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.joinFn == nil {
		out.joinFn = func(port int, logger logrus.FieldLogger) (io.Closer, error) {
			return JoinMulticast(MulticastConfig{Port: port, Logger: logger})
		}
	}
	return out
}

func (c AnnouncerConfig) validate() error {
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("discovery: instance name is required")
	}
	if c.AirDropPort <= 0 {
		return errors.New("discovery: airdrop port must be > 0")
	}
	return nil
}

// Announcer publishes the local AirDrop, Companion-Link and Device-Info
// services and joins the multicast group.
type Announcer struct {
	cfg AnnouncerConfig
	log logrus.FieldLogger

	mu        sync.Mutex
	airdrop   records.Records
	airdropPb []Publication
	otherPb   []Publication
	multicast io.Closer
	announced bool
}

// NewAnnouncer validates config and returns an idle announcer.
func NewAnnouncer(config AnnouncerConfig) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Announcer{
		cfg: cfg,
		log: cfg.Logger.WithField("component", "announcer"),
	}, nil
}

// Announce generates fresh records and publishes every service. Calling it
// again while announced is a no-op.
func (a *Announcer) Announce() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.announced {
		return nil
	}

	airdrop, err := records.AirDrop(a.cfg.Host)
	if err != nil {
		return &DiscoveryError{Transport: models.TransportMDNS, Err: err}
	}
	if !records.Validate(airdrop) {
		return &DiscoveryError{Transport: models.TransportMDNS, Err: errors.New("generated airdrop records are incomplete")}
	}
	companion, err := records.Companion(a.cfg.Host)
	if err != nil {
		return &DiscoveryError{Transport: models.TransportMDNS, Err: err}
	}
	deviceInfo, err := records.DeviceInfo(a.cfg.Host)
	if err != nil {
		return &DiscoveryError{Transport: models.TransportMDNS, Err: err}
	}

	airdropPb, err := a.publishAirDropLocked(airdrop)
	if err != nil {
		return err
	}

	var otherPb []Publication
	for _, svc := range []struct {
		service string
		port    int
		recs    records.Records
	}{
		{ServiceCompanion, a.cfg.CompanionPort, companion},
		{ServiceDeviceInfo, a.cfg.DeviceInfoPort, deviceInfo},
	} {
		if svc.port <= 0 {
			continue
		}
		pb, err := a.cfg.Publisher.Publish(a.cfg.InstanceName, svc.service, a.cfg.Domain, svc.port, svc.recs.TXT())
		if err != nil {
			shutdownAll(airdropPb)
			shutdownAll(otherPb)
			return &DiscoveryError{Transport: models.TransportMDNS, Err: err}
		}
		otherPb = append(otherPb, pb)
	}

	if a.cfg.MulticastPort > 0 {
		sock, err := a.cfg.joinFn(a.cfg.MulticastPort, a.cfg.Logger)
		if err != nil {
			a.log.WithError(err).WithField("port", a.cfg.MulticastPort).Warn("multicast group join failed, continuing without it")
		} else {
			a.multicast = sock
		}
	}

	a.airdrop = airdrop
	a.airdropPb = airdropPb
	a.otherPb = otherPb
	a.announced = true

	a.log.WithFields(logrus.Fields{
		"instance": a.cfg.InstanceName,
		"port":     a.cfg.AirDropPort,
	}).Info("services announced")
	return nil
}

func (a *Announcer) publishAirDropLocked(recs records.Records) ([]Publication, error) {
	var out []Publication
	for _, service := range []string{ServiceAirDropTCP, ServiceAirDropUDP} {
		pb, err := a.cfg.Publisher.Publish(a.cfg.InstanceName, service, a.cfg.Domain, a.cfg.AirDropPort, recs.TXT())
		if err != nil {
			shutdownAll(out)
			return nil, &DiscoveryError{Transport: models.TransportMDNS, Err: err}
		}
		out = append(out, pb)
	}
	return out, nil
}

// RefreshSession re-publishes the AirDrop services with new session_id,
// timestamp and phash values.
func (a *Announcer) RefreshSession() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.announced {
		return ErrNotStarted
	}

	refreshed, err := records.RefreshSession(a.airdrop, a.cfg.Host)
	if err != nil {
		return &DiscoveryError{Transport: models.TransportMDNS, Err: err}
	}

	shutdownAll(a.airdropPb)
	a.airdropPb = nil

	pbs, err := a.publishAirDropLocked(refreshed)
	if err != nil {
		return err
	}
	a.airdrop = refreshed
	a.airdropPb = pbs
	return nil
}

// Records returns a copy of the currently advertised AirDrop records.
func (a *Announcer) Records() records.Records {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.airdrop.Clone()
}

// Stop withdraws every publication and leaves the multicast group.
func (a *Announcer) Stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	shutdownAll(a.airdropPb)
	shutdownAll(a.otherPb)
	a.airdropPb = nil
	a.otherPb = nil
	if a.multicast != nil {
		_ = a.multicast.Close()
		a.multicast = nil
	}
	a.announced = false
}

func shutdownAll(pbs []Publication) {
	for _, pb := range pbs {
		if pb != nil {
			pb.Shutdown()
		}
	}
}
