package discovery

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const (
	// MDNSGroupIPv4 is the mDNS multicast group.
	MDNSGroupIPv4 = "224.0.0.251"
	// DefaultMulticastPort is the UDP port AirDrop listens on for group traffic.
	DefaultMulticastPort = 7000
	// DefaultMulticastTTL is the hop limit used by mDNS.
	DefaultMulticastTTL = 255
)

// MulticastConfig controls the multicast group socket.
type MulticastConfig struct {
	Group  net.IP
	Port   int
	TTL    int
	Logger logrus.FieldLogger

	interfacesFn func() ([]net.Interface, error)
}

func (c MulticastConfig) withDefaults() MulticastConfig {
	out := c
	if out.Group == nil {
		out.Group = net.ParseIP(MDNSGroupIPv4)
	}
	if out.Port <= 0 {
		out.Port = DefaultMulticastPort
	}
	if out.TTL <= 0 {
		out.TTL = DefaultMulticastTTL
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.interfacesFn == nil {
		out.interfacesFn = net.Interfaces
	}
	return out
}

// MulticastSocket is a UDP socket joined to the mDNS group on every eligible
// interface. Inbound datagrams are drained and counted.
type MulticastSocket struct {
	conn   net.PacketConn
	pc     *ipv4.PacketConn
	joined []string

	received  atomic.Uint64
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// JoinMulticast binds the group port and joins the group on each eligible
// interface. It fails with ErrNoMulticastInterface when none could be joined.
func JoinMulticast(config MulticastConfig) (*MulticastSocket, error) {
	cfg := config.withDefaults()
	log := cfg.Logger.WithFields(logrus.Fields{"group": cfg.Group.String(), "port": cfg.Port})

	ifaces, err := cfg.interfacesFn()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var candidates []net.Interface
	for _, iface := range ifaces {
		if eligibleInterface(iface) {
			candidates = append(candidates, iface)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoMulticastInterface
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("bind multicast port: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: cfg.Group}
	var joined []string
	for i := range candidates {
		iface := candidates[i]
		if err := pc.JoinGroup(&iface, group); err != nil {
			log.WithError(err).WithField("interface", iface.Name).Debug("multicast join failed")
			continue
		}
		joined = append(joined, iface.Name)
	}
	if len(joined) == 0 {
		_ = conn.Close()
		return nil, ErrNoMulticastInterface
	}

	if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
		log.WithError(err).Debug("set multicast ttl failed")
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		log.WithError(err).Debug("set multicast loopback failed")
	}

	sock := &MulticastSocket{conn: conn, pc: pc, joined: joined}
	sock.wg.Add(1)
	go sock.drain()

	log.WithField("interfaces", joined).Info("joined multicast group")
	return sock, nil
}

// Interfaces returns the names of the interfaces the group was joined on.
func (s *MulticastSocket) Interfaces() []string {
	return append([]string(nil), s.joined...)
}

// Received returns the number of datagrams drained so far.
func (s *MulticastSocket) Received() uint64 {
	return s.received.Load()
}

// Close leaves the group and closes the socket.
func (s *MulticastSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *MulticastSocket) drain() {
	defer s.wg.Done()
	buf := make([]byte, 9000)
	for {
		if _, _, err := s.conn.ReadFrom(buf); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.received.Add(1)
	}
}

func eligibleInterface(iface net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && eligibleIPv4(ipNet.IP) {
			return true
		}
	}
	return false
}

// eligibleIPv4 accepts routable and private IPv4 addresses.
func eligibleIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return !v4.IsLoopback() && !v4.IsLinkLocalUnicast() && !v4.IsUnspecified()
}
