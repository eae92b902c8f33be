package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/airwin/airwin/models"
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// browseWithNewResolver gives every browse its own resolver so concurrent
// service types do not share sockets.
func browseWithNewResolver(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// ServiceKindFor maps a DNS-SD service type to its catalog kind.
func ServiceKindFor(service string) models.ServiceKind {
	switch strings.TrimSuffix(strings.TrimSuffix(service, "."), ".local") {
	case ServiceAirDropTCP, ServiceAirDropUDP:
		return models.ServiceAirDrop
	case ServiceAirPlay:
		return models.ServiceAirPlay
	case ServiceRAOP:
		return models.ServiceRAOP
	case ServiceCompanion:
		return models.ServiceCompanion
	case ServiceDeviceInfo:
		return models.ServiceDeviceInfo
	default:
		return models.ServiceOther
	}
}

// serviceBrowser continuously browses one service type until its context ends.
type serviceBrowser struct {
	service      string
	domain       string
	selfInstance string
	browse       browseFunc
	upsert       func(models.DiscoveredPeer)
	now          func() time.Time
	log          logrus.FieldLogger
}

// start launches the browse. It returns the browse error if the resolver
// could not be started; otherwise entries are consumed in the background
// until ctx is cancelled.
func (b *serviceBrowser) start(ctx context.Context, wg *sync.WaitGroup) error {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	now := b.now
	if now == nil {
		now = time.Now
	}

	if err := b.browse(ctx, b.service, b.domain, entries); err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, b.service, b.selfInstance)
				if !ok {
					continue
				}
				peer.LastSeen = now()
				b.log.WithFields(logrus.Fields{
					"peer": peer.ID,
					"addr": peer.Address.String(),
				}).Debug("mdns peer resolved")
				b.upsert(peer)
			}
		}
	}()
	return nil
}

func parseEntry(entry *zeroconf.ServiceEntry, service, selfInstance string) (models.DiscoveredPeer, bool) {
	instance := strings.TrimSpace(entry.Instance)
	if instance == "" || (selfInstance != "" && instance == selfInstance) {
		return models.DiscoveredPeer{}, false
	}

	address := firstAddress(entry)
	if address == nil {
		return models.DiscoveredPeer{}, false
	}

	name := instance
	attrs := txtAttributes(entry.Text)
	for _, attr := range attrs {
		if attr.Key == "name" && attr.Value != "" {
			name = attr.Value
			break
		}
	}

	return models.DiscoveredPeer{
		ID:          entry.ServiceInstanceName(),
		DisplayName: name,
		Address:     address,
		Port:        entry.Port,
		Transport:   models.TransportMDNS,
		ServiceKind: ServiceKindFor(service),
		Attributes:  attrs,
	}, true
}

// firstAddress keeps only one resolved address per event. IPv4 wins when present.
func firstAddress(entry *zeroconf.ServiceEntry) net.IP {
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			return ip
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip != nil {
			return ip
		}
	}
	return nil
}

func txtAttributes(text []string) []models.Attribute {
	out := make([]models.Attribute, 0, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		value := ""
		if len(parts) == 2 {
			value = strings.TrimSpace(parts[1])
		}
		out = append(out, models.Attribute{Key: key, Value: value})
	}
	return out
}
