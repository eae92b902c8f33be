package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/airwin/airwin/models"
)

const (
	// DefaultBLETTL is how long a BLE peer stays visible without a refresh.
	DefaultBLETTL = 30 * time.Second
)

// Catalog is the keyed, TTL-bounded table of discovered peers.
//
// Entries are keyed by transport, service kind and peer ID. Expired entries
// are hidden from Snapshot immediately and deleted by Sweep.
type Catalog struct {
	mu    sync.RWMutex
	peers map[string]models.DiscoveredPeer

	ttl map[models.Transport]time.Duration
	now func() time.Time
}

// NewCatalog creates a catalog. A zero or missing TTL means entries of that
// transport never expire on their own.
func NewCatalog(ttl map[models.Transport]time.Duration) *Catalog {
	copied := make(map[models.Transport]time.Duration, len(ttl))
	for transport, d := range ttl {
		copied[transport] = d
	}
	return &Catalog{
		peers: make(map[string]models.DiscoveredPeer),
		ttl:   copied,
		now:   time.Now,
	}
}

func catalogKey(p models.DiscoveredPeer) string {
	return string(p.Transport) + "|" + string(p.ServiceKind) + "|" + p.ID
}

// Upsert inserts or refreshes a peer. It reports whether the peer was new or
// its metadata changed.
func (c *Catalog) Upsert(peer models.DiscoveredPeer) bool {
	if peer.ID == "" {
		return false
	}
	stored := peer.Clone()
	if stored.LastSeen.IsZero() {
		stored.LastSeen = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := catalogKey(stored)
	previous, exists := c.peers[key]
	c.peers[key] = stored
	return !exists || c.expiredLocked(previous, stored.LastSeen) || !peersEqual(previous, stored)
}

// Remove deletes a single peer.
func (c *Catalog) Remove(transport models.Transport, kind models.ServiceKind, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, string(transport)+"|"+string(kind)+"|"+id)
}

// Snapshot returns cloned, unexpired peers ordered by transport, service kind,
// display name and ID.
func (c *Catalog) Snapshot() []models.DiscoveredPeer {
	now := c.now()

	c.mu.RLock()
	out := make([]models.DiscoveredPeer, 0, len(c.peers))
	for _, peer := range c.peers {
		if c.expiredLocked(peer, now) {
			continue
		}
		out = append(out, peer.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Transport != b.Transport {
			return a.Transport < b.Transport
		}
		if a.ServiceKind != b.ServiceKind {
			return a.ServiceKind < b.ServiceKind
		}
		if a.DisplayName != b.DisplayName {
			return a.DisplayName < b.DisplayName
		}
		return a.ID < b.ID
	})
	return out
}

// Sweep deletes expired peers and, when maxPerTransport > 0, the oldest peers
// of any transport holding more than that many entries. Removed peers are returned.
func (c *Catalog) Sweep(maxPerTransport int) []models.DiscoveredPeer {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []models.DiscoveredPeer
	byTransport := make(map[models.Transport][]string)
	for key, peer := range c.peers {
		if c.expiredLocked(peer, now) {
			removed = append(removed, peer)
			delete(c.peers, key)
			continue
		}
		byTransport[peer.Transport] = append(byTransport[peer.Transport], key)
	}

	if maxPerTransport > 0 {
		for _, keys := range byTransport {
			if len(keys) <= maxPerTransport {
				continue
			}
			sort.Slice(keys, func(i, j int) bool {
				return c.peers[keys[i]].LastSeen.After(c.peers[keys[j]].LastSeen)
			})
			for _, key := range keys[maxPerTransport:] {
				removed = append(removed, c.peers[key])
				delete(c.peers, key)
			}
		}
	}

	return removed
}

// Clear drops every entry.
func (c *Catalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = make(map[string]models.DiscoveredPeer)
}

// Len returns the number of stored entries, expired or not.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers)
}

func (c *Catalog) expiredLocked(peer models.DiscoveredPeer, now time.Time) bool {
	ttl := c.ttl[peer.Transport]
	if ttl <= 0 {
		return false
	}
	return now.Sub(peer.LastSeen) > ttl
}

func peersEqual(a, b models.DiscoveredPeer) bool {
	if a.ID != b.ID ||
		a.DisplayName != b.DisplayName ||
		a.Port != b.Port ||
		a.Transport != b.Transport ||
		a.ServiceKind != b.ServiceKind ||
		!a.Address.Equal(b.Address) ||
		len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for i := range a.Attributes {
		if a.Attributes[i] != b.Attributes[i] {
			return false
		}
	}
	return true
}
