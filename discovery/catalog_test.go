package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airwin/airwin/models"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCatalog(clock *fakeClock) *Catalog {
	c := NewCatalog(map[models.Transport]time.Duration{models.TransportBLE: DefaultBLETTL})
	c.now = clock.Now
	return c
}

func blePeer(id string) models.DiscoveredPeer {
	return models.DiscoveredPeer{
		ID:          id,
		DisplayName: "iPhone",
		Transport:   models.TransportBLE,
		ServiceKind: models.ServiceAirDrop,
	}
}

func mdnsPeer(id, name string) models.DiscoveredPeer {
	return models.DiscoveredPeer{
		ID:          id,
		DisplayName: name,
		Address:     net.ParseIP("192.168.1.20"),
		Port:        8771,
		Transport:   models.TransportMDNS,
		ServiceKind: models.ServiceAirDrop,
	}
}

func TestCatalogHidesStaleBLEPeers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := newTestCatalog(clock)

	for _, id := range []string{"AA:BB:CC:00:00:01", "AA:BB:CC:00:00:02", "AA:BB:CC:00:00:03"} {
		require.True(t, c.Upsert(blePeer(id)))
	}
	require.Len(t, c.Snapshot(), 3)

	clock.Advance(DefaultBLETTL + time.Second)
	assert.Empty(t, c.Snapshot(), "BLE peers older than the TTL must not be returned")
	assert.Equal(t, 3, c.Len(), "eviction is lazy until Sweep")

	removed := c.Sweep(0)
	assert.Len(t, removed, 3)
	assert.Zero(t, c.Len())
}

func TestCatalogKeepsMDNSPeersWithoutTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := newTestCatalog(clock)

	c.Upsert(mdnsPeer("Mac._airdrop._tcp.local.", "Mac"))
	clock.Advance(time.Hour)

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "Mac", snap[0].DisplayName)
}

func TestCatalogRefreshKeepsBLEPeerAlive(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := newTestCatalog(clock)

	c.Upsert(blePeer("AA:BB:CC:00:00:01"))
	clock.Advance(20 * time.Second)

	refreshed := blePeer("AA:BB:CC:00:00:01")
	refreshed.LastSeen = clock.Now()
	assert.False(t, c.Upsert(refreshed), "unchanged metadata is not reported as a change")

	clock.Advance(20 * time.Second)
	assert.Len(t, c.Snapshot(), 1)
}

func TestCatalogUpsertReportsChanges(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := newTestCatalog(clock)

	peer := mdnsPeer("Mac._airdrop._tcp.local.", "Mac")
	assert.True(t, c.Upsert(peer))
	assert.False(t, c.Upsert(peer))

	peer.DisplayName = "Renamed Mac"
	assert.True(t, c.Upsert(peer))
	assert.False(t, c.Upsert(models.DiscoveredPeer{}), "peers without an id are ignored")
}

func TestCatalogKeysBySeparateServiceKinds(t *testing.T) {
	c := NewCatalog(nil)

	airdrop := mdnsPeer("Mac", "Mac")
	airplay := mdnsPeer("Mac", "Mac")
	airplay.ServiceKind = models.ServiceAirPlay

	c.Upsert(airdrop)
	c.Upsert(airplay)
	require.Len(t, c.Snapshot(), 2)

	c.Remove(models.TransportMDNS, models.ServiceAirPlay, "Mac")
	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.ServiceAirDrop, snap[0].ServiceKind)
}

func TestCatalogSnapshotIsACopy(t *testing.T) {
	c := NewCatalog(nil)
	peer := mdnsPeer("Mac", "Mac")
	peer.Attributes = []models.Attribute{{Key: "name", Value: "Mac"}}
	c.Upsert(peer)

	snap := c.Snapshot()
	snap[0].Attributes[0].Value = "mutated"
	snap[0].Address[len(snap[0].Address)-1] = 99

	again := c.Snapshot()
	assert.Equal(t, "Mac", again[0].Attributes[0].Value)
	assert.Equal(t, "192.168.1.20", again[0].Address.String())
}

func TestCatalogSweepTrimsOldestBeyondMax(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := newTestCatalog(clock)

	for _, id := range []string{"a", "b", "c", "d"} {
		c.Upsert(mdnsPeer(id, id))
		clock.Advance(time.Second)
	}

	removed := c.Sweep(2)
	require.Len(t, removed, 2)

	var ids []string
	for _, peer := range c.Snapshot() {
		ids = append(ids, peer.ID)
	}
	assert.ElementsMatch(t, []string{"c", "d"}, ids)
}

func TestCatalogClear(t *testing.T) {
	c := NewCatalog(nil)
	c.Upsert(mdnsPeer("Mac", "Mac"))
	c.Clear()
	assert.Zero(t, c.Len())
	assert.Empty(t, c.Snapshot())
}
