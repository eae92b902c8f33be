package discovery

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airwin/airwin/records"
)

type publishCall struct {
	instance string
	service  string
	port     int
	txt      []string
}

type fakePublication struct {
	mu   *sync.Mutex
	down *int
}

func (p fakePublication) Shutdown() {
	p.mu.Lock()
	*p.down++
	p.mu.Unlock()
}

type fakePublisher struct {
	mu       sync.Mutex
	calls    []publishCall
	shutdown int
	failOn   string
}

func (p *fakePublisher) Publish(instance, service, domain string, port int, txt []string) (Publication, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if service == p.failOn {
		return nil, errors.New("publish refused")
	}
	p.calls = append(p.calls, publishCall{instance: instance, service: service, port: port, txt: txt})
	return fakePublication{mu: &p.mu, down: &p.shutdown}, nil
}

func (p *fakePublisher) snapshot() ([]publishCall, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...), p.shutdown
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newTestAnnouncer(t *testing.T, pub Publisher, join joinFunc) *Announcer {
	t.Helper()
	a, err := NewAnnouncer(AnnouncerConfig{
		Host: records.Host{
			Name:  "desk-pc",
			Model: "Windows,1",
			Now:   func() time.Time { return time.Unix(1700000000, 0) },
		},
		CompanionPort:  7001,
		DeviceInfoPort: 7002,
		MulticastPort:  7000,
		Publisher:      pub,
		Logger:         logrus.New(),
		joinFn:         join,
	})
	require.NoError(t, err)
	return a
}

func TestAnnouncePublishesEveryService(t *testing.T) {
	pub := &fakePublisher{}
	joined := 0
	a := newTestAnnouncer(t, pub, func(port int, _ logrus.FieldLogger) (io.Closer, error) {
		joined = port
		return closerFunc(func() error { return nil }), nil
	})

	require.NoError(t, a.Announce())
	require.NoError(t, a.Announce(), "second announce is a no-op")

	calls, _ := pub.snapshot()
	require.Len(t, calls, 4)

	ports := map[string]int{}
	for _, call := range calls {
		assert.Equal(t, "desk-pc", call.instance)
		ports[call.service] = call.port
	}
	assert.Equal(t, map[string]int{
		ServiceAirDropTCP: DefaultAirDropPort,
		ServiceAirDropUDP: DefaultAirDropPort,
		ServiceCompanion:  7001,
		ServiceDeviceInfo: 7002,
	}, ports)
	assert.Equal(t, 7000, joined)

	assert.Contains(t, calls[0].txt, "flags=1019")
	assert.True(t, records.Validate(a.Records()))
}

func TestAnnounceToleratesMulticastFailure(t *testing.T) {
	pub := &fakePublisher{}
	a := newTestAnnouncer(t, pub, func(int, logrus.FieldLogger) (io.Closer, error) {
		return nil, ErrNoMulticastInterface
	})

	require.NoError(t, a.Announce())
	calls, _ := pub.snapshot()
	assert.Len(t, calls, 4)
}

func TestAnnounceRollsBackOnPublishFailure(t *testing.T) {
	pub := &fakePublisher{failOn: ServiceDeviceInfo}
	a := newTestAnnouncer(t, pub, func(int, logrus.FieldLogger) (io.Closer, error) {
		return closerFunc(func() error { return nil }), nil
	})

	err := a.Announce()
	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)

	calls, shutdown := pub.snapshot()
	assert.Equal(t, len(calls), shutdown, "every successful publication is withdrawn")
}

func TestRefreshSessionRepublishesAirDrop(t *testing.T) {
	pub := &fakePublisher{}
	a := newTestAnnouncer(t, pub, func(int, logrus.FieldLogger) (io.Closer, error) {
		return closerFunc(func() error { return nil }), nil
	})

	require.ErrorIs(t, a.RefreshSession(), ErrNotStarted)
	require.NoError(t, a.Announce())

	before, _ := a.Records().Get("session_id")
	require.NoError(t, a.RefreshSession())
	after, _ := a.Records().Get("session_id")
	assert.NotEqual(t, before, after)

	calls, shutdown := pub.snapshot()
	assert.Len(t, calls, 6)
	assert.Equal(t, 2, shutdown)
}

func TestStopWithdrawsEverything(t *testing.T) {
	pub := &fakePublisher{}
	closed := false
	a := newTestAnnouncer(t, pub, func(int, logrus.FieldLogger) (io.Closer, error) {
		return closerFunc(func() error { closed = true; return nil }), nil
	})

	require.NoError(t, a.Announce())
	a.Stop()

	_, shutdown := pub.snapshot()
	assert.Equal(t, 4, shutdown)
	assert.True(t, closed)

	require.NoError(t, a.Announce(), "announcer can be restarted after Stop")
}

func TestNewAnnouncerRequiresInstanceName(t *testing.T) {
	_, err := NewAnnouncer(AnnouncerConfig{Publisher: &fakePublisher{}})
	require.Error(t, err)
}

func TestZeroconfPublisherUsesRegisterFunc(t *testing.T) {
	var gotService string
	var gotText []string
	p := &ZeroconfPublisher{registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		gotService = service
		gotText = text
		return nil, nil
	}}

	pb, err := p.Publish("desk-pc", ServiceAirDropTCP, DefaultDomain, 8771, []string{"flags=1019"})
	require.NoError(t, err)
	pb.Shutdown()

	assert.Equal(t, ServiceAirDropTCP, gotService)
	assert.Equal(t, []string{"flags=1019"}, gotText)
}
