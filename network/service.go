package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/airwin/airwin/crypto"
)

// Announcer publishes the local service records. *discovery.Announcer satisfies it.
type Announcer interface {
	Announce() error
	Stop()
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Host         string
	LegacyPort   int
	HTTPSPort    int
	DisableIPv6  bool
	ComputerName string
	ModelName    string
	DownloadDir  string
	Consent      ConsentFunc
	SetupTimeout time.Duration
	IdleTimeout  time.Duration
	Client       crypto.ClientOptions
	History      HistoryRecorder
	// Announcer is optional. Announce failures are logged, not fatal.
	Announcer Announcer
	Logger    logrus.FieldLogger
}

// Service owns the shared status cell, the inbound listener and the outbound
// pipeline.
type Service struct {
	opts     ServiceOptions
	log      logrus.FieldLogger
	status   *StatusCell
	progress *Progress
	pipeline *Pipeline

	mu        sync.Mutex
	listener  *Listener
	announced bool
	closed    bool
}

// NewService creates an idle service.
func NewService(opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	status := NewStatusCell()
	progress := &Progress{}
	return &Service{
		opts:     opts,
		log:      opts.Logger.WithField("component", "service"),
		status:   status,
		progress: progress,
		pipeline: NewPipeline(PipelineOptions{
			SenderName:   opts.ComputerName,
			ModelName:    opts.ModelName,
			SetupTimeout: opts.SetupTimeout,
			IdleTimeout:  opts.IdleTimeout,
			Status:       status,
			Progress:     progress,
			History:      opts.History,
			Client:       opts.Client,
			Logger:       opts.Logger,
		}),
	}
}

// StartServer announces the local records and binds the listeners. After a
// failure it may be called again. With the listeners already bound, a Failed
// status left by an inbound connection is cleared back to Connected.
func (s *Service) StartServer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrListenerClosed
	}
	if s.listener != nil {
		if s.status.Get().State == StateFailed {
			s.status.Connecting()
			s.status.Connected()
		}
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.status.Connecting()
	if s.opts.Announcer != nil && !s.announced {
		if err := s.opts.Announcer.Announce(); err != nil {
			s.log.WithError(err).Warn("service announcement failed, continuing without it")
		} else {
			s.announced = true
		}
	}

	listener, err := Listen(ListenerOptions{
		Host:         s.opts.Host,
		LegacyPort:   s.opts.LegacyPort,
		HTTPSPort:    s.opts.HTTPSPort,
		DisableIPv6:  s.opts.DisableIPv6,
		ComputerName: s.opts.ComputerName,
		ModelName:    s.opts.ModelName,
		DownloadDir:  s.opts.DownloadDir,
		Consent:      s.opts.Consent,
		SetupTimeout: s.opts.SetupTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
		Status:       s.status,
		Progress:     s.progress,
		History:      s.opts.History,
		Logger:       s.opts.Logger,
	})
	if err != nil {
		s.status.Fail(failureReason(err))
		return fmt.Errorf("start server: %w", err)
	}

	s.listener = listener
	s.status.Connected()
	s.log.WithField("addrs", addrStrings(listener.Addrs())).Info("AirDrop server started")
	return nil
}

// SendFile sends path to dest over the legacy dialect.
func (s *Service) SendFile(ctx context.Context, path, dest string) error {
	if s.isClosed() {
		return ErrListenerClosed
	}
	return s.pipeline.Send(ctx, path, dest)
}

// SendFileHTTPS sends path to dest over the HTTPS dialect.
func (s *Service) SendFileHTTPS(ctx context.Context, path, dest string) error {
	if s.isClosed() {
		return ErrListenerClosed
	}
	return s.pipeline.SendHTTPS(ctx, path, dest)
}

// Status returns the current status snapshot.
func (s *Service) Status() Status {
	return s.status.Get()
}

// Progress returns the last progress value in [0,100].
func (s *Service) Progress() float32 {
	return s.progress.Get()
}

// OnStatus registers fn to observe every status change.
func (s *Service) OnStatus(fn func(Status)) {
	s.status.SetObserver(fn)
}

// Addrs returns the bound listener addresses, or nil before StartServer.
func (s *Service) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addrs()
}

// Errors returns the listener's per-connection error channel, or nil before
// StartServer.
func (s *Service) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Errors()
}

// Close withdraws the announcement and stops the listener.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.announced {
		s.opts.Announcer.Stop()
		s.announced = false
	}
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func addrStrings(addrs []net.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}
