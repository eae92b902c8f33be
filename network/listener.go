package network

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/airwin/airwin/crypto"
	"github.com/airwin/airwin/models"
)

const (
	// DefaultLegacyPort is the raw TLS port of the legacy dialect.
	DefaultLegacyPort = 7000
	// DefaultHTTPSPort is the AirDrop HTTPS port.
	DefaultHTTPSPort = 8771
	// DefaultSetupTimeout bounds accept plus TLS handshake plus dialect handshake.
	DefaultSetupTimeout = 15 * time.Second
	// DefaultIdleTimeout bounds each read or write once bytes are flowing.
	DefaultIdleTimeout = 30 * time.Second

	sniffLen = 8
)

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("HEAD "),
	[]byte("DELETE "),
	[]byte("OPTIONS "),
}

// ListenerOptions configures Listen.
type ListenerOptions struct {
	// Host is the bind address for IPv4 and HTTPS listeners. Empty binds all interfaces.
	Host string
	// LegacyPort and HTTPSPort of zero bind ephemeral ports. A negative
	// HTTPSPort disables the HTTPS listener.
	LegacyPort  int
	HTTPSPort   int
	DisableIPv6 bool

	ComputerName string
	ModelName    string
	DownloadDir  string
	Consent      ConsentFunc

	SetupTimeout time.Duration
	IdleTimeout  time.Duration

	// Identity is the server certificate. A fresh one is issued when nil.
	Identity *crypto.TLSIdentity
	Status   *StatusCell
	Progress *Progress
	History  HistoryRecorder
	Logger   logrus.FieldLogger
}

func (o ListenerOptions) withDefaults() ListenerOptions {
	out := o
	if out.ComputerName == "" {
		out.ComputerName = crypto.CommonName
	}
	if out.ModelName == "" {
		out.ModelName = "Windows,1"
	}
	if out.Consent == nil {
		out.Consent = AcceptAll
	}
	if out.SetupTimeout <= 0 {
		out.SetupTimeout = DefaultSetupTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Listener accepts inbound AirDrop connections on every bound socket and
// dispatches each to the legacy or HTTPS dialect.
type Listener struct {
	opts      ListenerOptions
	log       logrus.FieldLogger
	tlsConfig *tls.Config
	sink      progressSink

	listeners []net.Listener
	queue     *connQueue
	http      *http.Server

	errs chan error

	mu     sync.Mutex
	active map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the legacy IPv4 port (fatal on failure), the legacy IPv6 port
// and the HTTPS port (both best-effort), then starts accepting.
func Listen(options ListenerOptions) (*Listener, error) {
	opts := options.withDefaults()
	log := opts.Logger.WithField("component", "listener")

	identity := opts.Identity
	if identity == nil {
		var err error
		identity, err = crypto.IssueIdentity()
		if err != nil {
			return nil, err
		}
	}

	v4, err := net.Listen("tcp4", net.JoinHostPort(opts.Host, strconv.Itoa(opts.LegacyPort)))
	if err != nil {
		return nil, fmt.Errorf("listen on legacy port %d: %w", opts.LegacyPort, err)
	}
	listeners := []net.Listener{v4}

	if !opts.DisableIPv6 && (opts.Host == "" || opts.Host == "::") {
		v6, err := net.Listen("tcp6", net.JoinHostPort("::", strconv.Itoa(opts.LegacyPort)))
		if err != nil {
			log.WithError(err).Warn("IPv6 bind failed, continuing with IPv4 only")
		} else {
			listeners = append(listeners, v6)
		}
	}

	if opts.HTTPSPort >= 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.HTTPSPort)))
		if err != nil {
			log.WithError(err).WithField("port", opts.HTTPSPort).Warn("HTTPS bind failed, continuing without it")
		} else {
			listeners = append(listeners, ln)
		}
	}

	l := &Listener{
		opts:      opts,
		log:       log,
		tlsConfig: crypto.ServerTLSConfig(identity),
		sink:      progressSink{status: opts.Status, progress: opts.Progress},
		listeners: listeners,
		queue:     newConnQueue(v4.Addr()),
		errs:      make(chan error, 16),
		active:    make(map[net.Conn]struct{}),
		closed:    make(chan struct{}),
	}

	handler := &httpsHandler{
		computerName: opts.ComputerName,
		modelName:    opts.ModelName,
		downloadDir:  opts.DownloadDir,
		consent:      opts.Consent,
		idle:         opts.IdleTimeout,
		sink:         l.sink,
		history:      opts.History,
		log:          log.WithField("dialect", models.DialectHTTPSJSON),
		now:          time.Now,
	}
	l.http = &http.Server{
		Handler:           handler.routes(),
		ReadHeaderTimeout: opts.SetupTimeout,
		IdleTimeout:       opts.IdleTimeout,
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.http.Serve(l.queue); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.reportError(fmt.Errorf("https server: %w", err))
		}
	}()

	for _, ln := range listeners {
		l.wg.Add(1)
		go l.acceptLoop(ln)
		log.WithField("addr", ln.Addr().String()).Info("listening")
	}
	return l, nil
}

// Addrs returns the bound addresses. The first is the IPv4 legacy listener.
func (l *Listener) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(l.listeners))
	for _, ln := range l.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Errors returns asynchronous per-connection errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops every accept loop, shuts the HTTP server and waits for
// connection goroutines.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		for _, ln := range l.listeners {
			if err := ln.Close(); err != nil && closeErr == nil && !errors.Is(err, net.ErrClosed) {
				closeErr = err
			}
		}
		_ = l.queue.Close()
		_ = l.http.Close()

		l.mu.Lock()
		for conn := range l.active {
			_ = conn.Close()
		}
		l.mu.Unlock()

		l.wg.Wait()
		close(l.errs)
	})
	return closeErr
}

// track registers a connection so Close can interrupt it. It reports false
// once the listener is closing.
func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
		return false
	default:
	}
	l.active[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.active, conn)
	l.mu.Unlock()
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(raw net.Conn) {
	defer l.wg.Done()

	if !l.track(raw) {
		_ = raw.Close()
		return
	}
	log := l.log.WithField("peer", raw.RemoteAddr().String())
	handedOff := false
	defer func() {
		l.untrack(raw)
		if !handedOff {
			_ = raw.Close()
		}
	}()

	if err := raw.SetDeadline(time.Now().Add(l.opts.SetupTimeout)); err != nil {
		l.reportError(fmt.Errorf("set setup deadline: %w", err))
		return
	}

	conn := tls.Server(raw, l.tlsConfig)
	if err := conn.Handshake(); err != nil {
		if isTimeout(err) {
			l.connFailed(log, &TimeoutError{Op: "tls handshake"})
			return
		}
		l.connFailed(log, fmt.Errorf("tls handshake: %w", err))
		return
	}

	br := bufio.NewReaderSize(conn, 4*ChunkSize)
	dialect, err := sniffDialect(br)
	if err != nil {
		if isTimeout(err) {
			err = &TimeoutError{Op: "dialect sniff"}
		}
		l.connFailed(log, err)
		return
	}

	switch dialect {
	case models.DialectHTTPSJSON:
		if err := raw.SetDeadline(time.Time{}); err != nil {
			l.reportError(fmt.Errorf("clear setup deadline: %w", err))
			return
		}
		if l.queue.push(&peekedConn{Conn: conn, r: br}) {
			handedOff = true
		}
	default:
		l.serveLegacy(conn, br, raw, log)
		_ = conn.Close()
	}
}

// sniffDialect inspects buffered bytes without consuming them. A leading
// '{' selects the legacy dialect; an HTTP method token selects HTTPS.
func sniffDialect(br *bufio.Reader) (models.Dialect, error) {
	first, err := br.Peek(1)
	if err != nil {
		return "", fmt.Errorf("read first byte: %w", err)
	}
	if first[0] == '{' {
		return models.DialectLegacyJSON, nil
	}

	head, err := br.Peek(sniffLen)
	if err != nil && len(head) == 0 {
		return "", fmt.Errorf("read request line: %w", err)
	}
	for _, method := range httpMethods {
		if bytes.HasPrefix(head, method) {
			return models.DialectHTTPSJSON, nil
		}
	}
	return "", &HandshakeError{Dialect: "unknown", Err: ErrUnknownDialect}
}

// serveLegacy runs the receiver side of the legacy dialect.
func (l *Listener) serveLegacy(conn *tls.Conn, br *bufio.Reader, raw net.Conn, log logrus.FieldLogger) {
	session := newSession(models.DirectionInbound, models.DialectLegacyJSON, raw.RemoteAddr().String())
	log = log.WithFields(logrus.Fields{"session_id": session.ID, "dialect": models.DialectLegacyJSON})

	err := l.receiveLegacy(session, conn, br, raw, log)
	session.finish(err)
	switch {
	case err == nil:
		l.sink.settle()
		log.WithField("files", len(session.Results)).Info("legacy transfer complete")
	case errors.Is(err, ErrTransferRejected):
		log.Info("legacy transfer declined")
	default:
		l.connFailed(log, err)
	}
	if len(session.Files) > 0 {
		recordSession(l.opts.History, session, log)
	}
}

func (l *Listener) receiveLegacy(session *TransferSession, conn *tls.Conn, br *bufio.Reader, raw net.Conn, log logrus.FieldLogger) error {
	hs, err := readHandshake(br)
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Op: "legacy handshake"}
		}
		return err
	}
	session.Files = hs.Files
	session.PeerName = hs.Sender
	log.WithFields(logrus.Fields{"sender": hs.Sender, "files": len(hs.Files)}).Info("received legacy handshake")

	// Consent may wait on a user prompt, so the setup deadline ends here.
	if err := raw.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear setup deadline: %w", err)
	}
	accepted, err := l.opts.Consent(AskRequest{
		PeerAddr:   session.PeerAddr,
		SenderName: hs.Sender,
		Dialect:    models.DialectLegacyJSON,
		Files:      hs.Files,
	})
	if err != nil {
		return fmt.Errorf("consent: %w", err)
	}

	reply := LegacyReply{Status: legacyStatusAccept, Receiver: hs.Receiver}
	if !accepted {
		reply.Status = legacyStatusReject
	}
	if err := writeJSONFrame(idleWriter{conn: conn, idle: l.opts.IdleTimeout}, reply); err != nil {
		return &HandshakeError{Dialect: models.DialectLegacyJSON, Err: err}
	}
	if !accepted {
		return &HandshakeError{Dialect: models.DialectLegacyJSON, Err: ErrTransferRejected}
	}

	total := session.TotalSize()
	var done uint64
	l.sink.begin()
	for _, entry := range hs.Files {
		result, err := l.receiveFile(entry, br, raw, func(n uint64) {
			done += n
			l.sink.update(done, total)
		})
		session.Results = append(session.Results, result)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"file": entry.Name, "path": result.StoredPath}).Info("saved file")
	}
	l.sink.update(done, total)
	return nil
}

func (l *Listener) receiveFile(entry models.FileManifestEntry, src *bufio.Reader, raw net.Conn, onChunk func(uint64)) (FileResult, error) {
	result := FileResult{Entry: entry}

	file, path, err := createUnique(l.opts.DownloadDir, entry.Name)
	if err != nil {
		return result, &TransferError{File: entry.Name, Err: err}
	}
	result.StoredPath = path

	n, err := receiveExact(file, src, entry.Size, entry.Name, l.opts.IdleTimeout, raw, onChunk)
	result.BytesTransferred = n
	if cerr := file.Close(); err == nil && cerr != nil {
		err = &TransferError{File: entry.Name, Err: cerr}
	}

	var terr *TransferError
	if errors.As(err, &terr) {
		result.Truncated = terr.Truncated
	}
	return result, err
}

func (l *Listener) connFailed(log logrus.FieldLogger, err error) {
	select {
	case <-l.closed:
		log.WithError(err).Debug("inbound connection interrupted by shutdown")
		return
	default:
	}
	log.WithError(err).Warn("inbound connection failed")
	l.sink.fail(err)
	l.reportError(err)
}

func (l *Listener) reportError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case <-l.closed:
		return
	default:
	}
	select {
	case l.errs <- err:
	default:
	}
}
