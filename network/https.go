package network

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/airwin/airwin/models"
)

const maxAskBodySize = 1 << 20

// AskRequest describes a proposed inbound transfer for consent.
type AskRequest struct {
	PeerAddr    string
	SenderName  string
	SenderModel string
	Dialect     models.Dialect
	Files       []models.FileManifestEntry
}

// ConsentFunc decides whether an inbound transfer is accepted.
type ConsentFunc func(AskRequest) (bool, error)

// AcceptAll is the default ConsentFunc.
func AcceptAll(AskRequest) (bool, error) { return true, nil }

// DiscoverRequest is the body a sender posts to /Discover.
type DiscoverRequest struct {
	SenderComputerName string `json:"SenderComputerName,omitempty"`
	SenderModelName    string `json:"SenderModelName,omitempty"`
}

// DiscoverResponse is the /Discover answer.
type DiscoverResponse struct {
	ReceiverComputerName      string            `json:"ReceiverComputerName"`
	ReceiverModelName         string            `json:"ReceiverModelName"`
	ReceiverMediaCapabilities MediaCapabilities `json:"ReceiverMediaCapabilities"`
}

// MediaCapabilities advertises the receiving platform.
type MediaCapabilities struct {
	Version int                           `json:"Version"`
	Vendor  map[string]VendorCapabilities `json:"Vendor"`
}

// VendorCapabilities is one vendor entry of MediaCapabilities.
type VendorCapabilities struct {
	OSVersion      []int  `json:"OSVersion"`
	OSBuildVersion string `json:"OSBuildVersion"`
}

// AskFile is one file proposed in an /Ask body.
type AskFile struct {
	FileID   string `json:"FileID,omitempty"`
	FileName string `json:"FileName"`
	FileType string `json:"FileType,omitempty"`
	FileSize uint64 `json:"FileSize"`
}

// AskBody is the JSON body a sender posts to /Ask.
type AskBody struct {
	SenderComputerName string    `json:"SenderComputerName,omitempty"`
	SenderModelName    string    `json:"SenderModelName,omitempty"`
	Files              []AskFile `json:"Files,omitempty"`
}

// AskResponse is the /Ask acceptance body.
type AskResponse struct {
	ReceiverComputerName string `json:"ReceiverComputerName"`
	ReceiverModelName    string `json:"ReceiverModelName"`
}

func defaultMediaCapabilities() MediaCapabilities {
	return MediaCapabilities{
		Version: 1,
		Vendor: map[string]VendorCapabilities{
			"com.microsoft": {OSVersion: []int{10, 0}, OSBuildVersion: "22000"},
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// httpsHandler serves the AirDrop HTTP API on already-decrypted connections.
type httpsHandler struct {
	computerName string
	modelName    string
	downloadDir  string
	consent      ConsentFunc
	idle         time.Duration
	sink         progressSink
	history      HistoryRecorder
	log          logrus.FieldLogger
	now          func() time.Time
}

func (h *httpsHandler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(h.handleNotFound)
	r.MethodNotAllowed(h.handleNotFound)

	r.Get("/", h.handleRoot)
	r.Post("/Discover", h.handleDiscover)
	r.Post("/Ask", h.handleAsk)
	r.Post("/Upload", h.handleUpload)
	return r
}

func (h *httpsHandler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *httpsHandler) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}

func (h *httpsHandler) handleDiscover(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxAskBodySize))
	h.log.WithField("peer", r.RemoteAddr).Info("handling /Discover")

	writeJSON(w, http.StatusOK, DiscoverResponse{
		ReceiverComputerName:      h.computerName,
		ReceiverModelName:         h.modelName,
		ReceiverMediaCapabilities: defaultMediaCapabilities(),
	})
}

func (h *httpsHandler) handleAsk(w http.ResponseWriter, r *http.Request) {
	log := h.log.WithField("peer", r.RemoteAddr)

	// Apple senders may post a binary plist; only JSON bodies are parsed.
	var body AskBody
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAskBodySize))
	if err == nil && len(raw) > 0 {
		if jerr := json.Unmarshal(raw, &body); jerr != nil {
			log.WithError(jerr).Debug("ask body is not JSON")
		}
	}

	req := AskRequest{
		PeerAddr:    r.RemoteAddr,
		SenderName:  body.SenderComputerName,
		SenderModel: body.SenderModelName,
		Dialect:     models.DialectHTTPSJSON,
	}
	for _, f := range body.Files {
		id := f.FileID
		if id == "" {
			id = uuid.NewString()
		}
		req.Files = append(req.Files, models.FileManifestEntry{ID: id, Name: f.FileName, Size: f.FileSize, MimeType: f.FileType})
	}

	accepted, err := h.consent(req)
	if err != nil {
		log.WithError(err).Warn("consent check failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !accepted {
		log.Info("transfer declined")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	log.WithField("files", len(req.Files)).Info("accepted file transfer request")
	writeJSON(w, http.StatusOK, AskResponse{
		ReceiverComputerName: h.computerName,
		ReceiverModelName:    h.modelName,
	})
}

func (h *httpsHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	session := newSession(models.DirectionInbound, models.DialectHTTPSJSON, r.RemoteAddr)
	log := h.log.WithFields(logrus.Fields{"peer": r.RemoteAddr, "session_id": session.ID})

	file, path, err := createUnique(h.downloadDir, uploadFilename(h.now()))
	if err != nil {
		h.finishUpload(session, log, &TransferError{File: "upload", Err: err})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	var declared uint64
	if r.ContentLength > 0 {
		declared = uint64(r.ContentLength)
	}
	entry := models.FileManifestEntry{ID: uuid.NewString(), Name: filepath.Base(path), Size: declared, MimeType: mimeType}
	session.Files = []models.FileManifestEntry{entry}

	h.sink.begin()
	var received uint64
	onChunk := func(n uint64) {
		received += n
		if declared > 0 {
			h.sink.update(received, declared)
		}
	}
	if declared > 0 {
		_, err = receiveExact(file, r.Body, declared, entry.Name, 0, nil, onChunk)
	} else {
		_, err = sendChunks(file, r.Body, entry.Name, onChunk)
	}
	if cerr := file.Close(); err == nil && cerr != nil {
		err = &TransferError{File: entry.Name, Err: cerr}
	}

	var terr *TransferError
	session.Results = []FileResult{{
		Entry:            entry,
		StoredPath:       path,
		BytesTransferred: received,
		Truncated:        errors.As(err, &terr) && terr.Truncated,
	}}
	if err != nil {
		h.finishUpload(session, log, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if declared == 0 {
		h.sink.update(received, received)
	}
	h.finishUpload(session, log, nil)
	log.WithFields(logrus.Fields{"path": path, "bytes": received}).Info("saved uploaded file")
	w.WriteHeader(http.StatusOK)
}

func (h *httpsHandler) finishUpload(session *TransferSession, log logrus.FieldLogger, err error) {
	session.finish(err)
	if err != nil {
		log.WithError(err).Warn("upload failed")
		h.sink.fail(err)
	} else {
		h.sink.settle()
	}
	recordSession(h.history, session, log)
}

func recordSession(history HistoryRecorder, session *TransferSession, log logrus.FieldLogger) {
	if history == nil {
		return
	}
	if err := history.SaveTransfer(session.record()); err != nil {
		log.WithError(err).Warn("record transfer history failed")
	}
}

// peekedConn replays bytes already buffered by the dialect sniffer.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// connQueue is a net.Listener fed with connections that were accepted and
// sniffed elsewhere.
type connQueue struct {
	addr  net.Addr
	conns chan net.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

func newConnQueue(addr net.Addr) *connQueue {
	return &connQueue{
		addr:   addr,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// push hands conn to the HTTP server. It reports false once the queue is closed.
func (q *connQueue) push(conn net.Conn) bool {
	select {
	case q.conns <- conn:
		return true
	case <-q.closed:
		return false
	}
}

func (q *connQueue) Accept() (net.Conn, error) {
	select {
	case conn := <-q.conns:
		return conn, nil
	case <-q.closed:
		return nil, net.ErrClosed
	}
}

func (q *connQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}

func (q *connQueue) Addr() net.Addr {
	return q.addr
}
