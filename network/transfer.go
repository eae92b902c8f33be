package network

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/airwin/airwin/crypto"
	"github.com/airwin/airwin/models"
)

// legacyReceiverName is the receiver label a legacy sender puts in its handshake.
const legacyReceiverName = "AirDrop"

// PipelineOptions configures outbound transfers.
type PipelineOptions struct {
	SenderName   string
	ModelName    string
	SetupTimeout time.Duration
	IdleTimeout  time.Duration
	Status       *StatusCell
	Progress     *Progress
	History      HistoryRecorder
	Client       crypto.ClientOptions
	Logger       logrus.FieldLogger
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	out := o
	if out.SenderName == "" {
		out.SenderName = crypto.CommonName
	}
	if out.ModelName == "" {
		out.ModelName = "Windows,1"
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

// Pipeline sends local files to a remote receiver.
type Pipeline struct {
	opts PipelineOptions
	log  logrus.FieldLogger
	sink progressSink
}

// NewPipeline creates a sender.
func NewPipeline(options PipelineOptions) *Pipeline {
	opts := options.withDefaults()
	return &Pipeline{
		opts: opts,
		log:  opts.Logger.WithField("component", "pipeline"),
		sink: progressSink{status: opts.Status, progress: opts.Progress},
	}
}

// Send transfers path to dest ("host:port") over the legacy dialect.
func (p *Pipeline) Send(ctx context.Context, path, dest string) error {
	session := newSession(models.DirectionOutbound, models.DialectLegacyJSON, dest)
	log := p.log.WithFields(logrus.Fields{"peer": dest, "session_id": session.ID, "dialect": models.DialectLegacyJSON})
	p.sink.connecting()

	err := p.sendLegacy(ctx, session, path, dest, log)
	return p.finish(session, log, err)
}

func (p *Pipeline) sendLegacy(ctx context.Context, session *TransferSession, path, dest string, log logrus.FieldLogger) error {
	entry, err := manifestEntryForPath(path)
	if err != nil {
		return err
	}
	session.Files = []models.FileManifestEntry{entry}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer src.Close()

	conn, err := p.dialTLS(ctx, dest)
	if err != nil {
		return err
	}
	defer conn.Close()
	p.sink.connected()

	if err := conn.SetDeadline(time.Now().Add(p.opts.SetupTimeout)); err != nil {
		return fmt.Errorf("set setup deadline: %w", err)
	}
	hs := LegacyHandshake{Sender: p.opts.SenderName, Receiver: legacyReceiverName, Files: session.Files}
	if err := writeJSONFrame(conn, hs); err != nil {
		return &HandshakeError{Dialect: models.DialectLegacyJSON, Err: err}
	}
	reply, err := readReply(bufio.NewReader(conn))
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Op: "legacy handshake"}
		}
		return err
	}
	session.PeerName = reply.Receiver
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear setup deadline: %w", err)
	}
	log.WithField("file", entry.Name).Info("receiver accepted transfer")

	result, err := p.stream(idleWriter{conn: conn, idle: p.opts.IdleTimeout}, src, entry)
	session.Results = []FileResult{result}
	if err != nil {
		return err
	}
	_ = conn.CloseWrite()
	return nil
}

// SendHTTPS transfers path to dest ("host:port") over the HTTPS dialect.
func (p *Pipeline) SendHTTPS(ctx context.Context, path, dest string) error {
	session := newSession(models.DirectionOutbound, models.DialectHTTPSJSON, dest)
	log := p.log.WithFields(logrus.Fields{"peer": dest, "session_id": session.ID, "dialect": models.DialectHTTPSJSON})
	p.sink.connecting()

	err := p.sendHTTPS(ctx, session, path, dest, log)
	return p.finish(session, log, err)
}

func (p *Pipeline) sendHTTPS(ctx context.Context, session *TransferSession, path, dest string, log logrus.FieldLogger) error {
	entry, err := manifestEntryForPath(path)
	if err != nil {
		return err
	}
	session.Files = []models.FileManifestEntry{entry}

	identity, err := crypto.IssueIdentity()
	if err != nil {
		return err
	}
	transport := &http.Transport{
		TLSClientConfig:       crypto.ClientTLSConfig(identity, p.opts.Client),
		TLSHandshakeTimeout:   p.opts.SetupTimeout,
		ResponseHeaderTimeout: p.opts.SetupTimeout,
		DialContext:           (&net.Dialer{Timeout: p.opts.SetupTimeout}).DialContext,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}
	base := "https://" + dest

	var discovered DiscoverResponse
	if err := p.postJSON(ctx, client, base+"/Discover", DiscoverRequest{
		SenderComputerName: p.opts.SenderName,
		SenderModelName:    p.opts.ModelName,
	}, &discovered); err != nil {
		return err
	}
	session.PeerName = discovered.ReceiverComputerName
	p.sink.connected()

	ask := AskBody{
		SenderComputerName: p.opts.SenderName,
		SenderModelName:    p.opts.ModelName,
		Files: []AskFile{{
			FileID:   entry.ID,
			FileName: entry.Name,
			FileType: entry.MimeType,
			FileSize: entry.Size,
		}},
	}
	if err := p.postJSON(ctx, client, base+"/Ask", ask, nil); err != nil {
		return err
	}
	log.WithField("file", entry.Name).Info("receiver accepted transfer")

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer src.Close()

	result := FileResult{Entry: entry}
	p.sink.begin()
	body := &chunkReader{r: src, onChunk: func(n uint64) {
		result.BytesTransferred += n
		p.sink.update(result.BytesTransferred, entry.Size)
	}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/Upload", body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = int64(entry.Size)
	req.Header.Set("Content-Type", entry.MimeType)

	resp, err := client.Do(req)
	session.Results = []FileResult{result}
	if err != nil {
		return &TransferError{File: entry.Name, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &TransferError{File: entry.Name, Err: fmt.Errorf("upload returned %s", resp.Status)}
	}
	p.sink.update(entry.Size, entry.Size)
	return nil
}

func (p *Pipeline) postJSON(ctx context.Context, client *http.Client, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Op: "https request"}
		}
		return &HandshakeError{Dialect: models.DialectHTTPSJSON, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return &HandshakeError{Dialect: models.DialectHTTPSJSON, Err: ErrTransferRejected}
	case resp.StatusCode != http.StatusOK:
		return &HandshakeError{Dialect: models.DialectHTTPSJSON, Err: fmt.Errorf("%s returned %s", req.URL.Path, resp.Status)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAskBodySize)).Decode(out); err != nil {
		return &HandshakeError{Dialect: models.DialectHTTPSJSON, Err: fmt.Errorf("decode %s response: %w", req.URL.Path, err)}
	}
	return nil
}

func (p *Pipeline) dialTLS(ctx context.Context, dest string) (*tls.Conn, error) {
	identity, err := crypto.IssueIdentity()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.SetupTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    crypto.ClientTLSConfig(identity, p.opts.Client),
	}
	conn, err := dialer.DialContext(dialCtx, "tcp", dest)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Op: "dial " + dest}
		}
		return nil, fmt.Errorf("dial %s: %w", dest, err)
	}
	return conn.(*tls.Conn), nil
}

func (p *Pipeline) stream(dst io.Writer, src io.Reader, entry models.FileManifestEntry) (FileResult, error) {
	result := FileResult{Entry: entry}
	p.sink.begin()
	n, err := sendChunks(dst, src, entry.Name, func(delta uint64) {
		result.BytesTransferred += delta
		p.sink.update(result.BytesTransferred, entry.Size)
	})
	result.BytesTransferred = n
	if err != nil {
		return result, err
	}
	if n < entry.Size {
		return result, &TransferError{File: entry.Name, Truncated: true, Err: fmt.Errorf("sent %d of %d bytes: %w", n, entry.Size, io.ErrUnexpectedEOF)}
	}
	p.sink.update(n, entry.Size)
	return result, nil
}

func (p *Pipeline) finish(session *TransferSession, log logrus.FieldLogger, err error) error {
	session.finish(err)
	if err != nil {
		log.WithError(err).Warn("outbound transfer failed")
		p.sink.fail(err)
	} else {
		p.sink.settle()
		log.WithField("bytes", session.TotalSize()).Info("outbound transfer complete")
	}
	if len(session.Files) > 0 {
		recordSession(p.opts.History, session, log)
	}
	return err
}
