package network

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/airwin/airwin/models"
)

const (
	// MaxHandshakeSize bounds a legacy handshake frame.
	MaxHandshakeSize = 1 << 20

	legacyStatusAccept = "accept"
	legacyStatusReject = "reject"
)

// frameMarker terminates every legacy JSON payload.
var frameMarker = []byte("\n\n")

// LegacyHandshake is the sender's opening payload in the legacy dialect.
type LegacyHandshake struct {
	Sender   string                     `json:"sender"`
	Receiver string                     `json:"receiver"`
	Files    []models.FileManifestEntry `json:"files"`
}

// LegacyReply is the receiver's answer to a LegacyHandshake.
type LegacyReply struct {
	Status   string `json:"status"`
	Receiver string `json:"receiver"`
}

// WriteFrame writes payload followed by the two-byte marker.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload)+len(frameMarker) > MaxHandshakeSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 0, len(payload)+len(frameMarker))
	buf = append(buf, payload...)
	buf = append(buf, frameMarker...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame scans r one byte at a time until the marker and returns the bytes
// before it. Bytes after the marker stay buffered in r for the file stream.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, b)
		if bytes.HasSuffix(buf, frameMarker) {
			return buf[:len(buf)-len(frameMarker)], nil
		}
		if len(buf) > MaxHandshakeSize {
			return nil, ErrFrameTooLarge
		}
	}
}

func writeJSONFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return WriteFrame(w, payload)
}

func readHandshake(r *bufio.Reader) (LegacyHandshake, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return LegacyHandshake{}, &HandshakeError{Dialect: models.DialectLegacyJSON, Err: err}
	}
	var hs LegacyHandshake
	if err := json.Unmarshal(payload, &hs); err != nil {
		return LegacyHandshake{}, &HandshakeError{Dialect: models.DialectLegacyJSON, Err: fmt.Errorf("decode handshake: %w", err)}
	}
	if len(hs.Files) == 0 {
		return LegacyHandshake{}, &HandshakeError{Dialect: models.DialectLegacyJSON, Err: ErrEmptyManifest}
	}
	for i, file := range hs.Files {
		if file.Name == "" {
			return LegacyHandshake{}, &HandshakeError{Dialect: models.DialectLegacyJSON, Err: fmt.Errorf("file %d has no name", i)}
		}
		if file.Size > math.MaxInt64 {
			return LegacyHandshake{}, &HandshakeError{Dialect: models.DialectLegacyJSON, Err: fmt.Errorf("%w: file %d declares %d bytes", ErrFileTooLarge, i, file.Size)}
		}
	}
	return hs, nil
}

func readReply(r *bufio.Reader) (LegacyReply, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return LegacyReply{}, &HandshakeError{Dialect: models.DialectLegacyJSON, Err: fmt.Errorf("read reply: %w", err)}
	}
	var reply LegacyReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return LegacyReply{}, &HandshakeError{Dialect: models.DialectLegacyJSON, Err: fmt.Errorf("decode reply: %w", err)}
	}
	if reply.Status != legacyStatusAccept {
		return reply, &HandshakeError{Dialect: models.DialectLegacyJSON, Err: ErrTransferRejected}
	}
	return reply, nil
}
