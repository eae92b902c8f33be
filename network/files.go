package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/airwin/airwin/models"
)

const (
	// ChunkSize is the fixed read/write unit for file bytes.
	ChunkSize = 8 * 1024

	defaultMimeType = "application/octet-stream"
	fallbackName    = "file.bin"
	maxNameAttempts = 1000
)

// manifestEntryForPath stats path and describes it for a handshake.
func manifestEntryForPath(path string) (models.FileManifestEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.FileManifestEntry{}, fmt.Errorf("stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return models.FileManifestEntry{}, fmt.Errorf("%w: %s", ErrNotRegularFile, path)
	}
	return models.FileManifestEntry{
		ID:       uuid.NewString(),
		Name:     filepath.Base(path),
		Size:     uint64(info.Size()),
		MimeType: mimeTypeFor(path),
	}, nil
}

func mimeTypeFor(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return defaultMimeType
}

// sanitizeFilename reduces a peer supplied name to a safe base name.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == ".." || base == "/" || base == "" {
		return fallbackName
	}
	return base
}

// createUnique opens a new file in dir for name, adding " (n)" before the
// extension until the name is free.
func createUnique(dir, name string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create download dir: %w", err)
	}

	base := sanitizeFilename(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	candidate := base
	for i := 1; i <= maxNameAttempts; i++ {
		path := filepath.Join(dir, candidate)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return file, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create %q: %w", path, err)
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
	return nil, "", fmt.Errorf("create %q: too many name collisions", base)
}

// uploadFilename names a file received through /Upload.
func uploadFilename(now time.Time) string {
	return fmt.Sprintf("airdrop_upload_%d.bin", now.UnixNano())
}

// deadlineSetter is implemented by net.Conn.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// idleWriter pushes the write deadline forward before every write.
type idleWriter struct {
	conn net.Conn
	idle time.Duration
}

func (w idleWriter) Write(p []byte) (int, error) {
	if w.idle > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.idle))
	}
	return w.conn.Write(p)
}

// chunkReader limits every Read to ChunkSize and reports the bytes read.
type chunkReader struct {
	r       io.Reader
	onChunk func(n uint64)
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > ChunkSize {
		p = p[:ChunkSize]
	}
	n, err := c.r.Read(p)
	if n > 0 && c.onChunk != nil {
		c.onChunk(uint64(n))
	}
	return n, err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// receiveExact copies exactly size bytes from src into dst in ChunkSize reads.
// onChunk receives the running byte count after every chunk. A stream that
// ends early returns a truncated TransferError along with the bytes copied.
func receiveExact(dst io.Writer, src io.Reader, size uint64, name string, idle time.Duration, conn deadlineSetter, onChunk func(n uint64)) (uint64, error) {
	buf := make([]byte, ChunkSize)
	var received uint64
	for received < size {
		want := uint64(len(buf))
		if remaining := size - received; remaining < want {
			want = remaining
		}
		if conn != nil && idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := src.Read(buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return received, &TransferError{File: name, Err: fmt.Errorf("write: %w", werr)}
			}
			received += uint64(n)
			if onChunk != nil {
				onChunk(uint64(n))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if received < size {
					return received, &TransferError{File: name, Truncated: true, Err: fmt.Errorf("received %d of %d bytes: %w", received, size, io.ErrUnexpectedEOF)}
				}
				break
			}
			return received, &TransferError{File: name, Err: err}
		}
	}
	return received, nil
}

// sendChunks copies src to dst in ChunkSize pieces, calling onChunk after each write.
func sendChunks(dst io.Writer, src io.Reader, name string, onChunk func(n uint64)) (uint64, error) {
	buf := make([]byte, ChunkSize)
	var sent uint64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return sent, &TransferError{File: name, Err: fmt.Errorf("write: %w", werr)}
			}
			sent += uint64(n)
			if onChunk != nil {
				onChunk(uint64(n))
			}
		}
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			return sent, &TransferError{File: name, Err: fmt.Errorf("read: %w", err)}
		}
	}
}
