package network

import (
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/airwin/airwin/storage"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// memoryHistory collects saved transfer records.
type memoryHistory struct {
	mu      sync.Mutex
	records []storage.TransferRecord
}

func (h *memoryHistory) SaveTransfer(record storage.TransferRecord) error {
	h.mu.Lock()
	h.records = append(h.records, record)
	h.mu.Unlock()
	return nil
}

func (h *memoryHistory) snapshot() []storage.TransferRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]storage.TransferRecord(nil), h.records...)
}

// find returns the first record with the given direction.
func (h *memoryHistory) find(direction string) (storage.TransferRecord, bool) {
	for _, rec := range h.snapshot() {
		if rec.Direction == direction {
			return rec, true
		}
	}
	return storage.TransferRecord{}, false
}

// statusRecorder captures every status written to a cell.
type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
}

func recordStatuses(cell *StatusCell) *statusRecorder {
	rec := &statusRecorder{}
	cell.SetObserver(func(s Status) {
		rec.mu.Lock()
		rec.seen = append(rec.seen, s)
		rec.mu.Unlock()
	})
	return rec
}

func (r *statusRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.seen...)
}

func newTestListener(t *testing.T, opts ListenerOptions) *Listener {
	t.Helper()

	opts.Host = "127.0.0.1"
	opts.HTTPSPort = -1
	opts.DisableIPv6 = true
	if opts.DownloadDir == "" {
		opts.DownloadDir = t.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}

	listener, err := Listen(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = listener.Close()
	})
	return listener
}

func writeRandomFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}
