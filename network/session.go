package network

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/airwin/airwin/models"
	"github.com/airwin/airwin/storage"
)

// HistoryRecorder persists finished sessions. *storage.Store satisfies it.
type HistoryRecorder interface {
	SaveTransfer(record storage.TransferRecord) error
}

// FileResult is the outcome of one manifest entry. Results share the
// manifest's ordering.
type FileResult struct {
	Entry            models.FileManifestEntry
	StoredPath       string
	BytesTransferred uint64
	Truncated        bool
}

// TransferSession lives from handshake start until the stream closes.
type TransferSession struct {
	ID         string
	PeerAddr   string
	PeerName   string
	Direction  models.Direction
	Dialect    models.Dialect
	Files      []models.FileManifestEntry
	Results    []FileResult
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

func newSession(direction models.Direction, dialect models.Dialect, peerAddr string) *TransferSession {
	return &TransferSession{
		ID:        uuid.NewString(),
		PeerAddr:  peerAddr,
		Direction: direction,
		Dialect:   dialect,
		Status:    Status{State: StateConnecting},
		StartedAt: time.Now(),
	}
}

// TotalSize sums the declared sizes of every manifest entry.
func (s *TransferSession) TotalSize() uint64 {
	var total uint64
	for _, f := range s.Files {
		total += f.Size
	}
	return total
}

func (s *TransferSession) finish(err error) {
	s.FinishedAt = time.Now()
	s.Err = err
	if err != nil {
		s.Status = Status{State: StateFailed, Reason: failureReason(err)}
		return
	}
	s.Status = Status{State: StateConnected}
}

func (s *TransferSession) record() storage.TransferRecord {
	finished := s.FinishedAt.UnixMilli()
	rec := storage.TransferRecord{
		SessionID:  s.ID,
		Direction:  string(s.Direction),
		Dialect:    string(s.Dialect),
		PeerAddr:   s.PeerAddr,
		PeerName:   s.PeerName,
		Status:     storage.TransferStatusComplete,
		StartedAt:  s.StartedAt.UnixMilli(),
		FinishedAt: &finished,
	}
	if s.Err != nil {
		rec.Status = storage.TransferStatusFailed
		if errors.Is(s.Err, ErrTransferRejected) {
			rec.Status = storage.TransferStatusRejected
		}
		rec.Reason = failureReason(s.Err)
	}

	for i, f := range s.Files {
		var r FileResult
		if i < len(s.Results) {
			r = s.Results[i]
		}
		rec.Files = append(rec.Files, storage.TransferFileRecord{
			FileID:           f.ID,
			Name:             f.Name,
			Size:             int64(f.Size),
			MimeType:         f.MimeType,
			StoredPath:       r.StoredPath,
			BytesTransferred: int64(r.BytesTransferred),
			Truncated:        r.Truncated,
		})
	}
	return rec
}
