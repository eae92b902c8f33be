package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	TransferStatusPending  = "pending"
	TransferStatusComplete = "complete"
	TransferStatusRejected = "rejected"
	TransferStatusFailed   = "failed"
)

const (
	TransferDirectionInbound  = "inbound"
	TransferDirectionOutbound = "outbound"
)

const (
	TransferDialectLegacy = "legacy_json"
	TransferDialectHTTPS  = "https_json"
)

// TransferRecord is one row in transfers plus its files in manifest order.
type TransferRecord struct {
	SessionID  string
	Direction  string
	Dialect    string
	PeerAddr   string
	PeerName   string
	Status     string
	Reason     string
	StartedAt  int64
	FinishedAt *int64
	Files      []TransferFileRecord
}

// TransferFileRecord is one manifest entry of a transfer and its outcome.
type TransferFileRecord struct {
	FileID           string
	Name             string
	Size             int64
	MimeType         string
	StoredPath       string
	BytesTransferred int64
	Truncated        bool
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusComplete, TransferStatusRejected, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionInbound, TransferDirectionOutbound:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferDialect(dialect string) error {
	switch dialect {
	case TransferDialectLegacy, TransferDialectHTTPS:
		return nil
	default:
		return fmt.Errorf("invalid transfer dialect %q", dialect)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
