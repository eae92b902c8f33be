package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultListLimit caps ListTransfers when no limit is given.
const DefaultListLimit = 100

type scanner interface {
	Scan(dest ...any) error
}

// SetTransferRetention configures the automatic history pruning horizon.
// A negative value disables pruning.
func (s *Store) SetTransferRetention(retention time.Duration) {
	if retention == 0 {
		retention = DefaultTransferRetention
	}
	s.transferRetention = retention
}

// SaveTransfer inserts or replaces a transfer and its file rows.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.SessionID == "" {
		return errors.New("session_id is required")
	}
	if record.PeerAddr == "" {
		return errors.New("peer_addr is required")
	}
	if record.Status == "" {
		record.Status = TransferStatusPending
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return err
	}
	if err := validateTransferDirection(record.Direction); err != nil {
		return err
	}
	if err := validateTransferDialect(record.Dialect); err != nil {
		return err
	}
	if record.StartedAt == 0 {
		record.StartedAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transfer transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(
		`INSERT INTO transfers (
			session_id,
			direction,
			dialect,
			peer_addr,
			peer_name,
			status,
			reason,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			peer_name = excluded.peer_name,
			status = excluded.status,
			reason = excluded.reason,
			finished_at = excluded.finished_at`,
		record.SessionID,
		record.Direction,
		record.Dialect,
		record.PeerAddr,
		record.PeerName,
		record.Status,
		record.Reason,
		record.StartedAt,
		nullInt64(record.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert transfer %q: %w", record.SessionID, err)
	}

	if _, err := tx.Exec(`DELETE FROM transfer_files WHERE session_id = ?`, record.SessionID); err != nil {
		return fmt.Errorf("clear transfer files %q: %w", record.SessionID, err)
	}
	for i, file := range record.Files {
		if file.Name == "" {
			return fmt.Errorf("file %d: name is required", i)
		}
		_, err := tx.Exec(
			`INSERT INTO transfer_files (
				session_id,
				position,
				file_id,
				name,
				size,
				mime_type,
				stored_path,
				bytes_transferred,
				truncated
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.SessionID,
			i,
			file.FileID,
			file.Name,
			file.Size,
			file.MimeType,
			file.StoredPath,
			file.BytesTransferred,
			boolToInt(file.Truncated),
		)
		if err != nil {
			return fmt.Errorf("insert transfer file %q/%d: %w", record.SessionID, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer %q: %w", record.SessionID, err)
	}

	if s.transferRetention > 0 {
		cutoff := time.Now().Add(-s.transferRetention).UnixMilli()
		if _, err := s.PruneTransfers(cutoff); err != nil {
			return err
		}
	}
	return nil
}

// GetTransfer fetches a transfer and its files.
func (s *Store) GetTransfer(sessionID string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			session_id,
			direction,
			dialect,
			peer_addr,
			peer_name,
			status,
			reason,
			started_at,
			finished_at
		FROM transfers
		WHERE session_id = ?`,
		sessionID,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", sessionID, err)
	}

	files, err := s.transferFiles(sessionID)
	if err != nil {
		return nil, err
	}
	record.Files = files
	return record, nil
}

// ListTransfers returns the most recent transfers, newest first, with files.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.Query(
		`SELECT
			session_id,
			direction,
			dialect,
			peer_addr,
			peer_name,
			status,
			reason,
			started_at,
			finished_at
		FROM transfers
		ORDER BY started_at DESC, session_id ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}

	var out []TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, *record)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	_ = rows.Close()

	for i := range out {
		files, err := s.transferFiles(out[i].SessionID)
		if err != nil {
			return nil, err
		}
		out[i].Files = files
	}
	return out, nil
}

// PruneTransfers deletes transfers started before cutoffTimestamp (unix ms).
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfers WHERE started_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}
	return removed, nil
}

func (s *Store) transferFiles(sessionID string) ([]TransferFileRecord, error) {
	rows, err := s.db.Query(
		`SELECT
			file_id,
			name,
			size,
			mime_type,
			stored_path,
			bytes_transferred,
			truncated
		FROM transfer_files
		WHERE session_id = ?
		ORDER BY position ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer files %q: %w", sessionID, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var files []TransferFileRecord
	for rows.Next() {
		var (
			file      TransferFileRecord
			truncated int
		)
		if err := rows.Scan(
			&file.FileID,
			&file.Name,
			&file.Size,
			&file.MimeType,
			&file.StoredPath,
			&file.BytesTransferred,
			&truncated,
		); err != nil {
			return nil, fmt.Errorf("scan transfer file %q: %w", sessionID, err)
		}
		file.Truncated = truncated != 0
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer files %q: %w", sessionID, err)
	}
	return files, nil
}

func scanTransfer(row scanner) (*TransferRecord, error) {
	var (
		record     TransferRecord
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.SessionID,
		&record.Direction,
		&record.Dialect,
		&record.PeerAddr,
		&record.PeerName,
		&record.Status,
		&record.Reason,
		&record.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	record.FinishedAt = int64Ptr(finishedAt)
	return &record, nil
}
