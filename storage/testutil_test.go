package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func sampleTransfer(sessionID string, startedAt int64) TransferRecord {
	return TransferRecord{
		SessionID: sessionID,
		Direction: TransferDirectionInbound,
		Dialect:   TransferDialectLegacy,
		PeerAddr:  "192.168.1.30:51234",
		PeerName:  "Office Mac",
		Status:    TransferStatusPending,
		StartedAt: startedAt,
		Files: []TransferFileRecord{
			{FileID: "f1", Name: "photo.jpg", Size: 2048, MimeType: "image/jpeg"},
			{FileID: "f2", Name: "notes.txt", Size: 12, MimeType: "text/plain"},
		},
	}
}
