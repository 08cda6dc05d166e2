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

func mustSaveTransfer(t *testing.T, store *Store, transfer Transfer) {
	t.Helper()

	if transfer.Name == "" {
		transfer.Name = transfer.TransferID + ".bin"
	}
	if err := store.SaveTransfer(transfer); err != nil {
		t.Fatalf("save transfer %q: %v", transfer.TransferID, err)
	}
}
