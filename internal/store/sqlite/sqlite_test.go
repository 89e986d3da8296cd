package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/loykin/idlestop/internal/store/storetest"
)

func TestSQLiteStoreContract(t *testing.T) {
	db, err := New(":memory:", "idle_state")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	storetest.Run(t, db)
}

func TestSQLiteStoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := New(path, "idle_state")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	storetest.Run(t, db)
}

func TestSQLiteRejectsBadInput(t *testing.T) {
	if _, err := New("  ", "idle_state"); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := New(":memory:", "idle; DROP TABLE x"); err == nil {
		t.Fatalf("expected error for unsafe table name")
	}
}
