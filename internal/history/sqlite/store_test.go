package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MrWong99/livevox/internal/history"
	"github.com/MrWong99/livevox/internal/history/historytest"
	"github.com/MrWong99/livevox/internal/history/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	t.Parallel()
	historytest.Run(t, func(t *testing.T) history.Store { return openStore(t) })
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(ctx, historytest.Record("keep", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	r, err := s.Get(ctx, "keep")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if len(r.Entries) != 2 {
		t.Errorf("entries after reopen = %d; want 2", len(r.Entries))
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := sqlite.Open(context.Background(), ""); err == nil {
		t.Error("Open(\"\") succeeded")
	}
}
