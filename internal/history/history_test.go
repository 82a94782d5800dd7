package history

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	store, err := Open(&config.HistoryConfig{
		Driver: "sqlite",
		SQLite: &config.SQLiteHistoryConfig{Path: filepath.Join(t.TempDir(), "history.db")},
	}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_NilConfigDisablesHistory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	store, err := Open(nil, logger)
	if err != nil {
		t.Fatalf("Open(nil): %v", err)
	}
	if store != nil {
		t.Fatal("expected nil store for nil config")
	}

	// Nil store must be safe to use.
	if err := store.RecordInvocation(context.Background(), session.Invocation{}); err != nil {
		t.Errorf("nil RecordInvocation: %v", err)
	}
	if _, err := store.List(context.Background(), "", 10); err != nil {
		t.Errorf("nil List: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestStore_RecordAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, op := range []string{"executeCode", "executeCommand", "readFiles"} {
		err := store.RecordInvocation(ctx, session.Invocation{
			Session:   "analysis",
			Operation: op,
			IsError:   op == "readFiles",
			Duration:  150 * time.Millisecond,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("record %s: %v", op, err)
		}
	}

	entries, err := store.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	// Newest first.
	if entries[0].Operation != "readFiles" {
		t.Errorf("first entry = %q, want newest", entries[0].Operation)
	}
	if !entries[0].IsError {
		t.Error("error flag not persisted")
	}
	if entries[0].DurationMS != 150 {
		t.Errorf("duration = %dms, want 150", entries[0].DurationMS)
	}
}

func TestStore_ListFiltersBySession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta", "alpha"} {
		err := store.RecordInvocation(ctx, session.Invocation{
			Session:   name,
			Operation: "executeCode",
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := store.List(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Session != "alpha" {
			t.Errorf("entry session = %q, want alpha", e.Session)
		}
	}
}

func TestStore_ListLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := store.RecordInvocation(ctx, session.Invocation{
			Session:   "analysis",
			Operation: "executeCode",
			StartedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := store.List(ctx, "", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("entries = %d, want limit 2", len(entries))
	}
}
