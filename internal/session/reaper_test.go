package session

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestReaper_StopsOnlyIdleSessions(t *testing.T) {
	fake := &fakeProvider{}
	m, _ := newTestManager(t, fake, Config{})
	ctx := context.Background()

	if _, err := m.InitSession(ctx, "idle", ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := m.InitSession(ctx, "active", ""); err != nil {
		t.Fatalf("init: %v", err)
	}

	// Backdate the idle session past the TTL. Listed records are copies, so
	// reach into the registry itself.
	m.mu.Lock()
	m.local["idle"].LastUsed = time.Now().UTC().Add(-time.Hour)
	m.mu.Unlock()

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	reaper, err := NewReaper(m, ReaperConfig{IdleTTL: 30 * time.Minute}, logger)
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	reaper.reap(ctx)

	records := m.ListLocalSessions()
	if len(records) != 1 || records[0].Name != "active" {
		t.Fatalf("surviving sessions = %+v, want only %q", records, "active")
	}
}

func TestNewReaper_RejectsBadSchedule(t *testing.T) {
	fake := &fakeProvider{}
	m, _ := newTestManager(t, fake, Config{})
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	if _, err := NewReaper(m, ReaperConfig{Schedule: "not a cron expr"}, logger); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
