package audit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/veloxlabs/velox-tts/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenDisabled(t *testing.T) {
	s, err := Open(context.Background(), config.AuditConfig{Enabled: false}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// All operations must be safe no-ops.
	s.RecordAccepted(context.Background(), "r1", "default", 5)
	s.RecordResult(context.Background(), "r1", "ok", "")
	entries, err := s.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if entries != nil {
		t.Fatalf("disabled store returned entries: %v", entries)
	}
}

func TestRecordAndList(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.AuditConfig{Enabled: true, Path: filepath.Join(tmp, "audit.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	s.RecordAccepted(ctx, "req-1", "default", 11)
	s.RecordResult(ctx, "req-1", "ok", "")
	s.RecordResult(ctx, "req-2", "bad_request", "empty text")

	entries, err := s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.RequestID] = e
	}
	if byID["req-1"].Status != "ok" || byID["req-1"].TextLen != 11 {
		t.Fatalf("unexpected req-1 entry: %+v", byID["req-1"])
	}
	if byID["req-2"].Status != "bad_request" || byID["req-2"].Detail != "empty text" {
		t.Fatalf("unexpected req-2 entry: %+v", byID["req-2"])
	}
}

func TestPruneRetention(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.AuditConfig{Enabled: true, Path: filepath.Join(tmp, "audit.db"), RetentionDays: 1}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	s.clock = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	s.RecordAccepted(ctx, "old", "default", 3)
	s.clock = time.Now
	s.RecordAccepted(ctx, "fresh", "default", 3)

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	entries, err := s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "fresh" {
		t.Fatalf("expected only the fresh entry, got %+v", entries)
	}
}
