// Package audit keeps an optional SQLite log of synthesis requests and
// their outcomes. Disabled by default: the server carries no state across
// restarts unless an operator turns this on.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veloxlabs/velox-tts/internal/config"
)

// Entry is one recorded synthesis request.
type Entry struct {
	ID          int64
	RequestID   string
	Voice       string
	TextLen     int
	Status      string
	Detail      string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Store wraps the SQLite-backed request log. A disabled store carries no
// database handle and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.AuditConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the audit store according to config.
func Open(ctx context.Context, cfg config.AuditConfig, log *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("audit store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("audit store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS synth_requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    voice TEXT,
    text_len INTEGER NOT NULL,
    status TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_synth_requests_request ON synth_requests(request_id);
CREATE INDEX IF NOT EXISTS idx_synth_requests_created ON synth_requests(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordAccepted logs an admitted request. Failures are warnings only; the
// audit trail never blocks synthesis.
func (s *Store) RecordAccepted(ctx context.Context, requestID, voice string, textLen int) {
	if s == nil || s.db == nil {
		return
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO synth_requests(request_id, voice, text_len, status, created_at)
		 VALUES(?, ?, ?, 'accepted', ?)`,
		requestID, voice, textLen, s.clock().UTC())
	if err != nil {
		s.log.Warn("audit insert failed", slog.String("error", err.Error()))
	}
}

// RecordResult logs the terminal outcome for a request.
func (s *Store) RecordResult(ctx context.Context, requestID, status, detail string) {
	if s == nil || s.db == nil {
		return
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE synth_requests SET status = ?, detail = ?, completed_at = ?
		 WHERE id = (SELECT id FROM synth_requests WHERE request_id = ? ORDER BY id DESC LIMIT 1)`,
		status, detail, s.clock().UTC(), requestID)
	if err != nil {
		s.log.Warn("audit update failed", slog.String("error", err.Error()))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Rejected before admission; record the outcome standalone.
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO synth_requests(request_id, voice, text_len, status, detail, created_at, completed_at)
			 VALUES(?, '', 0, ?, ?, ?, ?)`,
			requestID, status, detail, s.clock().UTC(), s.clock().UTC())
		if err != nil {
			s.log.Warn("audit insert failed", slog.String("error", err.Error()))
		}
	}
}

// ListRecent returns up to limit entries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, voice, text_len, status, COALESCE(detail, ''), created_at, COALESCE(completed_at, created_at)
		 FROM synth_requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created, completed string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Voice, &e.TextLen, &e.Status, &e.Detail, &created, &completed); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, completed); err == nil {
			e.CompletedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies the configured retention window.
func (s *Store) Prune(ctx context.Context) error {
	if s == nil || s.db == nil || s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	_, err := s.db.ExecContext(ctx, `DELETE FROM synth_requests WHERE created_at < ?`, cutoff.UTC())
	return err
}
