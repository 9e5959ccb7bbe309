// Package eventstore keeps a sqlite timeline of dictation runs and the events
// each run emitted.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Mode is the retention policy read from event_store.retention_mode.
type Mode string

const (
	// ModeEphemeral records nothing.
	ModeEphemeral Mode = "ephemeral"
	// ModeSession keeps runs until they age out or exceed max_sessions.
	ModeSession Mode = "session"
	// ModePersistent applies the same limits; zero limits keep everything.
	ModePersistent Mode = "persistent"
)

// Event is one recorded dictation event.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	NodeID    string
	Type      string
	Payload   []byte
	Scope     string
	CreatedAt time.Time
}

// SessionSummary describes one dictation run.
type SessionSummary struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	CreatedAt time.Time `json:"created_at"`
	Events    int       `json:"events"`
	Texts     int       `json:"texts"`
}

// Store is the timeline. A Store opened in ephemeral mode has no database
// and every method is a no-op.
type Store struct {
	db          *sql.DB
	mode        Mode
	maxAge      time.Duration
	maxSessions int
	log         *slog.Logger
	clock       func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS dictation_sessions (
    id         TEXT PRIMARY KEY,
    node_id    TEXT NOT NULL DEFAULT '',
    scope      TEXT NOT NULL DEFAULT 'session',
    started_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS dictation_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES dictation_sessions(id) ON DELETE CASCADE,
    trace_id   TEXT NOT NULL DEFAULT '',
    node_id    TEXT NOT NULL DEFAULT '',
    kind       TEXT NOT NULL,
    payload    BLOB,
    scope      TEXT NOT NULL DEFAULT 'session',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS dictation_events_by_session ON dictation_events(session_id, created_at);
`

// Open creates or opens the timeline at cfg.Path and applies retention once.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	s := &Store{
		mode:        Mode(cfg.RetentionMode),
		maxAge:      time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		maxSessions: cfg.MaxSessions,
		log:         log,
		clock:       time.Now,
	}
	if s.mode == ModeEphemeral {
		log.Info("event store disabled", slog.String("retention_mode", string(s.mode)))
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := "file:" + cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s.db = db

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

// Enabled reports whether events are being recorded.
func (s *Store) Enabled() bool {
	return s.db != nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession records the start of a dictation run. Recording the same
// run twice keeps the original start time.
func (s *Store) AppendSession(ctx context.Context, sessionID, nodeID, scope string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dictation_sessions(id, node_id, scope, started_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET node_id = excluded.node_id, scope = excluded.scope`,
		sessionID, nodeID, scope, s.clock().UTC())
	return err
}

// AppendEvent records evt. A run whose session row was pruned while it was
// still active gets the row back, so long-lived runs keep recording.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	created := evt.CreatedAt.UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dictation_sessions(id, node_id, scope, started_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		evt.SessionID, evt.NodeID, evt.Scope, created); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dictation_events(session_id, trace_id, node_id, kind, payload, scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.NodeID, evt.Type, evt.Payload, evt.Scope, created)
	return err
}

// ListSessionEvents returns up to limit events of one run, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, node_id, kind, payload, scope, created_at
		 FROM dictation_events WHERE session_id = ? ORDER BY created_at, id LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TraceID, &e.NodeID, &e.Type, &e.Payload, &e.Scope, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTimestamp(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListSessions returns the newest runs first with their event and
// transcript counts.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.node_id, s.started_at, COUNT(e.id),
		        COALESCE(SUM(CASE WHEN e.kind = 'dictation.text' THEN 1 ELSE 0 END), 0)
		 FROM dictation_sessions s LEFT JOIN dictation_events e ON e.session_id = s.id
		 GROUP BY s.id ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			summary SessionSummary
			created string
		)
		if err := rows.Scan(&summary.ID, &summary.NodeID, &created, &summary.Events, &summary.Texts); err != nil {
			return nil, err
		}
		summary.CreatedAt = parseTimestamp(created)
		out = append(out, summary)
	}
	return out, rows.Err()
}

// Prune drops events older than retention_days, then runs with no events
// left that started before the cutoff, then all but the newest
// max_sessions runs.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil || (s.mode != ModeSession && s.mode != ModePersistent) {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.prune(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) prune(ctx context.Context, tx *sql.Tx) error {
	if s.maxAge > 0 {
		cutoff := s.clock().Add(-s.maxAge).UTC()
		if _, err := tx.ExecContext(ctx, `DELETE FROM dictation_events WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dictation_sessions WHERE started_at < ?
			 AND NOT EXISTS (SELECT 1 FROM dictation_events e WHERE e.session_id = dictation_sessions.id)`,
			cutoff); err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
	}
	if s.maxSessions > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dictation_sessions WHERE id NOT IN (
			     SELECT id FROM dictation_sessions ORDER BY started_at DESC LIMIT ?)`,
			s.maxSessions); err != nil {
			return fmt.Errorf("cap sessions: %w", err)
		}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func parseTimestamp(value string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
