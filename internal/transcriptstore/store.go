// Package transcriptstore persists the final transcript timeline to SQLite.
// Partial hypotheses are never stored. In ephemeral retention mode the store
// is a no-op shell, so callers do not branch on persistence being enabled.
package transcriptstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Transcript is one stored final recognition result.
type Transcript struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	UtteranceID uint64    `json:"utterance_id"`
	Text        string    `json:"text"`
	Confidence  *float64  `json:"confidence,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store wraps the SQLite transcript timeline.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral retention skips
// the database entirely.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
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
			log.Warn("transcript store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    engine TEXT,
    source TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    utterance_id INTEGER NOT NULL,
    text TEXT,
    confidence REAL,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_created ON transcripts(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, engine, source string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, engine, source, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET engine=excluded.engine, source=excluded.source`,
		sessionID, engine, source, s.clock().UTC().Format(time.RFC3339Nano))
	return err
}

// AppendEvent stores one final transcript event. Satisfies the pipeline
// sink boundary; non-final events are ignored defensively here too because
// the store is also written by the batch endpoint.
func (s *Store) AppendEvent(ctx context.Context, ev protocol.TranscriptEvent) error {
	if s.db == nil || !ev.IsFinal {
		return nil
	}
	createdAt := ev.EmittedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	// The session row may not exist when a sink writes before the server
	// registered the session.
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions(session_id, engine, source, created_at) VALUES(?, '', '', ?)`,
		ev.SessionID, s.clock().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, utterance_id, text, confidence, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.UtteranceID, ev.Text, ev.Confidence, ev.Error, createdAt.UTC().Format(time.RFC3339Nano))
	return err
}

// ListTranscripts returns up to limit finals for a session in utterance
// order.
func (s *Store) ListTranscripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, utterance_id, text, confidence, error, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY utterance_id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transcripts []Transcript
	for rows.Next() {
		var tr Transcript
		var confidence sql.NullFloat64
		var created string
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.UtteranceID, &tr.Text, &confidence, &tr.Error, &created); err != nil {
			return nil, err
		}
		if confidence.Valid {
			tr.Confidence = &confidence.Float64
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			tr.CreatedAt = ts
		}
		transcripts = append(transcripts, tr)
	}
	return transcripts, rows.Err()
}

// DeleteSession removes a session and its transcripts, used by the
// session retention mode when a session is discarded.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// Prune applies retention: drop rows older than RetentionDays and keep at
// most MaxSessions recent sessions. Called on startup.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(time.RFC3339Nano)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
