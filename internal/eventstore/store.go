// Package eventstore journals narration runs and their events in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/protocol"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one journaled narration.
type Run struct {
	ID         string
	InputPath  string
	OutputPath string
	Voice      string
	Status     string
	ChunkCount int
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Event is a recorded timeline entry of a run.
type Event struct {
	ID         int64
	RunID      string
	ChunkIndex int
	Type       string
	Payload    []byte
	CreatedAt  time.Time
}

// Store wraps a SQLite-backed run journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the run journal according to config. An ephemeral store
// keeps nothing and every operation is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("run journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("run journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    input_path TEXT,
    output_path TEXT,
    voice TEXT,
    status TEXT NOT NULL,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at TEXT NOT NULL,
    finished_at TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL DEFAULT 0,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_run_created ON events(run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendRun records the start of a run. Re-appending an existing run
// updates its paths and voice only.
func (s *Store) AppendRun(ctx context.Context, run Run) error {
	if s.disabled() {
		return nil
	}
	if run.ID == "" {
		return errors.New("run id required")
	}
	created := s.now()
	if !run.CreatedAt.IsZero() {
		created = run.CreatedAt.UTC().Format(timeLayout)
	}
	status := run.Status
	if status == "" {
		status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, input_path, output_path, voice, status, chunk_count, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET input_path=excluded.input_path, output_path=excluded.output_path, voice=excluded.voice`,
		run.ID, run.InputPath, run.OutputPath, run.Voice, status, run.ChunkCount, created)
	return err
}

// FinishRun stamps a run with its terminal status.
func (s *Store) FinishRun(ctx context.Context, runID, status string, chunks int, runErr string) error {
	if s.disabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, chunk_count = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		status, chunks, nullable(runErr), s.now(), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// AppendEvent writes an event for an existing run.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, chunk_index, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.RunID, evt.ChunkIndex, evt.Type, evt.Payload, created)
	return err
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, input_path, output_path, voice, status, chunk_count, COALESCE(error, ''), created_at, COALESCE(finished_at, '')
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			created, finished string
		)
		if err := rows.Scan(&r.ID, &r.InputPath, &r.OutputPath, &r.Voice, &r.Status, &r.ChunkCount, &r.Error, &created, &finished); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		r.FinishedAt = parseTime(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListRunEvents retrieves up to limit events for a run ordered ascending by time.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, chunk_index, event_type, payload, created_at
		 FROM events WHERE run_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.RunID, &e.ChunkIndex, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and from loqa-runs).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Observe journals pipeline events. Journal failures are logged and never
// affect the run.
func (s *Store) Observe(ctx context.Context, evt protocol.RunEvent) {
	if s.disabled() {
		return
	}
	// terminal rows must land even when the run context was cancelled
	ctx = context.WithoutCancel(ctx)

	if evt.Type == protocol.EventRunStarted {
		run := Run{ID: evt.RunID, InputPath: evt.InputPath, OutputPath: evt.OutputPath, Voice: evt.Voice, CreatedAt: evt.Timestamp}
		if err := s.AppendRun(ctx, run); err != nil {
			s.log.Warn("failed to journal run", slog.String("run_id", evt.RunID), slog.String("error", err.Error()))
			return
		}
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		s.log.Warn("failed to encode run event", slog.String("error", err.Error()))
		return
	}
	if err := s.AppendEvent(ctx, Event{RunID: evt.RunID, ChunkIndex: evt.Chunk, Type: evt.Type, Payload: payload, CreatedAt: evt.Timestamp}); err != nil {
		s.log.Warn("failed to journal run event", slog.String("run_id", evt.RunID), slog.String("type", evt.Type), slog.String("error", err.Error()))
	}

	var status string
	switch evt.Type {
	case protocol.EventRunCompleted:
		status = StatusCompleted
	case protocol.EventRunFailed:
		status = StatusFailed
	default:
		return
	}
	if err := s.FinishRun(ctx, evt.RunID, status, evt.Total, evt.Error); err != nil {
		s.log.Warn("failed to finish run", slog.String("run_id", evt.RunID), slog.String("error", err.Error()))
	}
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
