package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jerroldneal/kokorod/internal/config"
	"github.com/jerroldneal/kokorod/internal/pipeline"
	_ "modernc.org/sqlite"
)

// Store archives every dispatched task and its outcome in SQLite. With no
// archive path configured it degrades to a no-op so the daemon can run
// stateless.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the task archive according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.ArchivePath == "" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.ArchivePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.ArchivePath)
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

	if err := s.Prune(ctx); err != nil {
		log.Warn("task archive prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS tasks (
    task_id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    voice TEXT NOT NULL,
    speed REAL NOT NULL,
    output_mode TEXT NOT NULL,
    output_path TEXT,
    announce INTEGER NOT NULL DEFAULT 0,
    job_id TEXT,
    part_index INTEGER,
    enqueued_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    outcome TEXT,
    detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_enqueued ON tasks(enqueued_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records a dispatched task. Re-dispatches of the same id overwrite
// the earlier row.
func (s *Store) Append(ctx context.Context, task *pipeline.Task) error {
	if s.db == nil {
		return nil
	}
	announce := 0
	if task.AnnounceOnComplete {
		announce = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(task_id, text, voice, speed, output_mode, output_path, announce, job_id, part_index, enqueued_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET enqueued_at=excluded.enqueued_at, outcome=NULL, detail=NULL, completed_at=NULL`,
		task.ID, task.Text, task.Voice, task.Speed, task.OutputMode, task.OutputPath,
		announce, task.JobID, task.PartIndex, task.EnqueuedAt.UTC())
	return err
}

// SetOutcome marks a task finished.
func (s *Store) SetOutcome(ctx context.Context, taskID string, ok bool, detail string) error {
	if s.db == nil {
		return nil
	}
	outcome := "done"
	if !ok {
		outcome = "failed"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET outcome = ?, detail = ?, completed_at = ? WHERE task_id = ?`,
		outcome, detail, s.clock().UTC(), taskID)
	return err
}

// Recent returns up to limit archived tasks, newest first, for warming the
// in-memory replay ring after a restart.
func (s *Store) Recent(ctx context.Context, limit int) ([]pipeline.Task, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, text, voice, speed, output_mode, output_path, announce, job_id, part_index, enqueued_at
		 FROM tasks ORDER BY enqueued_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []pipeline.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Find looks a single task up by id. A missing id is not an error.
func (s *Store) Find(ctx context.Context, taskID string) (*pipeline.Task, error) {
	if s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, text, voice, speed, output_mode, output_path, announce, job_id, part_index, enqueued_at
		 FROM tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (pipeline.Task, error) {
	var (
		task      pipeline.Task
		announce  int
		path      sql.NullString
		jobID     sql.NullString
		partIndex sql.NullInt64
		enqueued  string
	)
	if err := row.Scan(&task.ID, &task.Text, &task.Voice, &task.Speed, &task.OutputMode,
		&path, &announce, &jobID, &partIndex, &enqueued); err != nil {
		return pipeline.Task{}, err
	}
	task.OutputPath = path.String
	task.AnnounceOnComplete = announce != 0
	task.JobID = jobID.String
	task.PartIndex = int(partIndex.Int64)
	if ts, err := time.Parse(time.RFC3339Nano, enqueued); err == nil {
		task.EnqueuedAt = ts
	}
	return task, nil
}

// Prune applies configured retention.
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
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE enqueued_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id IN (
			SELECT task_id FROM tasks ORDER BY enqueued_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
