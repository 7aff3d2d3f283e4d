// Package sqlite is the durable TaskRepository implementation
// consumed by the web service, grounded on the pack's SQLite backend
// construction (WAL journal mode, busy-timeout DSN, ping-on-open).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/runinator/runinator/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	cron_schedule TEXT NOT NULL,
	action_name TEXT NOT NULL,
	action_function TEXT NOT NULL,
	action_configuration BLOB,
	timeout INTEGER NOT NULL,
	next_execution INTEGER,
	enabled BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS task_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES scheduled_tasks(id),
	start_time INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
`

// Repository is a TaskRepository backed by a SQLite database, per
// spec.md §6's persistence schema.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path, applies
// the schema, and verifies connectivity. There is a single idempotent
// CREATE TABLE IF NOT EXISTS migration — the schema has one stable
// shape, per spec.md §9's Design Notes.
func Open(path string) (*Repository, error) {
	if path == "" {
		path = "runinator.db"
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) DueTasks(ctx context.Context, now time.Time) ([]repository.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, cron_schedule, action_name, action_function, action_configuration, timeout, next_execution, enabled
		FROM scheduled_tasks
		WHERE enabled = 1 AND next_execution IS NOT NULL AND next_execution <= ?
		ORDER BY next_execution ASC
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var out []repository.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) AdvanceNextExecution(ctx context.Context, taskID int64, next time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE scheduled_tasks SET next_execution = ? WHERE id = ?`, next.Unix(), taskID)
	if err != nil {
		return fmt.Errorf("advance next_execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance next_execution: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %d not found", taskID)
	}
	return nil
}

func (r *Repository) RecordRun(ctx context.Context, run repository.TaskRun) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_runs (task_id, start_time, duration_ms) VALUES (?, ?, ?)
	`, run.TaskID, run.StartTime.Unix(), run.DurationMs)
	if err != nil {
		return fmt.Errorf("record task run: %w", err)
	}
	return nil
}

// InsertTask adds a new ScheduledTask, returning its assigned id.
func (r *Repository) InsertTask(ctx context.Context, t repository.ScheduledTask) (int64, error) {
	var nextExecution interface{}
	if t.NextExecution != nil {
		nextExecution = t.NextExecution.Unix()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (name, cron_schedule, action_name, action_function, action_configuration, timeout, next_execution, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Name, t.CronSchedule, t.ActionName, t.ActionFunction, t.ActionConfiguration, t.TimeoutMs, nextExecution, t.IsEnabled())
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return res.LastInsertId()
}

// ListTasks returns every registered task, per the web service's
// GET /tasks endpoint.
func (r *Repository) ListTasks(ctx context.Context) ([]repository.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, cron_schedule, action_name, action_function, action_configuration, timeout, next_execution, enabled
		FROM scheduled_tasks ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []repository.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTask fetches a single task by id.
func (r *Repository) GetTask(ctx context.Context, id int64) (repository.ScheduledTask, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, cron_schedule, action_name, action_function, action_configuration, timeout, next_execution, enabled
		FROM scheduled_tasks WHERE id = ?
	`, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return repository.ScheduledTask{}, false, nil
	}
	if err != nil {
		return repository.ScheduledTask{}, false, fmt.Errorf("get task: %w", err)
	}
	return t, true, nil
}

// UpdateTask applies a partial update to an existing task, per the
// web service's PATCH /tasks/{id} endpoint. Zero-value fields in
// patch are treated as "leave unchanged".
func (r *Repository) UpdateTask(ctx context.Context, id int64, patch repository.ScheduledTask) error {
	existing, ok, err := r.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %d not found", id)
	}

	if patch.Name != "" {
		existing.Name = patch.Name
	}
	if patch.CronSchedule != "" {
		existing.CronSchedule = patch.CronSchedule
	}
	if patch.ActionName != "" {
		existing.ActionName = patch.ActionName
	}
	if patch.ActionFunction != "" {
		existing.ActionFunction = patch.ActionFunction
	}
	if patch.ActionConfiguration != nil {
		existing.ActionConfiguration = patch.ActionConfiguration
	}
	if patch.TimeoutMs != 0 {
		existing.TimeoutMs = patch.TimeoutMs
	}
	if patch.NextExecution != nil {
		existing.NextExecution = patch.NextExecution
	}
	if patch.Enabled != nil {
		existing.Enabled = patch.Enabled
	}

	var nextExecution interface{}
	if existing.NextExecution != nil {
		nextExecution = existing.NextExecution.Unix()
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET name = ?, cron_schedule = ?, action_name = ?, action_function = ?, action_configuration = ?, timeout = ?, next_execution = ?, enabled = ?
		WHERE id = ?
	`, existing.Name, existing.CronSchedule, existing.ActionName, existing.ActionFunction, existing.ActionConfiguration, existing.TimeoutMs, nextExecution, existing.IsEnabled(), id)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (repository.ScheduledTask, error) {
	var t repository.ScheduledTask
	var nextExecution sql.NullInt64
	var enabled bool

	if err := row.Scan(&t.ID, &t.Name, &t.CronSchedule, &t.ActionName, &t.ActionFunction, &t.ActionConfiguration, &t.TimeoutMs, &nextExecution, &enabled); err != nil {
		return repository.ScheduledTask{}, err
	}
	t.Enabled = &enabled
	if nextExecution.Valid {
		ts := time.Unix(nextExecution.Int64, 0).UTC()
		t.NextExecution = &ts
	}
	return t, nil
}
