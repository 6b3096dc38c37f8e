package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bgricker/dispatch/internal/report"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// DefaultPath is the history database location relative to the repository root.
const DefaultPath = ".dispatch/history.db"

// Store records run history in SQLite.
type Store struct {
	db *sql.DB
}

// Run is one history row.
type Run struct {
	ID               string        `json:"id"`
	Workflow         string        `json:"workflow"`
	Path             string        `json:"path"`
	Event            string        `json:"event"`
	Ref              string        `json:"ref,omitempty"`
	ConcurrencyGroup string        `json:"concurrency_group,omitempty"`
	Status           report.Status `json:"status"`
	Error            string        `json:"error,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at,omitzero"`
}

// Job is the recorded outcome of one job instance.
type Job struct {
	RunID      string        `json:"run_id"`
	Name       string        `json:"name"`
	Status     report.Status `json:"status"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory %q: %w", dir, err)
		}
	}

	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_busy_timeout=5000",
	}
	db, err := sql.Open("sqlite3", path+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, fmt.Errorf("open history %q: %w", path, err)
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			workflow text not null,
			path text not null,
			event text not null,
			ref text not null default '',
			concurrency_group text not null default '',
			status text not null,
			error text not null default '',
			started_at text not null,
			finished_at text
		);

		create index if not exists runs_started_at on runs (started_at);

		create table if not exists jobs (
			id integer primary key autoincrement,
			run_id text not null references runs (id) on delete cascade,
			name text not null,
			status text not null,
			error text not null default '',
			started_at text not null,
			finished_at text not null
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run. An empty status is recorded as pending.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	if r.Status == "" {
		r.Status = report.StatusPending
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into runs (id, workflow, path, event, ref, concurrency_group, status, started_at)
		values (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Workflow, r.Path, r.Event, r.Ref, r.ConcurrencyGroup, string(r.Status), formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("create run %q: %w", r.ID, err)
	}
	return nil
}

// MarkRunRunning records that the run passed its concurrency gate.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	return s.update(ctx, id, `update runs set status = ? where id = ?`, string(report.StatusRunning), id)
}

// FinishRun records the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status report.Status, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.update(ctx, id, `
		update runs set status = ?, error = ?, finished_at = ? where id = ?
	`, string(status), msg, formatTime(time.Now()), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update run %q: %w", id, ErrNotFound)
	}
	return nil
}

// SaveJobs records job outcomes for a run in one transaction.
func (s *Store) SaveJobs(ctx context.Context, runID string, jobs []report.JobResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save jobs of run %q: %w", runID, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		insert into jobs (run_id, name, status, error, started_at, finished_at)
		values (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save jobs of run %q: %w", runID, err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		if _, err := stmt.ExecContext(ctx, runID, j.Name, string(j.Status), j.Error,
			formatTime(j.StartedAt), formatTime(j.FinishedAt)); err != nil {
			return fmt.Errorf("save job %q of run %q: %w", j.Name, runID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save jobs of run %q: %w", runID, err)
	}
	return nil
}

const runColumns = `id, workflow, path, event, ref, concurrency_group, status, error, started_at, finished_at`

// ListRuns returns the most recent runs first. A limit of zero or less
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+runColumns+`
		from runs
		order by started_at desc, rowid desc
		limit ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRun looks up one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `select `+runColumns+` from runs where id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("get run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %q: %w", id, err)
	}
	return r, nil
}

// JobsForRun returns the jobs of a run in the order they were saved.
func (s *Store) JobsForRun(ctx context.Context, runID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		select run_id, name, status, error, started_at, finished_at
		from jobs
		where run_id = ?
		order by id asc
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("jobs for run %q: %w", runID, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j                 Job
			status            string
			started, finished string
		)
		if err := rows.Scan(&j.RunID, &j.Name, &status, &j.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("jobs for run %q: %w", runID, err)
		}
		j.Status = report.Status(status)
		j.StartedAt = parseTime(started)
		j.FinishedAt = parseTime(finished)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs for run %q: %w", runID, err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r        Run
		status   string
		started  string
		finished sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Workflow, &r.Path, &r.Event, &r.Ref, &r.ConcurrencyGroup,
		&status, &r.Error, &started, &finished); err != nil {
		return Run{}, err
	}
	r.Status = report.Status(status)
	r.StartedAt = parseTime(started)
	if finished.Valid {
		r.FinishedAt = parseTime(finished.String)
	}
	return r, nil
}

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
