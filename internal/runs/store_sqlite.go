package runs

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps run history in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply run schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run Run) error {
	if err := validateRun(run); err != nil {
		return err
	}
	lists := make([]string, 0, 5)
	for _, list := range [][]string{run.ExecuteRegexes, run.FreezeRegexes, run.FinalTasks, run.FrozenTasks, run.ResumeFreeze} {
		encoded, err := json.Marshal(nonNil(list))
		if err != nil {
			return fmt.Errorf("encode run lists: %w", err)
		}
		lists = append(lists, string(encoded))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (
			id, output_dir, execute_regexes, freeze_regexes, final_tasks, frozen_tasks, status,
			failed_task, error, resume_freeze, created_at, updated_at, ended_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			output_dir=excluded.output_dir,
			execute_regexes=excluded.execute_regexes,
			freeze_regexes=excluded.freeze_regexes,
			final_tasks=excluded.final_tasks,
			frozen_tasks=excluded.frozen_tasks,
			status=excluded.status,
			failed_task=excluded.failed_task,
			error=excluded.error,
			resume_freeze=excluded.resume_freeze,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at,
			ended_at=excluded.ended_at`,
		run.ID,
		run.OutputDir,
		lists[0],
		lists[1],
		lists[2],
		lists[3],
		string(run.Status),
		run.FailedTask,
		run.Error,
		lists[4],
		run.CreatedAt.UTC(),
		run.UpdatedAt.UTC(),
		nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_tasks WHERE run_id=?`, run.ID); err != nil {
		return fmt.Errorf("delete prior task records: %w", err)
	}
	for _, rec := range run.Tasks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_tasks (
				run_id, seq, name, path, status, error, digest, started_at, ended_at
			) VALUES (?,?,?,?,?,?,?,?,?)`,
			run.ID,
			rec.Seq,
			rec.Name,
			rec.Path,
			rec.Status,
			rec.Error,
			rec.Digest,
			nullTime(rec.StartedAt),
			nullTime(rec.EndedAt),
		)
		if err != nil {
			return fmt.Errorf("insert task record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const selectSQLiteRunColumns = `SELECT id, output_dir, execute_regexes, freeze_regexes, final_tasks, frozen_tasks,
        status, failed_task, error, resume_freeze, created_at, updated_at, ended_at
   FROM runs`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, selectSQLiteRunColumns+` WHERE id=?`, runID)
	run, err := scanSQLiteRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	run.Tasks, err = s.loadTasks(ctx, run.ID)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, selectSQLiteRunColumns+` ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]Run, 0, limit)
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	rows.Close()

	for i := range out {
		tasks, err := s.loadTasks(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Tasks = tasks
	}
	return out, nil
}

func (s *SQLiteStore) loadTasks(ctx context.Context, runID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, name, path, status, error, digest, started_at, ended_at
		   FROM run_tasks WHERE run_id=? ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task records: %w", err)
	}
	defer rows.Close()

	records := make([]TaskRecord, 0, 8)
	for rows.Next() {
		var (
			rec       TaskRecord
			startedAt sql.NullTime
			endedAt   sql.NullTime
		)
		if err := rows.Scan(
			&rec.Seq,
			&rec.Name,
			&rec.Path,
			&rec.Status,
			&rec.Error,
			&rec.Digest,
			&startedAt,
			&endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		rec.StartedAt = timePtr(startedAt)
		rec.EndedAt = timePtr(endedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task record rows: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (Run, error) {
	var (
		run     Run
		status  string
		lists   [5]string
		endedAt sql.NullTime
	)
	if err := row.Scan(
		&run.ID,
		&run.OutputDir,
		&lists[0],
		&lists[1],
		&lists[2],
		&lists[3],
		&status,
		&run.FailedTask,
		&run.Error,
		&lists[4],
		&run.CreatedAt,
		&run.UpdatedAt,
		&endedAt,
	); err != nil {
		return Run{}, err
	}
	targets := []*[]string{&run.ExecuteRegexes, &run.FreezeRegexes, &run.FinalTasks, &run.FrozenTasks, &run.ResumeFreeze}
	for i, target := range targets {
		if err := json.Unmarshal([]byte(lists[i]), target); err != nil {
			return Run{}, fmt.Errorf("decode run lists: %w", err)
		}
	}
	run.Status = RunStatus(status)
	run.EndedAt = timePtr(endedAt)
	return run, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
