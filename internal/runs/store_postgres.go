package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initRunSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initRunSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			output_dir TEXT NOT NULL,
			execute_regexes TEXT[] NOT NULL DEFAULT '{}',
			freeze_regexes TEXT[] NOT NULL DEFAULT '{}',
			final_tasks TEXT[] NOT NULL DEFAULT '{}',
			frozen_tasks TEXT[] NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			failed_task TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			resume_freeze TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs (created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS run_tasks (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			digest TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL,
			PRIMARY KEY (run_id, seq)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init run schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run Run) error {
	if err := validateRun(run); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (
			id, output_dir, execute_regexes, freeze_regexes, final_tasks, frozen_tasks, status,
			failed_task, error, resume_freeze, created_at, updated_at, ended_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
		)
		ON CONFLICT (id) DO UPDATE SET
			output_dir=EXCLUDED.output_dir,
			execute_regexes=EXCLUDED.execute_regexes,
			freeze_regexes=EXCLUDED.freeze_regexes,
			final_tasks=EXCLUDED.final_tasks,
			frozen_tasks=EXCLUDED.frozen_tasks,
			status=EXCLUDED.status,
			failed_task=EXCLUDED.failed_task,
			error=EXCLUDED.error,
			resume_freeze=EXCLUDED.resume_freeze,
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at,
			ended_at=EXCLUDED.ended_at`,
		run.ID,
		run.OutputDir,
		nonNil(run.ExecuteRegexes),
		nonNil(run.FreezeRegexes),
		nonNil(run.FinalTasks),
		nonNil(run.FrozenTasks),
		string(run.Status),
		run.FailedTask,
		run.Error,
		nonNil(run.ResumeFreeze),
		run.CreatedAt,
		run.UpdatedAt,
		run.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM run_tasks WHERE run_id=$1`, run.ID); err != nil {
		return fmt.Errorf("delete prior task records: %w", err)
	}

	batch := &pgx.Batch{}
	for _, rec := range run.Tasks {
		batch.Queue(
			`INSERT INTO run_tasks (
				run_id, seq, name, path, status, error, digest, started_at, ended_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			run.ID,
			rec.Seq,
			rec.Name,
			rec.Path,
			rec.Status,
			rec.Error,
			rec.Digest,
			rec.StartedAt,
			rec.EndedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert task records: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const selectRunColumns = `SELECT id, output_dir, execute_regexes, freeze_regexes, final_tasks, frozen_tasks,
        status, failed_task, error, resume_freeze, created_at, updated_at, ended_at
   FROM runs`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.pool.QueryRow(ctx, selectRunColumns+` WHERE id=$1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx, selectRunColumns+` ORDER BY created_at DESC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}

	for i := range out {
		tasks, err := s.loadTasks(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Tasks = tasks
	}
	return out, nil
}

func (s *PostgresStore) loadTasks(ctx context.Context, runID string) ([]TaskRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, name, path, status, error, digest, started_at, ended_at
		   FROM run_tasks WHERE run_id=$1 ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task records: %w", err)
	}
	defer rows.Close()

	records := make([]TaskRecord, 0, 8)
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(
			&rec.Seq,
			&rec.Name,
			&rec.Path,
			&rec.Status,
			&rec.Error,
			&rec.Digest,
			&rec.StartedAt,
			&rec.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task record rows: %w", err)
	}
	return records, nil
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		run     Run
		status  string
		endedAt *time.Time
	)
	if err := row.Scan(
		&run.ID,
		&run.OutputDir,
		&run.ExecuteRegexes,
		&run.FreezeRegexes,
		&run.FinalTasks,
		&run.FrozenTasks,
		&status,
		&run.FailedTask,
		&run.Error,
		&run.ResumeFreeze,
		&run.CreatedAt,
		&run.UpdatedAt,
		&endedAt,
	); err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	run.EndedAt = endedAt
	return run, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
