package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/sleepetl/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) RunRepository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const runCols = `id, trigger, success, started_at, finished_at, files_found, files_processed,
	rows_persisted, rows_failed, steps_enqueued, error, summary`

func (r *repoPG) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	summary := []byte("{}")
	if run.Summary != nil {
		b, err := json.Marshal(run.Summary)
		if err != nil {
			return fmt.Errorf("encode run summary: %w", err)
		}
		summary = b
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO etl_runs (
			id, trigger, success, started_at, finished_at, files_found, files_processed,
			rows_persisted, rows_failed, steps_enqueued, error, summary
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		run.ID, run.Trigger, run.Success, run.StartedAt, run.FinishedAt, run.FilesFound, run.FilesProcessed,
		run.RowsPersisted, run.RowsFailed, run.StepsEnqueued, run.Error, summary,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanRun(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM etl_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// List returns newest runs first. Count and page are read in one
// repeatable-read transaction so the total matches the page.
func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	var (
		runs  []*Run
		total int
	)
	err := db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(ctx context.Context) error {
		if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM etl_runs`).Scan(&total); err != nil {
			return err
		}
		rows, err := r.conn(ctx).Query(ctx, `SELECT `+runCols+` FROM etl_runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run     Run
		summary []byte
	)
	err := row.Scan(&run.ID, &run.Trigger, &run.Success, &run.StartedAt, &run.FinishedAt,
		&run.FilesFound, &run.FilesProcessed, &run.RowsPersisted, &run.RowsFailed, &run.StepsEnqueued,
		&run.Error, &summary)
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 && string(summary) != "{}" {
		var s Summary
		if err := json.Unmarshal(summary, &s); err != nil {
			return nil, fmt.Errorf("decode run summary: %w", err)
		}
		run.Summary = &s
	}
	return &run, nil
}
