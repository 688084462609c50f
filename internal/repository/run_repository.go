package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RunRepository interface {
	Save(ctx context.Context, run *domain.SyncRun) error
	// Latest returns the most recent run, or nil when the history is empty.
	Latest(ctx context.Context) (*domain.SyncRun, error)
	LatestSuccessful(ctx context.Context) (*domain.SyncRun, error)
	ListSince(ctx context.Context, since time.Time) ([]*domain.SyncRun, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type PostgresRunRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRunRepository(pool *pgxpool.Pool) *PostgresRunRepository {
	return &PostgresRunRepository{pool: pool}
}

const runColumns = `id, scope, trigger, started_at, finished_at, outcome, items_scanned, items_synced,
	items_errored, conflicts_detected, errors, error, primary_checkpoint, secondary_checkpoint`

func scanRun(row pgx.Row) (*domain.SyncRun, error) {
	var (
		run    domain.SyncRun
		errors []byte
	)
	err := row.Scan(
		&run.ID,
		&run.Scope,
		&run.Trigger,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Outcome,
		&run.ItemsScanned,
		&run.ItemsSynced,
		&run.ItemsErrored,
		&run.ConflictsDetected,
		&errors,
		&run.Error,
		&run.PrimaryCheckpoint,
		&run.SecondaryCheckpoint,
	)
	if err != nil {
		return nil, err
	}
	if len(errors) > 0 {
		if err := json.Unmarshal(errors, &run.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode run errors: %w", err)
		}
	}
	return &run, nil
}

func (r *PostgresRunRepository) Save(ctx context.Context, run *domain.SyncRun) error {
	runErrors := run.Errors
	if runErrors == nil {
		runErrors = []domain.RunError{}
	}
	errs, err := json.Marshal(runErrors)
	if err != nil {
		return err
	}

	// Runs are sealed before they are saved; a second save is a no-op.
	query := `INSERT INTO sync_runs (` + runColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	          ON CONFLICT (id) DO NOTHING`

	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.Scope,
		run.Trigger,
		run.StartedAt,
		run.FinishedAt,
		run.Outcome,
		run.ItemsScanned,
		run.ItemsSynced,
		run.ItemsErrored,
		run.ConflictsDetected,
		errs,
		run.Error,
		run.PrimaryCheckpoint,
		run.SecondaryCheckpoint,
	)
	if err != nil {
		return fmt.Errorf("failed to save sync run: %w", err)
	}
	return nil
}

func (r *PostgresRunRepository) latest(ctx context.Context, where string) (*domain.SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs ` + where + ` ORDER BY started_at DESC LIMIT 1`

	run, err := scanRun(r.pool.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync run: %w", err)
	}
	return run, nil
}

func (r *PostgresRunRepository) Latest(ctx context.Context) (*domain.SyncRun, error) {
	return r.latest(ctx, "")
}

func (r *PostgresRunRepository) LatestSuccessful(ctx context.Context) (*domain.SyncRun, error) {
	return r.latest(ctx, "WHERE outcome = 'success'")
}

func (r *PostgresRunRepository) ListSince(ctx context.Context, since time.Time) ([]*domain.SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE started_at >= $1 ORDER BY started_at ASC`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *PostgresRunRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM sync_runs WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sync runs: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresRunRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM sync_runs`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear sync runs: %w", err)
	}
	return result.RowsAffected(), nil
}
