package repository

import (
	"context"
	"errors"
	"fmt"

	"roadwatch-sync-server/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AutoSyncRepository interface {
	// Load reports found=false when no configuration was ever saved.
	Load(ctx context.Context) (cfg domain.AutoSyncConfig, found bool, err error)
	Save(ctx context.Context, cfg domain.AutoSyncConfig) error
}

type PostgresAutoSyncRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAutoSyncRepository(pool *pgxpool.Pool) *PostgresAutoSyncRepository {
	return &PostgresAutoSyncRepository{pool: pool}
}

func (r *PostgresAutoSyncRepository) Load(ctx context.Context) (domain.AutoSyncConfig, bool, error) {
	query := `SELECT enabled, interval_minutes, start_time, end_time, updated_at, updated_by
	          FROM autosync_config WHERE id = 1`

	var cfg domain.AutoSyncConfig
	err := r.pool.QueryRow(ctx, query).Scan(
		&cfg.Enabled, &cfg.IntervalMinutes, &cfg.StartTime, &cfg.EndTime, &cfg.UpdatedAt, &cfg.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AutoSyncConfig{}, false, nil
	}
	if err != nil {
		return domain.AutoSyncConfig{}, false, fmt.Errorf("failed to load auto-sync config: %w", err)
	}
	return cfg, true, nil
}

func (r *PostgresAutoSyncRepository) Save(ctx context.Context, cfg domain.AutoSyncConfig) error {
	query := `INSERT INTO autosync_config (id, enabled, interval_minutes, start_time, end_time, updated_at, updated_by)
	          VALUES (1, $1, $2, $3, $4, $5, $6)
	          ON CONFLICT (id) DO UPDATE
	          SET enabled = EXCLUDED.enabled,
	              interval_minutes = EXCLUDED.interval_minutes,
	              start_time = EXCLUDED.start_time,
	              end_time = EXCLUDED.end_time,
	              updated_at = EXCLUDED.updated_at,
	              updated_by = EXCLUDED.updated_by`

	_, err := r.pool.Exec(ctx, query,
		cfg.Enabled, cfg.IntervalMinutes, cfg.StartTime, cfg.EndTime, cfg.UpdatedAt, cfg.UpdatedBy)
	if err != nil {
		return fmt.Errorf("failed to save auto-sync config: %w", err)
	}
	return nil
}
