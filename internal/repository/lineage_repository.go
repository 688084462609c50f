package repository

import (
	"context"
	"errors"
	"fmt"

	"roadwatch-sync-server/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type LineageRepository interface {
	// Get returns nil when the record has never been synchronized.
	Get(ctx context.Context, recordID string) (*domain.Lineage, error)
	Save(ctx context.Context, l *domain.Lineage) error
	Count(ctx context.Context) (int, error)
}

type PostgresLineageRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresLineageRepository(pool *pgxpool.Pool) *PostgresLineageRepository {
	return &PostgresLineageRepository{pool: pool}
}

func (r *PostgresLineageRepository) Get(ctx context.Context, recordID string) (*domain.Lineage, error) {
	query := `SELECT record_id, external_id, revision, payload_hash, tombstoned, synced_at
	          FROM sync_lineage WHERE record_id = $1`

	var l domain.Lineage
	err := r.pool.QueryRow(ctx, query, recordID).Scan(
		&l.RecordID, &l.ExternalID, &l.Revision, &l.PayloadHash, &l.Tombstoned, &l.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lineage: %w", err)
	}
	return &l, nil
}

func (r *PostgresLineageRepository) Save(ctx context.Context, l *domain.Lineage) error {
	query := `INSERT INTO sync_lineage (record_id, external_id, revision, payload_hash, tombstoned, synced_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (record_id) DO UPDATE
	          SET external_id = EXCLUDED.external_id,
	              revision = EXCLUDED.revision,
	              payload_hash = EXCLUDED.payload_hash,
	              tombstoned = EXCLUDED.tombstoned,
	              synced_at = EXCLUDED.synced_at`

	_, err := r.pool.Exec(ctx, query, l.RecordID, l.ExternalID, l.Revision, l.PayloadHash, l.Tombstoned, l.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to save lineage: %w", err)
	}
	return nil
}

func (r *PostgresLineageRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_lineage WHERE NOT tombstoned`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count lineage: %w", err)
	}
	return n, nil
}
