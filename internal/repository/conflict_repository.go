package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ConflictRepository interface {
	// AppendPending refreshes the pending entry of c.RecordID if there is one.
	AppendPending(ctx context.Context, c *domain.Conflict) (id string, created bool, err error)
	// RefreshPending never inserts: ok is false when nothing is pending for
	// c.RecordID.
	RefreshPending(ctx context.Context, c *domain.Conflict) (id string, ok bool, err error)
	Get(ctx context.Context, id string) (*domain.Conflict, error)
	List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.Conflict, error)
	// MarkResolved moves a pending entry to resolved. It fails with
	// domain.ErrConflictAlreadyResolved when the entry is not pending anymore.
	MarkResolved(ctx context.Context, id string, choice domain.ResolutionChoice, custom *domain.ReportPayload, resolvedBy string, at time.Time) error
	PendingRecordIDs(ctx context.Context) (map[string]string, error)
}

type PostgresConflictRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresConflictRepository(pool *pgxpool.Pool) *PostgresConflictRepository {
	return &PostgresConflictRepository{pool: pool}
}

const conflictColumns = `id, record_id, external_id, run_id, conflict_type,
	left_payload, right_payload, left_revision, right_revision, left_deleted, right_deleted,
	resolution, resolved_by, resolved_at, resolution_choice, custom_payload, detected_at, updated_at`

func scanConflict(row pgx.Row) (*domain.Conflict, error) {
	var (
		c                   domain.Conflict
		left, right, custom []byte
	)
	err := row.Scan(
		&c.ID,
		&c.RecordID,
		&c.ExternalID,
		&c.RunID,
		&c.Type,
		&left,
		&right,
		&c.LeftRevision,
		&c.RightRevision,
		&c.LeftDeleted,
		&c.RightDeleted,
		&c.Resolution,
		&c.ResolvedBy,
		&c.ResolvedAt,
		&c.ResolutionChoice,
		&custom,
		&c.DetectedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(left, &c.LeftPayload); err != nil {
		return nil, fmt.Errorf("failed to decode left payload: %w", err)
	}
	if err := json.Unmarshal(right, &c.RightPayload); err != nil {
		return nil, fmt.Errorf("failed to decode right payload: %w", err)
	}
	if len(custom) > 0 && string(custom) != "null" {
		var p domain.ReportPayload
		if err := json.Unmarshal(custom, &p); err != nil {
			return nil, fmt.Errorf("failed to decode custom payload: %w", err)
		}
		c.CustomPayload = &p
	}
	return &c, nil
}

func (r *PostgresConflictRepository) AppendPending(ctx context.Context, c *domain.Conflict) (string, bool, error) {
	left, err := json.Marshal(c.LeftPayload)
	if err != nil {
		return "", false, err
	}
	right, err := json.Marshal(c.RightPayload)
	if err != nil {
		return "", false, err
	}

	// The partial unique index on pending record ids turns a second detection
	// of the same divergence into a refresh of the existing entry.
	query := `INSERT INTO sync_conflicts (id, record_id, external_id, run_id, conflict_type,
	              left_payload, right_payload, left_revision, right_revision, left_deleted, right_deleted,
	              resolution, detected_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', $12, $12)
	          ON CONFLICT (record_id) WHERE resolution = 'pending'
	          DO UPDATE SET
	              external_id = EXCLUDED.external_id,
	              run_id = EXCLUDED.run_id,
	              conflict_type = EXCLUDED.conflict_type,
	              left_payload = EXCLUDED.left_payload,
	              right_payload = EXCLUDED.right_payload,
	              left_revision = EXCLUDED.left_revision,
	              right_revision = EXCLUDED.right_revision,
	              left_deleted = EXCLUDED.left_deleted,
	              right_deleted = EXCLUDED.right_deleted,
	              updated_at = CASE
	                  WHEN sync_conflicts.left_payload IS DISTINCT FROM EXCLUDED.left_payload
	                    OR sync_conflicts.right_payload IS DISTINCT FROM EXCLUDED.right_payload
	                    OR sync_conflicts.left_revision <> EXCLUDED.left_revision
	                    OR sync_conflicts.right_revision <> EXCLUDED.right_revision
	                  THEN EXCLUDED.updated_at
	                  ELSE sync_conflicts.updated_at
	              END
	          RETURNING id, (xmax = 0) AS inserted`

	var (
		id       string
		inserted bool
	)
	err = r.pool.QueryRow(ctx, query,
		c.ID,
		c.RecordID,
		c.ExternalID,
		c.RunID,
		c.Type,
		left,
		right,
		c.LeftRevision,
		c.RightRevision,
		c.LeftDeleted,
		c.RightDeleted,
		c.DetectedAt,
	).Scan(&id, &inserted)
	if err != nil {
		return "", false, fmt.Errorf("failed to append conflict: %w", err)
	}
	return id, inserted, nil
}

func (r *PostgresConflictRepository) RefreshPending(ctx context.Context, c *domain.Conflict) (string, bool, error) {
	left, err := json.Marshal(c.LeftPayload)
	if err != nil {
		return "", false, err
	}
	right, err := json.Marshal(c.RightPayload)
	if err != nil {
		return "", false, err
	}

	query := `UPDATE sync_conflicts
	          SET external_id = $2,
	              run_id = $3,
	              conflict_type = $4,
	              left_payload = $5,
	              right_payload = $6,
	              left_revision = $7,
	              right_revision = $8,
	              left_deleted = $9,
	              right_deleted = $10,
	              updated_at = CASE
	                  WHEN left_payload IS DISTINCT FROM $5::jsonb
	                    OR right_payload IS DISTINCT FROM $6::jsonb
	                    OR left_revision <> $7
	                    OR right_revision <> $8
	                  THEN $11
	                  ELSE updated_at
	              END
	          WHERE record_id = $1 AND resolution = 'pending'
	          RETURNING id`

	var id string
	err = r.pool.QueryRow(ctx, query,
		c.RecordID,
		c.ExternalID,
		c.RunID,
		c.Type,
		left,
		right,
		c.LeftRevision,
		c.RightRevision,
		c.LeftDeleted,
		c.RightDeleted,
		c.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to refresh conflict: %w", err)
	}
	return id, true, nil
}

func (r *PostgresConflictRepository) Get(ctx context.Context, id string) (*domain.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = $1`

	c, err := scanConflict(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return c, nil
}

func (r *PostgresConflictRepository) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.Conflict, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Resolution != "" {
		add("resolution = $%d", filter.Resolution)
	}
	if filter.Type != "" {
		add("conflict_type = $%d", filter.Type)
	}
	if filter.RecordID != "" {
		add("record_id = $%d", filter.RecordID)
	}
	if !filter.Since.IsZero() {
		add("detected_at >= $%d", filter.Since)
	}

	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at DESC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := []*domain.Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

func (r *PostgresConflictRepository) MarkResolved(ctx context.Context, id string, choice domain.ResolutionChoice, custom *domain.ReportPayload, resolvedBy string, at time.Time) error {
	var customJSON []byte
	if custom != nil {
		data, err := json.Marshal(custom)
		if err != nil {
			return err
		}
		customJSON = data
	}

	query := `UPDATE sync_conflicts
	          SET resolution = 'resolved', resolved_by = $2, resolved_at = $3,
	              resolution_choice = $4, custom_payload = $5, updated_at = $3
	          WHERE id = $1 AND resolution = 'pending'`

	result, err := r.pool.Exec(ctx, query, id, resolvedBy, at, choice, customJSON)
	if err != nil {
		return fmt.Errorf("failed to mark conflict as resolved: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrConflictAlreadyResolved
}

func (r *PostgresConflictRepository) PendingRecordIDs(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT record_id, id FROM sync_conflicts WHERE resolution = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conflicts: %w", err)
	}
	defer rows.Close()

	pending := make(map[string]string)
	for rows.Next() {
		var recordID, id string
		if err := rows.Scan(&recordID, &id); err != nil {
			return nil, fmt.Errorf("failed to scan pending conflict: %w", err)
		}
		pending[recordID] = id
	}
	return pending, rows.Err()
}
