package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const reportColumns = `id, COALESCE(external_id, ''), revision, payload, updated_at, deleted_at`

// PostgresStore is the primary store: the reports table the manager tooling
// writes to.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Side() domain.Side { return domain.SidePrimary }

func scanReport(row pgx.Row, extra ...any) (*domain.Record, error) {
	var (
		rec     domain.Record
		payload []byte
	)
	dest := append([]any{&rec.ID, &rec.ExternalID, &rec.Revision, &payload, &rec.UpdatedAt, &rec.DeletedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of report %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE id = $1`

	rec, err := scanReport(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*domain.Record, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE external_id = $1`

	rec, err := scanReport(s.pool.QueryRow(ctx, query, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report by external id: %w", err)
	}
	return rec, nil
}

// ListChangedSince uses the seq column the reports trigger bumps on every
// insert and update. The checkpoint is the highest seq returned.
func (s *PostgresStore) ListChangedSince(ctx context.Context, checkpoint string) ([]*domain.Record, string, error) {
	var since int64
	if checkpoint != "" {
		n, err := strconv.ParseInt(checkpoint, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid checkpoint %q: %w", checkpoint, err)
		}
		since = n
	}

	query := `SELECT ` + reportColumns + `, seq
	          FROM reports
	          WHERE seq > $1 OR external_id IS NULL
	          ORDER BY seq ASC`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list changed reports: %w", err)
	}
	defer rows.Close()

	last := since
	var records []*domain.Record
	for rows.Next() {
		var seq int64
		rec, err := scanReport(rows, &seq)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan report: %w", err)
		}
		if seq > last {
			last = seq
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("error iterating reports: %w", err)
	}
	return records, strconv.FormatInt(last, 10), nil
}

func (s *PostgresStore) ListUnlinked(ctx context.Context) ([]*domain.Record, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE external_id IS NULL ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked reports: %w", err)
	}
	defer rows.Close()

	var records []*domain.Record
	for rows.Next() {
		rec, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *domain.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `INSERT INTO reports (id, external_id, revision, payload, updated_at, deleted_at)
	          VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
	          ON CONFLICT (id) DO UPDATE
	          SET external_id = EXCLUDED.external_id,
	              revision = EXCLUDED.revision,
	              payload = EXCLUDED.payload,
	              updated_at = EXCLUDED.updated_at,
	              deleted_at = EXCLUDED.deleted_at`

	_, err = s.pool.Exec(ctx, query, rec.ID, rec.ExternalID, rec.Revision, payload, updatedAt, rec.DeletedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string, revision int64) error {
	query := `UPDATE reports
	          SET deleted_at = NOW(), updated_at = NOW(), revision = $2
	          WHERE id = $1`

	result, err := s.pool.Exec(ctx, query, id, revision)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) PingResult {
	start := time.Now()
	err := s.pool.Ping(ctx)
	return PingResult{Connected: err == nil, Latency: time.Since(start), Err: err}
}

func (s *PostgresStore) CountUnlinked(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reports WHERE external_id IS NULL AND deleted_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unlinked reports: %w", err)
	}
	return n, nil
}
