package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

type LogRepository interface {
	Append(ctx context.Context, entry *domain.LogEntry) error
	List(ctx context.Context, limit, offset int) ([]*domain.LogEntry, error)
	// Each walks every entry oldest first.
	Each(ctx context.Context, fn func(*domain.LogEntry) error) error
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type PostgresLogRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresLogRepository(pool *pgxpool.Pool) *PostgresLogRepository {
	return &PostgresLogRepository{pool: pool}
}

type logScanner interface {
	Scan(dest ...interface{}) error
}

func scanLog(row logScanner) (*domain.LogEntry, error) {
	var (
		e       domain.LogEntry
		details []byte
	)
	if err := row.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Event, &e.Message, &e.RunID, &e.RecordID, &details); err != nil {
		return nil, err
	}
	if len(details) > 0 && string(details) != "null" {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode log details: %w", err)
		}
	}
	return &e, nil
}

func (r *PostgresLogRepository) Append(ctx context.Context, entry *domain.LogEntry) error {
	var details []byte
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return err
		}
		details = data
	}

	query := `INSERT INTO sync_logs (id, ts, level, event, message, run_id, record_id, details)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.Timestamp, entry.Level, entry.Event, entry.Message, entry.RunID, entry.RecordID, details)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

func (r *PostgresLogRepository) List(ctx context.Context, limit, offset int) ([]*domain.LogEntry, error) {
	query := `SELECT id, ts, level, event, message, run_id, record_id, details
	          FROM sync_logs
	          ORDER BY ts DESC, id DESC
	          LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	entries := []*domain.LogEntry{}
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PostgresLogRepository) Each(ctx context.Context, fn func(*domain.LogEntry) error) error {
	query := `SELECT id, ts, level, event, message, run_id, record_id, details
	          FROM sync_logs
	          ORDER BY ts ASC, id ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to read sync logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return fmt.Errorf("failed to scan sync log: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *PostgresLogRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM sync_logs WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sync logs: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresLogRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM sync_logs`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear sync logs: %w", err)
	}
	return result.RowsAffected(), nil
}
