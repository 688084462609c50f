// Package adapter gives the reconciliation engine uniform access to the two
// report stores: the relational primary store and the mobile-facing secondary
// store.
package adapter

import (
	"context"
	"time"

	"roadwatch-sync-server/internal/domain"
)

type PingResult struct {
	Connected bool
	Latency   time.Duration
	Err       error
}

func (p PingResult) Health() domain.AdapterHealth {
	h := domain.AdapterHealth{
		Connected: p.Connected,
		LatencyMs: p.Latency.Milliseconds(),
	}
	if p.Err != nil {
		h.Error = p.Err.Error()
	}
	return h
}

// Store is implemented by both sides. Get and GetByExternalID return
// domain.ErrRecordNotFound when nothing matches. Upsert stores the record as
// given: revisions are decided by the caller, never by the store.
type Store interface {
	Side() domain.Side
	Get(ctx context.Context, id string) (*domain.Record, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Record, error)
	// ListChangedSince returns records (tombstones included) written after
	// the checkpoint, plus every record not yet linked to the other side, and
	// the checkpoint to resume from next time. An empty checkpoint lists all.
	ListChangedSince(ctx context.Context, checkpoint string) ([]*domain.Record, string, error)
	ListUnlinked(ctx context.Context) ([]*domain.Record, error)
	Upsert(ctx context.Context, rec *domain.Record) error
	// Delete tombstones the record and stamps it with the given revision.
	Delete(ctx context.Context, id string, revision int64) error
	Ping(ctx context.Context) PingResult
	CountUnlinked(ctx context.Context) (int, error)
}
