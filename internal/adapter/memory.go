package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"roadwatch-sync-server/internal/domain"
)

var ErrStoreOffline = errors.New("store offline")

// MemoryStore keeps records in process. It backs the development mode and the
// tests, and can simulate outages, slow calls and failing writes.
type MemoryStore struct {
	mu         sync.RWMutex
	side       domain.Side
	records    map[string]*domain.Record
	seq        int64
	seqs       map[string]int64
	offline    bool
	failWrites int
	latency    time.Duration
	writes     int
	now        func() time.Time
}

func NewMemoryStore(side domain.Side) *MemoryStore {
	return &MemoryStore{
		side:    side,
		records: make(map[string]*domain.Record),
		seqs:    make(map[string]int64),
		now:     time.Now,
	}
}

func (m *MemoryStore) Side() domain.Side { return m.side }

// Put seeds a record without fault injection or write accounting.
func (m *MemoryStore) Put(rec *domain.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.Clone()
	m.touch(rec.ID)
}

// touch stamps id with the next change sequence. Callers hold m.mu.
func (m *MemoryStore) touch(id string) {
	m.seq++
	m.seqs[id] = m.seq
}

func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNextWrites makes the next n Upsert/Delete calls fail.
func (m *MemoryStore) FailNextWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

func (m *MemoryStore) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Snapshot returns a copy of the record or nil.
func (m *MemoryStore) Snapshot(id string) *domain.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id].Clone()
}

func (m *MemoryStore) All() []*domain.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) wait(ctx context.Context) error {
	m.mu.RLock()
	latency, offline := m.latency, m.offline
	m.mu.RUnlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if offline {
		return fmt.Errorf("%s: %w", m.side, ErrStoreOffline)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*domain.Record, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.ExternalID == externalID {
			return rec.Clone(), nil
		}
	}
	return nil, domain.ErrRecordNotFound
}

func (m *MemoryStore) ListChangedSince(ctx context.Context, checkpoint string) ([]*domain.Record, string, error) {
	var since int64
	if checkpoint != "" {
		n, err := strconv.ParseInt(checkpoint, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid checkpoint %q: %w", checkpoint, err)
		}
		since = n
	}
	if err := m.wait(ctx); err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Record
	for id, rec := range m.records {
		if m.seqs[id] > since || rec.ExternalID == "" {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seqs[out[i].ID] < m.seqs[out[j].ID] })
	return out, strconv.FormatInt(m.seq, 10), nil
}

func (m *MemoryStore) ListUnlinked(ctx context.Context) ([]*domain.Record, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Record
	for _, rec := range m.records {
		if rec.ExternalID == "" {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) beginWrite() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites > 0 {
		m.failWrites--
		return fmt.Errorf("%s: injected write failure", m.side)
	}
	m.writes++
	return nil
}

func (m *MemoryStore) Upsert(ctx context.Context, rec *domain.Record) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if err := m.beginWrite(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := rec.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = m.now()
	}
	m.records[c.ID] = c
	m.touch(c.ID)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string, revision int64) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if err := m.beginWrite(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	now := m.now()
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	rec.Revision = revision
	m.touch(id)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) PingResult {
	start := time.Now()
	if err := m.wait(ctx); err != nil {
		return PingResult{Connected: false, Latency: time.Since(start), Err: err}
	}
	return PingResult{Connected: true, Latency: time.Since(start)}
}

func (m *MemoryStore) CountUnlinked(ctx context.Context) (int, error) {
	if err := m.wait(ctx); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if rec.ExternalID == "" && !rec.IsTombstone() {
			n++
		}
	}
	return n, nil
}
