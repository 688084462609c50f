package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"roadwatch-sync-server/internal/domain"
)

// In-memory repositories for --memory mode and tests. Values are copied on
// the way in and out.

type MemoryConflictRepository struct {
	mu        sync.RWMutex
	conflicts map[string]*domain.Conflict
}

func NewMemoryConflictRepository() *MemoryConflictRepository {
	return &MemoryConflictRepository{conflicts: make(map[string]*domain.Conflict)}
}

func cloneConflict(c *domain.Conflict) *domain.Conflict {
	cp := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	if c.CustomPayload != nil {
		p := *c.CustomPayload
		cp.CustomPayload = &p
	}
	return &cp
}

func (r *MemoryConflictRepository) AppendPending(ctx context.Context, c *domain.Conflict) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.overwritePending(c, c.DetectedAt); ok {
		return id, false, nil
	}

	stored := cloneConflict(c)
	stored.Resolution = domain.ResolutionPending
	stored.UpdatedAt = c.DetectedAt
	r.conflicts[stored.ID] = stored
	return stored.ID, true, nil
}

func (r *MemoryConflictRepository) RefreshPending(ctx context.Context, c *domain.Conflict) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.overwritePending(c, c.UpdatedAt)
	return id, ok, nil
}

// caller holds r.mu
func (r *MemoryConflictRepository) overwritePending(c *domain.Conflict, at time.Time) (string, bool) {
	for _, existing := range r.conflicts {
		if existing.RecordID != c.RecordID || !existing.IsPending() {
			continue
		}
		changed := !existing.SameSides(c)
		existing.ExternalID = c.ExternalID
		existing.RunID = c.RunID
		existing.Type = c.Type
		existing.LeftPayload = c.LeftPayload
		existing.RightPayload = c.RightPayload
		existing.LeftRevision = c.LeftRevision
		existing.RightRevision = c.RightRevision
		existing.LeftDeleted = c.LeftDeleted
		existing.RightDeleted = c.RightDeleted
		if changed {
			existing.UpdatedAt = at
		}
		return existing.ID, true
	}
	return "", false
}

func (r *MemoryConflictRepository) Get(ctx context.Context, id string) (*domain.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conflicts[id]
	if !ok {
		return nil, domain.ErrConflictNotFound
	}
	return cloneConflict(c), nil
}

func (r *MemoryConflictRepository) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*domain.Conflict{}
	for _, c := range r.conflicts {
		if filter.Match(c) {
			out = append(out, cloneConflict(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (r *MemoryConflictRepository) MarkResolved(ctx context.Context, id string, choice domain.ResolutionChoice, custom *domain.ReportPayload, resolvedBy string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[id]
	if !ok {
		return domain.ErrConflictNotFound
	}
	if !c.IsPending() {
		return domain.ErrConflictAlreadyResolved
	}
	c.Resolution = domain.ResolutionResolved
	c.ResolutionChoice = choice
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &at
	c.UpdatedAt = at
	if custom != nil {
		p := *custom
		c.CustomPayload = &p
	}
	return nil
}

func (r *MemoryConflictRepository) PendingRecordIDs(ctx context.Context) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := make(map[string]string)
	for _, c := range r.conflicts {
		if c.IsPending() {
			pending[c.RecordID] = c.ID
		}
	}
	return pending, nil
}

type MemoryRunRepository struct {
	mu   sync.RWMutex
	runs []*domain.SyncRun
}

func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{}
}

func cloneRun(run *domain.SyncRun) *domain.SyncRun {
	cp := *run
	cp.Errors = append([]domain.RunError(nil), run.Errors...)
	return &cp
}

func (r *MemoryRunRepository) Save(ctx context.Context, run *domain.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.runs {
		if existing.ID == run.ID {
			return nil
		}
	}
	r.runs = append(r.runs, cloneRun(run))
	sort.SliceStable(r.runs, func(i, j int) bool {
		return r.runs[i].StartedAt.Before(r.runs[j].StartedAt)
	})
	return nil
}

func (r *MemoryRunRepository) Latest(ctx context.Context) (*domain.SyncRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.runs) == 0 {
		return nil, nil
	}
	return cloneRun(r.runs[len(r.runs)-1]), nil
}

func (r *MemoryRunRepository) LatestSuccessful(ctx context.Context) (*domain.SyncRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.runs) - 1; i >= 0; i-- {
		if r.runs[i].Outcome == domain.OutcomeSuccess {
			return cloneRun(r.runs[i]), nil
		}
	}
	return nil, nil
}

func (r *MemoryRunRepository) ListSince(ctx context.Context, since time.Time) ([]*domain.SyncRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.SyncRun
	for _, run := range r.runs {
		if !run.StartedAt.Before(since) {
			out = append(out, cloneRun(run))
		}
	}
	return out, nil
}

func (r *MemoryRunRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.runs[:0]
	var n int64
	for _, run := range r.runs {
		if run.StartedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, run)
	}
	r.runs = kept
	return n, nil
}

func (r *MemoryRunRepository) DeleteAll(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := int64(len(r.runs))
	r.runs = nil
	return n, nil
}

type MemoryLogRepository struct {
	mu      sync.RWMutex
	entries []*domain.LogEntry
}

func NewMemoryLogRepository() *MemoryLogRepository {
	return &MemoryLogRepository{}
}

func cloneLog(e *domain.LogEntry) *domain.LogEntry {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

func (r *MemoryLogRepository) Append(ctx context.Context, entry *domain.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, cloneLog(entry))
	return nil
}

func (r *MemoryLogRepository) List(ctx context.Context, limit, offset int) ([]*domain.LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.LogEntry, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- {
		out = append(out, cloneLog(r.entries[i]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return paginate(out, limit, offset), nil
}

func (r *MemoryLogRepository) Each(ctx context.Context, fn func(*domain.LogEntry) error) error {
	r.mu.RLock()
	entries := make([]*domain.LogEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, cloneLog(e))
	}
	r.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryLogRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	var n int64
	for _, e := range r.entries {
		if e.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return n, nil
}

func (r *MemoryLogRepository) DeleteAll(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := int64(len(r.entries))
	r.entries = nil
	return n, nil
}

type MemoryLineageRepository struct {
	mu      sync.RWMutex
	lineage map[string]domain.Lineage
}

func NewMemoryLineageRepository() *MemoryLineageRepository {
	return &MemoryLineageRepository{lineage: make(map[string]domain.Lineage)}
}

func (r *MemoryLineageRepository) Get(ctx context.Context, recordID string) (*domain.Lineage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.lineage[recordID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (r *MemoryLineageRepository) Save(ctx context.Context, l *domain.Lineage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lineage[l.RecordID] = *l
	return nil
}

func (r *MemoryLineageRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, l := range r.lineage {
		if !l.Tombstoned {
			n++
		}
	}
	return n, nil
}

type MemoryAutoSyncRepository struct {
	mu    sync.RWMutex
	cfg   domain.AutoSyncConfig
	found bool
}

func NewMemoryAutoSyncRepository() *MemoryAutoSyncRepository {
	return &MemoryAutoSyncRepository{}
}

func (r *MemoryAutoSyncRepository) Load(ctx context.Context) (domain.AutoSyncConfig, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg, r.found, nil
}

func (r *MemoryAutoSyncRepository) Save(ctx context.Context, cfg domain.AutoSyncConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.found = true
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
