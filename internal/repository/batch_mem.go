package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/machpay/relayer/internal/model"
)

// MemoryBatchRepo is the in-process BatchRepo used by tests and the
// no-database fallback.
type MemoryBatchRepo struct {
	mu      sync.RWMutex
	batches map[string]*model.SettlementBatch
}

var _ BatchRepo = (*MemoryBatchRepo)(nil)

func NewMemoryBatchRepo() *MemoryBatchRepo {
	return &MemoryBatchRepo{batches: make(map[string]*model.SettlementBatch)}
}

func (r *MemoryBatchRepo) Save(ctx context.Context, batch *model.SettlementBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *batch
	cp.Facts = append([]model.FactKey(nil), batch.Facts...)
	cp.UpdatedAt = time.Now().UTC()
	r.batches[batch.ID] = &cp
	return nil
}

func (r *MemoryBatchRepo) Get(ctx context.Context, id string) (*model.SettlementBatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	batch, ok := r.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *batch
	return &cp, nil
}

func (r *MemoryBatchRepo) DueRequeued(ctx context.Context, vendor string, now time.Time) (*model.SettlementBatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *model.SettlementBatch
	for _, batch := range r.batches {
		if batch.Vendor != vendor || batch.Status != model.BatchRequeued {
			continue
		}
		if batch.NextAttemptAt.After(now) {
			continue
		}
		if oldest == nil || batch.CreatedAt.Before(oldest.CreatedAt) {
			oldest = batch
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (r *MemoryBatchRepo) Submitted(ctx context.Context) ([]*model.SettlementBatch, error) {
	return r.ListByStatus(ctx, model.BatchSubmitted)
}

func (r *MemoryBatchRepo) ListByStatus(ctx context.Context, status model.BatchStatus) ([]*model.SettlementBatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.SettlementBatch
	for _, batch := range r.batches {
		if batch.Status != status {
			continue
		}
		cp := *batch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
