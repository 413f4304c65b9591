package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/machpay/relayer/internal/model"
)

// MemoryProofRepo is the in-process ProofRepo used by tests and the
// no-database fallback.
type MemoryProofRepo struct {
	mu     sync.RWMutex
	proofs map[string]*model.EquivocationProof
	byPair map[string]string // agent|nonce -> proof id
}

var _ ProofRepo = (*MemoryProofRepo)(nil)

func NewMemoryProofRepo() *MemoryProofRepo {
	return &MemoryProofRepo{
		proofs: make(map[string]*model.EquivocationProof),
		byPair: make(map[string]string),
	}
}

func pairKey(agent string, nonce uint64) string {
	return fmt.Sprintf("%s|%d", agent, nonce)
}

func (r *MemoryProofRepo) Save(ctx context.Context, proof *model.EquivocationProof) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *proof
	r.proofs[proof.ID] = &cp
	r.byPair[pairKey(proof.Agent, proof.Nonce)] = proof.ID
	return nil
}

func (r *MemoryProofRepo) ByPair(ctx context.Context, agent string, nonce uint64) (*model.EquivocationProof, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPair[pairKey(agent, nonce)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.proofs[id]
	return &cp, nil
}

func (r *MemoryProofRepo) Unconsumed(ctx context.Context) ([]*model.EquivocationProof, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.EquivocationProof
	for _, proof := range r.proofs {
		if proof.Consumed {
			continue
		}
		cp := *proof
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryProofRepo) List(ctx context.Context) ([]*model.EquivocationProof, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.EquivocationProof
	for _, proof := range r.proofs {
		cp := *proof
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryProofRepo) MarkConsumed(ctx context.Context, id, slashRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	proof, ok := r.proofs[id]
	if !ok {
		return ErrNotFound
	}
	proof.Consumed = true
	proof.SlashRef = slashRef
	return nil
}
