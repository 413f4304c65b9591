package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/signer"
	"github.com/shopspring/decimal"
)

// MemorySettlementStore keeps facts in process memory. It backs tests and
// serves as the fallback when no database DSN is configured, mirroring the
// Postgres implementation's semantics exactly.
type MemorySettlementStore struct {
	mu           sync.RWMutex
	facts        map[model.FactKey]*model.SettlementFact
	order        []model.FactKey // insertion order, received_at ascending
	lastReceived time.Time
}

var _ SettlementStore = (*MemorySettlementStore)(nil)

func NewMemorySettlementStore() *MemorySettlementStore {
	return &MemorySettlementStore{
		facts: make(map[model.FactKey]*model.SettlementFact),
	}
}

func (s *MemorySettlementStore) Record(ctx context.Context, fact *model.SettlementFact) (model.RecordResult, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	// The duplicate check comes before validation: an identical redelivery of
	// a durably recorded fact stays a duplicate even after its deadline
	// elapses, so late log replays remain idempotent.
	key := fact.Key()
	if existing, ok := s.facts[key]; ok {
		if existing.Identical(fact) {
			return model.RecordResult{Outcome: model.OutcomeDuplicate}, nil
		}
		return model.RecordResult{Outcome: model.OutcomeRejected, Reason: model.RejectNonceReused}, nil
	}

	if err := signer.Verify(fact); err != nil {
		return model.RecordResult{Outcome: model.OutcomeRejected, Reason: model.RejectBadSignature}, nil
	}
	if !fact.Deadline.After(now) {
		return model.RecordResult{Outcome: model.OutcomeRejected, Reason: model.RejectDeadlineElapsed}, nil
	}

	stored := *fact
	stored.Status = model.FactPending
	stored.ReceivedAt = s.nextReceivedAtLocked(now)
	s.facts[key] = &stored
	s.order = append(s.order, key)
	return model.RecordResult{Outcome: model.OutcomeAccepted}, nil
}

// nextReceivedAtLocked keeps received_at strictly monotonic per store
// instance, which the detector relies on for deterministic tie-breaks.
func (s *MemorySettlementStore) nextReceivedAtLocked(now time.Time) time.Time {
	if !now.After(s.lastReceived) {
		now = s.lastReceived.Add(time.Microsecond)
	}
	s.lastReceived = now
	return now
}

func (s *MemorySettlementStore) Get(ctx context.Context, key model.FactKey) (*model.SettlementFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fact, ok := s.facts[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *fact
	return &cp, nil
}

func (s *MemorySettlementStore) PendingByVendor(ctx context.Context, vendor string, limit int) ([]*model.SettlementFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.SettlementFact
	for _, key := range s.order {
		fact := s.facts[key]
		if fact.Vendor != vendor || fact.Status != model.FactPending {
			continue
		}
		cp := *fact
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemorySettlementStore) PendingVendors(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var vendors []string
	for _, key := range s.order {
		fact := s.facts[key]
		if fact.Status != model.FactPending || seen[fact.Vendor] {
			continue
		}
		seen[fact.Vendor] = true
		vendors = append(vendors, fact.Vendor)
	}
	return vendors, nil
}

func (s *MemorySettlementStore) LiabilityByGateway(ctx context.Context, agent string) (map[string]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Accumulated in decimal so sums beyond uint64 fail loudly instead of
	// wrapping.
	totals := make(map[string]decimal.Decimal)
	for _, fact := range s.facts {
		if fact.Agent != agent || !fact.CountsAsLiability() {
			continue
		}
		totals[fact.GatewayID] = totals[fact.GatewayID].Add(decimal.NewFromUint64(fact.Amount))
	}

	sums := make(map[string]uint64, len(totals))
	for gatewayID, total := range totals {
		value, err := decimalToUint64(total)
		if err != nil {
			return nil, fmt.Errorf("liability for gateway %s: %w", gatewayID, err)
		}
		sums[gatewayID] = value
	}
	return sums, nil
}

func (s *MemorySettlementStore) ScanConflicts(ctx context.Context) ([]ConflictGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type groupKey struct {
		agent string
		nonce uint64
	}
	// Rejected facts are out of play; every other status still participates
	// in conflict grouping so that a late third gateway is matched against
	// facts that already settled or became evidence.
	groups := make(map[groupKey][]*model.SettlementFact)
	for _, fact := range s.facts {
		if fact.Status == model.FactRejected {
			continue
		}
		gk := groupKey{fact.Agent, fact.Nonce}
		cp := *fact
		groups[gk] = append(groups[gk], &cp)
	}

	var out []ConflictGroup
	for gk, facts := range groups {
		gateways := make(map[string]bool)
		for _, f := range facts {
			gateways[f.GatewayID] = true
		}
		if len(gateways) < 2 {
			continue
		}
		sort.Slice(facts, func(i, j int) bool {
			if !facts[i].ReceivedAt.Equal(facts[j].ReceivedAt) {
				return facts[i].ReceivedAt.Before(facts[j].ReceivedAt)
			}
			return facts[i].GatewayID < facts[j].GatewayID
		})
		out = append(out, ConflictGroup{Agent: gk.agent, Nonce: gk.nonce, Facts: facts})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Agent != out[j].Agent {
			return out[i].Agent < out[j].Agent
		}
		return out[i].Nonce < out[j].Nonce
	})
	return out, nil
}

func (s *MemorySettlementStore) Hold(ctx context.Context, keys []model.FactKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if fact, ok := s.facts[key]; ok && fact.Status == model.FactPending {
			fact.Status = model.FactHeld
		}
	}
	return nil
}

func (s *MemorySettlementStore) Release(ctx context.Context, keys []model.FactKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if fact, ok := s.facts[key]; ok && fact.Status == model.FactHeld {
			fact.Status = model.FactPending
		}
	}
	return nil
}

func (s *MemorySettlementStore) MarkSettled(ctx context.Context, keys []model.FactKey, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		fact, ok := s.facts[key]
		if !ok {
			return ErrNotFound
		}
		// Only pending facts settle. A fact that became equivocation evidence
		// or was quarantined between submission and commit keeps its status.
		if fact.Status != model.FactPending {
			continue
		}
		fact.Status = model.FactSettled
		fact.TxRef = txRef
	}
	return nil
}

func (s *MemorySettlementStore) MarkDebited(ctx context.Context, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fact := range s.facts {
		if fact.Status == model.FactSettled && fact.TxRef == txRef {
			fact.DebitConfirmed = true
		}
	}
	return nil
}

func (s *MemorySettlementStore) MarkRejected(ctx context.Context, keys []model.FactKey, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if fact, ok := s.facts[key]; ok {
			fact.Status = model.FactRejected
			fact.RejectReason = reason
		}
	}
	return nil
}

func (s *MemorySettlementStore) MarkSlashedEvidence(ctx context.Context, keys []model.FactKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if fact, ok := s.facts[key]; ok {
			fact.Status = model.FactSlashedEvidence
		}
	}
	return nil
}
