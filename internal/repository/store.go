package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/machpay/relayer/internal/model"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a fact, batch, or proof does not exist.
var ErrNotFound = errors.New("not found")

// decimalToUint64 narrows an exact decimal sum to the wire type, refusing to
// wrap instead of corrupting a liability total.
func decimalToUint64(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() || d.GreaterThan(decimal.NewFromUint64(^uint64(0))) {
		return 0, fmt.Errorf("amount %s does not fit uint64", d.String())
	}
	return d.BigInt().Uint64(), nil
}

// ConflictGroup is a set of facts sharing (agent, nonce) across at least two
// distinct gateways. Facts are ordered by received_at, then gateway_id.
type ConflictGroup struct {
	Agent string
	Nonce uint64
	Facts []*model.SettlementFact
}

// SettlementStore is the durable, append-only record of every settlement
// fact received from any gateway. Recording is atomic per fact: uniqueness
// on (agent, gateway_id, nonce) is enforced at the storage layer, so two
// concurrent submissions of the same fact serialize without application
// locks. Implementations must be safe for concurrent use.
type SettlementStore interface {
	// Record validates and appends a fact. An identical fact already present
	// is a duplicate (idempotent no-op for at-least-once delivery); a bad
	// signature, elapsed deadline, or reused (agent, gateway, nonce) with
	// different content is a rejection. The fact must be durable before
	// Record returns an accepted result.
	Record(ctx context.Context, fact *model.SettlementFact) (model.RecordResult, error)

	Get(ctx context.Context, key model.FactKey) (*model.SettlementFact, error)

	// PendingByVendor returns pending (not held) facts for one vendor in
	// received_at order, capped at limit.
	PendingByVendor(ctx context.Context, vendor string, limit int) ([]*model.SettlementFact, error)

	// PendingVendors lists vendors that currently have pending facts.
	PendingVendors(ctx context.Context) ([]string, error)

	// LiabilityByGateway sums outstanding liability for one agent, broken
	// down per gateway. Outstanding means pending, held, or settled with an
	// unconfirmed bond debit.
	LiabilityByGateway(ctx context.Context, agent string) (map[string]uint64, error)

	// ScanConflicts groups live facts by (agent, nonce) and returns every
	// group spanning two or more gateways.
	ScanConflicts(ctx context.Context) ([]ConflictGroup, error)

	// Hold freezes pending facts out of the batching path; Release is the
	// operator-driven inverse. Both only move facts between pending and held.
	Hold(ctx context.Context, keys []model.FactKey) error
	Release(ctx context.Context, keys []model.FactKey) error

	MarkSettled(ctx context.Context, keys []model.FactKey, txRef string) error
	MarkDebited(ctx context.Context, txRef string) error
	MarkRejected(ctx context.Context, keys []model.FactKey, reason string) error
	MarkSlashedEvidence(ctx context.Context, keys []model.FactKey) error
}

// BatchRepo persists settlement batches, including in-flight ones, so that a
// relayer restart can resolve unknown ledger outcomes by re-query instead of
// blind resubmission.
type BatchRepo interface {
	Save(ctx context.Context, batch *model.SettlementBatch) error
	Get(ctx context.Context, id string) (*model.SettlementBatch, error)

	// DueRequeued returns the oldest requeued batch for a vendor whose
	// backoff has elapsed, or ErrNotFound.
	DueRequeued(ctx context.Context, vendor string, now time.Time) (*model.SettlementBatch, error)

	// Submitted returns batches whose ledger outcome is unknown.
	Submitted(ctx context.Context) ([]*model.SettlementBatch, error)

	ListByStatus(ctx context.Context, status model.BatchStatus) ([]*model.SettlementBatch, error)
}

// ProofRepo persists equivocation proofs. A proof is consumed exactly once
// by slashing; consumption is recorded so restarts never double-slash.
type ProofRepo interface {
	Save(ctx context.Context, proof *model.EquivocationProof) error

	// ByPair returns the proof for (agent, nonce), or ErrNotFound.
	ByPair(ctx context.Context, agent string, nonce uint64) (*model.EquivocationProof, error)
	Unconsumed(ctx context.Context) ([]*model.EquivocationProof, error)
	List(ctx context.Context) ([]*model.EquivocationProof, error)
	MarkConsumed(ctx context.Context, id, slashRef string) error
}
