package model

import "time"

// BatchStatus is the lifecycle state of a settlement batch.
type BatchStatus string

const (
	BatchBuilding  BatchStatus = "building"
	BatchSubmitted BatchStatus = "submitted" // in flight, outcome not yet known
	BatchCommitted BatchStatus = "committed"
	// BatchReconciled means the committed transfer's bond debits have been
	// observed on chain; constituent facts no longer count as liability.
	BatchReconciled BatchStatus = "reconciled"
	BatchRequeued   BatchStatus = "requeued"
	BatchFailed     BatchStatus = "failed" // exhausted retries, manual reconciliation
)

// SettlementBatch groups pending facts for one vendor into a single
// cumulative-transfer instruction. TotalAmount is always recomputed from the
// constituent facts, never trusted from any input.
type SettlementBatch struct {
	ID          string      `json:"id"` // uuid, doubles as the ledger idempotency key
	Vendor      string      `json:"vendor"`
	Facts       []FactKey   `json:"facts"`
	TotalAmount uint64      `json:"total_amount"`
	Status      BatchStatus `json:"status"`

	AttemptCount  int       `json:"submission_attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`

	LedgerTxRef string    `json:"ledger_transaction_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
