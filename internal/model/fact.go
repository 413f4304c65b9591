package model

import "time"

// FactStatus is the lifecycle state of a settlement fact.
type FactStatus string

const (
	FactPending         FactStatus = "pending"
	FactHeld            FactStatus = "held" // under active equivocation dispute
	FactSettled         FactStatus = "settled"
	FactRejected        FactStatus = "rejected"
	FactSlashedEvidence FactStatus = "slashed-evidence"
)

// Rejection reasons recorded on facts that never reach settlement.
const (
	RejectBadSignature      = "bad-signature"
	RejectDeadlineElapsed   = "deadline-elapsed"
	RejectNonceReused       = "nonce-reused"
	RejectSupersededBySlash = "superseded-by-slash"
)

// SettlementFact is one signed, agent-authorized payment record. Immutable
// once written except for its status transitions.
type SettlementFact struct {
	Agent     string `json:"agent" db:"agent"`
	Vendor    string `json:"vendor" db:"vendor"`
	GatewayID string `json:"gateway_id" db:"gateway_id"`
	Amount    uint64 `json:"amount" db:"amount"`
	// Nonce must be unique per agent across all gateways. Two facts sharing
	// (agent, nonce) but different gateway_id are proof of equivocation.
	Nonce     uint64    `json:"nonce" db:"nonce"`
	Deadline  time.Time `json:"deadline" db:"deadline"`
	Signature string    `json:"signature" db:"signature"`

	Status       FactStatus `json:"status" db:"status"`
	RejectReason string     `json:"reject_reason,omitempty" db:"reject_reason"`
	// DebitConfirmed tracks whether the on-chain bond debit for a settled
	// fact has been observed. Settled facts stay in liability sums until it
	// flips, so gateways never under-count during the confirmation window.
	DebitConfirmed bool      `json:"debit_confirmed" db:"debit_confirmed"`
	TxRef          string    `json:"tx_ref,omitempty" db:"tx_ref"`
	ReceivedAt     time.Time `json:"received_at" db:"received_at"`
}

// Key identifies a fact by its storage uniqueness constraint.
func (f *SettlementFact) Key() FactKey {
	return FactKey{Agent: f.Agent, GatewayID: f.GatewayID, Nonce: f.Nonce}
}

// Identical reports whether two facts carry the same signed content. Used to
// distinguish at-least-once redelivery (safe duplicate) from nonce reuse.
func (f *SettlementFact) Identical(other *SettlementFact) bool {
	return f.Agent == other.Agent &&
		f.Vendor == other.Vendor &&
		f.GatewayID == other.GatewayID &&
		f.Nonce == other.Nonce &&
		f.Amount == other.Amount &&
		f.Signature == other.Signature
}

// CountsAsLiability reports whether the fact contributes to outstanding
// liability: pending and held facts always, settled facts until the bond
// debit is confirmed on chain.
func (f *SettlementFact) CountsAsLiability() bool {
	switch f.Status {
	case FactPending, FactHeld:
		return true
	case FactSettled:
		return !f.DebitConfirmed
	default:
		return false
	}
}

// FactKey is the storage uniqueness constraint (agent, gateway_id, nonce).
type FactKey struct {
	Agent     string `json:"agent"`
	GatewayID string `json:"gateway_id"`
	Nonce     uint64 `json:"nonce"`
}

// Outcome classifies the result of recording a fact.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// RecordResult is returned by SettlementStore.Record.
type RecordResult struct {
	Outcome Outcome
	Reason  string // populated when Outcome == OutcomeRejected
}
