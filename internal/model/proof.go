package model

import "time"

// EquivocationProof is a pair of facts with equal (agent, nonce) but
// different gateway_id, both independently signed by the agent. It is
// immutable once constructed and consumed exactly once by slashing.
type EquivocationProof struct {
	ID        string         `json:"id"`
	Agent     string         `json:"agent"`
	Nonce     uint64         `json:"nonce"`
	First     SettlementFact `json:"first"`  // earliest received
	Second    SettlementFact `json:"second"` // second earliest
	CreatedAt time.Time      `json:"created_at"`
	Consumed  bool           `json:"consumed"`
	SlashRef  string         `json:"slash_ref,omitempty"`
}
