package model

import "time"

// BondState is the per-agent collateral view owned by the ledger. Local
// copies are advisory caches with an explicit staleness bound; the relayer
// only ever mutates bonds by submitting settlement or slash instructions.
type BondState struct {
	Agent         string    `json:"agent"`
	Balance       uint64    `json:"balance"`
	MinimumBond   uint64    `json:"minimum_required_bond"`
	LastPaymentAt time.Time `json:"last_payment_at"` // drives withdrawal timelock
	FetchedAt     time.Time `json:"fetched_at"`
}
