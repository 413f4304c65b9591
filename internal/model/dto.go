package model

import "time"

// HeartbeatRequest is the wire shape of POST /heartbeat.
type HeartbeatRequest struct {
	GatewayID     string       `json:"gateway_id" binding:"required"`
	Version       string       `json:"version"`
	UptimeSeconds uint64       `json:"uptime_seconds"`
	Stats         GatewayStats `json:"stats"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status     string `json:"status"`
	Registered bool   `json:"registered"`
}

// SettlementItem is one settlement intent as sent by a gateway. This is also
// the canonical line format of the newline-delimited settlement log used for
// recovery, with gateway_id carried per line.
type SettlementItem struct {
	Agent     string `json:"agent" binding:"required"`
	Vendor    string `json:"vendor" binding:"required"`
	Amount    uint64 `json:"amount" binding:"required"`
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline" binding:"required"` // unix seconds
	Signature string `json:"signature" binding:"required"`

	// Set by the submitting gateway on /settlements from the envelope; set
	// per line in the recovery log format.
	GatewayID string `json:"gateway_id,omitempty"`
}

// Fact converts the wire item into a storable settlement fact. The gateway
// id must already be resolved, either from the envelope or the log line.
func (i SettlementItem) Fact(gatewayID string) *SettlementFact {
	if gatewayID == "" {
		gatewayID = i.GatewayID
	}
	return &SettlementFact{
		Agent:     i.Agent,
		Vendor:    i.Vendor,
		GatewayID: gatewayID,
		Amount:    i.Amount,
		Nonce:     i.Nonce,
		Deadline:  time.Unix(i.Deadline, 0).UTC(),
		Signature: i.Signature,
	}
}

// SettlementSubmission is the wire shape of POST /settlements.
type SettlementSubmission struct {
	GatewayID string           `json:"gateway_id" binding:"required"`
	Batch     []SettlementItem `json:"batch" binding:"required"`
}

// ItemResult reports the per-item outcome of a settlement submission.
type ItemResult struct {
	Nonce   uint64  `json:"nonce"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// SettlementResponse summarizes a settlement submission. Duplicates count as
// accepted: to a gateway retrying delivery they are success.
type SettlementResponse struct {
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	Results  []ItemResult `json:"results"`
}

// GatewayLiability is one gateway's share of an agent's outstanding liability.
type GatewayLiability struct {
	GatewayID string `json:"gateway_id"`
	Liability uint64 `json:"liability"`
	Stale     bool   `json:"stale"`
}

// LiabilityResponse is the wire shape of GET /liability/:agent.
type LiabilityResponse struct {
	Agent             string             `json:"agent"`
	ExternalLiability uint64             `json:"external_liability"`
	Gateways          []GatewayLiability `json:"gateways"`
}
