package signer

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/machpay/relayer/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	agentKey, _ := crypto.GenerateKey()
	gatewayKey, _ := crypto.GenerateKey()
	vendorKey, _ := crypto.GenerateKey()

	fact := &model.SettlementFact{
		Agent:     Address(agentKey),
		Vendor:    Address(vendorKey),
		GatewayID: Address(gatewayKey),
		Amount:    1500,
		Nonce:     42,
		Deadline:  time.Now().Add(time.Hour).Truncate(time.Second),
	}

	sig, err := Sign(fact, agentKey)
	require.NoError(t, err)
	assert.Equal(t, 132, len(sig)) // 0x + 65 bytes hex

	fact.Signature = sig
	assert.NoError(t, Verify(fact))
}

func TestVerifyRejectsWrongAgent(t *testing.T) {
	agentKey, _ := crypto.GenerateKey()
	otherKey, _ := crypto.GenerateKey()

	fact := &model.SettlementFact{
		Agent:     Address(agentKey),
		Vendor:    Address(otherKey),
		GatewayID: Address(otherKey),
		Amount:    100,
		Nonce:     1,
		Deadline:  time.Now().Add(time.Hour),
	}
	sig, err := Sign(fact, agentKey)
	require.NoError(t, err)
	fact.Signature = sig

	// Claiming a different agent must fail recovery comparison.
	fact.Agent = Address(otherKey)
	assert.Error(t, Verify(fact))
}

func TestVerifyRejectsTamperedAmount(t *testing.T) {
	agentKey, _ := crypto.GenerateKey()

	fact := &model.SettlementFact{
		Agent:     Address(agentKey),
		Vendor:    Address(agentKey),
		GatewayID: Address(agentKey),
		Amount:    100,
		Nonce:     7,
		Deadline:  time.Now().Add(time.Hour),
	}
	sig, err := Sign(fact, agentKey)
	require.NoError(t, err)
	fact.Signature = sig

	fact.Amount = 100000
	assert.Error(t, Verify(fact))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	fact := &model.SettlementFact{
		Agent:     "0x0000000000000000000000000000000000000001",
		Signature: "0xdeadbeef",
		Deadline:  time.Now(),
	}
	assert.Error(t, Verify(fact))
}
