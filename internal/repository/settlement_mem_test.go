package repository

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedFact(t *testing.T, key *ecdsa.PrivateKey, vendor, gateway string, amount, nonce uint64) *model.SettlementFact {
	t.Helper()
	fact := &model.SettlementFact{
		Agent:     signer.Address(key),
		Vendor:    vendor,
		GatewayID: gateway,
		Amount:    amount,
		Nonce:     nonce,
		Deadline:  time.Now().Add(time.Hour).Truncate(time.Second),
	}
	sig, err := signer.Sign(fact, key)
	require.NoError(t, err)
	fact.Signature = sig
	return fact
}

func TestRecordIdempotent(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	fact := signedFact(t, key, "0xV1", "0xG1", 500, 1)

	res, err := store.Record(ctx, fact)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAccepted, res.Outcome)

	// N-1 redeliveries are duplicates, not errors.
	for i := 0; i < 4; i++ {
		res, err = store.Record(ctx, fact)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeDuplicate, res.Outcome)
	}

	pending, err := store.PendingByVendor(ctx, "0xV1", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRecordRejectsBadSignature(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	fact := signedFact(t, key, "0xV1", "0xG1", 500, 1)
	fact.Amount = 9999 // breaks the signature

	res, err := store.Record(ctx, fact)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, res.Outcome)
	assert.Equal(t, model.RejectBadSignature, res.Reason)
}

func TestRecordRejectsElapsedDeadline(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	fact := &model.SettlementFact{
		Agent:     signer.Address(key),
		Vendor:    "0xV1",
		GatewayID: "0xG1",
		Amount:    500,
		Nonce:     1,
		Deadline:  time.Now().Add(-time.Minute),
	}
	sig, err := signer.Sign(fact, key)
	require.NoError(t, err)
	fact.Signature = sig

	res, err := store.Record(ctx, fact)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, res.Outcome)
	assert.Equal(t, model.RejectDeadlineElapsed, res.Reason)
}

func TestRecordRejectsNonceReuseWithinGateway(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	first := signedFact(t, key, "0xV1", "0xG1", 500, 1)
	res, err := store.Record(ctx, first)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, res.Outcome)

	// Same (agent, gateway, nonce), different amount: not a safe duplicate.
	second := signedFact(t, key, "0xV1", "0xG1", 700, 1)
	res, err = store.Record(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, res.Outcome)
	assert.Equal(t, model.RejectNonceReused, res.Reason)
}

func TestLiabilityByGateway(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	_, err := store.Record(ctx, signedFact(t, key, "0xV1", "0xGX", 1000, 1))
	require.NoError(t, err)
	_, err = store.Record(ctx, signedFact(t, key, "0xV1", "0xGY", 2000, 2))
	require.NoError(t, err)

	sums, err := store.LiabilityByGateway(ctx, signer.Address(key))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), sums["0xGX"])
	assert.Equal(t, uint64(2000), sums["0xGY"])
}

func TestLiabilityCountsSettledUntilDebited(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	agent := signer.Address(key)
	ctx := context.Background()

	fact := signedFact(t, key, "0xV1", "0xG1", 800, 1)
	_, err := store.Record(ctx, fact)
	require.NoError(t, err)

	require.NoError(t, store.MarkSettled(ctx, []model.FactKey{fact.Key()}, "tx-1"))
	sums, err := store.LiabilityByGateway(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, uint64(800), sums["0xG1"], "settled but undebited facts stay in liability")

	require.NoError(t, store.MarkDebited(ctx, "tx-1"))
	sums, err = store.LiabilityByGateway(ctx, agent)
	require.NoError(t, err)
	assert.Zero(t, sums["0xG1"])
}

func TestScanConflictsOrdering(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	// Same nonce through three gateways; receipt order fixes proof order.
	for _, gateway := range []string{"0xGC", "0xGA", "0xGB"} {
		_, err := store.Record(ctx, signedFact(t, key, "0xV1", gateway, 100, 5))
		require.NoError(t, err)
	}

	groups, err := store.ScanConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Facts, 3)
	assert.Equal(t, "0xGC", groups[0].Facts[0].GatewayID)
	assert.Equal(t, "0xGA", groups[0].Facts[1].GatewayID)
	assert.True(t, groups[0].Facts[0].ReceivedAt.Before(groups[0].Facts[1].ReceivedAt),
		"received_at must be strictly monotonic")
}

func TestScanConflictsIgnoresDistinctNonces(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	_, err := store.Record(ctx, signedFact(t, key, "0xV1", "0xG1", 100, 1))
	require.NoError(t, err)
	_, err = store.Record(ctx, signedFact(t, key, "0xV1", "0xG2", 100, 2))
	require.NoError(t, err)

	groups, err := store.ScanConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestHoldOnlyTransitionsPending(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	fact := signedFact(t, key, "0xV1", "0xG1", 100, 1)
	_, err := store.Record(ctx, fact)
	require.NoError(t, err)

	require.NoError(t, store.MarkSettled(ctx, []model.FactKey{fact.Key()}, "tx-1"))
	require.NoError(t, store.Hold(ctx, []model.FactKey{fact.Key()}))

	stored, err := store.Get(ctx, fact.Key())
	require.NoError(t, err)
	assert.Equal(t, model.FactSettled, stored.Status)
}

func TestPendingByVendorExcludesHeld(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	a := signedFact(t, key, "0xV1", "0xG1", 100, 1)
	b := signedFact(t, key, "0xV1", "0xG1", 200, 2)
	_, err := store.Record(ctx, a)
	require.NoError(t, err)
	_, err = store.Record(ctx, b)
	require.NoError(t, err)

	require.NoError(t, store.Hold(ctx, []model.FactKey{a.Key()}))

	pending, err := store.PendingByVendor(ctx, "0xV1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(2), pending[0].Nonce)
}

func TestRecordIdenticalAfterDeadlineIsDuplicate(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	fact := &model.SettlementFact{
		Agent:     signer.Address(key),
		Vendor:    "0xV1",
		GatewayID: "0xG1",
		Amount:    500,
		Nonce:     1,
		Deadline:  time.Now().Add(50 * time.Millisecond).Truncate(time.Millisecond),
	}
	sig, err := signer.Sign(fact, key)
	require.NoError(t, err)
	fact.Signature = sig

	res, err := store.Record(ctx, fact)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, res.Outcome)

	// An identical redelivery after the deadline elapses is still a
	// duplicate: the fact is durably recorded and will settle.
	time.Sleep(100 * time.Millisecond)
	res, err = store.Record(ctx, fact)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicate, res.Outcome)

	got, err := store.Get(ctx, fact.Key())
	require.NoError(t, err)
	assert.Equal(t, model.FactPending, got.Status)
}

func TestMarkSettledKeepsSlashedEvidence(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	fact := signedFact(t, key, "0xV1", "0xG1", 500, 1)
	res, err := store.Record(ctx, fact)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, res.Outcome)

	require.NoError(t, store.MarkSlashedEvidence(ctx, []model.FactKey{fact.Key()}))
	require.NoError(t, store.MarkSettled(ctx, []model.FactKey{fact.Key()}, "0xTX1"))

	got, err := store.Get(ctx, fact.Key())
	require.NoError(t, err)
	assert.Equal(t, model.FactSlashedEvidence, got.Status)
	assert.Empty(t, got.TxRef)
}

func TestLiabilitySumsAmountsAboveInt63(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()
	agent := signer.Address(key)

	huge := uint64(1)<<63 + 5
	for _, fact := range []*model.SettlementFact{
		signedFact(t, key, "0xV1", "0xG1", huge, 1),
		signedFact(t, key, "0xV1", "0xG1", 10, 2),
	} {
		res, err := store.Record(ctx, fact)
		require.NoError(t, err)
		require.Equal(t, model.OutcomeAccepted, res.Outcome)
	}

	sums, err := store.LiabilityByGateway(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, huge+10, sums["0xG1"])
}

func TestLiabilityRefusesSumBeyondUint64(t *testing.T) {
	store := NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()
	agent := signer.Address(key)

	max := ^uint64(0)
	for _, fact := range []*model.SettlementFact{
		signedFact(t, key, "0xV1", "0xG1", max, 1),
		signedFact(t, key, "0xV1", "0xG1", 1, 2),
	} {
		res, err := store.Record(ctx, fact)
		require.NoError(t, err)
		require.Equal(t, model.OutcomeAccepted, res.Outcome)
	}

	_, err := store.LiabilityByGateway(ctx, agent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not fit uint64")
}
