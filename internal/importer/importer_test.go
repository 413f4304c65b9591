package importer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/repository"
	"github.com/machpay/relayer/internal/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logLine(t *testing.T, key *ecdsa.PrivateKey, gateway string, amount, nonce uint64) string {
	t.Helper()
	fact := &model.SettlementFact{
		Agent:     signer.Address(key),
		Vendor:    "0xV1",
		GatewayID: gateway,
		Amount:    amount,
		Nonce:     nonce,
		Deadline:  time.Now().Add(time.Hour).Truncate(time.Second),
	}
	sig, err := signer.Sign(fact, key)
	require.NoError(t, err)

	raw, err := json.Marshal(model.SettlementItem{
		Agent:     fact.Agent,
		Vendor:    fact.Vendor,
		GatewayID: fact.GatewayID,
		Amount:    fact.Amount,
		Nonce:     fact.Nonce,
		Deadline:  fact.Deadline.Unix(),
		Signature: sig,
	})
	require.NoError(t, err)
	return string(raw)
}

func TestRunImportsAndDeduplicates(t *testing.T) {
	store := repository.NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	lineA := logLine(t, key, "0xG1", 500, 1)
	lineB := logLine(t, key, "0xG1", 700, 2)

	// The relayer already holds the first fact from live submission.
	var itemA model.SettlementItem
	require.NoError(t, json.Unmarshal([]byte(lineA), &itemA))
	res, err := store.Record(ctx, itemA.Fact(""))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, res.Outcome)

	imp := NewRecoveryImporter(store, false)
	report, err := imp.Run(ctx, strings.NewReader(lineA+"\n"+lineB+"\n"))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Lines)
	assert.Equal(t, 1, report.AlreadyProcessed)
	assert.Equal(t, 1, report.NewlyImported)
	assert.Equal(t, 0, report.Rejected)
	assert.Equal(t, 0, report.Malformed)

	pending, err := store.PendingByVendor(ctx, "0xV1", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunSkipsMalformedAndTornLines(t *testing.T) {
	store := repository.NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()

	good := logLine(t, key, "0xG1", 500, 1)
	torn := good[:len(good)/2]
	log := good + "\n" + "not json at all" + "\n" + torn + "\n"

	imp := NewRecoveryImporter(store, false)
	report, err := imp.Run(context.Background(), strings.NewReader(log))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Lines)
	assert.Equal(t, 1, report.NewlyImported)
	assert.Equal(t, 2, report.Malformed)
}

func TestRunRejectsTamperedSignature(t *testing.T) {
	store := repository.NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()

	line := logLine(t, key, "0xG1", 500, 1)
	tampered := strings.Replace(line, `"amount":500`, `"amount":9500`, 1)
	require.NotEqual(t, line, tampered)

	imp := NewRecoveryImporter(store, false)
	report, err := imp.Run(context.Background(), strings.NewReader(tampered+"\n"))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 0, report.NewlyImported)
}

func TestDryRunWritesNothing(t *testing.T) {
	store := repository.NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	log := logLine(t, key, "0xG1", 500, 1) + "\n" + logLine(t, key, "0xG1", 700, 2) + "\n"

	imp := NewRecoveryImporter(store, true)
	report, err := imp.Run(ctx, strings.NewReader(log))
	require.NoError(t, err)
	assert.Equal(t, 2, report.NewlyImported)

	pending, err := store.PendingByVendor(ctx, "0xV1", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunExpiredRecordedFactIsAlreadyProcessed(t *testing.T) {
	store := repository.NewMemorySettlementStore()
	key, _ := crypto.GenerateKey()
	ctx := context.Background()

	fact := &model.SettlementFact{
		Agent:     signer.Address(key),
		Vendor:    "0xV1",
		GatewayID: "0xG1",
		Amount:    500,
		Nonce:     1,
		Deadline:  time.Now().Add(1100 * time.Millisecond).Truncate(time.Second),
	}
	sig, err := signer.Sign(fact, key)
	require.NoError(t, err)
	fact.Signature = sig

	res, err := store.Record(ctx, fact)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, res.Outcome)

	raw, err := json.Marshal(model.SettlementItem{
		Agent:     fact.Agent,
		Vendor:    fact.Vendor,
		GatewayID: fact.GatewayID,
		Amount:    fact.Amount,
		Nonce:     fact.Nonce,
		Deadline:  fact.Deadline.Unix(),
		Signature: fact.Signature,
	})
	require.NoError(t, err)

	// The deadline elapses before the replay. The fact is durably recorded,
	// so both modes classify the line as already processed, not rejected.
	time.Sleep(1300 * time.Millisecond)

	for _, dryRun := range []bool{false, true} {
		imp := NewRecoveryImporter(store, dryRun)
		report, err := imp.Run(ctx, strings.NewReader(string(raw)+"\n"))
		require.NoError(t, err)
		assert.Equal(t, 1, report.AlreadyProcessed, "dryRun=%v", dryRun)
		assert.Zero(t, report.Rejected, "dryRun=%v", dryRun)
	}
}
