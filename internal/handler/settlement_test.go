package handler

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/machpay/relayer/internal/config"
	"github.com/machpay/relayer/internal/middleware"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/repository"
	"github.com/machpay/relayer/internal/service"
	"github.com/machpay/relayer/internal/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedItem(t *testing.T, key *ecdsa.PrivateKey, gateway string, amount, nonce uint64) model.SettlementItem {
	t.Helper()
	deadline := time.Now().Add(time.Hour).Truncate(time.Second)
	fact := &model.SettlementFact{
		Agent:     signer.Address(key),
		Vendor:    "0xV1",
		GatewayID: gateway,
		Amount:    amount,
		Nonce:     nonce,
		Deadline:  deadline,
	}
	sig, err := signer.Sign(fact, key)
	require.NoError(t, err)
	return model.SettlementItem{
		Agent:     fact.Agent,
		Vendor:    fact.Vendor,
		Amount:    amount,
		Nonce:     nonce,
		Deadline:  deadline.Unix(),
		Signature: sig,
	}
}

func settlementRouter(store repository.SettlementStore, registry *service.GatewayRegistry) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandler())
	h := NewSettlementHandler(store, nil)
	router.POST("/settlements", middleware.RateLimitMiddleware(registry), h.Post)
	return router
}

func testRegistry() *service.GatewayRegistry {
	cfg := &config.Config{Registry: config.RegistryConfig{
		LivenessWindowSeconds: 90,
		GatewayQPS:            1000,
		GatewayBurst:          1000,
	}}
	return service.NewGatewayRegistry(cfg, nil)
}

func postSettlements(t *testing.T, router *gin.Engine, sub model.SettlementSubmission) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(sub)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/settlements", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderGatewayID, sub.GatewayID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPostSettlementsPerItemResults(t *testing.T) {
	store := repository.NewMemorySettlementStore()
	router := settlementRouter(store, testRegistry())
	key, _ := crypto.GenerateKey()

	good := signedItem(t, key, "0xG1", 500, 1)
	bad := signedItem(t, key, "0xG1", 700, 2)
	bad.Amount = 9999 // breaks the signature

	rec := postSettlements(t, router, model.SettlementSubmission{
		GatewayID: "0xG1",
		Batch:     []model.SettlementItem{good, bad},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.SettlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, model.OutcomeAccepted, resp.Results[0].Outcome)
	assert.Equal(t, model.OutcomeRejected, resp.Results[1].Outcome)
	assert.Equal(t, model.RejectBadSignature, resp.Results[1].Reason)
}

func TestPostSettlementsRedeliveryCountsAccepted(t *testing.T) {
	store := repository.NewMemorySettlementStore()
	router := settlementRouter(store, testRegistry())
	key, _ := crypto.GenerateKey()

	sub := model.SettlementSubmission{
		GatewayID: "0xG1",
		Batch:     []model.SettlementItem{signedItem(t, key, "0xG1", 500, 1)},
	}

	rec := postSettlements(t, router, sub)
	require.Equal(t, http.StatusOK, rec.Code)

	// The gateway redelivers the same batch after a lost response.
	rec = postSettlements(t, router, sub)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.SettlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 0, resp.Rejected)
	assert.Equal(t, model.OutcomeDuplicate, resp.Results[0].Outcome)
}

func TestPostSettlementsRequiresGatewayHeader(t *testing.T) {
	store := repository.NewMemorySettlementStore()
	router := settlementRouter(store, testRegistry())

	req := httptest.NewRequest(http.MethodPost, "/settlements", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostSettlementsEnvelopeGatewayMustMatchHeader(t *testing.T) {
	store := repository.NewMemorySettlementStore()
	router := settlementRouter(store, testRegistry())
	key, _ := crypto.GenerateKey()

	sub := model.SettlementSubmission{
		GatewayID: "0xG1",
		Batch:     []model.SettlementItem{signedItem(t, key, "0xG1", 500, 1)},
	}
	body, err := json.Marshal(sub)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/settlements", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderGatewayID, "0xIMPOSTOR")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
