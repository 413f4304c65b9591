package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/machpay/relayer/internal/ledger"
	"github.com/machpay/relayer/internal/middleware"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/repository"
	"github.com/machpay/relayer/internal/service"
	"github.com/machpay/relayer/internal/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLiabilityExcludesCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := repository.NewMemorySettlementStore()
	registry := testRegistry()
	key, _ := crypto.GenerateKey()
	agent := signer.Address(key)

	for i, gw := range []string{"0xG1", "0xG2"} {
		fact := &model.SettlementFact{
			Agent:     agent,
			Vendor:    "0xV1",
			GatewayID: gw,
			Amount:    uint64(1000 * (i + 1)),
			Nonce:     uint64(i + 1),
			Deadline:  time.Now().Add(time.Hour).Truncate(time.Second),
		}
		sig, err := signer.Sign(fact, key)
		require.NoError(t, err)
		fact.Signature = sig
		res, err := store.Record(context.Background(), fact)
		require.NoError(t, err)
		require.Equal(t, model.OutcomeAccepted, res.Outcome)
	}

	mock := ledger.NewMock()
	mock.SetBond(&model.BondState{Agent: agent, Balance: 10000, MinimumBond: 1000})
	bonds := ledger.NewBondCache(mock, nil, time.Minute)

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	h := NewLiabilityHandler(service.NewLiabilityAggregator(store, registry), bonds)
	router.GET("/liability/:agent", h.Get)

	req := httptest.NewRequest(http.MethodGet, "/liability/"+agent+"?exclude_gateway=0xG1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		model.LiabilityResponse
		Bond *struct {
			Balance  uint64 `json:"balance"`
			Headroom uint64 `json:"headroom"`
		} `json:"bond"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, uint64(2000), resp.ExternalLiability)
	require.Len(t, resp.Gateways, 1)
	assert.Equal(t, "0xG2", resp.Gateways[0].GatewayID)
	assert.True(t, resp.Gateways[0].Stale) // no heartbeat was ever recorded

	require.NotNil(t, resp.Bond)
	assert.Equal(t, uint64(10000), resp.Bond.Balance)
	assert.Equal(t, uint64(8000), resp.Bond.Headroom)
}

func TestHeartbeatRegistersGateway(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := testRegistry()

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	router.POST("/heartbeat", NewHeartbeatHandler(registry).Post)

	body := []byte(`{"gateway_id":"0xG1","version":"1.4.0","uptime_seconds":3600}`)
	req := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.HeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Registered)
	assert.False(t, registry.IsStale("0xG1"))

	// Second heartbeat is a refresh.
	req = httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Registered)
}
