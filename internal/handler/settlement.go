package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/machpay/relayer/internal/middleware"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/pkg/apperrors"
	"github.com/machpay/relayer/internal/pkg/logger"
	"github.com/machpay/relayer/internal/pkg/metrics"
	"github.com/machpay/relayer/internal/repository"
	"github.com/machpay/relayer/internal/service"
)

type SettlementHandler struct {
	store   repository.SettlementStore
	batcher *service.SettlementBatcher
}

func NewSettlementHandler(store repository.SettlementStore, batcher *service.SettlementBatcher) *SettlementHandler {
	return &SettlementHandler{store: store, batcher: batcher}
}

// Post ingests a gateway's settlement batch. Recording is per item: one bad
// intent never fails the delivery, and redelivered items come back as
// accepted so gateways can retry blindly.
func (h *SettlementHandler) Post(c *gin.Context) {
	var req model.SettlementSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest("invalid settlement payload: " + err.Error()))
		return
	}
	if gw, ok := c.Get(middleware.ContextGatewayKey); ok && gw.(string) != req.GatewayID {
		c.Error(apperrors.New(apperrors.ErrAuthFailed, "envelope gateway_id does not match submitting gateway", nil))
		return
	}
	if len(req.Batch) == 0 {
		c.Error(apperrors.NewInvalidRequest("empty settlement batch"))
		return
	}

	resp := model.SettlementResponse{Results: make([]model.ItemResult, 0, len(req.Batch))}
	for _, item := range req.Batch {
		fact := item.Fact(req.GatewayID)
		res, err := h.store.Record(c.Request.Context(), fact)
		if err != nil {
			c.Error(apperrors.Wrap(err))
			return
		}

		metrics.FactsRecorded.WithLabelValues(string(res.Outcome)).Inc()
		resp.Results = append(resp.Results, model.ItemResult{
			Nonce:   fact.Nonce,
			Outcome: res.Outcome,
			Reason:  res.Reason,
		})
		switch res.Outcome {
		case model.OutcomeRejected:
			resp.Rejected++
			logger.Warn("settlement intent rejected",
				"reason", res.Reason,
				logger.FactID(fact.Agent, fact.GatewayID, fact.Nonce))
		default:
			resp.Accepted++
		}
	}

	if resp.Accepted > 0 && h.batcher != nil {
		h.batcher.Kick()
	}
	c.JSON(http.StatusOK, resp)
}
