package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/pkg/apperrors"
	"github.com/machpay/relayer/internal/service"
)

type HeartbeatHandler struct {
	registry *service.GatewayRegistry
}

func NewHeartbeatHandler(registry *service.GatewayRegistry) *HeartbeatHandler {
	return &HeartbeatHandler{registry: registry}
}

func (h *HeartbeatHandler) Post(c *gin.Context) {
	var req model.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest("invalid heartbeat payload: " + err.Error()))
		return
	}

	registered := h.registry.RecordHeartbeat(req)
	c.JSON(http.StatusOK, model.HeartbeatResponse{
		Status:     "ok",
		Registered: registered,
	})
}
