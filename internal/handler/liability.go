package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/machpay/relayer/internal/ledger"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/pkg/apperrors"
	"github.com/machpay/relayer/internal/pkg/logger"
	"github.com/machpay/relayer/internal/service"
)

type LiabilityHandler struct {
	agg   *service.LiabilityAggregator
	bonds *ledger.BondCache
}

func NewLiabilityHandler(agg *service.LiabilityAggregator, bonds *ledger.BondCache) *LiabilityHandler {
	return &LiabilityHandler{agg: agg, bonds: bonds}
}

type liabilityEnvelope struct {
	model.LiabilityResponse
	Bond *bondView `json:"bond,omitempty"`
}

type bondView struct {
	Balance     uint64 `json:"balance"`
	MinimumBond uint64 `json:"minimum_bond"`
	// Headroom is balance minus external liability, floored at zero. A zero
	// headroom tells the gateway to stop extending credit to this agent.
	Headroom uint64 `json:"headroom"`
}

// Get answers the external-liability query a gateway runs before extending
// credit. The caller's own facts are excluded via ?exclude_gateway so it can
// add its local tally on top.
func (h *LiabilityHandler) Get(c *gin.Context) {
	agent := c.Param("agent")
	if agent == "" {
		c.Error(apperrors.NewInvalidRequest("missing agent"))
		return
	}

	resp, err := h.agg.ExternalLiability(c.Request.Context(), agent, c.Query("exclude_gateway"))
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}

	out := liabilityEnvelope{LiabilityResponse: *resp}
	if h.bonds != nil {
		// Bond state is advisory; a cache or ledger miss degrades the answer
		// rather than failing the query.
		if bond, err := h.bonds.Get(c.Request.Context(), agent); err == nil {
			view := &bondView{Balance: bond.Balance, MinimumBond: bond.MinimumBond}
			if bond.Balance > resp.ExternalLiability {
				view.Headroom = bond.Balance - resp.ExternalLiability
			}
			out.Bond = view
		} else {
			logger.Debug("bond lookup failed", "agent", agent, "error", err.Error())
		}
	}

	c.JSON(http.StatusOK, out)
}
