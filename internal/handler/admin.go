package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/pkg/apperrors"
	"github.com/machpay/relayer/internal/repository"
	"github.com/machpay/relayer/internal/service"
)

// AdminHandler exposes the operator surface: gateway registry, batch
// lifecycle, and equivocation evidence.
type AdminHandler struct {
	registry *service.GatewayRegistry
	store    repository.SettlementStore
	batches  repository.BatchRepo
	proofs   repository.ProofRepo
}

func NewAdminHandler(
	registry *service.GatewayRegistry,
	store repository.SettlementStore,
	batches repository.BatchRepo,
	proofs repository.ProofRepo,
) *AdminHandler {
	return &AdminHandler{registry: registry, store: store, batches: batches, proofs: proofs}
}

func (h *AdminHandler) ListGateways(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"gateways": h.registry.Snapshot()})
}

func (h *AdminHandler) ListBatches(c *gin.Context) {
	status := model.BatchStatus(c.Query("status"))
	if status == "" {
		c.Error(apperrors.NewInvalidRequest("missing status query parameter"))
		return
	}

	batches, err := h.batches.ListByStatus(c.Request.Context(), status)
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

func (h *AdminHandler) GetBatch(c *gin.Context) {
	batch, err := h.batches.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrNotFound, "batch not found", err))
		return
	}
	c.JSON(http.StatusOK, batch)
}

// RequeueFailedBatch is the manual-reconciliation step for a permanently
// failed batch: its quarantined facts are released back to pending, where
// the next batching pass picks them up under a fresh idempotency key.
func (h *AdminHandler) RequeueFailedBatch(c *gin.Context) {
	batch, err := h.batches.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrNotFound, "batch not found", err))
		return
	}
	if batch.Status != model.BatchFailed {
		c.Error(apperrors.NewInvalidRequest("only failed batches can be requeued"))
		return
	}

	if err := h.store.Release(c.Request.Context(), batch.Facts); err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	batch.LastError = "released by operator"
	if err := h.batches.Save(c.Request.Context(), batch); err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"batch_id": batch.ID, "released_facts": len(batch.Facts)})
}

func (h *AdminHandler) ListProofs(c *gin.Context) {
	proofs, err := h.proofs.List(c.Request.Context())
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"proofs": proofs})
}
