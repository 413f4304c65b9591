package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/machpay/relayer/internal/config"
	"github.com/machpay/relayer/internal/ledger"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/pkg/logger"
	"github.com/machpay/relayer/internal/pkg/metrics"
	"github.com/machpay/relayer/internal/repository"
	"github.com/shopspring/decimal"
)

// SettlementBatcher groups pending facts per vendor into cumulative-transfer
// instructions and drives them to a terminal ledger outcome. It runs on its
// own schedule so a slow ledger never blocks the gateway-facing API.
//
// Batch construction for a vendor is serialized: one in-flight batch per
// vendor at a time, so total recomputation stays consistent.
type SettlementBatcher struct {
	store   repository.SettlementStore
	batches repository.BatchRepo
	client  ledger.Client
	events  *EventHub

	interval      time.Duration
	ledgerTimeout time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
	maxAttempts   int
	maxBatchSize  int

	mu       sync.Mutex
	inflight map[string]bool // vendor -> batch in flight

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSettlementBatcher(
	cfg *config.Config,
	store repository.SettlementStore,
	batches repository.BatchRepo,
	client ledger.Client,
	events *EventHub,
) *SettlementBatcher {
	ctx, cancel := context.WithCancel(context.Background())
	b := &SettlementBatcher{
		store:         store,
		batches:       batches,
		client:        client,
		events:        events,
		interval:      cfg.Batcher.Interval(),
		ledgerTimeout: cfg.Ledger.Timeout(),
		backoffBase:   cfg.Batcher.BackoffBase(),
		backoffMax:    cfg.Batcher.BackoffMax(),
		maxAttempts:   cfg.Batcher.MaxAttempts,
		maxBatchSize:  cfg.Batcher.MaxBatchSize,
		inflight:      make(map[string]bool),
		kick:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	if b.interval <= 0 {
		b.interval = 10 * time.Second
	}
	if b.ledgerTimeout <= 0 {
		b.ledgerTimeout = 10 * time.Second
	}
	if b.backoffBase <= 0 {
		b.backoffBase = 2 * time.Second
	}
	if b.backoffMax <= 0 {
		b.backoffMax = 5 * time.Minute
	}
	if b.maxAttempts <= 0 {
		b.maxAttempts = 5
	}
	if b.maxBatchSize <= 0 {
		b.maxBatchSize = 500
	}
	return b
}

func (b *SettlementBatcher) Start() {
	go b.runLoop()
}

func (b *SettlementBatcher) Stop() {
	b.cancel()
	<-b.done
}

// Kick requests an early batching pass, used as a backlog trigger by the
// settlement submission handler. Non-blocking.
func (b *SettlementBatcher) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *SettlementBatcher) runLoop() {
	defer close(b.done)

	// Batches left in-flight by a crash are resolved by re-query before any
	// new work: a transfer must never commit twice.
	if err := b.resolveUnknown(b.ctx); err != nil {
		logger.LogError(b.ctx, err, "startup batch recovery failed")
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		case <-b.kick:
		}
		if err := b.RunOnce(b.ctx); err != nil {
			logger.LogError(b.ctx, err, "batching pass failed")
		}
	}
}

// RunOnce executes one full batching pass: resolve unknown outcomes, confirm
// bond debits for committed batches, then build and submit one batch per
// vendor with work pending.
func (b *SettlementBatcher) RunOnce(ctx context.Context) error {
	if err := b.resolveUnknown(ctx); err != nil {
		return err
	}
	if err := b.confirmDebits(ctx); err != nil {
		return err
	}

	vendors, err := b.pendingVendors(ctx)
	if err != nil {
		return err
	}
	for _, vendor := range vendors {
		if err := b.ProcessVendor(ctx, vendor); err != nil {
			logger.LogError(ctx, err, "vendor batch failed", "vendor", vendor)
		}
	}
	return nil
}

// pendingVendors unions vendors with pending facts and vendors with requeued
// batches whose backoff may have elapsed.
func (b *SettlementBatcher) pendingVendors(ctx context.Context) ([]string, error) {
	vendors, err := b.store.PendingVendors(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(vendors))
	for _, v := range vendors {
		seen[v] = true
	}
	requeued, err := b.batches.ListByStatus(ctx, model.BatchRequeued)
	if err != nil {
		return nil, err
	}
	for _, batch := range requeued {
		if !seen[batch.Vendor] {
			seen[batch.Vendor] = true
			vendors = append(vendors, batch.Vendor)
		}
	}
	return vendors, nil
}

// ProcessVendor builds (or re-loads) and submits at most one batch for the
// vendor. A second call while one is in flight is a no-op.
func (b *SettlementBatcher) ProcessVendor(ctx context.Context, vendor string) error {
	b.mu.Lock()
	if b.inflight[vendor] {
		b.mu.Unlock()
		return nil
	}
	b.inflight[vendor] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inflight, vendor)
		b.mu.Unlock()
	}()

	metrics.BatchesInFlight.Inc()
	defer metrics.BatchesInFlight.Dec()

	batch, facts, err := b.nextBatch(ctx, vendor)
	if err != nil || batch == nil {
		return err
	}
	return b.submit(ctx, batch, facts)
}

// nextBatch prefers a requeued batch whose backoff has elapsed; otherwise it
// builds a fresh batch from pending facts. Returns (nil, nil, nil) when the
// vendor has no work.
func (b *SettlementBatcher) nextBatch(ctx context.Context, vendor string) (*model.SettlementBatch, []*model.SettlementFact, error) {
	now := time.Now().UTC()

	batch, err := b.batches.DueRequeued(ctx, vendor, now)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, err
	}
	if batch != nil {
		facts := make([]*model.SettlementFact, 0, len(batch.Facts))
		for _, key := range batch.Facts {
			fact, err := b.store.Get(ctx, key)
			if err != nil {
				return nil, nil, fmt.Errorf("load batch fact: %w", err)
			}
			// A constituent can leave the batching path while the batch waits
			// out its backoff, e.g. when the detector slashes it. Resubmitting
			// would settle a fact that is no longer owed, so the whole batch
			// fails with the offending fact in the operator-visible error.
			if fact.Status != model.FactPending {
				reason := fmt.Sprintf("fact %s/%s/%d is %s, batch cannot be resubmitted",
					fact.Agent, fact.GatewayID, fact.Nonce, fact.Status)
				return nil, nil, b.fail(ctx, batch, reason)
			}
			facts = append(facts, fact)
		}
		total, err := recomputeTotal(facts)
		if err != nil {
			return nil, nil, err
		}
		batch.TotalAmount = total
		return batch, facts, nil
	}

	facts, err := b.store.PendingByVendor(ctx, vendor, b.maxBatchSize)
	if err != nil {
		return nil, nil, err
	}
	if len(facts) == 0 {
		return nil, nil, nil
	}

	total, err := recomputeTotal(facts)
	if err != nil {
		return nil, nil, err
	}
	keys := make([]model.FactKey, 0, len(facts))
	for _, fact := range facts {
		keys = append(keys, fact.Key())
	}
	return &model.SettlementBatch{
		ID:          uuid.NewString(),
		Vendor:      vendor,
		Facts:       keys,
		TotalAmount: total,
		Status:      model.BatchBuilding,
		CreatedAt:   now,
	}, facts, nil
}

// recomputeTotal sums constituent amounts. The sum is computed in decimal
// and required to fit uint64, so no batch can settle with a silently
// wrapped total.
func recomputeTotal(facts []*model.SettlementFact) (uint64, error) {
	total := decimal.Zero
	for _, fact := range facts {
		total = total.Add(decimal.NewFromUint64(fact.Amount))
	}
	maxU64 := decimal.NewFromUint64(^uint64(0))
	if total.GreaterThan(maxU64) {
		return 0, fmt.Errorf("batch total %s overflows uint64", total.String())
	}
	return total.BigInt().Uint64(), nil
}

func (b *SettlementBatcher) submit(ctx context.Context, batch *model.SettlementBatch, facts []*model.SettlementFact) error {
	if batch.AttemptCount >= b.maxAttempts {
		return b.fail(ctx, batch, "attempt limit reached before submission")
	}

	batch.Status = model.BatchSubmitted
	batch.AttemptCount++
	// Persisted before the external call: if we crash mid-submission, the
	// restart path re-queries this batch by its idempotency key instead of
	// blindly resubmitting.
	if err := b.batches.Save(ctx, batch); err != nil {
		return err
	}

	instr := ledger.TransferInstruction{
		IdempotencyKey: batch.ID,
		Vendor:         batch.Vendor,
		TotalAmount:    batch.TotalAmount,
		Proofs:         make([]ledger.TransferProof, 0, len(facts)),
	}
	for _, fact := range facts {
		instr.Proofs = append(instr.Proofs, ledger.TransferProof{
			Agent:     fact.Agent,
			GatewayID: fact.GatewayID,
			Amount:    fact.Amount,
			Nonce:     fact.Nonce,
			Signature: fact.Signature,
		})
	}

	submitCtx, cancel := context.WithTimeout(ctx, b.ledgerTimeout)
	defer cancel()

	txRef, err := b.client.SubmitTransfer(submitCtx, instr)
	switch {
	case err == nil:
		return b.commit(ctx, batch, txRef)

	case errors.Is(err, ledger.ErrRejected):
		// Business-rule failure. The whole batch is requeued as-is: silent
		// partial exclusion could mask which agent caused the shortfall.
		return b.requeue(ctx, batch, err)

	default:
		// Unavailable or timed out: outcome unknown. Re-query before any
		// retry; the transfer may have committed.
		return b.resolveBatch(ctx, batch, err)
	}
}

// resolveBatch settles the fate of a batch whose submission outcome is
// unknown. If the query itself fails the batch stays in submitted state and
// is retried by the next pass.
func (b *SettlementBatcher) resolveBatch(ctx context.Context, batch *model.SettlementBatch, submitErr error) error {
	txRef, found, err := b.client.QueryTransfer(ctx, batch.ID)
	if err != nil {
		logger.LogError(ctx, err, "batch outcome query failed, leaving in submitted state",
			"batch_id", batch.ID, "vendor", batch.Vendor)
		return nil
	}
	if found {
		logger.Info("batch committed despite submission error",
			"batch_id", batch.ID, "vendor", batch.Vendor, "tx_ref", txRef)
		return b.commit(ctx, batch, txRef)
	}
	return b.requeue(ctx, batch, submitErr)
}

// commit atomically transitions every constituent fact to settled and stamps
// the ledger transaction reference.
func (b *SettlementBatcher) commit(ctx context.Context, batch *model.SettlementBatch, txRef string) error {
	if err := b.store.MarkSettled(ctx, batch.Facts, txRef); err != nil {
		return err
	}
	batch.Status = model.BatchCommitted
	batch.LedgerTxRef = txRef
	batch.LastError = ""
	if err := b.batches.Save(ctx, batch); err != nil {
		return err
	}

	metrics.BatchOutcomes.WithLabelValues("committed").Inc()
	logger.Info("batch committed",
		"batch_id", batch.ID,
		"vendor", batch.Vendor,
		"facts", len(batch.Facts),
		"total_amount", batch.TotalAmount,
		"tx_ref", txRef,
	)
	if b.events != nil {
		b.events.Publish(Event{Type: EventBatchCommitted, Data: map[string]any{
			"batch_id":     batch.ID,
			"vendor":       batch.Vendor,
			"total_amount": batch.TotalAmount,
			"tx_ref":       txRef,
		}})
	}
	return nil
}

func (b *SettlementBatcher) requeue(ctx context.Context, batch *model.SettlementBatch, cause error) error {
	if batch.AttemptCount >= b.maxAttempts {
		return b.fail(ctx, batch, cause.Error())
	}

	backoff := b.backoffBase << (batch.AttemptCount - 1)
	if backoff > b.backoffMax || backoff <= 0 {
		backoff = b.backoffMax
	}
	batch.Status = model.BatchRequeued
	batch.NextAttemptAt = time.Now().UTC().Add(backoff)
	batch.LastError = cause.Error()
	if err := b.batches.Save(ctx, batch); err != nil {
		return err
	}

	metrics.BatchOutcomes.WithLabelValues("requeued").Inc()
	logger.Warn("batch requeued",
		"batch_id", batch.ID,
		"vendor", batch.Vendor,
		"attempt", batch.AttemptCount,
		"next_attempt_at", batch.NextAttemptAt,
		"error", cause.Error(),
	)
	if b.events != nil {
		b.events.Publish(Event{Type: EventBatchRequeued, Data: map[string]any{
			"batch_id": batch.ID,
			"vendor":   batch.Vendor,
			"attempt":  batch.AttemptCount,
		}})
	}
	return nil
}

// fail marks a batch permanently failed and quarantines its facts: they
// still count as liability but leave the batching path until an operator
// reconciles them, so a poisoned batch cannot loop forever under a fresh id.
func (b *SettlementBatcher) fail(ctx context.Context, batch *model.SettlementBatch, reason string) error {
	if err := b.store.Hold(ctx, batch.Facts); err != nil {
		return err
	}
	batch.Status = model.BatchFailed
	batch.LastError = reason
	if err := b.batches.Save(ctx, batch); err != nil {
		return err
	}

	metrics.BatchOutcomes.WithLabelValues("failed").Inc()
	logger.Error("batch permanently failed, manual reconciliation required",
		"batch_id", batch.ID,
		"vendor", batch.Vendor,
		"attempts", batch.AttemptCount,
		"error", reason,
	)
	if b.events != nil {
		b.events.Publish(Event{Type: EventBatchFailed, Data: map[string]any{
			"batch_id": batch.ID,
			"vendor":   batch.Vendor,
			"error":    reason,
		}})
	}
	return nil
}

// resolveUnknown re-queries every batch stranded in submitted state, e.g.
// after a crash mid-submission.
func (b *SettlementBatcher) resolveUnknown(ctx context.Context) error {
	stranded, err := b.batches.Submitted(ctx)
	if err != nil {
		return err
	}
	for _, batch := range stranded {
		if err := b.resolveBatch(ctx, batch, errors.New("submission outcome unknown")); err != nil {
			logger.LogError(ctx, err, "batch recovery failed", "batch_id", batch.ID)
		}
	}
	return nil
}

// confirmDebits promotes committed batches to reconciled once the ledger
// reports their bond debits, releasing the facts from liability sums.
func (b *SettlementBatcher) confirmDebits(ctx context.Context) error {
	committed, err := b.batches.ListByStatus(ctx, model.BatchCommitted)
	if err != nil {
		return err
	}
	for _, batch := range committed {
		debited, err := b.client.TransferDebited(ctx, batch.LedgerTxRef)
		if err != nil || !debited {
			continue
		}
		if err := b.store.MarkDebited(ctx, batch.LedgerTxRef); err != nil {
			return err
		}
		batch.Status = model.BatchReconciled
		if err := b.batches.Save(ctx, batch); err != nil {
			return err
		}
		metrics.BatchOutcomes.WithLabelValues("reconciled").Inc()
	}
	return nil
}
