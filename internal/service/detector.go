package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/machpay/relayer/internal/config"
	"github.com/machpay/relayer/internal/ledger"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/pkg/logger"
	"github.com/machpay/relayer/internal/pkg/metrics"
	"github.com/machpay/relayer/internal/repository"
	"github.com/machpay/relayer/internal/signer"
)

// EquivocationDetector periodically cross-references nonces across gateways.
// It runs on its own schedule, never on the request path: detection is
// best-effort and asynchronous, but a conflicting fact is held out of
// settlement the moment a scan sees it.
type EquivocationDetector struct {
	store  repository.SettlementStore
	proofs repository.ProofRepo
	client ledger.Client
	events *EventHub

	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEquivocationDetector(
	cfg *config.Config,
	store repository.SettlementStore,
	proofs repository.ProofRepo,
	client ledger.Client,
	events *EventHub,
) *EquivocationDetector {
	ctx, cancel := context.WithCancel(context.Background())
	interval := cfg.Detector.Interval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &EquivocationDetector{
		store:    store,
		proofs:   proofs,
		client:   client,
		events:   events,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (d *EquivocationDetector) Start() {
	go d.runLoop()
}

func (d *EquivocationDetector) Stop() {
	d.cancel()
	<-d.done
}

func (d *EquivocationDetector) runLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.Scan(d.ctx); err != nil {
				logger.LogError(d.ctx, err, "equivocation scan failed")
			}
		}
	}
}

// Scan runs one detection pass: construct proofs for new conflicts, then
// retry slashing for any proof not yet consumed.
func (d *EquivocationDetector) Scan(ctx context.Context) error {
	groups, err := d.store.ScanConflicts(ctx)
	if err != nil {
		return err
	}

	for _, group := range groups {
		if err := d.resolveConflict(ctx, group); err != nil {
			logger.LogError(ctx, err, "conflict resolution failed",
				"agent", group.Agent, "nonce", group.Nonce)
		}
	}

	return d.consumeProofs(ctx)
}

func (d *EquivocationDetector) resolveConflict(ctx context.Context, group repository.ConflictGroup) error {
	// Hold every live conflicting fact first so the batcher cannot pick one
	// up while the proof is being constructed.
	var live []*model.SettlementFact
	liveKeys := make([]model.FactKey, 0, len(group.Facts))
	for _, fact := range group.Facts {
		if fact.Status == model.FactPending || fact.Status == model.FactHeld {
			live = append(live, fact)
			liveKeys = append(liveKeys, fact.Key())
		}
	}
	if len(live) == 0 {
		return nil // already resolved
	}
	if err := d.store.Hold(ctx, liveKeys); err != nil {
		return err
	}

	proof, err := d.proofs.ByPair(ctx, group.Agent, group.Nonce)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if proof != nil {
		// One proof per (agent, nonce), ever. Re-mark the proven pair in
		// case a restart interrupted the transition, then supersede any
		// remaining live facts.
		pair := []model.FactKey{proof.First.Key(), proof.Second.Key()}
		if err := d.store.MarkSlashedEvidence(ctx, pair); err != nil {
			return err
		}
		var extras []*model.SettlementFact
		for _, fact := range live {
			if fact.Key() != pair[0] && fact.Key() != pair[1] {
				extras = append(extras, fact)
			}
		}
		return d.supersede(ctx, extras)
	}

	// Facts arrive ordered by received_at then gateway_id; the proof is the
	// two earliest whose signatures independently re-verify.
	var proven []*model.SettlementFact
	for _, fact := range group.Facts {
		if fact.Status == model.FactRejected {
			continue
		}
		if err := signer.Verify(fact); err != nil {
			logger.Warn("conflicting fact failed re-verification, rejecting",
				logger.FactID(fact.Agent, fact.GatewayID, fact.Nonce))
			_ = d.store.MarkRejected(ctx, []model.FactKey{fact.Key()}, model.RejectBadSignature)
			continue
		}
		proven = append(proven, fact)
		if len(proven) == 2 {
			break
		}
	}
	if len(proven) < 2 {
		return nil
	}

	proof = &model.EquivocationProof{
		ID:        uuid.NewString(),
		Agent:     group.Agent,
		Nonce:     group.Nonce,
		First:     *proven[0],
		Second:    *proven[1],
		CreatedAt: time.Now().UTC(),
	}
	if err := d.proofs.Save(ctx, proof); err != nil {
		return err
	}

	if err := d.store.MarkSlashedEvidence(ctx, []model.FactKey{proven[0].Key(), proven[1].Key()}); err != nil {
		return err
	}
	var extras []*model.SettlementFact
	for _, fact := range live {
		if fact.Key() != proven[0].Key() && fact.Key() != proven[1].Key() {
			extras = append(extras, fact)
		}
	}
	if err := d.supersede(ctx, extras); err != nil {
		return err
	}

	metrics.EquivocationsDetected.Inc()
	logger.Warn("equivocation detected",
		"agent", group.Agent,
		"nonce", group.Nonce,
		"gateway_a", proven[0].GatewayID,
		"gateway_b", proven[1].GatewayID,
	)
	if d.events != nil {
		d.events.Publish(Event{Type: EventEquivocationDetected, Data: map[string]any{
			"agent":    group.Agent,
			"nonce":    group.Nonce,
			"proof_id": proof.ID,
		}})
	}
	return nil
}

func (d *EquivocationDetector) supersede(ctx context.Context, facts []*model.SettlementFact) error {
	if len(facts) == 0 {
		return nil
	}
	keys := make([]model.FactKey, 0, len(facts))
	for _, fact := range facts {
		keys = append(keys, fact.Key())
	}
	return d.store.MarkRejected(ctx, keys, model.RejectSupersededBySlash)
}

// consumeProofs submits every unconsumed proof to the ledger for slashing.
// A proof is consumed exactly once; a submission failure leaves it for the
// next scan.
func (d *EquivocationDetector) consumeProofs(ctx context.Context) error {
	pending, err := d.proofs.Unconsumed(ctx)
	if err != nil {
		return err
	}
	for _, proof := range pending {
		slashRef, err := d.client.SubmitSlash(ctx, proof)
		if err != nil {
			logger.LogError(ctx, err, "slash submission failed, will retry",
				"proof_id", proof.ID, "agent", proof.Agent)
			continue
		}
		if err := d.proofs.MarkConsumed(ctx, proof.ID, slashRef); err != nil {
			return err
		}
		logger.Info("slash submitted", "proof_id", proof.ID, "agent", proof.Agent, "slash_ref", slashRef)
	}
	return nil
}
