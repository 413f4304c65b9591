package service

import (
	"context"
	"sort"

	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/repository"
	"github.com/shopspring/decimal"
)

// LiabilityAggregator answers cross-gateway liability queries. Every answer
// is recomputed from the durable store; there is no running total to drift
// or to lose across restarts.
type LiabilityAggregator struct {
	store    repository.SettlementStore
	registry *GatewayRegistry
}

func NewLiabilityAggregator(store repository.SettlementStore, registry *GatewayRegistry) *LiabilityAggregator {
	return &LiabilityAggregator{store: store, registry: registry}
}

// ExternalLiability sums the outstanding liability recorded for an agent by
// every gateway other than excludeGateway. Stale gateways contribute fully;
// staleness is annotated on the breakdown, not used to discard data.
func (a *LiabilityAggregator) ExternalLiability(ctx context.Context, agent, excludeGateway string) (*model.LiabilityResponse, error) {
	sums, err := a.store.LiabilityByGateway(ctx, agent)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := &model.LiabilityResponse{Agent: agent}
	total := decimal.Zero
	for gatewayID, liability := range sums {
		if gatewayID == excludeGateway {
			// The caller adds its own local tally; echoing it back would
			// double-count.
			continue
		}
		stale := false
		if a.registry != nil {
			stale = a.registry.IsStale(gatewayID)
		}
		resp.Gateways = append(resp.Gateways, model.GatewayLiability{
			GatewayID: gatewayID,
			Liability: liability,
			Stale:     stale,
		})
		total = total.Add(decimal.NewFromUint64(liability))
	}

	sort.Slice(resp.Gateways, func(i, j int) bool {
		return resp.Gateways[i].GatewayID < resp.Gateways[j].GatewayID
	})

	// Liability is integral atomic units; the decimal sum guards the
	// accumulation, then narrows back for the wire.
	if !total.IsZero() {
		resp.ExternalLiability = total.BigInt().Uint64()
	}
	return resp, nil
}
