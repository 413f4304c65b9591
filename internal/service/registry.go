package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/machpay/relayer/internal/config"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/pkg/logger"
	"github.com/machpay/relayer/internal/pkg/metrics"
	"golang.org/x/time/rate"
)

// GatewayRegistry tracks liveness for every gateway that has ever sent a
// heartbeat. Records are never deleted: a silent gateway is marked stale for
// accountability, and staleness is a trust signal only; its recorded
// liability still counts.
type GatewayRegistry struct {
	mu       sync.RWMutex
	records  map[string]*model.GatewayRecord
	limiters map[string]*rate.Limiter

	livenessWindow time.Duration
	sweepInterval  time.Duration
	qps            rate.Limit
	burst          int

	events *EventHub

	ctx    context.Context
	cancel context.CancelFunc
}

func NewGatewayRegistry(cfg *config.Config, events *EventHub) *GatewayRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	qps := cfg.Registry.GatewayQPS
	if qps <= 0 {
		qps = 50
	}
	burst := cfg.Registry.GatewayBurst
	if burst <= 0 {
		burst = 100
	}
	return &GatewayRegistry{
		records:        make(map[string]*model.GatewayRecord),
		limiters:       make(map[string]*rate.Limiter),
		livenessWindow: cfg.Registry.LivenessWindow(),
		sweepInterval:  cfg.Registry.SweepInterval(),
		qps:            rate.Limit(qps),
		burst:          burst,
		events:         events,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches the staleness sweep in a background goroutine.
func (r *GatewayRegistry) Start() {
	go r.sweepLoop()
}

func (r *GatewayRegistry) Stop() {
	r.cancel()
}

// RecordHeartbeat registers or refreshes a gateway. Returns true when the
// gateway was unknown before this heartbeat.
func (r *GatewayRegistry) RecordHeartbeat(req model.HeartbeatRequest) bool {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.records[req.GatewayID]
	if !exists {
		record = &model.GatewayRecord{
			GatewayID:   req.GatewayID,
			FirstSeenAt: now,
		}
		r.records[req.GatewayID] = record
		logger.Info("gateway registered", "gateway_id", req.GatewayID, "version", req.Version)
	}

	record.DeclaredVersion = req.Version
	record.UptimeSeconds = req.UptimeSeconds
	record.Stats = req.Stats
	record.LastHeartbeatAt = now
	record.Status = model.GatewayActive

	metrics.Heartbeats.WithLabelValues(req.GatewayID).Inc()
	return !exists
}

// Limiter returns the rate limiter for a gateway, creating it on first use.
func (r *GatewayRegistry) Limiter(gatewayID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.limiters[gatewayID]
	if !ok {
		limiter = rate.NewLimiter(r.qps, r.burst)
		r.limiters[gatewayID] = limiter
	}
	return limiter
}

// IsStale reports whether a gateway is currently marked stale. Unknown
// gateways are reported stale: the relayer has no liveness evidence at all.
func (r *GatewayRegistry) IsStale(gatewayID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[gatewayID]
	if !ok {
		return true
	}
	return record.Status == model.GatewayStale
}

// Snapshot returns all known gateway records ordered by id.
func (r *GatewayRegistry) Snapshot() []*model.GatewayRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.GatewayRecord, 0, len(r.records))
	for _, record := range r.records {
		cp := *record
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GatewayID < out[j].GatewayID })
	return out
}

func (r *GatewayRegistry) sweepLoop() {
	interval := r.sweepInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now().UTC())
		}
	}
}

// sweep downgrades gateways whose last heartbeat is older than the liveness
// window. Exported for tests via Sweep.
func (r *GatewayRegistry) sweep(now time.Time) {
	window := r.livenessWindow
	if window <= 0 {
		window = 90 * time.Second
	}

	r.mu.Lock()
	var wentStale []string
	for id, record := range r.records {
		if record.Status == model.GatewayActive && now.Sub(record.LastHeartbeatAt) > window {
			record.Status = model.GatewayStale
			wentStale = append(wentStale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range wentStale {
		logger.Warn("gateway went stale", "gateway_id", id, "liveness_window", window.String())
		if r.events != nil {
			r.events.Publish(Event{Type: EventGatewayStale, Data: map[string]any{"gateway_id": id}})
		}
	}
}

// Sweep runs one staleness pass at the given instant.
func (r *GatewayRegistry) Sweep(now time.Time) {
	r.sweep(now)
}
