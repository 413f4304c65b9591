package service

import (
	"testing"
	"time"

	"github.com/machpay/relayer/internal/config"
	"github.com/machpay/relayer/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *GatewayRegistry {
	cfg := &config.Config{Registry: config.RegistryConfig{
		LivenessWindowSeconds: 90,
		SweepIntervalSeconds:  15,
		GatewayQPS:            50,
		GatewayBurst:          100,
	}}
	return NewGatewayRegistry(cfg, nil)
}

func TestFirstHeartbeatRegisters(t *testing.T) {
	r := newTestRegistry()

	registered := r.RecordHeartbeat(model.HeartbeatRequest{GatewayID: "0xG1", Version: "1.4.0"})
	assert.True(t, registered)

	// Later heartbeats refresh, they do not re-register.
	registered = r.RecordHeartbeat(model.HeartbeatRequest{GatewayID: "0xG1", Version: "1.4.0"})
	assert.False(t, registered)

	assert.False(t, r.IsStale("0xG1"))
}

func TestUnknownGatewayIsStale(t *testing.T) {
	r := newTestRegistry()
	assert.True(t, r.IsStale("0xNEVER"))
}

func TestSweepMarksSilentGatewaysStale(t *testing.T) {
	r := newTestRegistry()

	r.RecordHeartbeat(model.HeartbeatRequest{GatewayID: "0xG1"})
	r.RecordHeartbeat(model.HeartbeatRequest{GatewayID: "0xG2"})

	// G1 goes silent past the liveness window, G2 keeps beating.
	r.Sweep(time.Now().Add(2 * time.Minute))
	r.RecordHeartbeat(model.HeartbeatRequest{GatewayID: "0xG2"})

	assert.True(t, r.IsStale("0xG1"))
	assert.False(t, r.IsStale("0xG2"))

	// Stale gateways are annotated, never deleted.
	snap := r.Snapshot()
	require.Len(t, snap, 2)
}

func TestStaleGatewayRevivesOnHeartbeat(t *testing.T) {
	r := newTestRegistry()

	r.RecordHeartbeat(model.HeartbeatRequest{GatewayID: "0xG1"})
	r.Sweep(time.Now().Add(2 * time.Minute))
	require.True(t, r.IsStale("0xG1"))

	registered := r.RecordHeartbeat(model.HeartbeatRequest{GatewayID: "0xG1"})
	assert.False(t, registered)
	assert.False(t, r.IsStale("0xG1"))
}

func TestLimiterIsPerGateway(t *testing.T) {
	r := newTestRegistry()

	l1 := r.Limiter("0xG1")
	l2 := r.Limiter("0xG2")
	require.NotNil(t, l1)
	assert.NotSame(t, l1, l2)
	assert.Same(t, l1, r.Limiter("0xG1"))
	assert.True(t, l1.Allow())
}
