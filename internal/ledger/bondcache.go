package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// BondCache fronts Client.GetBond with a TTL-bounded advisory cache. The TTL
// is the explicit staleness bound: within it a cached bond may lag the
// ledger, which is acceptable because bonds are read-mostly and never
// mutated locally.
type BondCache struct {
	client Client
	ttl    time.Duration

	redis *redis.Client // optional; nil falls back to the local map

	mu    sync.RWMutex
	local map[string]*model.BondState
}

func NewBondCache(client Client, rdb *redis.Client, ttl time.Duration) *BondCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BondCache{
		client: client,
		ttl:    ttl,
		redis:  rdb,
		local:  make(map[string]*model.BondState),
	}
}

func (c *BondCache) Get(ctx context.Context, agent string) (*model.BondState, error) {
	if bond := c.cached(ctx, agent); bond != nil {
		return bond, nil
	}

	bond, err := c.client.GetBond(ctx, agent)
	if err != nil {
		return nil, err
	}
	if bond.FetchedAt.IsZero() {
		bond.FetchedAt = time.Now().UTC()
	}
	c.store(ctx, bond)
	return bond, nil
}

func (c *BondCache) cached(ctx context.Context, agent string) *model.BondState {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, bondKey(agent)).Bytes()
		if err == nil {
			var bond model.BondState
			if json.Unmarshal(raw, &bond) == nil {
				return &bond
			}
		} else if err != redis.Nil {
			logger.Warn("bond cache read failed, falling back to ledger", "error", err)
		}
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	bond, ok := c.local[agent]
	if !ok || time.Since(bond.FetchedAt) > c.ttl {
		return nil
	}
	cp := *bond
	return &cp
}

func (c *BondCache) store(ctx context.Context, bond *model.BondState) {
	if c.redis != nil {
		if raw, err := json.Marshal(bond); err == nil {
			if err := c.redis.Set(ctx, bondKey(bond.Agent), raw, c.ttl).Err(); err != nil {
				logger.Warn("bond cache write failed", "error", err)
			}
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *bond
	c.local[bond.Agent] = &cp
}

func bondKey(agent string) string {
	return "bond:" + agent
}
