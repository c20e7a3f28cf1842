// Package snapshotcache holds the process-local "latest sample per node"
// map the observer broadcaster and the REST facade both read from, so
// neither has to round-trip the store for a value that changes every
// heartbeat. It optionally mirrors writes to a shared Redis cache so other
// Core replicas observe the same latest value without a database read.
package snapshotcache

import (
	"context"
	"sync"
	"time"

	"github.com/fleetcore/fleetcore/internal/cache"
	"github.com/fleetcore/fleetcore/internal/logging"
	"github.com/fleetcore/fleetcore/internal/store"
)

// replicaTTL bounds how long a replica-shared entry is trusted before it is
// considered stale; the local map has no expiry of its own: an entry is
// replaced by the node's next newer sample or removed by Delete.
const replicaTTL = 2 * time.Minute

// Cache is a concurrent put-if-newer map of the latest MetricSample per
// node_id, with an optional Redis-backed mirror for cross-replica reads.
type Cache struct {
	mu    sync.RWMutex
	byNode map[string]*store.MetricSample

	shared *cache.Cache // nil-safe: IsEnabled() guards every call
}

// New builds a Cache. shared may be a disabled *cache.Cache (IsEnabled()
// false) when no REDIS_URL is configured; every method degrades to
// local-only behavior in that case.
func New(shared *cache.Cache) *Cache {
	return &Cache{byNode: make(map[string]*store.MetricSample), shared: shared}
}

// Put stores m if it is newer than (or replaces the absence of) the
// currently held sample for its node. Returns true if the value changed.
func (c *Cache) Put(ctx context.Context, m *store.MetricSample) bool {
	c.mu.Lock()
	existing, ok := c.byNode[m.NodeID]
	if ok && !m.MetricTime.After(existing.MetricTime) {
		c.mu.Unlock()
		return false
	}
	c.byNode[m.NodeID] = m
	c.mu.Unlock()

	if c.shared != nil && c.shared.IsEnabled() {
		if err := c.shared.Set(ctx, sharedKey(m.NodeID), m, replicaTTL); err != nil {
			logging.Metrics().Warn().Err(err).Str("node_id", m.NodeID).Msg("failed to mirror metric snapshot to shared cache")
		}
	}
	return true
}

// Get returns the latest known sample for nodeID, or nil if none.
func (c *Cache) Get(nodeID string) *store.MetricSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byNode[nodeID]
}

// All returns a snapshot copy of every node's latest sample.
func (c *Cache) All() map[string]*store.MetricSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*store.MetricSample, len(c.byNode))
	for k, v := range c.byNode {
		out[k] = v
	}
	return out
}

// Delete drops a node's cached sample, used when a node is removed.
func (c *Cache) Delete(ctx context.Context, nodeID string) {
	c.mu.Lock()
	delete(c.byNode, nodeID)
	c.mu.Unlock()

	if c.shared != nil && c.shared.IsEnabled() {
		if err := c.shared.Delete(ctx, sharedKey(nodeID)); err != nil {
			logging.Metrics().Warn().Err(err).Str("node_id", nodeID).Msg("failed to clear shared metric snapshot")
		}
	}
}

func sharedKey(nodeID string) string { return "fleetcore:metric_snapshot:" + nodeID }
