// Package heartbeat implements the single periodic sweeper that demotes
// nodes whose heartbeat has gone stale while their transport (if any) is
// still open.
package heartbeat

import (
	"context"
	"time"

	"github.com/fleetcore/fleetcore/internal/codec"
	"github.com/fleetcore/fleetcore/internal/logging"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/store"
)

// Config tunes the monitor's cadence and the liveness window.
type Config struct {
	// CheckInterval is how often the sweep runs. Default 10s.
	CheckInterval time.Duration
	// OfflineThreshold is how long without a heartbeat before a node is
	// marked offline. Default 90s; should be >= 3x the agent heartbeat
	// interval.
	OfflineThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = 90 * time.Second
	}
	return c
}

// Monitor runs the offline-detection sweep. It never closes sessions —
// only the persisted status is updated; the session itself is torn down
// independently when its transport actually drops.
type Monitor struct {
	cfg   Config
	st    *store.Store
	reg   *registry.Registry
	stopC chan struct{}
}

// New builds a Monitor.
func New(cfg Config, st *store.Store, reg *registry.Registry) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), st: st, reg: reg, stopC: make(chan struct{})}
}

// Run blocks, sweeping every CheckInterval until Stop is called.
func (m *Monitor) Run() {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopC:
			return
		}
	}
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() { close(m.stopC) }

func (m *Monitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-m.cfg.OfflineThreshold)
	staleIDs, err := m.st.StaleNodes(ctx, cutoff)
	if err != nil {
		logging.Heartbeat().Error().Err(err).Msg("stale node sweep query failed")
		return
	}

	for _, nodeID := range staleIDs {
		if err := m.st.MarkOffline(ctx, nodeID); err != nil {
			logging.Heartbeat().Error().Err(err).Str("node_id", nodeID).Msg("failed to mark node offline")
			continue
		}
		logging.Heartbeat().Info().Str("node_id", nodeID).Msg("node marked offline (heartbeat stale)")
		m.fireStatusChange(nodeID, store.StatusOffline)
	}
}

func (m *Monitor) fireStatusChange(nodeID, status string) {
	env, err := codec.New(codec.TypeNodeStatusChange, codec.NodeStatusChangePayload{
		NodeID: nodeID, Status: status,
	})
	if err != nil {
		logging.Heartbeat().Error().Err(err).Msg("failed to build node_status_change envelope")
		return
	}
	raw, err := codec.Encode(env)
	if err != nil {
		logging.Heartbeat().Error().Err(err).Msg("failed to encode node_status_change envelope")
		return
	}
	m.reg.BroadcastObservers(raw)
}
