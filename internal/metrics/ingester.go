// Package metrics implements the heartbeat ingestion path: validating the
// reported sample, persisting it, updating the latest-snapshot cache, and
// notifying the observer broadcaster.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetcore/fleetcore/internal/apperr"
	"github.com/fleetcore/fleetcore/internal/codec"
	"github.com/fleetcore/fleetcore/internal/logging"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/snapshotcache"
	"github.com/fleetcore/fleetcore/internal/store"
)

// Changed is emitted once per accepted heartbeat, after the snapshot cache
// has been updated, for the observer broadcaster to coalesce.
type Changed struct {
	NodeID string
}

// Ingester validates and persists heartbeat samples.
type Ingester struct {
	st       *store.Store
	reg      *registry.Registry
	snapshot *snapshotcache.Cache
	changed  chan<- Changed
}

// New builds an Ingester. changed may be nil if nothing needs to observe
// individual metric_changed events (the channel is best-effort: a full
// channel drops the event rather than blocking ingestion). reg may be nil
// in tests that don't care about the offline->online status_change frame.
func New(st *store.Store, reg *registry.Registry, snapshot *snapshotcache.Cache, changed chan<- Changed) *Ingester {
	return &Ingester{st: st, reg: reg, snapshot: snapshot, changed: changed}
}

// Ingest validates payload for nodeID, persists it on success, and always
// updates the caller with whether a heartbeat_ack should report accepted —
// per contract, the ack is sent unconditionally after validation even when
// the subsequent persist fails, so the agent never enters a retry storm
// over a transient store error. A heartbeat for a node the monitor had
// marked offline transitions it back to online immediately, firing
// node_status_change eagerly (mirroring the heartbeat monitor's own
// offline transition).
func (in *Ingester) Ingest(ctx context.Context, nodeID string, payload codec.MetricSamplePayload) error {
	if err := validatePercentages(payload); err != nil {
		return err
	}

	sample := toSample(nodeID, payload)

	wasOffline := false
	if node, err := in.st.GetNode(ctx, nodeID); err == nil && node != nil {
		wasOffline = node.Status == store.StatusOffline
	}

	err := in.st.InsertMetric(ctx, *sample)
	if err != nil {
		// One retry for a transient store error before the sample is dropped.
		err = in.st.InsertMetric(ctx, *sample)
	}
	if err != nil {
		logging.Metrics().Error().Err(err).Str("node_id", nodeID).Msg("failed to persist metric sample")
		return nil
	}
	if err := in.st.MarkOnline(ctx, nodeID, sample.MetricTime); err != nil {
		logging.Metrics().Error().Err(err).Str("node_id", nodeID).Msg("failed to mark node online")
	} else if wasOffline {
		in.fireStatusChange(nodeID, store.StatusOnline)
	}

	if in.snapshot != nil {
		in.snapshot.Put(ctx, sample)
	}

	if in.changed != nil {
		select {
		case in.changed <- Changed{NodeID: nodeID}:
		default:
			logging.Metrics().Warn().Str("node_id", nodeID).Msg("metric_changed channel full, dropping event")
		}
	}
	return nil
}

func (in *Ingester) fireStatusChange(nodeID, status string) {
	if in.reg == nil {
		return
	}
	env, err := codec.New(codec.TypeNodeStatusChange, codec.NodeStatusChangePayload{NodeID: nodeID, Status: status})
	if err != nil {
		return
	}
	raw, err := codec.Encode(env)
	if err != nil {
		return
	}
	in.reg.BroadcastObservers(raw)
}

func validatePercentages(p codec.MetricSamplePayload) error {
	for name, v := range map[string]*float64{
		"cpu_usage": p.CPUUsage, "memory_usage": p.MemoryUsage, "disk_usage": p.DiskUsage,
	} {
		if v != nil && (*v < 0 || *v > 100) {
			return apperr.ValidationError(fmt.Sprintf("%s must be within [0, 100], got %v", name, *v))
		}
	}
	if p.LoadAverage != nil && *p.LoadAverage < 0 {
		return apperr.ValidationError("load_average must be >= 0")
	}
	return nil
}

func toSample(nodeID string, p codec.MetricSamplePayload) *store.MetricSample {
	metricTime := time.Now().UTC()
	if p.MetricTime != nil {
		if t, err := time.Parse(time.RFC3339, *p.MetricTime); err == nil {
			metricTime = t
		}
	}
	return &store.MetricSample{
		NodeID:          nodeID,
		MetricTime:      metricTime,
		CPUUsage:        p.CPUUsage,
		MemoryUsage:     p.MemoryUsage,
		DiskUsage:       p.DiskUsage,
		LoadAverage:     p.LoadAverage,
		MemoryTotal:     p.MemoryTotal,
		MemoryAvailable: p.MemoryAvailable,
		DiskTotal:       p.DiskTotal,
		DiskAvailable:   p.DiskAvailable,
		Uptime:          p.Uptime,
	}
}
