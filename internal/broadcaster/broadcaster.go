// Package broadcaster fans out node and metric changes to observer
// sessions. Unlike the heartbeat monitor's eager node_status_change
// frames, nodes_update and metrics_update are coalesced: a single-shot
// timer, armed on the first change after quiescence, collapses every
// change inside its window into one outbound frame per observer.
package broadcaster

import (
	"context"
	"time"

	"github.com/fleetcore/fleetcore/internal/codec"
	"github.com/fleetcore/fleetcore/internal/logging"
	"github.com/fleetcore/fleetcore/internal/metrics"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/snapshotcache"
	"github.com/fleetcore/fleetcore/internal/store"
)

// CoalesceWindow is the suggested single-shot delay between the first
// change after quiescence and the broadcast it triggers.
const CoalesceWindow = 500 * time.Millisecond

// Broadcaster owns the nodes/metrics snapshot-refresh-and-fanout loop.
type Broadcaster struct {
	st       *store.Store
	reg      *registry.Registry
	snapshot *snapshotcache.Cache

	regEvents <-chan registry.Event
	metricsCh <-chan metrics.Changed

	window time.Duration
	stopC  chan struct{}
}

// New builds a Broadcaster. regEvents and metricsCh are the channels the
// registry and the metrics ingester publish to.
func New(st *store.Store, reg *registry.Registry, snapshot *snapshotcache.Cache,
	regEvents <-chan registry.Event, metricsCh <-chan metrics.Changed) *Broadcaster {
	return &Broadcaster{
		st: st, reg: reg, snapshot: snapshot,
		regEvents: regEvents, metricsCh: metricsCh,
		window: CoalesceWindow, stopC: make(chan struct{}),
	}
}

// Run blocks, coalescing events into broadcasts until Stop is called.
func (b *Broadcaster) Run() {
	var nodesDirty, metricsDirty bool
	var timer *time.Timer
	var timerC <-chan time.Time

	arm := func() {
		if timer == nil {
			timer = time.NewTimer(b.window)
			timerC = timer.C
		}
	}

	for {
		select {
		case ev, ok := <-b.regEvents:
			if !ok {
				return
			}
			switch ev.Kind {
			case registry.EventNodeJoined, registry.EventNodeLeft, registry.EventNodeInfoChanged:
				nodesDirty = true
				arm()
			}

		case _, ok := <-b.metricsCh:
			if !ok {
				return
			}
			metricsDirty = true
			arm()

		case <-timerC:
			timer = nil
			timerC = nil
			b.flush(nodesDirty, metricsDirty)
			nodesDirty = false
			metricsDirty = false

		case <-b.stopC:
			return
		}
	}
}

// Stop halts the broadcast loop.
func (b *Broadcaster) Stop() { close(b.stopC) }

func (b *Broadcaster) flush(nodesDirty, metricsDirty bool) {
	if b.reg.ObserverCount() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if nodesDirty {
		if raw, ok := b.buildNodesUpdate(ctx); ok {
			b.reg.BroadcastObservers(raw)
		}
	}
	if metricsDirty {
		if raw, ok := b.buildMetricsUpdate(); ok {
			b.reg.BroadcastObservers(raw)
		}
	}
}

func (b *Broadcaster) buildNodesUpdate(ctx context.Context) ([]byte, bool) {
	nodes, err := b.st.AllNodes(ctx)
	if err != nil {
		logging.Broadcaster().Error().Err(err).Msg("failed to load nodes for nodes_update")
		return nil, false
	}

	summaries := make([]codec.NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		summaries = append(summaries, nodeSummary(n))
	}

	return b.encode(codec.TypeNodesUpdate, codec.NodesUpdatePayload{Nodes: summaries})
}

func (b *Broadcaster) buildMetricsUpdate() ([]byte, bool) {
	latest := b.snapshot.All()
	out := make(map[string]codec.MetricSamplePayload, len(latest))
	for nodeID, m := range latest {
		out[nodeID] = metricPayload(m)
	}
	return b.encode(codec.TypeMetricsUpdate, codec.MetricsUpdatePayload{Metrics: out})
}

func (b *Broadcaster) encode(msgType string, payload interface{}) ([]byte, bool) {
	env, err := codec.New(msgType, payload)
	if err != nil {
		logging.Broadcaster().Error().Err(err).Str("type", msgType).Msg("failed to build envelope")
		return nil, false
	}
	raw, err := codec.Encode(env)
	if err != nil {
		logging.Broadcaster().Error().Err(err).Str("type", msgType).Msg("failed to encode envelope")
		return nil, false
	}
	return raw, true
}

// SnapshotFor builds the synthetic nodes_update and metrics_update a newly
// attached observer receives immediately after its welcome message.
func (b *Broadcaster) SnapshotFor(ctx context.Context) (nodesFrame, metricsFrame []byte) {
	nodesFrame, _ = b.buildNodesUpdate(ctx)
	metricsFrame, _ = b.buildMetricsUpdate()
	return
}

func nodeSummary(n *store.Node) codec.NodeSummary {
	s := codec.NodeSummary{
		NodeID: n.NodeID, Hostname: n.Hostname, IPAddress: n.IPAddress, OSInfo: n.OSInfo, Status: n.Status,
	}
	if n.LastHeartbeat != nil {
		ts := n.LastHeartbeat.UTC().Format(time.RFC3339)
		s.LastHeartbeat = &ts
	}
	return s
}

func metricPayload(m *store.MetricSample) codec.MetricSamplePayload {
	ts := m.MetricTime.UTC().Format(time.RFC3339)
	return codec.MetricSamplePayload{
		MetricTime: &ts, CPUUsage: m.CPUUsage, MemoryUsage: m.MemoryUsage, DiskUsage: m.DiskUsage,
		LoadAverage: m.LoadAverage, MemoryTotal: m.MemoryTotal, MemoryAvailable: m.MemoryAvailable,
		DiskTotal: m.DiskTotal, DiskAvailable: m.DiskAvailable, Uptime: m.Uptime,
	}
}
