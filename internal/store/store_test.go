package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func ptr(f float64) *float64 { return &f }

func TestListNodes_FiltersByStatusAndPaginates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		nodeID := "node-" + string(rune('a'+i))
		_, err := st.UpsertNode(ctx, nodeID, NodeInfo{Hostname: nodeID})
		require.NoError(t, err)
	}
	require.NoError(t, st.MarkOnline(ctx, "node-a", time.Now().UTC()))
	require.NoError(t, st.MarkOnline(ctx, "node-b", time.Now().UTC()))

	online, total, err := st.ListNodes(ctx, NodeFilter{Status: StatusOnline})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, online, 2)

	offline, total, err := st.ListNodes(ctx, NodeFilter{Status: StatusOffline})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, offline, 3)

	page1, total, err := st.ListNodes(ctx, NodeFilter{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "node-a", page1[0].NodeID)
	assert.Equal(t, "node-b", page1[1].NodeID)

	page2, total, err := st.ListNodes(ctx, NodeFilter{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page2, 2)
	assert.Equal(t, "node-c", page2[0].NodeID)
	assert.Equal(t, "node-d", page2[1].NodeID)
}

func TestNodeStats_CountsByStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertNode(ctx, "node-1", NodeInfo{Hostname: "h1"})
	require.NoError(t, err)
	_, err = st.UpsertNode(ctx, "node-2", NodeInfo{Hostname: "h2"})
	require.NoError(t, err)
	_, err = st.UpsertNode(ctx, "node-3", NodeInfo{Hostname: "h3"})
	require.NoError(t, err)
	require.NoError(t, st.MarkOnline(ctx, "node-1", time.Now().UTC()))

	stats, err := st.NodeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Online)
	assert.Equal(t, 2, stats.Offline)
}

func TestCleanupStaleNodes_RemovesOnlyOfflineNodesPastCutoff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertNode(ctx, "stale-never-heard", NodeInfo{Hostname: "h1"})
	require.NoError(t, err)
	_, err = st.UpsertNode(ctx, "stale-online", NodeInfo{Hostname: "h3"})
	require.NoError(t, err)

	// Backdate both nodes' registration so the cutoff below falls after
	// them but before fresh-never-heard, created next.
	_, err = st.DB().ExecContext(ctx, `UPDATE nodes SET registered_at = ? WHERE node_id IN (?, ?)`,
		time.Now().UTC().Add(-2*time.Hour), "stale-never-heard", "stale-online")
	require.NoError(t, err)

	cutoff := time.Now().UTC()

	_, err = st.UpsertNode(ctx, "fresh-never-heard", NodeInfo{Hostname: "h2"})
	require.NoError(t, err)

	// stale-online is online, so it must survive the sweep even though its
	// heartbeat predates cutoff.
	require.NoError(t, st.MarkOnline(ctx, "stale-online", cutoff.Add(-2*time.Hour)))

	removed, err := st.CleanupStaleNodes(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	remaining, total, err := st.ListNodes(ctx, NodeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	ids := []string{remaining[0].NodeID, remaining[1].NodeID}
	assert.Contains(t, ids, "fresh-never-heard")
	assert.Contains(t, ids, "stale-online")
}

func TestListCommands_FiltersByStatusAndNodeWithPagination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	mk := func(id, node, status string, createdAt time.Time) {
		require.NoError(t, st.CreateCommand(ctx, &CommandRecord{
			CommandID: id, TargetNodeID: node, CommandText: "true",
			TimeoutSeconds: 30, Status: CommandPending, CreatedAt: createdAt,
		}))
		if status != CommandPending {
			require.NoError(t, st.TransitionCommand(ctx, id, status, createdAt))
		}
	}
	mk("cmd-1", "node-a", CommandSuccess, now.Add(-3*time.Minute))
	mk("cmd-2", "node-a", CommandFailed, now.Add(-2*time.Minute))
	mk("cmd-3", "node-b", CommandSuccess, now.Add(-1*time.Minute))

	byNode, err := st.ListCommands(ctx, CommandFilter{NodeID: "node-a"})
	require.NoError(t, err)
	require.Len(t, byNode, 2)
	// most recent first
	assert.Equal(t, "cmd-2", byNode[0].CommandID)
	assert.Equal(t, "cmd-1", byNode[1].CommandID)

	byStatus, err := st.ListCommands(ctx, CommandFilter{Status: CommandSuccess})
	require.NoError(t, err)
	require.Len(t, byStatus, 2)

	page, err := st.ListCommands(ctx, CommandFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "cmd-2", page[0].CommandID)
}

func TestSummary_ComputesAvgAndMaxOverRange(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertNode(ctx, "node-1", NodeInfo{Hostname: "h1"})
	require.NoError(t, err)

	base := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, st.InsertMetric(ctx, MetricSample{
		NodeID: "node-1", MetricTime: base, CPUUsage: ptr(10), MemoryUsage: ptr(50),
	}))
	require.NoError(t, st.InsertMetric(ctx, MetricSample{
		NodeID: "node-1", MetricTime: base.Add(1 * time.Minute), CPUUsage: ptr(30), MemoryUsage: ptr(70),
	}))
	// outside the range, must not affect the aggregation.
	require.NoError(t, st.InsertMetric(ctx, MetricSample{
		NodeID: "node-1", MetricTime: base.Add(-1 * time.Hour), CPUUsage: ptr(99), MemoryUsage: ptr(99),
	}))

	sum, err := st.Summary(ctx, "node-1", base.Add(-1*time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, sum.Count)
	require.NotNil(t, sum.AvgCPU)
	assert.Equal(t, 20.0, *sum.AvgCPU)
	require.NotNil(t, sum.MaxCPU)
	assert.Equal(t, 30.0, *sum.MaxCPU)
	require.NotNil(t, sum.AvgMemory)
	assert.Equal(t, 60.0, *sum.AvgMemory)
	require.NotNil(t, sum.MaxMemory)
	assert.Equal(t, 70.0, *sum.MaxMemory)
}

func TestPruneMetrics_SecondCallAtSameCutoffDeletesNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertNode(ctx, "node-1", NodeInfo{Hostname: "h1"})
	require.NoError(t, err)

	cutoff := time.Now().UTC()
	require.NoError(t, st.InsertMetric(ctx, MetricSample{
		NodeID: "node-1", MetricTime: cutoff.Add(-1 * time.Hour), CPUUsage: ptr(5),
	}))
	require.NoError(t, st.InsertMetric(ctx, MetricSample{
		NodeID: "node-1", MetricTime: cutoff.Add(1 * time.Hour), CPUUsage: ptr(5),
	}))

	removed, err := st.PruneMetrics(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removedAgain, err := st.PruneMetrics(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removedAgain)
}
