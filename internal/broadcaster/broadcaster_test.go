package broadcaster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/fleetcore/internal/codec"
	"github.com/fleetcore/fleetcore/internal/metrics"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/snapshotcache"
	"github.com/fleetcore/fleetcore/internal/store"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, *store.Store, *registry.Registry, chan registry.Event, chan metrics.Changed) {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	regEvents := make(chan registry.Event, 16)
	reg := registry.New(regEvents)
	metricsCh := make(chan metrics.Changed, 16)

	b := New(st, reg, snapshotcache.New(nil), regEvents, metricsCh)
	b.window = 50 * time.Millisecond
	go b.Run()
	t.Cleanup(b.Stop)

	return b, st, reg, regEvents, metricsCh
}

func recvFrame(t *testing.T, sess *registry.Session, timeout time.Duration) *codec.Envelope {
	t.Helper()
	select {
	case raw := <-sess.Outbound:
		env, err := codec.Decode(raw)
		require.NoError(t, err)
		return env
	case <-time.After(timeout):
		return nil
	}
}

func TestBroadcaster_CoalescesBurstIntoOneFrame(t *testing.T) {
	_, st, reg, regEvents, _ := newTestBroadcaster(t)
	ctx := context.Background()

	obs := reg.AttachObserver("127.0.0.1:1")

	_, err := st.UpsertNode(ctx, "node-001", store.NodeInfo{Hostname: "a"})
	require.NoError(t, err)
	_, err = st.UpsertNode(ctx, "node-002", store.NodeInfo{Hostname: "b"})
	require.NoError(t, err)

	regEvents <- registry.Event{Kind: registry.EventNodeJoined, NodeID: "node-001"}
	regEvents <- registry.Event{Kind: registry.EventNodeJoined, NodeID: "node-002"}
	regEvents <- registry.Event{Kind: registry.EventNodeInfoChanged, NodeID: "node-001"}

	env := recvFrame(t, obs, time.Second)
	require.NotNil(t, env)
	assert.Equal(t, codec.TypeNodesUpdate, env.Type)

	var payload codec.NodesUpdatePayload
	require.NoError(t, env.DecodeData(&payload))
	assert.Len(t, payload.Nodes, 2)

	// Only one frame should have been produced for the whole burst.
	second := recvFrame(t, obs, 200*time.Millisecond)
	assert.Nil(t, second)
}

func TestBroadcaster_MetricsChangedProducesMetricsUpdate(t *testing.T) {
	_, _, reg, _, metricsCh := newTestBroadcaster(t)
	obs := reg.AttachObserver("127.0.0.1:1")

	metricsCh <- metrics.Changed{NodeID: "node-001"}

	env := recvFrame(t, obs, time.Second)
	require.NotNil(t, env)
	assert.Equal(t, codec.TypeMetricsUpdate, env.Type)
}

func TestBroadcaster_SkipsWorkWhenNoObservers(t *testing.T) {
	_, _, _, regEvents, _ := newTestBroadcaster(t)
	regEvents <- registry.Event{Kind: registry.EventNodeJoined, NodeID: "node-001"}
	time.Sleep(150 * time.Millisecond)
	// No observers attached; nothing to assert beyond "did not panic or block".
}
