package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/fleetcore/internal/codec"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *registry.Registry) {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New(make(chan registry.Event, 16))
	d := New(Config{Workers: 2, QueueSize: 16}, st, reg)
	d.Start()
	t.Cleanup(d.Stop)
	return d, st, reg
}

func drainOutbound(t *testing.T, sess *registry.Session) codec.Envelope {
	t.Helper()
	select {
	case raw := <-sess.Outbound:
		env, err := codec.Decode(raw)
		require.NoError(t, err)
		return *env
	case <-time.After(time.Second):
		t.Fatal("expected a frame on the session's outbound queue")
		return codec.Envelope{}
	}
}

func TestSubmit_DeliversAndCompletesSuccessfully(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	ctx := context.Background()
	sess := reg.AttachAgent("node-001", "127.0.0.1:1")

	rec, err := d.Submit(ctx, "node-001", "uptime", 30)
	require.NoError(t, err)

	env := drainOutbound(t, sess)
	assert.Equal(t, codec.TypeExecuteCommand, env.Type)
	var payload codec.ExecuteCommandPayload
	require.NoError(t, env.DecodeData(&payload))
	assert.Equal(t, rec.CommandID, payload.CommandID)

	d.HandleStarted(ctx, rec.CommandID)
	d.HandleResult(ctx, codec.CommandResultPayload{CommandID: rec.CommandID, ExitCode: 0, Stdout: "up 1 day"})

	status, result, ok := d.Await(rec.CommandID, time.Second)
	require.True(t, ok)
	assert.Equal(t, store.CommandSuccess, status)
	assert.Equal(t, "up 1 day", result.Stdout)

	stored, err := st.GetCommand(ctx, rec.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandSuccess, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, 0, stored.Result.ExitCode)
}

func TestSubmit_NonZeroExitMarksFailed(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	ctx := context.Background()
	reg.AttachAgent("node-001", "127.0.0.1:1")

	rec, err := d.Submit(ctx, "node-001", "false", 30)
	require.NoError(t, err)

	d.HandleResult(ctx, codec.CommandResultPayload{CommandID: rec.CommandID, ExitCode: 1, Stderr: "boom"})

	status, _, ok := d.Await(rec.CommandID, time.Second)
	require.True(t, ok)
	assert.Equal(t, store.CommandFailed, status)
}

func TestSubmit_NoSessionIsUndeliverable(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	rec, err := d.Submit(ctx, "node-ghost", "uptime", 30)
	require.NoError(t, err)

	status, _, ok := d.Await(rec.CommandID, time.Second)
	require.True(t, ok)
	assert.Equal(t, store.CommandUndeliverable, status)

	stored, err := st.GetCommand(ctx, rec.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandUndeliverable, stored.Status)
}

func TestSubmit_TimesOutWhenNoResultArrives(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	ctx := context.Background()
	reg.AttachAgent("node-001", "127.0.0.1:1")

	rec, err := d.Submit(ctx, "node-001", "sleep 100", 1)
	require.NoError(t, err)

	status, result, ok := d.Await(rec.CommandID, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, store.CommandTimeout, status)
	assert.Equal(t, -1, result.ExitCode)
}

func TestSubmit_ClampsTimeout(t *testing.T) {
	assert.Equal(t, defaultTimeoutSeconds, clampTimeout(0))
	assert.Equal(t, minTimeoutSeconds, clampTimeout(-5))
	assert.Equal(t, maxTimeoutSeconds, clampTimeout(999999))
	assert.Equal(t, 45, clampTimeout(45))
}

func TestHandleResult_LateResultAfterTimeoutIsDiscarded(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	ctx := context.Background()
	reg.AttachAgent("node-001", "127.0.0.1:1")

	rec, err := d.Submit(ctx, "node-001", "sleep 100", 1)
	require.NoError(t, err)

	status, _, ok := d.Await(rec.CommandID, 5*time.Second)
	require.True(t, ok)
	require.Equal(t, store.CommandTimeout, status)

	// A late result must not resurrect an already-terminal command.
	d.HandleResult(ctx, codec.CommandResultPayload{CommandID: rec.CommandID, ExitCode: 0})

	_, found := d.waiters.get(rec.CommandID)
	assert.False(t, found)
}
