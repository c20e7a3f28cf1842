package driver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/fleetcore/agent/config"
	"github.com/fleetcore/fleetcore/internal/codec"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakeCoreServer accepts a single agent connection, answers node_register
// with success, and echoes back whatever the test scripts it to do.
func fakeCoreServer(t *testing.T, onMessage func(conn *websocket.Conn, env *codec.Envelope)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := codec.Decode(raw)
			if err != nil {
				continue
			}
			if env.Type == codec.TypeNodeRegister {
				resp, _ := codec.New(codec.TypeRegisterResponse, codec.RegisterResponsePayload{Success: true})
				raw, _ := codec.Encode(resp)
				conn.WriteMessage(websocket.TextMessage, raw)
				continue
			}
			if onMessage != nil {
				onMessage(conn, env)
			}
		}
	})
	return httptest.NewServer(mux)
}

func wsURLFor(ts *httptest.Server) string {
	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/api/v1/ws"
	return u.String()
}

func newTestDriver(t *testing.T, coreURL string) *Driver {
	t.Helper()
	cfg := config.Default()
	cfg.Core.URL = coreURL
	cfg.Core.Token = "s3cret"
	cfg.Monitoring.HeartbeatInterval = 5
	cfg.Advanced.ReconnectIntervalSeconds = 1

	idFile := filepath.Join(t.TempDir(), "node-id")
	d, err := New(cfg, idFile)
	require.NoError(t, err)
	return d
}

func TestDriver_ConnectsAndReachesRunningState(t *testing.T) {
	ts := fakeCoreServer(t, nil)
	defer ts.Close()

	d := newTestDriver(t, wsURLFor(ts))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go d.Run(ctx)

	require.Eventually(t, func() bool { return d.State() == StateRunning }, time.Second, 10*time.Millisecond)
}

func TestDriver_PersistsGeneratedNodeID(t *testing.T) {
	idFile := filepath.Join(t.TempDir(), "node-id")
	cfg := config.Default()

	d1, err := New(cfg, idFile)
	require.NoError(t, err)
	assert.NotEmpty(t, d1.NodeID())

	d2, err := New(cfg, idFile)
	require.NoError(t, err)
	assert.Equal(t, d1.NodeID(), d2.NodeID())
}

func TestDriver_ConfiguredNodeIDTakesPrecedence(t *testing.T) {
	idFile := filepath.Join(t.TempDir(), "node-id")
	require.NoError(t, os.WriteFile(idFile, []byte("persisted-id"), 0o644))

	cfg := config.Default()
	cfg.Core.NodeID = "configured-id"

	d, err := New(cfg, idFile)
	require.NoError(t, err)
	assert.Equal(t, "configured-id", d.NodeID())
}

func TestDriver_ExecutesCommandAndReportsResult(t *testing.T) {
	ts := fakeCoreServer(t, nil)
	defer ts.Close()

	d := newTestDriver(t, wsURLFor(ts))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool { return d.State() == StateRunning }, time.Second, 10*time.Millisecond)

	// Drive a synthetic execute_command through the running connection by
	// invoking the handler directly — exercising the same path the read
	// loop would dispatch into.
	out := make(chan []byte, 4)
	d.handleExecuteCommand(ctx, out, codec.ExecuteCommandPayload{CommandID: "cmd-1", Command: "echo hi", Timeout: 5})

	select {
	case raw := <-out:
		env, err := codec.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, codec.TypeCommandStarted, env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected command_started frame")
	}
	select {
	case raw := <-out:
		env, err := codec.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, codec.TypeCommandResult, env.Type)
		var p codec.CommandResultPayload
		require.NoError(t, env.DecodeData(&p))
		assert.Equal(t, 0, p.ExitCode)
		assert.Equal(t, "hi\n", p.Stdout)
	case <-time.After(time.Second):
		t.Fatal("expected command_result frame")
	}
}
