package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/fleetcore/internal/auth"
	"github.com/fleetcore/fleetcore/internal/cache"
	"github.com/fleetcore/fleetcore/internal/dispatcher"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/snapshotcache"
	"github.com/fleetcore/fleetcore/internal/store"
)

const testSecret = "test-shared-secret"

func newTestAPI(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st })

	reg := registry.New(make(chan registry.Event, 16))
	shared, err := cache.NewCache(cache.Config{Enabled: false})
	require.NoError(t, err)
	snap := snapshotcache.New(shared)
	disp := dispatcher.New(dispatcher.Config{}, st, reg)
	disp.Start()
	t.Cleanup(disp.Stop)
	authn := auth.New(testSecret)

	api := New(st, reg, snap, disp, authn)

	r := gin.New()
	group := r.Group("/api/v1")
	api.RegisterRoutes(group)

	return httptest.NewServer(r), st
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealth_DoesNotRequireAuth(t *testing.T) {
	ts, _ := newTestAPI(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "running", body["websocket"])
}

func TestProtectedRoute_RejectsMissingToken(t *testing.T) {
	ts, _ := newTestAPI(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetNode_NotFound(t *testing.T) {
	ts, _ := newTestAPI(t)
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodGet, "/api/v1/nodes/nonexistent", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NODE_NOT_FOUND", body["error_code"])
}

func TestListNodes_ReturnsRegisteredNode(t *testing.T) {
	ts, st := newTestAPI(t)
	defer ts.Close()

	_, err := st.UpsertNode(context.Background(), "node-001", store.NodeInfo{Hostname: "h1"})
	require.NoError(t, err)

	resp := doRequest(t, ts, http.MethodGet, "/api/v1/nodes", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Total int `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Data.Total)
}

func TestSubmitCommand_UndeliverableWhenNodeDisconnected(t *testing.T) {
	ts, st := newTestAPI(t)
	defer ts.Close()

	_, err := st.UpsertNode(context.Background(), "node-002", store.NodeInfo{Hostname: "h2"})
	require.NoError(t, err)

	resp := doRequest(t, ts, http.MethodPost, "/api/v1/nodes/node-002/commands",
		map[string]interface{}{"command_text": "echo hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSubmitCommand_ValidationErrorOnEmptyBody(t *testing.T) {
	ts, _ := newTestAPI(t)
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodPost, "/api/v1/nodes/node-003/commands", map[string]interface{}{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListMetrics_InvalidTimeFormat(t *testing.T) {
	ts, _ := newTestAPI(t)
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodGet, "/api/v1/nodes/node-001/metrics?start_time=not-a-time", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteNode_RemovesNode(t *testing.T) {
	ts, st := newTestAPI(t)
	defer ts.Close()

	_, err := st.UpsertNode(context.Background(), "node-del", store.NodeInfo{Hostname: "h"})
	require.NoError(t, err)

	resp := doRequest(t, ts, http.MethodDelete, "/api/v1/nodes/node-del", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	n, err := st.GetNode(context.Background(), "node-del")
	require.NoError(t, err)
	assert.Nil(t, n)
}

