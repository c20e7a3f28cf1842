// Package restapi implements the HTTP control-plane facade: health, node
// inventory, metrics history, and command submission. It never holds a
// core lock across a network wait — every handler calls into store/
// registry/dispatcher and returns, following the same route-group-plus-
// gin.H{} convention the ambient stack uses elsewhere.
package restapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetcore/fleetcore/internal/apperr"
	"github.com/fleetcore/fleetcore/internal/auth"
	"github.com/fleetcore/fleetcore/internal/dispatcher"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/snapshotcache"
	"github.com/fleetcore/fleetcore/internal/store"
)

// API wires the REST facade's dependencies.
type API struct {
	store      *store.Store
	reg        *registry.Registry
	snapshot   *snapshotcache.Cache
	dispatcher *dispatcher.Dispatcher
	authn      *auth.Authenticator
}

// New builds the facade.
func New(st *store.Store, reg *registry.Registry, snapshot *snapshotcache.Cache, disp *dispatcher.Dispatcher, authn *auth.Authenticator) *API {
	return &API{store: st, reg: reg, snapshot: snapshot, dispatcher: disp, authn: authn}
}

// RegisterRoutes mounts every endpoint under the given router group
// (typically "/api/v1").
func (a *API) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/health", a.health)

	r.Use(a.requireBearer)

	r.GET("/nodes", a.listNodes)
	r.GET("/nodes/stats", a.nodeStats)
	r.GET("/nodes/cleanup", a.cleanupNodes)
	r.GET("/nodes/:node_id", a.getNode)
	r.DELETE("/nodes/:node_id", a.deleteNode)

	r.GET("/nodes/:node_id/metrics/latest", a.latestMetric)
	r.GET("/nodes/:node_id/metrics/summary", a.metricsSummary)
	r.GET("/nodes/:node_id/metrics", a.listMetrics)
	r.GET("/metrics/latest", a.allLatestMetrics)
	r.GET("/metrics/stats", a.metricsStats)

	r.POST("/nodes/:node_id/commands", a.submitCommand)
	r.GET("/commands/:command_id", a.getCommand)
	r.GET("/nodes/:node_id/commands", a.listNodeCommands)
	r.GET("/commands", a.listCommands)
}

// requireBearer enforces the shared secret on every route except /health,
// accepting either a "token" query param or an Authorization: Bearer header.
func (a *API) requireBearer(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if h := c.GetHeader("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
	}
	if !a.authn.Check(token) {
		fail(c, apperr.InvalidToken())
		c.Abort()
		return
	}
	c.Next()
}

func (a *API) health(c *gin.Context) {
	wsStatus := "down"
	if a.reg != nil {
		wsStatus = "running"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "websocket": wsStatus})
}

// ok renders the REST success envelope from §6.
func ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{
		"success":   true,
		"message":   message,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func fail(c *gin.Context, err *apperr.AppError) {
	c.JSON(err.StatusCode, err.ToResponse())
}

func (a *API) listNodes(c *gin.Context) {
	filter := store.NodeFilter{Status: c.Query("status")}
	filter.Page, _ = strconv.Atoi(c.Query("page"))
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))

	nodes, total, err := a.store.ListNodes(c.Request.Context(), filter)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	ok(c, http.StatusOK, "nodes listed", gin.H{"nodes": nodes, "total": total})
}

func (a *API) getNode(c *gin.Context) {
	nodeID := c.Param("node_id")
	n, err := a.store.GetNode(c.Request.Context(), nodeID)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	if n == nil {
		fail(c, apperr.NodeNotFound(nodeID))
		return
	}
	ok(c, http.StatusOK, "node found", n)
}

func (a *API) deleteNode(c *gin.Context) {
	nodeID := c.Param("node_id")
	existed, err := a.store.DeleteNode(c.Request.Context(), nodeID)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	if !existed {
		fail(c, apperr.NodeNotFound(nodeID))
		return
	}
	a.snapshot.Delete(c.Request.Context(), nodeID)
	ok(c, http.StatusOK, "node deleted", gin.H{"node_id": nodeID})
}

func (a *API) nodeStats(c *gin.Context) {
	stats, err := a.store.NodeStats(c.Request.Context())
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	ok(c, http.StatusOK, "node stats", stats)
}

func (a *API) cleanupNodes(c *gin.Context) {
	minutes, _ := strconv.Atoi(c.Query("timeout_minutes"))
	if minutes <= 0 {
		minutes = 60
	}
	cutoff := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	removed, err := a.store.CleanupStaleNodes(c.Request.Context(), cutoff)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	ok(c, http.StatusOK, "stale nodes removed", gin.H{"removed": removed})
}

func (a *API) latestMetric(c *gin.Context) {
	nodeID := c.Param("node_id")
	if cached := a.snapshot.Get(nodeID); cached != nil {
		ok(c, http.StatusOK, "latest metric", cached)
		return
	}
	m, err := a.store.LatestMetric(c.Request.Context(), nodeID)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	if m == nil {
		fail(c, apperr.NoMetricsData(nodeID))
		return
	}
	ok(c, http.StatusOK, "latest metric", m)
}

func (a *API) allLatestMetrics(c *gin.Context) {
	all := a.snapshot.All()
	samples := make([]*store.MetricSample, 0, len(all))
	for _, m := range all {
		samples = append(samples, m)
	}
	ok(c, http.StatusOK, "latest metrics", gin.H{"metrics": samples})
}

func (a *API) listMetrics(c *gin.Context) {
	nodeID := c.Param("node_id")
	start, end, aerr := parseTimeRange(c)
	if aerr != nil {
		fail(c, aerr)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	samples, err := a.store.ListMetrics(c.Request.Context(), nodeID, start, end, limit, offset)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	ok(c, http.StatusOK, "metrics listed", gin.H{"metrics": samples})
}

func (a *API) metricsSummary(c *gin.Context) {
	nodeID := c.Param("node_id")
	start, end, aerr := parseTimeRange(c)
	if aerr != nil {
		fail(c, aerr)
		return
	}
	summary, err := a.store.Summary(c.Request.Context(), nodeID, start, end)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	ok(c, http.StatusOK, "metrics summary", summary)
}

func (a *API) metricsStats(c *gin.Context) {
	all := a.snapshot.All()
	ok(c, http.StatusOK, "metrics stats", gin.H{"tracked_nodes": len(all)})
}

// parseTimeRange reads start_time/end_time query params (RFC3339), defaulting
// to the last 24 hours, and validates start < end.
func parseTimeRange(c *gin.Context) (start, end time.Time, err *apperr.AppError) {
	end = time.Now().UTC()
	start = end.Add(-24 * time.Hour)

	if s := c.Query("start_time"); s != "" {
		t, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			return start, end, apperr.InvalidTimeFormat("start_time")
		}
		start = t
	}
	if s := c.Query("end_time"); s != "" {
		t, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			return start, end, apperr.InvalidTimeFormat("end_time")
		}
		end = t
	}
	if !start.Before(end) {
		return start, end, apperr.InvalidTimeRange()
	}
	return start, end, nil
}

type submitCommandRequest struct {
	CommandText string `json:"command_text" binding:"required"`
	Timeout     int    `json:"timeout"`
}

// submitCommand persists the command and blocks briefly on the dispatcher's
// waiter; if the command hasn't reached a terminal state by the inline
// window it returns the pending record for the caller to poll via
// GET /commands/{command_id}.
func (a *API) submitCommand(c *gin.Context) {
	nodeID := c.Param("node_id")
	var req submitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.ValidationError(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	rec, err := a.dispatcher.Submit(ctx, nodeID, req.CommandText, req.Timeout)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}

	status, result, terminal := a.dispatcher.Await(rec.CommandID, 3*time.Second)
	if !terminal {
		ok(c, http.StatusAccepted, "command submitted", gin.H{"command_id": rec.CommandID, "status": rec.Status})
		return
	}

	resp := gin.H{"command_id": rec.CommandID, "status": status}
	if result != nil {
		resp["result"] = result
	}
	switch status {
	case store.CommandUndeliverable:
		fail(c, apperr.Undeliverable(nodeID))
		return
	case store.CommandTimeout:
		fail(c, apperr.CommandTimeout(rec.CommandID))
		return
	default:
		ok(c, http.StatusOK, "command completed", resp)
	}
}

func (a *API) getCommand(c *gin.Context) {
	commandID := c.Param("command_id")
	rec, err := a.store.GetCommand(c.Request.Context(), commandID)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	if rec == nil {
		fail(c, apperr.CommandNotFound(commandID))
		return
	}
	ok(c, http.StatusOK, "command found", rec)
}

func (a *API) listNodeCommands(c *gin.Context) {
	nodeID := c.Param("node_id")
	filter := store.CommandFilter{NodeID: nodeID, Status: c.Query("status")}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))

	recs, err := a.store.ListCommands(c.Request.Context(), filter)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	ok(c, http.StatusOK, "commands listed", gin.H{"commands": recs})
}

func (a *API) listCommands(c *gin.Context) {
	filter := store.CommandFilter{Status: c.Query("status"), NodeID: c.Query("node_id")}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))
	filter.Offset, _ = strconv.Atoi(c.Query("offset"))

	recs, err := a.store.ListCommands(c.Request.Context(), filter)
	if err != nil {
		fail(c, apperr.DatabaseError(err))
		return
	}
	ok(c, http.StatusOK, "commands listed", gin.H{"commands": recs})
}
