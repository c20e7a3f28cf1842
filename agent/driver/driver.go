// Package driver implements the agent's connect/register/run/backoff state
// machine: one goroutine owns the reader loop and the state variable, a
// dedicated writer goroutine drains a buffered outbound channel — the same
// single-writer-per-socket discipline the core side's session handler uses,
// since concurrent WriteMessage calls on one *websocket.Conn are not safe.
package driver

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetcore/fleetcore/agent/config"
	"github.com/fleetcore/fleetcore/agent/executor"
	"github.com/fleetcore/fleetcore/agent/sampler"
	"github.com/fleetcore/fleetcore/internal/codec"
	"github.com/fleetcore/fleetcore/internal/logging"
)

// State enumerates the driver's connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateRegistering
	StateRunning
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistering:
		return "registering"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxBackoff    = 60 * time.Second
	outboundDepth = 64
)

// Driver runs the agent's connection lifecycle until its context is
// cancelled.
type Driver struct {
	cfg     config.Config
	nodeID  string
	sampler *sampler.Sampler

	state atomic.Int32
}

// New builds a Driver. identityFile persists a generated node_id across
// restarts when cfg.Core.NodeID is empty.
func New(cfg config.Config, identityFile string) (*Driver, error) {
	nodeID, err := loadOrCreateNodeID(cfg.Core.NodeID, identityFile)
	if err != nil {
		return nil, err
	}
	return &Driver{
		cfg:     cfg,
		nodeID:  nodeID,
		sampler: sampler.New(""),
	}, nil
}

// NodeID returns the resolved node identity (config-supplied or persisted).
func (d *Driver) NodeID() string { return d.nodeID }

// State reports the driver's current lifecycle state.
func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) setState(s State) { d.state.Store(int32(s)) }

// Run loops connect -> register -> serve -> backoff until ctx is
// cancelled or MaxRetries (if finite) is exhausted.
func (d *Driver) Run(ctx context.Context) error {
	attempt := 0
	backoff := time.Duration(d.cfg.Advanced.ReconnectIntervalSeconds) * time.Second
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			d.setState(StateDisconnected)
			return nil
		default:
		}

		d.setState(StateConnecting)
		conn, err := d.dial(ctx)
		if err != nil {
			logging.Agent().Warn().Err(err).Str("node_id", d.nodeID).Msg("connect failed")
			attempt++
			if d.cfg.Advanced.MaxRetries > 0 && attempt > d.cfg.Advanced.MaxRetries {
				return fmt.Errorf("driver: exhausted %d retries: %w", d.cfg.Advanced.MaxRetries, err)
			}
			if !d.sleepBackoff(ctx, &backoff) {
				return nil
			}
			continue
		}

		attempt = 0
		backoff = time.Duration(d.cfg.Advanced.ReconnectIntervalSeconds) * time.Second
		if backoff <= 0 {
			backoff = time.Second
		}

		if err := d.serve(ctx, conn); err != nil {
			logging.Agent().Warn().Err(err).Str("node_id", d.nodeID).Msg("session ended")
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !d.sleepBackoff(ctx, &backoff) {
			return nil
		}
	}
}

// sleepBackoff waits a full-jittered duration up to the current backoff
// value, doubling it (capped) for the next round. Returns false if ctx was
// cancelled during the wait.
func (d *Driver) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	d.setState(StateBackoff)
	wait := time.Duration(rand.Int63n(int64(*backoff) + 1))
	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Driver) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(d.cfg.Core.URL)
	if err != nil {
		return nil, fmt.Errorf("driver: invalid core url: %w", err)
	}
	q := u.Query()
	q.Set("token", d.cfg.Core.Token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve owns one connection end-to-end: register, then read/heartbeat/
// command loop until the connection drops.
func (d *Driver) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	d.setState(StateAuthenticating)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outbound := make(chan []byte, outboundDepth)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.writePump(conn, outbound, sessCtx.Done())
	}()
	defer wg.Wait()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	d.setState(StateRegistering)
	if err := d.sendRegister(outbound); err != nil {
		return err
	}

	var heartbeatStop chan struct{}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if heartbeatStop != nil {
				close(heartbeatStop)
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := codec.Decode(raw)
		if err != nil {
			continue
		}

		switch env.Type {
		case codec.TypeRegisterResponse:
			var p codec.RegisterResponsePayload
			if env.DecodeData(&p) == nil && p.Success {
				if heartbeatStop == nil {
					heartbeatStop = make(chan struct{})
					d.setState(StateRunning)
					go d.heartbeatLoop(sessCtx, outbound, heartbeatStop)
				}
			} else {
				return fmt.Errorf("driver: registration rejected: %s", p.Reason)
			}

		case codec.TypeExecuteCommand:
			var p codec.ExecuteCommandPayload
			if env.DecodeData(&p) == nil {
				go d.handleExecuteCommand(sessCtx, outbound, p)
			}

		case codec.TypeHeartbeatAck, codec.TypePong, codec.TypeCommandReceived, codec.TypeError:
			// no action required; errors are logged server-side, acks are fire-and-forget

		default:
			// unknown core->agent type: ignore, protocol stays open
		}
	}
}

func (d *Driver) sendRegister(outbound chan<- []byte) error {
	env, err := codec.New(codec.TypeNodeRegister, codec.NodeRegisterPayload{
		NodeID:   d.nodeID,
		Hostname: d.cfg.System.Hostname,
		OSInfo:   runtimeOSInfo(),
	})
	if err != nil {
		return err
	}
	raw, err := codec.Encode(env)
	if err != nil {
		return err
	}
	outbound <- raw
	return nil
}

func (d *Driver) heartbeatLoop(ctx context.Context, outbound chan<- []byte, stop <-chan struct{}) {
	interval := time.Duration(d.cfg.Monitoring.HeartbeatInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sendHeartbeat(outbound)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Driver) sendHeartbeat(outbound chan<- []byte) {
	sample := d.sampler.SampleWithTimeout(5 * time.Second)
	env, err := codec.New(codec.TypeHeartbeat, codec.HeartbeatPayload{Metrics: toPayload(sample)})
	if err != nil {
		logging.Agent().Error().Err(err).Msg("failed to build heartbeat envelope")
		return
	}
	raw, err := codec.Encode(env)
	if err != nil {
		logging.Agent().Error().Err(err).Msg("failed to encode heartbeat envelope")
		return
	}
	select {
	case outbound <- raw:
	default:
		logging.Agent().Warn().Msg("outbound queue full, dropping heartbeat")
	}
}

func (d *Driver) handleExecuteCommand(ctx context.Context, outbound chan<- []byte, p codec.ExecuteCommandPayload) {
	started, err := codec.New(codec.TypeCommandStarted, codec.CommandStartedPayload{CommandID: p.CommandID})
	if err == nil {
		if raw, err := codec.Encode(started); err == nil {
			outbound <- raw
		}
	}

	timeout := time.Duration(p.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(d.cfg.Advanced.CommandTimeoutSeconds) * time.Second
	}

	result := executor.Run(ctx, p.Command, timeout)

	env, err := codec.New(codec.TypeCommandResult, codec.CommandResultPayload{
		CommandID:       p.CommandID,
		ExitCode:        result.ExitCode,
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		ExecutionTimeMS: result.Elapsed.Milliseconds(),
	})
	if err != nil {
		return
	}
	raw, err := codec.Encode(env)
	if err != nil {
		return
	}
	select {
	case outbound <- raw:
	default:
		logging.Agent().Warn().Str("command_id", p.CommandID).Msg("outbound queue full, dropping command_result")
	}
}

// writePump is the connection's sole writer, draining outbound and sending
// periodic pings, mirroring the core side's writePump.
func (d *Driver) writePump(conn *websocket.Conn, outbound <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func toPayload(s sampler.Sample) codec.MetricSamplePayload {
	return codec.MetricSamplePayload{
		CPUUsage: s.CPUUsage, MemoryUsage: s.MemoryUsage, DiskUsage: s.DiskUsage,
		LoadAverage: s.LoadAverage, MemoryTotal: s.MemoryTotal, MemoryAvailable: s.MemoryAvailable,
		DiskTotal: s.DiskTotal, DiskAvailable: s.DiskAvailable, Uptime: s.Uptime,
	}
}

func runtimeOSInfo() string {
	return fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
}
