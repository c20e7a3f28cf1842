// Package dispatcher implements the command lifecycle state machine:
// pending -> running -> success|failed|timeout|undeliverable. It wraps the
// reference queue-plus-worker-pool shape with a PendingWaiter per command
// so a caller (the REST facade) can optionally block briefly for a quick
// result, and with a deadline sweep that times commands out independently
// of whether the agent ever answers.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcore/fleetcore/internal/codec"
	"github.com/fleetcore/fleetcore/internal/logging"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/store"
)

const (
	defaultWorkers   = 10
	defaultQueueSize = 1000

	minTimeoutSeconds     = 1
	maxTimeoutSeconds     = 3600
	defaultTimeoutSeconds = 30

	// deadlineGrace is added to the agent-visible timeout so a result that
	// arrives right at the wire deadline still beats the local sweep.
	deadlineGrace = 2 * time.Second

	sweepInterval = 1 * time.Second
)

type job struct {
	commandID string
	nodeID    string
	command   string
	timeout   int
}

// Dispatcher owns the command queue, worker pool, and the in-flight waiter
// set. One Dispatcher serves the whole process.
type Dispatcher struct {
	st  *store.Store
	reg *registry.Registry

	queue   chan job
	workers int
	stopC   chan struct{}

	waiters *waiterSet
}

// Config tunes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// New builds a Dispatcher. Call Start to run its worker pool and deadline
// sweep, and Recover on startup to re-sweep any commands left non-terminal
// by a prior process.
func New(cfg Config, st *store.Store, reg *registry.Registry) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		st:      st,
		reg:     reg,
		queue:   make(chan job, cfg.QueueSize),
		workers: cfg.Workers,
		stopC:   make(chan struct{}),
		waiters: newWaiterSet(),
	}
}

// Start launches the worker pool and the deadline sweep goroutine. It does
// not block.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.worker(i)
	}
	go d.sweepLoop()
}

// Stop halts the worker pool and the sweep goroutine.
func (d *Dispatcher) Stop() { close(d.stopC) }

// Submit allocates a command_id, persists a pending record, registers a
// waiter, and queues the command for delivery. timeoutSeconds == 0 (not
// supplied) uses the default; other out-of-range values are clamped to
// [1, 3600].
func (d *Dispatcher) Submit(ctx context.Context, nodeID, commandText string, timeoutSeconds int) (*store.CommandRecord, error) {
	timeoutSeconds = clampTimeout(timeoutSeconds)
	commandID := uuid.NewString()
	now := time.Now().UTC()

	rec := &store.CommandRecord{
		CommandID:      commandID,
		TargetNodeID:   nodeID,
		CommandText:    commandText,
		TimeoutSeconds: timeoutSeconds,
		Status:         store.CommandPending,
		CreatedAt:      now,
	}
	if err := d.st.CreateCommand(ctx, rec); err != nil {
		return nil, fmt.Errorf("dispatcher: persist pending command: %w", err)
	}

	deadline := now.Add(time.Duration(timeoutSeconds)*time.Second + deadlineGrace)
	d.waiters.register(commandID, deadline)

	select {
	case d.queue <- job{commandID: commandID, nodeID: nodeID, command: commandText, timeout: timeoutSeconds}:
	default:
		d.markUndeliverable(context.Background(), commandID, "command queue is full")
	}

	return rec, nil
}

// Await blocks up to maxWait for commandID to reach a terminal state, for
// the REST facade's "return with the result already attached if the
// command completes quickly" contract. If maxWait elapses first it returns
// ok=false and the caller should report the still-pending record. A waiter
// is removed once resolved, so a command that has already finished is
// reported from its persisted record.
func (d *Dispatcher) Await(commandID string, maxWait time.Duration) (status string, result *store.CommandResult, ok bool) {
	w, found := d.waiters.get(commandID)
	if !found {
		rec, err := d.st.GetCommand(context.Background(), commandID)
		if err != nil || rec == nil || rec.Status == store.CommandPending || rec.Status == store.CommandRunning {
			return "", nil, false
		}
		return rec.Status, rec.Result, true
	}
	select {
	case <-w.done:
		out := w.wait()
		return out.status, out.result, true
	case <-time.After(maxWait):
		return "", nil, false
	}
}

func (d *Dispatcher) worker(id int) {
	for {
		select {
		case j := <-d.queue:
			d.deliver(j)
		case <-d.stopC:
			return
		}
	}
}

func (d *Dispatcher) deliver(j job) {
	env, err := codec.New(codec.TypeExecuteCommand, codec.ExecuteCommandPayload{
		CommandID: j.commandID, Command: j.command, Timeout: j.timeout,
	})
	if err != nil {
		logging.Dispatcher().Error().Err(err).Str("command_id", j.commandID).Msg("failed to build execute_command envelope")
		d.markUndeliverable(context.Background(), j.commandID, "failed to encode command")
		return
	}
	raw, err := codec.Encode(env)
	if err != nil {
		logging.Dispatcher().Error().Err(err).Str("command_id", j.commandID).Msg("failed to encode execute_command envelope")
		d.markUndeliverable(context.Background(), j.commandID, "failed to encode command")
		return
	}

	if err := d.reg.SendTo(j.nodeID, raw); err != nil {
		d.markUndeliverable(context.Background(), j.commandID, err.Error())
	}
}

// HandleStarted processes a command_started ack from the agent: transition
// pending -> running.
func (d *Dispatcher) HandleStarted(ctx context.Context, commandID string) {
	now := time.Now().UTC()
	if err := d.st.TransitionCommand(ctx, commandID, store.CommandRunning, now); err != nil {
		logging.Dispatcher().Error().Err(err).Str("command_id", commandID).Msg("failed to transition command to running")
	}
}

// HandleResult processes a command_result from the agent: attaches the
// result, transitions to success/failed by exit_code, and resolves the
// waiter. A late result for an already-terminal command (the waiter having
// already resolved to a timeout) is logged and discarded.
func (d *Dispatcher) HandleResult(ctx context.Context, payload codec.CommandResultPayload) {
	result := &store.CommandResult{
		ExitCode: payload.ExitCode, Stdout: payload.Stdout, Stderr: payload.Stderr,
		ExecutionTimeMS: payload.ExecutionTimeMS,
	}
	status := store.CommandSuccess
	if payload.ExitCode != 0 {
		status = store.CommandFailed
	}

	resolved := d.waiters.resolve(payload.CommandID, outcome{status: status, result: result})
	if !resolved {
		logging.Dispatcher().Info().Str("command_id", payload.CommandID).
			Msg("command_result for already-terminal command, discarding")
		return
	}

	if err := d.st.AttachResult(ctx, payload.CommandID, *result); err != nil {
		logging.Dispatcher().Error().Err(err).Str("command_id", payload.CommandID).Msg("failed to persist command result")
	}
	now := time.Now().UTC()
	if err := d.st.TransitionCommand(ctx, payload.CommandID, status, now); err != nil {
		logging.Dispatcher().Error().Err(err).Str("command_id", payload.CommandID).Msg("failed to transition command to terminal status")
	}
}

// AckReceived sends command_received back to the agent as the
// acknowledgement for a delivered command_result.
func (d *Dispatcher) AckReceived(nodeID, commandID string) {
	env, err := codec.New(codec.TypeCommandReceived, codec.CommandReceivedPayload{CommandID: commandID})
	if err != nil {
		return
	}
	raw, err := codec.Encode(env)
	if err != nil {
		return
	}
	_ = d.reg.SendTo(nodeID, raw)
}

func (d *Dispatcher) markUndeliverable(ctx context.Context, commandID, reason string) {
	if !d.waiters.resolve(commandID, outcome{status: store.CommandUndeliverable}) {
		return
	}
	logging.Dispatcher().Warn().Str("command_id", commandID).Str("reason", reason).Msg("command undeliverable")
	if err := d.st.TransitionCommand(ctx, commandID, store.CommandUndeliverable, time.Now().UTC()); err != nil {
		logging.Dispatcher().Error().Err(err).Str("command_id", commandID).Msg("failed to transition command to undeliverable")
	}
}

func (d *Dispatcher) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweepExpired()
		case <-d.stopC:
			return
		}
	}
}

func (d *Dispatcher) sweepExpired() {
	now := time.Now()
	for _, commandID := range d.waiters.expired(now) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		synthetic := &store.CommandResult{ExitCode: -1, Stderr: "timed out"}
		if rec, err := d.st.GetCommand(ctx, commandID); err == nil && rec != nil {
			synthetic.ExecutionTimeMS = now.Sub(rec.CreatedAt).Milliseconds()
		}
		if !d.waiters.resolve(commandID, outcome{status: store.CommandTimeout, result: synthetic}) {
			cancel()
			continue
		}
		if err := d.st.AttachResult(ctx, commandID, *synthetic); err != nil {
			logging.Dispatcher().Error().Err(err).Str("command_id", commandID).Msg("failed to persist timeout result")
		}
		if err := d.st.TransitionCommand(ctx, commandID, store.CommandTimeout, now.UTC()); err != nil {
			logging.Dispatcher().Error().Err(err).Str("command_id", commandID).Msg("failed to transition command to timeout")
		}
		cancel()
		logging.Dispatcher().Warn().Str("command_id", commandID).Msg("command timed out")
	}
}

// Recover re-sweeps commands left non-terminal by a prior process: pending
// rows are re-dispatched, running rows whose deadline already elapsed are
// transitioned straight to timeout since no agent could still be honoring
// a deadline that passed while Core was down.
func (d *Dispatcher) Recover(ctx context.Context) error {
	recs, err := d.st.PendingOrRunning(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: recover query: %w", err)
	}

	for _, rec := range recs {
		deadline := rec.CreatedAt.Add(time.Duration(rec.TimeoutSeconds)*time.Second + deadlineGrace)
		if rec.Status == store.CommandRunning && time.Now().After(deadline) {
			synthetic := store.CommandResult{ExitCode: -1, Stderr: "timed out"}
			if err := d.st.AttachResult(ctx, rec.CommandID, synthetic); err != nil {
				logging.Dispatcher().Error().Err(err).Str("command_id", rec.CommandID).Msg("recovery: failed to persist timeout result")
			}
			if err := d.st.TransitionCommand(ctx, rec.CommandID, store.CommandTimeout, time.Now().UTC()); err != nil {
				logging.Dispatcher().Error().Err(err).Str("command_id", rec.CommandID).Msg("recovery: failed to transition to timeout")
			}
			continue
		}

		d.waiters.register(rec.CommandID, deadline)
		select {
		case d.queue <- job{commandID: rec.CommandID, nodeID: rec.TargetNodeID, command: rec.CommandText, timeout: rec.TimeoutSeconds}:
		default:
			d.markUndeliverable(ctx, rec.CommandID, "queue full during recovery")
		}
	}

	if len(recs) > 0 {
		logging.Dispatcher().Info().Int("count", len(recs)).Msg("recovered non-terminal commands from prior process")
	}
	return nil
}

func clampTimeout(s int) int {
	if s == 0 {
		return defaultTimeoutSeconds
	}
	if s < minTimeoutSeconds {
		return minTimeoutSeconds
	}
	if s > maxTimeoutSeconds {
		return maxTimeoutSeconds
	}
	return s
}
