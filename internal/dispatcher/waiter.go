package dispatcher

import (
	"sync"
	"time"

	"github.com/fleetcore/fleetcore/internal/store"
)

// outcome is what a PendingWaiter resolves to: either a terminal result
// attached to the command, or a request to transition straight to a
// terminal status with no result (undeliverable).
type outcome struct {
	status string
	result *store.CommandResult
}

// pendingWaiter lets the submitting goroutine (or a future synchronous
// caller) block until a command reaches a terminal state, while the
// timeout sweep and the command_result handler race to resolve it first.
// Resolution is sync.Once-guarded: the first of {result, timeout} wins,
// and the second resolution attempt is a silent no-op.
type pendingWaiter struct {
	commandID string
	deadline  time.Time

	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	out outcome
}

func newPendingWaiter(commandID string, deadline time.Time) *pendingWaiter {
	return &pendingWaiter{commandID: commandID, deadline: deadline, done: make(chan struct{})}
}

// resolve records out and closes done, exactly once. Returns true if this
// call was the one that actually fired the resolution.
func (w *pendingWaiter) resolve(out outcome) bool {
	won := false
	w.once.Do(func() {
		w.mu.Lock()
		w.out = out
		w.mu.Unlock()
		close(w.done)
		won = true
	})
	return won
}

// wait blocks until resolve has run, returning the recorded outcome.
func (w *pendingWaiter) wait() outcome {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out
}

// waiterSet is the dispatcher's command_id -> pendingWaiter map, guarded by
// a mutex since both the worker pool, the WS result handler, and the
// sweep goroutine touch it concurrently.
type waiterSet struct {
	mu sync.Mutex
	m  map[string]*pendingWaiter
}

func newWaiterSet() *waiterSet {
	return &waiterSet{m: make(map[string]*pendingWaiter)}
}

func (ws *waiterSet) register(commandID string, deadline time.Time) *pendingWaiter {
	w := newPendingWaiter(commandID, deadline)
	ws.mu.Lock()
	ws.m[commandID] = w
	ws.mu.Unlock()
	return w
}

func (ws *waiterSet) get(commandID string) (*pendingWaiter, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.m[commandID]
	return w, ok
}

// resolve resolves the named waiter's outcome if it exists and has not
// already resolved. Returns false if the waiter is unknown or was already
// terminal (a late command_result racing a timeout).
func (ws *waiterSet) resolve(commandID string, out outcome) bool {
	ws.mu.Lock()
	w, ok := ws.m[commandID]
	ws.mu.Unlock()
	if !ok {
		return false
	}

	won := w.resolve(out)
	if won {
		ws.mu.Lock()
		delete(ws.m, commandID)
		ws.mu.Unlock()
	}
	return won
}

// expired returns the command_ids of every waiter whose deadline has
// passed and that is still unresolved.
func (ws *waiterSet) expired(now time.Time) []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	var out []string
	for id, w := range ws.m {
		select {
		case <-w.done:
			continue
		default:
		}
		if now.After(w.deadline) {
			out = append(out, id)
		}
	}
	return out
}
