// Package registry tracks live agent and observer sessions: the in-memory
// mapping from node identity (or observer client identity) to its current
// transport, with at-most-one-agent-session-per-node-id enforcement and
// displacement of a stale incumbent.
package registry

import (
	"sync"
	"time"
)

// Kind distinguishes the two session classes the registry tracks.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindObserver Kind = "observer"
)

// OutboundQueueDepth is the bounded outbound queue depth suggested by the
// session registry contract.
const OutboundQueueDepth = 64

// Session is process-local only: it is never persisted, and it never
// outlives its transport. The registry owns the map slot; the transport
// (the WebSocket read/write pump) owns the goroutines that drain Outbound
// and feed Closed.
type Session struct {
	NodeID   string // set for KindAgent
	ClientID string // set for KindObserver
	Kind     Kind
	PeerAddr string
	JoinedAt time.Time

	// Outbound is the bounded queue of frames waiting to be written by the
	// session's writer goroutine. The registry never blocks on it.
	Outbound chan []byte

	// closeOnce guards Close so displacement and normal teardown can race
	// without double-closing Outbound.
	closeOnce func()
}

// newSession allocates a session with its bounded outbound queue.
func newSession(kind Kind, peerAddr string) *Session {
	return &Session{
		Kind:     kind,
		PeerAddr: peerAddr,
		JoinedAt: time.Now(),
		Outbound: make(chan []byte, OutboundQueueDepth),
	}
}

// Send enqueues a frame without blocking. It reports false if the queue is
// full — the caller (registry) is responsible for treating that as a
// slow-consumer event.
func (s *Session) Send(frame []byte) bool {
	select {
	case s.Outbound <- frame:
		return true
	default:
		return false
	}
}

// Close tears the session down exactly once, closing Outbound so the
// writer goroutine exits, and invoking any transport-level close callback
// registered via OnClose.
func (s *Session) Close() {
	if s.closeOnce != nil {
		s.closeOnce()
	}
}

// OnClose registers the transport-level teardown (e.g. closing the
// websocket.Conn) invoked exactly once by Close.
func (s *Session) OnClose(fn func()) {
	var once sync.Once
	outbound := s.Outbound
	s.closeOnce = func() {
		once.Do(func() {
			close(outbound)
			if fn != nil {
				fn()
			}
		})
	}
}
