package registry

import (
	"errors"
	"sync"

	"github.com/fleetcore/fleetcore/internal/logging"
)

// ErrNotConnected is returned by SendTo when no agent session is attached
// for the given node_id.
var ErrNotConnected = errors.New("registry: node not connected")

// Registry is the single owner of the agent/observer session maps. All
// mutation happens under mu; lock scopes are structured (enter, mutate,
// compute event, exit, then publish) so no suspension point is reached
// while holding the lock.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Session // node_id -> session
	observers map[string]*Session // client_id -> session

	events chan Event

	nextClientID uint64
}

// New builds a Registry. events is the channel the observer broadcaster
// reads from; sends onto it are non-blocking — a slow broadcaster drops
// events rather than stalling a session handler (the broadcaster itself
// never needs every individual event since it coalesces).
func New(events chan Event) *Registry {
	return &Registry{
		agents:    make(map[string]*Session),
		observers: make(map[string]*Session),
		events:    events,
	}
}

func (r *Registry) publish(kind EventKind, nodeID string) {
	select {
	case r.events <- Event{Kind: kind, NodeID: nodeID}:
	default:
		logging.Registry().Warn().Str("node_id", nodeID).Str("kind", string(kind)).
			Msg("event channel full, dropping registry event")
	}
}

// AttachAgent binds a new agent session to node_id, displacing any
// incumbent session first. Returns the new session.
func (r *Registry) AttachAgent(nodeID, peerAddr string) *Session {
	r.mu.Lock()
	incumbent, displaced := r.agents[nodeID]
	session := newSession(KindAgent, peerAddr)
	session.NodeID = nodeID
	r.agents[nodeID] = session
	r.mu.Unlock()

	if displaced {
		logging.Registry().Info().Str("node_id", nodeID).Msg("displacing incumbent agent session")
		incumbent.Close()
	}

	r.publish(EventNodeJoined, nodeID)
	return session
}

// NotifyInfoChanged is called by the registration handler after an
// already-attached session's identity fields are updated (re-registration
// on the same transport), to trigger a node_info_changed broadcast without
// touching session attachment.
func (r *Registry) NotifyInfoChanged(nodeID string) {
	r.publish(EventNodeInfoChanged, nodeID)
}

// Detach removes a session from the registry if it is still the current
// occupant of its slot (a session displaced earlier must not remove the
// slot the new session now owns).
func (r *Registry) Detach(s *Session) {
	switch s.Kind {
	case KindAgent:
		r.mu.Lock()
		current, ok := r.agents[s.NodeID]
		if ok && current == s {
			delete(r.agents, s.NodeID)
		}
		r.mu.Unlock()
		if ok && current == s {
			r.publish(EventNodeLeft, s.NodeID)
		}
	case KindObserver:
		r.mu.Lock()
		delete(r.observers, s.ClientID)
		r.mu.Unlock()
	}
	s.Close()
}

// SendTo enqueues message on the node's outbound queue. If the queue is
// full the session is closed with a slow-consumer verdict and
// ErrSlowConsumer-equivalent handling is the caller's responsibility (the
// session's own teardown already ran by the time this returns an error
// other than ErrNotConnected).
func (r *Registry) SendTo(nodeID string, message []byte) error {
	r.mu.RLock()
	session, ok := r.agents[nodeID]
	r.mu.RUnlock()

	if !ok {
		return ErrNotConnected
	}

	if !session.Send(message) {
		logging.Registry().Warn().Str("node_id", nodeID).Msg("outbound queue full, closing slow consumer")
		r.Detach(session)
		return ErrSlowConsumer
	}
	return nil
}

// ErrSlowConsumer is returned by SendTo when the session's bounded
// outbound queue overflowed and the session was closed as a result.
var ErrSlowConsumer = errors.New("registry: outbound queue overflow")

// AttachObserver creates and registers a new observer session.
func (r *Registry) AttachObserver(peerAddr string) *Session {
	r.mu.Lock()
	r.nextClientID++
	clientID := clientIDFor(r.nextClientID)
	session := newSession(KindObserver, peerAddr)
	session.ClientID = clientID
	r.observers[clientID] = session
	r.mu.Unlock()
	return session
}

// BroadcastObservers enqueues message to every attached observer session,
// closing any whose queue overflows.
func (r *Registry) BroadcastObservers(message []byte) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.observers))
	for _, s := range r.observers {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		if !s.Send(message) {
			logging.Registry().Warn().Str("client_id", s.ClientID).Msg("observer queue full, closing")
			r.Detach(s)
		}
	}
}

// IsAgentConnected reports whether node_id currently has a live session.
func (r *Registry) IsAgentConnected(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[nodeID]
	return ok
}

// ConnectedAgents returns a snapshot of currently attached node_ids.
func (r *Registry) ConnectedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// ObserverCount reports how many observer sessions are attached, used to
// skip broadcast work when nobody is listening.
func (r *Registry) ObserverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

func clientIDFor(n uint64) string {
	const alphabet = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = alphabet[n%16]
		n /= 16
	}
	return "obs-" + string(buf[i:])
}
