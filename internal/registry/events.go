package registry

// EventKind enumerates the change events the registry publishes for the
// observer broadcaster (C7) to consume.
type EventKind string

const (
	EventNodeJoined      EventKind = "node_joined"
	EventNodeLeft        EventKind = "node_left"
	EventNodeInfoChanged EventKind = "node_info_changed"
)

// Event is a single registry mutation notification. NodeID is always
// populated; it is the only cross-component reference carried (per the
// "no direct handles" ownership rule).
type Event struct {
	Kind   EventKind
	NodeID string
}
