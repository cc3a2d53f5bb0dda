package registry

// EventKind classifies a registry event.
type EventKind string

const (
	// EventDiscovered fires when a node is seen for the first time
	EventDiscovered EventKind = "discovered"
	// EventStateChanged fires on any lifecycle state transition
	EventStateChanged EventKind = "state_changed"
	// EventRemoved fires when a node is dropped from the registry
	EventRemoved EventKind = "removed"
)

// Event describes one registry change, carrying the node snapshot taken at
// the moment of the change.
type Event struct {
	Kind EventKind
	Node NodeInfo
}

// eventBuffer sizes the feed; overflow drops the oldest event so state
// transitions never block on a slow consumer.
const eventBuffer = 64

// Events returns the feed of registry changes.
func (r *Registry) Events() <-chan Event {
	return r.events
}

func (r *Registry) publish(ev Event) {
	for {
		select {
		case r.events <- ev:
			return
		default:
		}
		select {
		case <-r.events:
		default:
		}
	}
}
