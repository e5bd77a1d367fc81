package resource

// Handle is an opaque reference to a resource in a table.
// Handle 0 is reserved and always invalid.
type Handle uint32

// Kind identifies what a handle refers to.
type Kind uint32

const (
	KindInvalid Kind = iota
	KindOutputStream
	KindInputStream
	KindPollable
	KindError
	// KindUser is the first kind free for host components.
	KindUser Kind = 1 << 16
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindOutputStream:
		return "output-stream"
	case KindInputStream:
		return "input-stream"
	case KindPollable:
		return "pollable"
	case KindError:
		return "error"
	case KindInvalid:
		return "invalid"
	default:
		return "user"
	}
}

// Event types for resource lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

// Event represents a resource lifecycle event.
type Event struct {
	Value  any
	Handle Handle
	Kind   Kind
	Type   EventType
}

// Observer receives notifications about resource lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }
