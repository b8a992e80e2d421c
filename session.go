package realtime

// Phase is the lifecycle of the controller's single connection.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseNegotiating
	PhaseActive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseActive:
		return "active"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is what the presentation layer observes. Events are most recent first.
type State struct {
	Phase   Phase
	Loading bool
	Events  []*Event
}

func (s State) Active() bool {
	return s.Phase == PhaseActive
}

// StateHandler receives a snapshot after every controller mutation. Calls are
// serialized and never made while the controller lock is held.
type StateHandler func(State)

// eventLog keeps every sent and received event, newest first, with no eviction.
type eventLog struct {
	events []*Event
}

func (l *eventLog) prepend(e *Event) {
	l.events = append(l.events, nil)
	copy(l.events[1:], l.events)
	l.events[0] = e
}

func (l *eventLog) reset() {
	l.events = nil
}

func (l *eventLog) len() int {
	return len(l.events)
}

// snapshot returns copies so callers can never mutate logged events.
func (l *eventLog) snapshot() []*Event {
	out := make([]*Event, len(l.events))
	for i, e := range l.events {
		out[i] = e.Clone()
	}
	return out
}
