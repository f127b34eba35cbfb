package session

import "time"

// CallSession identifies one phone call attempt from admission to teardown.
//
// Invariants:
//   - State moves forward only, along Requested -> Dialing -> Connected ->
//     Streaming -> {Completed | Failed}. Terminal states are immutable.
//   - Timestamps are set exactly once each and are monotonically increasing.
//   - The registry is the sole owner; callers receive copies and mutate
//     through Registry.Transition only.
type CallSession struct {
	// ID is the internal session identifier, assigned at creation.
	ID string `json:"id"`

	// CallID is the carrier-assigned identifier, attached once dial succeeds.
	// Empty while the session is Requested.
	CallID string `json:"call_id,omitempty"`

	// DestinationNumber is E.164; immutable after creation.
	DestinationNumber string `json:"destination_number"`

	// CallerName is an optional display label; immutable.
	CallerName string `json:"caller_name,omitempty"`

	State State `json:"state"`

	RequestedAt time.Time  `json:"requested_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	// Counters are incremented only by the call bridge.
	AIResponseCount int `json:"ai_response_count"`
	UserTurnCount   int `json:"user_turn_count"`

	// LastError is populated only on the transition into Failed.
	LastError string `json:"last_error,omitempty"`
}

type State string

const (
	StateRequested State = "requested"
	StateDialing   State = "dialing"
	StateConnected State = "connected"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is legal from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// rank orders states along the forward path. Terminal states share the
// highest rank; legality between them is handled in CanTransitionTo.
func (s State) rank() int {
	switch s {
	case StateRequested:
		return 0
	case StateDialing:
		return 1
	case StateConnected:
		return 2
	case StateStreaming:
		return 3
	case StateCompleted, StateFailed:
		return 4
	default:
		return -1
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
// Failed is reachable from any non-terminal state; Completed requires the
// call to have at least connected. Skipping forward (e.g. Dialing ->
// Streaming) is illegal: every session passes through each intermediate
// state exactly once.
func (s State) CanTransitionTo(next State) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	if next == StateCompleted {
		return s == StateConnected || s == StateStreaming
	}
	return next.rank() == s.rank()+1
}

// Active reports whether the session occupies a concurrency slot.
func (s State) Active() bool {
	switch s {
	case StateDialing, StateConnected, StateStreaming:
		return true
	default:
		return false
	}
}
