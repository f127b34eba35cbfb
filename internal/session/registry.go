package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the in-memory table of active and recent call sessions.
//
// It is the single owner of every CallSession: lookups return copies, and
// all mutation goes through Transition (or the bridge counter methods) so
// the state-machine invariants are checked in one place. Sessions are kept
// after they finish; cardinality is bounded by call volume, and the process
// is not the system of record (the call log is).
//
// Lock discipline: the registry mutex protects map and session fields only.
// It is never held across network I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
	byCallID map[string]string
	clock    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*CallSession),
		byCallID: make(map[string]string),
		clock:    time.Now,
	}
}

// Create registers a new session in state Requested and returns a copy.
func (r *Registry) Create(number, name string) CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &CallSession{
		ID:                uuid.NewString(),
		DestinationNumber: number,
		CallerName:        name,
		State:             StateRequested,
		RequestedAt:       r.clock().UTC(),
	}
	r.sessions[s.ID] = s
	return *s
}

// Get returns a copy of the session, if present.
func (r *Registry) Get(id string) (CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return CallSession{}, false
	}
	return *s, true
}

// GetByCallID resolves a session by the carrier-assigned call identifier.
func (r *Registry) GetByCallID(callID string) (CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCallID[callID]
	if !ok {
		return CallSession{}, false
	}
	s, ok := r.sessions[id]
	if !ok {
		return CallSession{}, false
	}
	return *s, true
}

// TransitionOption mutates additional fields together with a state change.
type TransitionOption func(*CallSession)

// WithCallID attaches the carrier call identifier. It is set once; later
// attempts to change an already-set id are ignored.
func WithCallID(callID string) TransitionOption {
	return func(s *CallSession) {
		if s.CallID == "" {
			s.CallID = callID
		}
	}
}

// WithError records the failure cause. Honored only on the transition into
// Failed; Transition discards it otherwise.
func WithError(msg string) TransitionOption {
	return func(s *CallSession) {
		s.LastError = msg
	}
}

// Transition moves a session to newState, applying opts atomically with the
// state change. It returns false, mutating nothing, when the session does
// not exist or the transition is illegal.
func (r *Registry) Transition(id string, newState State, opts ...TransitionOption) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if !s.State.CanTransitionTo(newState) {
		return false
	}

	prevCallID := s.CallID
	for _, opt := range opts {
		opt(s)
	}
	if newState != StateFailed {
		s.LastError = ""
	}

	now := r.clock().UTC()
	s.State = newState
	switch newState {
	case StateConnected:
		if s.ConnectedAt == nil {
			t := now
			s.ConnectedAt = &t
		}
	case StateCompleted, StateFailed:
		if s.EndedAt == nil {
			t := now
			s.EndedAt = &t
		}
	}

	if s.CallID != "" && s.CallID != prevCallID {
		r.byCallID[s.CallID] = s.ID
	}
	return true
}

// SetCallID attaches the carrier call identifier outside a state change,
// for sessions already in Dialing when the dial API responds. Set once;
// false when the session is missing or already has a different id.
func (r *Registry) SetCallID(id, callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || callID == "" {
		return false
	}
	if s.CallID != "" {
		return s.CallID == callID
	}
	s.CallID = callID
	r.byCallID[callID] = s.ID
	return true
}

// IncrementUserTurns bumps the user turn counter. Bridge-only by contract.
func (r *Registry) IncrementUserTurns(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.UserTurnCount++
	}
}

// IncrementAIResponses bumps the completed-AI-response counter. Bridge-only
// by contract.
func (r *Registry) IncrementAIResponses(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.AIResponseCount++
	}
}

// ActiveCount returns the number of sessions currently holding a
// concurrency slot (Dialing, Connected or Streaming).
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.State.Active() {
			n++
		}
	}
	return n
}

// ActiveIDs returns the ids of sessions holding a concurrency slot.
// Used at shutdown to cancel in-flight bridges.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.sessions {
		if s.State.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}
