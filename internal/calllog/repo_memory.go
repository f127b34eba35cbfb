package calllog

import (
	"context"
	"sync"

	"voicebridge/internal/session"
)

// MemoryRepo is an in-memory repository for local runs and tests.
type MemoryRepo struct {
	mu      sync.Mutex
	entries []Entry
	calls   map[string]session.CallSession
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{calls: make(map[string]session.CallSession)}
}

func (r *MemoryRepo) AppendEntry(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *MemoryRepo) UpsertCall(_ context.Context, s session.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[s.ID] = s
	return nil
}

func (r *MemoryRepo) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *MemoryRepo) Call(id string) (session.CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.calls[id]
	return s, ok
}
