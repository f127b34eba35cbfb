package calllog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"voicebridge/internal/session"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call and conversation logs.
// Append-only for entries; call rows are upserted as lifecycle advances.
type Repository interface {
	AppendEntry(ctx context.Context, e Entry) error
	UpsertCall(ctx context.Context, s session.CallSession) error
}

// Sink is the write path the bridge and orchestrator use. Implementations
// must never block the caller: audio relay latency outranks log durability.
type Sink interface {
	Log(e Entry)
	CallUpdated(s session.CallSession)
}

var ErrInvalidEntry = errors.New("calllog: invalid entry")

// AsyncSink buffers writes on a channel and persists them from a single
// background goroutine. When the buffer is full the write is dropped and
// counted; a slow database degrades logging, never the call.
type AsyncSink struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time

	ops     chan func(ctx context.Context)
	dropped int
	mu      sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

const defaultBuffer = 256

func NewAsyncSink(repo Repository, log *slog.Logger) *AsyncSink {
	if log == nil {
		log = slog.Default()
	}
	s := &AsyncSink{
		repo:  repo,
		log:   log,
		clock: time.Now,
		ops:   make(chan func(ctx context.Context), defaultBuffer),
		done:  make(chan struct{}),
	}
	go s.writer()
	return s
}

func (s *AsyncSink) writer() {
	defer close(s.done)
	// Persistence gets its own deadline per op; the sink itself has no ctx
	// because it outlives every request.
	for op := range s.ops {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		op(ctx)
		cancel()
	}
}

// Log enqueues a conversation entry; drops it when the buffer is full.
func (s *AsyncSink) Log(e Entry) {
	if e.SessionID == "" || e.Kind == "" {
		s.log.Warn("dropping invalid call log entry", "err", ErrInvalidEntry)
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock().UTC()
	}
	s.enqueue(func(ctx context.Context) {
		if err := s.repo.AppendEntry(ctx, e); err != nil {
			s.log.Error("conversation log write failed", "session_id", e.SessionID, "err", err)
		}
	})
}

// CallUpdated enqueues a lifecycle snapshot of the session.
func (s *AsyncSink) CallUpdated(snap session.CallSession) {
	if snap.ID == "" {
		return
	}
	s.enqueue(func(ctx context.Context) {
		if err := s.repo.UpsertCall(ctx, snap); err != nil {
			s.log.Error("call log write failed", "session_id", snap.ID, "err", err)
		}
	})
}

func (s *AsyncSink) enqueue(op func(ctx context.Context)) {
	select {
	case s.ops <- op:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n == 1 || n%100 == 0 {
			s.log.Warn("call log buffer full, dropping writes", "dropped_total", n)
		}
	}
}

// Dropped reports how many writes were discarded due to backpressure.
func (s *AsyncSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting writes and waits for the buffer to drain.
func (s *AsyncSink) Close() {
	s.closeOnce.Do(func() {
		close(s.ops)
	})
	<-s.done
}
