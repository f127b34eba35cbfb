package admission

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"voicebridge/internal/session"
)

// RejectReason is the user-safe admission outcome vocabulary.
type RejectReason string

const (
	ReasonInvalidNumber    RejectReason = "invalid_number"
	ReasonUnauthorized     RejectReason = "unauthorized"
	ReasonRateLimited      RejectReason = "rate_limited"
	ReasonCapacityExceeded RejectReason = "capacity_exceeded"
)

// e164 matches a leading +, a non-zero country code digit, and 7-14 further
// digits. Formatting characters are not accepted; callers normalize first.
var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// ValidNumber reports whether number is a plausible E.164 string.
func ValidNumber(number string) bool {
	return e164.MatchString(number)
}

// Result is the synchronous accept/reject decision for one call request.
type Result struct {
	Accepted bool
	Session  session.CallSession

	// QueuePosition is informational only: the 1-indexed position among
	// currently active sessions. No queue is held; a rejected call is never
	// retried by the system.
	QueuePosition int

	Reason RejectReason

	// RetryAfter is populated for ReasonRateLimited.
	RetryAfter time.Duration
}

// Controller makes the admission decision for new call requests.
//
// Checks run in a fixed order: number shape, authorization, per-number rate
// limit, global concurrency cap. On acceptance it creates the session and
// moves it to Dialing under the admission lock, so the capacity check and
// the slot claim are atomic: concurrent requests can never push the active
// count past MaxConcurrentCalls.
type Controller struct {
	mu sync.Mutex

	limiter  RateLimiter
	allow    *Allowlist
	registry *session.Registry
	maxCalls int
	log      *slog.Logger
}

func NewController(limiter RateLimiter, allow *Allowlist, registry *session.Registry, maxConcurrentCalls int, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		limiter:  limiter,
		allow:    allow,
		registry: registry,
		maxCalls: maxConcurrentCalls,
		log:      log,
	}
}

// RequestCall validates and admits or rejects one call request. Accepted
// sessions are returned in state Dialing; the caller owns the dial attempt
// and its outcome transition.
func (c *Controller) RequestCall(ctx context.Context, number, name string) Result {
	if !ValidNumber(number) {
		return Result{Reason: ReasonInvalidNumber}
	}

	if !c.allow.Allowed(number) {
		c.log.Warn("call request not authorized", "number", number)
		return Result{Reason: ReasonUnauthorized}
	}

	ok, retryAfter, err := c.limiter.TryAccept(ctx, number)
	if err != nil {
		// Fail open: an unreachable limiter store must not take down
		// outbound calling. The remaining checks still apply.
		c.log.Error("rate limiter unavailable, allowing request", "err", err)
		ok = true
	}
	if !ok {
		return Result{Reason: ReasonRateLimited, RetryAfter: retryAfter}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registry.ActiveCount() >= c.maxCalls {
		return Result{Reason: ReasonCapacityExceeded}
	}

	s := c.registry.Create(number, name)
	if !c.registry.Transition(s.ID, session.StateDialing) {
		// Freshly created sessions always admit Dialing; reaching this
		// means the registry was corrupted externally.
		c.log.Error("fresh session rejected Dialing transition", "session_id", s.ID)
		return Result{Reason: ReasonCapacityExceeded}
	}
	s, _ = c.registry.Get(s.ID)

	return Result{
		Accepted:      true,
		Session:       s,
		QueuePosition: c.registry.ActiveCount(),
	}
}
