package calllog

import "time"

// Entry is one immutable conversation-log record.
//
// Invariants:
//   - Entries are append-only; never updated or deleted.
//   - SessionID is required; everything else is best-effort.
//   - Writers must never block a live audio path on an entry; the sink is
//     asynchronous and drops under backpressure.
type Entry struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`

	// CallID is the carrier call identifier when known.
	CallID string `json:"call_id,omitempty" db:"call_id"`

	Speaker Speaker `json:"speaker" db:"speaker"`
	Kind    Kind    `json:"kind" db:"kind"`

	// Text carries transcripts and human-readable event descriptions.
	// Audio payloads are never stored.
	Text string `json:"text,omitempty" db:"text"`

	// CorrelationID ties the entry to an upstream object, typically the
	// inference response identifier.
	CorrelationID string `json:"correlation_id,omitempty" db:"correlation_id"`

	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerAI     Speaker = "ai"
	SpeakerSystem Speaker = "system"
)

type Kind string

const (
	KindText        Kind = "text"
	KindAudioEvent  Kind = "audio-event"
	KindSystemEvent Kind = "system-event"
	KindError       Kind = "error"
)
