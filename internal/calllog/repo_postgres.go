package calllog

import (
	"context"
	"database/sql"

	"voicebridge/internal/session"
)

// PostgresRepo persists call and conversation logs.
//
// Schema (migrations live with the deployment, not this process):
//
//	CREATE TABLE call_logs (
//	    session_id        UUID PRIMARY KEY,
//	    call_id           TEXT,
//	    destination       TEXT NOT NULL,
//	    caller_name       TEXT,
//	    state             TEXT NOT NULL,
//	    requested_at      TIMESTAMPTZ NOT NULL,
//	    connected_at      TIMESTAMPTZ,
//	    ended_at          TIMESTAMPTZ,
//	    ai_response_count INT NOT NULL DEFAULT 0,
//	    user_turn_count   INT NOT NULL DEFAULT 0,
//	    last_error        TEXT
//	);
//
//	CREATE TABLE conversation_logs (
//	    id             UUID PRIMARY KEY,
//	    session_id     UUID NOT NULL REFERENCES call_logs(session_id),
//	    call_id        TEXT,
//	    speaker        TEXT NOT NULL,
//	    kind           TEXT NOT NULL,
//	    text_content   TEXT,
//	    correlation_id TEXT,
//	    ts             TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_conversation_logs_session_ts ON conversation_logs (session_id, ts);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) AppendEntry(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO conversation_logs (id, session_id, call_id, speaker, kind, text_content, correlation_id, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.SessionID, nullable(e.CallID), string(e.Speaker), string(e.Kind),
		nullable(e.Text), nullable(e.CorrelationID), e.Timestamp,
	)
	return err
}

func (r *PostgresRepo) UpsertCall(ctx context.Context, s session.CallSession) error {
	const q = `
INSERT INTO call_logs (session_id, call_id, destination, caller_name, state, requested_at,
                       connected_at, ended_at, ai_response_count, user_turn_count, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (session_id) DO UPDATE SET
    call_id           = EXCLUDED.call_id,
    state             = EXCLUDED.state,
    connected_at      = EXCLUDED.connected_at,
    ended_at          = EXCLUDED.ended_at,
    ai_response_count = EXCLUDED.ai_response_count,
    user_turn_count   = EXCLUDED.user_turn_count,
    last_error        = EXCLUDED.last_error`
	_, err := r.db.ExecContext(ctx, q,
		s.ID, nullable(s.CallID), s.DestinationNumber, nullable(s.CallerName),
		string(s.State), s.RequestedAt, s.ConnectedAt, s.EndedAt,
		s.AIResponseCount, s.UserTurnCount, nullable(s.LastError),
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
