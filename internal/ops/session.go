package ops

import (
	"context"
	"database/sql"

	"github.com/hpungsan/margin/internal/controller"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/session"
	"github.com/hpungsan/margin/internal/state"
	"github.com/hpungsan/margin/internal/supervisor"
)

// OpenInput contains parameters for the OpenSession operation.
type OpenInput struct {
	VideoID string
}

// SessionOutput is a session's state as seen by callers.
type SessionOutput struct {
	Session      *state.Snapshot `json:"session"`
	Running      bool            `json:"running"`
	Depth        int64           `json:"mailbox_depth"`
	Backpressure string          `json:"backpressure,omitempty"`
}

func sessionOutput(s *session.Session) *SessionOutput {
	running := true
	select {
	case <-s.Done():
		running = false
	default:
	}
	return &SessionOutput{
		Session:      s.Snapshot(),
		Running:      running,
		Depth:        s.Depth(),
		Backpressure: string(s.Backpressure()),
	}
}

// OpenSession creates a session for a video and starts its actor.
func OpenSession(sv *supervisor.Supervisor, input OpenInput) (*SessionOutput, error) {
	videoID, err := requireID("video_id", input.VideoID)
	if err != nil {
		return nil, err
	}
	s, err := sv.Open(videoID)
	if err != nil {
		return nil, err
	}
	return sessionOutput(s), nil
}

// GetSession returns the live state of a loaded session, or the last
// checkpoint of one that is not loaded. It never restores a session.
func GetSession(sv *supervisor.Supervisor, sessionID string) (*SessionOutput, error) {
	id, err := requireID("session_id", sessionID)
	if err != nil {
		return nil, err
	}
	if s, ok := sv.Lookup(id); ok {
		return sessionOutput(s), nil
	}
	snap, err := db.GetSession(sv.Deps().DB, id)
	if err != nil {
		return nil, err
	}
	return &SessionOutput{Session: snap}, nil
}

// SubmitInput contains parameters for the Submit operation.
type SubmitInput struct {
	SessionID string
	Message   session.Message
}

// SubmitOutput reports where submitted evidence landed in the ledger.
type SubmitOutput struct {
	SessionID    string `json:"session_id"`
	Sequence     int64  `json:"sequence,omitempty"`
	Critical     bool   `json:"critical"`
	Depth        int64  `json:"mailbox_depth"`
	Backpressure string `json:"backpressure"`
}

// Submit hands one inbound message to its session, restoring the session if
// needed. Evidence is durable when Submit returns. checkpoint_now and
// close_session wait for the actor to act on them.
func Submit(ctx context.Context, sv *supervisor.Supervisor, input SubmitInput) (*SubmitOutput, error) {
	id, err := requireID("session_id", input.SessionID)
	if err != nil {
		return nil, err
	}
	if !input.Message.Kind.Valid() {
		return nil, errors.NewInvalidRequest("unknown message type: " + string(input.Message.Kind))
	}
	s, err := sv.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &SubmitOutput{SessionID: id}
	switch input.Message.Kind {
	case controller.KindCheckpointNow:
		err = s.Checkpoint(ctx)
	case controller.KindClose:
		err = s.Close(ctx)
	default:
		rec, serr := s.Submit(ctx, input.Message)
		if rec != nil {
			out.Sequence = rec.Sequence
			out.Critical = rec.Critical
		}
		err = serr
	}
	if err != nil {
		return nil, err
	}
	out.Depth = s.Depth()
	out.Backpressure = string(s.Backpressure())
	return out, nil
}

// CheckpointSession checkpoints a session now.
func CheckpointSession(ctx context.Context, sv *supervisor.Supervisor, sessionID string) (*SessionOutput, error) {
	id, err := requireID("session_id", sessionID)
	if err != nil {
		return nil, err
	}
	s, err := sv.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Checkpoint(ctx); err != nil {
		return nil, err
	}
	return sessionOutput(s), nil
}

// CloseSession flushes, checkpoints and closes a session.
func CloseSession(ctx context.Context, sv *supervisor.Supervisor, sessionID string) (*SessionOutput, error) {
	id, err := requireID("session_id", sessionID)
	if err != nil {
		return nil, err
	}
	s, err := sv.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Close(ctx); err != nil {
		return nil, err
	}
	return &SessionOutput{Session: s.Snapshot()}, nil
}

// ListSessionsInput contains parameters for the ListSessions operation.
type ListSessionsInput struct {
	Status  string
	VideoID string
	Limit   int
	Offset  int
}

// ListSessionsOutput contains the result of the ListSessions operation.
type ListSessionsOutput struct {
	Sessions   []*state.Snapshot `json:"sessions"`
	Pagination Pagination        `json:"pagination"`
}

// ListSessions lists persisted sessions, most recently active first.
func ListSessions(database *sql.DB, input ListSessionsInput) (*ListSessionsOutput, error) {
	status := state.Status(input.Status)
	if status != "" && !status.Valid() {
		return nil, errors.NewInvalidRequest("unknown status: " + input.Status)
	}
	limit := clampLimit(input.Limit)
	offset := max(input.Offset, 0)

	sessions, total, err := db.ListSessions(database, db.SessionFilters{Status: status, VideoID: input.VideoID}, limit, offset)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []*state.Snapshot{}
	}
	return &ListSessionsOutput{
		Sessions: sessions,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(sessions) < total,
			Total:   total,
		},
	}, nil
}
