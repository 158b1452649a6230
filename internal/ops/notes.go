package ops

import (
	"database/sql"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/note"
)

// ListNotesInput contains parameters for the ListNotes operation.
type ListNotesInput struct {
	SessionID       string
	IncludeArchived bool
}

// ListNotesOutput contains the result of the ListNotes operation.
type ListNotesOutput struct {
	SessionID string       `json:"session_id"`
	VideoID   string       `json:"video_id"`
	Notes     []*note.Note `json:"notes"`
}

// ListNotes returns a session's persisted notes ordered by video time.
func ListNotes(database *sql.DB, input ListNotesInput) (*ListNotesOutput, error) {
	id, err := requireID("session_id", input.SessionID)
	if err != nil {
		return nil, err
	}
	snap, err := db.GetSession(database, id)
	if err != nil {
		return nil, err
	}
	notes, err := db.ListNotes(database, id, input.IncludeArchived)
	if err != nil {
		return nil, err
	}
	if notes == nil {
		notes = []*note.Note{}
	}
	note.SortBySpan(notes)
	return &ListNotesOutput{SessionID: id, VideoID: snap.VideoID, Notes: notes}, nil
}
