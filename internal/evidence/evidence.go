// Package evidence defines ledger records, their typed payloads and the
// fixed critical/droppable taxonomy.
package evidence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hpungsan/margin/internal/note"
)

// Type is the kind of evidence stored in a ledger record.
type Type string

const (
	TypeTranscript     Type = "transcript"
	TypeFrameRef       Type = "frame_ref"
	TypeNoteCreated    Type = "note_created"
	TypeNoteUpdated    Type = "note_updated"
	TypeNoteMerged     Type = "note_merged"
	TypeContextRequest Type = "context_request"
)

// Valid reports whether t is a known evidence type.
func (t Type) Valid() bool {
	switch t {
	case TypeTranscript, TypeFrameRef, TypeNoteCreated, TypeNoteUpdated, TypeNoteMerged, TypeContextRequest:
		return true
	}
	return false
}

// Critical reports whether evidence of this type must never be dropped.
// The taxonomy is fixed: transcripts and note-lifecycle decisions are
// critical, frame references and context requests are not.
func (t Type) Critical() bool {
	switch t {
	case TypeTranscript, TypeNoteCreated, TypeNoteUpdated, TypeNoteMerged:
		return true
	}
	return false
}

// IsDecision reports whether t records a reconciler decision.
func (t Type) IsDecision() bool {
	return t == TypeNoteCreated || t == TypeNoteUpdated || t == TypeNoteMerged
}

// Transcript is a speech fragment anchored to video time.
type Transcript struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Speaker string `json:"speaker,omitempty"`
}

// FrameRef points at a captured video frame plus features derived from it.
type FrameRef struct {
	Pointer     string    `json:"pointer"`
	TimestampMS int64     `json:"timestamp_ms"`
	Features    []float64 `json:"features,omitempty"`
	Summary     string    `json:"summary,omitempty"`
}

// Decision is the payload of a note_created, note_updated or note_merged record.
// Note holds the note as it stands after the decision.
type Decision struct {
	Note       note.Note  `json:"note"`
	OldHash    string     `json:"old_hash,omitempty"`
	NewHash    string     `json:"new_hash"`
	Sources    []string   `json:"sources,omitempty"`
	TargetMS   int64      `json:"target_ms"`
	Anchor     note.Span  `json:"anchor"`
	AsOf       int64      `json:"as_of"`
	BatchRange note.Range `json:"batch_range"`
}

// ContextRequest records that retrieval could not assemble enough context.
type ContextRequest struct {
	TargetMS   int64   `json:"target_ms"`
	WindowMS   int64   `json:"window_ms"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Evidence is an item waiting to be appended to the ledger.
type Evidence struct {
	Type        Type
	Payload     json.RawMessage
	OccurredAt  time.Time
	VideoStart  *int64
	VideoEnd    *int64
	BlobPointer *string
}

// Record is an immutable ledger row.
type Record struct {
	SessionID   string          `json:"session_id"`
	Sequence    int64           `json:"sequence"`
	Type        Type            `json:"evidence_type"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	Critical    bool            `json:"critical"`
	OccurredAt  int64           `json:"occurred_at"`
	VideoStart  *int64          `json:"video_start_ms,omitempty"`
	VideoEnd    *int64          `json:"video_end_ms,omitempty"`
	BlobPointer *string         `json:"blob_pointer,omitempty"`
}

// NewTranscript builds transcript evidence.
func NewTranscript(t Transcript, at time.Time) (Evidence, error) {
	if t.EndMS < t.StartMS {
		return Evidence{}, fmt.Errorf("transcript end %d before start %d", t.EndMS, t.StartMS)
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return Evidence{}, err
	}
	start, end := t.StartMS, t.EndMS
	return Evidence{Type: TypeTranscript, Payload: payload, OccurredAt: at, VideoStart: &start, VideoEnd: &end}, nil
}

// NewFrameRef builds frame evidence. The pointer is recorded as the blob pointer.
func NewFrameRef(f FrameRef, at time.Time) (Evidence, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return Evidence{}, err
	}
	ts := f.TimestampMS
	ptr := f.Pointer
	return Evidence{Type: TypeFrameRef, Payload: payload, OccurredAt: at, VideoStart: &ts, VideoEnd: &ts, BlobPointer: &ptr}, nil
}

// NewDecision builds a reconciler decision record of type t.
func NewDecision(t Type, d Decision, at time.Time) (Evidence, error) {
	if !t.IsDecision() {
		return Evidence{}, fmt.Errorf("%s is not a decision type", t)
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return Evidence{}, err
	}
	return Evidence{Type: t, Payload: payload, OccurredAt: at}, nil
}

// NewContextRequest builds a context_request record.
func NewContextRequest(c ContextRequest, at time.Time) (Evidence, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return Evidence{}, err
	}
	return Evidence{Type: TypeContextRequest, Payload: payload, OccurredAt: at}, nil
}

// Transcript decodes a transcript payload.
func (r *Record) Transcript() (Transcript, error) {
	var t Transcript
	if r.Type != TypeTranscript {
		return t, fmt.Errorf("record %d is %s, not transcript", r.Sequence, r.Type)
	}
	err := json.Unmarshal(r.Payload, &t)
	return t, err
}

// FrameRef decodes a frame_ref payload.
func (r *Record) FrameRef() (FrameRef, error) {
	var f FrameRef
	if r.Type != TypeFrameRef {
		return f, fmt.Errorf("record %d is %s, not frame_ref", r.Sequence, r.Type)
	}
	err := json.Unmarshal(r.Payload, &f)
	return f, err
}

// Decision decodes a note decision payload.
func (r *Record) Decision() (Decision, error) {
	var d Decision
	if !r.Type.IsDecision() {
		return d, fmt.Errorf("record %d is %s, not a decision", r.Sequence, r.Type)
	}
	err := json.Unmarshal(r.Payload, &d)
	return d, err
}

// ContextRequest decodes a context_request payload.
func (r *Record) ContextRequest() (ContextRequest, error) {
	var c ContextRequest
	if r.Type != TypeContextRequest {
		return c, fmt.Errorf("record %d is %s, not context_request", r.Sequence, r.Type)
	}
	err := json.Unmarshal(r.Payload, &c)
	return c, err
}
