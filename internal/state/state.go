// Package state holds the persisted per-session snapshot and the session
// status state machine.
package state

import (
	"fmt"
	"slices"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated      Status = "created"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusCheckpointed Status = "checkpointed"
	StatusDegraded     Status = "degraded"
	StatusClosed       Status = "closed"
	StatusAbandoned    Status = "abandoned"
)

// transitions lists the legal targets for each status. Staying in the same
// status is always allowed for non-terminal states.
var transitions = map[Status][]Status{
	StatusCreated:      {StatusActive, StatusCheckpointed, StatusDegraded, StatusClosed, StatusAbandoned},
	StatusActive:       {StatusIdle, StatusCheckpointed, StatusDegraded, StatusClosed, StatusAbandoned},
	StatusIdle:         {StatusActive, StatusCheckpointed, StatusDegraded, StatusClosed, StatusAbandoned},
	StatusCheckpointed: {StatusActive, StatusDegraded, StatusClosed, StatusAbandoned},
	StatusDegraded:     {StatusClosed, StatusAbandoned},
	StatusClosed:       nil,
	StatusAbandoned:    nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusAbandoned
}

// ReadOnly reports whether the session stops producing notes.
func (s Status) ReadOnly() bool {
	return s == StatusDegraded || s.Terminal()
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	return slices.Contains(transitions[from], to)
}

// Health carries the operator-facing failure history of a session.
type Health struct {
	LastError        string `json:"last_error,omitempty"`
	DegradedReason   string `json:"degraded_reason,omitempty"`
	RestartCount     int    `json:"restart_count"`
	CorruptedRecords int    `json:"corrupted_records"`
	Evictions        uint64 `json:"evictions"`
	SynthesisFailed  int    `json:"synthesis_failed"`
}

// Snapshot is the checkpointed state of one session.
type Snapshot struct {
	ID             string   `json:"session_id"`
	VideoID        string   `json:"video_id"`
	Status         Status   `json:"status"`
	LedgerCursor   int64    `json:"ledger_cursor"`
	NoteIDs        []string `json:"note_ids"`
	Health         Health   `json:"health"`
	CreatedAt      int64    `json:"created_at"`
	LastActivityAt int64    `json:"last_activity_at"`
	CheckpointedAt *int64   `json:"checkpointed_at,omitempty"`
}

// Transition moves the snapshot to status to, or returns an error if illegal.
func (s *Snapshot) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("illegal session transition %s -> %s", s.Status, to)
	}
	s.Status = to
	return nil
}

// Degrade moves the session to degraded and records why. Terminal sessions are left alone.
func (s *Snapshot) Degrade(reason string) {
	if s.Status.Terminal() {
		return
	}
	s.Status = StatusDegraded
	s.Health.DegradedReason = reason
	s.Health.LastError = reason
}

// AdvanceCursor moves the ledger cursor forward. It never moves backwards.
func (s *Snapshot) AdvanceCursor(seq int64) {
	if seq > s.LedgerCursor {
		s.LedgerCursor = seq
	}
}

// AddNote appends id to the ordered note set if absent.
func (s *Snapshot) AddNote(id string) {
	if !slices.Contains(s.NoteIDs, id) {
		s.NoteIDs = append(s.NoteIDs, id)
	}
}

// RemoveNote drops id from the note set.
func (s *Snapshot) RemoveNote(id string) {
	s.NoteIDs = slices.DeleteFunc(s.NoteIDs, func(n string) bool { return n == id })
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.NoteIDs = slices.Clone(s.NoteIDs)
	if s.CheckpointedAt != nil {
		at := *s.CheckpointedAt
		c.CheckpointedAt = &at
	}
	return &c
}
