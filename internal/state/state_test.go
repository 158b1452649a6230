package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusActive, true},
		{StatusActive, StatusIdle, true},
		{StatusIdle, StatusActive, true},
		{StatusIdle, StatusCheckpointed, true},
		{StatusCheckpointed, StatusActive, true},
		{StatusCheckpointed, StatusClosed, true},
		{StatusActive, StatusDegraded, true},
		{StatusDegraded, StatusActive, false},
		{StatusDegraded, StatusClosed, true},
		{StatusIdle, StatusAbandoned, true},
		{StatusClosed, StatusActive, false},
		{StatusAbandoned, StatusClosed, false},
		{StatusAbandoned, StatusAbandoned, false},
		{StatusActive, StatusActive, true},
		{StatusCheckpointed, StatusIdle, false},
		{StatusActive, StatusCreated, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusClosed.Terminal())
	assert.True(t, StatusAbandoned.Terminal())
	assert.False(t, StatusDegraded.Terminal())
	assert.True(t, StatusDegraded.ReadOnly())
	assert.False(t, StatusIdle.ReadOnly())
	assert.False(t, Status("paused").Valid())
}

func TestSnapshotTransition(t *testing.T) {
	s := &Snapshot{Status: StatusCreated}
	require.NoError(t, s.Transition(StatusActive))
	require.Error(t, s.Transition(StatusCreated))
	assert.Equal(t, StatusActive, s.Status)
}

func TestSnapshotDegrade(t *testing.T) {
	s := &Snapshot{Status: StatusActive}
	s.Degrade("ledger write failed")
	assert.Equal(t, StatusDegraded, s.Status)
	assert.Equal(t, "ledger write failed", s.Health.DegradedReason)

	closed := &Snapshot{Status: StatusClosed}
	closed.Degrade("late failure")
	assert.Equal(t, StatusClosed, closed.Status)
}

func TestAdvanceCursorIsMonotonic(t *testing.T) {
	s := &Snapshot{}
	s.AdvanceCursor(5)
	s.AdvanceCursor(3)
	assert.Equal(t, int64(5), s.LedgerCursor)
	s.AdvanceCursor(9)
	assert.Equal(t, int64(9), s.LedgerCursor)
}

func TestNoteSet(t *testing.T) {
	s := &Snapshot{}
	s.AddNote("a")
	s.AddNote("b")
	s.AddNote("a")
	assert.Equal(t, []string{"a", "b"}, s.NoteIDs)
	s.RemoveNote("a")
	assert.Equal(t, []string{"b"}, s.NoteIDs)
}

func TestClone(t *testing.T) {
	at := int64(10)
	s := &Snapshot{NoteIDs: []string{"a"}, CheckpointedAt: &at}
	c := s.Clone()
	c.NoteIDs[0] = "z"
	*c.CheckpointedAt = 99
	assert.Equal(t, "a", s.NoteIDs[0])
	assert.Equal(t, int64(10), *s.CheckpointedAt)
}
