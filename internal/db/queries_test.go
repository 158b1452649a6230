package db

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/note"
	"github.com/hpungsan/margin/internal/state"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndGetSession(t *testing.T) {
	db := openTestDB(t)

	s := &state.Snapshot{ID: "s1", VideoID: "v1", Status: state.StatusCreated, CreatedAt: 100, LastActivityAt: 100}
	require.NoError(t, InsertSession(db, s))

	err := InsertSession(db, s)
	assert.ErrorIs(t, err, ErrUniqueConstraint)

	got, err := GetSession(db, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.VideoID)
	assert.Equal(t, state.StatusCreated, got.Status)
	assert.Nil(t, got.NoteIDs)
	assert.Nil(t, got.CheckpointedAt)

	_, err = GetSession(db, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSaveSnapshot_CursorNeverRegresses(t *testing.T) {
	db := openTestDB(t)

	at := int64(500)
	s := &state.Snapshot{
		ID: "s1", VideoID: "v1", Status: state.StatusCheckpointed, LedgerCursor: 40,
		NoteIDs: []string{"n1", "n2"}, Health: state.Health{RestartCount: 1},
		CreatedAt: 100, LastActivityAt: 500, CheckpointedAt: &at,
	}
	require.NoError(t, SaveSnapshot(db, s))

	stale := s.Clone()
	stale.LedgerCursor = 12
	stale.Status = state.StatusActive
	require.NoError(t, SaveSnapshot(db, stale))

	got, err := GetSession(db, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.LedgerCursor)
	assert.Equal(t, state.StatusActive, got.Status)
	assert.Equal(t, []string{"n1", "n2"}, got.NoteIDs)
	assert.Equal(t, 1, got.Health.RestartCount)
	require.NotNil(t, got.CheckpointedAt)
	assert.Equal(t, int64(500), *got.CheckpointedAt)
}

func TestListSessions(t *testing.T) {
	db := openTestDB(t)

	for i, st := range []state.Status{state.StatusActive, state.StatusClosed, state.StatusIdle} {
		s := &state.Snapshot{
			ID: string(rune('a' + i)), VideoID: "v1", Status: st,
			CreatedAt: int64(i), LastActivityAt: int64(i * 10),
		}
		require.NoError(t, InsertSession(db, s))
	}

	all, total, err := ListSessions(db, SessionFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	closed, total, err := ListSessions(db, SessionFilters{Status: state.StatusClosed}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "b", closed[0].ID)

	page, total, err := ListSessions(db, SessionFilters{}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	open, err := ListOpenSessions(db)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
	assert.Equal(t, "c", open[1].ID)
}

func TestUpsertNotes(t *testing.T) {
	db := openTestDB(t)

	n := &note.Note{
		ID: "n1", SessionID: "s1", VideoID: "v1",
		Span: note.Span{StartMS: 1000, EndMS: 4000}, Text: "Audio clips here.",
		Confidence: 0.8, Status: note.StatusActive, Sources: note.Range{From: 1, To: 3},
		CreatedAt: 10, UpdatedAt: 10,
	}
	n.ContentHash = n.Hash()
	require.NoError(t, UpsertNotes(db, n))

	// Same ID converges on the same row.
	n.Text = "Audio clips through the chorus."
	n.ContentHash = n.Hash()
	n.UpdatedAt = 20
	archived := &note.Note{
		ID: "n0", SessionID: "s1", VideoID: "v1", Span: note.Span{StartMS: 0, EndMS: 500},
		Text: "old", Status: note.StatusArchived, SupersededBy: "n1", CreatedAt: 5, UpdatedAt: 20,
	}
	require.NoError(t, UpsertNotes(db, n, archived))

	got, err := GetNote(db, "n1")
	require.NoError(t, err)
	assert.Equal(t, "Audio clips through the chorus.", got.Text)
	assert.Equal(t, int64(10), got.CreatedAt)
	assert.Equal(t, int64(20), got.UpdatedAt)
	assert.Equal(t, note.Range{From: 1, To: 3}, got.Sources)

	active, err := ListNotes(db, "s1", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "n1", active[0].ID)

	all, err := ListNotes(db, "s1", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "n0", all[0].ID)
	assert.Equal(t, "n1", all[0].SupersededBy)

	_, err = GetNote(db, "nope")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}
