package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_MatchesLedgerSemantics(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Append(ctx, "s1", transcript(t, "near", 9000, 11000))
	require.NoError(t, err)
	_, err = m.Append(ctx, "s1", frame(t, "f/1", 10500))
	require.NoError(t, err)
	_, err = m.Append(ctx, "s1", transcript(t, "far", 50000, 51000))
	require.NoError(t, err)

	head, err := m.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)

	win, err := m.Window(ctx, "s1", Query{FromMS: 8000, ToMS: 12000, CriticalOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, sequences(win))

	audit, err := Verify(ctx, m, "s1")
	require.NoError(t, err)
	assert.True(t, audit.OK())
}

func TestMemory_LoadKeepsSequences(t *testing.T) {
	src := NewMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := src.Append(ctx, "s1", transcript(t, "x", 0, 1))
		require.NoError(t, err)
	}
	records, err := src.ReadRange(ctx, "s1", 1, 0)
	require.NoError(t, err)

	dst := NewMemory()
	require.NoError(t, dst.Load(records[0], records[2]))
	head, err := dst.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)

	audit, err := Verify(ctx, dst, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, audit.Missing)
	assert.Empty(t, audit.Corrupted)

	assert.Error(t, dst.Load(records[1]))
}
