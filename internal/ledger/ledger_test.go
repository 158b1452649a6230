package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/evidence"
)

func setupLedger(t *testing.T) (*Ledger, *sql.DB) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database, WithRetry(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond})), database
}

func transcript(t *testing.T, text string, start, end int64) evidence.Evidence {
	t.Helper()
	ev, err := evidence.NewTranscript(evidence.Transcript{Text: text, StartMS: start, EndMS: end}, time.UnixMilli(1_700_000_000_000))
	require.NoError(t, err)
	return ev
}

func frame(t *testing.T, ptr string, ts int64) evidence.Evidence {
	t.Helper()
	ev, err := evidence.NewFrameRef(evidence.FrameRef{Pointer: ptr, TimestampMS: ts}, time.UnixMilli(1_700_000_000_000))
	require.NoError(t, err)
	return ev
}

func TestAppend_AssignsIncreasingSequencePerSession(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	r1, err := l.Append(ctx, "s1", transcript(t, "first", 0, 1000))
	require.NoError(t, err)
	r2, err := l.Append(ctx, "s1", frame(t, "f/1", 500))
	require.NoError(t, err)
	other, err := l.Append(ctx, "s2", transcript(t, "other", 0, 1000))
	require.NoError(t, err)

	assert.Equal(t, int64(1), r1.Sequence)
	assert.Equal(t, int64(2), r2.Sequence)
	assert.Equal(t, int64(1), other.Sequence)
	assert.True(t, r1.Critical)
	assert.False(t, r2.Critical)
	assert.True(t, HashCheck(r1))

	head, err := l.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)

	head, err = l.Head(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

func TestAppend_RejectsInvalidInput(t *testing.T) {
	l, _ := setupLedger(t)

	_, err := l.Append(context.Background(), "", transcript(t, "x", 0, 1))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = l.Append(context.Background(), "s1", evidence.Evidence{Type: "telemetry"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestAppend_ConcurrentWritersNeverShareASequence(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	const writers, perWriter = 6, 15
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", w%2)
			for i := 0; i < perWriter; i++ {
				_, err := l.Append(ctx, session, transcript(t, fmt.Sprintf("w%d-%d", w, i), int64(i), int64(i+1)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	for _, session := range []string{"s0", "s1"} {
		records, err := l.ReadRange(ctx, session, 1, 0)
		require.NoError(t, err)
		require.Len(t, records, writers/2*perWriter)
		for i, r := range records {
			assert.Equal(t, int64(i+1), r.Sequence)
		}
	}
}

func TestAppend_RoundTripPreservesHash(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	written, err := l.Append(ctx, "s1", frame(t, "frames/a.jpg", 4200))
	require.NoError(t, err)

	records, err := l.ReadRange(ctx, "s1", 1, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	got := records[0]

	assert.Equal(t, written.PayloadHash, got.PayloadHash)
	assert.True(t, HashCheck(got))
	require.NotNil(t, got.BlobPointer)
	assert.Equal(t, "frames/a.jpg", *got.BlobPointer)
	assert.Equal(t, int64(4200), *got.VideoStart)
}

func TestAppend_RetriesExhaustedIsLedgerUnavailable(t *testing.T) {
	l, database := setupLedger(t)
	database.Close()

	_, err := l.Append(context.Background(), "s1", transcript(t, "lost?", 0, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLedgerUnavailable))
}

func TestReadRange(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, "s1", transcript(t, "x", 0, 1))
		require.NoError(t, err)
	}

	records, err := l.ReadRange(ctx, "s1", 2, 4)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(2), records[0].Sequence)
	assert.Equal(t, int64(4), records[2].Sequence)

	tail, err := l.ReadRange(ctx, "s1", 4, 0)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestWindow(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "s1", transcript(t, "early", 0, 1000)) // 1
	require.NoError(t, err)
	_, err = l.Append(ctx, "s1", transcript(t, "near", 9000, 11000)) // 2
	require.NoError(t, err)
	_, err = l.Append(ctx, "s1", frame(t, "f/1", 10500)) // 3
	require.NoError(t, err)
	_, err = l.Append(ctx, "s1", transcript(t, "later", 10000, 10400)) // 4
	require.NoError(t, err)
	cr, err := evidence.NewContextRequest(evidence.ContextRequest{TargetMS: 10000}, time.Now())
	require.NoError(t, err)
	_, err = l.Append(ctx, "s1", cr) // 5
	require.NoError(t, err)

	all, err := l.Window(ctx, "s1", Query{FromMS: 8000, ToMS: 12000})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, sequences(all))

	critical, err := l.Window(ctx, "s1", Query{FromMS: 8000, ToMS: 12000, CriticalOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4}, sequences(critical))

	bounded, err := l.Window(ctx, "s1", Query{FromMS: 8000, ToMS: 12000, MaxSeq: 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, sequences(bounded))
}

func TestVerify_DetectsTamperingAndGaps(t *testing.T) {
	l, database := setupLedger(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, "s1", transcript(t, fmt.Sprintf("line %d", i), 0, 1))
		require.NoError(t, err)
	}

	audit, err := Verify(ctx, l, "s1")
	require.NoError(t, err)
	assert.True(t, audit.OK())
	assert.Equal(t, 4, audit.Critical)

	// Bypass the append-only triggers to simulate on-disk corruption.
	_, err = database.Exec(`DROP TRIGGER evidence_no_update`)
	require.NoError(t, err)
	_, err = database.Exec(`DROP TRIGGER evidence_no_delete`)
	require.NoError(t, err)
	_, err = database.Exec(`UPDATE evidence SET payload = '{"text":"forged"}' WHERE session_id = 's1' AND sequence = 2`)
	require.NoError(t, err)
	_, err = database.Exec(`DELETE FROM evidence WHERE session_id = 's1' AND sequence = 3`)
	require.NoError(t, err)

	audit, err = Verify(ctx, l, "s1")
	require.NoError(t, err)
	assert.False(t, audit.OK())
	assert.Equal(t, []int64{2}, audit.Corrupted)
	assert.Equal(t, []int64{3}, audit.Missing)
	assert.Equal(t, int64(4), audit.Head)
}

func TestSessions(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()
	_, err := l.Append(ctx, "b", transcript(t, "x", 0, 1))
	require.NoError(t, err)
	_, err = l.Append(ctx, "a", transcript(t, "x", 0, 1))
	require.NoError(t, err)

	ids, err := l.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func sequences(records []*evidence.Record) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.Sequence
	}
	return out
}
