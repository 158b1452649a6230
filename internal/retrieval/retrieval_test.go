package retrieval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/evidence"
	"github.com/hpungsan/margin/internal/ledger"
	"github.com/hpungsan/margin/internal/note"
)

func addTranscript(t *testing.T, s ledger.Store, text string, start, end int64) int64 {
	t.Helper()
	ev, err := evidence.NewTranscript(evidence.Transcript{Text: text, StartMS: start, EndMS: end}, time.UnixMilli(1))
	require.NoError(t, err)
	rec, err := s.Append(context.Background(), "s1", ev)
	require.NoError(t, err)
	return rec.Sequence
}

func addFrame(t *testing.T, s ledger.Store, ptr, summary string, ts int64) int64 {
	t.Helper()
	ev, err := evidence.NewFrameRef(evidence.FrameRef{Pointer: ptr, TimestampMS: ts, Summary: summary}, time.UnixMilli(1))
	require.NoError(t, err)
	rec, err := s.Append(context.Background(), "s1", ev)
	require.NoError(t, err)
	return rec.Sequence
}

func defaultOpts() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestFetchWindow_PrimaryWindowSufficient(t *testing.T) {
	store := ledger.NewMemory()
	addTranscript(t, store, words(12), 10000, 11000)
	addTranscript(t, store, "far away", 40000, 41000)

	set, err := New(store).FetchWindow(context.Background(), "s1", 10500, nil, defaultOpts())
	require.NoError(t, err)

	assert.False(t, set.Expanded)
	assert.False(t, set.LowConfidence)
	assert.InDelta(t, 0.75, set.Confidence, 1e-9)
	require.Len(t, set.Transcripts, 1)
	assert.Equal(t, note.Span{StartMS: 7500, EndMS: 13500}, set.Window)
	assert.Equal(t, note.Span{StartMS: 10000, EndMS: 11000}, set.Span())
	assert.Equal(t, note.Range{From: 1, To: 1}, set.Sources())
}

func TestFetchWindow_ExpandsToSecondaryWindow(t *testing.T) {
	store := ledger.NewMemory()
	addTranscript(t, store, words(24), 13500, 14000)

	set, err := New(store).FetchWindow(context.Background(), "s1", 10000, nil, defaultOpts())
	require.NoError(t, err)

	assert.True(t, set.Expanded)
	assert.False(t, set.LowConfidence)
	assert.InDelta(t, 0.825, set.Confidence, 1e-9)
	assert.Zero(t, set.ContextRequestSeq)
}

func TestFetchWindow_LowConfidenceEmitsContextRequest(t *testing.T) {
	store := ledger.NewMemory()
	addTranscript(t, store, "short remark", 16000, 16500)

	set, err := New(store).FetchWindow(context.Background(), "s1", 10000, nil, defaultOpts())
	require.NoError(t, err)

	assert.True(t, set.Expanded)
	assert.True(t, set.LowConfidence)
	assert.Less(t, set.Confidence, 0.5)
	require.Len(t, set.Transcripts, 1, "low confidence still returns what was found")
	assert.Equal(t, int64(2), set.ContextRequestSeq)

	records, err := store.ReadRange(context.Background(), "s1", 2, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, evidence.TypeContextRequest, records[0].Type)
	assert.False(t, records[0].Critical)
	cr, err := records[0].ContextRequest()
	require.NoError(t, err)
	assert.Equal(t, int64(10000), cr.TargetMS)
}

func TestFetchWindow_DryRunAppendsNothing(t *testing.T) {
	store := ledger.NewMemory()
	addTranscript(t, store, "short remark", 16000, 16500)

	opts := defaultOpts()
	opts.DryRun = true
	set, err := New(store).FetchWindow(context.Background(), "s1", 10000, nil, opts)
	require.NoError(t, err)

	assert.True(t, set.LowConfidence)
	assert.Zero(t, set.ContextRequestSeq)
	head, err := store.Head(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

func TestFetchWindow_EmptyLedgerIsLowConfidence(t *testing.T) {
	store := ledger.NewMemory()
	set, err := New(store).FetchWindow(context.Background(), "s1", 5000, nil, defaultOpts())
	require.NoError(t, err)
	assert.True(t, set.LowConfidence)
	assert.Equal(t, 0.0, set.Confidence)
	assert.Empty(t, set.Transcripts)
}

func TestFetchWindow_CriticalBeforeDroppableUnderBudget(t *testing.T) {
	store := ledger.NewMemory()
	addFrame(t, store, "f/1", "wide shot establishing", 10000)
	addTranscript(t, store, "pacing drags here badly", 10000, 11000) // 6 tokens

	opts := defaultOpts()
	opts.TokenBudget = 7
	set, err := New(store).FetchWindow(context.Background(), "s1", 10500, nil, opts)
	require.NoError(t, err)

	require.Len(t, set.Transcripts, 1)
	assert.Empty(t, set.Frames)
	assert.Equal(t, 1, set.Omitted)
	assert.Equal(t, 6, set.Tokens)
}

type fakeBlobs map[string]bool

func (f fakeBlobs) Exists(p string) bool { return f[p] }

func TestFetchWindow_FlagsExpiredBlobs(t *testing.T) {
	store := ledger.NewMemory()
	addTranscript(t, store, words(12), 10000, 11000)
	addFrame(t, store, "f/kept", "", 10200)
	addFrame(t, store, "f/gone", "", 10100)

	set, err := New(store, WithBlobs(fakeBlobs{"f/kept": true})).FetchWindow(context.Background(), "s1", 10500, nil, defaultOpts())
	require.NoError(t, err)

	require.Len(t, set.Frames, 2)
	assert.Equal(t, "f/gone", set.Frames[0].Pointer)
	assert.False(t, set.Frames[0].BlobAvailable)
	assert.True(t, set.Frames[1].BlobAvailable)
}

func TestFetchWindow_IncludesOverlappingActiveNotes(t *testing.T) {
	store := ledger.NewMemory()
	addTranscript(t, store, words(12), 10000, 11000)

	prior := []*note.Note{
		{ID: "b", Span: note.Span{StartMS: 9000, EndMS: 10000}, Text: "near", Status: note.StatusActive},
		{ID: "a", Span: note.Span{StartMS: 8000, EndMS: 9500}, Text: "earlier", Status: note.StatusActive},
		{ID: "old", Span: note.Span{StartMS: 9000, EndMS: 10000}, Text: "gone", Status: note.StatusArchived},
		{ID: "far", Span: note.Span{StartMS: 60000, EndMS: 61000}, Text: "far", Status: note.StatusActive},
	}
	set, err := New(store).FetchWindow(context.Background(), "s1", 10500, prior, defaultOpts())
	require.NoError(t, err)

	require.Len(t, set.PriorNotes, 2)
	assert.Equal(t, "a", set.PriorNotes[0].ID)
	assert.Equal(t, "b", set.PriorNotes[1].ID)
}

func TestFetchWindow_AsOfAndAnchor(t *testing.T) {
	store := ledger.NewMemory()
	addTranscript(t, store, words(12), 10000, 11000)
	addTranscript(t, store, words(12), 14000, 15000)
	addTranscript(t, store, words(12), 10500, 10800)

	opts := defaultOpts()
	opts.AsOf = 2
	opts.Anchor = note.Span{StartMS: 10000, EndMS: 15000}
	set, err := New(store).FetchWindow(context.Background(), "s1", 12500, nil, opts)
	require.NoError(t, err)

	require.Len(t, set.Transcripts, 2)
	assert.Equal(t, []int64{1, 2}, []int64{set.Transcripts[0].Sequence, set.Transcripts[1].Sequence})
	assert.Equal(t, note.Span{StartMS: 7000, EndMS: 18000}, set.Window)
	assert.Equal(t, int64(2), set.AsOf)
}

func TestFetchWindow_SkipsCorruptedRecords(t *testing.T) {
	src := ledger.NewMemory()
	addTranscript(t, src, words(12), 10000, 11000)
	addTranscript(t, src, words(12), 10200, 10900)
	records, err := src.ReadRange(context.Background(), "s1", 1, 0)
	require.NoError(t, err)

	forged := *records[1]
	forged.Payload = []byte(`{"text":"forged","start_ms":10200,"end_ms":10900}`)
	store := ledger.NewMemory()
	require.NoError(t, store.Load(records[0], &forged))

	set, err := New(store).FetchWindow(context.Background(), "s1", 10500, nil, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, set.Corrupted)
	require.Len(t, set.Transcripts, 1)
	assert.Equal(t, int64(1), set.Transcripts[0].Sequence)
}

func TestFetchWindow_RejectsBadWindows(t *testing.T) {
	opts := defaultOpts()
	opts.SecondaryWindowMS = 1
	_, err := New(ledger.NewMemory()).FetchWindow(context.Background(), "s1", 0, nil, opts)
	assert.Error(t, err)
}
