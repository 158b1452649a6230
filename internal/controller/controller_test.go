package controller

import (
	"bytes"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/evidence"
	"github.com/hpungsan/margin/internal/note"
)

func rec(seq int64) *evidence.Record {
	return &evidence.Record{Sequence: seq}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		kind  Kind
		class Class
	}{
		{KindTranscript, Critical},
		{KindCheckpointNow, Critical},
		{KindClose, Critical},
		{KindFrameRef, Droppable},
		{Kind("telemetry"), Droppable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.class, Classify(tt.kind), tt.kind)
	}
	assert.True(t, KindClose.Control())
	assert.False(t, KindTranscript.Control())
	assert.False(t, Kind("telemetry").Valid())
}

func TestBatch_CriticalIsNeverDropped(t *testing.T) {
	b := NewBatch(2)
	for i := int64(1); i <= 500; i++ {
		b.AddCritical(rec(i))
	}
	for i := int64(501); i <= 510; i++ {
		b.AddDroppable(rec(i))
	}
	assert.Equal(t, int64(1), b.OldestCritical())

	d := b.Drain()
	assert.Equal(t, int64(0), b.OldestCritical())
	assert.Len(t, d.Critical, 500)
	assert.Len(t, d.Droppable, 2)
	assert.Equal(t, note.Range{From: 1, To: 510}, d.Range())
	assert.Equal(t, 0, b.Len())
}

func TestBatch_EvictsOldestOnlyAtCapacity(t *testing.T) {
	b := NewBatch(3)

	for i := int64(1); i <= 3; i++ {
		assert.Nil(t, b.AddDroppable(rec(i)))
		assert.Equal(t, uint64(0), b.Evictions())
	}

	evicted := b.AddDroppable(rec(4))
	require.NotNil(t, evicted)
	assert.Equal(t, int64(1), evicted.Sequence)
	assert.Equal(t, uint64(1), b.Evictions())

	d := b.Drain()
	assert.Equal(t, []int64{2, 3, 4}, seqs(d.Droppable))

	// Draining resets the ring but never the counter.
	assert.Nil(t, b.AddDroppable(rec(5)))
	assert.Equal(t, uint64(1), b.Evictions())
}

func TestBatch_EvictionCountProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, capacity := range []int{1, 5, 20} {
		b := NewBatch(capacity)
		var expected uint64
		inRing := 0
		last := b.Evictions()
		for i := 0; i < 2000; i++ {
			switch rng.Intn(10) {
			case 0:
				b.Drain()
				inRing = 0
			case 1, 2:
				b.AddCritical(rec(int64(i)))
			default:
				evicted := b.AddDroppable(rec(int64(i)))
				if inRing == capacity {
					expected++
					assert.NotNil(t, evicted)
				} else {
					inRing++
					assert.Nil(t, evicted)
				}
			}
			assert.GreaterOrEqual(t, b.Evictions(), last)
			last = b.Evictions()
		}
		assert.Equal(t, expected, b.Evictions(), "capacity %d", capacity)
	}
}

func spoken(seq, startMS, endMS int64) *evidence.Record {
	return &evidence.Record{Sequence: seq, Critical: true, VideoStart: &startMS, VideoEnd: &endMS}
}

func frame(seq, ts int64) *evidence.Record {
	return &evidence.Record{Sequence: seq, VideoStart: &ts, VideoEnd: &ts}
}

func TestSplit_SeekStartsNewCluster(t *testing.T) {
	d := Drained{
		Critical:  []*evidence.Record{spoken(1, 10000, 10900), spoken(3, 500000, 500900), spoken(4, 503000, 503900)},
		Droppable: []*evidence.Record{frame(2, 10500), frame(5, 504000)},
	}
	parts := d.Split(10000, 20000)
	require.Len(t, parts, 2)

	assert.Equal(t, []int64{1}, seqs(parts[0].Critical))
	assert.Equal(t, []int64{2}, seqs(parts[0].Droppable))
	assert.Equal(t, note.Range{From: 1, To: 2}, parts[0].Range())

	assert.Equal(t, []int64{3, 4}, seqs(parts[1].Critical))
	assert.Equal(t, []int64{5}, seqs(parts[1].Droppable))
	assert.Equal(t, note.Range{From: 3, To: 5}, parts[1].Range())
}

func TestSplit_ClustersAreContiguousRuns(t *testing.T) {
	// Back and forth between two scenes: returning to the first scene starts
	// a third cluster instead of reaching over the second.
	d := Drained{Critical: []*evidence.Record{
		spoken(1, 10000, 10900),
		spoken(2, 300000, 300900),
		spoken(3, 11000, 11900),
	}}
	parts := d.Split(10000, 20000)
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.Equal(t, []int64{int64(i + 1)}, seqs(p.Critical))
	}
}

func TestSplit_CapsClusterSpan(t *testing.T) {
	var critical []*evidence.Record
	for i := int64(0); i < 10; i++ {
		critical = append(critical, spoken(i+1, i*5000, i*5000+900))
	}
	parts := Drained{Critical: critical}.Split(10000, 20000)
	require.Greater(t, len(parts), 1)

	total := 0
	for _, p := range parts {
		total += len(p.Critical)
		first, last := p.Critical[0], p.Critical[len(p.Critical)-1]
		assert.LessOrEqual(t, *last.VideoEnd-*first.VideoStart, int64(20000))
	}
	assert.Equal(t, 10, total)
}

func TestSplit_EdgeCases(t *testing.T) {
	assert.Nil(t, Drained{}.Split(10000, 20000))

	frames := Drained{Droppable: []*evidence.Record{frame(1, 0), frame(2, 900000)}}
	assert.Equal(t, []Drained{frames}, frames.Split(10000, 20000))

	// Records without a video anchor stay with their neighbours.
	d := Drained{Critical: []*evidence.Record{spoken(1, 0, 900), {Sequence: 2, Critical: true}, spoken(3, 1000, 1900)}}
	parts := d.Split(10000, 20000)
	require.Len(t, parts, 1)
	assert.Equal(t, []int64{1, 2, 3}, seqs(parts[0].Critical))

	far := Drained{Critical: []*evidence.Record{spoken(1, 0, 900), spoken(2, 900000, 900900)}}
	assert.Len(t, far.Split(0, 0), 1)
}

func testPolicy() DelayPolicy {
	return PolicyFromConfig(config.DefaultConfig())
}

func TestDecide(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		name   string
		s      Signals
		want   time.Duration
		reason Reason
	}{
		{"first submission", Signals{First: true, Recent: 1}, 2 * time.Second, ReasonIdle},
		{"after idle gap", Signals{SincePrevious: 15 * time.Second, Recent: 1}, 2 * time.Second, ReasonIdle},
		{"burst", Signals{SincePrevious: 500 * time.Millisecond, Recent: 5}, 6 * time.Second, ReasonBurst},
		{"at burst threshold", Signals{SincePrevious: time.Second, Recent: 3}, 4 * time.Second, ReasonDefault},
		{"similar vocabulary", Signals{SincePrevious: time.Second, Recent: 2, Similarity: 0.6}, 6 * time.Second, ReasonSimilarity},
		{"default", Signals{SincePrevious: time.Second, Recent: 2, Similarity: 0.1}, 4 * time.Second, ReasonDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := p.Decide(tt.s)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestActivity_IdleThenOneTranscriptIsShort(t *testing.T) {
	p := testPolicy()
	a := NewActivity(p.IdleThreshold, 3)
	t0 := time.Unix(1000, 0)

	a.Observe(t0, "opening line about the intro")
	d, reason := p.Decide(a.Observe(t0.Add(15*time.Second), "a different remark on color"))
	assert.Equal(t, 2*time.Second, d)
	assert.Equal(t, ReasonIdle, reason)
}

func TestActivity_FiveWithinThreeSecondsIsLong(t *testing.T) {
	p := testPolicy()
	a := NewActivity(p.IdleThreshold, 3)
	t0 := time.Unix(1000, 0)
	texts := []string{"music swells", "camera shakes", "caption typo", "audio drifts", "cut feels abrupt"}

	var d time.Duration
	var reason Reason
	for i, text := range texts {
		d, reason = p.Decide(a.Observe(t0.Add(time.Duration(i)*600*time.Millisecond), text))
	}
	assert.Equal(t, 6*time.Second, d)
	assert.Equal(t, ReasonBurst, reason)
}

func TestActivity_SimilarVocabularyIsLong(t *testing.T) {
	p := testPolicy()
	a := NewActivity(p.IdleThreshold, 3)
	t0 := time.Unix(1000, 0)

	a.Observe(t0, "the lighting looks harsh on the left")
	s := a.Observe(t0.Add(2*time.Second), "harsh lighting on the left side")
	assert.Greater(t, s.Similarity, 0.5)
	d, reason := p.Decide(s)
	assert.Equal(t, 6*time.Second, d)
	assert.Equal(t, ReasonSimilarity, reason)
}

func TestActivity_DroppableDoesNotAffectSimilarity(t *testing.T) {
	a := NewActivity(10*time.Second, 3)
	t0 := time.Unix(1000, 0)
	a.Observe(t0, "harsh lighting")
	s := a.Observe(t0.Add(time.Second), "")
	assert.Equal(t, 0.0, s.Similarity)
	assert.Equal(t, 2, s.Recent)
}

type signals struct {
	mu     sync.Mutex
	levels []Level
}

func (s *signals) record(l Level, _ int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = append(s.levels, l)
}

func (s *signals) count(l Level) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.levels {
		if got == l {
			n++
		}
	}
	return n
}

func defaultMarks() Watermarks {
	return Watermarks{Warning: 50, Critical: 100, Recovery: 25}
}

func TestMonitor_ExactlyOneSignalPerCrossing(t *testing.T) {
	sig := &signals{}
	m := NewMonitor(defaultMarks(), sig.record, nil)

	for i := 0; i < 100; i++ {
		m.Inc()
	}
	assert.Equal(t, 1, sig.count(LevelCritical))
	assert.Equal(t, LevelCritical, m.Level())

	// Flapping around the critical watermark does not re-fire.
	for i := 0; i < 20; i++ {
		m.Dec()
		m.Inc()
		m.Inc()
		m.Dec()
	}
	assert.Equal(t, 1, sig.count(LevelCritical))

	// Between the watermarks nothing happens.
	for m.Depth() > 25 {
		m.Dec()
	}
	assert.Equal(t, 0, sig.count(LevelNormal))

	m.Dec()
	assert.Equal(t, int64(24), m.Depth())
	assert.Equal(t, 1, sig.count(LevelNormal))
	assert.Equal(t, LevelNormal, m.Level())

	for m.Depth() > 0 {
		m.Dec()
	}
	assert.Equal(t, 1, sig.count(LevelNormal))

	// A fresh climb fires again.
	for i := 0; i < 100; i++ {
		m.Inc()
	}
	assert.Equal(t, 2, sig.count(LevelCritical))
	assert.Equal(t, []Level{LevelCritical, LevelNormal, LevelCritical}, sig.levels)
}

func TestMonitor_ConcurrentProducers(t *testing.T) {
	sig := &signals{}
	m := NewMonitor(defaultMarks(), sig.record, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				m.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(320), m.Depth())
	assert.Equal(t, 1, sig.count(LevelCritical))

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				m.Dec()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), m.Depth())
	assert.Equal(t, 1, sig.count(LevelNormal))
}

func TestMonitor_WarnsOncePerCrossing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	m := NewMonitor(defaultMarks(), nil, logger)

	for i := 0; i < 70; i++ {
		m.Inc()
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "warning watermark"))

	for m.Depth() >= 50 {
		m.Dec()
	}
	m.Inc()
	assert.Equal(t, 2, strings.Count(buf.String(), "warning watermark"))
}

func TestMailbox(t *testing.T) {
	sig := &signals{}
	mb := NewMailbox[int](NewMonitor(Watermarks{Warning: 2, Critical: 3, Recovery: 1}, sig.record, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	mb.Push(1)
	mb.Push(2)
	mb.Push(3)
	assert.Equal(t, int64(3), mb.Depth())
	assert.Equal(t, 1, sig.count(LevelCritical))

	select {
	case <-mb.Notify():
	default:
		t.Fatal("expected a notification")
	}
	select {
	case <-mb.Notify():
		t.Fatal("notifications should coalesce")
	default:
	}

	items := mb.Take()
	assert.Equal(t, []int{1, 2, 3}, items)
	assert.Empty(t, mb.Take())
	for range items {
		mb.Done()
	}
	assert.Equal(t, int64(0), mb.Depth())
	assert.Equal(t, 1, sig.count(LevelNormal))
}

func seqs(records []*evidence.Record) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.Sequence
	}
	return out
}
