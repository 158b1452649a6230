// Package controller holds the per-session scheduling pieces: message
// classification, the pending batch, adaptive debounce and backpressure.
package controller

import (
	"cmp"
	"slices"
	"sync/atomic"

	"github.com/hpungsan/margin/internal/evidence"
	"github.com/hpungsan/margin/internal/note"
)

// Kind is an inbound message kind.
type Kind string

const (
	KindTranscript    Kind = "transcript"
	KindFrameRef      Kind = "frame_ref"
	KindCheckpointNow Kind = "checkpoint_now"
	KindClose         Kind = "close_session"
)

// Class is the retention class of a message.
type Class int

const (
	Droppable Class = iota
	Critical
)

func (c Class) String() string {
	if c == Critical {
		return "critical"
	}
	return "droppable"
}

// Classify returns the fixed retention class for k. Unknown kinds are droppable.
func Classify(k Kind) Class {
	switch k {
	case KindTranscript, KindCheckpointNow, KindClose:
		return Critical
	}
	return Droppable
}

// Control reports whether k is a session command rather than evidence.
func (k Kind) Control() bool {
	return k == KindCheckpointNow || k == KindClose
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTranscript, KindFrameRef, KindCheckpointNow, KindClose:
		return true
	}
	return false
}

// Batch accumulates ledgered records between synthesis runs. Critical records
// are never dropped; droppable ones live in a bounded ring that evicts the
// oldest entry when full. A Batch is owned by one goroutine, except for
// Evictions which may be read concurrently.
type Batch struct {
	critical []*evidence.Record

	ring  []*evidence.Record
	head  int
	count int

	evictions atomic.Uint64
}

// NewBatch returns a batch whose droppable ring holds capacity records.
func NewBatch(capacity int) *Batch {
	if capacity < 1 {
		capacity = 1
	}
	return &Batch{ring: make([]*evidence.Record, capacity)}
}

// AddCritical appends a critical record.
func (b *Batch) AddCritical(r *evidence.Record) {
	b.critical = append(b.critical, r)
}

// AddDroppable appends a droppable record. If the ring is full the oldest
// record is evicted and returned.
func (b *Batch) AddDroppable(r *evidence.Record) (evicted *evidence.Record) {
	capacity := len(b.ring)
	if b.count == capacity {
		evicted = b.ring[b.head]
		b.ring[b.head] = r
		b.head = (b.head + 1) % capacity
		b.evictions.Add(1)
		return evicted
	}
	b.ring[(b.head+b.count)%capacity] = r
	b.count++
	return nil
}

// Drained is the content of a batch at drain time.
type Drained struct {
	Critical  []*evidence.Record
	Droppable []*evidence.Record
}

// Range returns the sequence interval covered by the drained records.
func (d Drained) Range() note.Range {
	var r note.Range
	for _, rec := range d.Critical {
		r = r.Union(note.Range{From: rec.Sequence, To: rec.Sequence})
	}
	for _, rec := range d.Droppable {
		r = r.Union(note.Range{From: rec.Sequence, To: rec.Sequence})
	}
	return r
}

// Empty reports whether nothing was drained.
func (d Drained) Empty() bool {
	return len(d.Critical) == 0 && len(d.Droppable) == 0
}

// Split partitions d into clusters of critical records that sit close
// together in video time. Critical records are taken in sequence order and a
// new cluster starts when the next one is more than gapMS away from the
// current cluster's span, or would stretch that span past maxSpanMS. Records
// without a video span join the current cluster. Clusters cover disjoint
// sequence runs, and each droppable record joins the cluster whose run it
// falls in. A non-positive gapMS disables splitting.
func (d Drained) Split(gapMS, maxSpanMS int64) []Drained {
	if d.Empty() {
		return nil
	}
	if gapMS <= 0 || len(d.Critical) == 0 {
		return []Drained{d}
	}

	critical := slices.Clone(d.Critical)
	slices.SortFunc(critical, bySequence)

	var (
		out     []Drained
		span    note.Span
		hasSpan bool
	)
	for _, r := range critical {
		rs, ok := videoSpan(r)
		if len(out) > 0 && (!ok || !hasSpan || near(span, rs, gapMS, maxSpanMS)) {
			last := &out[len(out)-1]
			last.Critical = append(last.Critical, r)
			if ok {
				if hasSpan {
					span = span.Union(rs)
				} else {
					span, hasSpan = rs, true
				}
			}
			continue
		}
		out = append(out, Drained{Critical: []*evidence.Record{r}})
		span, hasSpan = rs, ok
	}

	droppable := slices.Clone(d.Droppable)
	slices.SortFunc(droppable, bySequence)
	for _, r := range droppable {
		i := 0
		for i+1 < len(out) && out[i+1].Critical[0].Sequence <= r.Sequence {
			i++
		}
		out[i].Droppable = append(out[i].Droppable, r)
	}
	return out
}

func bySequence(a, b *evidence.Record) int {
	return cmp.Compare(a.Sequence, b.Sequence)
}

func videoSpan(r *evidence.Record) (note.Span, bool) {
	if r.VideoStart == nil || r.VideoEnd == nil {
		return note.Span{}, false
	}
	return note.Span{StartMS: *r.VideoStart, EndMS: *r.VideoEnd}, true
}

// near reports whether o can join a cluster spanning span.
func near(span, o note.Span, gapMS, maxSpanMS int64) bool {
	var gap int64
	switch {
	case o.StartMS > span.EndMS:
		gap = o.StartMS - span.EndMS
	case o.EndMS < span.StartMS:
		gap = span.StartMS - o.EndMS
	}
	if gap > gapMS {
		return false
	}
	return maxSpanMS <= 0 || span.Union(o).Length() <= maxSpanMS
}

// Drain empties the batch and returns its content, droppable records oldest first.
func (b *Batch) Drain() Drained {
	d := Drained{Critical: b.critical}
	if b.count > 0 {
		d.Droppable = make([]*evidence.Record, 0, b.count)
		for i := 0; i < b.count; i++ {
			idx := (b.head + i) % len(b.ring)
			d.Droppable = append(d.Droppable, b.ring[idx])
			b.ring[idx] = nil
		}
	}
	b.critical = nil
	b.head, b.count = 0, 0
	return d
}

// Len returns the number of pending records.
func (b *Batch) Len() int {
	return len(b.critical) + b.count
}

// PendingCritical returns the number of pending critical records.
func (b *Batch) PendingCritical() int {
	return len(b.critical)
}

// OldestCritical returns the lowest pending critical sequence, or 0.
func (b *Batch) OldestCritical() int64 {
	var oldest int64
	for _, r := range b.critical {
		if oldest == 0 || r.Sequence < oldest {
			oldest = r.Sequence
		}
	}
	return oldest
}

// Capacity returns the droppable ring capacity.
func (b *Batch) Capacity() int {
	return len(b.ring)
}

// Evictions returns the total number of droppable records evicted. It never decreases.
func (b *Batch) Evictions() uint64 {
	return b.evictions.Load()
}
