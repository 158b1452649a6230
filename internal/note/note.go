package note

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Status is the lifecycle state of a note.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Span is a video-time interval in milliseconds, inclusive of both ends.
type Span struct {
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}

// Length returns the span duration in milliseconds.
func (s Span) Length() int64 {
	if s.EndMS < s.StartMS {
		return 0
	}
	return s.EndMS - s.StartMS
}

// Union returns the smallest span covering both s and o.
func (s Span) Union(o Span) Span {
	return Span{StartMS: min(s.StartMS, o.StartMS), EndMS: max(s.EndMS, o.EndMS)}
}

// Midpoint returns the center of the span.
func (s Span) Midpoint() int64 {
	return s.StartMS + s.Length()/2
}

// OverlapRatio returns the overlap of a and b as a fraction of the shorter span.
// A zero-length span counts as fully overlapped when it lies inside the other.
func OverlapRatio(a, b Span) float64 {
	start := max(a.StartMS, b.StartMS)
	end := min(a.EndMS, b.EndMS)
	if end < start {
		return 0
	}
	shorter := min(a.Length(), b.Length())
	if shorter == 0 {
		return 1
	}
	return float64(end-start) / float64(shorter)
}

// Range is an inclusive interval of ledger sequence numbers.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Union returns the smallest range covering both r and o. Zero ranges are ignored.
func (r Range) Union(o Range) Range {
	if r == (Range{}) {
		return o
	}
	if o == (Range{}) {
		return r
	}
	return Range{From: min(r.From, o.From), To: max(r.To, o.To)}
}

// Note is a synthesized, timestamp-anchored feedback unit.
type Note struct {
	ID           string  `json:"note_id"`
	SessionID    string  `json:"session_id"`
	VideoID      string  `json:"video_id"`
	Span         Span    `json:"timespan"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	Status       Status  `json:"status"`
	Sources      Range   `json:"source_evidence_range"`
	SupersededBy string  `json:"superseded_by,omitempty"`
	ContentHash  string  `json:"content_hash"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

// Hash returns the SHA-256 hex digest of the note's content (span and text).
func (n *Note) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d\n%d\n%s", n.Span.StartMS, n.Span.EndMS, n.Text)))
	return hex.EncodeToString(sum[:])
}

// Summary returns the first maxWords words of the note text.
func (n *Note) Summary(maxWords int) string {
	words := strings.Fields(n.Text)
	if maxWords <= 0 || len(words) <= maxWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:maxWords], " ") + "…"
}

// SortBySpan orders notes by start time, then ID.
func SortBySpan(notes []*Note) {
	sort.SliceStable(notes, func(i, j int) bool {
		if notes[i].Span.StartMS != notes[j].Span.StartMS {
			return notes[i].Span.StartMS < notes[j].Span.StartMS
		}
		return notes[i].ID < notes[j].ID
	})
}

// FormatTimestamp renders milliseconds as m:ss or h:mm:ss.
func FormatTimestamp(ms int64) string {
	total := ms / 1000
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
