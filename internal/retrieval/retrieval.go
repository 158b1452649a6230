// Package retrieval assembles the bounded evidence window handed to synthesis.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/evidence"
	"github.com/hpungsan/margin/internal/ledger"
	"github.com/hpungsan/margin/internal/note"
)

// wordsForFullDensity is the transcript word count at which density saturates.
const wordsForFullDensity = 24

// Options controls one FetchWindow call.
type Options struct {
	PrimaryWindowMS     int64
	SecondaryWindowMS   int64
	ConfidenceThreshold float64
	TokenBudget         int
	// Anchor, when non-zero, widens the window to cover the whole span
	// instead of the single target point.
	Anchor note.Span
	// AsOf bounds the window to records at or below this sequence. Zero means the head.
	AsOf int64
	// DryRun skips appending the context_request marker.
	DryRun bool
}

// OptionsFromConfig builds Options from config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PrimaryWindowMS:     int64(cfg.PrimaryWindowMS),
		SecondaryWindowMS:   int64(cfg.SecondaryWindowMS),
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		TokenBudget:         cfg.TokenBudget,
	}
}

// BlobChecker reports whether a frame blob is still retained.
type BlobChecker interface {
	Exists(pointer string) bool
}

// TranscriptItem is a transcript admitted to the window.
type TranscriptItem struct {
	Sequence int64 `json:"sequence"`
	evidence.Transcript
}

// FrameItem is a frame reference admitted to the window.
type FrameItem struct {
	Sequence int64 `json:"sequence"`
	evidence.FrameRef
	BlobAvailable bool `json:"blob_available"`
}

// EvidenceSet is the assembled window.
type EvidenceSet struct {
	SessionID   string           `json:"session_id"`
	TargetMS    int64            `json:"target_ms"`
	Window      note.Span        `json:"window"`
	AsOf        int64            `json:"as_of"`
	Transcripts []TranscriptItem `json:"transcripts"`
	Frames      []FrameItem      `json:"frames,omitempty"`
	PriorNotes  []*note.Note     `json:"prior_notes,omitempty"`
	Confidence  float64          `json:"confidence"`
	Expanded    bool             `json:"expanded"`
	// LowConfidence is set when even the secondary window was insufficient.
	LowConfidence     bool    `json:"low_confidence"`
	ContextRequestSeq int64   `json:"context_request_seq,omitempty"`
	Tokens            int     `json:"tokens"`
	Omitted           int     `json:"omitted"`
	Corrupted         []int64 `json:"corrupted,omitempty"`
}

// Span is the union of the admitted transcripts' spans.
func (s *EvidenceSet) Span() note.Span {
	var span note.Span
	for i, t := range s.Transcripts {
		ts := note.Span{StartMS: t.StartMS, EndMS: t.EndMS}
		if i == 0 {
			span = ts
			continue
		}
		span = span.Union(ts)
	}
	return span
}

// Sources is the sequence range of the admitted transcripts.
func (s *EvidenceSet) Sources() note.Range {
	var r note.Range
	for _, t := range s.Transcripts {
		r = r.Union(note.Range{From: t.Sequence, To: t.Sequence})
	}
	return r
}

// Text joins the admitted transcripts in video order.
func (s *EvidenceSet) Text() string {
	parts := make([]string, 0, len(s.Transcripts))
	for _, t := range s.Transcripts {
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, " ")
}

// Retriever builds evidence windows from a ledger.
type Retriever struct {
	store  ledger.Store
	blobs  BlobChecker
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithBlobs lets the retriever flag frames whose blob has expired.
func WithBlobs(b BlobChecker) Option {
	return func(r *Retriever) { r.blobs = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// New returns a Retriever over store.
func New(store ledger.Store, opts ...Option) *Retriever {
	r := &Retriever{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "retrieval")
	return r
}

// FetchWindow loads critical evidence within the primary window around
// targetMS. If confidence is below the threshold it widens to the secondary
// window; if still insufficient it appends a context_request record and
// returns the low-confidence set. prior holds the session's active notes.
func (r *Retriever) FetchWindow(ctx context.Context, sessionID string, targetMS int64, prior []*note.Note, opts Options) (*EvidenceSet, error) {
	if opts.PrimaryWindowMS <= 0 || opts.SecondaryWindowMS < opts.PrimaryWindowMS {
		return nil, fmt.Errorf("invalid retrieval windows %d/%d", opts.PrimaryWindowMS, opts.SecondaryWindowMS)
	}

	set, err := r.assemble(ctx, sessionID, targetMS, opts.PrimaryWindowMS, prior, opts)
	if err != nil {
		return nil, err
	}
	if set.Confidence >= opts.ConfidenceThreshold {
		return set, nil
	}

	set, err = r.assemble(ctx, sessionID, targetMS, opts.SecondaryWindowMS, prior, opts)
	if err != nil {
		return nil, err
	}
	set.Expanded = true
	if set.Confidence >= opts.ConfidenceThreshold {
		return set, nil
	}

	set.LowConfidence = true
	if opts.DryRun {
		return set, nil
	}
	req, err := evidence.NewContextRequest(evidence.ContextRequest{
		TargetMS:   targetMS,
		WindowMS:   opts.SecondaryWindowMS,
		Confidence: set.Confidence,
		Reason:     "insufficient evidence in secondary window",
	}, r.now())
	if err != nil {
		return nil, err
	}
	rec, err := r.store.Append(ctx, sessionID, req)
	if err != nil {
		// The low-confidence result is still usable without the marker.
		r.logger.Warn("context request append failed", "session_id", sessionID, "error", err)
		return set, nil
	}
	set.ContextRequestSeq = rec.Sequence
	return set, nil
}

func (r *Retriever) assemble(ctx context.Context, sessionID string, targetMS, half int64, prior []*note.Note, opts Options) (*EvidenceSet, error) {
	anchor := opts.Anchor
	if anchor == (note.Span{}) {
		anchor = note.Span{StartMS: targetMS, EndMS: targetMS}
	}
	window := note.Span{StartMS: max(anchor.StartMS-half, 0), EndMS: anchor.EndMS + half}

	records, err := r.store.Window(ctx, sessionID, ledger.Query{
		FromMS: window.StartMS,
		ToMS:   window.EndMS,
		MaxSeq: opts.AsOf,
	})
	if err != nil {
		return nil, err
	}

	set := &EvidenceSet{SessionID: sessionID, TargetMS: targetMS, Window: window, AsOf: opts.AsOf}

	var transcripts []TranscriptItem
	var frames []FrameItem
	for _, rec := range records {
		if !ledger.HashCheck(rec) {
			set.Corrupted = append(set.Corrupted, rec.Sequence)
			r.logger.Error("corrupted ledger record skipped", "session_id", sessionID, "sequence", rec.Sequence)
			continue
		}
		switch rec.Type {
		case evidence.TypeTranscript:
			t, err := rec.Transcript()
			if err != nil {
				set.Corrupted = append(set.Corrupted, rec.Sequence)
				continue
			}
			transcripts = append(transcripts, TranscriptItem{Sequence: rec.Sequence, Transcript: t})
		case evidence.TypeFrameRef:
			f, err := rec.FrameRef()
			if err != nil {
				set.Corrupted = append(set.Corrupted, rec.Sequence)
				continue
			}
			available := true
			if r.blobs != nil {
				available = r.blobs.Exists(f.Pointer)
			}
			frames = append(frames, FrameItem{Sequence: rec.Sequence, FrameRef: f, BlobAvailable: available})
		}
	}

	// Closest evidence first, so the budget keeps what matters most.
	sort.SliceStable(transcripts, func(i, j int) bool {
		di, dj := distance(anchor, transcripts[i].StartMS, transcripts[i].EndMS), distance(anchor, transcripts[j].StartMS, transcripts[j].EndMS)
		if di != dj {
			return di < dj
		}
		return transcripts[i].Sequence < transcripts[j].Sequence
	})
	sort.SliceStable(frames, func(i, j int) bool {
		di, dj := distance(anchor, frames[i].TimestampMS, frames[i].TimestampMS), distance(anchor, frames[j].TimestampMS, frames[j].TimestampMS)
		if di != dj {
			return di < dj
		}
		return frames[i].Sequence < frames[j].Sequence
	})

	budget := opts.TokenBudget
	spend := func(cost int) bool {
		if budget > 0 && set.Tokens+cost > budget {
			set.Omitted++
			return false
		}
		set.Tokens += cost
		return true
	}

	for _, t := range transcripts {
		if spend(max(evidence.EstimateTokens(t.Text), 1)) {
			set.Transcripts = append(set.Transcripts, t)
		}
	}
	for _, n := range overlapping(prior, window) {
		if spend(max(evidence.EstimateTokens(n.Text), 1)) {
			set.PriorNotes = append(set.PriorNotes, n)
		}
	}
	for _, f := range frames {
		if spend(max(evidence.EstimateTokens(f.Summary), 1)) {
			set.Frames = append(set.Frames, f)
		}
	}

	sort.SliceStable(set.Transcripts, func(i, j int) bool {
		if set.Transcripts[i].StartMS != set.Transcripts[j].StartMS {
			return set.Transcripts[i].StartMS < set.Transcripts[j].StartMS
		}
		return set.Transcripts[i].Sequence < set.Transcripts[j].Sequence
	})
	sort.SliceStable(set.Frames, func(i, j int) bool {
		if set.Frames[i].TimestampMS != set.Frames[j].TimestampMS {
			return set.Frames[i].TimestampMS < set.Frames[j].TimestampMS
		}
		return set.Frames[i].Sequence < set.Frames[j].Sequence
	})

	set.Confidence = confidence(set.Transcripts, anchor, half)
	return set, nil
}

// confidence combines evidence density (transcript words) and recency
// (closeness to the anchor) of critical evidence, each weighted equally.
func confidence(ts []TranscriptItem, anchor note.Span, half int64) float64 {
	if len(ts) == 0 {
		return 0
	}
	words := 0
	var recency float64
	for _, t := range ts {
		words += len(strings.Fields(t.Text))
		d := distance(anchor, t.StartMS, t.EndMS)
		recency += math.Max(0, 1-float64(d)/float64(half))
	}
	density := math.Min(1, float64(words)/wordsForFullDensity)
	recency /= float64(len(ts))
	return math.Round((0.5*density+0.5*recency)*10000) / 10000
}

// distance is the gap between [start, end] and the anchor span, 0 if they touch.
func distance(anchor note.Span, start, end int64) int64 {
	switch {
	case end < anchor.StartMS:
		return anchor.StartMS - end
	case start > anchor.EndMS:
		return start - anchor.EndMS
	default:
		return 0
	}
}

func overlapping(notes []*note.Note, window note.Span) []*note.Note {
	var out []*note.Note
	for _, n := range notes {
		if n.Status != note.StatusActive {
			continue
		}
		if n.Span.EndMS < window.StartMS || n.Span.StartMS > window.EndMS {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Span.StartMS != out[j].Span.StartMS {
			return out[i].Span.StartMS < out[j].Span.StartMS
		}
		return out[i].ID < out[j].ID
	})
	return out
}
