// Package reconcile decides whether a synthesis result creates, updates or
// merges notes, and records that decision in the ledger before applying it.
package reconcile

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/evidence"
	"github.com/hpungsan/margin/internal/ledger"
	"github.com/hpungsan/margin/internal/note"
)

// Action is a reconciler decision kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionMerge  Action = "merge"
)

// EvidenceType returns the ledger record type for a.
func (a Action) EvidenceType() evidence.Type {
	switch a {
	case ActionUpdate:
		return evidence.TypeNoteUpdated
	case ActionMerge:
		return evidence.TypeNoteMerged
	}
	return evidence.TypeNoteCreated
}

// Proposal is a synthesized note before reconciliation.
type Proposal struct {
	SessionID  string
	VideoID    string
	Span       note.Span
	Text       string
	Confidence float64
	Sources    note.Range
}

// Decision is the outcome of reconciling one proposal.
type Decision struct {
	Action Action
	// Note is the created, updated or merged note as it stands after the decision.
	Note *note.Note
	// Archived holds merge sources, already marked archived.
	Archived []*note.Note
	OldHash  string
}

// Thresholds are the candidate-matching limits.
type Thresholds struct {
	// Overlap is the minimum timespan overlap as a fraction of the shorter span.
	Overlap float64
	// Similarity is the minimum bag-of-words cosine similarity of note text.
	Similarity float64
}

// ThresholdsFromConfig reads the thresholds from config.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{Overlap: cfg.OverlapThreshold, Similarity: cfg.EmbeddingSimilarity}
}

// Reconciler applies the create/update/merge rules.
type Reconciler struct {
	limits Thresholds
	newID  func() string
	now    func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithIDs overrides note ID generation.
func WithIDs(fn func() string) Option {
	return func(r *Reconciler) { r.newID = fn }
}

// WithClock overrides the clock.
func WithClock(fn func() time.Time) Option {
	return func(r *Reconciler) { r.now = fn }
}

// New returns a Reconciler.
func New(limits Thresholds, opts ...Option) *Reconciler {
	r := &Reconciler{limits: limits, newID: newULID, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newULID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Candidates returns the active notes p should be reconciled against: those
// whose timespan overlaps p's by at least the overlap threshold, or whose
// text is at least the similarity threshold. Sorted by start time then ID.
func (r *Reconciler) Candidates(existing []*note.Note, p Proposal) []*note.Note {
	var out []*note.Note
	for _, n := range existing {
		if n.Status != note.StatusActive {
			continue
		}
		overlap := note.OverlapRatio(n.Span, p.Span)
		if overlap >= r.limits.Overlap || evidence.TextSimilarity(n.Text, p.Text) >= r.limits.Similarity {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Span.StartMS != out[j].Span.StartMS {
			return out[i].Span.StartMS < out[j].Span.StartMS
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Decide reconciles p against existing notes. Inputs are not mutated.
func (r *Reconciler) Decide(existing []*note.Note, p Proposal) Decision {
	now := r.now().UnixMilli()
	candidates := r.Candidates(existing, p)

	switch len(candidates) {
	case 0:
		n := &note.Note{
			ID:         r.newID(),
			SessionID:  p.SessionID,
			VideoID:    p.VideoID,
			Span:       p.Span,
			Text:       p.Text,
			Confidence: p.Confidence,
			Status:     note.StatusActive,
			Sources:    p.Sources,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		n.ContentHash = n.Hash()
		return Decision{Action: ActionCreate, Note: n}

	case 1:
		old := candidates[0]
		n := *old
		n.Span = old.Span.Union(p.Span)
		n.Text = p.Text
		n.Confidence = p.Confidence
		n.Sources = old.Sources.Union(p.Sources)
		n.UpdatedAt = now
		n.ContentHash = n.Hash()
		return Decision{Action: ActionUpdate, Note: &n, OldHash: old.ContentHash}

	default:
		merged := &note.Note{
			ID:         r.newID(),
			SessionID:  p.SessionID,
			VideoID:    p.VideoID,
			Span:       p.Span,
			Text:       p.Text,
			Confidence: p.Confidence,
			Status:     note.StatusActive,
			Sources:    p.Sources,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		archived := make([]*note.Note, 0, len(candidates))
		for _, c := range candidates {
			merged.Span = merged.Span.Union(c.Span)
			merged.Sources = merged.Sources.Union(c.Sources)
			a := *c
			a.Status = note.StatusArchived
			a.SupersededBy = merged.ID
			a.UpdatedAt = now
			archived = append(archived, &a)
		}
		merged.ContentHash = merged.Hash()
		return Decision{Action: ActionMerge, Note: merged, Archived: archived}
	}
}

// Meta is the replay context stored with every decision.
type Meta struct {
	TargetMS   int64
	Anchor     note.Span
	AsOf       int64
	BatchRange note.Range
}

// Payload builds the ledger payload for d.
func (d Decision) Payload(m Meta) evidence.Decision {
	sources := make([]string, 0, len(d.Archived))
	for _, a := range d.Archived {
		sources = append(sources, a.ID)
	}
	return evidence.Decision{
		Note:       *d.Note,
		OldHash:    d.OldHash,
		NewHash:    d.Note.ContentHash,
		Sources:    sources,
		TargetMS:   m.TargetMS,
		Anchor:     m.Anchor,
		AsOf:       m.AsOf,
		BatchRange: m.BatchRange,
	}
}

// NoteWriter persists notes.
type NoteWriter interface {
	UpsertNotes(notes ...*note.Note) error
}

// LogError is returned by Commit when the decision could not be appended;
// nothing was applied.
type LogError struct {
	Err error
}

func (e *LogError) Error() string { return fmt.Sprintf("log decision: %v", e.Err) }
func (e *LogError) Unwrap() error { return e.Err }

// Commit appends d to the ledger and then writes the affected notes. If the
// append fails nothing is written and a *LogError is returned. If the note
// write fails the decision is already durable and replays on restore.
func (r *Reconciler) Commit(ctx context.Context, store ledger.Store, w NoteWriter, d Decision, m Meta) (*evidence.Record, error) {
	ev, err := evidence.NewDecision(d.Action.EvidenceType(), d.Payload(m), r.now())
	if err != nil {
		return nil, err
	}
	rec, err := store.Append(ctx, d.Note.SessionID, ev)
	if err != nil {
		return nil, &LogError{Err: err}
	}

	notes := append(append([]*note.Note{}, d.Archived...), d.Note)
	if err := w.UpsertNotes(notes...); err != nil {
		return rec, fmt.Errorf("apply decision %d: %w", rec.Sequence, err)
	}
	return rec, nil
}

// Apply replays a logged decision onto an in-memory note set keyed by ID and
// returns the notes it touched. Merge sources missing from the set are skipped.
func Apply(notes map[string]*note.Note, d evidence.Decision) []*note.Note {
	n := d.Note
	touched := []*note.Note{&n}
	for _, id := range d.Sources {
		src, ok := notes[id]
		if !ok {
			continue
		}
		a := *src
		a.Status = note.StatusArchived
		a.SupersededBy = n.ID
		a.UpdatedAt = n.UpdatedAt
		notes[id] = &a
		touched = append(touched, &a)
	}
	notes[n.ID] = &n
	return touched
}
