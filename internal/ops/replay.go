package ops

import (
	"context"
	"fmt"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/evidence"
	"github.com/hpungsan/margin/internal/ledger"
	"github.com/hpungsan/margin/internal/note"
	"github.com/hpungsan/margin/internal/reconcile"
	"github.com/hpungsan/margin/internal/retrieval"
	"github.com/hpungsan/margin/internal/session"
	"github.com/hpungsan/margin/internal/synth"
)

// ReplayOutput compares a note as logged with the note rebuilt from the
// ledger prefix its decision saw.
type ReplayOutput struct {
	NoteID         string `json:"note_id"`
	SessionID      string `json:"session_id"`
	DecisionSeq    int64  `json:"decision_sequence"`
	AsOf           int64  `json:"as_of"`
	LoggedAction   string `json:"logged_action"`
	ReplayedAction string `json:"replayed_action"`
	LoggedText     string `json:"logged_text"`
	ReplayedText   string `json:"replayed_text"`
	StoredText     string `json:"stored_text"`
	// Match is true when the replayed text is byte-identical to the logged
	// text and the reconciler reached the same decision.
	Match bool `json:"match"`
}

// ReplayNote rebuilds the latest decision for a note: it reconstructs the
// notes that existed before the decision, re-runs retrieval bounded to the
// decision's as_of sequence, re-synthesizes and re-reconciles. Nothing is
// written. Only deterministic synthesizers reproduce the logged text.
func ReplayNote(ctx context.Context, deps session.Deps, noteID string) (*ReplayOutput, error) {
	id, err := requireID("note_id", noteID)
	if err != nil {
		return nil, err
	}
	deps = deps.WithDefaults()

	stored, err := db.GetNote(deps.DB, id)
	if err != nil {
		return nil, err
	}
	records, err := deps.Ledger.ReadRange(ctx, stored.SessionID, 1, 0)
	if err != nil {
		return nil, err
	}

	var (
		target   *evidence.Record
		decision evidence.Decision
	)
	for _, r := range records {
		if !r.Type.IsDecision() || !ledger.HashCheck(r) {
			continue
		}
		d, err := r.Decision()
		if err != nil {
			continue
		}
		if d.Note.ID == id {
			target, decision = r, d
		}
	}
	if target == nil {
		return nil, errors.NewNotFound("decision for note", id)
	}

	prior, err := priorNotes(records, target.Sequence)
	if err != nil {
		return nil, err
	}

	opts := retrieval.OptionsFromConfig(deps.Config)
	opts.Anchor = decision.Anchor
	opts.AsOf = decision.AsOf
	opts.DryRun = true
	ropts := []retrieval.Option{retrieval.WithLogger(deps.Logger)}
	if deps.Blobs != nil {
		ropts = append(ropts, retrieval.WithBlobs(deps.Blobs))
	}
	set, err := retrieval.New(deps.Ledger, ropts...).FetchWindow(ctx, stored.SessionID, decision.TargetMS, prior, opts)
	if err != nil {
		return nil, err
	}
	res, err := deps.Synth.Synthesize(ctx, synth.Request{SessionID: stored.SessionID, VideoID: stored.VideoID, Evidence: set})
	if err != nil {
		return nil, errors.NewSynthesisFailed(err)
	}
	d := deps.Reconciler.Decide(prior, reconcile.Proposal{
		SessionID:  stored.SessionID,
		VideoID:    stored.VideoID,
		Span:       decision.Anchor,
		Text:       res.Text,
		Confidence: res.Confidence,
		Sources:    decision.BatchRange,
	})

	out := &ReplayOutput{
		NoteID:         id,
		SessionID:      stored.SessionID,
		DecisionSeq:    target.Sequence,
		AsOf:           decision.AsOf,
		LoggedAction:   string(target.Type),
		ReplayedAction: string(d.Action.EvidenceType()),
		LoggedText:     decision.Note.Text,
		ReplayedText:   d.Note.Text,
		StoredText:     stored.Text,
	}
	out.Match = out.LoggedText == out.ReplayedText && out.LoggedAction == out.ReplayedAction
	return out, nil
}

// priorNotes rebuilds the active notes as they stood before sequence before.
func priorNotes(records []*evidence.Record, before int64) ([]*note.Note, error) {
	notes := make(map[string]*note.Note)
	for _, r := range records {
		if r.Sequence >= before {
			break
		}
		if !r.Type.IsDecision() {
			continue
		}
		if !ledger.HashCheck(r) {
			return nil, errors.NewCorruptedRecord(r.SessionID, r.Sequence)
		}
		d, err := r.Decision()
		if err != nil {
			return nil, errors.NewInternal(fmt.Errorf("decode decision %d: %w", r.Sequence, err))
		}
		reconcile.Apply(notes, d)
	}

	out := make([]*note.Note, 0, len(notes))
	for _, n := range notes {
		if n.Status == note.StatusActive {
			out = append(out, n)
		}
	}
	note.SortBySpan(out)
	return out, nil
}
