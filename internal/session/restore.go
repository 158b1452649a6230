package session

import (
	"context"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/evidence"
	"github.com/hpungsan/margin/internal/ledger"
	"github.com/hpungsan/margin/internal/note"
)

// Restore rebuilds a session actor from its latest checkpoint and replays the
// ledger from ledger_cursor+1. Logged decisions are reapplied to the note set,
// and evidence that no replayed decision covers is batched again. If the
// notes or the ledger cannot be read the session comes back degraded.
func Restore(ctx context.Context, deps Deps, sessionID string) (*Session, error) {
	deps = deps.WithDefaults()
	snap, err := db.GetSession(deps.DB, sessionID)
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		return nil, errors.NewSessionClosed(sessionID, string(snap.Status))
	}

	s := newSession(deps, snap)
	s.snap.Health.RestartCount++
	if err := s.replay(ctx); err != nil {
		s.degrade(ctx, "restore failed: "+err.Error())
	}
	s.publish()
	s.logger.Info("session restored",
		"cursor", snap.LedgerCursor,
		"replayed", s.replayed,
		"pending_critical", s.batch.PendingCritical(),
		"status", s.snap.Status)
	return s, nil
}

func (s *Session) replay(ctx context.Context) error {
	stored, err := db.ListNotes(s.deps.DB, s.id, true)
	if err != nil {
		return err
	}
	for _, n := range stored {
		s.notes[n.ID] = n
	}

	records, err := s.deps.Ledger.ReadRange(ctx, s.id, s.snap.LedgerCursor+1, 0)
	if err != nil {
		return err
	}
	s.replayed = len(records)

	var (
		covered  []note.Range
		pending  []*evidence.Record
		repaired []*note.Note
	)
	for _, r := range records {
		s.track(r)
		if !ledger.HashCheck(r) {
			s.snap.Health.CorruptedRecords++
			s.deps.Metrics.Corrupted(1)
			s.logger.Error("corrupted ledger record skipped", "error", errors.NewCorruptedRecord(s.id, r.Sequence))
			continue
		}
		switch {
		case r.Type.IsDecision():
			d, err := r.Decision()
			if err != nil {
				s.snap.Health.CorruptedRecords++
				s.logger.Error("undecodable decision skipped", "sequence", r.Sequence, "error", err)
				continue
			}
			repaired = append(repaired, s.applyReplayed(d)...)
			covered = append(covered, d.BatchRange)
		case r.Type == evidence.TypeTranscript, r.Type == evidence.TypeFrameRef:
			pending = append(pending, r)
		}
	}

	if len(repaired) > 0 {
		if err := db.UpsertNotes(s.deps.DB, repaired...); err != nil {
			s.logger.Warn("replayed notes not written", "error", err)
		}
	}
	for _, r := range pending {
		if coveredBy(covered, r.Sequence) {
			continue
		}
		if r.Critical {
			s.batch.AddCritical(r)
		} else {
			s.batch.AddDroppable(r)
		}
	}
	return nil
}
