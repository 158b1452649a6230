package session

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hpungsan/margin/internal/controller"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/events"
	"github.com/hpungsan/margin/internal/evidence"
	"github.com/hpungsan/margin/internal/note"
	"github.com/hpungsan/margin/internal/reconcile"
	"github.com/hpungsan/margin/internal/retrieval"
	"github.com/hpungsan/margin/internal/state"
	"github.com/hpungsan/margin/internal/synth"
)

// flight is the synthesis currently running for a batch.
type flight struct {
	oldest int64
	meta   reconcile.Meta
}

type output struct {
	set *retrieval.EvidenceSet
	res synth.Result
}

type result struct {
	flight *flight
	out    output
	err    error
}

// Start launches the actor goroutine. Cancelling ctx stops it immediately
// without a final checkpoint.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.deps.Metrics.SessionStarted()
	go func() {
		defer close(s.done)
		defer s.deps.Metrics.SessionStopped(s.id)
		s.err = s.run(ctx)
	}()
}

func (s *Session) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session actor panicked", "panic", r)
			err = &PanicError{Value: r}
		}
		s.stopTimer()
	}()

	if s.batch.PendingCritical() > 0 {
		s.arm(s.policy.Short)
	}

	var tick <-chan time.Time
	if interval := s.cfg.CheckpointInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.mailbox.Notify():
			if s.drainMailbox(ctx) {
				return nil
			}
		case <-s.timerC:
			s.timerC = nil
			s.fire(ctx)
		case r := <-s.results:
			s.complete(ctx, r)
		case <-tick:
			_ = s.checkpoint(ctx)
		}
	}
}

// drainMailbox handles everything queued and reports whether the actor should exit.
func (s *Session) drainMailbox(ctx context.Context) bool {
	items := s.mailbox.Take()
	for i, it := range items {
		stop, err := s.handle(ctx, it)
		s.mailbox.Done()
		if it.ack != nil {
			it.ack <- err
		}
		if stop {
			for range items[i+1:] {
				s.mailbox.Done()
			}
			return true
		}
	}
	return false
}

func (s *Session) handle(ctx context.Context, it item) (stop bool, err error) {
	switch it.kind {
	case controller.KindTranscript:
		s.observe(it)
		s.batch.AddCritical(it.rec)
		if s.snap.Status.ReadOnly() {
			s.shed()
		}

	case controller.KindFrameRef:
		s.observe(it)
		if evicted := s.batch.AddDroppable(it.rec); evicted != nil {
			s.snap.Health.Evictions = s.batch.Evictions()
			s.deps.Metrics.Eviction()
			s.logger.Info("droppable evidence evicted", "sequence", evicted.Sequence, "evictions", s.snap.Health.Evictions)
			s.deps.Events.Publish(events.Event{
				Kind:      events.KindEvicted,
				SessionID: s.id,
				Sequence:  evicted.Sequence,
				Evictions: s.snap.Health.Evictions,
			})
		}

	case kindLedgerFailure:
		s.degrade(ctx, "ledger append failed: "+it.err.Error())

	case controller.KindCheckpointNow:
		s.flush(ctx, s.cfg.CloseFlushTimeout())
		err = s.checkpoint(ctx)

	case controller.KindClose:
		s.shutdown(ctx, state.StatusClosed)
		return true, nil

	case kindAbandon:
		s.shutdown(ctx, state.StatusAbandoned)
		return true, nil

	case kindStop:
		s.shutdown(ctx, "")
		return true, nil
	}
	s.publish()
	return false, err
}

// observe records activity for an evidence item and re-chooses the debounce delay.
func (s *Session) observe(it item) {
	s.track(it.rec)
	s.snap.LastActivityAt = it.at.UnixMilli()
	switch s.snap.Status {
	case state.StatusCreated, state.StatusIdle, state.StatusCheckpointed:
		s.setStatus(state.StatusActive)
	}

	signals := s.activity.Observe(it.at, it.text)
	delay, reason := s.policy.Decide(signals)
	s.delay = delay
	s.arm(delay)
	s.logger.Debug("debounce rearmed", "delay", delay, "reason", reason, "recent", signals.Recent, "similarity", signals.Similarity)
}

func (s *Session) track(rec *evidence.Record) {
	if rec != nil && rec.Sequence > s.lastSeq {
		s.lastSeq = rec.Sequence
	}
}

func (s *Session) arm(d time.Duration) {
	if s.timer == nil {
		s.timer = time.NewTimer(d)
	} else {
		s.timer.Reset(d)
	}
	s.timerC = s.timer.C
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerC = nil
}

// fire runs when the debounce timer expires.
func (s *Session) fire(ctx context.Context) {
	if s.snap.Status.ReadOnly() {
		s.shed()
		return
	}
	if s.inflight != nil {
		s.rearm = true
		return
	}
	s.seal()
	s.next(ctx)
}

// seal closes the pending batch. Its critical evidence is queued as one
// synthesis per video-time cluster and later evidence starts a new batch.
// A batch with only droppable evidence stays open.
func (s *Session) seal() {
	if s.batch.PendingCritical() == 0 {
		return
	}
	clusters := s.batch.Drain().Split(s.clusterGap, s.clusterSpan)
	if len(clusters) > 1 {
		s.logger.Debug("batch split by video time", "clusters", len(clusters))
	}
	s.queue = append(s.queue, clusters...)
}

// next dispatches the oldest sealed cluster if no synthesis is running and
// reports whether one was dispatched.
func (s *Session) next(ctx context.Context) bool {
	if s.inflight != nil || len(s.queue) == 0 || s.snap.Status.ReadOnly() {
		return false
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	s.dispatch(ctx, d)
	return s.inflight != nil
}

// shed drops pending and sealed evidence once the session is read-only. The
// ledger keeps it and held pins the cursor below it, so a restore batches it
// again.
func (s *Session) shed() {
	oldest := oldestCritical(s.batch.Drain().Critical)
	for _, d := range s.queue {
		oldest = earliest(oldest, oldestCritical(d.Critical))
	}
	s.queue = nil
	s.held = earliest(s.held, oldest)
}

// dispatch hands a sealed cluster to the synthesis pool. The window is
// anchored on the cluster's transcripts and bounded to the current ledger
// head so the decision can be replayed.
func (s *Session) dispatch(ctx context.Context, d controller.Drained) {
	head, err := s.deps.Ledger.Head(ctx, s.id)
	if err != nil {
		s.logger.Warn("ledger head unavailable, batch requeued", "error", err)
		s.queue = append([]controller.Drained{d}, s.queue...)
		s.arm(s.delay)
		return
	}

	anchor := transcriptSpan(d.Critical)
	f := &flight{
		oldest: oldestCritical(d.Critical),
		meta: reconcile.Meta{
			TargetMS:   anchor.Midpoint(),
			Anchor:     anchor,
			AsOf:       head,
			BatchRange: d.Range(),
		},
	}
	s.inflight = f

	opts := s.retrieval
	opts.Anchor = anchor
	opts.AsOf = head
	prior := s.activeNotes()
	req := synth.Request{SessionID: s.id, VideoID: s.videoID}

	s.logger.Debug("synthesis dispatched", "batch_from", f.meta.BatchRange.From, "batch_to", f.meta.BatchRange.To, "as_of", head)
	synth.Run(s.deps.Pool, ctx, func(tctx context.Context) (output, error) {
		set, err := s.retriever.FetchWindow(tctx, s.id, f.meta.TargetMS, prior, opts)
		if err != nil {
			return output{}, err
		}
		req.Evidence = set
		res, err := s.deps.Synth.Synthesize(tctx, req)
		if err != nil {
			return output{set: set}, err
		}
		return output{set: set, res: res}, nil
	}, func(out output, err error) {
		s.results <- result{flight: f, out: out, err: err}
	})
}

// complete handles a synthesis result.
func (s *Session) complete(ctx context.Context, r result) {
	s.inflight = nil
	if set := r.out.set; set != nil {
		s.observeWindow(set)
	}

	if r.err != nil {
		s.snap.Health.SynthesisFailed++
		s.snap.Health.LastError = r.err.Error()
		s.logger.Warn("synthesis failed, batch dropped",
			"batch_from", r.flight.meta.BatchRange.From,
			"batch_to", r.flight.meta.BatchRange.To,
			"error", r.err)
	} else {
		s.apply(ctx, r.flight, r.out)
	}

	switch {
	case s.closing.Load():
	case s.next(ctx):
	case s.rearm || s.batch.PendingCritical() > 0 || len(s.queue) > 0:
		s.rearm = false
		s.arm(s.delay)
	case s.batch.Len() == 0 && s.snap.Status == state.StatusActive:
		s.setStatus(state.StatusIdle)
	}
	s.publish()
}

func (s *Session) observeWindow(set *retrieval.EvidenceSet) {
	s.track(&evidence.Record{Sequence: set.ContextRequestSeq})
	switch {
	case set.LowConfidence:
		s.deps.Metrics.Window("low_confidence")
	case set.Expanded:
		s.deps.Metrics.Window("expanded")
	default:
		s.deps.Metrics.Window("primary")
	}
	if n := len(set.Corrupted); n > 0 {
		s.snap.Health.CorruptedRecords += n
		s.deps.Metrics.Corrupted(n)
		s.logger.Error("corrupted ledger records skipped", "sequences", set.Corrupted)
	}
}

// apply reconciles a synthesis result, logs the decision and updates the notes.
func (s *Session) apply(ctx context.Context, f *flight, out output) {
	if s.snap.Status.ReadOnly() {
		s.logger.Info("synthesis result discarded", "status", s.snap.Status)
		return
	}

	p := reconcile.Proposal{
		SessionID:  s.id,
		VideoID:    s.videoID,
		Span:       f.meta.Anchor,
		Text:       out.res.Text,
		Confidence: out.res.Confidence,
		Sources:    f.meta.BatchRange,
	}
	d := s.deps.Reconciler.Decide(s.activeNotes(), p)
	rec, err := s.deps.Reconciler.Commit(ctx, s.deps.Ledger, noteStore{s.deps.DB}, d, f.meta)
	var logErr *reconcile.LogError
	if stderrors.As(err, &logErr) {
		s.deps.Metrics.LedgerFailure()
		s.degrade(ctx, "decision append failed: "+logErr.Err.Error())
		return
	}
	if rec == nil {
		s.logger.Error("decision not logged", "error", err)
		return
	}
	if err != nil {
		s.snap.Health.LastError = err.Error()
		s.logger.Error("note write failed, decision replays on restore", "error", err)
	}
	s.track(rec)

	for _, a := range d.Archived {
		s.notes[a.ID] = a
		s.snap.RemoveNote(a.ID)
	}
	s.notes[d.Note.ID] = d.Note
	s.snap.AddNote(d.Note.ID)

	s.deps.Metrics.Decision(string(d.Action))
	s.logger.Info("note decision applied", "action", d.Action, "note_id", d.Note.ID, "sequence", rec.Sequence)
	archived := make([]string, 0, len(d.Archived))
	for _, a := range d.Archived {
		archived = append(archived, a.ID)
	}
	n := *d.Note
	s.deps.Events.Publish(events.Event{
		Kind:      noteEventKind(d.Action),
		SessionID: s.id,
		Note:      &n,
		Archived:  archived,
		Sequence:  rec.Sequence,
	})

	s.sinceCheckpoint++
	if every := s.cfg.CheckpointEveryNotes; every > 0 && s.sinceCheckpoint >= every {
		_ = s.checkpoint(ctx)
	}
}

func noteEventKind(a reconcile.Action) events.Kind {
	switch a {
	case reconcile.ActionUpdate:
		return events.KindNoteUpdated
	case reconcile.ActionMerge:
		return events.KindNoteMerged
	}
	return events.KindNoteCreated
}

// flush seals the pending batch and synthesizes every sealed cluster in
// turn, waiting out any running synthesis first. It gives up at timeout and
// leaves the rest queued.
func (s *Session) flush(ctx context.Context, timeout time.Duration) {
	if s.snap.Status.ReadOnly() {
		s.shed()
		return
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.seal()
	for {
		if s.inflight != nil {
			if !s.await(ctx, tctx) {
				return
			}
			continue
		}
		if !s.next(ctx) {
			return
		}
	}
}

func (s *Session) await(ctx, tctx context.Context) bool {
	select {
	case r := <-s.results:
		s.complete(ctx, r)
		return true
	case <-tctx.Done():
		s.logger.Warn("flush abandoned waiting for synthesis", "error", tctx.Err())
		return false
	}
}

// shutdown moves the session to final (if set) and writes the last
// checkpoint. Closing first flushes pending critical evidence.
func (s *Session) shutdown(ctx context.Context, final state.Status) {
	s.stopTimer()
	if final == state.StatusClosed {
		s.flush(ctx, s.cfg.CloseFlushTimeout())
		s.stopTimer()
	}
	if final != "" {
		s.setStatus(final)
	}
	_ = s.checkpoint(ctx)
	s.publish()
	s.logger.Info("session stopped", "status", s.snap.Status, "cursor", s.snap.LedgerCursor)
}

// safeCursor is the highest sequence whose effect is fully captured by the
// snapshot and the notes table. Pending, sealed, in-flight or shed critical
// evidence holds it back so a restore re-batches that evidence.
func (s *Session) safeCursor() int64 {
	oldest := earliest(s.batch.OldestCritical(), s.held)
	if f := s.inflight; f != nil {
		oldest = earliest(oldest, f.oldest)
	}
	for _, d := range s.queue {
		oldest = earliest(oldest, oldestCritical(d.Critical))
	}
	if oldest > 0 {
		return min(s.lastSeq, oldest-1)
	}
	return s.lastSeq
}

// checkpoint persists the snapshot. The pending batch is sealed first so no
// synthesis mixes evidence from both sides of a checkpoint. A failure after
// retries degrades the session.
func (s *Session) checkpoint(ctx context.Context) error {
	s.seal()
	if s.snap.Status.ReadOnly() {
		s.shed()
	}
	// Leftover droppable evidence stays in the ledger only.
	s.batch.Drain()
	s.snap.AdvanceCursor(s.safeCursor())
	switch s.snap.Status {
	case state.StatusCreated, state.StatusActive, state.StatusIdle:
		s.setStatus(state.StatusCheckpointed)
	}
	now := s.deps.Now().UnixMilli()
	s.snap.CheckpointedAt = &now
	s.snap.Health.Evictions = s.batch.Evictions()

	err := s.save(ctx)
	s.deps.Metrics.Checkpoint(err == nil)
	if err != nil {
		s.degrade(ctx, "checkpoint failed: "+err.Error())
		return err
	}
	s.sinceCheckpoint = 0
	s.logger.Debug("checkpointed", "cursor", s.snap.LedgerCursor, "notes", len(s.snap.NoteIDs))
	s.publish()
	return nil
}

func (s *Session) save(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialBackoff()
	snap := s.snap.Clone()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, db.SaveSnapshot(s.deps.DB, snap)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(max(s.cfg.RetryMaxAttempts, 1))))
	return err
}

// degrade moves the session to degraded. Evidence is still accepted and
// ledgered but no further notes are produced.
func (s *Session) degrade(ctx context.Context, reason string) {
	if s.snap.Status.ReadOnly() {
		s.snap.Health.LastError = reason
		return
	}
	s.logger.Error("session degraded", "reason", reason)
	s.snap.Degrade(reason)
	s.shed()
	s.publishStatus()
	if err := s.save(ctx); err != nil {
		s.logger.Error("degraded status not persisted", "error", err)
	}
	s.publish()
}

func (s *Session) setStatus(to state.Status) {
	from := s.snap.Status
	if from == to || s.snap.Transition(to) != nil {
		return
	}
	s.logger.Debug("status changed", "from", from, "to", to)
	s.publishStatus()
}

func (s *Session) publishStatus() {
	health := s.snap.Health
	s.deps.Events.Publish(events.Event{
		Kind:      events.KindSessionStatus,
		SessionID: s.id,
		Status:    s.snap.Status,
		Health:    &health,
	})
}

// applyReplayed applies a logged decision during restore.
func (s *Session) applyReplayed(d evidence.Decision) []*note.Note {
	touched := reconcile.Apply(s.notes, d)
	for _, id := range d.Sources {
		s.snap.RemoveNote(id)
	}
	s.snap.AddNote(d.Note.ID)
	return touched
}

func oldestCritical(recs []*evidence.Record) int64 {
	var oldest int64
	for _, r := range recs {
		oldest = earliest(oldest, r.Sequence)
	}
	return oldest
}

// earliest returns the smaller of two sequences, treating zero as unset.
func earliest(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	}
	return min(a, b)
}
