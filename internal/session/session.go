// Package session runs one actor goroutine per viewing session. The actor owns
// the pending batch, the debounce timer, the note set and the snapshot; Submit
// is the only synchronous entry point and returns once evidence is durable.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/margin/internal/blob"
	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/controller"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/events"
	"github.com/hpungsan/margin/internal/evidence"
	"github.com/hpungsan/margin/internal/ledger"
	"github.com/hpungsan/margin/internal/note"
	"github.com/hpungsan/margin/internal/observability"
	"github.com/hpungsan/margin/internal/reconcile"
	"github.com/hpungsan/margin/internal/retrieval"
	"github.com/hpungsan/margin/internal/state"
	"github.com/hpungsan/margin/internal/synth"
)

// Message is one inbound client message.
type Message struct {
	Kind       controller.Kind      `json:"type"`
	Transcript *evidence.Transcript `json:"transcript,omitempty"`
	Frame      *evidence.FrameRef   `json:"frame,omitempty"`
	// Blob optionally carries the frame bytes behind Frame.Pointer.
	Blob []byte `json:"blob,omitempty"`
}

// Deps are the collaborators shared by every session.
type Deps struct {
	DB         *sql.DB
	Ledger     ledger.Store
	Blobs      *blob.Store
	Synth      synth.Synthesizer
	Pool       *synth.Pool
	Reconciler *reconcile.Reconciler
	Events     events.Publisher
	Metrics    *observability.Metrics
	Config     *config.Config
	Logger     *slog.Logger
	Now        func() time.Time
}

// WithDefaults fills unset collaborators. Callers sharing Deps across sessions
// should call it once so every session uses the same pool and ledger.
func (d Deps) WithDefaults() Deps {
	if d.Config == nil {
		d.Config = config.DefaultConfig()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Events == nil {
		d.Events = events.Discard
	}
	if d.Synth == nil {
		d.Synth = synth.Stub{}
	}
	if d.Pool == nil {
		d.Pool = synth.NewPool(d.Config.SynthesisMaxConcurrent, d.Config.SynthesisTimeout(), synth.WithPoolLogger(d.Logger))
	}
	if d.Reconciler == nil {
		d.Reconciler = reconcile.New(reconcile.ThresholdsFromConfig(d.Config))
	}
	if d.Ledger == nil && d.DB != nil {
		d.Ledger = ledger.New(d.DB, ledger.WithLogger(d.Logger), ledger.WithRetry(ledger.RetryPolicy{
			MaxAttempts:    d.Config.RetryMaxAttempts,
			InitialBackoff: d.Config.RetryInitialBackoff(),
		}))
	}
	return d
}

// Internal mailbox kinds. They never come from clients: Submit rejects them.
const (
	kindLedgerFailure controller.Kind = "ledger_failure"
	kindStop          controller.Kind = "stop"
	kindAbandon       controller.Kind = "abandon"
)

type item struct {
	kind controller.Kind
	rec  *evidence.Record
	text string
	at   time.Time
	err  error
	ack  chan error
}

// PanicError is returned by a session actor that crashed.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("session actor panicked: %v", e.Value)
}

// Session is a running or restorable session actor.
type Session struct {
	id      string
	videoID string
	deps    Deps
	cfg     *config.Config
	logger  *slog.Logger

	retriever *retrieval.Retriever
	retrieval retrieval.Options
	policy    controller.DelayPolicy
	monitor   *controller.Monitor
	mailbox   *controller.Mailbox[item]

	// Batches are split where transcripts are further apart than
	// clusterGap in video time or would span more than clusterSpan.
	clusterGap  int64
	clusterSpan int64

	// submitMu keeps mailbox order equal to ledger sequence order.
	submitMu sync.Mutex
	closing  atomic.Bool
	started  atomic.Bool
	view     atomic.Pointer[view]
	done     chan struct{}
	err      error

	// Owned by the actor goroutine.
	snap            *state.Snapshot
	notes           map[string]*note.Note
	batch           *controller.Batch
	activity        *controller.Activity
	timer           *time.Timer
	timerC          <-chan time.Time
	delay           time.Duration
	inflight        *flight
	queue           []controller.Drained
	held            int64
	rearm           bool
	results         chan result
	lastSeq         int64
	sinceCheckpoint int
	replayed        int
}

// view is the read-only copy published for other goroutines.
type view struct {
	snap  *state.Snapshot
	notes []*note.Note
}

// NewID returns a new session ID.
func NewID() string {
	return ulid.Make().String()
}

// Create persists a new session for videoID and returns its unstarted actor.
func Create(deps Deps, videoID string) (*Session, error) {
	if videoID == "" {
		return nil, errors.NewInvalidRequest("video_id is required")
	}
	deps = deps.WithDefaults()
	now := deps.Now().UnixMilli()
	snap := &state.Snapshot{
		ID:             NewID(),
		VideoID:        videoID,
		Status:         state.StatusCreated,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := db.InsertSession(deps.DB, snap); err != nil {
		return nil, err
	}
	s := newSession(deps, snap)
	s.publish()
	return s, nil
}

func newSession(deps Deps, snap *state.Snapshot) *Session {
	cfg := deps.Config
	s := &Session{
		id:          snap.ID,
		videoID:     snap.VideoID,
		deps:        deps,
		cfg:         cfg,
		logger:      deps.Logger.With("component", "session", "session_id", snap.ID),
		retrieval:   retrieval.OptionsFromConfig(cfg),
		clusterGap:  int64(cfg.SecondaryWindowMS),
		clusterSpan: 2 * int64(cfg.SecondaryWindowMS),
		policy:      controller.PolicyFromConfig(cfg),
		done:        make(chan struct{}),
		snap:        snap,
		notes:       make(map[string]*note.Note),
		batch:       controller.NewBatch(cfg.DroppableCapacity),
		activity:    controller.NewActivity(cfg.IdleThreshold(), cfg.SimilarityLookback),
		results:     make(chan result, 1),
		lastSeq:     snap.LedgerCursor,
		delay:       cfg.DefaultDelay(),
	}

	ropts := []retrieval.Option{retrieval.WithLogger(deps.Logger)}
	if deps.Blobs != nil {
		ropts = append(ropts, retrieval.WithBlobs(deps.Blobs))
	}
	s.retriever = retrieval.New(deps.Ledger, ropts...)

	s.monitor = controller.NewMonitor(controller.Watermarks{
		Warning:  int64(cfg.WarningWatermark),
		Critical: int64(cfg.CriticalWatermark),
		Recovery: int64(cfg.RecoveryWatermark),
	}, s.signalBackpressure, s.logger)
	s.mailbox = controller.NewMailbox[item](s.monitor)
	return s
}

func (s *Session) signalBackpressure(level controller.Level, depth int64) {
	s.logger.Info("backpressure", "level", level, "depth", depth)
	s.deps.Metrics.Backpressure(s.id, string(level), depth)
	s.deps.Events.Publish(events.Event{
		Kind:      events.KindBackpressure,
		SessionID: s.id,
		Level:     string(level),
		Depth:     depth,
	})
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// VideoID returns the video the session annotates.
func (s *Session) VideoID() string { return s.videoID }

// Snapshot returns a copy of the session's latest state.
func (s *Session) Snapshot() *state.Snapshot {
	return s.view.Load().snap.Clone()
}

// Notes returns copies of the session's notes, archived included, ordered by start time.
func (s *Session) Notes() []*note.Note {
	src := s.view.Load().notes
	out := make([]*note.Note, len(src))
	for i, n := range src {
		c := *n
		out[i] = &c
	}
	return out
}

// Depth returns the mailbox depth.
func (s *Session) Depth() int64 { return s.mailbox.Depth() }

// Backpressure returns the last signalled backpressure level.
func (s *Session) Backpressure() controller.Level { return s.monitor.Level() }

// Replayed returns how many ledger records were replayed when the session was restored.
func (s *Session) Replayed() int { return s.replayed }

// Done is closed when the actor goroutine exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the actor exited: nil after close or stop, the context
// error if cancelled, or a *PanicError if it crashed. Valid after Done.
func (s *Session) Err() error { return s.err }

// Submit classifies msg, appends evidence to the ledger and enqueues it for
// the actor. It never waits on synthesis. Control messages are enqueued
// without a ledger row.
func (s *Session) Submit(ctx context.Context, msg Message) (*evidence.Record, error) {
	if !msg.Kind.Valid() {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("unknown message type %q", msg.Kind))
	}
	class := controller.Classify(msg.Kind)
	now := s.deps.Now()

	var (
		ev   evidence.Evidence
		text string
		err  error
	)
	if !msg.Kind.Control() {
		if ev, text, err = s.build(msg, now); err != nil {
			return nil, err
		}
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if s.closing.Load() {
		return nil, errors.NewSessionClosed(s.id, string(state.StatusClosed))
	}
	if st := s.view.Load().snap.Status; st.Terminal() {
		return nil, errors.NewSessionClosed(s.id, string(st))
	}
	s.deps.Metrics.Submit(string(msg.Kind), class.String())

	if msg.Kind.Control() {
		if msg.Kind == controller.KindClose {
			s.closing.Store(true)
		}
		s.mailbox.Push(item{kind: msg.Kind, at: now})
		return nil, nil
	}

	rec, err := s.deps.Ledger.Append(ctx, s.id, ev)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, errors.ErrInvalidRequest) {
			s.deps.Metrics.LedgerFailure()
			s.mailbox.Push(item{kind: kindLedgerFailure, err: err, at: now})
		}
		return nil, err
	}
	s.mailbox.Push(item{kind: msg.Kind, rec: rec, text: text, at: now})
	return rec, nil
}

func (s *Session) build(msg Message, now time.Time) (evidence.Evidence, string, error) {
	switch msg.Kind {
	case controller.KindTranscript:
		if msg.Transcript == nil || msg.Transcript.Text == "" {
			return evidence.Evidence{}, "", errors.NewInvalidRequest("transcript text is required")
		}
		ev, err := evidence.NewTranscript(*msg.Transcript, now)
		if err != nil {
			return ev, "", errors.NewInvalidRequest(err.Error())
		}
		return ev, msg.Transcript.Text, nil

	case controller.KindFrameRef:
		if msg.Frame == nil || msg.Frame.Pointer == "" {
			return evidence.Evidence{}, "", errors.NewInvalidRequest("frame pointer is required")
		}
		if len(msg.Blob) > 0 && s.deps.Blobs != nil {
			if err := s.deps.Blobs.PutWithTTL(msg.Frame.Pointer, msg.Blob, s.cfg.BlobTTL()); err != nil {
				s.logger.Warn("frame blob not stored", "pointer", msg.Frame.Pointer, "error", err)
			}
		}
		ev, err := evidence.NewFrameRef(*msg.Frame, now)
		if err != nil {
			return ev, "", errors.NewInvalidRequest(err.Error())
		}
		return ev, "", nil
	}
	return evidence.Evidence{}, "", errors.NewInvalidRequest(fmt.Sprintf("%s carries no evidence", msg.Kind))
}

// Checkpoint asks the actor to checkpoint now and waits for the result.
func (s *Session) Checkpoint(ctx context.Context) error {
	return s.request(ctx, controller.KindCheckpointNow)
}

// Close flushes pending critical evidence into a final synthesis, checkpoints
// and stops the actor. It returns once the actor has exited.
func (s *Session) Close(ctx context.Context) error {
	if _, err := s.Submit(ctx, Message{Kind: controller.KindClose}); err != nil {
		return err
	}
	return s.wait(ctx)
}

// Stop checkpoints and stops the actor without closing the session, so it
// can be restored later.
func (s *Session) Stop(ctx context.Context) error {
	return s.terminate(ctx, kindStop)
}

// Abandon marks the session abandoned, checkpoints and stops the actor.
// Pending evidence is not synthesized.
func (s *Session) Abandon(ctx context.Context) error {
	return s.terminate(ctx, kindAbandon)
}

func (s *Session) terminate(ctx context.Context, kind controller.Kind) error {
	if !s.started.Load() {
		return nil
	}
	s.submitMu.Lock()
	if s.closing.Swap(true) {
		s.submitMu.Unlock()
		return s.wait(ctx)
	}
	s.mailbox.Push(item{kind: kind, at: s.deps.Now()})
	s.submitMu.Unlock()
	return s.wait(ctx)
}

func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request enqueues a control item and waits for the actor to acknowledge it.
func (s *Session) request(ctx context.Context, kind controller.Kind) error {
	s.submitMu.Lock()
	if s.closing.Load() {
		s.submitMu.Unlock()
		return errors.NewSessionClosed(s.id, string(state.StatusClosed))
	}
	ack := make(chan error, 1)
	s.mailbox.Push(item{kind: kind, at: s.deps.Now(), ack: ack})
	s.submitMu.Unlock()

	select {
	case err := <-ack:
		return err
	case <-s.done:
		return errors.NewSessionClosed(s.id, string(s.Snapshot().Status))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish refreshes the read-only view. Actor goroutine only.
func (s *Session) publish() {
	notes := make([]*note.Note, 0, len(s.notes))
	for _, n := range s.notes {
		notes = append(notes, n)
	}
	note.SortBySpan(notes)
	s.view.Store(&view{snap: s.snap.Clone(), notes: notes})
}

// activeNotes returns the active notes. Entries are replaced, never mutated,
// so the slice can be handed to a synthesis task.
func (s *Session) activeNotes() []*note.Note {
	out := make([]*note.Note, 0, len(s.notes))
	for _, n := range s.notes {
		if n.Status == note.StatusActive {
			out = append(out, n)
		}
	}
	note.SortBySpan(out)
	return out
}

type noteStore struct {
	conn *sql.DB
}

func (n noteStore) UpsertNotes(notes ...*note.Note) error {
	return db.UpsertNotes(n.conn, notes...)
}

// transcriptSpan is the union of the video spans of recs.
func transcriptSpan(recs []*evidence.Record) note.Span {
	var span note.Span
	first := true
	for _, r := range recs {
		if r.VideoStart == nil || r.VideoEnd == nil {
			continue
		}
		rs := note.Span{StartMS: *r.VideoStart, EndMS: *r.VideoEnd}
		if first {
			span, first = rs, false
			continue
		}
		span = span.Union(rs)
	}
	return span
}

func coveredBy(ranges []note.Range, seq int64) bool {
	return slices.ContainsFunc(ranges, func(r note.Range) bool {
		return r.From > 0 && seq >= r.From && seq <= r.To
	})
}
