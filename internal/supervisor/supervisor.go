// Package supervisor owns the registry of running session actors. It creates
// and lazily restores sessions, restarts actors that crash, and reaps
// sessions that have gone quiet.
package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/events"
	"github.com/hpungsan/margin/internal/session"
	"github.com/hpungsan/margin/internal/state"
)

// blobGCInterval is how often the frame blob cache compacts its value log.
const blobGCInterval = 10 * time.Minute

// ErrShutdown is returned once Shutdown has started.
var ErrShutdown = stderrors.New("supervisor is shutting down")

type entry struct {
	s      *session.Session
	cancel context.CancelFunc
}

// history is a session's recent crash restarts.
type history struct {
	at      []time.Time
	backoff *backoff.ExponentialBackOff
}

// Supervisor creates, restores, restarts and reaps session actors.
type Supervisor struct {
	deps   session.Deps
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	restarts map[string]*history
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	bg     *errgroup.Group
	// watchers tracks the goroutines waiting on each actor.
	watchers sync.WaitGroup
}

// New returns a supervisor. Start launches the background loops.
func New(deps session.Deps) *Supervisor {
	deps = deps.WithDefaults()
	sv := &Supervisor{
		deps:     deps,
		logger:   deps.Logger.With("component", "supervisor"),
		now:      deps.Now,
		sessions: make(map[string]*entry),
		restarts: make(map[string]*history),
	}
	sv.ctx, sv.cancel = context.WithCancel(context.Background())
	return sv
}

// Start marks stale sessions abandoned and launches the reaper and the blob
// GC loop. Actors run under ctx.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.cancel()
	sv.ctx, sv.cancel = context.WithCancel(ctx)
	if _, err := sv.Reap(sv.ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(sv.ctx)
	sv.bg = g
	g.Go(func() error {
		sv.reapLoop(gctx)
		return nil
	})
	if blobs := sv.deps.Blobs; blobs != nil {
		g.Go(func() error {
			blobs.RunGC(gctx, blobGCInterval)
			return nil
		})
	}
	return nil
}

// Open creates a session for videoID and starts its actor.
func (sv *Supervisor) Open(videoID string) (*session.Session, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.closed {
		return nil, ErrShutdown
	}
	s, err := session.Create(sv.deps, videoID)
	if err != nil {
		return nil, err
	}
	sv.launch(s)
	sv.logger.Info("session opened", "session_id", s.ID(), "video_id", videoID)
	return s, nil
}

// Get returns the running actor for id, restoring it from its checkpoint if
// it is not loaded. Terminal sessions return SESSION_CLOSED. The registry is
// not locked while the ledger is replayed.
func (sv *Supervisor) Get(ctx context.Context, id string) (*session.Session, error) {
	sv.mu.Lock()
	if sv.closed {
		sv.mu.Unlock()
		return nil, ErrShutdown
	}
	if e, ok := sv.sessions[id]; ok {
		sv.mu.Unlock()
		return e.s, nil
	}
	sv.mu.Unlock()

	s, err := session.Restore(ctx, sv.deps, id)
	if err != nil {
		return nil, err
	}
	return sv.adopt(s)
}

// adopt launches a restored session unless another caller loaded it first,
// in which case the loaded actor is returned and s is discarded unstarted.
func (sv *Supervisor) adopt(s *session.Session) (*session.Session, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.closed {
		return nil, ErrShutdown
	}
	if e, ok := sv.sessions[s.ID()]; ok {
		return e.s, nil
	}
	sv.launch(s)
	return s, nil
}

// Lookup returns the loaded actor for id without restoring it.
func (sv *Supervisor) Lookup(id string) (*session.Session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	e, ok := sv.sessions[id]
	if !ok {
		return nil, false
	}
	return e.s, true
}

// Running returns the IDs of loaded sessions.
func (sv *Supervisor) Running() []string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	ids := make([]string, 0, len(sv.sessions))
	for id := range sv.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close closes session id and waits for its actor to exit.
func (sv *Supervisor) Close(ctx context.Context, id string) error {
	s, err := sv.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.Close(ctx)
}

// launch starts s and a watcher that restarts it if it crashes. Caller holds mu.
func (sv *Supervisor) launch(s *session.Session) {
	ctx, cancel := context.WithCancel(sv.ctx)
	e := &entry{s: s, cancel: cancel}
	sv.sessions[s.ID()] = e
	s.Start(ctx)

	sv.watchers.Add(1)
	go func() {
		defer sv.watchers.Done()
		<-s.Done()
		cancel()
		sv.exited(e)
	}()
}

// exited runs on the watcher goroutine once an actor stops. A crashed actor
// is restored after a backoff delay unless it has crashed MaxRestarts times
// within the restart window, in which case its session is left degraded.
func (sv *Supervisor) exited(e *entry) {
	id := e.s.ID()
	sv.mu.Lock()
	if cur, ok := sv.sessions[id]; ok && cur == e {
		delete(sv.sessions, id)
	}
	var pe *session.PanicError
	if !stderrors.As(e.s.Err(), &pe) || sv.closed {
		sv.mu.Unlock()
		return
	}
	delay, ok := sv.admit(id)
	sv.mu.Unlock()

	if !ok {
		sv.logger.Error("session actor crashed too often, not restarting",
			"session_id", id,
			"error", pe,
			"max_restarts", sv.deps.Config.MaxRestarts,
			"window", sv.deps.Config.RestartWindow())
		sv.giveUp(id, pe)
		return
	}

	sv.logger.Error("session actor crashed, restarting", "session_id", id, "error", pe, "delay", delay)
	sv.deps.Metrics.Restart()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-sv.ctx.Done():
		return
	case <-timer.C:
	}

	s, err := session.Restore(sv.ctx, sv.deps, id)
	if err != nil {
		sv.logger.Error("session restart failed", "session_id", id, "error", err)
		return
	}
	if _, err := sv.adopt(s); err != nil {
		sv.logger.Warn("session restart dropped", "session_id", id, "error", err)
	}
}

// admit records a restart of id and returns how long to wait before it.
// It reports false once the restart intensity limit is reached. Caller holds mu.
func (sv *Supervisor) admit(id string) (time.Duration, bool) {
	cfg := sv.deps.Config
	now := sv.now()
	h := sv.restarts[id]
	if h == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.RetryInitialBackoff()
		b.MaxInterval = cfg.RestartWindow()
		h = &history{backoff: b}
		sv.restarts[id] = h
	}

	cutoff := now.Add(-cfg.RestartWindow())
	h.at = slices.DeleteFunc(h.at, func(t time.Time) bool { return !t.After(cutoff) })
	if len(h.at) == 0 {
		h.backoff.Reset()
	}
	if len(h.at) >= cfg.MaxRestarts {
		delete(sv.restarts, id)
		return 0, false
	}
	h.at = append(h.at, now)
	return h.backoff.NextBackOff(), true
}

// giveUp persists id as degraded so later loads restore it read-only.
func (sv *Supervisor) giveUp(id string, cause error) {
	snap, err := db.GetSession(sv.deps.DB, id)
	if err != nil {
		sv.logger.Error("crashed session not degraded", "session_id", id, "error", err)
		return
	}
	snap.Degrade(fmt.Sprintf("actor restarted %d times within %s: %v",
		sv.deps.Config.MaxRestarts, sv.deps.Config.RestartWindow(), cause))
	if err := db.SaveSnapshot(sv.deps.DB, snap); err != nil {
		sv.logger.Error("crashed session not degraded", "session_id", id, "error", err)
		return
	}
	health := snap.Health
	sv.deps.Events.Publish(events.Event{
		Kind:      events.KindSessionStatus,
		SessionID: id,
		Status:    snap.Status,
		Health:    &health,
	})
}

func (sv *Supervisor) reapLoop(ctx context.Context) {
	interval := sv.deps.Config.ReaperInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sv.Reap(ctx); err != nil {
				sv.logger.Warn("reap failed", "error", err)
			}
		}
	}
}

// Reap marks every open session inactive for longer than the inactivity
// timeout as abandoned and stops its actor. It returns the reaped IDs.
func (sv *Supervisor) Reap(ctx context.Context) ([]string, error) {
	timeout := sv.deps.Config.InactivityTimeout()
	if timeout <= 0 {
		return nil, nil
	}
	cutoff := sv.now().Add(-timeout).UnixMilli()

	var (
		running []*session.Session
		reaped  []string
	)
	sv.mu.Lock()
	for _, e := range sv.sessions {
		if e.s.Snapshot().LastActivityAt < cutoff {
			running = append(running, e.s)
		}
	}
	sv.mu.Unlock()

	for _, s := range running {
		if err := s.Abandon(ctx); err != nil {
			sv.logger.Warn("abandon failed", "session_id", s.ID(), "error", err)
			continue
		}
		sv.logger.Info("session abandoned", "session_id", s.ID(), "status", s.Snapshot().Status)
		reaped = append(reaped, s.ID())
	}

	open, err := db.ListOpenSessions(sv.deps.DB)
	if err != nil {
		return reaped, err
	}
	for _, snap := range open {
		if snap.LastActivityAt >= cutoff || sv.loaded(snap.ID) {
			continue
		}
		if err := snap.Transition(state.StatusAbandoned); err != nil {
			continue
		}
		if err := db.SaveSnapshot(sv.deps.DB, snap); err != nil {
			return reaped, errors.NewInternal(err)
		}
		sv.logger.Info("stale session abandoned", "session_id", snap.ID)
		reaped = append(reaped, snap.ID)
	}
	return reaped, nil
}

func (sv *Supervisor) loaded(id string) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	_, ok := sv.sessions[id]
	return ok
}

// Shutdown checkpoints and stops every running actor, then stops the
// background loops. Sessions stay open and are restored on next use.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.mu.Lock()
	if sv.closed {
		sv.mu.Unlock()
		return nil
	}
	sv.closed = true
	running := make([]*session.Session, 0, len(sv.sessions))
	for _, e := range sv.sessions {
		running = append(running, e.s)
	}
	sv.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range running {
		g.Go(func() error {
			return s.Stop(gctx)
		})
	}
	err := g.Wait()

	sv.cancel()
	if sv.bg != nil {
		_ = sv.bg.Wait()
	}
	sv.watchers.Wait()
	sv.deps.Pool.Wait()
	sv.logger.Info("supervisor stopped", "sessions", len(running))
	return err
}

// Deps returns the collaborators shared by every session.
func (sv *Supervisor) Deps() session.Deps { return sv.deps }
