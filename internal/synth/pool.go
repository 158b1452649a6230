package synth

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTimeout is reported when a task exceeds the pool's per-call timeout.
var ErrTimeout = stderrors.New("synthesis timed out")

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("synthesis panicked: %v", e.Value)
}

// Outcome labels how a pool task finished.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
	OutcomePanic   Outcome = "panic"
)

// Pool runs tasks with bounded concurrency, a per-call timeout and panic
// recovery. Failures reach the caller through the done callback, never as a
// panic in the caller's goroutine.
type Pool struct {
	sem      chan struct{}
	timeout  time.Duration
	logger   *slog.Logger
	onFinish func(Outcome, time.Duration)
	wg       sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithObserver is called after every task with its outcome and duration.
func WithObserver(fn func(Outcome, time.Duration)) PoolOption {
	return func(p *Pool) { p.onFinish = fn }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool returns a pool running at most maxConcurrent tasks at once.
func NewPool(maxConcurrent int, timeout time.Duration, opts ...PoolOption) *Pool {
	p := &Pool{
		sem:      make(chan struct{}, max(maxConcurrent, 1)),
		timeout:  timeout,
		logger:   slog.Default(),
		onFinish: func(Outcome, time.Duration) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "synth_pool")
	return p
}

// Wait blocks until every submitted task has reported.
func (p *Pool) Wait() {
	p.wg.Wait()
}

type outcome[T any] struct {
	value T
	err   error
}

// Run schedules task on p and returns immediately. done is called exactly
// once from a pool goroutine with the task's result, ErrTimeout, a
// *PanicError, or ctx's error if the task never got a slot.
//
// A task that ignores its context keeps running after a timeout, but its
// slot is released and its late result is discarded.
func Run[T any](p *Pool, ctx context.Context, task func(context.Context) (T, error), done func(T, error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var zero T

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			done(zero, ctx.Err())
			return
		}
		defer func() { <-p.sem }()

		tctx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			tctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}

		start := time.Now()
		ch := make(chan outcome[T], 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					ch <- outcome[T]{err: &PanicError{Value: r}}
				}
			}()
			v, err := task(tctx)
			ch <- outcome[T]{value: v, err: err}
		}()

		select {
		case o := <-ch:
			kind := OutcomeOK
			var pe *PanicError
			switch {
			case stderrors.As(o.err, &pe):
				kind = OutcomePanic
				p.logger.Error("synthesis task panicked", "panic", pe.Value)
			case stderrors.Is(o.err, context.DeadlineExceeded) && tctx.Err() != nil && ctx.Err() == nil:
				kind = OutcomeTimeout
				o.err = ErrTimeout
			case o.err != nil:
				kind = OutcomeError
			}
			p.onFinish(kind, time.Since(start))
			done(o.value, o.err)
		case <-tctx.Done():
			err := ctx.Err()
			kind := OutcomeError
			if err == nil {
				err = ErrTimeout
				kind = OutcomeTimeout
			}
			p.logger.Warn("synthesis task abandoned", "error", err)
			p.onFinish(kind, time.Since(start))
			done(zero, err)
		}
	}()
}
