package controller

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Level is the backpressure level reported upstream.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelCritical Level = "critical"
)

// Watermarks are mailbox depth thresholds.
type Watermarks struct {
	Warning  int64
	Critical int64
	Recovery int64
}

// Monitor tracks mailbox depth with an atomic counter and emits a signal once
// per crossing: critical when depth reaches Critical, normal when it falls
// below Recovery after a critical signal. Depth oscillating between the two
// watermarks emits nothing.
type Monitor struct {
	marks  Watermarks
	emit   func(Level, int64)
	logger *slog.Logger

	depth  atomic.Int64
	paused atomic.Bool
	warned atomic.Bool

	// mu orders signal emission; it is only taken when a watermark is crossed.
	mu sync.Mutex
}

// NewMonitor returns a monitor that calls emit on every level change.
func NewMonitor(marks Watermarks, emit func(Level, int64), logger *slog.Logger) *Monitor {
	if emit == nil {
		emit = func(Level, int64) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{marks: marks, emit: emit, logger: logger}
}

// Inc records one enqueued message and returns the new depth.
func (m *Monitor) Inc() int64 {
	d := m.depth.Add(1)
	if d >= m.marks.Warning && m.warned.CompareAndSwap(false, true) {
		m.logger.Warn("mailbox depth above warning watermark", "depth", d, "watermark", m.marks.Warning)
	}
	if d >= m.marks.Critical && !m.paused.Load() {
		m.transition(LevelCritical)
	}
	return d
}

// Dec records one processed message and returns the new depth.
func (m *Monitor) Dec() int64 {
	d := m.depth.Add(-1)
	if d < m.marks.Warning {
		m.warned.Store(false)
	}
	if d < m.marks.Recovery && m.paused.Load() {
		m.transition(LevelNormal)
	}
	return d
}

func (m *Monitor) transition(to Level) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.depth.Load()
	switch to {
	case LevelCritical:
		if m.paused.Load() || d < m.marks.Critical {
			return
		}
		m.paused.Store(true)
	case LevelNormal:
		if !m.paused.Load() || d >= m.marks.Recovery {
			return
		}
		m.paused.Store(false)
	}
	m.emit(to, d)
}

// Depth returns the current mailbox depth.
func (m *Monitor) Depth() int64 {
	return m.depth.Load()
}

// Level returns the level most recently signalled.
func (m *Monitor) Level() Level {
	if m.paused.Load() {
		return LevelCritical
	}
	return LevelNormal
}
