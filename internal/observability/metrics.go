// Package observability holds the Prometheus metrics for the session engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "margin"

// Metrics is the engine's metric set. A nil *Metrics records nothing.
type Metrics struct {
	submits            *prometheus.CounterVec
	evictions          prometheus.Counter
	backpressure       *prometheus.CounterVec
	synthDuration      *prometheus.HistogramVec
	ledgerFailures     prometheus.Counter
	corrupted          prometheus.Counter
	decisions          *prometheus.CounterVec
	checkpoints        *prometheus.CounterVec
	restarts           prometheus.Counter
	activeSessions     prometheus.Gauge
	mailboxDepth       *prometheus.GaugeVec
	retrievalExpansion *prometheus.CounterVec
}

// NewMetrics registers the metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "submits_total",
			Help:      "Submitted messages by kind and class",
		}, []string{"kind", "class"}),

		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "evictions_total",
			Help:      "Droppable records evicted from pending batches",
		}),

		backpressure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "backpressure_signals_total",
			Help:      "Backpressure signals emitted by level",
		}, []string{"level"}),

		synthDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "synthesis",
			Name:      "duration_seconds",
			Help:      "Synthesis call duration by outcome",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),

		ledgerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "append_failures_total",
			Help:      "Ledger appends that failed after retries",
		}),

		corrupted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "corrupted_records_total",
			Help:      "Records rejected because their hash did not match",
		}),

		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "decisions_total",
			Help:      "Reconciler decisions by action",
		}, []string{"action"}),

		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "checkpoints_total",
			Help:      "Checkpoint attempts by status",
		}, []string{"status"}),

		restarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Session actors restarted after a crash",
		}),

		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "active_sessions",
			Help:      "Session actors currently running",
		}),

		mailboxDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "mailbox_depth",
			Help:      "Mailbox depth at the last backpressure transition",
		}, []string{"session_id"}),

		retrievalExpansion: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "windows_total",
			Help:      "Evidence windows assembled by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) Submit(kind, class string) {
	if m != nil {
		m.submits.WithLabelValues(kind, class).Inc()
	}
}

func (m *Metrics) Eviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) Backpressure(sessionID, level string, depth int64) {
	if m == nil {
		return
	}
	m.backpressure.WithLabelValues(level).Inc()
	m.mailboxDepth.WithLabelValues(sessionID).Set(float64(depth))
}

func (m *Metrics) Synthesis(outcome string, d time.Duration) {
	if m != nil {
		m.synthDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) LedgerFailure() {
	if m != nil {
		m.ledgerFailures.Inc()
	}
}

func (m *Metrics) Corrupted(n int) {
	if m != nil && n > 0 {
		m.corrupted.Add(float64(n))
	}
}

func (m *Metrics) Decision(action string) {
	if m != nil {
		m.decisions.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) Checkpoint(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.checkpoints.WithLabelValues(status).Inc()
}

func (m *Metrics) Restart() {
	if m != nil {
		m.restarts.Inc()
	}
}

// SessionStarted and SessionStopped track the running actor count.
func (m *Metrics) SessionStarted() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) SessionStopped(sessionID string) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.mailboxDepth.DeleteLabelValues(sessionID)
}

// Window records a retrieval result: "primary", "expanded" or "low_confidence".
func (m *Metrics) Window(result string) {
	if m != nil {
		m.retrievalExpansion.WithLabelValues(result).Inc()
	}
}
