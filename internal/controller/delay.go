package controller

import (
	"time"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/evidence"
)

// Reason names the rule that chose a debounce delay.
type Reason string

const (
	ReasonIdle       Reason = "idle"
	ReasonBurst      Reason = "burst"
	ReasonSimilarity Reason = "similarity"
	ReasonDefault    Reason = "default"
)

// DelayPolicy chooses the debounce delay from activity signals.
type DelayPolicy struct {
	Short   time.Duration
	Default time.Duration
	Long    time.Duration

	IdleThreshold       time.Duration
	BurstThreshold      int
	SimilarityThreshold float64
}

// PolicyFromConfig builds a DelayPolicy from config.
func PolicyFromConfig(cfg *config.Config) DelayPolicy {
	return DelayPolicy{
		Short:               cfg.ShortDelay(),
		Default:             cfg.DefaultDelay(),
		Long:                cfg.LongDelay(),
		IdleThreshold:       cfg.IdleThreshold(),
		BurstThreshold:      cfg.BurstThreshold,
		SimilarityThreshold: cfg.SimilarityThreshold,
	}
}

// Signals summarizes recent activity at the moment of a submission.
type Signals struct {
	// First is set for the first submission a session has seen.
	First bool
	// SincePrevious is the gap to the previous submission.
	SincePrevious time.Duration
	// Recent counts submissions within the idle threshold, this one included.
	Recent int
	// Similarity is the vocabulary overlap of recent critical items.
	Similarity float64
}

// Decide returns the delay and the rule that produced it. Rules are checked
// in order: idle, burst, similarity, default.
func (p DelayPolicy) Decide(s Signals) (time.Duration, Reason) {
	switch {
	case s.First || s.SincePrevious > p.IdleThreshold:
		return p.Short, ReasonIdle
	case s.Recent > p.BurstThreshold:
		return p.Long, ReasonBurst
	case s.Similarity >= p.SimilarityThreshold && s.Similarity > 0:
		return p.Long, ReasonSimilarity
	default:
		return p.Default, ReasonDefault
	}
}

// Activity tracks the submission history a DelayPolicy needs.
type Activity struct {
	idle     time.Duration
	lookback int

	last   time.Time
	recent []time.Time
	texts  []map[string]struct{}
}

// NewActivity returns a tracker for the given idle window and similarity lookback.
func NewActivity(idle time.Duration, lookback int) *Activity {
	return &Activity{idle: idle, lookback: max(lookback, 2)}
}

// Observe records a submission at time at and returns the resulting signals.
// text is the content of a critical item, or empty for droppable ones.
func (a *Activity) Observe(at time.Time, text string) Signals {
	s := Signals{First: a.last.IsZero()}
	if !s.First {
		s.SincePrevious = at.Sub(a.last)
	}
	a.last = at

	cutoff := at.Add(-a.idle)
	kept := a.recent[:0]
	for _, t := range a.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.recent = append(kept, at)
	s.Recent = len(a.recent)

	if text != "" {
		a.texts = append(a.texts, evidence.Vocabulary(text))
		if len(a.texts) > a.lookback {
			a.texts = a.texts[len(a.texts)-a.lookback:]
		}
		s.Similarity = a.similarity()
	}
	return s
}

// similarity is the mean Jaccard overlap between the newest critical item and
// each earlier one in the lookback.
func (a *Activity) similarity() float64 {
	if len(a.texts) < 2 {
		return 0
	}
	newest := a.texts[len(a.texts)-1]
	var sum float64
	for _, t := range a.texts[:len(a.texts)-1] {
		sum += evidence.Jaccard(newest, t)
	}
	return sum / float64(len(a.texts)-1)
}

// Last returns the time of the most recent submission.
func (a *Activity) Last() time.Time {
	return a.last
}
