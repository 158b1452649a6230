package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Synthesis providers.
const (
	ProviderStub   = "stub"
	ProviderOpenAI = "openai"
)

// Config holds application configuration.
// Durations are stored as integer milliseconds (or minutes where noted) so the
// JSON file stays hand-editable.
type Config struct {
	// ShortDelayMS is the debounce delay after an isolated utterance.
	ShortDelayMS int `json:"short_delay_ms"`

	// DefaultDelayMS is the debounce delay when no activity rule applies.
	DefaultDelayMS int `json:"default_delay_ms"`

	// LongDelayMS is the debounce delay used during bursts or topically coherent input.
	LongDelayMS int `json:"long_delay_ms"`

	// IdleThresholdMS is the gap after which a submission counts as isolated.
	// It is also the look-back window for burst counting.
	IdleThresholdMS int `json:"idle_threshold_ms"`

	// BurstThreshold: more than this many submissions inside IdleThresholdMS is a burst.
	BurstThreshold int `json:"burst_threshold"`

	// SimilarityThreshold is the vocabulary overlap (Jaccard) above which
	// recent critical items are considered one topic.
	SimilarityThreshold float64 `json:"similarity_threshold"`

	// SimilarityLookback is how many recent critical items are compared.
	SimilarityLookback int `json:"similarity_lookback"`

	// DroppableCapacity bounds the per-session ring of droppable evidence.
	// It is per session and does not scale with the batch window.
	DroppableCapacity int `json:"droppable_capacity"`

	// Mailbox depth watermarks.
	WarningWatermark  int `json:"warning_watermark"`
	CriticalWatermark int `json:"critical_watermark"`
	RecoveryWatermark int `json:"recovery_watermark"`

	// PrimaryWindowMS and SecondaryWindowMS are the half-widths of the
	// retrieval windows around a target timestamp.
	PrimaryWindowMS   int `json:"primary_window_ms"`
	SecondaryWindowMS int `json:"secondary_window_ms"`

	// ConfidenceThreshold is the minimum window confidence before expansion.
	ConfidenceThreshold float64 `json:"confidence_threshold"`

	// TokenBudget caps the estimated tokens assembled into one window.
	TokenBudget int `json:"token_budget"`

	// OverlapThreshold is the fraction of the shorter timespan two notes must
	// share before the reconciler treats them as the same note.
	OverlapThreshold float64 `json:"overlap_threshold"`

	// EmbeddingSimilarity is the cosine similarity treated as the same note.
	EmbeddingSimilarity float64 `json:"embedding_similarity"`

	// CheckpointIntervalMS is the periodic checkpoint cadence.
	CheckpointIntervalMS int `json:"checkpoint_interval_ms"`

	// CheckpointEveryNotes forces a checkpoint after this many note decisions.
	CheckpointEveryNotes int `json:"checkpoint_every_notes"`

	// InactivityTimeoutMS moves a silent session to abandoned.
	InactivityTimeoutMS int `json:"inactivity_timeout_ms"`

	// ReaperIntervalMS is how often the supervisor looks for abandoned sessions.
	ReaperIntervalMS int `json:"reaper_interval_ms"`

	// CloseFlushTimeoutMS bounds the final synthesis pass on close.
	CloseFlushTimeoutMS int `json:"close_flush_timeout_ms"`

	// SynthesisProvider selects the synthesizer: "stub" or "openai".
	SynthesisProvider string `json:"synthesis_provider"`

	// SynthesisModel is the model name passed to the openai provider.
	SynthesisModel string `json:"synthesis_model,omitempty"`

	// SynthesisTimeoutMS bounds a single synthesis call.
	SynthesisTimeoutMS int `json:"synthesis_timeout_ms"`

	// SynthesisMaxConcurrent bounds synthesis calls across all sessions.
	SynthesisMaxConcurrent int `json:"synthesis_max_concurrent"`

	// RetryMaxAttempts and RetryInitialBackoffMS govern ledger and checkpoint retries.
	RetryMaxAttempts      int `json:"retry_max_attempts"`
	RetryInitialBackoffMS int `json:"retry_initial_backoff_ms"`

	// MaxRestarts is how many times a crashed actor is restarted within
	// RestartWindowMS before its session is left degraded.
	MaxRestarts     int `json:"max_restarts"`
	RestartWindowMS int `json:"restart_window_ms"`

	// BlobTTLMinutes is how long frame blobs stay in the local blob cache.
	BlobTTLMinutes int `json:"blob_ttl_minutes"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// HTTPBind and HTTPPort configure the serve command.
	HTTPBind string `json:"http_bind,omitempty"`
	HTTPPort int    `json:"http_port,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// AllowedPaths are extra directories notes exports may be written to.
	// ~/.margin/exports is always allowed.
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths lifts the directory restriction on export paths.
	// Symlinks are still rejected.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ShortDelayMS:           2000,
		DefaultDelayMS:         4000,
		LongDelayMS:            6000,
		IdleThresholdMS:        10000,
		BurstThreshold:         3,
		SimilarityThreshold:    0.5,
		SimilarityLookback:     3,
		DroppableCapacity:      20,
		WarningWatermark:       50,
		CriticalWatermark:      100,
		RecoveryWatermark:      25,
		PrimaryWindowMS:        3000,
		SecondaryWindowMS:      10000,
		ConfidenceThreshold:    0.5,
		TokenBudget:            1200,
		OverlapThreshold:       0.5,
		EmbeddingSimilarity:    0.8,
		CheckpointIntervalMS:   5 * 60 * 1000,
		CheckpointEveryNotes:   10,
		InactivityTimeoutMS:    60 * 60 * 1000,
		ReaperIntervalMS:       60 * 1000,
		CloseFlushTimeoutMS:    10000,
		SynthesisProvider:      ProviderStub,
		SynthesisTimeoutMS:     30000,
		SynthesisMaxConcurrent: 4,
		RetryMaxAttempts:       3,
		RetryInitialBackoffMS:  100,
		MaxRestarts:            3,
		RestartWindowMS:        60 * 1000,
		BlobTTLMinutes:         24 * 60,
		HTTPBind:               "127.0.0.1",
		HTTPPort:               8787,
	}
}

// Validate checks that thresholds and watermarks are mutually consistent.
func (c *Config) Validate() error {
	if c.ShortDelayMS <= 0 || c.DefaultDelayMS <= 0 || c.LongDelayMS <= 0 {
		return fmt.Errorf("debounce delays must be positive")
	}
	if c.ShortDelayMS > c.DefaultDelayMS || c.DefaultDelayMS > c.LongDelayMS {
		return fmt.Errorf("debounce delays must satisfy short <= default <= long")
	}
	if c.DroppableCapacity <= 0 {
		return fmt.Errorf("droppable_capacity must be positive")
	}
	if c.RecoveryWatermark >= c.CriticalWatermark {
		return fmt.Errorf("recovery_watermark (%d) must be below critical_watermark (%d)", c.RecoveryWatermark, c.CriticalWatermark)
	}
	if c.WarningWatermark > c.CriticalWatermark {
		return fmt.Errorf("warning_watermark (%d) must not exceed critical_watermark (%d)", c.WarningWatermark, c.CriticalWatermark)
	}
	if c.PrimaryWindowMS <= 0 || c.SecondaryWindowMS < c.PrimaryWindowMS {
		return fmt.Errorf("retrieval windows must satisfy 0 < primary <= secondary")
	}
	for name, v := range map[string]float64{
		"similarity_threshold": c.SimilarityThreshold,
		"confidence_threshold": c.ConfidenceThreshold,
		"overlap_threshold":    c.OverlapThreshold,
		"embedding_similarity": c.EmbeddingSimilarity,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}
	switch c.SynthesisProvider {
	case ProviderStub, ProviderOpenAI:
	default:
		return fmt.Errorf("synthesis_provider must be one of: stub, openai")
	}
	if c.SynthesisMaxConcurrent <= 0 {
		return fmt.Errorf("synthesis_max_concurrent must be positive")
	}
	if c.MaxRestarts < 0 || c.RestartWindowMS <= 0 {
		return fmt.Errorf("max_restarts must not be negative and restart_window_ms must be positive")
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) ShortDelay() time.Duration         { return ms(c.ShortDelayMS) }
func (c *Config) DefaultDelay() time.Duration       { return ms(c.DefaultDelayMS) }
func (c *Config) LongDelay() time.Duration          { return ms(c.LongDelayMS) }
func (c *Config) IdleThreshold() time.Duration      { return ms(c.IdleThresholdMS) }
func (c *Config) CheckpointInterval() time.Duration { return ms(c.CheckpointIntervalMS) }
func (c *Config) InactivityTimeout() time.Duration  { return ms(c.InactivityTimeoutMS) }
func (c *Config) ReaperInterval() time.Duration     { return ms(c.ReaperIntervalMS) }
func (c *Config) CloseFlushTimeout() time.Duration  { return ms(c.CloseFlushTimeoutMS) }
func (c *Config) SynthesisTimeout() time.Duration   { return ms(c.SynthesisTimeoutMS) }
func (c *Config) RetryInitialBackoff() time.Duration {
	return ms(c.RetryInitialBackoffMS)
}
func (c *Config) RestartWindow() time.Duration { return ms(c.RestartWindowMS) }
func (c *Config) BlobTTL() time.Duration       { return time.Duration(c.BlobTTLMinutes) * time.Minute }

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	merged := Merge(DefaultConfig(), cfg)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return merged, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.ShortDelayMS = pickInt(overlay.ShortDelayMS, base.ShortDelayMS)
	result.DefaultDelayMS = pickInt(overlay.DefaultDelayMS, base.DefaultDelayMS)
	result.LongDelayMS = pickInt(overlay.LongDelayMS, base.LongDelayMS)
	result.IdleThresholdMS = pickInt(overlay.IdleThresholdMS, base.IdleThresholdMS)
	result.BurstThreshold = pickInt(overlay.BurstThreshold, base.BurstThreshold)
	result.SimilarityThreshold = pickFloat(overlay.SimilarityThreshold, base.SimilarityThreshold)
	result.SimilarityLookback = pickInt(overlay.SimilarityLookback, base.SimilarityLookback)
	result.DroppableCapacity = pickInt(overlay.DroppableCapacity, base.DroppableCapacity)
	result.WarningWatermark = pickInt(overlay.WarningWatermark, base.WarningWatermark)
	result.CriticalWatermark = pickInt(overlay.CriticalWatermark, base.CriticalWatermark)
	result.RecoveryWatermark = pickInt(overlay.RecoveryWatermark, base.RecoveryWatermark)
	result.PrimaryWindowMS = pickInt(overlay.PrimaryWindowMS, base.PrimaryWindowMS)
	result.SecondaryWindowMS = pickInt(overlay.SecondaryWindowMS, base.SecondaryWindowMS)
	result.ConfidenceThreshold = pickFloat(overlay.ConfidenceThreshold, base.ConfidenceThreshold)
	result.TokenBudget = pickInt(overlay.TokenBudget, base.TokenBudget)
	result.OverlapThreshold = pickFloat(overlay.OverlapThreshold, base.OverlapThreshold)
	result.EmbeddingSimilarity = pickFloat(overlay.EmbeddingSimilarity, base.EmbeddingSimilarity)
	result.CheckpointIntervalMS = pickInt(overlay.CheckpointIntervalMS, base.CheckpointIntervalMS)
	result.CheckpointEveryNotes = pickInt(overlay.CheckpointEveryNotes, base.CheckpointEveryNotes)
	result.InactivityTimeoutMS = pickInt(overlay.InactivityTimeoutMS, base.InactivityTimeoutMS)
	result.ReaperIntervalMS = pickInt(overlay.ReaperIntervalMS, base.ReaperIntervalMS)
	result.CloseFlushTimeoutMS = pickInt(overlay.CloseFlushTimeoutMS, base.CloseFlushTimeoutMS)
	result.SynthesisProvider = pickString(overlay.SynthesisProvider, base.SynthesisProvider)
	result.SynthesisModel = pickString(overlay.SynthesisModel, base.SynthesisModel)
	result.SynthesisTimeoutMS = pickInt(overlay.SynthesisTimeoutMS, base.SynthesisTimeoutMS)
	result.SynthesisMaxConcurrent = pickInt(overlay.SynthesisMaxConcurrent, base.SynthesisMaxConcurrent)
	result.RetryMaxAttempts = pickInt(overlay.RetryMaxAttempts, base.RetryMaxAttempts)
	result.RetryInitialBackoffMS = pickInt(overlay.RetryInitialBackoffMS, base.RetryInitialBackoffMS)
	result.MaxRestarts = pickInt(overlay.MaxRestarts, base.MaxRestarts)
	result.RestartWindowMS = pickInt(overlay.RestartWindowMS, base.RestartWindowMS)
	result.BlobTTLMinutes = pickInt(overlay.BlobTTLMinutes, base.BlobTTLMinutes)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)
	result.HTTPBind = pickString(overlay.HTTPBind, base.HTTPBind)
	result.HTTPPort = pickInt(overlay.HTTPPort, base.HTTPPort)

	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	return result
}

// Scalars: overlay wins if non-zero, else base.
func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickFloat(overlay, base float64) float64 {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
