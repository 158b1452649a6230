package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 2*time.Second, cfg.ShortDelay())
	assert.Equal(t, 4*time.Second, cfg.DefaultDelay())
	assert.Equal(t, 6*time.Second, cfg.LongDelay())
	assert.Equal(t, 10*time.Second, cfg.IdleThreshold())
	assert.Equal(t, 3, cfg.BurstThreshold)
	assert.Equal(t, 20, cfg.DroppableCapacity)
	assert.Equal(t, 100, cfg.CriticalWatermark)
	assert.Equal(t, 25, cfg.RecoveryWatermark)
	assert.Equal(t, 5*time.Minute, cfg.CheckpointInterval())
	assert.Equal(t, time.Hour, cfg.InactivityTimeout())
	assert.Equal(t, 0.8, cfg.EmbeddingSimilarity)
	assert.Equal(t, ProviderStub, cfg.SynthesisProvider)
	assert.Equal(t, 3, cfg.MaxRestarts)
	assert.Equal(t, time.Minute, cfg.RestartWindow())
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverridesScalars(t *testing.T) {
	dir := t.TempDir()
	content := `{"long_delay_ms": 9000, "droppable_capacity": 5, "disabled_tools": ["note_replay"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9*time.Second, cfg.LongDelay())
	assert.Equal(t, 5, cfg.DroppableCapacity)
	assert.Equal(t, []string{"note_replay"}, cfg.DisabledTools)
	// untouched fields keep defaults
	assert.Equal(t, 2*time.Second, cfg.ShortDelay())
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0600))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_RejectsInconsistentWatermarks(t *testing.T) {
	dir := t.TempDir()
	content := `{"critical_watermark": 20, "recovery_watermark": 30, "warning_watermark": 10}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0600))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery_watermark")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"delays out of order", func(c *Config) { c.ShortDelayMS = 5000 }, false},
		{"zero capacity", func(c *Config) { c.DroppableCapacity = 0 }, false},
		{"warning above critical", func(c *Config) { c.WarningWatermark = 150 }, false},
		{"secondary narrower than primary", func(c *Config) { c.SecondaryWindowMS = 1000 }, false},
		{"similarity above one", func(c *Config) { c.EmbeddingSimilarity = 1.5 }, false},
		{"unknown provider", func(c *Config) { c.SynthesisProvider = "bard" }, false},
		{"openai provider", func(c *Config) { c.SynthesisProvider = ProviderOpenAI }, true},
		{"negative restarts", func(c *Config) { c.MaxRestarts = -1 }, false},
		{"zero restart window", func(c *Config) { c.RestartWindowMS = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := &Config{
		ShortDelayMS:  1000,
		HTTPBind:      "127.0.0.1",
		DisabledTools: []string{"note_replay", " ledger_verify "},
		AllowedPaths:  []string{"/srv/exports"},
	}
	overlay := &Config{
		AllowUnsafePaths:    true,
		ShortDelayMS:        500,
		OverlapThreshold:    0.6,
		DisabledTools:       []string{"ledger_verify", "session_open"},
		SynthesisProvider:   "  ",
		EmbeddingSimilarity: 0,
	}

	result := Merge(base, overlay)

	assert.Equal(t, 500, result.ShortDelayMS)
	assert.Equal(t, 0.6, result.OverlapThreshold)
	assert.Equal(t, "127.0.0.1", result.HTTPBind)
	assert.Equal(t, "", result.SynthesisProvider)
	assert.Equal(t, []string{"note_replay", "ledger_verify", "session_open"}, result.DisabledTools)
	assert.Equal(t, []string{"/srv/exports"}, result.AllowedPaths)
	assert.True(t, result.AllowUnsafePaths)
}

func TestMergeStringSlice_Empty(t *testing.T) {
	assert.Nil(t, mergeStringSlice(nil, []string{" ", ""}))
}
