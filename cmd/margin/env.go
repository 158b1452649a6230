package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/hpungsan/margin/internal/blob"
	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/events"
	"github.com/hpungsan/margin/internal/mcp"
	"github.com/hpungsan/margin/internal/observability"
	"github.com/hpungsan/margin/internal/session"
	"github.com/hpungsan/margin/internal/synth"
)

// blobMode says whether a command needs the frame blob cache. Badger holds
// an exclusive directory lock, so read-only commands skip it.
type blobMode int

const (
	blobsNone blobMode = iota
	blobsOptional
	blobsRequired
)

// env holds the process-wide collaborators a command runs against.
type env struct {
	baseDir  string
	logger   *slog.Logger
	db       *sql.DB
	cfg      *config.Config
	blobs    *blob.Store
	registry *prometheus.Registry
	hub      *events.Hub
	deps     session.Deps
}

// defaultBaseDir returns ~/.margin.
func defaultBaseDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".margin"), nil
}

// newLogger returns a text handler logger on w at the named level.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// openEnv opens the database, loads config and builds session deps.
func openEnv(c *cli.Context, blobs blobMode) (*env, error) {
	baseDir := c.String("home")
	if baseDir == "" {
		var err error
		if baseDir, err = defaultBaseDir(); err != nil {
			return nil, err
		}
	}
	logger, err := newLogger(c.App.ErrWriter, c.String("log-level"))
	if err != nil {
		return nil, err
	}

	database, err := db.Init(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	cfg, err := config.Load(baseDir)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	db.ConfigurePool(database, cfg)
	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn("unknown tools in disabled_tools", "tools", unknown)
	}

	e := &env{
		baseDir:  baseDir,
		logger:   logger,
		db:       database,
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		hub:      events.NewHub(),
	}
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if blobs != blobsNone {
		store, err := blob.Open(blob.Options{
			Path:   filepath.Join(baseDir, "blobs"),
			TTL:    cfg.BlobTTL(),
			Logger: logger,
		})
		switch {
		case err == nil:
			e.blobs = store
		case blobs == blobsRequired:
			database.Close()
			return nil, err
		default:
			logger.Warn("frame blob cache unavailable, continuing without it", "error", err)
		}
	}

	synthesizer, err := newSynthesizer(cfg, logger)
	if err != nil {
		e.Close()
		return nil, err
	}

	metrics := observability.NewMetrics(e.registry)
	e.deps = session.Deps{
		DB:      database,
		Blobs:   e.blobs,
		Synth:   synthesizer,
		Events:  e.hub,
		Metrics: metrics,
		Config:  cfg,
		Logger:  logger,
		Pool: synth.NewPool(cfg.SynthesisMaxConcurrent, cfg.SynthesisTimeout(),
			synth.WithPoolLogger(logger),
			synth.WithObserver(func(o synth.Outcome, d time.Duration) {
				metrics.Synthesis(string(o), d)
			}),
		),
	}.WithDefaults()
	return e, nil
}

// newSynthesizer returns the configured synthesis provider.
func newSynthesizer(cfg *config.Config, logger *slog.Logger) (synth.Synthesizer, error) {
	switch cfg.SynthesisProvider {
	case config.ProviderOpenAI:
		o, err := synth.NewOpenAI(cfg.SynthesisModel, logger)
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return synth.Stub{}, nil
	}
}

// Close releases the blob cache, the event hub and the database.
func (e *env) Close() {
	e.hub.Close()
	if e.blobs != nil {
		if err := e.blobs.Close(); err != nil {
			e.logger.Warn("failed to close blob cache", "error", err)
		}
	}
	e.db.Close()
}
