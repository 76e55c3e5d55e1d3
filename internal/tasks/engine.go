package tasks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"meterlink/internal/acquisition"
	"meterlink/internal/config"
	"meterlink/internal/httpapi"
	"meterlink/internal/log"
	"meterlink/internal/metrics"
	"meterlink/internal/simulator"
	"meterlink/internal/source"
)

// Options defines initialization overrides for the engine.
// Mirrors the CLI flags used in cmd/meterd/main.go.
type Options struct {
	ConfigPath string
	Demo       bool
	Port       string
	Listen     string
}

// Engine ties the scheduler to its optional HTTP API.
type Engine struct {
	Config    config.Config
	Scheduler *acquisition.Scheduler
	API       *httpapi.Server
	logger    *zap.SugaredLogger
}

// LoadConfig reads opts.ConfigPath (defaults when empty) and applies the
// overrides.
func LoadConfig(opts Options) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return config.Config{}, err
		}
	}

	// Override YAML with provided options
	if opts.Demo {
		cfg.Engine.Demo = true
	}
	if opts.Port != "" {
		cfg.Meter.Port = opts.Port
	}
	if opts.Listen != "" {
		cfg.HTTP.Listen = opts.Listen
	}
	return cfg, cfg.Validate()
}

// NewEngine wires the selector, the scheduler and the API for cfg.
func NewEngine(cfg config.Config, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	sel := source.NewSelector(source.Options{
		ProbeTimeout: cfg.Engine.ProbeTimeout,
		Simulator:    simulator.Options{Seed: cfg.Simulator.Seed, Phases: cfg.Simulator.Phases},
		Logger:       logger.Named("source"),
	})
	e := &Engine{
		Config: cfg,
		Scheduler: acquisition.New(acquisition.Options{
			Selector:         sel,
			FailureThreshold: cfg.Engine.FailureThreshold,
			HistorySize:      cfg.Engine.HistorySize,
			Logger:           logger.Named("acquisition"),
		}),
		logger: logger,
	}
	if cfg.HTTP.Listen != "" {
		e.API = httpapi.NewServer(cfg.HTTP.Listen, e.Scheduler, logger.Named("http"))
	}
	return e
}

// Run starts acquisition and serves until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Scheduler.Start(ctx, e.Config.Meter, e.Config.Engine.Demo); err != nil {
		return fmt.Errorf("start acquisition: %w", err)
	}
	st := e.Scheduler.Status()
	e.logger.Infow("acquisition started", "state", st.State, "mode", st.Mode, "detail", st.Detail)

	if e.API != nil {
		e.API.Start(ctx)
	}
	err := e.Scheduler.Run(ctx)
	_ = e.Scheduler.Close()
	if e.API != nil {
		e.API.Wait()
	}
	return err
}

// InitAndRunEngine loads config, applies overrides, sets up logging and
// metrics, then runs the engine.
func InitAndRunEngine(ctx context.Context, opts Options) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return err
	}
	defer log.Sync()
	metrics.Init()

	return NewEngine(cfg, log.GetSugaredLogger()).Run(ctx)
}
