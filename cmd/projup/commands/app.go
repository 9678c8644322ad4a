package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/projup/projup/pkg/config"
	"github.com/projup/projup/pkg/engine"
	"github.com/projup/projup/pkg/policy"
	"github.com/projup/projup/pkg/stores"
	"github.com/projup/projup/pkg/telemetry"
)

// buildVersion is reported as the service version of traces.
var buildVersion = "dev"

// app holds the components wired for one command invocation.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	sink   *telemetry.Sink
	logger zerolog.Logger

	closers []func()
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, fmt.Errorf("failed to create config loader: %w", err)
	}

	path := configPath
	if path == "" {
		path = config.DefaultFile
	} else if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file %s does not exist", path)
	}

	cfg, err := loader.Load(path)
	if err != nil {
		return nil, err
	}

	if sessionKind != "" {
		cfg.Session.Kind = sessionKind
	}
	if metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = metricsAddr
	}
	if metricsTextfile != "" {
		cfg.Telemetry.MetricsTextfile = metricsTextfile
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	if err := loader.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = buildVersion
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddr
	tc.Metrics.TextfilePath = cfg.Telemetry.MetricsTextfile
	if cfg.Telemetry.Tracing != "none" {
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = cfg.Telemetry.Tracing
		tc.Tracing.Endpoint = cfg.Telemetry.OTLPEndpoint
	}
	return tc
}

// newApp loads the config, starts telemetry and opens the run store.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.Metrics.StartMetricsServer(ctx); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}

	var lines telemetry.LineStore
	if cfg.Store.Enabled {
		store, err := stores.Open(ctx, cfg.Store.Path)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		a.store = store
		lines = store
	}
	a.sink = tel.NewSink(lines)

	return a, nil
}

// engineOptions maps the config onto engine options with every collaborator
// attached.
func (a *app) engineOptions(ctx context.Context) (engine.Options, error) {
	opts := a.cfg.EngineOptions()
	opts.Sink = a.sink
	opts.Observer = a.tel.Metrics
	opts.Tracer = a.tel.Tracer.Tracer()
	if a.store != nil {
		opts.Recorder = a.store
	}

	if len(a.cfg.Policy.Builtin) > 0 || a.cfg.Policy.Dir != "" {
		guard, err := policy.NewEngine(ctx, a.logger, a.cfg.Policy.Builtin...)
		if err != nil {
			return opts, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if a.cfg.Policy.Dir != "" {
			if err := guard.LoadDir(ctx, a.cfg.Policy.Dir); err != nil {
				return opts, fmt.Errorf("failed to load policies: %w", err)
			}
		}
		opts.Guard = guard
	}

	if a.cfg.Hooks.MonikerScript != "" {
		hook, err := config.NewStarlarkHook(a.cfg.Hooks.MonikerScript, a.cfg.Hooks.Vars, 0, a.logger)
		if err != nil {
			return opts, fmt.Errorf("failed to load moniker hook: %w", err)
		}
		opts.Hook = hook
	}

	return opts, nil
}

// newEngine builds an engine for solution on the configured session.
func (a *app) newEngine(ctx context.Context, solution string) (*engine.Engine, error) {
	opts, err := a.engineOptions(ctx)
	if err != nil {
		return nil, err
	}
	connector, err := a.connector(ctx)
	if err != nil {
		return nil, err
	}
	return engine.New(connector, solution, opts), nil
}

// startSpan opens the command span and attaches the logger to ctx.
func (a *app) startSpan(ctx context.Context, command, solution string) (context.Context, func(error)) {
	ctx, span := a.tel.Tracer.StartCommandSpan(a.tel.WithContext(ctx), command, solution)
	return ctx, func(err error) {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}
}

// Close drains the sink before the store it writes to is closed, then
// flushes traces and metrics.
func (a *app) Close() {
	a.sink.Close()
	if dropped := a.sink.Dropped(); dropped > 0 {
		a.logger.Warn().Int64("dropped", dropped).Msg("Progress lines were not echoed")
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close run history")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// resolveSolution prefers the flag over the config file.
func (a *app) resolveSolution(flag string) (string, error) {
	solution := flag
	if solution == "" {
		solution = a.cfg.Solution
	}
	if solution == "" {
		return "", fmt.Errorf("no solution given: pass --solution or set solution in %s", config.DefaultFile)
	}
	return solution, nil
}
