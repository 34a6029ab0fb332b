package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cursiveterminal/deployctl/pkg/config"
	"github.com/cursiveterminal/deployctl/pkg/engine"
	"github.com/cursiveterminal/deployctl/pkg/policy"
	"github.com/cursiveterminal/deployctl/pkg/stores"
	"github.com/cursiveterminal/deployctl/pkg/telemetry"
	"github.com/cursiveterminal/deployctl/pkg/templates"
	"github.com/cursiveterminal/deployctl/pkg/transports"
	"github.com/cursiveterminal/deployctl/pkg/transports/local"
	"github.com/cursiveterminal/deployctl/pkg/transports/ssh"
)

// app holds everything a command needs, opened from the loaded settings.
type app struct {
	settings  *config.Settings
	store     *stores.SQLiteStore
	templates *templates.Store
	policies  *policy.Engine
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
}

type appOptions struct {
	// serveMetrics serves Prometheus metrics for the life of the command on
	// metricsAddr, falling back to metrics.addr from the settings.
	serveMetrics bool
	metricsAddr  string
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings not loaded")
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(settings, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{
		settings:  settings,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
	}

	if tel.Metrics.Enabled() {
		addr, err := tel.Metrics.StartMetricsServer()
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
		log.Info().Str("addr", addr).Msg("Serving metrics")
	}

	a.store, err = openStore(ctx, settings)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.templates = templates.NewStore(settings.TemplatesPath(), a.logger)
	if _, err := os.Stat(a.templates.Dir()); os.IsNotExist(err) {
		if err := a.templates.Init(); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("failed to seed templates: %w", err)
		}
	}

	a.policies, err = policy.NewEngine(a.logger, policy.WithLimits(policy.Limits{
		MaxParallelLimit: settings.Engine.MaxWorkers,
	}))
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if dir := settings.PoliciesPath(); dir != "" {
		if err := a.policies.LoadPolicies(ctx, []string{dir}); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}

	return a, nil
}

func openStore(ctx context.Context, s *config.Settings) (*stores.SQLiteStore, error) {
	path := s.DatabasePath()
	if path != ":memory:" {
		if err := os.MkdirAll(s.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func telemetryConfig(s *config.Settings, opts appOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildInfo.version
	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format
	if verbose {
		cfg.Logging.Level = "debug"
	}

	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint

	if opts.serveMetrics {
		cfg.Metrics.Addr = opts.metricsAddr
		if cfg.Metrics.Addr == "" {
			cfg.Metrics.Addr = s.Metrics.Addr
		}
	}
	return cfg
}

// router builds the transports from the SSH settings.
func (a *app) router() *transports.Router {
	resolver := ssh.NewCredentialResolver()
	resolver.KnownHostsPath = a.settings.SSH.KnownHostsPath
	resolver.StrictHostKeyChecking = a.settings.SSH.StrictHostKeyChecking
	resolver.ConnectionTimeout = a.settings.SSH.ConnectTimeout
	resolver.RemoteTempDir = a.settings.SSH.RemoteTempDir

	return transports.NewRouter(ssh.NewScriptTransport(resolver), local.New())
}

func (a *app) orchestrator() *engine.Orchestrator {
	opts := a.telemetry.OrchestratorOptions(a.store)
	opts = append(opts,
		engine.WithMaxWorkers(a.settings.Engine.MaxWorkers),
		engine.WithValidator(a.policies),
	)
	if a.settings.Engine.PartialSuccess {
		opts = append(opts, engine.WithPartialSuccess())
	}
	if a.settings.Engine.Retry {
		opts = append(opts, engine.WithRetry())
	}
	if a.settings.Engine.RunDeadline {
		opts = append(opts, engine.WithRunDeadline())
	}
	return engine.NewOrchestrator(a.store, a.router(), opts...)
}

// manifestParser returns a parser whose variables scripts log through the app logger.
func (a *app) manifestParser() *config.ManifestParser {
	return config.NewManifestParser(a.logger)
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// withApp opens the app, runs fn and closes the app, reporting close errors
// only when fn succeeded.
func withApp(ctx context.Context, opts appOptions, fn func(*app) error) (err error) {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
