package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gmsas95/myrai-meds/internal/api"
	"github.com/gmsas95/myrai-meds/internal/config"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"github.com/gmsas95/myrai-meds/internal/metrics"
	"github.com/gmsas95/myrai-meds/internal/scheduler"
	"github.com/gmsas95/myrai-meds/internal/skills"
	"github.com/gmsas95/myrai-meds/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// App wires storage, the tracker service, the scheduler and the HTTP API
type App struct {
	Config         *config.Config
	Store          *store.Store
	Logger         *zap.Logger
	Registry       *prometheus.Registry
	Metrics        *metrics.Metrics
	Service        *medication.Service
	Driver         *scheduler.Driver
	SkillsRegistry *skills.Registry
	Server         *api.Server
	Version        string

	level     zap.AtomicLevel
	closeOnce sync.Once
}

// NewLogger builds a zap logger whose level can be changed at runtime
func NewLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, level, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level

	logger, err := zcfg.Build()
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}

// New opens storage and builds every component from cfg
func New(cfg *config.Config, version string) (*App, error) {
	logger, level, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger, level, version)
}

func newApp(cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel, version string) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	st, err := store.New(cfg.Storage, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	svc := medication.NewService(st.Repository(),
		medication.WithLocation(loc),
		medication.WithLogger(logger),
		medication.WithRecorder(m),
	)

	ticker, err := scheduler.NewTicker(cfg.Scheduler.Mode, cfg.Scheduler.Interval, loc, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	driver := scheduler.NewDriver(svc, ticker, scheduler.Options{
		MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
		SweepsPerSecond: cfg.Scheduler.SweepsPerSecond,
		BreakerFailures: cfg.Scheduler.BreakerFailures,
		BreakerTimeout:  cfg.Scheduler.BreakerTimeout,
	}, logger, m)
	svc.SetAccessHook(driver)

	skillsRegistry := skills.NewRegistry()
	skillsRegistry.SetRecorder(m)
	RegisterSkills(svc, skillsRegistry, logger)

	a := &App{
		Config:         cfg,
		Store:          st,
		Logger:         logger,
		Registry:       registry,
		Metrics:        m,
		Service:        svc,
		Driver:         driver,
		SkillsRegistry: skillsRegistry,
		Version:        version,
		level:          level,
	}
	a.Server = api.New(cfg, api.Deps{
		Service:  svc,
		Driver:   driver,
		Skills:   skillsRegistry,
		Metrics:  m,
		Gatherer: registry,
		Ping:     st.Ping,
		Version:  version,
	}, logger)

	return a, nil
}

// WatchConfig applies log level changes from the config file without a restart
func (a *App) WatchConfig() {
	watching := a.Config.Watch(func(cfg *config.Config, err error) {
		if err != nil {
			a.Logger.Warn("Ignoring invalid config change", zap.Error(err))
			return
		}
		if err := a.level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
			a.Logger.Warn("Ignoring invalid log level", zap.String("level", cfg.Logging.Level))
			return
		}
		a.Logger.Info("Config reloaded", zap.String("log_level", a.level.String()))
	})
	if watching {
		a.Logger.Info("Watching config file", zap.String("path", a.Config.FileUsed()))
	}
}

// Run starts the scheduler and the HTTP server and blocks until ctx is done
// or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Driver.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start()
	}()

	a.Logger.Info("Server started",
		zap.String("version", a.Version),
		zap.String("address", a.Config.Server.Address),
		zap.Int("port", a.Config.Server.Port),
		zap.String("storage", a.Store.Backend()),
		zap.String("scheduler", a.Driver.Mode()),
	)
	for _, skill := range a.SkillsRegistry.ListSkills() {
		a.Logger.Info("Skill",
			zap.String("name", skill.Name()),
			zap.String("version", skill.Version()),
			zap.Int("tools", len(skill.Tools())),
		)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.Logger.Warn("Failed to notify systemd", zap.Error(err))
	} else if ok {
		a.Logger.Debug("Notified systemd of readiness")
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("Shutting down...")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.Driver.Stop()
	if err := a.Server.Shutdown(); err != nil {
		a.Logger.Error("Server shutdown error", zap.Error(err))
	}
	return runErr
}

// SweepOnce runs a single sweep over every tracker
func (a *App) SweepOnce(ctx context.Context) (scheduler.SweepResult, error) {
	return a.Driver.SweepAll(ctx)
}

// Close releases storage and flushes the logger. Safe to call more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Driver.Stop()
		err = a.Store.Close()
		// Sync fails on stdout/stderr on some platforms.
		_ = a.Logger.Sync()
	})
	return err
}
