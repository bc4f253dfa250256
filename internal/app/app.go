// Package app wires configuration, storage, the calendar reactor, the
// admission scheduler and the HTTP surface into one runnable service.
package app

import (
	"context"
	"fmt"
	"time"

	"botherd/internal/config"
	"botherd/internal/dedup"
	"botherd/internal/eventbus"
	"botherd/internal/ingest"
	"botherd/internal/lifecycle"
	"botherd/internal/metrics"
	"botherd/internal/observe"
	"botherd/internal/provisioner"
	"botherd/internal/reactor"
	rtsup "botherd/internal/runtime/supervisor"
	"botherd/internal/scheduler"
	"botherd/internal/store"
	logx "botherd/pkg/logx"
)

type App struct {
	mgr  *config.ConfigManager
	logs *logx.Service
	log  logx.Logger

	st    store.Store
	bus   eventbus.Bus
	met   *metrics.Metrics
	sched *scheduler.Scheduler
	api   *observe.Server
	pprof *observe.PprofServer

	// reactorFactory defers construction so Run can host the reactor loop
	// under the supervisor's restart policy with a fresh subscription per run.
	reactorFactory func() *reactor.Reactor

	sup *rtsup.Supervisor
}

// New loads and validates the config file and builds every component. The
// returned App is not running yet; call Run.
func New(cfgPath string) (*App, error) {
	mgr := config.NewConfigManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("component", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	met := metrics.New()
	bus := eventbus.New()
	life := lifecycle.NewService(st, met, log)
	res := dedup.NewResolver(st, life, log)
	ing := ingest.NewService(st, bus, met, log)

	provSettings, err := cfg.Provisioner.Resolve()
	if err != nil {
		_ = st.Close()
		_ = logs.Close()
		return nil, err
	}
	schedSettings, err := cfg.Scheduler.Resolve()
	if err != nil {
		_ = st.Close()
		_ = logs.Close()
		return nil, err
	}

	a := &App{
		mgr:  mgr,
		logs: logs,
		log:  log.With(logx.String("component", "app")),
		st:   st,
		bus:  bus,
		met:  met,
	}

	prov := provisioner.New(provSettings, log)
	a.sched = scheduler.New(st, prov, met, schedSettings, log)

	if cfg.API.Enabled {
		addr := cfg.API.Addr
		if addr == "" {
			addr = config.DefaultAPIAddr
		}
		readTO, _ := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 10*time.Second)
		writeTO, _ := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 30*time.Second)
		idleTO, _ := config.ParseDurationOrDefault("api.idle_timeout", cfg.API.IdleTimeout, 2*time.Minute)
		api := observe.NewAPI(st, ing, life, res, met, log)
		a.api = observe.NewServer(addr, api.Router(), readTO, writeTO, idleTO, log)
	}
	if cfg.Pprof.Enabled {
		a.pprof = observe.NewPprofServer(cfg.Pprof, log)
	}

	// The reactor is always on; without it calendar signals go nowhere.
	a.reactorFactory = func() *reactor.Reactor {
		return reactor.New(st, res, life, bus, log)
	}

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in order. Returns the first component error, if any.
func (a *App) Run(ctx context.Context) error {
	cfg := a.mgr.Get()
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.sup = sup

	// Config hot reload: watch the file, apply accepted updates.
	sup.Go("config.watch", a.mgr.Watch)
	updates := a.mgr.Subscribe(2)
	sup.Go0("config.apply", func(ctx context.Context) {
		defer a.mgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(ctx, next)
			}
		}
	})

	sup.GoRestart("reactor", func(ctx context.Context) error {
		return a.reactorFactory().Run(ctx)
	}, 250*time.Millisecond, 10*time.Second)

	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(sup.Context()); err != nil {
			sup.Cancel()
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; bots will accumulate in SCHEDULED")
	}

	if a.api != nil {
		sup.Go("api", a.api.Run)
	}
	if a.pprof != nil {
		sup.GoRestart("pprof", a.pprof.Run, 500*time.Millisecond, 10*time.Second)
	}

	a.log.Info("botherd started")
	<-ctx.Done()
	return a.shutdown()
}

func (a *App) shutdown() error {
	a.log.Info("shutting down")
	a.sched.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.sup.Stop(waitCtx)

	if cerr := a.st.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logs.Close()
	return err
}

// applyConfig pushes an accepted hot-reload into the running components.
// Only logging and scheduler admission settings apply live; storage, API and
// provisioner changes need a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if settings, err := cfg.Scheduler.Resolve(); err == nil {
		a.sched.Apply(ctx, settings)
	}
	a.log.Info("configuration applied")
}
