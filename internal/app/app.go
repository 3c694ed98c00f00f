// Package app wires the daemon together: config manager, logging, storage,
// event bus, scheduler and the built-in handlers, all supervised under one
// context.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"delayq/internal/config"
	"delayq/internal/eventbus"
	"delayq/internal/handlers"
	"delayq/internal/runtime/supervisor"
	"delayq/internal/services/logging"
	"delayq/internal/services/scheduler"
	"delayq/internal/storage"
	logx "delayq/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	ilog logx.Logger   // infra logger (config, storage, supervisor)
	ils  *logx.Service // zerolog backend
	log  *slog.Logger  // service logger (scheduler, handlers)
	logs *logging.Service

	bus   eventbus.Bus
	store storage.Store
	sched *scheduler.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	ils, ilog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	ilog = ilog.With(logx.String("comp", "app"))

	logSvc, log := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, ilog.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		ilog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 0)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{
		PollInterval: poll,
		HistorySize:  cfg.Scheduler.HistorySize,
	}, log.With(slog.String("comp", "scheduler")), bus)

	if err := handlers.RegisterBuiltins(sched, log.With(slog.String("comp", "handlers")), nil); err != nil {
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		ilog:    ilog,
		ils:     ils,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
	}, nil
}

// Scheduler exposes the scheduler so callers can register handlers before Start.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.ilog.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.ilog.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Restore the last persisted snapshot before config-declared events so a
	// declared id wins over its stale persisted twin.
	if a.store != nil {
		payload, ok, err := a.store.LoadLatest(a.sup.Context())
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if ok {
			if err := a.sched.LoadEvents(payload); err != nil {
				// A corrupt snapshot must not brick the daemon on boot.
				a.log.Error("discarding persisted snapshot", slog.Any("err", err))
			} else {
				a.log.Info("snapshot restored", slog.Int("events", len(a.sched.Events())))
			}
		}
	}

	if err := a.applyDeclaredEvents(a.cfgm.Get()); err != nil {
		return err
	}

	// Arms everything restored or declared above.
	a.sched.Start(a.sup.Context())

	a.sup.GoRestart("autosave", a.autosaveLoop, supervisor.WithStopOnCleanExit(true))

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started", slog.Int("events", len(a.sched.Events())))
	return nil
}

// applyConfig applies a hot-reloaded config: log level/output changes and the
// declared event set. Storage driver changes need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.ils.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err := a.applyDeclaredEvents(cfg); err != nil {
		a.log.Warn("declared events not applied", slog.Any("err", err))
	}
	a.log.Info("config reloaded")
}

// applyDeclaredEvents upserts the events declared in config. Matching ids
// replace whatever is scheduled; events removed from config stay scheduled
// until they fire or are removed explicitly.
func (a *App) applyDeclaredEvents(cfg *config.Config) error {
	for i, ev := range cfg.Events {
		delay, err := config.ParseDurationField(fmt.Sprintf("events[%d].delay", i), ev.Delay)
		if err != nil {
			return err
		}
		id, err := a.sched.AddEvent(ev.ID, ev.Handler, ev.Params, delay, ev.AutoRepeat)
		if err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
		a.log.Debug("declared event added", slog.String("event", id), slog.String("handler", ev.Handler))
	}
	return nil
}

func validateConfig(cfg *config.Config) error {
	if _, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 0); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("scheduler.autosave_interval", cfg.Scheduler.AutosaveInterval, 0); err != nil {
		return err
	}
	if cfg.Scheduler.HistorySize < 0 {
		return fmt.Errorf("scheduler.history_size must be >= 0")
	}
	if cfg.Scheduler.SaveRatePerSec < 0 {
		return fmt.Errorf("scheduler.save_rate_per_sec must be >= 0")
	}
	if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		return err
	}
	for i, ev := range cfg.Events {
		if ev.Handler == "" {
			return fmt.Errorf("events[%d].handler is required", i)
		}
		if _, err := config.ParseDurationField(fmt.Sprintf("events[%d].delay", i), ev.Delay); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping", slog.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", slog.String("name", name), slog.Any("err", err))
		}
		a.log.Debug("stop step end", slog.String("name", name), slog.Duration("took", time.Since(start)))
	}

	// Drain first: no handler may still be mutating the table when we snapshot.
	step("scheduler.drain", 5*time.Second, a.sched.Stop)

	if a.store != nil {
		step("snapshot", 2*time.Second, func(c context.Context) error { return a.persistSnapshot(c) })
		step("storage.close", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	a.log.Info("stopped")
	_ = a.logs.Close()
	_ = a.ils.Close()
	return nil
}
