package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"delayq/internal/config"
)

const defaultSaveRatePerSec = 1.0

// autosaveLoop persists the event table whenever it changes, rate limited so
// a chatty auto-repeat event cannot turn every fire into a disk write. A
// periodic fallback catches anything the limiter deferred.
func (a *App) autosaveLoop(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	cfg := a.cfgm.Get()

	rps := cfg.Scheduler.SaveRatePerSec
	if rps <= 0 {
		rps = defaultSaveRatePerSec
	}
	limiter := rate.NewLimiter(rate.Limit(rps), 1)

	// Unset means a 1m fallback; an explicit "0s" disables the periodic save.
	interval := time.Minute
	if strings.TrimSpace(cfg.Scheduler.AutosaveInterval) != "" {
		var err error
		interval, err = config.ParseDurationField("scheduler.autosave_interval", cfg.Scheduler.AutosaveInterval)
		if err != nil {
			return err
		}
	}

	sub, cancel := a.bus.Subscribe(64)
	defer cancel()

	// The limiter gates writes, not dirtiness: a deferred write happens on the
	// next sweep tick instead of being dropped.
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	var fallback <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		fallback = t.C
	}

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(ev.Type, "event") {
				continue
			}
			dirty = true
			if limiter.Allow() {
				a.saveSnapshot(ctx)
				dirty = false
			}
		case <-sweep.C:
			if dirty && limiter.Allow() {
				a.saveSnapshot(ctx)
				dirty = false
			}
		case <-fallback:
			a.saveSnapshot(ctx)
			dirty = false
		}
	}
}

func (a *App) saveSnapshot(ctx context.Context) {
	if err := a.persistSnapshot(ctx); err != nil {
		a.log.Warn("autosave failed", slog.Any("err", err))
	}
}

func (a *App) persistSnapshot(ctx context.Context) error {
	payload, err := a.sched.SaveEvents()
	if err != nil {
		return err
	}
	if err := a.store.SaveSnapshot(ctx, payload); err != nil {
		return err
	}
	return a.store.Prune(ctx, a.cfgm.Get().Storage.KeepSnapshots)
}
