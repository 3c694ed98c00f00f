package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"time"
)

// fire is the timer callback. gen guards against callbacks from timers that
// were canceled or replaced after this one was armed.
func (s *Service) fire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok || e.status != StatusScheduled || e.gen != gen {
		s.mu.Unlock()
		return
	}
	_ = s.execute(e)
}

// ExecuteImmediately cancels the pending wait and runs the event's handler
// synchronously through the same path a natural fire takes. Only an existing
// scheduled event runs; anything else is a no-op. With autoRepeat set the
// event re-adds itself with a fresh full delay afterwards, resetting its
// cadence.
func (s *Service) ExecuteImmediately(id string) error {
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok || e.status != StatusScheduled {
		s.mu.Unlock()
		return nil
	}
	return s.execute(e)
}

// execute runs e's handler and settles the event afterwards: auto-repeat
// events re-add themselves with the full delay, everything else leaves the
// table. Called with s.mu held; returns with it released.
func (s *Service) execute(e *event) error {
	s.disarmLocked(e)

	h := s.handlers[e.lookupName]
	if h == nil {
		// The handler vanished between scheduling and firing. The event can
		// never run, so it leaves the table rather than wedging in place.
		delete(s.events, e.id)
		s.mu.Unlock()
		err := fmt.Errorf("%w: %q", ErrMissingHandler, e.lookupName)
		s.log.Error("event dropped", slog.String("event", e.id), slog.Any("err", err))
		s.recordHistory(HistoryItem{ID: e.id, Name: e.lookupName, Started: time.Now(), Error: err.Error()})
		s.publish("event.failed", e.id, e.lookupName)
		return err
	}

	e.status = StatusRunning
	s.running++
	params := maps.Clone(e.params)
	ctx := s.runCtx
	s.mu.Unlock()

	start := time.Now()
	err := s.invoke(ctx, h, params)
	took := time.Since(start)

	s.mu.Lock()
	s.running--
	if cur, ok := s.events[e.id]; ok && cur == e {
		e.status = StatusDone
		if e.autoRepeat {
			// Re-add an equivalent event: same id, handler, params and delay.
			e.remaining = e.duration
			if s.paused {
				e.status = StatusPaused
			} else {
				s.armLocked(e)
			}
		} else {
			delete(s.events, e.id)
		}
	}
	s.mu.Unlock()

	item := HistoryItem{ID: e.id, Name: e.lookupName, Started: start, Took: took}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("event failed", slog.String("event", e.id), slog.String("handler", e.lookupName),
			slog.Duration("took", took), slog.Any("err", err))
		s.publish("event.failed", e.id, e.lookupName)
	} else {
		s.log.Debug("event fired", slog.String("event", e.id), slog.String("handler", e.lookupName),
			slog.Duration("took", took), slog.Bool("auto_repeat", e.autoRepeat))
		s.publish("event.fired", e.id, e.lookupName)
	}
	s.recordHistory(item)
	return err
}

// invoke runs the handler with panic containment so a broken handler cannot
// take the timer goroutine down.
func (s *Service) invoke(ctx context.Context, h HandlerFunc, params map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			s.log.Error("panic in handler", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	return h(ctx, s, params)
}
