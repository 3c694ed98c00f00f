package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"delayq/internal/eventbus"
)

const (
	defaultPollInterval = 20 * time.Millisecond
	defaultHistorySize  = 200
)

// New builds a scheduler in the globally paused state. bus may be nil.
func New(cfg Config, log *slog.Logger, bus eventbus.Bus) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Service{
		log:      log,
		bus:      bus,
		cfg:      cfg,
		clock:    systemClock{},
		newID:    uuid.NewString,
		handlers: map[string]HandlerFunc{},
		events:   map[string]*event{},
		paused:   true,
		runCtx:   context.Background(),
	}
}

// RegisterHandler installs a handler under name. The registry is append-only:
// re-registering a taken name fails with ErrDuplicateHandler and leaves the
// registry unchanged.
func (s *Service) RegisterHandler(name string, fn HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, name)
	}
	s.handlers[name] = fn
	s.log.Debug("handler registered", slog.String("handler", name))
	return nil
}

// Paused reports the global run state.
func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Start stores ctx as the run context handed to handlers and activates the
// scheduler. It is ResumeAll with a context attached.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.runCtx = ctx
	s.mu.Unlock()
	s.ResumeAll()
}

// Stop is PauseAll: it disarms every timer and waits out in-flight handlers.
func (s *Service) Stop(ctx context.Context) error {
	return s.PauseAll(ctx)
}

// PauseAll pauses every scheduled event, sets the global state to paused, then
// waits until no handler is executing. The wait is a bounded-interval poll;
// ctx aborts it early (the scheduler stays paused, but a handler may still be
// mid-run when PauseAll returns ctx.Err()).
func (s *Service) PauseAll(ctx context.Context) error {
	s.mu.Lock()
	s.paused = true
	for _, e := range s.events {
		if e.status == StatusScheduled {
			s.pauseLocked(e)
		}
	}
	s.mu.Unlock()
	s.log.Info("scheduler paused")

	if ctx == nil {
		ctx = context.Background()
	}
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		s.mu.Lock()
		n := s.running
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// ResumeAll sets the global state to active and re-arms every event in the
// table, one at a time. Paused events resume with their frozen remaining time;
// scheduled events without a timer (fresh from a snapshot) are armed too.
// Events currently running are left alone — they re-add themselves on
// completion if auto-repeating.
func (s *Service) ResumeAll() {
	s.mu.Lock()
	s.paused = false
	resumed := 0
	for _, e := range s.events {
		switch e.status {
		case StatusPaused, StatusResuming:
			s.armLocked(e)
			resumed++
		case StatusScheduled:
			if e.timer == nil {
				s.armLocked(e)
				resumed++
			}
		}
	}
	n := len(s.events)
	s.mu.Unlock()
	s.log.Info("scheduler resumed", slog.Int("events", n), slog.Int("armed", resumed))
}

// History returns a copy of the bounded run history, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) recordHistory(it HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

func (s *Service) publish(typ, id, name string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: Notice{ID: id, Name: name}})
}
