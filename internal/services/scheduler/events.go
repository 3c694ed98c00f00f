package scheduler

import (
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"
)

// AddEvent schedules handler name to fire after d with the given params. An
// empty id gets a generated one; an existing id is silently replaced, its
// pending timer canceled first. The new event is paused instead of armed while
// the scheduler is globally paused.
//
// Returns the event id, or ErrUnknownHandler if name is not registered (the
// table is left unchanged).
func (s *Service) AddEvent(id, name string, params map[string]any, d time.Duration, autoRepeat bool) (string, error) {
	s.mu.Lock()
	if _, ok := s.handlers[name]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	if id == "" {
		id = s.newID()
	}
	if prev, ok := s.events[id]; ok {
		s.disarmLocked(prev)
	}
	e := &event{
		id:         id,
		lookupName: name,
		params:     maps.Clone(params),
		addedAt:    s.clock.Now(),
		remaining:  d,
		duration:   d,
		autoRepeat: autoRepeat,
	}
	s.events[id] = e
	if s.paused {
		e.status = StatusPaused
	} else {
		s.armLocked(e)
	}
	s.mu.Unlock()

	s.log.Debug("event added",
		slog.String("event", id), slog.String("handler", name),
		slog.Duration("delay", d), slog.Bool("auto_repeat", autoRepeat))
	s.publish("event.added", id, name)
	return id, nil
}

// RemoveEvent deletes the event and cancels its pending timer. Removing an
// absent id is a no-op; the call is idempotent.
func (s *Service) RemoveEvent(id string) {
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.disarmLocked(e)
	delete(s.events, id)
	s.mu.Unlock()

	s.log.Debug("event removed", slog.String("event", id))
	s.publish("event.removed", id, e.lookupName)
}

// RemoveAllByType removes every event bound to handler name.
func (s *Service) RemoveAllByType(name string) {
	s.mu.Lock()
	// Snapshot ids first so removal doesn't perturb iteration.
	ids := make([]string, 0, len(s.events))
	for id, e := range s.events {
		if e.lookupName == name {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.disarmLocked(s.events[id])
		delete(s.events, id)
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		s.log.Debug("events removed by type", slog.String("handler", name), slog.Int("count", len(ids)))
	}
	for _, id := range ids {
		s.publish("event.removed", id, name)
	}
}

// PauseEvent freezes a scheduled event: the timer is canceled and the time
// already waited is subtracted from the remaining delay. Anything but an
// existing scheduled event is a no-op.
func (s *Service) PauseEvent(id string) {
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok || e.status != StatusScheduled {
		s.mu.Unlock()
		return
	}
	s.pauseLocked(e)
	rem := e.remaining
	s.mu.Unlock()

	s.log.Debug("event paused", slog.String("event", id), slog.Duration("remaining", rem))
	s.publish("event.paused", id, e.lookupName)
}

// ResumeEvent re-arms a paused event for its frozen remaining time. Anything
// but an existing paused event is a no-op.
func (s *Service) ResumeEvent(id string) {
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok || e.status != StatusPaused {
		s.mu.Unlock()
		return
	}
	s.armLocked(e)
	rem := e.remaining
	s.mu.Unlock()

	s.log.Debug("event resumed", slog.String("event", id), slog.Duration("remaining", rem))
	s.publish("event.resumed", id, e.lookupName)
}

// IsScheduled reports whether the event is still alive in the table —
// scheduled, running or paused — not strictly whether a timer is armed.
func (s *Service) IsScheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return false
	}
	switch e.status {
	case StatusScheduled, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// Events returns read-only copies of the table, sorted by id.
func (s *Service) Events() []EventView {
	s.mu.Lock()
	out := make([]EventView, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, EventView{
			ID:         e.id,
			LookupName: e.lookupName,
			Params:     maps.Clone(e.params),
			Status:     e.status,
			AddedAt:    e.addedAt,
			Remaining:  e.remaining,
			Duration:   e.duration,
			AutoRepeat: e.autoRepeat,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// armLocked marks e scheduled and arms its timer for the remaining delay.
// A remaining time at or below zero (pathological pause/resume sequences,
// stale snapshots) is renormalized to the full duration first.
func (s *Service) armLocked(e *event) {
	if e.remaining <= 0 {
		e.remaining = e.duration
	}
	e.status = StatusScheduled
	e.addedAt = s.clock.Now()
	if s.paused {
		// Invariant: no timer while globally paused. ResumeAll arms it later.
		return
	}
	e.gen++
	gen := e.gen
	id := e.id
	e.timer = s.clock.AfterFunc(e.remaining, func() { s.fire(id, gen) })
}

// pauseLocked disarms e and charges the elapsed wait against its remaining
// time. The remainder may go negative; armLocked renormalizes it.
func (s *Service) pauseLocked(e *event) {
	s.disarmLocked(e)
	e.remaining -= s.clock.Now().Sub(e.addedAt)
	e.status = StatusPaused
}

// disarmLocked cancels any pending timer and invalidates callbacks already in
// flight for it.
func (s *Service) disarmLocked(e *event) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
}
