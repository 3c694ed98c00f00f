package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"delayq/internal/eventbus"
)

// Status is the per-event state machine position.
type Status string

const (
	// StatusScheduled: timer armed (or waiting for a global resume), will fire
	// after the remaining delay.
	StatusScheduled Status = "scheduled"
	// StatusRunning: handler currently executing.
	StatusRunning Status = "running"
	// StatusPaused: timer disarmed, remaining time frozen.
	StatusPaused Status = "paused"
	// StatusResuming is accepted in snapshots for compatibility and normalized
	// to scheduled on load. No transition produces it.
	StatusResuming Status = "resuming"
	// StatusDone: handler finished; only visible in the narrow window between
	// completion and removal (or auto-repeat re-add). Never restored from a
	// snapshot.
	StatusDone Status = "done"
)

func validStatus(st Status) bool {
	switch st {
	case StatusScheduled, StatusRunning, StatusPaused, StatusResuming, StatusDone:
		return true
	}
	return false
}

// HandlerFunc executes one event. It receives the owning scheduler so handlers
// can schedule follow-up events, and a private copy of the event's params.
//
// Handlers should return an error only for failures that are fatal to this
// run; the scheduler logs it and records it in history but does not retry.
type HandlerFunc func(ctx context.Context, s *Service, params map[string]any) error

// Config controls the scheduler service.
type Config struct {
	// PollInterval is how often PauseAll re-checks for in-flight handlers
	// while waiting for them to drain. Defaults to 20ms.
	PollInterval time.Duration
	// HistorySize bounds the in-memory run history. Defaults to 200.
	HistorySize int
}

// event is the scheduler-owned record. All mutation goes through Service
// methods; views are copied out, never aliased.
type event struct {
	id         string
	lookupName string
	params     map[string]any
	status     Status
	addedAt    time.Time
	remaining  time.Duration
	duration   time.Duration
	autoRepeat bool

	// timer is non-nil iff status is scheduled and the scheduler is globally
	// active. gen invalidates callbacks from timers that were since canceled.
	timer Timer
	gen   uint64
}

// EventView is a read-only copy of one event for inspection.
type EventView struct {
	ID         string
	LookupName string
	Params     map[string]any
	Status     Status
	AddedAt    time.Time
	Remaining  time.Duration
	Duration   time.Duration
	AutoRepeat bool
}

// HistoryItem records one completed handler run.
type HistoryItem struct {
	ID      string
	Name    string
	Started time.Time
	Took    time.Duration
	Error   string
}

// Notice is the payload published on the event bus for scheduler activity.
// Types: "event.added", "event.removed", "event.paused", "event.resumed",
// "event.fired", "event.failed", "events.loaded".
type Notice struct {
	ID   string
	Name string
}

// Service owns the handler registry and the event table.
type Service struct {
	mu sync.Mutex

	log   *slog.Logger
	bus   eventbus.Bus
	cfg   Config
	clock Clock
	newID func() string

	handlers map[string]HandlerFunc
	events   map[string]*event

	// paused is the global run state. It starts true so callers can register
	// handlers and load a snapshot before anything fires.
	paused  bool
	running int

	runCtx context.Context

	hmu     sync.Mutex
	history []HistoryItem
}
