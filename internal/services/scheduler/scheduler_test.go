package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	s := New(Config{}, discardLogger(), nil)
	c := newFakeClock()
	s.clock = c
	return s, c
}

func noop(ctx context.Context, s *Service, params map[string]any) error { return nil }

func counter(n *atomic.Int64) HandlerFunc {
	return func(ctx context.Context, s *Service, params map[string]any) error {
		n.Add(1)
		return nil
	}
}

func TestRegisterHandlerDuplicate(t *testing.T) {
	s, _ := newTestService(t)
	if err := s.RegisterHandler("ping", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := s.RegisterHandler("ping", noop)
	if !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
}

func TestAddEventUnknownHandler(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.AddEvent("e1", "nope", nil, time.Second, false)
	if !errors.Is(err, ErrUnknownHandler) {
		t.Fatalf("expected ErrUnknownHandler, got %v", err)
	}
	if got := len(s.Events()); got != 0 {
		t.Fatalf("event table should be unchanged, has %d entries", got)
	}
}

func TestAddEventGeneratesID(t *testing.T) {
	s, _ := newTestService(t)
	if err := s.RegisterHandler("ping", noop); err != nil {
		t.Fatal(err)
	}
	id, err := s.AddEvent("", "ping", nil, time.Second, false)
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}
	if !s.IsScheduled(id) {
		t.Fatalf("event %q should be in the table", id)
	}
}

func TestFireOnce(t *testing.T) {
	s, c := newTestService(t)
	var n atomic.Int64
	if err := s.RegisterHandler("ping", counter(&n)); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()

	if _, err := s.AddEvent("e1", "ping", map[string]any{}, 100*time.Millisecond, false); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if !s.IsScheduled("e1") {
		t.Fatal("e1 should be scheduled")
	}

	c.Advance(150 * time.Millisecond)

	if got := n.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	if s.IsScheduled("e1") {
		t.Fatal("e1 should be gone after firing without auto-repeat")
	}
}

func TestStartsGloballyPaused(t *testing.T) {
	s, c := newTestService(t)
	var n atomic.Int64
	if err := s.RegisterHandler("ping", counter(&n)); err != nil {
		t.Fatal(err)
	}
	if !s.Paused() {
		t.Fatal("a fresh scheduler must be paused")
	}

	if _, err := s.AddEvent("e1", "ping", nil, 50*time.Millisecond, false); err != nil {
		t.Fatal(err)
	}
	c.Advance(time.Second)
	if n.Load() != 0 {
		t.Fatal("nothing may fire before ResumeAll")
	}

	s.ResumeAll()
	c.Advance(50 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("handler ran %d times after resume, want 1", got)
	}
}

func TestPauseResumeConservation(t *testing.T) {
	s, c := newTestService(t)
	var n atomic.Int64
	if err := s.RegisterHandler("ping", counter(&n)); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e2", "ping", nil, time.Second, false); err != nil {
		t.Fatal(err)
	}

	c.Advance(200 * time.Millisecond)
	s.PauseEvent("e2")

	evs := s.Events()
	if len(evs) != 1 || evs[0].Status != StatusPaused {
		t.Fatalf("expected one paused event, got %+v", evs)
	}
	if evs[0].Remaining != 800*time.Millisecond {
		t.Fatalf("remaining = %v, want 800ms", evs[0].Remaining)
	}

	s.ResumeEvent("e2")
	c.Advance(799 * time.Millisecond)
	if n.Load() != 0 {
		t.Fatal("event fired before its remaining time elapsed")
	}
	c.Advance(1 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestPauseAndRemoveIdempotent(t *testing.T) {
	s, c := newTestService(t)
	if err := s.RegisterHandler("ping", noop); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "ping", nil, time.Second, false); err != nil {
		t.Fatal(err)
	}

	c.Advance(100 * time.Millisecond)
	s.PauseEvent("e1")
	before := s.Events()
	s.PauseEvent("e1") // second pause: no-op
	after := s.Events()
	if before[0].Remaining != after[0].Remaining || after[0].Status != StatusPaused {
		t.Fatalf("second pause changed state: %+v -> %+v", before[0], after[0])
	}

	s.RemoveEvent("e1")
	s.RemoveEvent("e1") // second remove: no-op
	if len(s.Events()) != 0 {
		t.Fatal("event should be gone")
	}
	s.ResumeEvent("e1") // resume of a missing id: no-op
	s.PauseEvent("e1")
}

func TestReplaceExistingID(t *testing.T) {
	s, c := newTestService(t)
	var a, b atomic.Int64
	if err := s.RegisterHandler("a", counter(&a)); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterHandler("b", counter(&b)); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()

	if _, err := s.AddEvent("e1", "a", nil, 100*time.Millisecond, false); err != nil {
		t.Fatal(err)
	}
	// Same id again: the old timer must be canceled, not fire alongside.
	if _, err := s.AddEvent("e1", "b", nil, 200*time.Millisecond, false); err != nil {
		t.Fatal(err)
	}

	c.Advance(time.Second)
	if a.Load() != 0 {
		t.Fatal("replaced event's timer still fired")
	}
	if got := b.Load(); got != 1 {
		t.Fatalf("replacement ran %d times, want 1", got)
	}
}

func TestAutoRepeat(t *testing.T) {
	s, c := newTestService(t)
	var n atomic.Int64
	if err := s.RegisterHandler("tick", counter(&n)); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "tick", nil, 100*time.Millisecond, true); err != nil {
		t.Fatal(err)
	}

	c.Advance(350 * time.Millisecond)
	if got := n.Load(); got != 3 {
		t.Fatalf("handler ran %d times, want 3", got)
	}
	if !s.IsScheduled("e1") {
		t.Fatal("auto-repeat event must stay in the table")
	}
	evs := s.Events()
	if evs[0].Status != StatusScheduled || evs[0].Remaining != 100*time.Millisecond {
		t.Fatalf("expected a fresh full window, got %+v", evs[0])
	}

	s.RemoveEvent("e1")
	c.Advance(time.Second)
	if got := n.Load(); got != 3 {
		t.Fatalf("event fired after removal: %d runs", got)
	}
}

func TestExecuteImmediately(t *testing.T) {
	s, c := newTestService(t)
	var n atomic.Int64
	if err := s.RegisterHandler("ping", counter(&n)); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "ping", nil, time.Hour, false); err != nil {
		t.Fatal(err)
	}

	if err := s.ExecuteImmediately("e1"); err != nil {
		t.Fatalf("ExecuteImmediately: %v", err)
	}
	if n.Load() != 1 {
		t.Fatal("handler did not run")
	}
	if s.IsScheduled("e1") {
		t.Fatal("one-shot event should be removed after a forced run")
	}

	// The canceled timer must not fire a second run later.
	c.Advance(2 * time.Hour)
	if got := n.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestExecuteImmediatelyResetsAutoRepeatCadence(t *testing.T) {
	s, c := newTestService(t)
	var n atomic.Int64
	if err := s.RegisterHandler("tick", counter(&n)); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "tick", nil, time.Minute, true); err != nil {
		t.Fatal(err)
	}

	c.Advance(30 * time.Second)
	if err := s.ExecuteImmediately("e1"); err != nil {
		t.Fatalf("ExecuteImmediately: %v", err)
	}
	if n.Load() != 1 {
		t.Fatal("forced run did not happen")
	}
	evs := s.Events()
	if evs[0].Remaining != time.Minute {
		t.Fatalf("cadence should reset to the full delay, remaining = %v", evs[0].Remaining)
	}
	c.Advance(time.Minute)
	if got := n.Load(); got != 2 {
		t.Fatalf("handler ran %d times, want 2", got)
	}
}

func TestExecuteImmediatelyWrongState(t *testing.T) {
	s, _ := newTestService(t)
	var n atomic.Int64
	if err := s.RegisterHandler("ping", counter(&n)); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "ping", nil, time.Hour, false); err != nil {
		t.Fatal(err)
	}
	s.PauseEvent("e1")

	if err := s.ExecuteImmediately("e1"); err != nil {
		t.Fatalf("forced run of a paused event must be a no-op, got %v", err)
	}
	if err := s.ExecuteImmediately("missing"); err != nil {
		t.Fatalf("forced run of a missing event must be a no-op, got %v", err)
	}
	if n.Load() != 0 {
		t.Fatal("handler must not run")
	}
}

func TestRemoveAllByType(t *testing.T) {
	s, _ := newTestService(t)
	if err := s.RegisterHandler("a", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterHandler("b", noop); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	for _, id := range []string{"a1", "a2", "a3"} {
		if _, err := s.AddEvent(id, "a", nil, time.Hour, false); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.AddEvent("b1", "b", nil, time.Hour, false); err != nil {
		t.Fatal(err)
	}

	s.RemoveAllByType("a")

	evs := s.Events()
	if len(evs) != 1 || evs[0].ID != "b1" {
		t.Fatalf("expected only b1 to survive, got %+v", evs)
	}
}

func TestHandlerError(t *testing.T) {
	s, c := newTestService(t)
	boom := errors.New("boom")
	if err := s.RegisterHandler("bad", func(ctx context.Context, s *Service, params map[string]any) error {
		return boom
	}); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "bad", nil, 10*time.Millisecond, false); err != nil {
		t.Fatal(err)
	}
	c.Advance(10 * time.Millisecond)

	hist := s.History()
	if len(hist) != 1 || hist[0].Error != "boom" {
		t.Fatalf("history should record the failure, got %+v", hist)
	}
	if s.IsScheduled("e1") {
		t.Fatal("failed one-shot event should still leave the table")
	}
}

func TestHandlerPanicContained(t *testing.T) {
	s, c := newTestService(t)
	if err := s.RegisterHandler("bad", func(ctx context.Context, s *Service, params map[string]any) error {
		panic("kaboom")
	}); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "bad", nil, 10*time.Millisecond, true); err != nil {
		t.Fatal(err)
	}

	c.Advance(10 * time.Millisecond)

	// The panic is contained and auto-repeat still re-arms.
	if !s.IsScheduled("e1") {
		t.Fatal("auto-repeat event should survive a panicking run")
	}
	hist := s.History()
	if len(hist) != 1 || hist[0].Error == "" {
		t.Fatalf("panic should be recorded as an error, got %+v", hist)
	}
}

func TestHandlerSchedulesFollowUp(t *testing.T) {
	s, c := newTestService(t)
	var n atomic.Int64
	if err := s.RegisterHandler("done", counter(&n)); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterHandler("chain", func(ctx context.Context, s *Service, params map[string]any) error {
		_, err := s.AddEvent("follow", "done", nil, 50*time.Millisecond, false)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "chain", nil, 10*time.Millisecond, false); err != nil {
		t.Fatal(err)
	}

	c.Advance(10 * time.Millisecond)
	if !s.IsScheduled("follow") {
		t.Fatal("handler-scheduled follow-up should be in the table")
	}
	c.Advance(50 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("follow-up ran %d times, want 1", got)
	}
}

func TestHandlerGetsParamCopy(t *testing.T) {
	s, c := newTestService(t)
	if err := s.RegisterHandler("mut", func(ctx context.Context, s *Service, params map[string]any) error {
		params["k"] = "mutated"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "mut", map[string]any{"k": "v"}, 10*time.Millisecond, true); err != nil {
		t.Fatal(err)
	}
	c.Advance(10 * time.Millisecond)

	evs := s.Events()
	if evs[0].Params["k"] != "v" {
		t.Fatalf("stored params were mutated by the handler: %+v", evs[0].Params)
	}
}

func TestPauseAllWaitsForRunning(t *testing.T) {
	s, c := newTestService(t)
	release := make(chan struct{})
	started := make(chan struct{})
	if err := s.RegisterHandler("slow", func(ctx context.Context, s *Service, params map[string]any) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "slow", nil, 10*time.Millisecond, false); err != nil {
		t.Fatal(err)
	}

	go c.Advance(10 * time.Millisecond)
	<-started

	done := make(chan error, 1)
	go func() { done <- s.PauseAll(context.Background()) }()

	select {
	case <-done:
		t.Fatal("PauseAll returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PauseAll: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PauseAll did not return after the handler finished")
	}
	for _, e := range s.Events() {
		if e.Status == StatusRunning {
			t.Fatalf("event still running after PauseAll: %+v", e)
		}
	}
}

func TestPauseAllContextCancel(t *testing.T) {
	s, c := newTestService(t)
	release := make(chan struct{})
	started := make(chan struct{})
	if err := s.RegisterHandler("slow", func(ctx context.Context, s *Service, params map[string]any) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "slow", nil, time.Millisecond, false); err != nil {
		t.Fatal(err)
	}
	go c.Advance(time.Millisecond)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.PauseAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	close(release)
}

func TestGlobalPauseSuspendsAutoRepeat(t *testing.T) {
	s, c := newTestService(t)
	var n atomic.Int64
	if err := s.RegisterHandler("tick", counter(&n)); err != nil {
		t.Fatal(err)
	}
	s.ResumeAll()
	if _, err := s.AddEvent("e1", "tick", nil, 100*time.Millisecond, true); err != nil {
		t.Fatal(err)
	}
	c.Advance(100 * time.Millisecond)
	if n.Load() != 1 {
		t.Fatal("expected one run before the pause")
	}

	if err := s.PauseAll(context.Background()); err != nil {
		t.Fatalf("PauseAll: %v", err)
	}
	c.Advance(time.Second)
	if n.Load() != 1 {
		t.Fatal("paused scheduler must not fire")
	}

	s.ResumeAll()
	c.Advance(100 * time.Millisecond)
	if got := n.Load(); got != 2 {
		t.Fatalf("handler ran %d times after resume, want 2", got)
	}
}
