// Package scheduler provides the in-process delayed-callback scheduler at the
// heart of delayq.
//
// # Overview
//
// Callers register handlers under a logical name (e.g. "webhook"), then add
// events that fire a named handler with opaque params after a fixed delay.
// Each event is a small state machine (scheduled, running, paused, done) with
// its own remaining-time bookkeeping, so individual events — or the whole
// scheduler — can be paused and later resumed without losing the time already
// waited.
//
// # Lifecycle
//
// A new Service starts globally paused: nothing fires until ResumeAll (or
// Start) is called. This gives callers a window to register handlers and load
// a persisted snapshot before any timer arms. PauseAll disarms every timer and
// blocks until no handler is mid-execution, so "nothing is running" holds as a
// postcondition.
//
// # Auto-repeat
//
// An event added with autoRepeat re-adds itself with a fresh full delay after
// each run, indefinitely, until removed. Forcing a run early with
// ExecuteImmediately resets the cadence the same way.
//
// # Persistence
//
// SaveEvents serializes the event table to a JSON snapshot; LoadEvents
// restores scheduled and paused events from one, resuming each countdown from
// its persisted remaining time rather than from the full delay. The snapshot
// carries no timer handles — timers are rebuilt on load.
package scheduler
