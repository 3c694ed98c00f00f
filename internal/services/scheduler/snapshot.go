package scheduler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"
)

// record is the persisted shape of one event: every Event field except the
// timer handle, which is meaningless across process boundaries. Times and
// delays are milliseconds.
type record struct {
	ID         string         `json:"id"`
	LookupName string         `json:"lookupName"`
	Params     map[string]any `json:"params,omitempty"`
	Status     Status         `json:"status"`
	AddedAt    int64          `json:"addedAtTime"`
	Remaining  int64          `json:"remainingTime"`
	Duration   int64          `json:"duration"`
	AutoRepeat bool           `json:"autoRepeat"`
}

// SaveEvents serializes the current event table, sorted by id for a stable
// output.
func (s *Service) SaveEvents() (string, error) {
	s.mu.Lock()
	recs := make([]record, 0, len(s.events))
	for _, e := range s.events {
		recs = append(recs, record{
			ID:         e.id,
			LookupName: e.lookupName,
			Params:     maps.Clone(e.params),
			Status:     e.status,
			AddedAt:    e.addedAt.UnixMilli(),
			Remaining:  e.remaining.Milliseconds(),
			Duration:   e.duration.Milliseconds(),
			AutoRepeat: e.autoRepeat,
		})
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	b, err := json.Marshal(recs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LoadEvents restores events from a SaveEvents payload. Only scheduled and
// paused records come back (a resuming record counts as scheduled); anything
// else is dropped. Restored events count down from their persisted remaining
// time, not from the full delay, and arm a timer only when the scheduler is
// globally active.
//
// The whole payload is parsed and validated before the table is touched: on
// ErrBadSnapshot nothing was loaded.
func (s *Service) LoadEvents(data string) error {
	recs, err := parseSnapshot(data)
	if err != nil {
		return err
	}

	restored, dropped := 0, 0
	s.mu.Lock()
	for _, r := range recs {
		st := r.Status
		if st == StatusResuming {
			st = StatusScheduled
		}
		if st != StatusScheduled && st != StatusPaused {
			dropped++
			continue
		}
		if prev, ok := s.events[r.ID]; ok {
			s.disarmLocked(prev)
		}
		e := &event{
			id:         r.ID,
			lookupName: r.LookupName,
			params:     r.Params,
			status:     st,
			addedAt:    time.UnixMilli(r.AddedAt),
			remaining:  time.Duration(r.Remaining) * time.Millisecond,
			duration:   time.Duration(r.Duration) * time.Millisecond,
			autoRepeat: r.AutoRepeat,
		}
		s.events[r.ID] = e
		if st == StatusScheduled && !s.paused {
			s.armLocked(e)
		}
		restored++
	}
	s.mu.Unlock()

	s.log.Info("events loaded", slog.Int("restored", restored), slog.Int("dropped", dropped))
	s.publish("events.loaded", "", "")
	return nil
}

func parseSnapshot(data string) ([]record, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()
	var recs []record
	if err := dec.Decode(&recs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrBadSnapshot)
	}
	for i, r := range recs {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: record %d has no id", ErrBadSnapshot, i)
		}
		if r.LookupName == "" {
			return nil, fmt.Errorf("%w: record %q has no lookupName", ErrBadSnapshot, r.ID)
		}
		if !validStatus(r.Status) {
			return nil, fmt.Errorf("%w: record %q has status %q", ErrBadSnapshot, r.ID, r.Status)
		}
		if r.Duration < 0 {
			return nil, fmt.Errorf("%w: record %q has negative duration", ErrBadSnapshot, r.ID)
		}
	}
	return recs, nil
}
