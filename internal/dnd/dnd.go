// Package dnd implements the do-not-disturb gate: a pure predicate over a
// scheduled wall-clock window (with overnight wrap) and an ad-hoc override,
// consulted by the scheduler before executing any send_message or
// agent_turn job.
package dnd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Window is the scheduled DND window in the user's IANA time zone.
// Start > End is interpreted as an overnight wrap (e.g. 22:00-06:00).
type Window struct {
	Enabled  bool
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Timezone string // IANA zone name; empty means UTC
}

// Status is the result of evaluating isActive.
type Status struct {
	Active bool
	Reason string // "adhoc" or "scheduled"
	EndsAt *time.Time
}

// adhocState is the on-disk shape of data/dnd-state.json.
type adhocState struct {
	Adhoc *adhocEntry `json:"adhoc"`
}

type adhocEntry struct {
	UntilMS int64  `json:"until"`
	Reason  string `json:"reason,omitempty"`
}

// State persists and evaluates the ad-hoc override alongside the scheduled
// window. The ad-hoc record expires lazily: reading past `until` clears it.
type State struct {
	path   string
	window Window
}

// NewState binds a DND evaluator to its persisted ad-hoc state file and
// scheduled window.
func NewState(path string, window Window) *State {
	return &State{path: path, window: window}
}

// IsActive evaluates the DND gate at `now`.
func (s *State) IsActive(now time.Time) (Status, error) {
	adhocUntil, err := s.readAdhoc(now)
	if err != nil {
		return Status{}, err
	}
	if adhocUntil != nil {
		return Status{Active: true, Reason: "adhoc", EndsAt: adhocUntil}, nil
	}

	if !s.window.Enabled {
		return Status{Active: false}, nil
	}

	loc, err := s.location()
	if err != nil {
		return Status{}, err
	}
	localNow := now.In(loc)

	startMin, err := parseHHMM(s.window.Start)
	if err != nil {
		return Status{}, err
	}
	endMin, err := parseHHMM(s.window.End)
	if err != nil {
		return Status{}, err
	}
	curMin := localNow.Hour()*60 + localNow.Minute()

	var active bool
	if startMin <= endMin {
		active = curMin >= startMin && curMin < endMin
	} else {
		active = curMin >= startMin || curMin < endMin
	}
	if !active {
		return Status{Active: false}, nil
	}

	endsAt := nextOccurrenceOf(localNow, endMin).In(now.Location())
	return Status{Active: true, Reason: "scheduled", EndsAt: &endsAt}, nil
}

// SetAdhoc persists an ad-hoc override lasting until `until`.
func (s *State) SetAdhoc(until time.Time, reason string) error {
	return writeJSONAtomic(s.path, adhocState{Adhoc: &adhocEntry{UntilMS: until.UnixMilli(), Reason: reason}})
}

// ClearAdhoc removes any ad-hoc override.
func (s *State) ClearAdhoc() error {
	return writeJSONAtomic(s.path, adhocState{})
}

// readAdhoc returns the active ad-hoc until-time, lazily clearing an
// expired record it encounters.
func (s *State) readAdhoc(now time.Time) (*time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dnd state: %w", err)
	}
	var st adhocState
	if err := json.Unmarshal(data, &st); err != nil || st.Adhoc == nil {
		return nil, nil
	}
	until := time.UnixMilli(st.Adhoc.UntilMS)
	if !until.After(now) {
		_ = s.ClearAdhoc()
		return nil, nil
	}
	return &until, nil
}

func (s *State) location() (*time.Location, error) {
	if s.window.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.window.Timezone)
	if err != nil {
		return nil, fmt.Errorf("dnd: bad timezone %q: %w", s.window.Timezone, err)
	}
	return loc, nil
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("dnd: bad time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("dnd: time out of range %q", s)
	}
	return h*60 + m, nil
}

// nextOccurrenceOf returns the next wall-clock occurrence of `targetMin`
// (minutes since midnight) strictly after `from`, in from's location.
func nextOccurrenceOf(from time.Time, targetMin int) time.Time {
	candidate := time.Date(from.Year(), from.Month(), from.Day(), targetMin/60, targetMin%60, 0, 0, from.Location())
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal dnd state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write dnd state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename dnd state: %w", err)
	}
	return nil
}
