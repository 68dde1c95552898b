// Package schedule holds the persisted recurring-post schedule model and a
// CRUD store over a whole-collection persistence collaborator.
package schedule

import (
	"time"

	"postpilot/internal/recurrence"
)

// Schedule binds a recurrence rule to a content group and a set of target
// platforms.
//
// Invariant: NextTrigger is recomputed from LastTriggered immediately after a
// firing; it is never left stale while Active is true. At most one armed
// timer exists per schedule (enforced by the scheduler, not here).
type Schedule struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Group  string `json:"group"`
	Active bool   `json:"active"`

	Frequency recurrence.Rule `json:"frequency"`

	// Platforms pins target transports by name. Empty means the configured
	// default platform.
	Platforms []string `json:"platforms,omitempty"`

	LastTriggered *time.Time `json:"last_triggered,omitempty"`
	NextTrigger   *time.Time `json:"next_trigger,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (s Schedule) Clone() Schedule {
	cp := s
	cp.Platforms = append([]string(nil), s.Platforms...)
	cp.Frequency.TimesOfDay = append([]string(nil), s.Frequency.TimesOfDay...)
	cp.Frequency.DaysOfWeek = append([]string(nil), s.Frequency.DaysOfWeek...)
	cp.Frequency.DaysOfMonth = append([]int(nil), s.Frequency.DaysOfMonth...)
	if s.LastTriggered != nil {
		t := *s.LastTriggered
		cp.LastTriggered = &t
	}
	if s.NextTrigger != nil {
		t := *s.NextTrigger
		cp.NextTrigger = &t
	}
	return cp
}
