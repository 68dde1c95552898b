// Package recurrence computes future occurrence instants for a recurring
// cadence rule. It is pure: no clocks, no timers, no I/O.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
	UnitWeeks   Unit = "weeks"
	UnitMonths  Unit = "months"
	UnitYears   Unit = "years"
)

// MaxSearchPeriods bounds the period scan for week/month rules. A rule that
// produces no valid candidate within this many periods fails with
// ErrNoOccurrence instead of looping forever (e.g. days_of_month: [31] with a
// pathological interval).
const MaxSearchPeriods = 500

var (
	ErrInvalidRule  = errors.New("invalid recurrence rule")
	ErrNoOccurrence = errors.New("no occurrence found within search bound")
)

// Rule describes a recurring cadence.
//
// TimesOfDay entries are "HH:MM" wall-clock times in TimeZone. DaysOfWeek is
// meaningful only for unit=weeks, DaysOfMonth only for unit=months; Normalize
// clears them otherwise.
type Rule struct {
	Every       int      `json:"every"`
	Unit        Unit     `json:"unit"`
	TimesOfDay  []string `json:"times_of_day,omitempty"`
	DaysOfWeek  []string `json:"days_of_week,omitempty"`
	DaysOfMonth []int    `json:"days_of_month,omitempty"`
	TimeZone    string   `json:"timezone,omitempty"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts full or three-letter English weekday names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidRule, s)
	}
	return wd, nil
}

type timeOfDay struct {
	hour, min int
}

func parseTimeOfDay(s string) (timeOfDay, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return timeOfDay{}, fmt.Errorf("%w: time of day %q must be HH:MM", ErrInvalidRule, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return timeOfDay{}, fmt.Errorf("%w: time of day %q has invalid hour", ErrInvalidRule, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return timeOfDay{}, fmt.Errorf("%w: time of day %q has invalid minute", ErrInvalidRule, s)
	}
	return timeOfDay{hour: h, min: m}, nil
}

// Normalize clears day fields that do not apply to the rule's unit and
// lowercases weekday names. It does not validate; call Validate after.
func (r *Rule) Normalize() {
	r.Unit = Unit(strings.ToLower(strings.TrimSpace(string(r.Unit))))
	if r.Unit != UnitWeeks {
		r.DaysOfWeek = nil
	}
	if r.Unit != UnitMonths {
		r.DaysOfMonth = nil
	}
	for i, d := range r.DaysOfWeek {
		r.DaysOfWeek[i] = strings.ToLower(strings.TrimSpace(d))
	}
	r.TimeZone = strings.TrimSpace(r.TimeZone)
}

func (r Rule) Validate() error {
	if r.Every <= 0 {
		return fmt.Errorf("%w: every must be > 0 (got %d)", ErrInvalidRule, r.Every)
	}
	switch r.Unit {
	case UnitMinutes, UnitHours, UnitDays, UnitWeeks, UnitMonths, UnitYears:
	default:
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidRule, r.Unit)
	}
	for _, s := range r.TimesOfDay {
		if _, err := parseTimeOfDay(s); err != nil {
			return err
		}
	}
	if len(r.DaysOfWeek) > 0 && r.Unit != UnitWeeks {
		return fmt.Errorf("%w: days_of_week requires unit=weeks", ErrInvalidRule)
	}
	for _, d := range r.DaysOfWeek {
		if _, err := ParseWeekday(d); err != nil {
			return err
		}
	}
	if len(r.DaysOfMonth) > 0 && r.Unit != UnitMonths {
		return fmt.Errorf("%w: days_of_month requires unit=months", ErrInvalidRule)
	}
	for _, d := range r.DaysOfMonth {
		if d < 1 || d > 31 {
			return fmt.Errorf("%w: day of month %d out of range 1..31", ErrInvalidRule, d)
		}
	}
	if r.TimeZone != "" {
		if _, err := time.LoadLocation(r.TimeZone); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalidRule, r.TimeZone, err)
		}
	}
	return nil
}

// location returns the rule's zone, defaulting to UTC. Validate must have
// passed for the error case to be unreachable.
func (r Rule) location() *time.Location {
	if r.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (r Rule) timesOfDay() ([]timeOfDay, error) {
	out := make([]timeOfDay, 0, len(r.TimesOfDay))
	for _, s := range r.TimesOfDay {
		td, err := parseTimeOfDay(s)
		if err != nil {
			return nil, err
		}
		out = append(out, td)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].hour != out[j].hour {
			return out[i].hour < out[j].hour
		}
		return out[i].min < out[j].min
	})
	return out, nil
}

func (r Rule) weekdaySet() (map[time.Weekday]bool, error) {
	set := make(map[time.Weekday]bool, len(r.DaysOfWeek))
	for _, d := range r.DaysOfWeek {
		wd, err := ParseWeekday(d)
		if err != nil {
			return nil, err
		}
		set[wd] = true
	}
	return set, nil
}

// String renders a short human-readable cadence description for logs and the
// schedule preview.
func (r Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "every %d %s", r.Every, r.Unit)
	if len(r.DaysOfWeek) > 0 {
		b.WriteString(" on ")
		b.WriteString(strings.Join(r.DaysOfWeek, ","))
	}
	if len(r.DaysOfMonth) > 0 {
		b.WriteString(" on day ")
		for i, d := range r.DaysOfMonth {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(d))
		}
	}
	if len(r.TimesOfDay) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(r.TimesOfDay, ","))
	}
	if r.TimeZone != "" {
		b.WriteString(" (")
		b.WriteString(r.TimeZone)
		b.WriteByte(')')
	}
	return b.String()
}
