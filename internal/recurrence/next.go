package recurrence

import (
	"fmt"
	"sort"
	"time"
)

// Next computes the first count occurrence instants strictly after anchor.
//
// Dates are constructed in the rule's timezone; results are returned as UTC
// instants so callers never reason in local wall-clock time. The returned
// slice is strictly ascending.
func Next(anchor time.Time, r Rule, count int) ([]time.Time, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: count must be >= 1 (got %d)", ErrInvalidRule, count)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	loc := r.location()
	local := anchor.In(loc)

	switch r.Unit {
	case UnitMinutes:
		return stepDuration(anchor, time.Duration(r.Every)*time.Minute, count), nil
	case UnitHours:
		return stepDuration(anchor, time.Duration(r.Every)*time.Hour, count), nil
	case UnitDays:
		if len(r.TimesOfDay) == 0 {
			return stepCalendar(local, 0, 0, r.Every, count), nil
		}
		tods, err := r.timesOfDay()
		if err != nil {
			return nil, err
		}
		return dailyAtTimes(anchor, local, loc, r.Every, tods, count)
	case UnitWeeks:
		if len(r.DaysOfWeek) == 0 {
			if len(r.TimesOfDay) == 0 {
				return stepCalendar(local, 0, 0, 7*r.Every, count), nil
			}
			tods, err := r.timesOfDay()
			if err != nil {
				return nil, err
			}
			return dailyAtTimes(anchor, local, loc, 7*r.Every, tods, count)
		}
		return weeklyOnDays(anchor, local, loc, r, count)
	case UnitMonths:
		if len(r.DaysOfMonth) == 0 {
			return stepCalendar(local, 0, r.Every, 0, count), nil
		}
		return monthlyOnDays(anchor, local, loc, r, count)
	case UnitYears:
		return stepCalendar(local, r.Every, 0, 0, count), nil
	}
	return nil, fmt.Errorf("%w: unknown unit %q", ErrInvalidRule, r.Unit)
}

func stepDuration(anchor time.Time, step time.Duration, count int) []time.Time {
	out := make([]time.Time, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, anchor.Add(time.Duration(i)*step).UTC())
	}
	return out
}

// stepCalendar advances by calendar units preserving the anchor's wall-clock
// time in its zone (so a 09:00 anchor keeps firing at 09:00 across DST).
func stepCalendar(local time.Time, years, months, days, count int) []time.Time {
	out := make([]time.Time, 0, count)
	cur := local
	for i := 0; i < count; i++ {
		cur = cur.AddDate(years, months, days)
		out = append(out, cur.UTC())
	}
	return out
}

// dailyAtTimes emits date-times built from successive periods combined with
// each time-of-day. Candidates from the current period that are still ahead
// of the anchor are emitted before the period advances.
func dailyAtTimes(anchor, local time.Time, loc *time.Location, everyDays int, tods []timeOfDay, count int) ([]time.Time, error) {
	out := make([]time.Time, 0, count)
	y, m, d := local.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, loc)

	for periods := 0; periods < MaxSearchPeriods; periods++ {
		for _, td := range tods {
			cand := time.Date(date.Year(), date.Month(), date.Day(), td.hour, td.min, 0, 0, loc)
			if cand.After(anchor) {
				out = append(out, cand.UTC())
				if len(out) == count {
					return out, nil
				}
			}
		}
		date = date.AddDate(0, 0, everyDays)
	}
	return nil, fmt.Errorf("%w: after %d periods", ErrNoOccurrence, MaxSearchPeriods)
}

// weeklyOnDays scans forward day by day. A date qualifies when its weekday is
// in the rule's set and its week is a multiple of the interval away from the
// anchor's week (weeks start on Monday).
func weeklyOnDays(anchor, local time.Time, loc *time.Location, r Rule, count int) ([]time.Time, error) {
	wds, err := r.weekdaySet()
	if err != nil {
		return nil, err
	}
	tods, err := r.timesOfDay()
	if err != nil {
		return nil, err
	}

	y, m, d := local.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, loc)
	anchorWeek := startOfWeek(date)

	out := make([]time.Time, 0, count)
	dayLimit := MaxSearchPeriods * 7 * r.Every
	for i := 0; i < dayLimit; i++ {
		if wds[date.Weekday()] {
			// Count whole days by date ordinal, not elapsed hours: a week
			// spanning a DST shift is 167 or 169 hours long.
			weeks := (dateOrdinal(startOfWeek(date)) - dateOrdinal(anchorWeek)) / 7
			if weeks%r.Every == 0 {
				for _, cand := range candidatesForDate(date, tods, local, loc) {
					if cand.After(anchor) {
						out = append(out, cand.UTC())
						if len(out) == count {
							return out, nil
						}
					}
				}
			}
		}
		date = date.AddDate(0, 0, 1)
	}
	return nil, fmt.Errorf("%w: after %d periods", ErrNoOccurrence, MaxSearchPeriods)
}

// monthlyOnDays steps whole months. A target day that exceeds the month's
// length contributes no candidate for that month; the month is skipped, never
// clamped.
func monthlyOnDays(anchor, local time.Time, loc *time.Location, r Rule, count int) ([]time.Time, error) {
	tods, err := r.timesOfDay()
	if err != nil {
		return nil, err
	}
	doms := append([]int(nil), r.DaysOfMonth...)
	sort.Ints(doms)

	base := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)

	out := make([]time.Time, 0, count)
	for periods := 0; periods < MaxSearchPeriods; periods++ {
		month := base.AddDate(0, periods*r.Every, 0)
		dim := daysInMonth(month.Year(), month.Month())
		for _, dom := range doms {
			if dom > dim {
				continue
			}
			date := time.Date(month.Year(), month.Month(), dom, 0, 0, 0, 0, loc)
			for _, cand := range candidatesForDate(date, tods, local, loc) {
				if cand.After(anchor) {
					out = append(out, cand.UTC())
					if len(out) == count {
						return out, nil
					}
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: after %d periods", ErrNoOccurrence, MaxSearchPeriods)
}

// candidatesForDate combines a date with the rule's times of day, falling back
// to the anchor's wall-clock time when no times are configured.
func candidatesForDate(date time.Time, tods []timeOfDay, local time.Time, loc *time.Location) []time.Time {
	if len(tods) == 0 {
		return []time.Time{time.Date(
			date.Year(), date.Month(), date.Day(),
			local.Hour(), local.Minute(), local.Second(), 0, loc,
		)}
	}
	out := make([]time.Time, 0, len(tods))
	for _, td := range tods {
		out = append(out, time.Date(date.Year(), date.Month(), date.Day(), td.hour, td.min, 0, 0, loc))
	}
	return out
}

// startOfWeek returns midnight of the Monday on or before date.
func startOfWeek(date time.Time) time.Time {
	offset := (int(date.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return date.AddDate(0, 0, -offset)
}

// dateOrdinal returns a day index independent of zone offsets.
func dateOrdinal(t time.Time) int {
	return int(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
