package importer

import (
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/tempo/internal/calendar"
)

// Generation stops after this many candidate occurrences regardless of
// COUNT/UNTIL, protecting against runaway rules.
const maxOccurrences = 1000

type recurrence struct {
	freq     string // DAILY, WEEKLY, MONTHLY
	interval int
	count    int // 0 = unbounded
	until    time.Time
	byDay    []time.Weekday
}

var icsWeekdays = map[string]time.Weekday{
	"MO": time.Monday, "TU": time.Tuesday, "WE": time.Wednesday,
	"TH": time.Thursday, "FR": time.Friday, "SA": time.Saturday, "SU": time.Sunday,
}

// expandRRule expands a recurring master event into its occurrences
// strictly inside (windowStart, windowEnd). On an unparseable rule the
// master is returned unexpanded if it overlaps the window.
func expandRRule(rule string, master calendar.Event, windowStart, windowEnd time.Time) []calendar.Event {
	rec, ok := parseRRule(rule, master.Start.Location())
	if !ok {
		if intersects(master.Start, master.End, windowStart, windowEnd) {
			return []calendar.Event{master}
		}
		return nil
	}

	duration := master.End.Sub(master.Start)
	var events []calendar.Event
	for _, start := range rec.occurrences(master.Start, windowEnd) {
		if !start.After(windowStart) || !start.Before(windowEnd) {
			continue
		}
		ev := master
		ev.Start = start
		ev.End = start.Add(duration)
		ev.Recurring = true
		events = append(events, ev)
	}
	return events
}

func parseRRule(rule string, loc *time.Location) (recurrence, bool) {
	rec := recurrence{interval: 1}
	for _, part := range strings.Split(rule, ";") {
		eq := strings.Index(part, "=")
		if eq <= 0 {
			continue
		}
		key, val := strings.ToUpper(part[:eq]), part[eq+1:]
		switch key {
		case "FREQ":
			rec.freq = strings.ToUpper(val)
		case "INTERVAL":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return recurrence{}, false
			}
			rec.interval = n
		case "COUNT":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return recurrence{}, false
			}
			rec.count = n
		case "UNTIL":
			t, ok := parseUntil(val, loc)
			if !ok {
				return recurrence{}, false
			}
			rec.until = t
		case "BYDAY":
			for _, d := range strings.Split(val, ",") {
				wd, ok := icsWeekdays[strings.ToUpper(d)]
				if !ok {
					return recurrence{}, false
				}
				rec.byDay = append(rec.byDay, wd)
			}
		}
	}
	switch rec.freq {
	case "DAILY", "WEEKLY", "MONTHLY":
		return rec, true
	}
	return recurrence{}, false
}

func parseUntil(v string, loc *time.Location) (time.Time, bool) {
	if t, err := time.Parse("20060102T150405Z", v); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("20060102T150405", v, loc); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("20060102", v, loc); err == nil {
		// A date-only UNTIL covers the whole day.
		return t.AddDate(0, 0, 1).Add(-time.Second), true
	}
	return time.Time{}, false
}

// occurrences generates the occurrence start times from dtstart up to
// (not past) the COUNT/UNTIL limits, stopping once past horizon.
func (r recurrence) occurrences(dtstart, horizon time.Time) []time.Time {
	var out []time.Time
	emit := func(t time.Time) bool {
		if !r.until.IsZero() && t.After(r.until) {
			return false
		}
		out = append(out, t)
		if r.count > 0 && len(out) >= r.count {
			return false
		}
		return len(out) < maxOccurrences
	}

	switch r.freq {
	case "DAILY":
		for t := dtstart; !t.After(horizon); t = t.AddDate(0, 0, r.interval) {
			if !emit(t) {
				break
			}
		}

	case "WEEKLY":
		if len(r.byDay) == 0 {
			for t := dtstart; !t.After(horizon); t = t.AddDate(0, 0, 7*r.interval) {
				if !emit(t) {
					break
				}
			}
			break
		}
		// Walk whole weeks from dtstart's Monday, emitting the BYDAY
		// weekdays at dtstart's wall time, skipping anything before
		// dtstart itself.
		weekStart := dtstart.AddDate(0, 0, -(calendar.Weekday1(dtstart) - 1))
	weeks:
		for week := weekStart; !week.After(horizon); week = week.AddDate(0, 0, 7*r.interval) {
			for offset := 0; offset < 7; offset++ {
				day := week.AddDate(0, 0, offset)
				if !r.onByDay(day.Weekday()) || day.Before(dtstart) {
					continue
				}
				if day.After(horizon) {
					break weeks
				}
				if !emit(day) {
					break weeks
				}
			}
		}

	case "MONTHLY":
		day := dtstart.Day()
		for i := 0; ; i += r.interval {
			base := dtstart.AddDate(0, i, 0)
			// AddDate normalizes Jan 31 + 1 month to Mar 3; skip
			// months that do not have the start's day-of-month.
			if base.Day() != day {
				continue
			}
			if base.After(horizon) {
				break
			}
			if !emit(base) {
				break
			}
		}
	}
	return out
}

func (r recurrence) onByDay(wd time.Weekday) bool {
	for _, d := range r.byDay {
		if d == wd {
			return true
		}
	}
	return false
}
