// Package importer parses ICS payloads and raw event lists into
// normalized calendar events: recurrence expansion, window filtering,
// deduplication, and import stats.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kalambet/tempo/internal/calendar"
)

// ErrImport wraps any malformed-input failure, so callers can tell
// input problems apart from infrastructure errors.
var ErrImport = errors.New("import failed")

// RawEvent is an event submitted as JSON instead of ICS.
type RawEvent struct {
	Calendar    string   `json:"calendar"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	Attendees   []string `json:"attendees,omitempty"`
	RRule       string   `json:"rrule,omitempty"`
	AllDay      bool     `json:"all_day,omitempty"`
}

// Request carries one import invocation. DaysLimit bounds the window
// around the current week; a negative value disables the window.
type Request struct {
	ICS             string     `json:"ics_content,omitempty"`
	Events          []RawEvent `json:"events,omitempty"`
	Timezone        string     `json:"timezone"`
	ExpandRecurring bool       `json:"expand_recurring"`
	HorizonDays     int        `json:"horizon_days"`
	DaysLimit       int        `json:"days_limit"`
}

// Stats summarize one import.
type Stats struct {
	TotalImported     int `json:"total_imported"`
	RecurringExpanded int `json:"recurring_expanded"`
	AllDayEvents      int `json:"all_day_events"`
	UniqueCalendars   int `json:"unique_calendars"`
}

// Result is the import stage output.
type Result struct {
	TZ          string           `json:"tz"`
	GeneratedAt time.Time        `json:"generated_at"`
	Events      []calendar.Event `json:"events"`
	Stats       Stats            `json:"stats"`
}

// Importer is the import stage.
type Importer struct {
	now func() time.Time
}

// New returns an importer using the wall clock.
func New() *Importer {
	return &Importer{now: time.Now}
}

// Import parses the request's ICS content and raw events, expands
// recurrences inside the import window, filters, deduplicates, and
// sorts by start time.
func (im *Importer) Import(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tz, err := time.LoadLocation(req.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrImport, req.Timezone)
	}

	windowStart, windowEnd := im.window(tz, req.DaysLimit)

	var events []calendar.Event
	if req.ICS != "" {
		parsed, err := parseICS(req.ICS, tz, req.ExpandRecurring, windowStart, windowEnd)
		if err != nil {
			return nil, err
		}
		events = append(events, parsed...)
	}

	for _, raw := range req.Events {
		ev, ok := normalizeRaw(raw, tz)
		if !ok {
			continue
		}
		if raw.RRule != "" && req.ExpandRecurring {
			events = append(events, expandRRule(raw.RRule, ev, windowStart, windowEnd)...)
			continue
		}
		events = append(events, ev)
	}

	filtered := events[:0]
	for _, ev := range events {
		if !ev.Start.Before(windowStart) && !ev.Start.After(windowEnd) {
			filtered = append(filtered, ev)
		}
	}
	events = dedupe(filtered)

	sort.Slice(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].Summary < events[j].Summary
	})

	stats := Stats{TotalImported: len(events)}
	calendars := make(map[string]struct{})
	for _, ev := range events {
		if ev.Recurring {
			stats.RecurringExpanded++
		}
		if ev.AllDay {
			stats.AllDayEvents++
		}
		calendars[ev.Calendar] = struct{}{}
	}
	stats.UniqueCalendars = len(calendars)

	return &Result{
		TZ:          req.Timezone,
		GeneratedAt: im.now().UTC(),
		Events:      events,
		Stats:       stats,
	}, nil
}

// window returns the import window: the current week (Monday start)
// padded by daysLimit on both sides.
func (im *Importer) window(tz *time.Location, daysLimit int) (time.Time, time.Time) {
	if daysLimit < 0 {
		return time.Time{}, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	now := im.now().In(tz)
	weekStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, tz).
		AddDate(0, 0, -(calendar.Weekday1(now) - 1))
	return weekStart.AddDate(0, 0, -daysLimit), weekStart.AddDate(0, 0, 7+daysLimit)
}

func normalizeRaw(raw RawEvent, tz *time.Location) (calendar.Event, bool) {
	start, ok := parseFlexibleTime(raw.Start, tz)
	if !ok {
		return calendar.Event{}, false
	}
	end, ok := parseFlexibleTime(raw.End, tz)
	if !ok {
		return calendar.Event{}, false
	}
	if !end.After(start) {
		end = start.Add(time.Hour)
	}
	return calendar.Event{
		Calendar:    raw.Calendar,
		Start:       start,
		End:         end,
		Summary:     raw.Summary,
		Description: raw.Description,
		Attendees:   raw.Attendees,
		AllDay:      raw.AllDay,
	}, true
}

var flexibleLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseFlexibleTime accepts the timestamp shapes raw submissions use.
// Zone-less values are interpreted in the request timezone.
func parseFlexibleTime(s string, tz *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	for _, layout := range flexibleLayouts[1:] {
		if t, err := time.ParseInLocation(layout, s, tz); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// dedupe drops events that repeat the same calendar, interval, and
// summary, keeping the first occurrence.
func dedupe(events []calendar.Event) []calendar.Event {
	seen := make(map[string]struct{}, len(events))
	out := events[:0]
	for _, ev := range events {
		key := ev.Calendar + "|" + ev.Start.Format(time.RFC3339) + "|" +
			ev.End.Format(time.RFC3339) + "|" + ev.Summary
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ev)
	}
	return out
}
