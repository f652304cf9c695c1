package enricher

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/kalambet/tempo/internal/calendar"
)

// mon returns the given wall time on Monday 2025-06-09.
func mon(hour, min int) time.Time {
	return time.Date(2025, 6, 9, hour, min, 0, 0, time.UTC)
}

func enrichOne(t *testing.T, ev calendar.Event) calendar.EnrichedEvent {
	t.Helper()
	res, err := New().Enrich(context.Background(), Request{TZ: "UTC", Events: []calendar.Event{ev}})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("enriched %d events, want 1", len(res.Events))
	}
	return res.Events[0]
}

func TestClassifyByKeywords(t *testing.T) {
	cases := []struct {
		summary string
		want    calendar.Category
	}{
		{"Team standup", calendar.CategoryWork},
		{"Physics lecture", calendar.CategoryStudy},
		{"Morning gym session", calendar.CategoryHealth},
		{"Grocery shopping", calendar.CategoryErrands},
		{"Mom's birthday dinner", calendar.CategoryFamily},
		{"Watercolor painting", calendar.CategoryCreative},
		{"Flight to Berlin", calendar.CategoryTravel},
		{"Movie night", calendar.CategoryLeisure},
		{"Morning routine", calendar.CategoryRoutine},
		{"Untitled block", calendar.CategoryOther},
	}
	for _, tc := range cases {
		got := enrichOne(t, calendar.Event{Summary: tc.summary, Start: mon(12, 0), End: mon(13, 0)})
		if got.Category != tc.want {
			t.Errorf("%q classified as %s, want %s", tc.summary, got.Category, tc.want)
		}
	}
}

func TestClassifyConfidence(t *testing.T) {
	// Multiple keyword hits raise confidence over a single hit.
	single := enrichOne(t, calendar.Event{Summary: "standup", Start: mon(12, 0), End: mon(13, 0)})
	many := enrichOne(t, calendar.Event{Summary: "standup meeting: project review", Start: mon(12, 0), End: mon(13, 0)})

	if single.Attrs.CategoryConfidence <= 0 {
		t.Error("single keyword hit has zero confidence")
	}
	if many.Attrs.CategoryConfidence <= single.Attrs.CategoryConfidence {
		t.Errorf("confidence did not grow with hits: %v <= %v",
			many.Attrs.CategoryConfidence, single.Attrs.CategoryConfidence)
	}

	other := enrichOne(t, calendar.Event{Summary: "Untitled block", Start: mon(12, 0), End: mon(13, 0)})
	if other.Attrs.CategoryConfidence != 0 {
		t.Errorf("unclassified event has confidence %v, want 0", other.Attrs.CategoryConfidence)
	}
}

func TestClassifyTimeHeuristics(t *testing.T) {
	// "run" alone would hit both the health table and nothing else;
	// the early-morning boost must tip an ambiguous workout event to
	// health even when a work keyword is also present.
	ev := calendar.Event{Summary: "running sync", Start: mon(7, 0), End: mon(8, 0)}
	got := enrichOne(t, ev)
	if got.Category != calendar.CategoryHealth {
		t.Errorf("morning workout classified as %s, want health", got.Category)
	}

	// The same text at midday on a weekday leans work.
	ev.Start, ev.End = mon(11, 0), mon(12, 0)
	got = enrichOne(t, ev)
	if got.Category != calendar.CategoryWork {
		t.Errorf("midday event classified as %s, want work", got.Category)
	}
}

func TestPriority(t *testing.T) {
	cases := []struct {
		name string
		ev   calendar.Event
		want calendar.Priority
	}{
		{"urgent keyword", calendar.Event{Summary: "URGENT: fix prod", Start: mon(12, 0), End: mon(13, 0)}, calendar.PriorityHigh},
		{"big meeting", calendar.Event{Summary: "all hands", Start: mon(12, 0), End: mon(13, 0),
			Attendees: []string{"a", "b", "c", "d", "e", "f"}}, calendar.PriorityHigh},
		{"late evening", calendar.Event{Summary: "call with SF office", Start: mon(22, 0), End: mon(23, 0)}, calendar.PriorityHigh},
		{"late routine", calendar.Event{Summary: "evening routine", Start: mon(22, 0), End: mon(23, 0)}, calendar.PriorityRegular},
		{"ordinary", calendar.Event{Summary: "lunch", Start: mon(13, 0), End: mon(14, 0)}, calendar.PriorityRegular},
	}
	for _, tc := range cases {
		if got := enrichOne(t, tc.ev); got.Priority != tc.want {
			t.Errorf("%s: priority = %s, want %s", tc.name, got.Priority, tc.want)
		}
	}
}

func TestAttributes(t *testing.T) {
	ev := calendar.Event{Summary: "standup", Start: mon(10, 30), End: mon(10, 45)}
	got := enrichOne(t, ev)

	attrs := got.Attrs
	if attrs.DurationMin != 15 {
		t.Errorf("duration_min = %d, want 15", attrs.DurationMin)
	}
	if attrs.DayOfWeek != 1 {
		t.Errorf("day_of_week = %d, want 1 (Monday)", attrs.DayOfWeek)
	}
	if attrs.HourOfDay != 10 {
		t.Errorf("hour_of_day = %d, want 10", attrs.HourOfDay)
	}
	if !attrs.IsWorkingHours || attrs.IsWeekend {
		t.Errorf("working_hours=%v weekend=%v, want true/false", attrs.IsWorkingHours, attrs.IsWeekend)
	}

	sat := time.Date(2025, 6, 14, 10, 0, 0, 0, time.UTC)
	got = enrichOne(t, calendar.Event{Summary: "hike", Start: sat, End: sat.Add(2 * time.Hour)})
	if got.Attrs.IsWorkingHours || !got.Attrs.IsWeekend {
		t.Errorf("saturday: working_hours=%v weekend=%v", got.Attrs.IsWorkingHours, got.Attrs.IsWeekend)
	}
}

func TestTags(t *testing.T) {
	ev := calendar.Event{
		Summary:   "Zoom review #roadmap deadline prep",
		Start:     mon(12, 0),
		End:       mon(13, 0),
		Attendees: []string{"alex@example.com"},
	}
	got := enrichOne(t, ev)

	for _, want := range []string{"roadmap", "meeting", "online", "deadline"} {
		if !slices.Contains(got.Attrs.Tags, want) {
			t.Errorf("tags %v missing %q", got.Attrs.Tags, want)
		}
	}
}

func TestEnrichStats(t *testing.T) {
	res, err := New().Enrich(context.Background(), Request{TZ: "UTC", Events: []calendar.Event{
		{Summary: "standup", Start: mon(10, 0), End: mon(10, 15)},
		{Summary: "gym", Start: mon(7, 0), End: mon(8, 0)},
		{Summary: "???", Start: mon(12, 0), End: mon(13, 0)},
	}})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	s := res.Stats
	if s.TotalEvents != 3 || s.ClassifiedByRules != 2 || s.ClassificationFailures != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.EventTypes["work"] != 1 || s.EventTypes["health"] != 1 || s.EventTypes["other"] != 1 {
		t.Errorf("event_types = %v", s.EventTypes)
	}
}
