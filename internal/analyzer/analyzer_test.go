package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/tempo/internal/calendar"
)

var testNow = time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)

func newTestAnalyzer() *Analyzer {
	a := New()
	a.now = func() time.Time { return testNow }
	return a
}

func enriched(category calendar.Category, start time.Time, d time.Duration, summary string, attendees ...string) calendar.EnrichedEvent {
	return calendar.EnrichedEvent{
		Event: calendar.Event{
			Calendar:  "Test",
			Start:     start,
			End:       start.Add(d),
			Summary:   summary,
			Attendees: attendees,
		},
		Category: category,
		Priority: calendar.PriorityRegular,
	}
}

func analyze(t *testing.T, events []calendar.EnrichedEvent) *calendar.Analysis {
	t.Helper()
	res, err := newTestAnalyzer().Analyze(context.Background(), Request{
		TZ: "UTC", Events: events, AnalysisWeeks: 2, MinSampleSize: 3,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return res
}

func TestLookbackCutoff(t *testing.T) {
	events := []calendar.EnrichedEvent{
		enriched(calendar.CategoryWork, testNow.AddDate(0, 0, -1), time.Hour, "recent"),
		enriched(calendar.CategoryWork, testNow.AddDate(0, 0, -30), time.Hour, "stale"),
	}
	res := analyze(t, events)
	if len(res.Events) != 1 || res.Events[0].Summary != "recent" {
		t.Errorf("events = %+v, want only the recent one", res.Events)
	}
}

func TestLearnedTimeWindow(t *testing.T) {
	// Four work meetings between 09:00 and 11:30; the learned window
	// should sit in the morning with nonzero confidence.
	var events []calendar.EnrichedEvent
	for day := 1; day <= 4; day++ {
		start := time.Date(2025, 6, day+2, 9, 0, 0, 0, time.UTC).Add(time.Duration(day) * 30 * time.Minute)
		events = append(events, enriched(calendar.CategoryWork, start, time.Hour, "standup"))
	}
	res := analyze(t, events)

	w := res.Windows[calendar.CategoryWork]
	if w.SampleSize != 4 {
		t.Fatalf("sample_size = %d, want 4", w.SampleSize)
	}
	if w.Confidence <= 0 {
		t.Errorf("confidence = %v, want > 0 for a tight history", w.Confidence)
	}
	if w.Start < "09:00" || w.Start > "11:30" {
		t.Errorf("window start = %s, want a morning hour", w.Start)
	}
	if w.End <= w.Start {
		t.Errorf("window %s..%s is inverted", w.Start, w.End)
	}
}

func TestDefaultWindowBelowMinSample(t *testing.T) {
	events := []calendar.EnrichedEvent{
		enriched(calendar.CategoryHealth, testNow.AddDate(0, 0, -1), time.Hour, "gym"),
	}
	res := analyze(t, events)

	w := res.Windows[calendar.CategoryHealth]
	if w.Start != "07:00" || w.End != "09:00" {
		t.Errorf("health window = %s..%s, want the 07:00..09:00 default", w.Start, w.End)
	}
	if w.Confidence != 0 {
		t.Errorf("default window confidence = %v, want 0", w.Confidence)
	}
	if w.SampleSize != 1 {
		t.Errorf("sample_size = %d, want 1", w.SampleSize)
	}

	// Every category gets a window even with no events at all.
	if len(res.Windows) != len(calendar.Categories) {
		t.Errorf("windows for %d categories, want %d", len(res.Windows), len(calendar.Categories))
	}
}

func TestAggregates(t *testing.T) {
	d := func(day, hour int) time.Time { return time.Date(2025, 6, day, hour, 0, 0, 0, time.UTC) }
	events := []calendar.EnrichedEvent{
		enriched(calendar.CategoryWork, d(9, 10), time.Hour, "sync", "a@x", "b@x"),
		enriched(calendar.CategoryWork, d(9, 14), 2*time.Hour, "deep work"),
		enriched(calendar.CategoryHealth, d(10, 7), time.Hour, "gym"),
		// Outside the trailing week, must not count.
		enriched(calendar.CategoryWork, d(1, 10), time.Hour, "old sync", "a@x"),
	}
	res := analyze(t, events)

	agg := res.Aggregates
	if agg.TotalEvents != 3 {
		t.Errorf("total_events = %d, want 3", agg.TotalEvents)
	}
	if agg.MeetingsHours != 1 {
		t.Errorf("meetings_hours = %v, want 1", agg.MeetingsHours)
	}
	if agg.FocusHours != 2 {
		t.Errorf("focus_hours = %v, want 2", agg.FocusHours)
	}
	if agg.ByCategory["work"] != 3 || agg.ByCategory["health"] != 1 {
		t.Errorf("by_category = %v", agg.ByCategory)
	}
	if agg.BusiestDay != "2025-06-09" {
		t.Errorf("busiest_day = %q, want 2025-06-09", agg.BusiestDay)
	}
	if agg.AverageDurationMin != 80 {
		t.Errorf("average_duration_min = %v, want 80", agg.AverageDurationMin)
	}
}

func TestPatterns(t *testing.T) {
	d := func(day, hour int) time.Time { return time.Date(2025, 6, day, hour, 0, 0, 0, time.UTC) }
	events := []calendar.EnrichedEvent{
		enriched(calendar.CategoryWork, d(2, 9), time.Hour, "Standup", "a@x"),
		enriched(calendar.CategoryWork, d(4, 9), time.Hour, "Standup", "a@x"),
		enriched(calendar.CategoryWork, d(9, 9), time.Hour, "Standup", "a@x"),
		enriched(calendar.CategoryWork, d(11, 9), time.Hour, "Standup", "a@x"),
		enriched(calendar.CategoryLeisure, d(10, 20), 2*time.Hour, "Movie"),
	}
	res := analyze(t, events)

	p := res.Patterns
	if len(p.MostProductiveHours) == 0 || p.MostProductiveHours[0].Hour != 9 || p.MostProductiveHours[0].Count != 4 {
		t.Errorf("most_productive_hours = %+v", p.MostProductiveHours)
	}

	if len(p.PreferredMeetingDays) == 0 || p.PreferredMeetingDays[0] != "Monday" {
		// Standups fall on Mon, Wed, Mon, Wed: both days count 2,
		// alphabetical tiebreak puts Monday first.
		t.Errorf("preferred_meeting_days = %v", p.PreferredMeetingDays)
	}

	if len(p.RecurringEvents) != 1 {
		t.Fatalf("recurring_events = %+v, want one series", p.RecurringEvents)
	}
	series := p.RecurringEvents[0]
	if series.Name != "Standup" || series.Count != 4 {
		t.Errorf("series = %+v", series)
	}
	// Gaps of 2, 5, 2 days read as several times a week.
	if series.Frequency != "several times a week" {
		t.Errorf("frequency = %q", series.Frequency)
	}

	if p.TimeDistribution["work"] != 66.7 || p.TimeDistribution["leisure"] != 33.3 {
		t.Errorf("time_distribution = %v", p.TimeDistribution)
	}
}

func TestWeeklyFrequencyDetection(t *testing.T) {
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	dates := []time.Time{base, base.AddDate(0, 0, 7), base.AddDate(0, 0, 14)}
	if f := detectFrequency(dates); f != "weekly" {
		t.Errorf("frequency = %q, want weekly", f)
	}

	daily := []time.Time{base, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2)}
	if f := detectFrequency(daily); f != "daily" {
		t.Errorf("frequency = %q, want daily", f)
	}
}
