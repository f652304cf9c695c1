package recommender

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/tempo/internal/calendar"
)

// testNow is Wednesday noon.
var testNow = time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)

func defaultOptions() Options {
	return Options{
		SearchDays:          30,
		MaxAlternatives:     3,
		WorkDayStart:        7,
		WorkDayEnd:          23,
		IncludeWeekends:     true,
		BufferBefore:        10 * time.Minute,
		BufferAfter:         10 * time.Minute,
		MinFreeBlock:        30 * time.Minute,
		WeightWindow:        0.40,
		WeightWorkingHours:  0.20,
		WeightProximity:     0.25,
		WeightFragmentation: 0.15,
	}
}

func newTestRecommender(opts Options) *Recommender {
	r := New(opts)
	r.now = func() time.Time { return testNow }
	return r
}

func busyEvent(category calendar.Category, start time.Time, d time.Duration, summary string, attendees ...string) calendar.EnrichedEvent {
	return calendar.EnrichedEvent{
		Event: calendar.Event{
			Calendar:  "Test",
			Start:     start,
			End:       start.Add(d),
			Summary:   summary,
			Attendees: attendees,
		},
		Category: category,
	}
}

// morningWorkAnalysis mimics two weeks of weekday morning meetings:
// the learned work window sits at 09:00-11:00.
func morningWorkAnalysis() *calendar.Analysis {
	windows := make(map[calendar.Category]calendar.TimeWindow, len(calendar.Categories))
	for _, c := range calendar.Categories {
		windows[c] = calendar.TimeWindow{Start: "09:00", End: "17:00"}
	}
	windows[calendar.CategoryWork] = calendar.TimeWindow{
		Start: "09:00", End: "11:00", Confidence: 0.9, SampleSize: 6,
	}

	var events []calendar.EnrichedEvent
	for _, day := range []int{2, 4, 9} {
		start := time.Date(2025, 6, day, 9, 30, 0, 0, time.UTC)
		events = append(events, busyEvent(calendar.CategoryWork, start, 30*time.Minute, "Planning", "a@x"))
	}
	return &calendar.Analysis{TZ: "UTC", Events: events, Windows: windows}
}

func hasReason(rationale []Reason, code string) bool {
	for _, r := range rationale {
		if r.Code == code {
			return true
		}
	}
	return false
}

func TestStandupScenario(t *testing.T) {
	r := newTestRecommender(defaultOptions())

	res, err := r.Recommend(context.Background(), morningWorkAnalysis(), Query{
		Summary: "Standup", DurationMin: 30, Priority: calendar.PriorityRegular,
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if res.Recommendation == nil {
		t.Fatal("no recommendation returned")
	}
	if res.Category != calendar.CategoryWork {
		t.Errorf("derived category = %s, want work", res.Category)
	}

	top := res.Recommendation
	if top.Rank != 0 {
		t.Errorf("top rank = %d, want 0", top.Rank)
	}
	// The winner should land inside the learned morning work window.
	hour := top.Slot.Start.Hour()
	if hour < 9 || hour >= 11 {
		t.Errorf("top slot at %s, want a 09:00-11:00 start", top.Slot.Start)
	}
	if calendar.Weekday1(top.Slot.Start) > 5 {
		t.Errorf("top slot on a weekend: %s", top.Slot.Start)
	}
	if !hasReason(top.Rationale, ReasonCategoryTimeMatch) {
		t.Errorf("rationale %v missing %s", top.Rationale, ReasonCategoryTimeMatch)
	}
	if top.Slot.Duration() != 30*time.Minute {
		t.Errorf("slot duration = %v, want 30m", top.Slot.Duration())
	}

	if len(res.Alternatives) != 3 {
		t.Errorf("alternatives = %d, want 3", len(res.Alternatives))
	}
	if res.Stats.SlotsFound == 0 || res.Stats.SlotsEvaluated != res.Stats.SlotsFound {
		t.Errorf("stats = %+v", res.Stats)
	}
	if res.Stats.SearchDays != 30 || res.Stats.DurationRequested != 30 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestRecommendationOrdering(t *testing.T) {
	r := newTestRecommender(defaultOptions())

	res, err := r.Recommend(context.Background(), morningWorkAnalysis(), Query{
		Summary: "Standup", DurationMin: 30,
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}

	all := append([]Recommendation{*res.Recommendation}, res.Alternatives...)
	for i := 1; i < len(all); i++ {
		if all[i].Score > all[i-1].Score {
			t.Errorf("scores not descending at rank %d: %v > %v", i, all[i].Score, all[i-1].Score)
		}
		if all[i].Score == all[i-1].Score && all[i].Slot.Start.Before(all[i-1].Slot.Start) {
			t.Errorf("tie at rank %d not broken by earliest start", i)
		}
		if all[i].Rank != i {
			t.Errorf("rank = %d at position %d", all[i].Rank, i)
		}
	}
}

func TestEmptyHorizon(t *testing.T) {
	opts := defaultOptions()
	opts.SearchDays = 1
	opts.WorkDayStart = 9
	opts.WorkDayEnd = 10
	r := newTestRecommender(opts)

	// One hour of working time per day cannot fit a two hour event.
	res, err := r.Recommend(context.Background(), &calendar.Analysis{TZ: "UTC"}, Query{
		Summary: "Workshop", DurationMin: 120,
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if res.Recommendation != nil {
		t.Errorf("recommendation = %+v, want nil", res.Recommendation)
	}
	if res.Stats.SlotsFound != 0 {
		t.Errorf("slots_found = %d, want 0", res.Stats.SlotsFound)
	}
	if len(res.Alternatives) != 0 {
		t.Errorf("alternatives = %v, want empty", res.Alternatives)
	}
}

func TestSlotsAvoidBusyIntervals(t *testing.T) {
	opts := defaultOptions()
	opts.SearchDays = 2
	r := newTestRecommender(opts)

	// Tomorrow is fully booked from 07:00 to 22:30 with buffers.
	analysis := morningWorkAnalysis()
	tomorrow := time.Date(2025, 6, 12, 7, 0, 0, 0, time.UTC)
	analysis.Events = append(analysis.Events,
		busyEvent(calendar.CategoryWork, tomorrow, 15*time.Hour+30*time.Minute, "Offsite"))

	res, err := r.Recommend(context.Background(), analysis, Query{Summary: "sync", DurationMin: 60})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}

	busyStart := tomorrow.Add(-10 * time.Minute)
	busyEnd := tomorrow.Add(15*time.Hour + 40*time.Minute)
	check := func(rec Recommendation) {
		if rec.Slot.End.After(busyStart) && rec.Slot.Start.Before(busyEnd) {
			t.Errorf("slot %s-%s overlaps the offsite", rec.Slot.Start, rec.Slot.End)
		}
	}
	check(*res.Recommendation)
	for _, alt := range res.Alternatives {
		check(alt)
	}
}

func TestHighPriorityPrefersEarliest(t *testing.T) {
	r := newTestRecommender(defaultOptions())
	analysis := morningWorkAnalysis()

	regular, err := r.Recommend(context.Background(), analysis, Query{
		Summary: "call", DurationMin: 30, Priority: calendar.PriorityRegular,
	})
	if err != nil {
		t.Fatalf("Recommend regular: %v", err)
	}
	high, err := r.Recommend(context.Background(), analysis, Query{
		Summary: "call", DurationMin: 30, Priority: calendar.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Recommend high: %v", err)
	}

	if !high.Recommendation.Slot.Start.Before(regular.Recommendation.Slot.Start) {
		t.Errorf("high priority slot %s not earlier than regular %s",
			high.Recommendation.Slot.Start, regular.Recommendation.Slot.Start)
	}
	if !hasReason(high.Recommendation.Rationale, ReasonEarliestAvailable) &&
		!hasReason(high.Recommendation.Rationale, ReasonSoonestSlot) {
		t.Errorf("high priority rationale %v cites no proximity reason", high.Recommendation.Rationale)
	}
}

func TestWeekendPolicy(t *testing.T) {
	opts := defaultOptions()
	opts.IncludeWeekends = false
	opts.SearchDays = 7
	r := newTestRecommender(opts)

	res, err := r.Recommend(context.Background(), morningWorkAnalysis(), Query{
		Summary: "review", DurationMin: 30,
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}

	check := func(rec Recommendation) {
		if calendar.Weekday1(rec.Slot.Start) > 5 {
			t.Errorf("weekend slot %s despite include_weekends=false", rec.Slot.Start)
		}
	}
	check(*res.Recommendation)
	for _, alt := range res.Alternatives {
		check(alt)
	}
}

func TestConflictsAdvisory(t *testing.T) {
	opts := defaultOptions()
	opts.SearchDays = 1
	opts.BufferBefore = 0
	opts.BufferAfter = 0
	opts.WorkDayStart = 13
	opts.WorkDayEnd = 15
	r := newTestRecommender(opts)

	// A meeting at 14:15 leaves 13:00-14:15 free; a 60 minute slot
	// there ends 15 minutes before it, inside the advisory range.
	analysis := &calendar.Analysis{
		TZ: "UTC",
		Events: []calendar.EnrichedEvent{
			busyEvent(calendar.CategoryWork, time.Date(2025, 6, 11, 14, 15, 0, 0, time.UTC), time.Hour, "Board meeting"),
		},
		Windows: map[calendar.Category]calendar.TimeWindow{},
	}

	res, err := r.Recommend(context.Background(), analysis, Query{Summary: "prep", DurationMin: 60})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if res.Recommendation == nil {
		t.Fatal("no recommendation")
	}
	if len(res.Conflicts) == 0 {
		t.Errorf("expected an advisory conflict about the adjacent meeting, got none")
	}
}

func TestInvalidDuration(t *testing.T) {
	r := newTestRecommender(defaultOptions())
	if _, err := r.Recommend(context.Background(), morningWorkAnalysis(), Query{Summary: "x"}); err == nil {
		t.Fatal("zero duration accepted")
	}
}
