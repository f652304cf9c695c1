// Package analyzer derives per-category time windows and usage
// patterns from enriched events. The output feeds the recommender.
package analyzer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kalambet/tempo/internal/calendar"
)

// defaultWindows are the fallback per-category windows used when the
// history has too few samples to learn from.
var defaultWindows = map[calendar.Category][2]string{
	calendar.CategoryWork:     {"09:00", "18:00"},
	calendar.CategoryStudy:    {"19:00", "21:00"},
	calendar.CategoryHealth:   {"07:00", "09:00"},
	calendar.CategoryErrands:  {"10:00", "12:00"},
	calendar.CategoryFamily:   {"18:00", "22:00"},
	calendar.CategoryCreative: {"20:00", "22:00"},
	calendar.CategoryTravel:   {"08:00", "20:00"},
	calendar.CategoryLeisure:  {"19:00", "23:00"},
	calendar.CategoryRoutine:  {"07:00", "08:00"},
	calendar.CategoryOther:    {"09:00", "21:00"},
}

// Request carries one analysis invocation.
type Request struct {
	TZ            string                   `json:"tz"`
	Events        []calendar.EnrichedEvent `json:"events"`
	AnalysisWeeks int                      `json:"analysis_weeks"`
	MinSampleSize int                      `json:"min_sample_size"`
}

// Analyzer is the analyze stage.
type Analyzer struct {
	now func() time.Time
}

func New() *Analyzer {
	return &Analyzer{now: time.Now}
}

// Analyze restricts the history to the lookback window, learns the
// per-category time windows, and extracts dashboard aggregates and
// secondary patterns.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*calendar.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tz, err := time.LoadLocation(req.TZ)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", req.TZ, err)
	}
	now := a.now().In(tz)

	cutoff := now.AddDate(0, 0, -7*req.AnalysisWeeks)
	var relevant []calendar.EnrichedEvent
	for _, ev := range req.Events {
		if !ev.Start.Before(cutoff) {
			relevant = append(relevant, ev)
		}
	}

	return &calendar.Analysis{
		TZ:         req.TZ,
		Events:     relevant,
		Windows:    timeWindows(relevant, req.MinSampleSize),
		Aggregates: aggregates(relevant, now),
		Patterns:   patterns(relevant),
	}, nil
}

// timeWindows learns each category's usual hours from the history,
// falling back to the defaults when the sample is too small.
func timeWindows(events []calendar.EnrichedEvent, minSample int) map[calendar.Category]calendar.TimeWindow {
	byCategory := make(map[calendar.Category][]calendar.EnrichedEvent)
	for _, ev := range events {
		byCategory[ev.Category] = append(byCategory[ev.Category], ev)
	}

	windows := make(map[calendar.Category]calendar.TimeWindow, len(calendar.Categories))
	for _, category := range calendar.Categories {
		sample := byCategory[category]
		if len(sample) >= minSample && minSample > 0 {
			windows[category] = learnWindow(sample)
			continue
		}
		def := defaultWindows[category]
		windows[category] = calendar.TimeWindow{
			Start:      def[0],
			End:        def[1],
			Confidence: 0,
			SampleSize: len(sample),
		}
	}
	return windows
}

// learnWindow takes the 25th percentile of starts and the 75th of ends
// so outliers do not stretch the window, and derives confidence from
// the hour spread.
func learnWindow(events []calendar.EnrichedEvent) calendar.TimeWindow {
	starts := make([]float64, 0, len(events))
	ends := make([]float64, 0, len(events))
	for _, ev := range events {
		starts = append(starts, hourOf(ev.Start))
		ends = append(ends, hourOf(ev.End))
	}
	sort.Float64s(starts)
	sort.Float64s(ends)

	winStart := starts[len(starts)/4]
	winEnd := ends[3*len(ends)/4]
	if winEnd-winStart < 1 {
		winEnd = winStart + 1
	}

	spread := (stddev(starts) + stddev(ends)) / 2
	confidence := 2.0 - spread
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return calendar.TimeWindow{
		Start:      fmtHour(winStart),
		End:        fmtHour(winEnd),
		Confidence: confidence,
		SampleSize: len(events),
	}
}

func hourOf(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60
}

func fmtHour(h float64) string {
	whole := int(h)
	minutes := int(math.Round((h - float64(whole)) * 60))
	if minutes == 60 {
		whole, minutes = whole+1, 0
	}
	return fmt.Sprintf("%02d:%02d", whole, minutes)
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}

// aggregates summarize the trailing seven days.
func aggregates(events []calendar.EnrichedEvent, now time.Time) calendar.DashboardAggregates {
	weekAgo := now.AddDate(0, 0, -7)

	agg := calendar.DashboardAggregates{ByCategory: make(map[string]float64)}
	byDay := make(map[string]int)
	var totalMinutes float64

	for _, ev := range events {
		if ev.Start.Before(weekAgo) {
			continue
		}
		agg.TotalEvents++
		hours := ev.Duration().Hours()
		agg.ByCategory[string(ev.Category)] += hours
		totalMinutes += ev.Duration().Minutes()
		byDay[ev.Start.Format("2006-01-02")]++

		if ev.Category == calendar.CategoryWork {
			if len(ev.Attendees) > 0 {
				agg.MeetingsHours += hours
			} else {
				agg.FocusHours += hours
			}
		}
	}

	agg.MeetingsHours = round1(agg.MeetingsHours)
	agg.FocusHours = round1(agg.FocusHours)
	for k, v := range agg.ByCategory {
		agg.ByCategory[k] = round1(v)
	}

	best := 0
	for day, n := range byDay {
		if n > best || (n == best && day < agg.BusiestDay) {
			best, agg.BusiestDay = n, day
		}
	}

	if agg.TotalEvents > 0 {
		agg.AverageDurationMin = math.Round(totalMinutes / float64(agg.TotalEvents))
	}
	return agg
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

func patterns(events []calendar.EnrichedEvent) calendar.Patterns {
	var p calendar.Patterns
	if len(events) == 0 {
		return p
	}

	// Top 3 hours by event count.
	hourCounts := make(map[int]int)
	for _, ev := range events {
		hourCounts[ev.Start.Hour()]++
	}
	hours := make([]calendar.HourCount, 0, len(hourCounts))
	for h, c := range hourCounts {
		hours = append(hours, calendar.HourCount{Hour: h, Count: c})
	}
	sort.Slice(hours, func(i, j int) bool {
		if hours[i].Count != hours[j].Count {
			return hours[i].Count > hours[j].Count
		}
		return hours[i].Hour < hours[j].Hour
	})
	if len(hours) > 3 {
		hours = hours[:3]
	}
	p.MostProductiveHours = hours

	// Top 2 weekdays for events with attendees.
	meetingDays := make(map[string]int)
	for _, ev := range events {
		if len(ev.Attendees) > 0 {
			meetingDays[ev.Start.Weekday().String()]++
		}
	}
	if len(meetingDays) > 0 {
		days := make([]string, 0, len(meetingDays))
		for d := range meetingDays {
			days = append(days, d)
		}
		sort.Slice(days, func(i, j int) bool {
			if meetingDays[days[i]] != meetingDays[days[j]] {
				return meetingDays[days[i]] > meetingDays[days[j]]
			}
			return days[i] < days[j]
		})
		if len(days) > 2 {
			days = days[:2]
		}
		p.PreferredMeetingDays = days
	}

	// Average event length per weekday.
	dayLoads := make(map[string][]float64)
	for _, ev := range events {
		day := ev.Start.Weekday().String()
		dayLoads[day] = append(dayLoads[day], ev.Duration().Hours())
	}
	p.AverageDayLoad = make(map[string]float64, len(dayLoads))
	for day, loads := range dayLoads {
		var sum float64
		for _, l := range loads {
			sum += l
		}
		p.AverageDayLoad[day] = round1(sum / float64(len(loads)))
	}

	// Summaries seen three or more times form a recurring series.
	byName := make(map[string][]time.Time)
	for _, ev := range events {
		byName[ev.Summary] = append(byName[ev.Summary], ev.Start)
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dates := byName[name]
		if len(dates) < 3 {
			continue
		}
		p.RecurringEvents = append(p.RecurringEvents, calendar.RecurringSeries{
			Name:      name,
			Count:     len(dates),
			Frequency: detectFrequency(dates),
		})
	}

	// Share of total hours per category.
	categoryHours := make(map[string]float64)
	var totalHours float64
	for _, ev := range events {
		h := ev.Duration().Hours()
		categoryHours[string(ev.Category)] += h
		totalHours += h
	}
	if totalHours > 0 {
		p.TimeDistribution = make(map[string]float64, len(categoryHours))
		for category, h := range categoryHours {
			p.TimeDistribution[category] = round1(h / totalHours * 100)
		}
	}

	return p
}

// detectFrequency labels a series by the median gap between
// occurrences.
func detectFrequency(dates []time.Time) string {
	if len(dates) < 2 {
		return "one-off"
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	deltas := make([]int, 0, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		deltas = append(deltas, int(dates[i].Sub(dates[i-1]).Hours()/24))
	}
	sort.Ints(deltas)
	median := deltas[len(deltas)/2]

	switch {
	case median <= 1:
		return "daily"
	case median <= 3:
		return "several times a week"
	case median >= 6 && median <= 8:
		return "weekly"
	case median >= 13 && median <= 15:
		return "biweekly"
	case median >= 27 && median <= 31:
		return "monthly"
	}
	return fmt.Sprintf("about every %d days", median)
}
