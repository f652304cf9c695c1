// Package recommender searches the scheduling horizon for free slots
// and ranks them for a user query. It is a pure function of the
// analysis, the query, and the current time; it owns no state.
package recommender

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kalambet/tempo/internal/calendar"
	"github.com/kalambet/tempo/internal/enricher"
)

// Options hold the search and scoring knobs. The four weights should
// sum to 1 so scores stay inside [0, 1] before bonuses.
type Options struct {
	SearchDays      int
	MaxAlternatives int
	WorkDayStart    int
	WorkDayEnd      int
	IncludeWeekends bool
	BufferBefore    time.Duration
	BufferAfter     time.Duration
	MinFreeBlock    time.Duration

	WeightWindow        float64
	WeightWorkingHours  float64
	WeightProximity     float64
	WeightFragmentation float64
}

// Query describes the event the user wants to place. Category is
// derived from Summary when empty.
type Query struct {
	Summary     string            `json:"summary"`
	DurationMin int               `json:"duration_min"`
	Category    calendar.Category `json:"category,omitempty"`
	Priority    calendar.Priority `json:"priority_type,omitempty"`
}

// Reason is one machine-checkable rationale entry. Code is stable and
// testable; Detail is the human reading of it.
type Reason struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Rationale codes.
const (
	ReasonCategoryTimeMatch   = "category_time_match"
	ReasonOutsideWindow       = "outside_preferred_window"
	ReasonWithinWorkingHours  = "within_working_hours"
	ReasonOutsideWorkingHours = "outside_working_hours"
	ReasonWeekendSlot         = "weekend_slot"
	ReasonEarliestAvailable   = "earliest_available"
	ReasonSoonestSlot         = "soonest_slot"
	ReasonOptimalLeadTime     = "optimal_lead_time"
	ReasonAvoidsFragmentation = "avoids_fragmentation"
	ReasonFragmentsFreeBlock  = "fragments_free_block"
	ReasonWeekStartPlanning   = "week_start_planning"
	ReasonLateFriday          = "late_friday"
)

// Recommendation is one scored slot. Rank 0 is the top pick.
type Recommendation struct {
	Slot      calendar.TimeSlot `json:"slot"`
	Score     float64           `json:"score"`
	Rank      int               `json:"rank"`
	Rationale []Reason          `json:"rationale"`
}

// SearchStats describe the slot search itself.
type SearchStats struct {
	SlotsFound        int `json:"slots_found"`
	SlotsEvaluated    int `json:"slots_evaluated"`
	SearchDays        int `json:"search_days"`
	DurationRequested int `json:"duration_requested"`
}

// Result is the full recommendation set. Recommendation is nil when
// the horizon holds no viable slot; that is a valid outcome, not an
// error.
type Result struct {
	Recommendation *Recommendation   `json:"recommendation,omitempty"`
	Alternatives   []Recommendation  `json:"alternatives"`
	Conflicts      []string          `json:"conflicts_found"`
	Stats          SearchStats       `json:"search_stats"`
	Category       calendar.Category `json:"category"`
}

// Recommender scores free slots against the learned analysis.
type Recommender struct {
	opts Options
	now  func() time.Time
}

func New(opts Options) *Recommender {
	return &Recommender{opts: opts, now: time.Now}
}

// candidate pairs a slot with the free block it was cut from, so the
// fragmentation term can see what placing the event leaves behind.
type candidate struct {
	slot  calendar.TimeSlot
	block time.Duration
}

// Recommend searches the horizon and returns the ranked set.
func (r *Recommender) Recommend(ctx context.Context, analysis *calendar.Analysis, q Query) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.DurationMin <= 0 {
		return nil, fmt.Errorf("duration_min must be positive, got %d", q.DurationMin)
	}

	tz := time.UTC
	if loc, err := time.LoadLocation(analysis.TZ); err == nil {
		tz = loc
	}
	now := r.now().In(tz)

	category := q.Category
	if category == "" {
		category, _ = enricher.Classify(calendar.Event{Summary: q.Summary})
	}

	duration := time.Duration(q.DurationMin) * time.Minute
	candidates := r.freeSlots(analysis.Events, now, duration)

	res := &Result{
		Category: category,
		Stats: SearchStats{
			SlotsFound:        len(candidates),
			SearchDays:        r.opts.SearchDays,
			DurationRequested: q.DurationMin,
		},
		Alternatives: []Recommendation{},
		Conflicts:    []string{},
	}
	if len(candidates) == 0 {
		return res, nil
	}

	scored := make([]Recommendation, 0, len(candidates))
	for _, c := range candidates {
		score, rationale := r.score(c, q, category, analysis, now)
		scored = append(scored, Recommendation{Slot: c.slot, Score: score, Rationale: rationale})
	}
	res.Stats.SlotsEvaluated = len(scored)

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Slot.Start.Before(scored[j].Slot.Start)
	})

	for i := range scored {
		scored[i].Rank = i
	}

	res.Recommendation = &scored[0]
	n := r.opts.MaxAlternatives
	if n > len(scored)-1 {
		n = len(scored) - 1
	}
	res.Alternatives = scored[1 : 1+n]
	res.Conflicts = r.conflicts(scored[0].Slot, analysis.Events)

	return res, nil
}

// Candidate starts are enumerated on this grid inside each free gap,
// so a slot deep in a free day can still win on window alignment.
const slotStep = 30 * time.Minute

// freeSlots walks the horizon day by day, cutting candidate slots out
// of the gaps between buffered busy intervals inside working hours.
func (r *Recommender) freeSlots(events []calendar.EnrichedEvent, now time.Time, duration time.Duration) []candidate {
	busy := r.mergedBusy(events, now)

	var out []candidate
	emit := func(gapStart, gapEnd time.Time) {
		for t := gapStart; !t.Add(duration).After(gapEnd); t = t.Add(slotStep) {
			out = append(out, candidate{
				slot:  calendar.TimeSlot{Start: t, End: t.Add(duration)},
				block: gapEnd.Sub(t),
			})
		}
	}

	for day := 0; day < r.opts.SearchDays; day++ {
		dayBase := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, day)
		if !r.opts.IncludeWeekends && calendar.Weekday1(dayBase) > 5 {
			continue
		}

		dayStart := dayBase.Add(time.Duration(r.opts.WorkDayStart) * time.Hour)
		dayEnd := dayBase.Add(time.Duration(r.opts.WorkDayEnd) * time.Hour)
		if day == 0 {
			// Leave a little runway before the first slot today.
			if soonest := now.Add(30 * time.Minute); soonest.After(dayStart) {
				dayStart = soonest
			}
		}
		if !dayEnd.After(dayStart) {
			continue
		}

		cursor := dayStart
		for _, b := range busy {
			if !b.end.After(cursor) || !b.start.Before(dayEnd) {
				continue
			}
			if cursor.Before(b.start) {
				gapEnd := b.start
				if gapEnd.After(dayEnd) {
					gapEnd = dayEnd
				}
				emit(cursor, gapEnd)
			}
			if b.end.After(cursor) {
				cursor = b.end
			}
		}
		if cursor.Before(dayEnd) {
			emit(cursor, dayEnd)
		}
	}
	return out
}

type interval struct {
	start, end time.Time
}

// mergedBusy pads every upcoming event with the configured buffers and
// merges the overlaps into a sorted busy list.
func (r *Recommender) mergedBusy(events []calendar.EnrichedEvent, now time.Time) []interval {
	var busy []interval
	for _, ev := range events {
		if ev.End.Before(now) {
			continue
		}
		busy = append(busy, interval{
			start: ev.Start.Add(-r.opts.BufferBefore),
			end:   ev.End.Add(r.opts.BufferAfter),
		})
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].start.Before(busy[j].start) })

	var merged []interval
	for _, b := range busy {
		if n := len(merged); n > 0 && !b.start.After(merged[n-1].end) {
			if b.end.After(merged[n-1].end) {
				merged[n-1].end = b.end
			}
			continue
		}
		merged = append(merged, b)
	}
	return merged
}

// conflicts flags advisory tightness around the chosen slot: events
// closer than 30 minutes and days that are already crowded.
func (r *Recommender) conflicts(slot calendar.TimeSlot, events []calendar.EnrichedEvent) []string {
	conflicts := []string{}
	for _, ev := range events {
		before := slot.Start.Sub(ev.End)
		after := ev.Start.Sub(slot.End)
		if before > 0 && before < 30*time.Minute {
			conflicts = append(conflicts, fmt.Sprintf("only %d minutes after %q", int(before.Minutes()), ev.Summary))
		} else if after > 0 && after < 30*time.Minute {
			conflicts = append(conflicts, fmt.Sprintf("only %d minutes before %q", int(after.Minutes()), ev.Summary))
		}
	}

	y, m, d := slot.Start.Date()
	dayCount := 0
	for _, ev := range events {
		ey, em, ed := ev.Start.In(slot.Start.Location()).Date()
		if ey == y && em == m && ed == d {
			dayCount++
		}
	}
	if dayCount >= 5 {
		conflicts = append(conflicts, fmt.Sprintf("day already has %d events", dayCount))
	}
	return conflicts
}
