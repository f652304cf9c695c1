// Package enricher classifies imported events into categories and
// attaches derived attributes. Classification is keyword rules plus
// time-of-day and attendee heuristics; the same input always yields
// the same output.
package enricher

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/tempo/internal/calendar"
)

// Request carries one enrichment invocation. UseLLM is carried through
// for cache keying but classification is always rule based.
type Request struct {
	TZ     string           `json:"tz"`
	Events []calendar.Event `json:"events"`
	UseLLM bool             `json:"use_llm"`
}

// Stats summarize one enrichment.
type Stats struct {
	TotalEvents            int            `json:"total_events"`
	ClassifiedByRules      int            `json:"classified_by_rules"`
	ClassificationFailures int            `json:"classification_failures"`
	EventTypes             map[string]int `json:"event_types"`
}

// Result is the enrich stage output.
type Result struct {
	TZ     string                   `json:"tz"`
	Events []calendar.EnrichedEvent `json:"events"`
	Stats  Stats                    `json:"enrichment_stats"`
}

// Enricher is the enrich stage.
type Enricher struct{}

func New() *Enricher { return &Enricher{} }

// Enrich classifies every event and computes its derived attributes.
func (en *Enricher) Enrich(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{
		TZ:     req.TZ,
		Events: make([]calendar.EnrichedEvent, 0, len(req.Events)),
		Stats: Stats{
			TotalEvents: len(req.Events),
			EventTypes:  make(map[string]int),
		},
	}

	for _, ev := range req.Events {
		category, confidence := Classify(ev)
		if category == calendar.CategoryOther {
			res.Stats.ClassificationFailures++
		} else {
			res.Stats.ClassifiedByRules++
		}

		res.Events = append(res.Events, calendar.EnrichedEvent{
			Event:    ev,
			Category: category,
			Priority: determinePriority(ev),
			Attrs:    attributes(ev, confidence),
		})
		res.Stats.EventTypes[string(category)]++
	}

	return res, nil
}

func eventText(ev calendar.Event) string {
	return strings.ToLower(ev.Summary + " " + ev.Description)
}

// Classify scores each category by keyword hits plus heuristics and
// returns the best one with a confidence in [0, 1]. It is also used by
// the recommender to derive the target category of a query.
func Classify(ev calendar.Event) (calendar.Category, float64) {
	text := eventText(ev)

	scores := make(map[calendar.Category]float64)
	for category, keywords := range categoryKeywords {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				scores[category]++
			}
		}
	}

	boost := func(c calendar.Category, by float64) {
		if _, hit := scores[c]; hit {
			scores[c] += by
		}
	}

	hour := ev.Start.Hour()
	switch {
	case hour >= 6 && hour < 9:
		// Early events lean toward exercise and routines.
		boost(calendar.CategoryHealth, 1)
		boost(calendar.CategoryRoutine, 1)
	case hour >= 9 && hour < 18 && calendar.Weekday1(ev.Start) <= 5:
		boost(calendar.CategoryWork, 1)
	case hour >= 18 && hour < 22:
		boost(calendar.CategoryStudy, 0.5)
		boost(calendar.CategoryFamily, 0.5)
		boost(calendar.CategoryLeisure, 0.5)
	}

	if len(ev.Attendees) > 2 {
		boost(calendar.CategoryWork, 1)
	}

	if len(scores) == 0 {
		return calendar.CategoryOther, 0
	}

	best := calendar.CategoryOther
	bestScore := 0.0
	// Category order breaks score ties deterministically.
	for _, category := range calendar.Categories {
		if s, hit := scores[category]; hit && s > bestScore {
			best, bestScore = category, s
		}
	}

	// The denominator leaves headroom for the heuristic boosts.
	confidence := bestScore / float64(len(categoryKeywords[best])+3)
	if confidence > 1 {
		confidence = 1
	}
	return best, confidence
}

// determinePriority flags urgent keywords, large meetings, and
// off-hours events that are not routines.
func determinePriority(ev calendar.Event) calendar.Priority {
	text := eventText(ev)
	for _, kw := range highPriorityKeywords {
		if strings.Contains(text, kw) {
			return calendar.PriorityHigh
		}
	}

	if len(ev.Attendees) > 5 {
		return calendar.PriorityHigh
	}

	hour := ev.Start.Hour()
	if (hour < 8 || hour > 20) && !strings.Contains(text, "routine") {
		return calendar.PriorityHigh
	}

	return calendar.PriorityRegular
}

func attributes(ev calendar.Event, confidence float64) calendar.EnrichAttributes {
	dow := calendar.Weekday1(ev.Start)
	hour := ev.Start.Hour()
	return calendar.EnrichAttributes{
		DurationMin:        int(ev.Duration() / time.Minute),
		DayOfWeek:          dow,
		HourOfDay:          hour,
		IsWorkingHours:     hour >= 9 && hour < 18 && dow <= 5,
		IsWeekend:          dow > 5,
		Tags:               extractTags(ev),
		CategoryConfidence: confidence,
	}
}

var hashtagRe = regexp.MustCompile(`#(\w+)`)

const maxTags = 10

// extractTags collects hashtags plus the meeting/online/deadline
// markers, deduplicated and sorted.
func extractTags(ev calendar.Event) []string {
	text := eventText(ev)

	set := make(map[string]struct{})
	for _, m := range hashtagRe.FindAllStringSubmatch(text, -1) {
		set[m[1]] = struct{}{}
	}
	if len(ev.Attendees) > 0 {
		set["meeting"] = struct{}{}
	}
	if strings.Contains(text, "online") || strings.Contains(text, "zoom") || strings.Contains(text, "teams") {
		set["online"] = struct{}{}
	}
	if strings.Contains(text, "deadline") {
		set["deadline"] = struct{}{}
	}

	if len(set) == 0 {
		return nil
	}
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags
}
