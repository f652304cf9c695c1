// Package calendar holds the domain types shared across the pipeline:
// events, enriched events, categories, and analysis results.
package calendar

import "time"

// Category is a closed set of life domains an event can belong to.
type Category string

const (
	CategoryWork     Category = "work"
	CategoryStudy    Category = "study"
	CategoryHealth   Category = "health"
	CategoryErrands  Category = "errands"
	CategoryFamily   Category = "family"
	CategoryCreative Category = "creative"
	CategoryTravel   Category = "travel"
	CategoryLeisure  Category = "leisure"
	CategoryRoutine  Category = "routine"
	CategoryOther    Category = "other"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryWork, CategoryStudy, CategoryHealth, CategoryErrands,
	CategoryFamily, CategoryCreative, CategoryTravel, CategoryLeisure,
	CategoryRoutine, CategoryOther,
}

// Priority marks how urgent an event or query is.
type Priority string

const (
	PriorityRegular Priority = "regular"
	PriorityHigh    Priority = "high"
)

// Event is a normalized calendar event produced by the importer.
type Event struct {
	Calendar    string    `json:"calendar"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	AllDay      bool      `json:"all_day,omitempty"`
	Recurring   bool      `json:"recurring,omitempty"`
}

// Duration returns the event length.
func (e Event) Duration() time.Duration { return e.End.Sub(e.Start) }

// EnrichAttributes are the derived attributes attached by the enricher.
type EnrichAttributes struct {
	DurationMin        int      `json:"duration_min"`
	DayOfWeek          int      `json:"day_of_week"` // 1 = Monday .. 7 = Sunday
	HourOfDay          int      `json:"hour_of_day"`
	IsWorkingHours     bool     `json:"is_working_hours"`
	IsWeekend          bool     `json:"is_weekend"`
	Tags               []string `json:"tags,omitempty"`
	CategoryConfidence float64  `json:"category_confidence"`
}

// EnrichedEvent is an Event with classification and derived attributes.
type EnrichedEvent struct {
	Event
	Category Category         `json:"category"`
	Priority Priority         `json:"priority"`
	Attrs    EnrichAttributes `json:"attrs"`
}

// TimeWindow is the learned "usual hours" window for one category.
// Start and End are wall-clock times formatted "HH:MM".
type TimeWindow struct {
	Start      string  `json:"start"`
	End        string  `json:"end"`
	Confidence float64 `json:"confidence"`
	SampleSize int     `json:"sample_size"`
}

// DashboardAggregates summarize the trailing week of activity.
type DashboardAggregates struct {
	TotalEvents        int                `json:"total_events"`
	MeetingsHours      float64            `json:"meetings_hours"`
	FocusHours         float64            `json:"focus_hours"`
	ByCategory         map[string]float64 `json:"by_category"`
	BusiestDay         string             `json:"busiest_day,omitempty"`
	AverageDurationMin float64            `json:"average_duration_min"`
}

// HourCount is one entry of the productive-hours pattern.
type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// RecurringSeries describes an event title that repeats in the history.
type RecurringSeries struct {
	Name      string `json:"name"`
	Count     int    `json:"count"`
	Frequency string `json:"frequency"`
}

// Patterns are secondary observations extracted from the history.
type Patterns struct {
	MostProductiveHours  []HourCount        `json:"most_productive_hours,omitempty"`
	PreferredMeetingDays []string           `json:"preferred_meeting_days,omitempty"`
	AverageDayLoad       map[string]float64 `json:"average_day_load,omitempty"`
	RecurringEvents      []RecurringSeries  `json:"recurring_events,omitempty"`
	TimeDistribution     map[string]float64 `json:"time_distribution,omitempty"`
}

// Analysis is the analyzer's output: the analyzed calendar plus the
// learned per-category time windows and aggregate figures. It is
// immutable once produced and addressed only by its analyze hash.
type Analysis struct {
	TZ         string                  `json:"tz"`
	Events     []EnrichedEvent         `json:"events"`
	Windows    map[Category]TimeWindow `json:"windows"`
	Aggregates DashboardAggregates     `json:"aggregates"`
	Patterns   Patterns                `json:"patterns"`
}

// TimeSlot is a candidate interval for a new event.
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the slot length.
func (s TimeSlot) Duration() time.Duration { return s.End.Sub(s.Start) }

// Weekday1 converts time.Weekday to the 1=Monday..7=Sunday convention
// used throughout enrichment and analysis.
func Weekday1(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
