package recommender

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/tempo/internal/calendar"
)

// score rates a candidate in [0, 1] as the weighted sum of window
// alignment, working hours, proximity to now, and fragmentation, plus
// small week-shape adjustments. The rationale records which terms
// fired, in scoring order.
func (r *Recommender) score(c candidate, q Query, category calendar.Category, analysis *calendar.Analysis, now time.Time) (float64, []Reason) {
	var rationale []Reason
	var total float64

	// 1. Alignment with the learned category window.
	windowScore := 0.5
	if w, ok := analysis.Windows[category]; ok {
		winStart, okS := parseClock(w.Start)
		winEnd, okE := parseClock(w.End)
		if okS && okE {
			slotHour := float64(c.slot.Start.Hour()) + float64(c.slot.Start.Minute())/60
			if slotHour >= winStart && slotHour <= winEnd {
				windowScore = 1
				rationale = append(rationale, Reason{
					Code:   ReasonCategoryTimeMatch,
					Detail: fmt.Sprintf("matches your usual %s time %s-%s", category, w.Start, w.End),
				})
			} else {
				distance := winStart - slotHour
				if slotHour > winEnd {
					distance = slotHour - winEnd
				}
				windowScore = 1 - distance/12
				if windowScore < 0 {
					windowScore = 0
				}
				if windowScore < 0.5 {
					rationale = append(rationale, Reason{
						Code:   ReasonOutsideWindow,
						Detail: fmt.Sprintf("outside your usual %s time %s-%s", category, w.Start, w.End),
					})
				}
			}
		}
	}
	total += windowScore * r.opts.WeightWindow

	// 2. Working hours and weekend policy.
	hour := c.slot.Start.Hour()
	weekend := calendar.Weekday1(c.slot.Start) > 5
	workingScore := 0.3
	if hour >= r.opts.WorkDayStart && hour < r.opts.WorkDayEnd {
		workingScore = 1
		rationale = append(rationale, Reason{
			Code:   ReasonWithinWorkingHours,
			Detail: fmt.Sprintf("within the %02d:00-%02d:00 day", r.opts.WorkDayStart, r.opts.WorkDayEnd),
		})
	} else {
		rationale = append(rationale, Reason{
			Code:   ReasonOutsideWorkingHours,
			Detail: "outside the configured day window",
		})
	}
	if weekend {
		rationale = append(rationale, Reason{Code: ReasonWeekendSlot, Detail: "falls on a weekend"})
	}
	total += workingScore * r.opts.WeightWorkingHours

	// 3. Proximity to now, priority dependent.
	hoursUntil := c.slot.Start.Sub(now).Hours()
	var proximityScore float64
	if q.Priority == calendar.PriorityHigh {
		switch {
		case hoursUntil <= 4:
			proximityScore = 1
			rationale = append(rationale, Reason{Code: ReasonEarliestAvailable, Detail: "earliest available slot for a high priority event"})
		case hoursUntil <= 24:
			proximityScore = 0.8
			rationale = append(rationale, Reason{Code: ReasonSoonestSlot, Detail: "within the next day"})
		case hoursUntil <= 48:
			proximityScore = 0.6
		default:
			proximityScore = 1 - hoursUntil/168
			if proximityScore < 0 {
				proximityScore = 0
			}
		}
	} else {
		switch {
		case hoursUntil >= 24 && hoursUntil <= 72:
			proximityScore = 1
			rationale = append(rationale, Reason{Code: ReasonOptimalLeadTime, Detail: "one to three days of lead time"})
		case hoursUntil < 24:
			proximityScore = 0.7
			rationale = append(rationale, Reason{Code: ReasonSoonestSlot, Detail: "coming up soon"})
		default:
			proximityScore = 1 - (hoursUntil-72)/168
			if proximityScore < 0.3 {
				proximityScore = 0.3
			}
		}
	}
	total += proximityScore * r.opts.WeightProximity

	// 4. Fragmentation: what the placement leaves of the free block.
	leftover := c.block - c.slot.Duration()
	fragScore := 1.0
	if leftover == 0 || leftover >= r.opts.MinFreeBlock {
		rationale = append(rationale, Reason{Code: ReasonAvoidsFragmentation, Detail: "leaves the rest of the free block usable"})
	} else {
		fragScore = 0.2
		rationale = append(rationale, Reason{
			Code:   ReasonFragmentsFreeBlock,
			Detail: fmt.Sprintf("leaves an unusable %d minute remainder", int(leftover.Minutes())),
		})
	}
	total += fragScore * r.opts.WeightFragmentation

	// Week-shape adjustments.
	if calendar.Weekday1(c.slot.Start) == 1 && hour < 10 {
		total += 0.05
		rationale = append(rationale, Reason{Code: ReasonWeekStartPlanning, Detail: "start of the week suits planning"})
	}
	if calendar.Weekday1(c.slot.Start) == 5 && hour >= 16 {
		total -= 0.1
		rationale = append(rationale, Reason{Code: ReasonLateFriday, Detail: "late Friday slot"})
	}

	if total < 0 {
		total = 0
	}
	if total > 1 {
		total = 1
	}
	return total, rationale
}

// parseClock turns "HH:MM" into a fractional hour.
func parseClock(s string) (float64, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return float64(h) + float64(m)/60, true
}
