package importer

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/tempo/internal/calendar"
)

// property is one unfolded content line: NAME;PARAM=V;...:value.
type property struct {
	name   string
	params map[string]string
	value  string
}

// parseICS extracts the VEVENTs from an ICS payload. Events carrying
// an RRULE are expanded when expandRecurring is set, otherwise the
// master occurrence is kept as-is.
func parseICS(ics string, tz *time.Location, expandRecurring bool, windowStart, windowEnd time.Time) ([]calendar.Event, error) {
	lines := unfoldLines(ics)
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "BEGIN:VCALENDAR") {
		return nil, fmt.Errorf("%w: not an ICS payload", ErrImport)
	}

	calendarName := "Calendar"
	var events []calendar.Event
	var current []property
	inEvent := false

	for _, line := range lines {
		prop, ok := parseProperty(line)
		if !ok {
			continue
		}
		switch {
		case prop.name == "BEGIN" && prop.value == "VEVENT":
			inEvent = true
			current = current[:0]
		case prop.name == "END" && prop.value == "VEVENT":
			inEvent = false
			ev, rrule, ok := buildEvent(current, calendarName, tz)
			if !ok {
				continue
			}
			if rrule != "" && expandRecurring {
				events = append(events, expandRRule(rrule, ev, windowStart, windowEnd)...)
				continue
			}
			if intersects(ev.Start, ev.End, windowStart, windowEnd) {
				events = append(events, ev)
			}
		case inEvent:
			current = append(current, prop)
		case prop.name == "X-WR-CALNAME":
			calendarName = prop.value
		}
	}

	return events, nil
}

// unfoldLines splits the payload into content lines, joining folded
// continuations (lines starting with space or tab) per RFC 5545.
func unfoldLines(ics string) []string {
	raw := strings.Split(strings.ReplaceAll(ics, "\r\n", "\n"), "\n")
	var lines []string
	for _, l := range raw {
		if l == "" {
			continue
		}
		if (l[0] == ' ' || l[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += l[1:]
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func parseProperty(line string) (property, bool) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return property{}, false
	}
	head, value := line[:colon], line[colon+1:]

	parts := strings.Split(head, ";")
	p := property{name: strings.ToUpper(parts[0]), value: value}
	if len(parts) > 1 {
		p.params = make(map[string]string, len(parts)-1)
		for _, param := range parts[1:] {
			if eq := strings.Index(param, "="); eq > 0 {
				p.params[strings.ToUpper(param[:eq])] = param[eq+1:]
			}
		}
	}
	return p, true
}

// buildEvent assembles one VEVENT. The returned rrule is the raw RRULE
// value, empty for non-recurring events.
func buildEvent(props []property, calendarName string, tz *time.Location) (calendar.Event, string, bool) {
	ev := calendar.Event{Calendar: calendarName}
	var rrule string
	var dtstart, dtend *property

	for i := range props {
		p := props[i]
		switch p.name {
		case "SUMMARY":
			ev.Summary = unescapeText(p.value)
		case "DESCRIPTION":
			ev.Description = unescapeText(p.value)
		case "ATTENDEE":
			ev.Attendees = append(ev.Attendees, attendeeName(p))
		case "DTSTART":
			dtstart = &props[i]
		case "DTEND":
			dtend = &props[i]
		case "RRULE":
			rrule = p.value
		}
	}

	if dtstart == nil {
		return calendar.Event{}, "", false
	}

	allDay := dtstart.params["VALUE"] == "DATE" || len(dtstart.value) == 8
	if allDay {
		start, err := time.ParseInLocation("20060102", dtstart.value, tz)
		if err != nil {
			return calendar.Event{}, "", false
		}
		ev.Start = start
		ev.End = start.AddDate(0, 0, 1)
		if dtend != nil {
			if end, err := time.ParseInLocation("20060102", dtend.value, tz); err == nil {
				ev.End = end
			}
		}
		ev.AllDay = true
		return ev, rrule, true
	}

	start, ok := parseICSTime(*dtstart, tz)
	if !ok {
		return calendar.Event{}, "", false
	}
	ev.Start = start
	ev.End = start.Add(time.Hour)
	if dtend != nil {
		if end, ok := parseICSTime(*dtend, tz); ok {
			ev.End = end
		}
	}
	return ev, rrule, true
}

// parseICSTime handles the DATE-TIME forms: UTC (trailing Z), a TZID
// parameter, or a floating time in the request timezone.
func parseICSTime(p property, tz *time.Location) (time.Time, bool) {
	v := p.value
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		if err != nil {
			return time.Time{}, false
		}
		return t.In(tz), true
	}
	loc := tz
	if tzid, ok := p.params["TZID"]; ok {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// attendeeName prefers the CN parameter, falling back to the stripped
// mailto address.
func attendeeName(p property) string {
	if cn, ok := p.params["CN"]; ok && cn != "" {
		return strings.Trim(cn, `"`)
	}
	return strings.TrimPrefix(strings.ToLower(p.value), "mailto:")
}

func unescapeText(s string) string {
	r := strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return r.Replace(s)
}

// intersects reports whether [start, end) overlaps [windowStart, windowEnd).
func intersects(start, end, windowStart, windowEnd time.Time) bool {
	return end.After(windowStart) && start.Before(windowEnd)
}
