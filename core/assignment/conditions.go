package assignment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"berkut-incidents/core/store"
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// Matches reports whether every condition set on the rule holds for inc at now.
// Unset conditions match anything. The whole rule is validated before any condition
// is tested, so a malformed rule errors for every incident.
func Matches(rule store.AssignmentRule, inc store.Incident, now time.Time) (bool, error) {
	if rule.LoadErr != nil {
		return false, rule.LoadErr
	}
	c, err := compile(rule.Conditions)
	if err != nil {
		return false, err
	}
	if len(c.types) > 0 && !c.types[inc.Type] {
		return false, nil
	}
	if len(c.priorities) > 0 && !c.priorities[inc.Priority] {
		return false, nil
	}
	local := now.In(c.loc)
	if c.window {
		m := local.Hour()*60 + local.Minute()
		switch {
		case c.start == c.end:
		case c.start < c.end:
			if m < c.start || m >= c.end {
				return false, nil
			}
		default:
			if m < c.start && m >= c.end {
				return false, nil
			}
		}
	}
	if len(c.days) > 0 && !c.days[local.Weekday()] {
		return false, nil
	}
	if len(c.keywords) > 0 {
		text := strings.ToLower(inc.Title + "\n" + inc.Description)
		for _, kw := range c.keywords {
			if strings.Contains(text, kw) {
				return true, nil
			}
		}
		return false, nil
	}
	return true, nil
}

type conditions struct {
	types      map[store.IncidentType]bool
	priorities map[store.Priority]bool
	loc        *time.Location
	// window is [start, end) in minutes of day; start after end wraps past midnight.
	window     bool
	start, end int
	days       map[time.Weekday]bool
	keywords   []string
}

func compile(raw store.AssignmentConditions) (*conditions, error) {
	c := &conditions{loc: time.UTC}
	for _, v := range raw.IncidentTypes {
		t, ok := store.ParseIncidentType(string(v))
		if !ok {
			return nil, fmt.Errorf("unknown incident type %q", v)
		}
		if c.types == nil {
			c.types = map[store.IncidentType]bool{}
		}
		c.types[t] = true
	}
	for _, v := range raw.Priorities {
		p, ok := store.ParsePriority(string(v))
		if !ok {
			return nil, fmt.Errorf("unknown priority %q", v)
		}
		if c.priorities == nil {
			c.priorities = map[store.Priority]bool{}
		}
		c.priorities[p] = true
	}
	if w := raw.TimeWindow; w != nil {
		if tz := strings.TrimSpace(w.Timezone); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("time window timezone: %w", err)
			}
			c.loc = loc
		}
		var err error
		if c.start, err = minuteOfDay(w.Start); err != nil {
			return nil, fmt.Errorf("time window start: %w", err)
		}
		if c.end, err = minuteOfDay(w.End); err != nil {
			return nil, fmt.Errorf("time window end: %w", err)
		}
		c.window = true
	}
	for _, v := range raw.DaysOfWeek {
		day, ok := weekdays[strings.ToLower(strings.TrimSpace(v))]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", v)
		}
		if c.days == nil {
			c.days = map[time.Weekday]bool{}
		}
		c.days[day] = true
	}
	for _, kw := range raw.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			c.keywords = append(c.keywords, kw)
		}
	}
	return c, nil
}

func minuteOfDay(raw string) (int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", raw)
	}
	return h*60 + m, nil
}
