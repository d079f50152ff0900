package escalation

import (
	"fmt"
	"time"

	"berkut-incidents/core/store"
)

const (
	TriggerUnassigned     = "unassigned_duration"
	TriggerStatusDuration = "status_duration"
	TriggerPriority       = "priority"
	TriggerNoResponse     = "no_response"
)

// Firing is one satisfied trigger. Since marks when the triggering condition began.
type Firing struct {
	Trigger string
	Since   time.Time
}

// Evaluate returns every trigger of t satisfied by inc at now. A rule fires when
// the result is non-empty.
func Evaluate(t store.EscalationTriggers, inc store.Incident, timeline []store.TimelineEvent, now time.Time) ([]Firing, error) {
	var res []Firing
	if t.UnassignedMinutes != nil {
		d, err := minutes(TriggerUnassigned, *t.UnassignedMinutes)
		if err != nil {
			return nil, err
		}
		if !inc.IsAssigned() && now.Sub(inc.CreatedAt) >= d {
			res = append(res, Firing{Trigger: TriggerUnassigned, Since: inc.CreatedAt})
		}
	}
	for _, sd := range t.StatusDurations {
		st, ok := store.ParseStatus(string(sd.Status))
		if !ok {
			return nil, fmt.Errorf("unknown status %q", sd.Status)
		}
		d, err := minutes(TriggerStatusDuration, sd.Minutes)
		if err != nil {
			return nil, err
		}
		if inc.Status != st {
			continue
		}
		entered := enteredStatus(inc, timeline, st)
		if now.Sub(entered) >= d {
			res = append(res, Firing{Trigger: TriggerStatusDuration + ":" + string(st), Since: entered})
		}
	}
	if len(t.Priorities) > 0 {
		hit := false
		for _, raw := range t.Priorities {
			p, ok := store.ParsePriority(string(raw))
			if !ok {
				return nil, fmt.Errorf("unknown priority %q", raw)
			}
			if p == inc.Priority {
				hit = true
			}
		}
		if hit {
			res = append(res, Firing{Trigger: TriggerPriority, Since: enteredPriority(inc, timeline)})
		}
	}
	if t.NoResponseMinutes != nil {
		d, err := minutes(TriggerNoResponse, *t.NoResponseMinutes)
		if err != nil {
			return nil, err
		}
		if inc.IsAssigned() {
			last := lastActivity(inc, timeline, *inc.AssignedTo)
			if now.Sub(last) >= d {
				res = append(res, Firing{Trigger: TriggerNoResponse, Since: last})
			}
		}
	}
	return res, nil
}

func minutes(name string, m int) (time.Duration, error) {
	if m < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return time.Duration(m) * time.Minute, nil
}

// enteredStatus is the time of the latest status change into st, or creation.
func enteredStatus(inc store.Incident, timeline []store.TimelineEvent, st store.Status) time.Time {
	at := inc.CreatedAt
	for _, ev := range timeline {
		if ev.EventType != store.EventStatusChange {
			continue
		}
		var d store.StatusChangeDetails
		if err := ev.DecodeDetails(&d); err == nil && d.To == st {
			at = ev.Timestamp
		}
	}
	return at
}

// enteredPriority is the time the incident last moved to its current priority, or creation.
func enteredPriority(inc store.Incident, timeline []store.TimelineEvent) time.Time {
	at := inc.CreatedAt
	for _, ev := range timeline {
		if ev.EventType != store.EventEscalation {
			continue
		}
		var d store.EscalationDetails
		if err := ev.DecodeDetails(&d); err == nil && d.NewPriority == inc.Priority && d.OldPriority != d.NewPriority {
			at = ev.Timestamp
		}
	}
	return at
}

// lastActivity is the assignee's latest own timeline event, falling back to the
// time the incident was handed to them.
func lastActivity(inc store.Incident, timeline []store.TimelineEvent, userID int64) time.Time {
	at := inc.CreatedAt
	for _, ev := range timeline {
		if ev.TriggeredBy == userID && userID != store.SystemActor {
			at = ev.Timestamp
			continue
		}
		if ev.EventType == store.EventAssignment {
			var d store.AssignmentDetails
			if err := ev.DecodeDetails(&d); err == nil && d.To == userID {
				at = ev.Timestamp
			}
		}
	}
	return at
}

// alreadyFired reports whether the rule recorded an escalation for trigger at or after since.
func alreadyFired(ruleID int64, f Firing, timeline []store.TimelineEvent) bool {
	for _, ev := range timeline {
		if ev.EventType != store.EventEscalation || ev.Timestamp.Before(f.Since) {
			continue
		}
		var d store.EscalationDetails
		if err := ev.DecodeDetails(&d); err != nil || d.RuleID != ruleID {
			continue
		}
		for _, t := range d.Triggers {
			if t == f.Trigger {
				return true
			}
		}
	}
	return false
}
