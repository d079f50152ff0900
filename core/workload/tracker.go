// Package workload computes point-in-time responder load from open incidents.
package workload

import (
	"context"
	"time"

	"berkut-incidents/core/roster"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
)

type Roster interface {
	ListStoreUsers(ctx context.Context, storeID string) ([]store.User, error)
}

type Incidents interface {
	ListUserOpenIncidents(ctx context.Context, userID int64) ([]store.Incident, error)
	ListIncidents(ctx context.Context, filter store.IncidentFilter) ([]store.Incident, error)
}

type Timeline interface {
	ListTimeline(ctx context.Context, incidentID int64) ([]store.TimelineEvent, error)
}

type UserWorkload struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Critical int    `json:"critical"`
	High     int    `json:"high"`
	Medium   int    `json:"medium"`
	Low      int    `json:"low"`
	Score    int    `json:"score"`
	// AvgResponseSec is the mean time from incident creation to the user's first
	// timeline activity over the trailing window; nil without samples.
	AvgResponseSec *float64 `json:"avg_response_sec,omitempty"`
	Online         bool     `json:"online"`
	Available      bool     `json:"available"`
}

// Score is 4 x critical + 3 x high + 2 x medium + 1 x low.
func Score(critical, high, medium, low int) int {
	return 4*critical + 3*high + 2*medium + low
}

type Tracker struct {
	users        Roster
	incidents    Incidents
	timeline     Timeline
	availability roster.AvailabilityProvider
	clock        utils.Clock
	window       time.Duration
}

func NewTracker(users Roster, incidents Incidents, timeline Timeline, availability roster.AvailabilityProvider, clock utils.Clock, responseWindow time.Duration) *Tracker {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if availability == nil {
		availability = roster.NewStaticProvider()
	}
	if responseWindow <= 0 {
		responseWindow = 30 * 24 * time.Hour
	}
	return &Tracker{users: users, incidents: incidents, timeline: timeline, availability: availability, clock: clock, window: responseWindow}
}

// OpenScore returns the weighted score of the user's open incidents only.
func (t *Tracker) OpenScore(ctx context.Context, userID int64) (int, error) {
	items, err := t.incidents.ListUserOpenIncidents(ctx, userID)
	if err != nil {
		return 0, err
	}
	var w UserWorkload
	tally(&w, items)
	return w.Score, nil
}

func (t *Tracker) ForUser(ctx context.Context, u store.User) (UserWorkload, error) {
	w := UserWorkload{UserID: u.ID, Username: u.Username}
	items, err := t.incidents.ListUserOpenIncidents(ctx, u.ID)
	if err != nil {
		return w, err
	}
	tally(&w, items)
	avail, err := t.availability.Availability(ctx, u)
	if err != nil {
		return w, err
	}
	w.Online = avail.Online
	w.Available = avail.Available
	w.AvgResponseSec, err = t.avgResponse(ctx, u.ID)
	return w, err
}

// StoreWorkloads returns one entry per roster member of the store, in roster order.
func (t *Tracker) StoreWorkloads(ctx context.Context, storeID string) ([]UserWorkload, error) {
	users, err := t.users.ListStoreUsers(ctx, storeID)
	if err != nil {
		return nil, err
	}
	res := make([]UserWorkload, 0, len(users))
	for _, u := range users {
		w, err := t.ForUser(ctx, u)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

func tally(w *UserWorkload, items []store.Incident) {
	for _, inc := range items {
		if !inc.Status.IsActive() {
			continue
		}
		switch inc.Priority {
		case store.PriorityCritical:
			w.Critical++
		case store.PriorityHigh:
			w.High++
		case store.PriorityMedium:
			w.Medium++
		case store.PriorityLow:
			w.Low++
		}
	}
	w.Score = Score(w.Critical, w.High, w.Medium, w.Low)
}

func (t *Tracker) avgResponse(ctx context.Context, userID int64) (*float64, error) {
	since := t.clock.Now().Add(-t.window)
	items, err := t.incidents.ListIncidents(ctx, store.IncidentFilter{AssignedTo: userID, CreatedSince: &since})
	if err != nil {
		return nil, err
	}
	var total float64
	var samples int
	for _, inc := range items {
		events, err := t.timeline.ListTimeline(ctx, inc.ID)
		if err != nil {
			return nil, err
		}
		if d, ok := responseTime(events, userID); ok {
			total += d.Seconds()
			samples++
		}
	}
	if samples == 0 {
		return nil, nil
	}
	avg := total / float64(samples)
	return &avg, nil
}

// responseTime is the delay between the user's first assignment to the incident and
// their first own timeline event after it. Events before the assignment, such as
// reporting the incident, do not count.
func responseTime(events []store.TimelineEvent, userID int64) (time.Duration, bool) {
	var assignedAt time.Time
	for _, ev := range events {
		if ev.EventType == store.EventAssignment {
			var d store.AssignmentDetails
			if assignedAt.IsZero() && ev.DecodeDetails(&d) == nil && d.To == userID {
				assignedAt = ev.Timestamp
			}
			continue
		}
		if assignedAt.IsZero() || ev.TriggeredBy != userID || ev.Timestamp.Before(assignedAt) {
			continue
		}
		return ev.Timestamp.Sub(assignedAt), true
	}
	return 0, false
}
