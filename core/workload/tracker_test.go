package workload

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"berkut-incidents/core/roster"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
)

type fakeData struct {
	users     []store.User
	incidents []store.Incident
	timeline  map[int64][]store.TimelineEvent
}

func (f *fakeData) ListStoreUsers(_ context.Context, _ string) ([]store.User, error) {
	return f.users, nil
}

func (f *fakeData) ListUserOpenIncidents(_ context.Context, userID int64) ([]store.Incident, error) {
	var res []store.Incident
	for _, inc := range f.incidents {
		if inc.AssignedTo != nil && *inc.AssignedTo == userID && inc.Status.IsActive() {
			res = append(res, inc)
		}
	}
	return res, nil
}

func (f *fakeData) ListIncidents(_ context.Context, filter store.IncidentFilter) ([]store.Incident, error) {
	var res []store.Incident
	for _, inc := range f.incidents {
		if inc.AssignedTo == nil || *inc.AssignedTo != filter.AssignedTo {
			continue
		}
		if filter.CreatedSince != nil && inc.CreatedAt.Before(*filter.CreatedSince) {
			continue
		}
		res = append(res, inc)
	}
	return res, nil
}

func (f *fakeData) ListTimeline(_ context.Context, incidentID int64) ([]store.TimelineEvent, error) {
	return f.timeline[incidentID], nil
}

func assigned(id, user int64, p store.Priority, st store.Status, created time.Time) store.Incident {
	return store.Incident{ID: id, AssignedTo: &user, Priority: p, Status: st, CreatedAt: created}
}

func TestScoreWeights(t *testing.T) {
	assert.Equal(t, 14, Score(2, 1, 0, 3))
	assert.Equal(t, 0, Score(0, 0, 0, 0))
	assert.Equal(t, 2, Score(0, 0, 1, 0))
}

func TestForUserCountsOnlyOpenWork(t *testing.T) {
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	data := &fakeData{
		users: []store.User{{ID: 7, Username: "ivan", Active: true, OnDuty: true}},
		incidents: []store.Incident{
			assigned(1, 7, store.PriorityCritical, store.StatusOpen, now.Add(-time.Hour)),
			assigned(2, 7, store.PriorityCritical, store.StatusInvestigating, now.Add(-time.Hour)),
			assigned(3, 7, store.PriorityHigh, store.StatusOpen, now.Add(-time.Hour)),
			assigned(4, 7, store.PriorityLow, store.StatusOpen, now.Add(-time.Hour)),
			assigned(5, 7, store.PriorityLow, store.StatusOpen, now.Add(-time.Hour)),
			assigned(6, 7, store.PriorityLow, store.StatusInvestigating, now.Add(-time.Hour)),
			assigned(8, 7, store.PriorityCritical, store.StatusResolved, now.Add(-time.Hour)),
			assigned(9, 8, store.PriorityCritical, store.StatusOpen, now.Add(-time.Hour)),
		},
	}
	tr := NewTracker(data, data, data, roster.NewStaticProvider(), utils.NewManualClock(now), 0)
	list, err := tr.StoreWorkloads(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	w := list[0]
	assert.Equal(t, 2, w.Critical)
	assert.Equal(t, 1, w.High)
	assert.Equal(t, 3, w.Low)
	assert.Equal(t, 14, w.Score)
	assert.True(t, w.Available)

	score, err := tr.OpenScore(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 14, score)
}

func TestAverageResponseWithinWindow(t *testing.T) {
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	created := now.Add(-2 * time.Hour)
	old := now.Add(-40 * 24 * time.Hour)
	data := &fakeData{
		incidents: []store.Incident{
			assigned(1, 7, store.PriorityLow, store.StatusResolved, created),
			assigned(2, 7, store.PriorityLow, store.StatusClosed, created),
			assigned(3, 7, store.PriorityLow, store.StatusClosed, old),
		},
		timeline: map[int64][]store.TimelineEvent{
			1: {
				{EventType: store.EventStatusChange, TriggeredBy: 7, Timestamp: created},
				assignEvent(t, 1, 7, created.Add(time.Minute)),
				{EventType: store.EventNoteAdded, TriggeredBy: 7, Timestamp: created.Add(3 * time.Minute)},
				{EventType: store.EventNoteAdded, TriggeredBy: 7, Timestamp: created.Add(30 * time.Minute)},
			},
			2: {
				{EventType: store.EventStatusChange, TriggeredBy: 1, Timestamp: created},
				assignEvent(t, 7, 7, created),
				{EventType: store.EventStatusChange, TriggeredBy: 7, Timestamp: created.Add(4 * time.Minute)},
			},
			3: {
				assignEvent(t, 1, 7, old),
				{EventType: store.EventNoteAdded, TriggeredBy: 7, Timestamp: old.Add(time.Hour)},
			},
		},
	}
	tr := NewTracker(data, data, data, nil, utils.NewManualClock(now), 30*24*time.Hour)
	w, err := tr.ForUser(context.Background(), store.User{ID: 7})
	require.NoError(t, err)
	require.NotNil(t, w.AvgResponseSec)
	assert.InDelta(t, 180.0, *w.AvgResponseSec, 0.001)
	assert.Equal(t, 0, w.Score)
}

func TestReporterEventsAreNotResponses(t *testing.T) {
	created := time.Date(2024, 5, 10, 7, 0, 0, 0, time.UTC)
	reported := []store.TimelineEvent{
		{EventType: store.EventStatusChange, TriggeredBy: 7, Timestamp: created},
		{EventType: store.EventNoteAdded, TriggeredBy: 7, Timestamp: created.Add(time.Minute)},
	}
	_, ok := responseTime(reported, 7)
	assert.False(t, ok, "no assignment, no sample")

	reported = append(reported, assignEvent(t, 1, 7, created.Add(10*time.Minute)),
		store.TimelineEvent{EventType: store.EventNoteAdded, TriggeredBy: 7, Timestamp: created.Add(25 * time.Minute)})
	d, ok := responseTime(reported, 7)
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, d)
}

func TestAverageResponseWithoutSamples(t *testing.T) {
	data := &fakeData{}
	tr := NewTracker(data, data, data, nil, nil, 0)
	w, err := tr.ForUser(context.Background(), store.User{ID: 3})
	require.NoError(t, err)
	assert.Nil(t, w.AvgResponseSec)
}

func assignEvent(t *testing.T, by, to int64, at time.Time) store.TimelineEvent {
	t.Helper()
	raw, err := json.Marshal(store.AssignmentDetails{To: to, Mode: store.AssignManual})
	require.NoError(t, err)
	return store.TimelineEvent{EventType: store.EventAssignment, TriggeredBy: by, Timestamp: at, Details: raw}
}
