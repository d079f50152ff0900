// Package incidents owns every incident mutation: lifecycle, assignment,
// evidence and escalation all pass through Service so the timeline stays complete.
package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"berkut-incidents/core/assignment"
	"berkut-incidents/core/incerr"
	"berkut-incidents/core/notify"
	"berkut-incidents/core/roster"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
	"berkut-incidents/core/workload"
)

type Deps struct {
	Incidents store.IncidentsStore
	Timeline  store.TimelineStore
	Evidence  store.EvidenceStore
	Users     store.UsersStore
	Assigner  *assignment.Engine
	Workload  *workload.Tracker
	Roles     *roster.RoleResolver
	Gateway   notify.Gateway
	Clock     utils.Clock
	Logger    *utils.Logger
}

type Service struct {
	incidents store.IncidentsStore
	timeline  store.TimelineStore
	evidence  store.EvidenceStore
	users     store.UsersStore
	assigner  *assignment.Engine
	workload  *workload.Tracker
	roles     *roster.RoleResolver
	gateway   notify.Gateway
	clock     utils.Clock
	logger    *utils.Logger
	locks     *keyedMutex
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = utils.SystemClock{}
	}
	if d.Gateway == nil {
		d.Gateway = notify.NewLogGateway(d.Logger)
	}
	return &Service{
		incidents: d.Incidents,
		timeline:  d.Timeline,
		evidence:  d.Evidence,
		users:     d.Users,
		assigner:  d.Assigner,
		workload:  d.Workload,
		roles:     d.Roles,
		gateway:   d.Gateway,
		clock:     d.Clock,
		logger:    d.Logger,
		locks:     newKeyedMutex(),
	}
}

func (s *Service) load(ctx context.Context, id int64) (*store.Incident, error) {
	inc, err := s.incidents.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, incerr.NotFound("incident %d", id)
	}
	return inc, nil
}

// stamp returns the time for the next timeline event of inc, never earlier than
// anything already on its timeline.
func (s *Service) stamp(ctx context.Context, inc *store.Incident) (time.Time, error) {
	now := s.clock.Now().UTC()
	if inc.UpdatedAt.After(now) {
		now = inc.UpdatedAt
	}
	events, err := s.timeline.ListTimeline(ctx, inc.ID)
	if err != nil {
		return now, err
	}
	if n := len(events); n > 0 && events[n-1].Timestamp.After(now) {
		now = events[n-1].Timestamp
	}
	return now, nil
}

func (s *Service) save(ctx context.Context, inc *store.Incident, events ...*store.TimelineEvent) error {
	if err := s.incidents.UpdateIncident(ctx, inc, inc.Version, events...); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("incident %d changed concurrently: %w", inc.ID, err)
		}
		return err
	}
	return nil
}

func (s *Service) publish(ctx context.Context, inc *store.Incident, ev notify.Event) {
	ev.StoreID = inc.StoreID
	ev.Title = inc.Title
	ev.Priority = string(inc.Priority)
	ev.Status = string(inc.Status)
	if err := s.gateway.Publish(ctx, inc.StoreID, ev); err != nil {
		s.logger.Errorw("notification publish failed", "incident_id", inc.ID, "store_id", inc.StoreID, "type", ev.Type, "error", err)
	}
}

func newEvent(eventType, description string, actor int64, at time.Time, details any) *store.TimelineEvent {
	ev := &store.TimelineEvent{EventType: eventType, Description: description, TriggeredBy: actor, Timestamp: at}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			ev.Details = raw
		}
	}
	return ev
}

// checkAssignee validates that userID exists, is active and available.
func (s *Service) checkAssignee(ctx context.Context, userID int64) (*store.User, error) {
	if userID <= 0 {
		return nil, incerr.Validation("assignee required")
	}
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, incerr.Validation("user %d does not exist", userID)
	}
	ok, err := s.assigner.Eligible(ctx, *u)
	if err != nil {
		return nil, err
	}
	if !ok {
		if !u.Active {
			return nil, incerr.Validation("user %d is inactive", userID)
		}
		return nil, incerr.Validation("user %d is unavailable", userID)
	}
	return u, nil
}
