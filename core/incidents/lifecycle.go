package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"berkut-incidents/core/incerr"
	"berkut-incidents/core/notify"
	"berkut-incidents/core/store"
)

type CreateInput struct {
	StoreID         string            `json:"store_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Type            string            `json:"type"`
	Priority        string            `json:"priority"`
	ReportedBy      int64             `json:"reported_by"`
	Location        string            `json:"location"`
	RelatedAlertIDs []string          `json:"related_alert_ids"`
	Metadata        map[string]string `json:"metadata"`
	AssignTo        *int64            `json:"assign_to"`
}

// CreateIncident stores a new Open incident together with its creation event and
// alert links. An initial assignee goes through the manual assignment path; if that
// assignment fails the stored incident is still returned alongside the error.
func (s *Service) CreateIncident(ctx context.Context, in CreateInput) (*store.Incident, error) {
	inc, err := s.buildIncident(in)
	if err != nil {
		return nil, err
	}
	if in.AssignTo != nil {
		if _, err := s.checkAssignee(ctx, *in.AssignTo); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now().UTC()
	inc.CreatedAt = now
	inc.UpdatedAt = now
	events := []store.TimelineEvent{*newEvent(store.EventStatusChange, "incident created", in.ReportedBy, now,
		store.StatusChangeDetails{To: store.StatusOpen, Created: true})}
	for _, alertID := range inc.RelatedAlertIDs {
		events = append(events, *newEvent(store.EventAlertLinked, "alert "+alertID+" escalated to incident", in.ReportedBy, now,
			map[string]string{"alert_id": alertID}))
	}
	if _, err := s.incidents.CreateIncident(ctx, inc, events); err != nil {
		if errors.Is(err, store.ErrAlertNotFound) {
			return nil, &incerr.Error{Kind: incerr.ErrNotFound, Message: "related alert", Err: err}
		}
		return nil, err
	}
	ev := notify.NewEvent(notify.TypeIncidentCreated, inc.ID, now)
	ev.Actor = in.ReportedBy
	s.publish(ctx, inc, ev)
	if in.AssignTo != nil {
		assigned, err := s.AssignIncident(ctx, inc.ID, *in.AssignTo, in.ReportedBy)
		if err != nil {
			return inc, fmt.Errorf("incident %d created without assignee: %w", inc.ID, err)
		}
		return assigned, nil
	}
	return inc, nil
}

func (s *Service) buildIncident(in CreateInput) (*store.Incident, error) {
	storeID := strings.TrimSpace(in.StoreID)
	title := strings.TrimSpace(in.Title)
	if storeID == "" {
		return nil, incerr.Validation("store id required")
	}
	if title == "" {
		return nil, incerr.Validation("title required")
	}
	incType, ok := store.ParseIncidentType(in.Type)
	if !ok {
		return nil, incerr.Validation("unknown incident type %q", in.Type)
	}
	priority := store.PriorityMedium
	if strings.TrimSpace(in.Priority) != "" {
		if priority, ok = store.ParsePriority(in.Priority); !ok {
			return nil, incerr.Validation("unknown priority %q", in.Priority)
		}
	}
	return &store.Incident{
		StoreID:         storeID,
		Title:           title,
		Description:     strings.TrimSpace(in.Description),
		Type:            incType,
		Priority:        priority,
		Status:          store.StatusOpen,
		ReportedBy:      in.ReportedBy,
		Location:        strings.TrimSpace(in.Location),
		RelatedAlertIDs: in.RelatedAlertIDs,
		Metadata:        in.Metadata,
	}, nil
}

func (s *Service) UpdateIncidentStatus(ctx context.Context, id int64, status store.Status, actor int64, notes string) (*store.Incident, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	from := inc.Status
	if !CanTransition(from, status) {
		return nil, incerr.InvalidTransition(string(from), string(status))
	}
	at, err := s.stamp(ctx, inc)
	if err != nil {
		return nil, err
	}
	inc.Status = status
	inc.UpdatedAt = at
	switch status {
	case store.StatusResolved:
		inc.ResolvedAt = &at
	case store.StatusClosed:
		inc.ClosedAt = &at
	case store.StatusInvestigating:
		if from == store.StatusResolved {
			inc.ResolvedAt = nil
		}
	}
	notes = strings.TrimSpace(notes)
	ev := newEvent(store.EventStatusChange, fmt.Sprintf("status changed from %s to %s", from, status), actor, at,
		store.StatusChangeDetails{From: from, To: status, Notes: notes})
	if err := s.save(ctx, inc, ev); err != nil {
		return nil, err
	}
	out := notify.NewEvent(notify.TypeStatusChanged, inc.ID, at)
	out.Actor = actor
	out.Message = notes
	out.Details = map[string]any{"from": from, "to": status}
	s.publish(ctx, inc, out)
	return inc, nil
}

// AssignIncident hands the incident to userID on an operator's request.
func (s *Service) AssignIncident(ctx context.Context, id, userID, actor int64) (*store.Incident, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Status == store.StatusClosed {
		return nil, incerr.Validation("incident %d is closed", id)
	}
	if _, err := s.checkAssignee(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.assignLocked(ctx, inc, userID, actor, store.AssignManual, 0); err != nil {
		return nil, err
	}
	return inc, nil
}

func (s *Service) assignLocked(ctx context.Context, inc *store.Incident, userID, actor int64, mode string, ruleID int64) error {
	at, err := s.stamp(ctx, inc)
	if err != nil {
		return err
	}
	prev := inc.AssignedTo
	inc.AssignedTo = &userID
	inc.UpdatedAt = at
	ev := newEvent(store.EventAssignment, fmt.Sprintf("assigned to user %d", userID), actor, at,
		store.AssignmentDetails{From: prev, To: userID, RuleID: ruleID, Mode: mode})
	if err := s.save(ctx, inc, ev); err != nil {
		inc.AssignedTo = prev
		return err
	}
	out := notify.NewEvent(notify.TypeAssigned, inc.ID, at)
	out.Actor = actor
	out.Targets = []string{fmt.Sprintf("user:%d", userID)}
	out.Details = map[string]any{"mode": mode, "rule_id": ruleID}
	s.publish(ctx, inc, out)
	return nil
}

type AutoAssignResult struct {
	Incident *store.Incident `json:"incident"`
	Assigned bool            `json:"assigned"`
	RuleID   int64           `json:"rule_id,omitempty"`
	UserID   int64           `json:"user_id,omitempty"`
	Skipped  []string        `json:"skipped_rules,omitempty"`
}

// AutoAssignIncident runs the assignment rules. When no rule yields a responder the
// incident stays unassigned and an escalation event records the miss.
func (s *Service) AutoAssignIncident(ctx context.Context, id, actor int64) (*AutoAssignResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Status == store.StatusClosed {
		return nil, incerr.Validation("incident %d is closed", id)
	}
	outcome, err := s.assigner.Select(ctx, *inc)
	if err != nil {
		return nil, err
	}
	res := &AutoAssignResult{Incident: inc}
	for _, skipped := range outcome.Skipped {
		res.Skipped = append(res.Skipped, skipped.Error())
	}
	if outcome.Match != nil {
		if err := s.assignLocked(ctx, inc, outcome.Match.User.ID, actor, store.AssignAuto, outcome.Match.RuleID); err != nil {
			return nil, err
		}
		res.Assigned = true
		res.RuleID = outcome.Match.RuleID
		res.UserID = outcome.Match.User.ID
		return res, nil
	}
	at, err := s.stamp(ctx, inc)
	if err != nil {
		return nil, err
	}
	inc.UpdatedAt = at
	ev := newEvent(store.EventEscalation, "unable to auto-assign", actor, at, store.EscalationDetails{
		Reason:        "unable to auto-assign",
		OldPriority:   inc.Priority,
		NewPriority:   inc.Priority,
		AutoAssign:    store.AutoAssignNoMatch,
		UnableToMatch: true,
	})
	if err := s.save(ctx, inc, ev); err != nil {
		return nil, err
	}
	out := notify.NewEvent(notify.TypeEscalated, inc.ID, at)
	out.Actor = actor
	out.Message = "unable to auto-assign"
	s.publish(ctx, inc, out)
	return res, nil
}

// AddNote appends a note to the timeline without touching the incident record.
func (s *Service) AddNote(ctx context.Context, id int64, text string, actor int64) (*store.TimelineEvent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, incerr.Validation("note text required")
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	at, err := s.stamp(ctx, inc)
	if err != nil {
		return nil, err
	}
	ev := newEvent(store.EventNoteAdded, text, actor, at, nil)
	ev.IncidentID = inc.ID
	if _, err := s.timeline.AppendTimelineEvent(ctx, ev); err != nil {
		return nil, err
	}
	out := notify.NewEvent(notify.TypeNoteAdded, inc.ID, at)
	out.Actor = actor
	out.Message = text
	s.publish(ctx, inc, out)
	return ev, nil
}

// EscalateIncident records an escalation and optionally raises the priority.
// Lowering the priority is rejected.
func (s *Service) EscalateIncident(ctx context.Context, id int64, reason string, actor int64, newPriority *store.Priority) (*store.Incident, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, incerr.Validation("escalation reason required")
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Status == store.StatusClosed {
		return nil, incerr.Validation("incident %d is closed", id)
	}
	old := inc.Priority
	if newPriority != nil {
		p, ok := store.ParsePriority(string(*newPriority))
		if !ok {
			return nil, incerr.Validation("unknown priority %q", *newPriority)
		}
		if p.Rank() < old.Rank() {
			return nil, incerr.Validation("escalation cannot lower priority from %s to %s", old, p)
		}
		inc.Priority = p
	}
	at, err := s.stamp(ctx, inc)
	if err != nil {
		return nil, err
	}
	inc.UpdatedAt = at
	ev := newEvent(store.EventEscalation, reason, actor, at, store.EscalationDetails{Reason: reason, OldPriority: old, NewPriority: inc.Priority})
	if err := s.save(ctx, inc, ev); err != nil {
		return nil, err
	}
	out := notify.NewEvent(notify.TypeEscalated, inc.ID, at)
	out.Actor = actor
	out.Message = reason
	out.Details = map[string]any{"old_priority": old, "new_priority": inc.Priority}
	s.publish(ctx, inc, out)
	return inc, nil
}
