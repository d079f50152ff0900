package incidents

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"berkut-incidents/core/notify"
	"berkut-incidents/core/store"
)

// EscalationPlan is a fired escalation rule with the triggers that fired it.
type EscalationPlan struct {
	RuleID   int64
	RuleName string
	Triggers []string
	Actions  store.EscalationActions
	// Recheck, when set, re-evaluates the triggers against the incident and timeline
	// read under the incident lock. An empty result drops the plan.
	Recheck func(inc store.Incident, timeline []store.TimelineEvent) []string
}

type EscalationOutcome struct {
	Applied     bool
	OldPriority store.Priority
	NewPriority store.Priority
	AutoAssign  string
	AssignedTo  *int64
	Notified    []string
	EscalatedTo []string
	TargetUsers []int64
}

// ApplyEscalation runs the plan's actions in order (priority, auto-assign, notify,
// escalate-to) and records them as one escalation event. Incidents that are no
// longer open are left alone.
func (s *Service) ApplyEscalation(ctx context.Context, id int64, plan EscalationPlan) (*EscalationOutcome, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &EscalationOutcome{OldPriority: inc.Priority, NewPriority: inc.Priority}
	if !inc.Status.IsActive() {
		return out, nil
	}
	if plan.Recheck != nil {
		timeline, err := s.timeline.ListTimeline(ctx, inc.ID)
		if err != nil {
			return nil, err
		}
		if plan.Triggers = plan.Recheck(*inc, timeline); len(plan.Triggers) == 0 {
			return out, nil
		}
	}
	at, err := s.stamp(ctx, inc)
	if err != nil {
		return nil, err
	}
	if plan.Actions.IncreasePriority {
		inc.Priority = inc.Priority.Next()
		out.NewPriority = inc.Priority
	}
	var assignEv *store.TimelineEvent
	var ruleForAssign int64
	if plan.Actions.AutoAssign {
		outcome, err := s.assigner.Select(ctx, *inc)
		switch {
		case err != nil:
			out.AutoAssign = store.AutoAssignFailed
			s.logger.Errorw("escalation auto-assign failed", "incident_id", inc.ID, "rule_id", plan.RuleID, "error", err)
		case outcome.Match == nil:
			out.AutoAssign = store.AutoAssignNoMatch
		case inc.AssignedTo != nil && *inc.AssignedTo == outcome.Match.User.ID:
			out.AutoAssign = store.AutoAssignKept
		default:
			userID := outcome.Match.User.ID
			ruleForAssign = outcome.Match.RuleID
			assignEv = newEvent(store.EventAssignment, fmt.Sprintf("assigned to user %d", userID), store.SystemActor, at,
				store.AssignmentDetails{From: inc.AssignedTo, To: userID, RuleID: ruleForAssign, Mode: store.AssignEscalation})
			inc.AssignedTo = &userID
			out.AutoAssign = store.AutoAssignAssigned
			out.AssignedTo = &userID
		}
	}
	out.Notified = cleanTargets(plan.Actions.Notifications)
	out.EscalatedTo = cleanTargets(plan.Actions.EscalateTo)
	reason := fmt.Sprintf("escalation rule %q fired: %s", plan.RuleName, strings.Join(plan.Triggers, ", "))
	escEv := newEvent(store.EventEscalation, reason, store.SystemActor, at, store.EscalationDetails{
		Reason:        reason,
		OldPriority:   out.OldPriority,
		NewPriority:   out.NewPriority,
		RuleID:        plan.RuleID,
		Triggers:      plan.Triggers,
		Notified:      out.Notified,
		EscalatedTo:   out.EscalatedTo,
		AutoAssign:    out.AutoAssign,
		AssignedTo:    out.AssignedTo,
		UnableToMatch: out.AutoAssign == store.AutoAssignNoMatch,
	})
	inc.UpdatedAt = at
	if err := s.save(ctx, inc, escEv, assignEv); err != nil {
		return nil, err
	}
	out.Applied = true

	ev := notify.NewEvent(notify.TypeEscalated, inc.ID, at)
	ev.Actor = store.SystemActor
	ev.Targets = out.Notified
	ev.Message = reason
	ev.Details = map[string]any{"rule_id": plan.RuleID, "triggers": plan.Triggers, "old_priority": out.OldPriority, "new_priority": out.NewPriority}
	s.publish(ctx, inc, ev)
	if assignEv != nil {
		assigned := notify.NewEvent(notify.TypeAssigned, inc.ID, at)
		assigned.Targets = []string{fmt.Sprintf("user:%d", *out.AssignedTo)}
		assigned.Details = map[string]any{"mode": store.AssignEscalation, "rule_id": ruleForAssign}
		s.publish(ctx, inc, assigned)
	}
	if len(out.EscalatedTo) > 0 {
		out.TargetUsers = s.resolveTargets(ctx, inc.StoreID, out.EscalatedTo)
		direct := notify.NewEvent(notify.TypeEscalationTarget, inc.ID, at)
		direct.Targets = out.EscalatedTo
		direct.Message = reason
		direct.Details = map[string]any{"rule_id": plan.RuleID, "user_ids": out.TargetUsers}
		s.publish(ctx, inc, direct)
	}
	return out, nil
}

// resolveTargets turns escalate-to entries into user ids. "42" and "user:42" name a
// user; anything else is a role matched against the store roster.
func (s *Service) resolveTargets(ctx context.Context, storeID string, targets []string) []int64 {
	seen := map[int64]struct{}{}
	var ids []int64
	add := func(id int64) {
		if _, ok := seen[id]; ok || id <= 0 {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	var roles []string
	for _, t := range targets {
		if id, ok := parseUserTarget(t); ok {
			add(id)
			continue
		}
		roles = append(roles, t)
	}
	if len(roles) == 0 {
		return ids
	}
	members, err := s.users.ListStoreUsers(ctx, storeID)
	if err != nil {
		s.logger.Errorw("escalation targets unresolved", "store_id", storeID, "error", err)
		return ids
	}
	for _, role := range roles {
		for _, u := range members {
			if u.Active && s.roles.Satisfies(u.Roles, role) {
				add(u.ID)
			}
		}
	}
	return ids
}

func parseUserTarget(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "user:")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func cleanTargets(items []string) []string {
	var out []string
	for _, raw := range items {
		if v := strings.TrimSpace(raw); v != "" {
			out = append(out, v)
		}
	}
	return out
}
