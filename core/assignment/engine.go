// Package assignment picks a responder for an incident from prioritized rules.
package assignment

import (
	"context"
	"sort"
	"strings"

	"berkut-incidents/core/incerr"
	"berkut-incidents/core/roster"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
)

type RuleSource interface {
	ListAssignmentRules(ctx context.Context, storeID string) ([]store.AssignmentRule, error)
}

type Roster interface {
	ListStoreUsers(ctx context.Context, storeID string) ([]store.User, error)
}

type Scorer interface {
	OpenScore(ctx context.Context, userID int64) (int, error)
}

type Match struct {
	RuleID   int64
	RuleName string
	User     store.User
	Score    int
}

// Outcome describes one selection run. Match is nil when no rule produced a candidate.
type Outcome struct {
	Match *Match
	// Tried lists the ids of matching rules in the order their rosters were built.
	Tried []int64
	// Skipped holds a RuleEvaluation error per malformed rule.
	Skipped []error
}

type Engine struct {
	rules  RuleSource
	users  Roster
	scores Scorer
	avail  roster.AvailabilityProvider
	roles  *roster.RoleResolver
	clock  utils.Clock
	logger *utils.Logger
}

func NewEngine(rules RuleSource, users Roster, scores Scorer, avail roster.AvailabilityProvider, roles *roster.RoleResolver, clock utils.Clock, logger *utils.Logger) *Engine {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if avail == nil {
		avail = roster.NewStaticProvider()
	}
	return &Engine{rules: rules, users: users, scores: scores, avail: avail, roles: roles, clock: clock, logger: logger}
}

// Select evaluates the store's rules against inc and returns the first eligible responder.
func (e *Engine) Select(ctx context.Context, inc store.Incident) (*Outcome, error) {
	rules, err := e.rules.ListAssignmentRules(ctx, inc.StoreID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{}
	now := e.clock.Now()
	var matched []store.AssignmentRule
	for _, r := range rules {
		if !r.Active || !inScope(r.Scope, inc.StoreID) {
			continue
		}
		ok, err := Matches(r, inc, now)
		if err != nil {
			ruleErr := incerr.RuleEvaluation(r.ID, err)
			out.Skipped = append(out.Skipped, ruleErr)
			e.logger.Errorw("assignment rule skipped", "rule_id", r.ID, "incident_id", inc.ID, "error", err)
			continue
		}
		if ok {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})
	if len(matched) == 0 {
		return out, nil
	}
	members, err := e.users.ListStoreUsers(ctx, inc.StoreID)
	if err != nil {
		return nil, err
	}
	for _, r := range matched {
		out.Tried = append(out.Tried, r.ID)
		candidates, err := e.Candidates(ctx, r.Assignment, members)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}
		out.Match = &Match{RuleID: r.ID, RuleName: r.Name, User: candidates[0].User, Score: candidates[0].Score}
		return out, nil
	}
	return out, nil
}

type Candidate struct {
	User  store.User
	Score int
}

// Candidates narrows the roster by the policy, drops ineligible users and orders the rest.
func (e *Engine) Candidates(ctx context.Context, policy store.AssignmentPolicy, users []store.User) ([]Candidate, error) {
	var res []Candidate
	for _, u := range users {
		if !e.inPolicy(policy, u) {
			continue
		}
		ok, err := e.Eligible(ctx, u)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		res = append(res, Candidate{User: u})
	}
	if !policy.WorkloadBalance || len(res) < 2 || e.scores == nil {
		return res, nil
	}
	for i := range res {
		score, err := e.scores.OpenScore(ctx, res[i].User.ID)
		if err != nil {
			return nil, err
		}
		res[i].Score = score
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Score < res[j].Score })
	return res, nil
}

// Eligible reports whether u may take work right now: active and available.
func (e *Engine) Eligible(ctx context.Context, u store.User) (bool, error) {
	if !u.Active {
		return false, nil
	}
	a, err := e.avail.Availability(ctx, u)
	if err != nil {
		return false, err
	}
	return a.Available, nil
}

func (e *Engine) inPolicy(policy store.AssignmentPolicy, u store.User) bool {
	if len(policy.Users) > 0 {
		allowed := false
		for _, id := range policy.Users {
			if id == u.ID {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	} else if len(policy.RolePreference) > 0 {
		member := false
		for _, role := range policy.RolePreference {
			if e.roles.Satisfies(u.Roles, role) {
				member = true
				break
			}
		}
		if !member {
			return false
		}
	}
	for _, tag := range policy.RequiredExpertise {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		has := false
		for _, own := range u.Expertise {
			if strings.EqualFold(own, tag) {
				has = true
				break
			}
		}
		if !has {
			return false
		}
	}
	return true
}

func inScope(scope, storeID string) bool {
	scope = strings.TrimSpace(scope)
	return scope == "" || strings.EqualFold(scope, store.ScopeGlobal) || scope == strings.TrimSpace(storeID)
}
