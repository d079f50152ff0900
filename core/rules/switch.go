package rules

import (
	"context"
	"errors"
	"strings"

	"berkut-incidents/core/incerr"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
)

const (
	KindAssignment = "assignment"
	KindEscalation = "escalation"
)

type activeSetter interface {
	SetAssignmentRuleActive(ctx context.Context, id int64, active bool) error
	SetEscalationRuleActive(ctx context.Context, id int64, active bool) error
}

// Switch enables and disables stored rules. A disabled rule is skipped by the
// assignment engine and the sweep but keeps its definition.
type Switch struct {
	rules  activeSetter
	logger *utils.Logger
}

func NewSwitch(rules activeSetter, logger *utils.Logger) *Switch {
	return &Switch{rules: rules, logger: logger}
}

func (s *Switch) SetRuleActive(ctx context.Context, kind string, id int64, active bool) error {
	var err error
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindAssignment:
		err = s.rules.SetAssignmentRuleActive(ctx, id, active)
	case KindEscalation:
		err = s.rules.SetEscalationRuleActive(ctx, id, active)
	default:
		return incerr.Validation("unknown rule kind %q", kind)
	}
	if errors.Is(err, store.ErrRuleNotFound) {
		return &incerr.Error{Kind: incerr.ErrNotFound, Message: kind + " rule", Err: err}
	}
	if err != nil {
		return err
	}
	s.logger.Infow("rule toggled", "kind", kind, "rule_id", id, "active", active)
	return nil
}
