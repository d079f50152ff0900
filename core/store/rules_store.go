package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrRuleNotFound = errors.New("rule not found")

type RulesStore interface {
	// ListAssignmentRules returns active global rules plus the store's own rules,
	// ordered by priority ascending then id.
	ListAssignmentRules(ctx context.Context, storeID string) ([]AssignmentRule, error)
	ListEscalationRules(ctx context.Context, storeID string) ([]EscalationRule, error)
	// ListAllEscalationRules returns every active escalation rule regardless of scope.
	ListAllEscalationRules(ctx context.Context) ([]EscalationRule, error)
	SaveAssignmentRule(ctx context.Context, r *AssignmentRule) (int64, error)
	SaveEscalationRule(ctx context.Context, r *EscalationRule) (int64, error)
	// SetAssignmentRuleActive and SetEscalationRuleActive return ErrRuleNotFound for unknown ids.
	SetAssignmentRuleActive(ctx context.Context, id int64, active bool) error
	SetEscalationRuleActive(ctx context.Context, id int64, active bool) error
}

type rulesStore struct {
	db *DB
}

func NewRulesStore(db *DB) RulesStore {
	return &rulesStore{db: db}
}

func (s *rulesStore) ListAssignmentRules(ctx context.Context, storeID string) ([]AssignmentRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, name, priority, active, conditions_json, assignment_json, created_at, updated_at
		FROM assignment_rules
		WHERE active=1 AND (scope=? OR scope=?)
		ORDER BY priority ASC, id ASC`, ScopeGlobal, normalizeScope(storeID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AssignmentRule
	for rows.Next() {
		var r AssignmentRule
		var active int
		var conditions, assignment string
		if err := rows.Scan(&r.ID, &r.Scope, &r.Name, &r.Priority, &active, &conditions, &assignment, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Active = active == 1
		if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
			r.LoadErr = fmt.Errorf("conditions: %w", err)
		} else if err := json.Unmarshal([]byte(assignment), &r.Assignment); err != nil {
			r.LoadErr = fmt.Errorf("assignment: %w", err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *rulesStore) ListEscalationRules(ctx context.Context, storeID string) ([]EscalationRule, error) {
	return s.listEscalation(ctx, `active=1 AND (scope=? OR scope=?)`, ScopeGlobal, normalizeScope(storeID))
}

func (s *rulesStore) ListAllEscalationRules(ctx context.Context) ([]EscalationRule, error) {
	return s.listEscalation(ctx, `active=1`)
}

func (s *rulesStore) listEscalation(ctx context.Context, where string, args ...any) ([]EscalationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, name, active, triggers_json, actions_json, created_at, updated_at
		FROM escalation_rules WHERE `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EscalationRule
	for rows.Next() {
		var r EscalationRule
		var active int
		var triggers, actions string
		if err := rows.Scan(&r.ID, &r.Scope, &r.Name, &active, &triggers, &actions, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Active = active == 1
		if err := json.Unmarshal([]byte(triggers), &r.Triggers); err != nil {
			r.LoadErr = fmt.Errorf("triggers: %w", err)
		} else if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
			r.LoadErr = fmt.Errorf("actions: %w", err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// SaveAssignmentRule inserts the rule or replaces the definition stored under the same scope and name.
func (s *rulesStore) SaveAssignmentRule(ctx context.Context, r *AssignmentRule) (int64, error) {
	r.Scope = normalizeScope(r.Scope)
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return 0, errors.New("rule name required")
	}
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return 0, err
	}
	assignment, err := json.Marshal(r.Assignment)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO assignment_rules(scope, name, priority, active, conditions_json, assignment_json, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT (scope, name) DO UPDATE SET priority=excluded.priority, active=excluded.active,
			conditions_json=excluded.conditions_json, assignment_json=excluded.assignment_json, updated_at=excluded.updated_at`,
		r.Scope, r.Name, r.Priority, boolToInt(r.Active), string(conditions), string(assignment), now, now); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM assignment_rules WHERE scope=? AND name=?`, r.Scope, r.Name).Scan(&r.ID, &r.CreatedAt); err != nil {
		return 0, err
	}
	r.UpdatedAt = now
	return r.ID, nil
}

func (s *rulesStore) SaveEscalationRule(ctx context.Context, r *EscalationRule) (int64, error) {
	r.Scope = normalizeScope(r.Scope)
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return 0, errors.New("rule name required")
	}
	triggers, err := json.Marshal(r.Triggers)
	if err != nil {
		return 0, err
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO escalation_rules(scope, name, active, triggers_json, actions_json, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT (scope, name) DO UPDATE SET active=excluded.active,
			triggers_json=excluded.triggers_json, actions_json=excluded.actions_json, updated_at=excluded.updated_at`,
		r.Scope, r.Name, boolToInt(r.Active), string(triggers), string(actions), now, now); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM escalation_rules WHERE scope=? AND name=?`, r.Scope, r.Name).Scan(&r.ID, &r.CreatedAt); err != nil {
		return 0, err
	}
	r.UpdatedAt = now
	return r.ID, nil
}

func (s *rulesStore) SetAssignmentRuleActive(ctx context.Context, id int64, active bool) error {
	return s.setActive(ctx, "assignment_rules", id, active)
}

func (s *rulesStore) SetEscalationRuleActive(ctx context.Context, id int64, active bool) error {
	return s.setActive(ctx, "escalation_rules", id, active)
}

func (s *rulesStore) setActive(ctx context.Context, table string, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET active=?, updated_at=? WHERE id=?`, boolToInt(active), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrRuleNotFound, table, id)
	}
	return nil
}
