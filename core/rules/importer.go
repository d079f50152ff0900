// Package rules loads operator-maintained assignment and escalation rules from YAML.
package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
)

type File struct {
	AssignmentRules []AssignmentRuleDef `yaml:"assignment_rules"`
	EscalationRules []EscalationRuleDef `yaml:"escalation_rules"`
}

type AssignmentRuleDef struct {
	Scope      string                     `yaml:"scope"`
	Name       string                     `yaml:"name"`
	Priority   int                        `yaml:"priority"`
	Active     *bool                      `yaml:"active"`
	Conditions store.AssignmentConditions `yaml:"conditions"`
	Assignment store.AssignmentPolicy     `yaml:"assignment"`
}

type EscalationRuleDef struct {
	Scope    string                   `yaml:"scope"`
	Name     string                   `yaml:"name"`
	Active   *bool                    `yaml:"active"`
	Triggers store.EscalationTriggers `yaml:"triggers"`
	Actions  store.EscalationActions  `yaml:"actions"`
}

func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	seen := map[string]struct{}{}
	for i, def := range f.AssignmentRules {
		key := "a|" + scopeKey(def.Scope) + "|" + strings.TrimSpace(def.Name)
		if strings.TrimSpace(def.Name) == "" {
			return nil, fmt.Errorf("assignment rule #%d: name required", i+1)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("assignment rule %q declared twice", def.Name)
		}
		seen[key] = struct{}{}
	}
	for i, def := range f.EscalationRules {
		key := "e|" + scopeKey(def.Scope) + "|" + strings.TrimSpace(def.Name)
		if strings.TrimSpace(def.Name) == "" {
			return nil, fmt.Errorf("escalation rule #%d: name required", i+1)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("escalation rule %q declared twice", def.Name)
		}
		seen[key] = struct{}{}
	}
	return &f, nil
}

type Importer struct {
	store  store.RulesStore
	logger *utils.Logger
}

func NewImporter(rs store.RulesStore, logger *utils.Logger) *Importer {
	return &Importer{store: rs, logger: logger}
}

// ImportFile upserts every rule in path, replacing rules with the same scope and name.
func (im *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fh.Close()
	f, err := Parse(fh)
	if err != nil {
		return 0, err
	}
	return im.Import(ctx, f)
}

func (im *Importer) Import(ctx context.Context, f *File) (int, error) {
	n := 0
	for _, def := range f.AssignmentRules {
		r := store.AssignmentRule{Scope: def.Scope, Name: def.Name, Priority: def.Priority, Active: enabled(def.Active), Conditions: def.Conditions, Assignment: def.Assignment}
		if _, err := im.store.SaveAssignmentRule(ctx, &r); err != nil {
			return n, fmt.Errorf("assignment rule %q: %w", def.Name, err)
		}
		n++
	}
	for _, def := range f.EscalationRules {
		r := store.EscalationRule{Scope: def.Scope, Name: def.Name, Active: enabled(def.Active), Triggers: def.Triggers, Actions: def.Actions}
		if _, err := im.store.SaveEscalationRule(ctx, &r); err != nil {
			return n, fmt.Errorf("escalation rule %q: %w", def.Name, err)
		}
		n++
	}
	im.logger.Printf("imported %d rules", n)
	return n, nil
}

func enabled(v *bool) bool {
	return v == nil || *v
}

func scopeKey(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" || strings.EqualFold(scope, store.ScopeGlobal) {
		return store.ScopeGlobal
	}
	return scope
}
