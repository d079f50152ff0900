// Package incerr holds the error kinds surfaced by the incident engine.
package incerr

import (
	"errors"
	"fmt"
)

// Kind sentinels. Match with errors.Is; the text doubles as the client-facing key.
var (
	ErrNotFound          = errors.New("incidents.notFound")
	ErrInvalidTransition = errors.New("incidents.invalidTransition")
	ErrValidation        = errors.New("incidents.validation")
	ErrRuleEvaluation    = errors.New("incidents.ruleEvaluation")
)

// Error pairs a kind with a human readable message and an optional cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(from, to string) error {
	return &Error{Kind: ErrInvalidTransition, Message: fmt.Sprintf("cannot move from %s to %s", from, to)}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// RuleEvaluation reports a rule that could not be evaluated.
func RuleEvaluation(ruleID int64, err error) error {
	return &Error{Kind: ErrRuleEvaluation, Message: fmt.Sprintf("rule %d", ruleID), Err: err}
}

// KindOf returns the kind sentinel carried by err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, kind := range []error{ErrNotFound, ErrInvalidTransition, ErrValidation, ErrRuleEvaluation} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
