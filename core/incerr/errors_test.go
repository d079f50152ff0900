package incerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsMatchThroughWrapping(t *testing.T) {
	err := fmt.Errorf("update: %w", InvalidTransition("open", "closed"))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if KindOf(err) != ErrInvalidTransition {
		t.Fatalf("unexpected kind %v", KindOf(err))
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("kinds must not overlap")
	}
}

func TestRuleEvaluationKeepsCause(t *testing.T) {
	cause := errors.New("bad timezone")
	err := RuleEvaluation(7, cause)
	if !errors.Is(err, ErrRuleEvaluation) || !errors.Is(err, cause) {
		t.Fatalf("expected kind and cause, got %v", err)
	}
	var typed *Error
	if !errors.As(err, &typed) || typed.Message != "rule 7" {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("boom")) != nil {
		t.Fatalf("plain errors carry no kind")
	}
	if KindOf(nil) != nil {
		t.Fatalf("nil carries no kind")
	}
}
