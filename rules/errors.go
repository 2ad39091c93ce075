package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
)

// ValidationError describes why a rule was rejected at save time
type ValidationError struct {
	RuleID   string
	Problems []string
}

func (e *ValidationError) Error() string {
	if e.RuleID == "" {
		return "invalid rule: " + strings.Join(e.Problems, "; ")
	}
	return fmt.Sprintf("invalid rule %s: %s", e.RuleID, strings.Join(e.Problems, "; "))
}

// Add records a problem
func (e *ValidationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Err returns e if any problem was recorded, nil otherwise
func (e *ValidationError) Err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// EvaluationError is returned by the evaluator for malformed conditions.
// Missing fields are not errors.
type EvaluationError struct {
	Field    string
	Operator Operator
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s: %v",
			e.Field, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s",
		e.Field, e.Operator, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
