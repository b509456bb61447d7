package recurrence

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecurrence marks a malformed or impossible rule. The event
	// carrying it is rejected and never materialized.
	ErrInvalidRecurrence = errors.New("invalid recurrence")

	// ErrExpansionLimit is returned when a rule produces more instances, or
	// needs more iterations, than the configured caps allow.
	ErrExpansionLimit = errors.New("recurrence expansion limit reached")

	// ErrDuplicateInstance flags two exceptions overriding the same instance.
	// It is logged, never returned: the lowest event id wins.
	ErrDuplicateInstance = errors.New("duplicate instance")
)

// RuleError describes why a recurrence rule was rejected.
type RuleError struct {
	Rule   string
	Reason string
	Err    error
}

func (e *RuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid recurrence %q: %s: %v", e.Rule, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid recurrence %q: %s", e.Rule, e.Reason)
}

func (e *RuleError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidRecurrence, e.Err}
	}
	return []error{ErrInvalidRecurrence}
}

// LimitError reports which cap a series hit.
type LimitError struct {
	Limit string
	Value int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("recurrence expansion limit reached: %s=%d", e.Limit, e.Value)
}

func (e *LimitError) Unwrap() error {
	return ErrExpansionLimit
}
