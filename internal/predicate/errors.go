package predicate

import "fmt"

// InvalidCountOperatorError rejects a count_operator outside gte, lte and eq.
type InvalidCountOperatorError struct {
	Operator string
}

func (e *InvalidCountOperatorError) Error() string {
	return fmt.Sprintf("invalid count_operator %q: must be one of gte, lte, eq", e.Operator)
}

// InvalidOperatorError rejects an unknown property operator.
type InvalidOperatorError struct {
	Key      string
	Operator Operator
}

func (e *InvalidOperatorError) Error() string {
	return fmt.Sprintf("property %q: unknown operator %q", e.Key, e.Operator)
}

// MissingActionError is returned when a behavioral clause references an action
// that does not exist or was deleted.
type MissingActionError struct {
	ActionID int64
}

func (e *MissingActionError) Error() string {
	return fmt.Sprintf("action %d does not exist", e.ActionID)
}

// InvalidClauseError reports a malformed filter field.
type InvalidClauseError struct {
	Field  string
	Reason string
}

func (e *InvalidClauseError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
