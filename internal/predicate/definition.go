// Package predicate compiles cohort filters into a backend-neutral boolean AST.
//
// The compiler never produces query text. Storage backends render an Expr at
// their boundary: store.Render emits SQL with bound parameters and memstore
// evaluates the tree against in-memory rows.
package predicate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PropertyType identifies what a property filter is evaluated against.
type PropertyType string

const (
	PropertyPerson              PropertyType = "person"
	PropertyEvent               PropertyType = "event"
	PropertyElement             PropertyType = "element"
	PropertyCohort              PropertyType = "cohort"
	PropertyStaticCohort        PropertyType = "static-cohort"
	PropertyPrecalculatedCohort PropertyType = "precalculated-cohort"
)

// Operator is a property comparison operator.
type Operator string

const (
	OpExact        Operator = "exact"
	OpIsNot        Operator = "is_not"
	OpIContains    Operator = "icontains"
	OpNotIContains Operator = "not_icontains"
	OpRegex        Operator = "regex"
	OpNotRegex     Operator = "not_regex"
	OpGT           Operator = "gt"
	OpLT           Operator = "lt"
	OpIsSet        Operator = "is_set"
	OpIsNotSet     Operator = "is_not_set"
)

// CountOperator compares a person's event count against a behavioral clause count.
type CountOperator string

const (
	CountGTE CountOperator = "gte"
	CountLTE CountOperator = "lte"
	CountEQ  CountOperator = "eq"
)

// Property is a single property filter as authored by a user.
type Property struct {
	Key      string       `json:"key"`
	Operator Operator     `json:"operator,omitempty"`
	Value    any          `json:"value,omitempty"`
	Type     PropertyType `json:"type,omitempty"`
}

// EffectiveType defaults an empty type to a person property.
func (p Property) EffectiveType() PropertyType {
	if p.Type == "" {
		return PropertyPerson
	}
	return p.Type
}

// CohortID returns the cohort referenced by a cohort-typed property.
func (p Property) CohortID() (int64, bool) {
	switch v := p.Value.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return id, err == nil
	}
	return 0, false
}

// FlexInt decodes integers that clients send either as JSON numbers or numeric strings.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return fmt.Errorf("expected integer, got %v", v)
		}
		*f = FlexInt(v)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("expected integer, got %q", v)
		}
		*f = FlexInt(n)
	default:
		return fmt.Errorf("expected integer, got %s", string(data))
	}
	return nil
}

// Group is one OR-branch of a cohort definition. A group carries a behavioral
// clause, property filters, or both.
type Group struct {
	EventID       string     `json:"event_id,omitempty"`
	ActionID      *int64     `json:"action_id,omitempty"`
	Days          *FlexInt   `json:"days,omitempty"`
	StartDate     string     `json:"start_date,omitempty"`
	EndDate       string     `json:"end_date,omitempty"`
	Count         *FlexInt   `json:"count,omitempty"`
	CountOperator string     `json:"count_operator,omitempty"`
	Properties    []Property `json:"properties,omitempty"`
}

// HasBehavior reports whether the group filters on a performed event or action.
func (g Group) HasBehavior() bool {
	return strings.TrimSpace(g.EventID) != "" || g.ActionID != nil
}

// Behavioral extracts the behavioral clause of the group.
func (g Group) Behavioral() BehavioralClause {
	clause := BehavioralClause{
		EventID:       strings.TrimSpace(g.EventID),
		ActionID:      g.ActionID,
		StartDate:     g.StartDate,
		EndDate:       g.EndDate,
		CountOperator: g.CountOperator,
	}
	if g.Days != nil {
		days := int64(*g.Days)
		clause.Days = &days
	}
	if g.Count != nil {
		count := int64(*g.Count)
		clause.Count = &count
	}
	return clause
}

// Definition is the stored group list of a dynamic cohort.
type Definition struct {
	Groups []Group `json:"groups"`
}

// ParseDefinition decodes a stored cohort definition. Empty input decodes to no groups.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if len(strings.TrimSpace(string(data))) == 0 {
		return def, nil
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("decode cohort groups: %w", err)
	}
	return def, nil
}

// BehavioralClause is "performed event/action E, N times, within window W".
type BehavioralClause struct {
	EventID       string
	ActionID      *int64
	Days          *int64
	StartDate     string
	EndDate       string
	Count         *int64
	CountOperator string
}

// Action is a named set of event steps; a person performs the action when any
// step matches one of their events.
type Action struct {
	ID    int64
	Name  string
	Steps []ActionStep
}

// ActionStep matches events by name (empty means any event) and event properties.
type ActionStep struct {
	Event      string     `json:"event"`
	Properties []Property `json:"properties,omitempty"`
}
