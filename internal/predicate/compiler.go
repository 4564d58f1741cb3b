package predicate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var elementKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Compiler turns individual filters into predicate trees. It holds no mutable
// state and is safe for concurrent use.
type Compiler struct {
	now func() time.Time
}

// NewCompiler returns a compiler that anchors relative windows ("days") at now().
func NewCompiler(now func() time.Time) *Compiler {
	if now == nil {
		now = time.Now
	}
	return &Compiler{now: now}
}

// CompileProperty compiles a person, event, element, static-cohort or
// precalculated-cohort property. Cohort references are expanded by the graph
// resolver and rejected here.
func (c *Compiler) CompileProperty(p Property) (Expr, error) {
	switch p.EffectiveType() {
	case PropertyPerson:
		test, degraded, err := compileTest(p)
		if err != nil || degraded != nil {
			return degraded, err
		}
		return PropertyMatch{Test: test}, nil
	case PropertyEvent:
		test, degraded, err := compileTest(p)
		if err != nil || degraded != nil {
			return degraded, err
		}
		return EventPropertyMatch{Test: test}, nil
	case PropertyElement:
		if !elementKeyRe.MatchString(p.Key) {
			return nil, &InvalidClauseError{Field: "element key", Reason: fmt.Sprintf("%q is not an attribute name", p.Key)}
		}
		test, degraded, err := compileTest(p)
		if err != nil || degraded != nil {
			return degraded, err
		}
		return ElementMatch{Test: test}, nil
	case PropertyStaticCohort, PropertyPrecalculatedCohort:
		id, ok := p.CohortID()
		if !ok {
			return nil, &InvalidClauseError{Field: "cohort id", Reason: fmt.Sprintf("%v is not a cohort id", p.Value)}
		}
		if p.EffectiveType() == PropertyStaticCohort {
			return InStatic{CohortID: id}, nil
		}
		return InPrecalculated{CohortID: id}, nil
	case PropertyCohort:
		return nil, &InvalidClauseError{Field: "property type", Reason: "cohort references must be resolved through the cohort graph"}
	}
	return nil, &InvalidClauseError{Field: "property type", Reason: fmt.Sprintf("unknown type %q", p.Type)}
}

// CompileBehavioral compiles a behavioral clause. action must be the resolved
// action when clause.ActionID is set; a nil action is a MissingActionError.
func (c *Compiler) CompileBehavioral(clause BehavioralClause, action *Action) (Expr, error) {
	countOp, err := parseCountOperator(clause.CountOperator)
	if err != nil {
		return nil, err
	}
	if clause.Count != nil && *clause.Count < 0 {
		return nil, &InvalidClauseError{Field: "count", Reason: "must not be negative"}
	}

	var steps []EventStep
	switch {
	case clause.ActionID != nil:
		if action == nil {
			return nil, &MissingActionError{ActionID: *clause.ActionID}
		}
		steps, err = compileSteps(action.Steps)
		if err != nil {
			return nil, err
		}
		if len(steps) == 0 {
			return False, nil
		}
	case clause.EventID != "":
		steps = []EventStep{{Event: clause.EventID}}
	default:
		return nil, &InvalidClauseError{Field: "behavioral clause", Reason: "event_id or action_id is required"}
	}

	from, to, err := c.window(clause)
	if err != nil {
		return nil, err
	}
	return Performed{
		Steps:   steps,
		From:    from,
		To:      to,
		Count:   clause.Count,
		CountOp: countOp,
	}, nil
}

func (c *Compiler) window(clause BehavioralClause) (time.Time, *time.Time, error) {
	if clause.Days != nil {
		if *clause.Days < 0 {
			return time.Time{}, nil, &InvalidClauseError{Field: "days", Reason: "must not be negative"}
		}
		return c.now().UTC().Add(-time.Duration(*clause.Days) * 24 * time.Hour), nil, nil
	}

	var from time.Time
	var to *time.Time
	if strings.TrimSpace(clause.StartDate) != "" {
		start, _, err := parseDate(clause.StartDate)
		if err != nil {
			return time.Time{}, nil, &InvalidClauseError{Field: "start_date", Reason: err.Error()}
		}
		from = start
	}
	if strings.TrimSpace(clause.EndDate) != "" {
		end, dateOnly, err := parseDate(clause.EndDate)
		if err != nil {
			return time.Time{}, nil, &InvalidClauseError{Field: "end_date", Reason: err.Error()}
		}
		if dateOnly {
			end = end.Add(24*time.Hour - time.Microsecond)
		}
		to = &end
	}
	if to != nil && !from.IsZero() && to.Before(from) {
		return time.Time{}, nil, &InvalidClauseError{Field: "end_date", Reason: "is before start_date"}
	}
	return from, to, nil
}

func parseDate(value string) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), false, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", value); err == nil {
		return t.UTC(), false, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), true, nil
	}
	return time.Time{}, false, fmt.Errorf("unrecognised date %q", value)
}

func parseCountOperator(raw string) (CountOperator, error) {
	switch CountOperator(strings.TrimSpace(raw)) {
	case "", CountEQ:
		return CountEQ, nil
	case CountGTE:
		return CountGTE, nil
	case CountLTE:
		return CountLTE, nil
	}
	return "", &InvalidCountOperatorError{Operator: raw}
}

func compileSteps(actionSteps []ActionStep) ([]EventStep, error) {
	steps := make([]EventStep, 0, len(actionSteps))
	for _, step := range actionSteps {
		compiled := EventStep{Event: strings.TrimSpace(step.Event)}
		unsatisfiable := false
		for _, p := range step.Properties {
			test, degraded, err := compileTest(p)
			if err != nil {
				return nil, err
			}
			if degraded != nil {
				if !degraded.(Const).Value {
					unsatisfiable = true
				}
				continue
			}
			compiled.Filters = append(compiled.Filters, test)
		}
		if unsatisfiable {
			continue
		}
		steps = append(steps, compiled)
	}
	return steps, nil
}

// compileTest builds the comparison for a property. When the filter can be
// decided without looking at data (invalid or non-portable regex, non-numeric
// bound, empty set) it returns the constant instead.
func compileTest(p Property) (Test, Expr, error) {
	key := strings.TrimSpace(p.Key)
	if key == "" {
		return Test{}, nil, &InvalidClauseError{Field: "property key", Reason: "must not be empty"}
	}
	op := p.Operator
	if op == "" {
		op = OpExact
	}
	test := Test{Op: op, Key: key}

	switch op {
	case OpExact, OpIsNot:
		test.Values = stringValues(p.Value)
		if len(test.Values) == 0 {
			if op == OpExact {
				return Test{}, False, nil
			}
			return Test{}, True, nil
		}
	case OpIContains, OpNotIContains:
		test.Pattern = firstValue(p.Value)
	case OpRegex, OpNotRegex:
		pattern := firstValue(p.Value)
		if !PortableRegex(pattern) {
			return Test{}, False, nil
		}
		test.Pattern = pattern
	case OpGT, OpLT:
		n, ok := ParseNumber(firstValue(p.Value))
		if !ok {
			return Test{}, False, nil
		}
		test.Number = n
	case OpIsSet, OpIsNotSet:
	default:
		return Test{}, nil, &InvalidOperatorError{Key: key, Operator: op}
	}
	return test, nil, nil
}

func stringValues(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, stringify(item))
		}
		return out
	case []string:
		return append([]string(nil), v...)
	}
	return []string{stringify(value)}
}

func firstValue(value any) string {
	values := stringValues(value)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// stringify matches how JSON scalars read back as text from a properties blob.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}

// Stringify exposes the text form of a JSON property value.
func Stringify(value any) string {
	return stringify(value)
}
