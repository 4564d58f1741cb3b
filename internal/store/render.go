package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"cohorts/engine/internal/predicate"
)

// Fragment is a SQL boolean expression with positional parameters. User
// supplied values only ever travel in Args.
type Fragment struct {
	SQL  string
	Args []any
}

// NextArg is the first placeholder number free after this fragment.
func (f Fragment) NextArg(startArg int) int {
	return startArg + len(f.Args)
}

var columnRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidColumn reports whether name is safe to splice into SQL as a column reference.
func ValidColumn(name string) bool {
	return columnRe.MatchString(name)
}

// Render renders a person-level predicate over the alias p (persons). Placeholders
// start at $startArg.
func Render(expr predicate.Expr, teamID int64, startArg int) Fragment {
	r := newRenderer(teamID, startArg)
	sql := r.expr(expr)
	return Fragment{SQL: sql, Args: r.args}
}

// RenderMembership renders "personColumn IN (persons matching expr)" for
// embedding cohort membership inside another analytical query.
func RenderMembership(expr predicate.Expr, teamID int64, personColumn string, startArg int) (Fragment, error) {
	if !ValidColumn(personColumn) {
		return Fragment{}, fmt.Errorf("invalid person column %q", personColumn)
	}
	r := newRenderer(teamID, startArg)
	body := r.expr(expr)
	sql := fmt.Sprintf("%s IN (SELECT p.id FROM persons p WHERE p.team_id = %s AND %s)", personColumn, r.team(), body)
	return Fragment{SQL: sql, Args: r.args}, nil
}

type renderer struct {
	args    []any
	next    int
	teamID  int64
	teamRef string
}

func newRenderer(teamID int64, startArg int) *renderer {
	if startArg < 1 {
		startArg = 1
	}
	return &renderer{next: startArg, teamID: teamID}
}

func (r *renderer) bind(value any) string {
	r.args = append(r.args, value)
	placeholder := "$" + strconv.Itoa(r.next)
	r.next++
	return placeholder
}

// team binds the team id once and reuses its placeholder.
func (r *renderer) team() string {
	if r.teamRef == "" {
		r.teamRef = r.bind(r.teamID)
	}
	return r.teamRef
}

func (r *renderer) expr(expr predicate.Expr) string {
	switch e := expr.(type) {
	case predicate.Const:
		if e.Value {
			return "TRUE"
		}
		return "FALSE"
	case predicate.And:
		return r.join(e.Terms, " AND ", "TRUE")
	case predicate.Or:
		return r.join(e.Terms, " OR ", "FALSE")
	case predicate.Not:
		return "(NOT " + r.expr(e.Term) + ")"
	case predicate.PropertyMatch:
		return r.test(e.Test, fmt.Sprintf("(p.properties ->> %s)", r.bind(e.Test.Key)))
	case predicate.EventPropertyMatch:
		operand := fmt.Sprintf("(e.properties ->> %s)", r.bind(e.Test.Key))
		return fmt.Sprintf("EXISTS (SELECT 1 FROM events e WHERE e.team_id = %s AND e.person_id = p.id AND %s)",
			r.team(), r.test(e.Test, operand))
	case predicate.ElementMatch:
		operand := fmt.Sprintf("substring(e.elements_chain from %s)", r.bind(predicate.ElementPattern(e.Test.Key)))
		return fmt.Sprintf("EXISTS (SELECT 1 FROM events e WHERE e.team_id = %s AND e.person_id = p.id AND %s)",
			r.team(), r.test(e.Test, operand))
	case predicate.Performed:
		return r.performed(e)
	case predicate.InStatic:
		return fmt.Sprintf("p.id IN (SELECT s.person_id FROM cohort_static_people s WHERE s.team_id = %s AND s.cohort_id = %s)",
			r.team(), r.bind(e.CohortID))
	case predicate.InPrecalculated:
		return fmt.Sprintf(`p.id IN (SELECT m.person_id FROM cohort_membership m
			JOIN cohort_membership_versions v ON v.cohort_id = m.cohort_id AND v.version = m.version
			WHERE m.team_id = %s AND m.cohort_id = %s
			GROUP BY m.person_id HAVING sum(m.sign) > 0)`, r.team(), r.bind(e.CohortID))
	}
	return "FALSE"
}

func (r *renderer) join(terms []predicate.Expr, sep, empty string) string {
	if len(terms) == 0 {
		return empty
	}
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		parts = append(parts, r.expr(term))
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func (r *renderer) performed(e predicate.Performed) string {
	steps := make([]string, 0, len(e.Steps))
	for _, step := range e.Steps {
		conds := make([]string, 0, len(step.Filters)+1)
		if step.Event != "" {
			conds = append(conds, "e.event = "+r.bind(step.Event))
		}
		for _, filter := range step.Filters {
			conds = append(conds, r.test(filter, fmt.Sprintf("(e.properties ->> %s)", r.bind(filter.Key))))
		}
		if len(conds) == 0 {
			steps = append(steps, "TRUE")
			continue
		}
		steps = append(steps, "("+strings.Join(conds, " AND ")+")")
	}
	if len(steps) == 0 {
		return "FALSE"
	}

	where := []string{
		"e.team_id = " + r.team(),
		"e.person_id IS NOT NULL",
		"(" + strings.Join(steps, " OR ") + ")",
	}
	if !e.From.IsZero() {
		where = append(where, "e.timestamp >= "+r.bind(e.From))
	}
	if e.To != nil {
		where = append(where, "e.timestamp <= "+r.bind(*e.To))
	}

	sql := "p.id IN (SELECT e.person_id FROM events e WHERE " + strings.Join(where, " AND ") + " GROUP BY e.person_id"
	if e.Count != nil {
		sql += fmt.Sprintf(" HAVING count(*) %s %s", countComparator(e.CountOp), r.bind(*e.Count))
	}
	return sql + ")"
}

func countComparator(op predicate.CountOperator) string {
	switch op {
	case predicate.CountGTE:
		return ">="
	case predicate.CountLTE:
		return "<="
	}
	return "="
}

// test renders t against operand, a text expression that is NULL when the
// value is missing.
func (r *renderer) test(t predicate.Test, operand string) string {
	switch t.Op {
	case predicate.OpExact:
		return fmt.Sprintf("coalesce(%s = ANY(%s::text[]), false)", operand, r.bind(t.Values))
	case predicate.OpIsNot:
		return fmt.Sprintf("NOT coalesce(%s = ANY(%s::text[]), false)", operand, r.bind(t.Values))
	case predicate.OpIContains:
		return fmt.Sprintf("coalesce(%s ILIKE %s, false)", operand, r.bind(predicate.LikePattern(t.Pattern)))
	case predicate.OpNotIContains:
		return fmt.Sprintf("NOT coalesce(%s ILIKE %s, false)", operand, r.bind(predicate.LikePattern(t.Pattern)))
	case predicate.OpRegex:
		return fmt.Sprintf("coalesce(%s ~ %s, false)", operand, r.bind(t.Pattern))
	case predicate.OpNotRegex:
		return fmt.Sprintf("NOT coalesce(%s ~ %s, false)", operand, r.bind(t.Pattern))
	case predicate.OpGT, predicate.OpLT:
		cmp := ">"
		if t.Op == predicate.OpLT {
			cmp = "<"
		}
		return fmt.Sprintf("(CASE WHEN %s ~ %s THEN (%s)::numeric %s %s::numeric ELSE false END)",
			operand, r.bind(predicate.NumericPattern), operand, cmp, r.bind(strconv.FormatFloat(t.Number, 'g', -1, 64)))
	case predicate.OpIsSet:
		return "(" + operand + " IS NOT NULL)"
	case predicate.OpIsNotSet:
		return "(" + operand + " IS NULL)"
	}
	return "FALSE"
}
