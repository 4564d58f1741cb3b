package predicate

import "time"

// Expr is a node of a person-level membership predicate.
type Expr interface {
	exprNode()
}

// Const is a predicate that matches everyone (true) or nobody (false).
type Const struct {
	Value bool
}

var (
	True  Expr = Const{Value: true}
	False Expr = Const{Value: false}
)

// And matches persons satisfying every term. An empty And matches everyone.
type And struct {
	Terms []Expr
}

// Or matches persons satisfying any term. An empty Or matches nobody.
type Or struct {
	Terms []Expr
}

// Not inverts its term.
type Not struct {
	Term Expr
}

// PropertyMatch tests a person property.
type PropertyMatch struct {
	Test Test
}

// EventPropertyMatch matches persons with at least one event whose properties satisfy Test.
type EventPropertyMatch struct {
	Test Test
}

// ElementMatch matches persons with at least one event whose element chain
// carries attribute Test.Key satisfying Test.
type ElementMatch struct {
	Test Test
}

// EventStep matches one event by name and event-property filters.
// An empty Event matches any event name.
type EventStep struct {
	Event   string
	Filters []Test
}

// Performed matches persons whose events within [From, To] matching any step
// satisfy the count condition. A zero From leaves the window open at the start,
// a nil To leaves it open at the end. A nil Count means at least once.
type Performed struct {
	Steps   []EventStep
	From    time.Time
	To      *time.Time
	Count   *int64
	CountOp CountOperator
}

// InStatic matches explicit members of a static cohort.
type InStatic struct {
	CohortID int64
}

// InPrecalculated matches the committed materialized membership of a cohort.
type InPrecalculated struct {
	CohortID int64
}

func (Const) exprNode()              {}
func (And) exprNode()                {}
func (Or) exprNode()                 {}
func (Not) exprNode()                {}
func (PropertyMatch) exprNode()      {}
func (EventPropertyMatch) exprNode() {}
func (ElementMatch) exprNode()       {}
func (Performed) exprNode()          {}
func (InStatic) exprNode()           {}
func (InPrecalculated) exprNode()    {}

// AllOf conjoins terms, folding constants.
func AllOf(terms ...Expr) Expr {
	kept := make([]Expr, 0, len(terms))
	for _, term := range terms {
		if c, ok := term.(Const); ok {
			if !c.Value {
				return False
			}
			continue
		}
		kept = append(kept, term)
	}
	switch len(kept) {
	case 0:
		return True
	case 1:
		return kept[0]
	}
	return And{Terms: kept}
}

// AnyOf disjoins terms, folding constants.
func AnyOf(terms ...Expr) Expr {
	kept := make([]Expr, 0, len(terms))
	for _, term := range terms {
		if c, ok := term.(Const); ok {
			if c.Value {
				return True
			}
			continue
		}
		kept = append(kept, term)
	}
	switch len(kept) {
	case 0:
		return False
	case 1:
		return kept[0]
	}
	return Or{Terms: kept}
}

// Negate inverts term, folding constants and double negation.
func Negate(term Expr) Expr {
	switch v := term.(type) {
	case Const:
		return Const{Value: !v.Value}
	case Not:
		return v.Term
	}
	return Not{Term: term}
}
