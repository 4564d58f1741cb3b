package memstore

import (
	"encoding/json"

	"cohorts/engine/internal/predicate"
)

// evalLocked decides whether person satisfies expr. Callers hold s.mu.
func (s *Store) evalLocked(expr predicate.Expr, person Person) bool {
	switch e := expr.(type) {
	case predicate.Const:
		return e.Value
	case predicate.And:
		for _, term := range e.Terms {
			if !s.evalLocked(term, person) {
				return false
			}
		}
		return true
	case predicate.Or:
		for _, term := range e.Terms {
			if s.evalLocked(term, person) {
				return true
			}
		}
		return false
	case predicate.Not:
		return !s.evalLocked(e.Term, person)
	case predicate.PropertyMatch:
		value, present := textValue(person.Properties, e.Test.Key)
		return e.Test.Eval(value, present)
	case predicate.EventPropertyMatch:
		return s.anyEventLocked(person, func(ev Event) bool {
			value, present := textValue(ev.Properties, e.Test.Key)
			return e.Test.Eval(value, present)
		})
	case predicate.ElementMatch:
		return s.anyEventLocked(person, func(ev Event) bool {
			value, present := predicate.ElementValue(ev.ElementsChain, e.Test.Key)
			return e.Test.Eval(value, present)
		})
	case predicate.Performed:
		return s.performedLocked(e, person)
	case predicate.InStatic:
		member, ok := s.static[staticKey{cohortID: e.CohortID, personID: person.ID}]
		return ok && member.TeamID == person.TeamID
	case predicate.InPrecalculated:
		c, ok := s.cohorts[e.CohortID]
		if !ok || c.TeamID != person.TeamID {
			return false
		}
		return s.committedSumsLocked(person.TeamID, e.CohortID, c.CommittedVersion)[person.ID] > 0
	}
	return false
}

func (s *Store) anyEventLocked(person Person, match func(Event) bool) bool {
	for _, ev := range s.events {
		if ev.TeamID == person.TeamID && ev.PersonID == person.ID && match(ev) {
			return true
		}
	}
	return false
}

// performedLocked counts matching events in the window. A person without any
// matching event never qualifies, whatever the count condition.
func (s *Store) performedLocked(p predicate.Performed, person Person) bool {
	var count int64
	for _, ev := range s.events {
		if ev.TeamID != person.TeamID || ev.PersonID != person.ID {
			continue
		}
		if !p.From.IsZero() && ev.Timestamp.Before(p.From) {
			continue
		}
		if p.To != nil && ev.Timestamp.After(*p.To) {
			continue
		}
		if matchesAnyStep(p.Steps, ev) {
			count++
		}
	}
	if count == 0 {
		return false
	}
	if p.Count == nil {
		return true
	}
	switch p.CountOp {
	case predicate.CountGTE:
		return count >= *p.Count
	case predicate.CountLTE:
		return count <= *p.Count
	}
	return count == *p.Count
}

func matchesAnyStep(steps []predicate.EventStep, ev Event) bool {
	for _, step := range steps {
		if step.Event != "" && step.Event != ev.Event {
			continue
		}
		ok := true
		for _, filter := range step.Filters {
			value, present := textValue(ev.Properties, filter.Key)
			if !filter.Eval(value, present) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// textValue reads a property the way the ->> operator does: JSON null and
// absent keys are missing, scalars become text.
func textValue(props map[string]any, key string) (string, bool) {
	raw, ok := props[key]
	if !ok || raw == nil {
		return "", false
	}
	return predicate.Stringify(raw), true
}

func encode(def predicate.Definition) ([]byte, error) {
	return json.Marshal(def)
}
