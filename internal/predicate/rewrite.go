package predicate

// RegexPatterns lists the distinct regex sources used anywhere in expr.
func RegexPatterns(expr Expr) []string {
	seen := map[string]bool{}
	var patterns []string
	add := func(t Test) {
		if (t.Op == OpRegex || t.Op == OpNotRegex) && !seen[t.Pattern] {
			seen[t.Pattern] = true
			patterns = append(patterns, t.Pattern)
		}
	}
	var walk func(Expr)
	walk = func(e Expr) {
		switch v := e.(type) {
		case And:
			for _, term := range v.Terms {
				walk(term)
			}
		case Or:
			for _, term := range v.Terms {
				walk(term)
			}
		case Not:
			walk(v.Term)
		case PropertyMatch:
			add(v.Test)
		case EventPropertyMatch:
			add(v.Test)
		case ElementMatch:
			add(v.Test)
		case Performed:
			for _, step := range v.Steps {
				for _, filter := range step.Filters {
					add(filter)
				}
			}
		}
	}
	walk(expr)
	return patterns
}

// DropTests replaces every comparison rejected by keep with False, the same
// way the compiler treats an unusable regex. A Performed step with a rejected
// filter can never match and is removed.
func DropTests(expr Expr, keep func(Test) bool) Expr {
	switch v := expr.(type) {
	case And:
		terms := make([]Expr, 0, len(v.Terms))
		for _, term := range v.Terms {
			terms = append(terms, DropTests(term, keep))
		}
		return AllOf(terms...)
	case Or:
		terms := make([]Expr, 0, len(v.Terms))
		for _, term := range v.Terms {
			terms = append(terms, DropTests(term, keep))
		}
		return AnyOf(terms...)
	case Not:
		return Negate(DropTests(v.Term, keep))
	case PropertyMatch:
		if !keep(v.Test) {
			return False
		}
	case EventPropertyMatch:
		if !keep(v.Test) {
			return False
		}
	case ElementMatch:
		if !keep(v.Test) {
			return False
		}
	case Performed:
		steps := make([]EventStep, 0, len(v.Steps))
	steps:
		for _, step := range v.Steps {
			for _, filter := range step.Filters {
				if !keep(filter) {
					continue steps
				}
			}
			steps = append(steps, step)
		}
		if len(steps) == len(v.Steps) {
			return v
		}
		if len(steps) == 0 {
			return False
		}
		v.Steps = steps
		return v
	}
	return expr
}
