package predicate

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// NumericPattern recognises stored values that gt/lt may coerce to numbers.
// Both backends gate numeric comparison on it so they agree on what is numeric.
const NumericPattern = `^\s*[-+]?([0-9]+(\.[0-9]*)?|\.[0-9]+)([eE][-+]?[0-9]+)?\s*$`

var numericRe = regexp.MustCompile(NumericPattern)

// Test is a compiled comparison of one text value against a filter.
// Values holds the exact/is_not set, Pattern the icontains substring or the
// regex source, and Number the gt/lt bound.
type Test struct {
	Op      Operator
	Key     string
	Values  []string
	Pattern string
	Number  float64
}

// Negated reports whether the operator matches rows lacking the property.
func (t Test) Negated() bool {
	switch t.Op {
	case OpIsNot, OpNotIContains, OpNotRegex, OpIsNotSet:
		return true
	}
	return false
}

// Eval applies the test to a stored value; present is false when the value is missing.
func (t Test) Eval(value string, present bool) bool {
	switch t.Op {
	case OpExact:
		return present && containsString(t.Values, value)
	case OpIsNot:
		return !(present && containsString(t.Values, value))
	case OpIContains:
		return present && strings.Contains(strings.ToLower(value), strings.ToLower(t.Pattern))
	case OpNotIContains:
		return !(present && strings.Contains(strings.ToLower(value), strings.ToLower(t.Pattern)))
	case OpRegex:
		return present && cachedRegexp(t.Pattern).MatchString(value)
	case OpNotRegex:
		return !(present && cachedRegexp(t.Pattern).MatchString(value))
	case OpGT:
		n, ok := ParseNumber(value)
		return present && ok && n > t.Number
	case OpLT:
		n, ok := ParseNumber(value)
		return present && ok && n < t.Number
	case OpIsSet:
		return present
	case OpIsNotSet:
		return !present
	}
	return false
}

// ParseNumber coerces a stored value to a number when it looks numeric.
func ParseNumber(value string) (float64, bool) {
	if !numericRe.MatchString(value) {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// LikePattern escapes a substring for use in an ILIKE containment test.
func LikePattern(substring string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(substring) + "%"
}

// ElementPattern extracts the value of attribute key from an element chain
// such as `a.btn:href="/signup"text="Sign up"`. The key must not be preceded
// by a name character, so href does not match data-href or attr__href. The
// value is the only capturing group, which Postgres' substring returns.
func ElementPattern(key string) string {
	return `(?:^|[^A-Za-z0-9_-])` + regexp.QuoteMeta(key) + `="([^"]*)"`
}

// ElementValue returns the first value of attribute key in an element chain.
func ElementValue(chain, key string) (string, bool) {
	match := cachedRegexp(ElementPattern(key)).FindStringSubmatch(chain)
	if match == nil {
		return "", false
	}
	return match[1], true
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

var regexpCache sync.Map

// cachedRegexp compiles patterns that already passed compile-time validation.
func cachedRegexp(pattern string) *regexp.Regexp {
	if re, ok := regexpCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = regexp.MustCompile(`a\A`)
	}
	regexpCache.Store(pattern, re)
	return re
}
