package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegexPatternsAndDropTests(t *testing.T) {
	bad := Test{Op: OpRegex, Key: "name", Pattern: `[[:nope:]]`}
	good := Test{Op: OpIContains, Key: "email", Pattern: "example"}
	expr := AnyOf(
		PropertyMatch{Test: bad},
		AllOf(PropertyMatch{Test: good}, Negate(EventPropertyMatch{Test: Test{Op: OpNotRegex, Key: "path", Pattern: "^/x"}})),
		Performed{Steps: []EventStep{
			{Event: "$autocapture", Filters: []Test{bad}},
			{Event: "$pageview"},
		}},
	)

	assert.ElementsMatch(t, []string{`[[:nope:]]`, "^/x"}, RegexPatterns(expr))

	keep := func(test Test) bool { return test.Pattern != bad.Pattern }
	rewritten := DropTests(expr, keep)
	assert.NotContains(t, RegexPatterns(rewritten), bad.Pattern)

	or, ok := rewritten.(Or)
	require.True(t, ok, "got %#v", rewritten)
	require.Len(t, or.Terms, 2, "the unusable comparison folds away")
	performed := or.Terms[1].(Performed)
	require.Len(t, performed.Steps, 1)
	assert.Equal(t, "$pageview", performed.Steps[0].Event)
}

func TestDropTestsUnderNot(t *testing.T) {
	bad := PropertyMatch{Test: Test{Op: OpRegex, Key: "name", Pattern: "x"}}
	drop := func(Test) bool { return false }

	assert.Equal(t, True, DropTests(Negate(bad), drop))
	assert.Equal(t, False, DropTests(Performed{Steps: []EventStep{{Event: "a", Filters: []Test{bad.Test}}}}, drop))

	untouched := Performed{Steps: []EventStep{{Event: "a"}}}
	assert.Equal(t, untouched, DropTests(untouched, drop))
}
