package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTestEval(t *testing.T) {
	tests := []struct {
		name    string
		test    Test
		value   string
		present bool
		want    bool
	}{
		{"exact hit", Test{Op: OpExact, Values: []string{"a", "b"}}, "b", true, true},
		{"exact miss", Test{Op: OpExact, Values: []string{"a"}}, "c", true, false},
		{"exact missing", Test{Op: OpExact, Values: []string{""}}, "", false, false},
		{"is_not missing matches", Test{Op: OpIsNot, Values: []string{"a"}}, "", false, true},
		{"is_not equal", Test{Op: OpIsNot, Values: []string{"a"}}, "a", true, false},
		{"icontains case", Test{Op: OpIContains, Pattern: "EXAMPLE"}, "me@example.com", true, true},
		{"not_icontains", Test{Op: OpNotIContains, Pattern: "example"}, "me@corp.com", true, true},
		{"regex", Test{Op: OpRegex, Pattern: `^\d{3}$`}, "123", true, true},
		{"not_regex missing", Test{Op: OpNotRegex, Pattern: `x`}, "", false, true},
		{"gt numeric string", Test{Op: OpGT, Number: 10}, " 11.5 ", true, true},
		{"gt non numeric", Test{Op: OpGT, Number: 10}, "eleven", true, false},
		{"lt exponent", Test{Op: OpLT, Number: 1}, "1e-3", true, true},
		{"is_set", Test{Op: OpIsSet}, "", true, true},
		{"is_not_set", Test{Op: OpIsNotSet}, "x", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.test.Eval(tt.value, tt.present))
		})
	}
}

func TestLikePatternEscapes(t *testing.T) {
	assert.Equal(t, `%50\% off\_now%`, LikePattern("50% off_now"))
}

func TestElementValue(t *testing.T) {
	chain := `a.btn:attr__href="/signup"href="/signup"text="Sign up";div.nav`
	value, ok := ElementValue(chain, "text")
	assert.True(t, ok)
	assert.Equal(t, "Sign up", value)

	_, ok = ElementValue(chain, "attr_id")
	assert.False(t, ok)
}

func TestElementValueNeedsKeyBoundary(t *testing.T) {
	value, ok := ElementValue(`a:data-href="/evil"href="/signup"`, "href")
	assert.True(t, ok)
	assert.Equal(t, "/signup", value)

	value, ok = ElementValue(`href="/home";a:attr__href="/x"`, "href")
	assert.True(t, ok)
	assert.Equal(t, "/home", value)

	_, ok = ElementValue(`a:data-href="/evil"attr__href="/x"`, "href")
	assert.False(t, ok)
}

func TestFoldingConstructors(t *testing.T) {
	p := PropertyMatch{Test: Test{Op: OpIsSet, Key: "email"}}

	assert.Equal(t, False, AllOf(p, False))
	assert.Equal(t, p, AllOf(True, p))
	assert.Equal(t, True, AllOf())
	assert.Equal(t, True, AnyOf(p, True))
	assert.Equal(t, False, AnyOf())
	assert.Equal(t, Or{Terms: []Expr{p, p}}, AnyOf(p, False, p))
	assert.Equal(t, p, Negate(Negate(p)))
}
