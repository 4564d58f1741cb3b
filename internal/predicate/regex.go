package predicate

import (
	"regexp"
	"strconv"
	"strings"
)

const maxPostgresRepeat = 255

// PortableRegex reports whether pattern compiles and means the same thing to
// Go's regexp package and to Postgres' ~ operator. Constructs only one engine
// understands (Unicode classes, named groups, inline flags past the start,
// \z, \Q...\E, \C, \x{...}, \b) are rejected, as are octal escapes that
// Postgres reads as back-references. Repetition counts above 255 are past
// Postgres' limit.
func PortableRegex(pattern string) bool {
	if _, err := regexp.Compile(pattern); err != nil {
		return false
	}
	rest := strings.TrimPrefix(pattern, "(?i)")
	inClass := false
	for i := 0; i < len(rest); i++ {
		switch c := rest[i]; {
		case c == '\\':
			if i+1 >= len(rest) {
				return false
			}
			next := rest[i+1]
			switch {
			case strings.IndexByte("pPzCQEbB", next) >= 0:
				return false
			case next >= '1' && next <= '9':
				return false
			case next == 'x' && i+2 < len(rest) && rest[i+2] == '{':
				return false
			}
			i++
		case inClass:
			if c == '[' && i+1 < len(rest) && rest[i+1] == ':' {
				if end := strings.Index(rest[i+2:], ":]"); end >= 0 {
					i += end + 3
				}
			} else if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
			if i+1 < len(rest) && rest[i+1] == '^' {
				i++
			}
			if i+1 < len(rest) && rest[i+1] == ']' {
				i++
			}
		case c == '{':
			if !repeatWithinLimit(rest[i+1:]) {
				return false
			}
		case c == '(' && i+1 < len(rest) && rest[i+1] == '?':
			if i+2 >= len(rest) || !strings.ContainsRune(":=!", rune(rest[i+2])) {
				return false
			}
		}
	}
	return true
}

// repeatWithinLimit checks the bound starting after a '{'. Text that is not a
// well-formed {m}, {m,} or {m,n} is a literal brace in both engines.
func repeatWithinLimit(bound string) bool {
	end := strings.IndexByte(bound, '}')
	if end < 0 {
		return true
	}
	for _, part := range strings.SplitN(bound[:end], ",", 2) {
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return true
		}
		if n > maxPostgresRepeat {
			return false
		}
	}
	return true
}
