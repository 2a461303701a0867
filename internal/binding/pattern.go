// ABOUTME: Restricted glob patterns compiled to tagged matchers (any, exact, prefix, suffix)
// ABOUTME: Only a single leading or trailing '*' is recognised

package binding

import (
	"fmt"
	"strings"
)

// MatcherKind selects how a Matcher compares values.
type MatcherKind int

const (
	MatchAny MatcherKind = iota
	MatchExact
	MatchPrefix
	MatchSuffix
)

func (k MatcherKind) String() string {
	switch k {
	case MatchAny:
		return "any"
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	case MatchSuffix:
		return "suffix"
	default:
		return fmt.Sprintf("MatcherKind(%d)", int(k))
	}
}

// Matcher is a compiled pattern. Value is the literal, prefix or suffix;
// it is empty for MatchAny.
type Matcher struct {
	Kind  MatcherKind `json:"kind"`
	Value string      `json:"value,omitempty"`
}

// CompilePattern turns a pattern string into a Matcher.
func CompilePattern(pattern string) Matcher {
	switch {
	case pattern == "*":
		return Matcher{Kind: MatchAny}
	case strings.HasSuffix(pattern, "*") && strings.Count(pattern, "*") == 1:
		return Matcher{Kind: MatchPrefix, Value: strings.TrimSuffix(pattern, "*")}
	case strings.HasPrefix(pattern, "*"):
		return Matcher{Kind: MatchSuffix, Value: strings.TrimPrefix(pattern, "*")}
	default:
		return Matcher{Kind: MatchExact, Value: pattern}
	}
}

// Match reports whether value satisfies the matcher.
func (m Matcher) Match(value string) bool {
	switch m.Kind {
	case MatchAny:
		return true
	case MatchExact:
		return value == m.Value
	case MatchPrefix:
		return strings.HasPrefix(value, m.Value)
	case MatchSuffix:
		return strings.HasSuffix(value, m.Value)
	default:
		return false
	}
}

// String renders the matcher back in pattern form.
func (m Matcher) String() string {
	switch m.Kind {
	case MatchAny:
		return "*"
	case MatchPrefix:
		return m.Value + "*"
	case MatchSuffix:
		return "*" + m.Value
	default:
		return m.Value
	}
}
