package filter

import (
	"fmt"
	"strings"
)

// ParseRules parses a list of rules separated by newlines or semicolons.
// Each rule has the form: <kind> [-s title|content|all] <value...>
// A regex rule extends to the end of its line, so its pattern may contain
// semicolons; rules that follow it on the same line become part of it.
func ParseRules(raw string) ([]Rule, error) {
	lines := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r'
	})

	var rules []Rule
	for _, line := range lines {
		parts := strings.Split(line, ";")
		for i := 0; i < len(parts); i++ {
			part := strings.TrimSpace(parts[i])
			if part == "" {
				continue
			}
			if isRegexRule(part) {
				part = strings.TrimSpace(strings.Join(parts[i:], ";"))
				i = len(parts)
			}
			r, err := ParseRule(part)
			if err != nil {
				return nil, fmt.Errorf("filter %q: %w", part, err)
			}
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func isRegexRule(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	switch Kind(strings.ToLower(fields[0])) {
	case IncludeRe, ExcludeRe:
		return true
	}
	return false
}

// ParseRule parses a single rule. The scope defaults to all.
func ParseRule(s string) (Rule, error) {
	parts := strings.Fields(s)
	if len(parts) < 2 {
		return Rule{}, fmt.Errorf("usage: <kind> [-s title|content|all] <value>")
	}

	kind := Kind(strings.ToLower(parts[0]))
	scope := ScopeAll
	rest := parts[1:]

	if len(rest) >= 2 && rest[0] == "-s" {
		scope = Scope(strings.ToLower(rest[1]))
		rest = rest[2:]
	}

	return NewRule(kind, scope, strings.Join(rest, " "))
}
