// Package filter implements the entry matching engine.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"rssbot/internal/model"
)

// Kind defines the type of filter rule.
type Kind string

// Rule kinds.
const (
	Include   Kind = "include"
	Exclude   Kind = "exclude"
	IncludeRe Kind = "include_re"
	ExcludeRe Kind = "exclude_re"
)

// Scope defines which part of an entry a rule matches against.
type Scope string

// Rule scopes.
const (
	ScopeTitle   Scope = "title"
	ScopeContent Scope = "content"
	ScopeAll     Scope = "all"
)

// Rule is a single filtering rule. Build it with NewRule so regex kinds are
// compiled once.
type Rule struct {
	Kind  Kind
	Scope Scope
	Value string

	re *regexp.Regexp
}

// NewRule validates and compiles a rule.
func NewRule(kind Kind, scope Scope, value string) (Rule, error) {
	if value == "" {
		return Rule{}, fmt.Errorf("filter value is required")
	}
	switch scope {
	case ScopeTitle, ScopeContent, ScopeAll:
	default:
		return Rule{}, fmt.Errorf("invalid scope %q, use: title, content, all", scope)
	}

	r := Rule{Kind: kind, Scope: scope, Value: value}
	switch kind {
	case Include, Exclude:
	case IncludeRe, ExcludeRe:
		re, err := regexp.Compile("(?i)" + value)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid regex: %w", err)
		}
		r.re = re
	default:
		return Rule{}, fmt.Errorf("unknown filter kind %q", kind)
	}
	return r, nil
}

// Match checks whether an entry passes the given set of rules.
// If no rules are provided, the entry always passes.
// Include rules use OR logic (at least one must match).
// Exclude rules use AND logic (none must match).
func Match(entry model.Entry, rules []Rule) bool {
	if len(rules) == 0 {
		return true
	}

	hasIncludes := false
	anyIncludeMatched := false

	for _, r := range rules {
		switch r.Kind {
		case Include, IncludeRe:
			hasIncludes = true
			if r.matches(entry) {
				anyIncludeMatched = true
			}
		case Exclude, ExcludeRe:
			if r.matches(entry) {
				return false
			}
		}
	}

	return !hasIncludes || anyIncludeMatched
}

func (r Rule) matches(entry model.Entry) bool {
	text := textForScope(entry, r.Scope)
	switch r.Kind {
	case Include, Exclude:
		return strings.Contains(text, strings.ToLower(r.Value))
	case IncludeRe, ExcludeRe:
		return r.re != nil && r.re.MatchString(text)
	}
	return false
}

func textForScope(entry model.Entry, scope Scope) string {
	switch scope {
	case ScopeTitle:
		return strings.ToLower(entry.Title)
	case ScopeContent:
		return strings.ToLower(entry.Summary)
	default:
		return strings.ToLower(entry.Title + " " + entry.Summary)
	}
}
