// Package exclusions holds the model exclusion list: requests for a model
// on the list bypass memory entirely, as if memory_mode=off had been set.
package exclusions

import (
	"fmt"
	"regexp"
)

// List matches model names against exclusion rules. Two matching modes:
//
//   - Exact match: the model string must equal the rule exactly.
//   - Regex match: the model string is tested against a compiled regexp.
//
// A nil *List is safe to call — Matches always returns false.
type List struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// New compiles the given exact strings and regex patterns into a List.
// Returns an error if any pattern fails to compile so that
// misconfiguration is caught at startup.
func New(exact, patterns []string) (*List, error) {
	l := &List{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			l.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("exclusions: invalid pattern %q: %w", p, err)
		}
		l.patterns = append(l.patterns, re)
	}

	return l, nil
}

// Matches reports whether the given model bypasses memory. Exact rules are
// checked first (O(1)), then regex patterns in order.
func (l *List) Matches(model string) bool {
	if l == nil {
		return false
	}
	if _, ok := l.exact[model]; ok {
		return true
	}
	for _, re := range l.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of exclusion rules configured.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.exact) + len(l.patterns)
}
