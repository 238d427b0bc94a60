package model

import (
	"sort"
	"strings"
)

// NormalizeCapabilities upper-cases, trims, de-duplicates and sorts tokens.
// Empty tokens are dropped.
func NormalizeCapabilities(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Matches reports whether capabilities ⊇ requirements, comparing tokens
// case-insensitively. It is a hard filter: every requirement must be present
// as a whole token, so GPU does not satisfy GPU2.
func Matches(requirements, capabilities []string) bool {
	have := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		have[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	for _, r := range requirements {
		r = strings.ToUpper(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}
