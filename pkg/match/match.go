// Package match provides the string matching used by built-in handlers.
//
// Matching is word based: every word of the query must be a prefix of some
// word of the candidate. With fuzzy matching enabled, a query word may
// instead be similar to a candidate word according to Jaro-Winkler.
package match

import (
	"strings"
	"unicode"

	"github.com/hbollon/go-edlib"
)

// DefaultThreshold is the minimum Jaro-Winkler similarity for a fuzzy word hit.
const DefaultThreshold = 0.82

// Matcher scores candidates against a query.
type Matcher struct {
	fuzzy     bool
	threshold float64
}

// Option customises a Matcher.
type Option func(*Matcher)

// WithFuzzy enables fuzzy word matching.
func WithFuzzy(enabled bool) Option {
	return func(m *Matcher) { m.fuzzy = enabled }
}

// WithThreshold overrides the fuzzy similarity threshold. Values outside
// (0,1] are ignored.
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		if threshold > 0 && threshold <= 1 {
			m.threshold = threshold
		}
	}
}

// New creates a matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match describes how a candidate matched.
type Match struct {
	// Score is in [0,1]; 1 means the candidate equals the query.
	Score float64
	Exact bool
}

// Match reports whether candidate matches query. An empty query matches
// everything with score 0.
func (m *Matcher) Match(query, candidate string) (Match, bool) {
	q := Words(query)
	if len(q) == 0 {
		return Match{}, true
	}
	c := Words(candidate)
	if len(c) == 0 {
		return Match{}, false
	}
	if strings.Join(q, " ") == strings.Join(c, " ") {
		return Match{Score: 1, Exact: true}, true
	}

	var total float64
	for _, word := range q {
		best := 0.0
		for _, cw := range c {
			if s := m.wordScore(word, cw); s > best {
				best = s
			}
		}
		if best == 0 {
			return Match{}, false
		}
		total += best
	}
	// Penalise long candidates so "fire" ranks "firefox" above "firewall settings".
	coverage := float64(len(q)) / float64(len(c))
	if coverage > 1 {
		coverage = 1
	}
	score := (total / float64(len(q))) * (0.5 + 0.5*coverage)
	if score >= 1 {
		score = 0.99
	}
	return Match{Score: score}, true
}

func (m *Matcher) wordScore(word, candidate string) float64 {
	if strings.HasPrefix(candidate, word) {
		return 0.5 + 0.5*float64(len(word))/float64(len(candidate))
	}
	if !m.fuzzy {
		return 0
	}
	sim, err := edlib.StringsSimilarity(word, candidate, edlib.JaroWinkler)
	if err != nil || float64(sim) < m.threshold {
		return 0
	}
	// Fuzzy hits never outrank a prefix hit.
	return 0.5 * float64(sim)
}

// Words lowercases s and splits it on anything that is not a letter or digit.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
