package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixMatching(t *testing.T) {
	m := New()

	got, ok := m.Match("fire", "Firefox")
	assert.True(t, ok)
	assert.False(t, got.Exact)
	assert.Greater(t, got.Score, 0.0)

	_, ok = m.Match("fox", "Firefox")
	assert.False(t, ok)

	got, ok = m.Match("web brow", "Web Browser")
	assert.True(t, ok)
	assert.Less(t, got.Score, 1.0)
}

func TestExactMatch(t *testing.T) {
	got, ok := New().Match("  firefox ", "Firefox")
	assert.True(t, ok)
	assert.True(t, got.Exact)
	assert.Equal(t, 1.0, got.Score)
}

func TestShorterCandidateScoresHigher(t *testing.T) {
	m := New()
	short, _ := m.Match("fire", "firefox")
	long, _ := m.Match("fire", "firewall settings")
	assert.Greater(t, short.Score, long.Score)
}

func TestFuzzyMatching(t *testing.T) {
	_, ok := New().Match("fierfox", "firefox")
	assert.False(t, ok)

	fuzzy := New(WithFuzzy(true))
	got, ok := fuzzy.Match("fierfox", "firefox")
	assert.True(t, ok)
	assert.Less(t, got.Score, 0.5)

	prefix, _ := fuzzy.Match("fire", "firefox")
	assert.Greater(t, prefix.Score, got.Score)
}

func TestEmptyQueryMatchesEverything(t *testing.T) {
	got, ok := New().Match("", "anything")
	assert.True(t, ok)
	assert.Zero(t, got.Score)
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"visual", "studio", "code"}, Words("Visual-Studio  Code"))
}
