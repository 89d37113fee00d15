package sym

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestLegendEntriesAreDescribed(t *testing.T) {
	assert.Len(t, Legend, len(descriptions))
	for _, g := range Legend {
		assert.NotEmpty(t, Describe(g), "glyph %q has no description", g)
	}
}

func TestGlyphsAreSingleRunes(t *testing.T) {
	for _, g := range Legend {
		assert.True(t, utf8.ValidString(g))
		assert.Equal(t, 1, utf8.RuneCountInString(g), "glyph %q", g)
	}
}

func TestNoDuplicateGlyphs(t *testing.T) {
	seen := map[string]bool{}
	for _, g := range Legend {
		assert.False(t, seen[g], "duplicate glyph %q", g)
		seen[g] = true
	}
	assert.Equal(t, "", Describe("?"))
}
