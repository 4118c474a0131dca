package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSKU(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc-123", "ABC123"},
		{" ab c/1.2_3 ", "ABC123"},
		{"Ä-100", "Ä100"},
		{"", ""},
		{"--..//", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSKU(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeCompanyName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ACME GmbH", "acme"},
		{"Acme Tools GmbH & Co. KG", "acme tools"},
		{"Müller AG", "müller"},
		{"gmbh", "gmbh"}, // never strip the only token
		{"Northwind  Traders   Ltd", "northwind traders"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCompanyName(tt.in), "input %q", tt.in)
	}
}

func TestTrigrams(t *testing.T) {
	set := Trigrams("cat")
	// pg_trgm pads to "  cat " -> "  c", " ca", "cat", "at "
	assert.Len(t, set, 4)
	for _, g := range []string{"  c", " ca", "cat", "at "} {
		_, ok := set[g]
		assert.True(t, ok, "missing trigram %q", g)
	}

	assert.Empty(t, Trigrams(""))
	assert.Empty(t, Trigrams("..."))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("word", "word"))
	assert.Equal(t, 1.0, Similarity("Word", "WORD"))
	assert.Equal(t, 0.0, Similarity("", "word"))
	assert.Equal(t, 0.0, Similarity("", ""))

	// Close strings score high, unrelated strings low.
	close := Similarity("schraube m8", "schraube m80")
	far := Similarity("schraube m8", "kabelkanal")
	assert.Greater(t, close, 0.6)
	assert.Less(t, far, 0.15)
	assert.Greater(t, close, far)
}

func TestSimilaritySymmetry(t *testing.T) {
	pairs := [][2]string{
		{"acme tools", "acme tool gmbh"},
		{"bolt m8x40", "bolt m8 40"},
		{"abc", "abcd"},
	}
	for _, p := range pairs {
		assert.InDelta(t, Similarity(p[0], p[1]), Similarity(p[1], p[0]), 1e-12)
	}
}
