package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what is your price", Normalize("  What is your PRICE?! "))
	assert.Equal(t, "hello world", Normalize("hello,\n\tworld"))
	assert.Equal(t, "", Normalize("...!!!"))
}

func TestWordsPositions(t *testing.T) {
	words := Words("What is your price for a quote?")
	assert.Equal(t, []string{"what", "is", "your", "price", "for", "a", "quote"}, words)
}

func TestSignificantTerms(t *testing.T) {
	terms := SignificantTerms("What are your prices for business accounts?")
	assert.Equal(t, []string{"price", "business", "account"}, terms)
}

func TestSingularize(t *testing.T) {
	cases := map[string]string{
		"prices":    "price",
		"policies":  "policy",
		"classes":   "class",
		"business":  "business",
		"bus":       "bus",
		"documents": "document",
	}
	for in, want := range cases {
		assert.Equal(t, want, Singularize(in), in)
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, Levenshtein("hello", "hello"))
	assert.Equal(t, 1, Levenshtein("hello", "helo"))
	assert.Equal(t, 2, Levenshtein("refund", "refnud"))
	assert.Equal(t, 5, Levenshtein("", "hello"))
}

func TestContainsWholeWord(t *testing.T) {
	assert.True(t, ContainsWholeWord("what is the price today", "price", false))
	assert.True(t, ContainsWholeWord("Price?", "price", false))
	assert.False(t, ContainsWholeWord("tell me about history", "hi", false))
	assert.False(t, ContainsWholeWord("pricey items", "price", false))
	assert.False(t, ContainsWholeWord("Price", "price", true))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.Equal(t, 5, EstimateTokens("12345678901234567890"))
}
