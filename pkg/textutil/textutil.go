// Package textutil holds the small text helpers shared by the pattern
// matcher, semantic cache and deterministic retriever.
package textutil

import (
	"strings"
	"unicode"
)

var punctReplacer = strings.NewReplacer(
	".", " ", ",", " ", ";", " ", ":", " ",
	"!", " ", "?", " ", "(", " ", ")", " ",
	"[", " ", "]", " ", "{", " ", "}", " ",
	"\"", " ", "'", " ", "-", " ", "_", " ",
	"\n", " ", "\t", " ", "\r", " ",
)

// Normalize lowercases, strips punctuation and collapses whitespace. It is
// the canonical form used for cache keys and fuzzy comparison.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = punctReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// Words splits text into lowercase word tokens, punctuation removed.
// Positions in the returned slice are the word positions used by the
// keyword proximity check.
func Words(s string) []string {
	return strings.Fields(punctReplacer.Replace(strings.ToLower(s)))
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "by": true, "from": true, "about": true, "as": true,
	"what": true, "which": true, "who": true, "how": true, "when": true,
	"where": true, "why": true, "can": true, "could": true, "would": true,
	"should": true, "do": true, "does": true, "did": true, "have": true,
	"has": true, "had": true, "my": true, "your": true, "our": true,
	"their": true, "it": true, "its": true, "this": true, "that": true,
	"there": true, "i": true, "you": true, "we": true, "they": true,
	"me": true, "please": true,
}

// SignificantTerms extracts query terms worth matching against document
// chunks: stopwords dropped, short tokens dropped, naive plurals folded.
func SignificantTerms(query string) []string {
	var terms []string
	for _, w := range Words(query) {
		if len(w) <= 2 || stopwords[w] {
			continue
		}
		terms = append(terms, Singularize(w))
	}
	return terms
}

// Singularize folds the common English plural forms. It is intentionally
// naive; the retriever only needs rough term matching.
func Singularize(w string) string {
	switch {
	case strings.HasSuffix(w, "ies") && len(w) > 4:
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "ses") && len(w) > 4:
		return w[:len(w)-2]
	case strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && len(w) > 3:
		return w[:len(w)-1]
	}
	return w
}

// Levenshtein returns the edit distance between a and b.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// ContainsWholeWord reports whether word occurs in text bounded by
// non-alphanumeric runes on both sides.
func ContainsWholeWord(text, word string, caseSensitive bool) bool {
	if !caseSensitive {
		text = strings.ToLower(text)
		word = strings.ToLower(word)
	}
	for start := 0; ; {
		idx := strings.Index(text[start:], word)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(word)
		beforeOK := idx == 0 || !isWordRune(rune(text[idx-1]))
		afterOK := end == len(text) || !isWordRune(rune(text[end]))
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
		if start >= len(text) {
			return false
		}
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// EstimateTokens gives a cheap upper-bound token count for budget math.
// Four characters per token is the usual English approximation.
func EstimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}
