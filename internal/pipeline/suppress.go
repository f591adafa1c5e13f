package pipeline

import (
	"strings"
)

// GenericClassifier decides whether a response is too generic to repeat.
// The default is the lexical heuristic below; it is pluggable so a smarter
// classifier can replace it without touching the pipeline.
type GenericClassifier interface {
	Generic(response string) bool
}

// lexicalClassifier flags short responses that mostly redirect the user
// elsewhere.
type lexicalClassifier struct {
	maxLength int
	phrases   []string
}

// NewLexicalClassifier returns the default genericness heuristic.
func NewLexicalClassifier() GenericClassifier {
	return &lexicalClassifier{
		maxLength: 200,
		phrases:   []string{"visit", "check", "see", "go to"},
	}
}

func (c *lexicalClassifier) Generic(response string) bool {
	if len(response) > c.maxLength {
		return false
	}
	lower := strings.ToLower(response)
	for _, phrase := range c.phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

var followUpPrefixes = []string{
	"what about",
	"how about",
	"tell me about",
	"and what",
	"what else",
	"anything else",
}

// isFollowUp reports whether the user message reads like a follow-up to the
// previous answer rather than a fresh question.
func isFollowUp(message string) bool {
	lower := strings.ToLower(strings.TrimSpace(message))
	for _, prefix := range followUpPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// suppressed applies the duplicate/follow-up rule to a pattern or cache
// candidate: drop it when it repeats the last assistant turn byte for byte,
// or when a follow-up question would get the same generic redirect again.
func (p *Pipeline) suppressed(candidate, lastAssistant, userMessage string) bool {
	if lastAssistant == "" {
		return false
	}
	if candidate == lastAssistant {
		return true
	}
	if isFollowUp(userMessage) && p.classifier.Generic(lastAssistant) && p.classifier.Generic(candidate) {
		return true
	}
	return false
}
