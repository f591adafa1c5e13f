// Package pattern evaluates the cheap canned-response rules against inbound
// messages. Evaluation is pure; the orchestrator applies any rule action.
package pattern

import (
	"regexp"
	"sort"
	"strings"

	"github.com/owolfdev/chatiq/internal/models"
	"github.com/owolfdev/chatiq/pkg/textutil"
	"github.com/sirupsen/logrus"
)

// Keywords of one alternative must land within this many intervening words of
// each other in the input.
const proximityWindow = 2

// Match is a winning rule plus its response text.
type Match struct {
	Rule     *models.PatternRule
	Response string
}

// Matcher tests messages against a bot's pattern rules.
type Matcher struct {
	logger *logrus.Logger
}

// NewMatcher creates a new pattern matcher
func NewMatcher(logger *logrus.Logger) *Matcher {
	return &Matcher{logger: logger}
}

// Match returns the first matching rule in descending-priority order, then
// newest first, or nil. Reserved fallback rules are skipped.
func (m *Matcher) Match(rules []models.PatternRule, message string) *Match {
	ordered := make([]models.PatternRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})

	for i := range ordered {
		rule := &ordered[i]
		if !rule.Enabled || rule.Reserved() {
			continue
		}
		if m.ruleMatches(rule, message) {
			return &Match{Rule: rule, Response: rule.Response}
		}
	}
	return nil
}

// FindReserved looks up an enabled reserved fallback rule by name.
func (m *Matcher) FindReserved(rules []models.PatternRule, name string) *Match {
	for i := range rules {
		rule := &rules[i]
		if rule.Enabled && rule.Pattern == name {
			return &Match{Rule: rule, Response: rule.Response}
		}
	}
	return nil
}

func (m *Matcher) ruleMatches(rule *models.PatternRule, message string) bool {
	switch rule.Kind {
	case models.PatternExact:
		return m.matchExact(rule, message)
	case models.PatternKeyword:
		return m.matchKeyword(rule, message)
	case models.PatternRegex:
		return m.matchRegex(rule, message)
	}
	return false
}

// matchExact compares the whole message, optionally within the rule's edit
// distance. Fuzzy matching applies to exact rules only; threshold 0 keeps the
// comparison literal.
func (m *Matcher) matchExact(rule *models.PatternRule, message string) bool {
	pat, msg := rule.Pattern, strings.TrimSpace(message)
	if !rule.CaseSensitive {
		pat = strings.ToLower(pat)
		msg = strings.ToLower(msg)
	}
	if pat == msg {
		return true
	}
	if rule.FuzzyThreshold > 0 {
		return textutil.Levenshtein(pat, msg) <= rule.FuzzyThreshold
	}
	return false
}

// matchKeyword handles "|"-separated alternatives. A single keyword needs a
// whole-word hit; a multi-word alternative needs every keyword whole-word
// present and close together.
func (m *Matcher) matchKeyword(rule *models.PatternRule, message string) bool {
	for _, alt := range strings.Split(rule.Pattern, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		keywords := strings.Fields(alt)
		if len(keywords) == 1 {
			if textutil.ContainsWholeWord(message, keywords[0], rule.CaseSensitive) {
				return true
			}
			continue
		}
		if m.matchMultiKeyword(keywords, message, rule.CaseSensitive) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchMultiKeyword(keywords []string, message string, caseSensitive bool) bool {
	words := textutil.Words(message)
	if caseSensitive {
		words = strings.Fields(message)
	}

	// Occurrence positions of each keyword in the input.
	positions := make([][]int, len(keywords))
	for i, kw := range keywords {
		if !caseSensitive {
			kw = strings.ToLower(kw)
		}
		for pos, w := range words {
			if w == kw {
				positions[i] = append(positions[i], pos)
			}
		}
		if len(positions[i]) == 0 {
			return false
		}
	}

	return withinProximity(positions, proximityWindow)
}

// withinProximity reports whether one occurrence can be chosen per keyword so
// that, sorted, no two neighboring picks have more than maxGap words between
// them. Occurrence lists are tiny, so a direct search is fine.
func withinProximity(positions [][]int, maxGap int) bool {
	picks := make([]int, len(positions))
	var try func(i int) bool
	try = func(i int) bool {
		if i == len(positions) {
			chosen := make([]int, len(picks))
			copy(chosen, picks)
			sort.Ints(chosen)
			for j := 1; j < len(chosen); j++ {
				if chosen[j]-chosen[j-1]-1 > maxGap {
					return false
				}
			}
			return true
		}
		for _, p := range positions[i] {
			picks[i] = p
			if try(i + 1) {
				return true
			}
		}
		return false
	}
	return try(0)
}

// matchRegex joins "|"-alternatives with word boundaries unless the pattern is
// already anchored. A pattern that fails to compile never matches and never
// aborts the pipeline.
func (m *Matcher) matchRegex(rule *models.PatternRule, message string) bool {
	expr := rule.Pattern
	if !strings.HasPrefix(expr, "^") {
		alts := strings.Split(expr, "|")
		for i, alt := range alts {
			alts[i] = `\b(?:` + alt + `)\b`
		}
		expr = strings.Join(alts, "|")
	}
	if !rule.CaseSensitive {
		expr = "(?i)" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		perr := &models.InvalidPatternError{RuleID: rule.ID, Pattern: rule.Pattern, Err: err}
		m.logger.WithError(perr).WithFields(logrus.Fields{
			"rule_id": rule.ID,
			"bot_id":  rule.BotID,
		}).Warn("Malformed regex rule treated as non-match")
		return false
	}
	return re.MatchString(message)
}
