package models

import (
	"time"
)

// PlanTier identifies a team's subscription plan.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanTeam       PlanTier = "team"
	PlanEnterprise PlanTier = "enterprise"
	PlanAdmin      PlanTier = "admin"
)

// Team is the tenant. It owns bots and carries the billing identity.
type Team struct {
	ID          string
	Name        string
	Plan        PlanTier
	APIKey      string
	CreatedAt   time.Time
	TrialEndsAt *time.Time
}

// TrialExpired reports whether a free-plan team is past its evaluation window.
// Paid plans never expire this way.
func (t *Team) TrialExpired(now time.Time) bool {
	if t.Plan != PlanFree {
		return false
	}
	if t.TrialEndsAt == nil {
		return false
	}
	trial := QuotaPeriod{Start: t.CreatedAt, End: *t.TrialEndsAt}
	return now.After(trial.Start) && !trial.Contains(now)
}

// Bot is a team-owned chatbot. Read once per request, immutable during it.
type Bot struct {
	ID                   string
	TeamID               string
	Slug                 string
	Name                 string
	SystemPrompt         string
	DefaultResponse      string
	LLMEnabled           bool
	RichResponsesEnabled bool
	IsPublic             bool
	Status               string
	AllowedDomains       []string
	CreatedAt            time.Time
}

// DomainAllowed checks an embed origin against the bot's allow-list.
// An empty allow-list permits any origin.
func (b *Bot) DomainAllowed(origin string) bool {
	if len(b.AllowedDomains) == 0 {
		return true
	}
	for _, d := range b.AllowedDomains {
		if d == origin {
			return true
		}
	}
	return false
}

// Conversation groups the messages of one end user with one bot.
type Conversation struct {
	ID             string
	TeamID         string
	BotID          string
	UserID         string
	TakeoverActive bool
	TakeoverUntil  *time.Time
	Resolution     string
	Topic          string
	LastMessageAt  time.Time
	CreatedAt      time.Time
}

// InTakeover reports whether a human operator currently owns the conversation.
func (c *Conversation) InTakeover(now time.Time) bool {
	if !c.TakeoverActive {
		return false
	}
	if c.TakeoverUntil != nil && now.After(*c.TakeoverUntil) {
		return false
	}
	return true
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one append-only turn in a conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// PromptMessage is the wire shape sent to the completion provider.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PatternKind enumerates how a rule's pattern is interpreted.
type PatternKind string

const (
	PatternExact   PatternKind = "exact"
	PatternKeyword PatternKind = "keyword"
	PatternRegex   PatternKind = "regex"
)

// RuleAction is an optional side effect attached to a pattern rule.
type RuleAction string

const (
	ActionNone             RuleAction = ""
	ActionHumanRequest     RuleAction = "human_request"
	ActionHumanTakeoverOn  RuleAction = "human_takeover_on"
	ActionHumanTakeoverOff RuleAction = "human_takeover_off"
)

// ActionConfig parameterizes a rule action.
type ActionConfig struct {
	TakeoverMinutes int      `json:"takeover_minutes,omitempty"`
	QuickReplies    []string `json:"quick_replies,omitempty"`
}

// Reserved exact-pattern names. Rules carrying one of these patterns are never
// matched against user input; the pipeline looks them up by name when it needs
// a configured fallback message.
const (
	ReservedUnavailableRule   = "system:llm_unavailable"
	ReservedQuotaExceededRule = "system:quota_exceeded"
)

// PatternRule is a team+bot scoped canned response. Exactly one rule wins per
// message: first match in descending priority order, then newest first.
type PatternRule struct {
	ID             string
	TeamID         string
	BotID          string
	Pattern        string
	Kind           PatternKind
	CaseSensitive  bool
	FuzzyThreshold int
	Priority       int
	Enabled        bool
	Response       string
	Action         RuleAction
	ActionConfig   ActionConfig
	CreatedAt      time.Time
}

// Reserved reports whether the rule is a named fallback slot rather than a
// rule evaluated against user input.
func (r *PatternRule) Reserved() bool {
	return r.Pattern == ReservedUnavailableRule || r.Pattern == ReservedQuotaExceededRule
}

// CacheEntry is one stored question/answer pair in the semantic cache,
// bound to a hash of the bot's system prompt so prompt edits invalidate it.
type CacheEntry struct {
	CacheKey   string    `json:"cache_key"`
	BotID      string    `json:"bot_id"`
	PromptHash string    `json:"prompt_hash"`
	Normalized string    `json:"normalized"`
	Response   string    `json:"response"`
	Embedding  []float32 `json:"embedding,omitempty"`
	HitCount   int       `json:"hit_count"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Chunk is a retrieved fragment of an indexed document.
type Chunk struct {
	ID        string
	Content   string
	SourceURL string
	Anchor    string
	Score     float32
}

// QuotaPeriod is a computed [Start, End) billing window. It is derived from
// the team's plan and creation date, never stored.
type QuotaPeriod struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p QuotaPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Tracked quota resources.
const (
	ResourceMessages  = "messages"
	ResourceDocuments = "documents"
)

// Conversation resolution states.
const (
	ResolutionUnresolved = "unresolved"
	ResolutionResolved   = "resolved"
)
