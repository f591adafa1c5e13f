package models

import (
	"fmt"
	"time"
)

// Stable machine-readable error codes surfaced to callers. UIs branch on the
// code, never on the human message.
const (
	CodeUnauthorized        = "unauthorized"
	CodeModerationFlagged   = "moderation_flagged"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeFreeTierExpired     = "free_tier_expired"
	CodeLLMDisabled         = "llm_disabled"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInvalidPattern      = "invalid_pattern"
	CodeRateLimited         = "rate_limited"
	CodeBadRequest          = "bad_request"
	CodeNotFound            = "not_found"
	CodeInternal            = "internal"
)

// Coded is implemented by errors that carry a stable machine code.
type Coded interface {
	error
	Code() string
}

// UnauthorizedError is returned for external requests without a usable
// credential. It is fatal and never downgraded to a public request.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	if e.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Reason
}

func (e *UnauthorizedError) Code() string { return CodeUnauthorized }

// ModerationFlaggedError means the input was blocked by the content-safety
// check. The message is never forwarded to retrieval or the model.
type ModerationFlaggedError struct {
	Category string
}

func (e *ModerationFlaggedError) Error() string {
	if e.Category == "" {
		return "message flagged by content moderation"
	}
	return fmt.Sprintf("message flagged by content moderation: %s", e.Category)
}

func (e *ModerationFlaggedError) Code() string { return CodeModerationFlagged }

// QuotaExceededError signals the team's usage ceiling for the current billing
// period. Callers branch on it to show the period reset date.
type QuotaExceededError struct {
	Resource  string
	Used      int64
	Limit     int64
	PeriodEnd time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d, resets %s",
		e.Resource, e.Used, e.Limit, e.PeriodEnd.Format("2006-01-02"))
}

func (e *QuotaExceededError) Code() string { return CodeQuotaExceeded }

// FreeTierExpiredError means the team's evaluation period ended and generative
// completion is blocked. Only surfaced when no fallback content exists.
type FreeTierExpiredError struct {
	TeamID string
}

func (e *FreeTierExpiredError) Error() string {
	return "free trial expired, generative responses are disabled"
}

func (e *FreeTierExpiredError) Code() string { return CodeFreeTierExpired }

// LLMDisabledError means the bot has generative responses switched off.
type LLMDisabledError struct {
	BotID string
}

func (e *LLMDisabledError) Error() string {
	return "generative responses are disabled for this bot"
}

func (e *LLMDisabledError) Code() string { return CodeLLMDisabled }

// UpstreamError is a transport or HTTP failure from the completion provider.
// The pipeline always attempts the fallback chain before surfacing it.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream completion failed with status %d: %s", e.StatusCode, e.Message)
	}
	return "upstream completion failed: " + e.Message
}

func (e *UpstreamError) Code() string { return CodeUpstreamUnavailable }

// InvalidPatternError marks a malformed rule pattern. It is logged and treated
// as a non-match, never fatal to the pipeline.
type InvalidPatternError struct {
	RuleID  string
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q on rule %s: %v", e.Pattern, e.RuleID, e.Err)
}

func (e *InvalidPatternError) Code() string { return CodeInvalidPattern }

func (e *InvalidPatternError) Unwrap() error { return e.Err }
