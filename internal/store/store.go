// Package store is the persistence layer over Postgres. The pipeline talks to
// it through the Store interface so tests can substitute fakes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/owolfdev/chatiq/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// SaveTurnParams describes one user/assistant exchange to persist. An empty
// AssistantMessage stores the user message alone (human-takeover turns).
type SaveTurnParams struct {
	TeamID           string
	BotID            string
	UserID           string
	ConversationID   string // empty: create the conversation lazily
	UserMessage      string
	AssistantMessage string
	Source           string
}

// Store defines the persistence operations the pipeline needs.
type Store interface {
	GetBotBySlugOrID(ctx context.Context, ref string) (*models.Bot, error)
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	GetTeamByAPIKey(ctx context.Context, apiKey string) (*models.Team, error)

	// ListRules returns the bot's enabled pattern rules ordered by priority
	// descending, then newest first.
	ListRules(ctx context.Context, botID string) ([]models.PatternRule, error)

	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	SetTakeover(ctx context.Context, conversationID string, active bool, until *time.Time) error
	SetTopic(ctx context.Context, conversationID, topic string) error

	// SaveTurn persists a turn and returns the conversation id, creating the
	// conversation when needed. New user input resets resolution to unresolved.
	SaveTurn(ctx context.Context, p SaveTurnParams) (string, error)

	// RecentTurns returns the newest messages of a conversation in
	// chronological order.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// Semantic-cache durability. Redis holds the hot copies; these rows
	// survive restarts and feed the dashboard hit counters.
	UpsertCacheEntry(ctx context.Context, e *models.CacheEntry) error
	TouchCacheEntry(ctx context.Context, botID, cacheKey string) error

	// UpsertUsage mirrors the billable usage counter for one period.
	UpsertUsage(ctx context.Context, teamID string, period models.QuotaPeriod, resource string, amount int64) error
	GetUsage(ctx context.Context, teamID string, period models.QuotaPeriod, resource string) (int64, error)
}
