package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/owolfdev/chatiq/internal/config"
	"github.com/owolfdev/chatiq/internal/models"
	"github.com/sirupsen/logrus"
)

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// NewPostgres connects a pool for the given DSN.
func NewPostgres(ctx context.Context, cfg *config.PostgresConfig, dsn string, logger *logrus.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) GetBotBySlugOrID(ctx context.Context, ref string) (*models.Bot, error) {
	var b models.Bot
	err := p.pool.QueryRow(ctx, `
		SELECT id, team_id, slug, name, system_prompt, default_response,
		       llm_enabled, rich_responses_enabled, is_public, status,
		       allowed_domains, created_at
		FROM bots WHERE id::text = $1 OR slug = $1
	`, ref).Scan(&b.ID, &b.TeamID, &b.Slug, &b.Name, &b.SystemPrompt,
		&b.DefaultResponse, &b.LLMEnabled, &b.RichResponsesEnabled, &b.IsPublic,
		&b.Status, &b.AllowedDomains, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %s: %w", ref, err)
	}
	return &b, nil
}

func (p *Postgres) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	return p.getTeam(ctx, "id::text = $1", id)
}

func (p *Postgres) GetTeamByAPIKey(ctx context.Context, apiKey string) (*models.Team, error) {
	return p.getTeam(ctx, "api_key = $1", apiKey)
}

func (p *Postgres) getTeam(ctx context.Context, where, arg string) (*models.Team, error) {
	var t models.Team
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, plan, api_key, created_at, trial_ends_at
		FROM teams WHERE `+where, arg).
		Scan(&t.ID, &t.Name, &t.Plan, &t.APIKey, &t.CreatedAt, &t.TrialEndsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return &t, nil
}

func (p *Postgres) ListRules(ctx context.Context, botID string) ([]models.PatternRule, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, team_id, bot_id, pattern, kind, case_sensitive,
		       fuzzy_threshold, priority, enabled, response, action,
		       COALESCE(takeover_minutes, 0), COALESCE(quick_replies, '{}'),
		       created_at
		FROM pattern_rules
		WHERE bot_id = $1 AND enabled = true
		ORDER BY priority DESC, created_at DESC
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for bot %s: %w", botID, err)
	}
	defer rows.Close()

	var rules []models.PatternRule
	for rows.Next() {
		var r models.PatternRule
		if err := rows.Scan(&r.ID, &r.TeamID, &r.BotID, &r.Pattern, &r.Kind,
			&r.CaseSensitive, &r.FuzzyThreshold, &r.Priority, &r.Enabled,
			&r.Response, &r.Action, &r.ActionConfig.TakeoverMinutes,
			&r.ActionConfig.QuickReplies, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := p.pool.QueryRow(ctx, `
		SELECT id, team_id, bot_id, COALESCE(user_id::text, ''),
		       takeover_active, takeover_until, resolution,
		       COALESCE(topic, ''), last_message_at, created_at
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &c.TeamID, &c.BotID, &c.UserID, &c.TakeoverActive,
		&c.TakeoverUntil, &c.Resolution, &c.Topic, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

func (p *Postgres) SetTakeover(ctx context.Context, conversationID string, active bool, until *time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE conversations SET takeover_active = $2, takeover_until = $3
		WHERE id = $1
	`, conversationID, active, until)
	if err != nil {
		return fmt.Errorf("failed to set takeover on %s: %w", conversationID, err)
	}
	return nil
}

func (p *Postgres) SetTopic(ctx context.Context, conversationID, topic string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE conversations SET topic = $2 WHERE id = $1
	`, conversationID, topic)
	if err != nil {
		return fmt.Errorf("failed to set topic on %s: %w", conversationID, err)
	}
	return nil
}

func (p *Postgres) SaveTurn(ctx context.Context, sp SaveTurnParams) (string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin turn transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	convID := sp.ConversationID
	if convID == "" {
		convID = uuid.NewString()
		_, err = tx.Exec(ctx, `
			INSERT INTO conversations
				(id, team_id, bot_id, user_id, resolution, source, last_message_at, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $7)
		`, convID, sp.TeamID, sp.BotID, sp.UserID, models.ResolutionUnresolved, sp.Source, now)
	} else {
		// New user input reopens the conversation.
		_, err = tx.Exec(ctx, `
			UPDATE conversations
			SET last_message_at = $2, resolution = $3
			WHERE id = $1
		`, convID, now, models.ResolutionUnresolved)
	}
	if err != nil {
		return "", fmt.Errorf("failed to upsert conversation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), convID, models.RoleUser, sp.UserMessage, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert user message: %w", err)
	}

	if sp.AssistantMessage != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.NewString(), convID, models.RoleAssistant, sp.AssistantMessage, now.Add(time.Millisecond))
		if err != nil {
			return "", fmt.Errorf("failed to insert assistant message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit turn: %w", err)
	}
	return convID, nil
}

func (p *Postgres) RecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM (
			SELECT id, conversation_id, role, content, created_at
			FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent turns: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (p *Postgres) UpsertCacheEntry(ctx context.Context, e *models.CacheEntry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cache_entries
			(bot_id, cache_key, prompt_hash, normalized, response, hit_count, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		ON CONFLICT (bot_id, cache_key)
		DO UPDATE SET prompt_hash = $3, normalized = $4, response = $5,
		              hit_count = 0, created_at = $6, expires_at = $7
	`, e.BotID, e.CacheKey, e.PromptHash, e.Normalized, e.Response, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (p *Postgres) TouchCacheEntry(ctx context.Context, botID, cacheKey string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE cache_entries SET hit_count = hit_count + 1
		WHERE bot_id = $1 AND cache_key = $2
	`, botID, cacheKey)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertUsage(ctx context.Context, teamID string, period models.QuotaPeriod, resource string, amount int64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO usage_counters (team_id, period_start, resource, used)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, period_start, resource)
		DO UPDATE SET used = usage_counters.used + $4
	`, teamID, period.Start, resource, amount)
	if err != nil {
		return fmt.Errorf("failed to upsert usage: %w", err)
	}
	return nil
}

func (p *Postgres) GetUsage(ctx context.Context, teamID string, period models.QuotaPeriod, resource string) (int64, error) {
	var used int64
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(used, 0) FROM usage_counters
		WHERE team_id = $1 AND period_start = $2 AND resource = $3
	`, teamID, period.Start, resource).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return used, nil
}
