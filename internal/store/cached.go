package store

import (
	"context"
	"fmt"
	"time"

	"github.com/owolfdev/chatiq/internal/models"
	gocache "github.com/patrickmn/go-cache"
)

// Cached wraps a Store with a short-lived in-process read cache for the rows
// read once per request (bot, team, rules). Mutations pass straight through;
// the TTL bounds staleness instead of invalidation.
type Cached struct {
	Store
	bots  *gocache.Cache
	teams *gocache.Cache
	rules *gocache.Cache
}

// NewCached builds the read-through wrapper. ttl is how long a row may be
// served without re-reading Postgres.
func NewCached(inner Store, ttl time.Duration) *Cached {
	cleanup := 2 * ttl
	return &Cached{
		Store: inner,
		bots:  gocache.New(ttl, cleanup),
		teams: gocache.New(ttl, cleanup),
		rules: gocache.New(ttl, cleanup),
	}
}

func (c *Cached) GetBotBySlugOrID(ctx context.Context, ref string) (*models.Bot, error) {
	if val, found := c.bots.Get(ref); found {
		return val.(*models.Bot), nil
	}
	bot, err := c.Store.GetBotBySlugOrID(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.bots.SetDefault(bot.ID, bot)
	c.bots.SetDefault(bot.Slug, bot)
	return bot, nil
}

func (c *Cached) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	if val, found := c.teams.Get(id); found {
		return val.(*models.Team), nil
	}
	team, err := c.Store.GetTeam(ctx, id)
	if err != nil {
		return nil, err
	}
	c.teams.SetDefault(team.ID, team)
	return team, nil
}

func (c *Cached) ListRules(ctx context.Context, botID string) ([]models.PatternRule, error) {
	key := fmt.Sprintf("rules:%s", botID)
	if val, found := c.rules.Get(key); found {
		return val.([]models.PatternRule), nil
	}
	rules, err := c.Store.ListRules(ctx, botID)
	if err != nil {
		return nil, err
	}
	c.rules.SetDefault(key, rules)
	return rules, nil
}
