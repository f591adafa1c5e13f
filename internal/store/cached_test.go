package store

import (
	"context"
	"testing"
	"time"

	"github.com/owolfdev/chatiq/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore records read counts so the tests can observe cache behavior.
type countingStore struct {
	Store
	botReads  int
	teamReads int
	ruleReads int
}

func (c *countingStore) GetBotBySlugOrID(ctx context.Context, ref string) (*models.Bot, error) {
	c.botReads++
	return &models.Bot{ID: "bot-1", Slug: "support"}, nil
}

func (c *countingStore) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	c.teamReads++
	return &models.Team{ID: id}, nil
}

func (c *countingStore) ListRules(ctx context.Context, botID string) ([]models.PatternRule, error) {
	c.ruleReads++
	return []models.PatternRule{{ID: "r1"}}, nil
}

func TestCachedBotServedFromCacheByIDAndSlug(t *testing.T) {
	inner := &countingStore{}
	c := NewCached(inner, time.Minute)
	ctx := context.Background()

	first, err := c.GetBotBySlugOrID(ctx, "support")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.botReads)

	// Both the ID and the slug now resolve without another read.
	byID, err := c.GetBotBySlugOrID(ctx, "bot-1")
	require.NoError(t, err)
	bySlug, err := c.GetBotBySlugOrID(ctx, "support")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.botReads)
	assert.Same(t, first, byID)
	assert.Same(t, first, bySlug)
}

func TestCachedTeamAndRules(t *testing.T) {
	inner := &countingStore{}
	c := NewCached(inner, time.Minute)
	ctx := context.Background()

	_, err := c.GetTeam(ctx, "team-1")
	require.NoError(t, err)
	_, err = c.GetTeam(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.teamReads)

	_, err = c.ListRules(ctx, "bot-1")
	require.NoError(t, err)
	_, err = c.ListRules(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.ruleReads)

	// A different bot misses.
	_, err = c.ListRules(ctx, "bot-2")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.ruleReads)
}
