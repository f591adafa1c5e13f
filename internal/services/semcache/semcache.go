// Package semcache answers repeat questions from prior completions. Lookups
// try an exact key first, then embedding similarity; both are scoped to the
// bot and a hash of its system prompt so prompt edits invalidate entries.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/owolfdev/chatiq/internal/config"
	"github.com/owolfdev/chatiq/internal/models"
	"github.com/owolfdev/chatiq/pkg/textutil"
	"github.com/sirupsen/logrus"
)

// EntryStore is the durable mirror of cache rows; keeps hit counters for the
// dashboard and survives redis restarts. Writes are best-effort.
type EntryStore interface {
	UpsertCacheEntry(ctx context.Context, e *models.CacheEntry) error
	TouchCacheEntry(ctx context.Context, botID, cacheKey string) error
}

// Result is a successful lookup. The hit is not yet counted; the caller
// invokes Touch once it decides to actually serve the answer.
type Result struct {
	Response   string
	Similarity float32
	HitCount   int
	CacheKey   string

	entry *models.CacheEntry
}

// Cache implements the semantic response cache.
type Cache struct {
	enabled   bool
	redis     *redis.Client
	entries   EntryStore
	embedder  Embedder
	threshold float32
	ttl       time.Duration
	logger    *logrus.Logger
}

// NewCache creates a new semantic cache service.
func NewCache(cfg *config.CacheConfig, rdb *redis.Client, entries EntryStore, embedder Embedder, logger *logrus.Logger) *Cache {
	if !cfg.Enabled {
		return &Cache{enabled: false}
	}
	return &Cache{
		enabled:   true,
		redis:     rdb,
		entries:   entries,
		embedder:  embedder,
		threshold: cfg.SimilarityThreshold,
		ttl:       cfg.TTL,
		logger:    logger,
	}
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Keys returns the system-prompt hash and cache key for a message under a bot.
func Keys(message string, bot *models.Bot) (promptHash, cacheKey string) {
	promptHash = hashString(bot.SystemPrompt)
	cacheKey = hashString(textutil.Normalize(message) + promptHash)
	return
}

func entryKey(botID, promptHash, cacheKey string) string {
	return fmt.Sprintf("semcache:%s:%s:%s", botID, promptHash, cacheKey)
}

// Lookup finds a prior answer for an equivalent question, or nil. The exact
// key path skips embedding entirely; the similarity path accepts only
// neighbors at or above the configured threshold. Any provider or redis
// failure is logged and treated as a miss.
func (c *Cache) Lookup(ctx context.Context, message string, bot *models.Bot) *Result {
	if !c.enabled {
		return nil
	}

	promptHash, cacheKey := Keys(message, bot)

	// Exact match first: O(1) and free of embedding cost.
	if entry := c.getEntry(ctx, entryKey(bot.ID, promptHash, cacheKey)); entry != nil {
		return c.hit(bot, entry, 1.0, "exact")
	}

	queryVec, err := c.embedder.Embed(ctx, textutil.Normalize(message))
	if err != nil {
		c.logger.WithError(err).Warn("Embedding lookup failed, treating as cache miss")
		return nil
	}

	best, bestSim := c.nearestNeighbor(ctx, bot.ID, promptHash, queryVec)
	if best == nil || bestSim < c.threshold {
		return nil
	}
	return c.hit(bot, best, bestSim, "similarity")
}

func (c *Cache) nearestNeighbor(ctx context.Context, botID, promptHash string, queryVec []float32) (*models.CacheEntry, float32) {
	pattern := fmt.Sprintf("semcache:%s:%s:*", botID, promptHash)
	var (
		best    *models.CacheEntry
		bestSim float32
		cursor  uint64
	)
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.logger.WithError(err).Warn("Cache scan failed, treating as cache miss")
			return nil, 0
		}
		for _, key := range keys {
			entry := c.getEntry(ctx, key)
			if entry == nil || len(entry.Embedding) == 0 {
				continue
			}
			sim := CosineSimilarity(queryVec, entry.Embedding)
			if sim > bestSim {
				bestSim = sim
				best = entry
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return best, bestSim
}

func (c *Cache) getEntry(ctx context.Context, key string) *models.CacheEntry {
	data, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		c.logger.WithError(err).Warn("Cache read failed, treating as cache miss")
		return nil
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.logger.WithError(err).Warn("Corrupt cache entry, treating as cache miss")
		return nil
	}
	if entry.Expired(time.Now()) {
		return nil
	}
	return &entry
}

func (c *Cache) hit(bot *models.Bot, entry *models.CacheEntry, sim float32, path string) *Result {
	c.logger.WithFields(logrus.Fields{
		"bot_id":     bot.ID,
		"path":       path,
		"similarity": sim,
		"hit_count":  entry.HitCount,
	}).Debug("Semantic cache hit")

	return &Result{
		Response:   entry.Response,
		Similarity: sim,
		HitCount:   entry.HitCount,
		CacheKey:   entry.CacheKey,
		entry:      entry,
	}
}

// Touch counts a served hit: the redis copy gets the bumped counter under its
// remaining TTL and the durable row is touched. Lookup results the pipeline
// suppresses are never counted.
func (c *Cache) Touch(ctx context.Context, bot *models.Bot, res *Result) {
	if !c.enabled || res == nil || res.entry == nil {
		return
	}

	entry := res.entry
	entry.HitCount++
	res.HitCount = entry.HitCount
	if data, err := json.Marshal(entry); err == nil {
		ttl := time.Until(entry.ExpiresAt)
		if ttl > 0 {
			c.redis.Set(ctx, entryKey(bot.ID, entry.PromptHash, entry.CacheKey), data, ttl)
		}
	}
	if c.entries != nil {
		if err := c.entries.TouchCacheEntry(ctx, bot.ID, entry.CacheKey); err != nil {
			c.logger.WithError(err).Debug("Failed to touch cache entry row")
		}
	}
}

// Store upserts a question/answer pair. The embedding is always recomputed,
// the hit counter resets, and the TTL restarts from now. Failures are logged;
// caching is best-effort.
func (c *Cache) Store(ctx context.Context, message, response string, bot *models.Bot) error {
	if !c.enabled {
		return nil
	}

	promptHash, cacheKey := Keys(message, bot)
	normalized := textutil.Normalize(message)

	vec, err := c.embedder.Embed(ctx, normalized)
	if err != nil {
		return fmt.Errorf("failed to embed message for cache store: %w", err)
	}

	now := time.Now().UTC()
	entry := &models.CacheEntry{
		CacheKey:   cacheKey,
		BotID:      bot.ID,
		PromptHash: promptHash,
		Normalized: normalized,
		Response:   response,
		Embedding:  vec,
		HitCount:   0,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.redis.Set(ctx, entryKey(bot.ID, promptHash, cacheKey), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	if c.entries != nil {
		row := *entry
		row.Embedding = nil // vectors live in redis only
		if err := c.entries.UpsertCacheEntry(ctx, &row); err != nil {
			c.logger.WithError(err).Debug("Failed to mirror cache entry row")
		}
	}

	c.logger.WithFields(logrus.Fields{
		"bot_id":    bot.ID,
		"cache_key": cacheKey,
	}).Debug("Response cached")
	return nil
}
