package middleware

import (
	"sync"
	"time"

	"github.com/owolfdev/chatiq/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Scope identifies which request identity a rate limit is keyed on. Exactly
// one scope applies per request, picked by fixed precedence:
// tenant > api-key > source IP > skip.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeAPIKey Scope = "api_key"
	ScopeIP     Scope = "ip"
	ScopeNone   Scope = "none"
)

// ScopeFor picks the limiter scope and key for a request.
func ScopeFor(teamID, apiKey, ip string) (Scope, string) {
	switch {
	case teamID != "":
		return ScopeTenant, teamID
	case apiKey != "":
		return ScopeAPIKey, apiKey
	case ip != "":
		return ScopeIP, ip
	}
	return ScopeNone, ""
}

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(scope Scope, key string) bool
	Reset(scope Scope, key string)
}

// KeyRateLimiter implements token-bucket rate limiting per scoped key.
type KeyRateLimiter struct {
	enabled         bool
	limiters        map[string]*rate.Limiter
	mu              sync.RWMutex
	rpm             int
	burst           int
	logger          *logrus.Logger
	cleanupInterval time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) RateLimiter {
	if !cfg.Enabled {
		return &KeyRateLimiter{enabled: false}
	}

	rl := &KeyRateLimiter{
		enabled:         true,
		limiters:        make(map[string]*rate.Limiter),
		rpm:             cfg.RequestsPerMinute,
		burst:           cfg.Burst,
		logger:          logger,
		cleanupInterval: 1 * time.Hour,
	}

	// Start cleanup goroutine
	go rl.cleanup()

	return rl
}

// Allow checks whether a request under the scoped key may proceed. A request
// with no usable scope is allowed but logged.
func (r *KeyRateLimiter) Allow(scope Scope, key string) bool {
	if !r.enabled {
		return true
	}
	if scope == ScopeNone {
		r.logger.Warn("Request with no rate limit scope, skipping limiter")
		return true
	}

	limiter := r.getLimiter(string(scope) + ":" + key)
	allowed := limiter.Allow()

	if !allowed {
		r.logger.WithFields(logrus.Fields{
			"scope": scope,
			"key":   key,
		}).Warn("Rate limit exceeded")
	}

	return allowed
}

// Reset resets the rate limiter for a key.
func (r *KeyRateLimiter) Reset(scope Scope, key string) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.limiters, string(scope)+":"+key)
	r.mu.Unlock()
}

// getLimiter gets or creates a rate limiter for a key
func (r *KeyRateLimiter) getLimiter(key string) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[key]
	r.mu.RUnlock()

	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := r.limiters[key]; exists {
		return limiter
	}

	// Rate per second = RPM / 60
	rps := float64(r.rpm) / 60.0
	limiter = rate.NewLimiter(rate.Limit(rps), r.burst)
	r.limiters[key] = limiter

	return limiter
}

// cleanup removes inactive limiters
func (r *KeyRateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		if len(r.limiters) > 10000 {
			r.logger.Warn("Rate limiter map size exceeded threshold, clearing")
			r.limiters = make(map[string]*rate.Limiter)
		}
		r.mu.Unlock()
	}
}
