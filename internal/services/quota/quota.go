// Package quota tracks and enforces per-team usage ceilings over the billing
// period. Counters live in redis for atomic increments and are mirrored to
// Postgres for the dashboard.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/owolfdev/chatiq/internal/models"
	"github.com/sirupsen/logrus"
)

// UsageStore mirrors counters durably. Mirror failures are logged, not fatal.
type UsageStore interface {
	UpsertUsage(ctx context.Context, teamID string, period models.QuotaPeriod, resource string, amount int64) error
	GetUsage(ctx context.Context, teamID string, period models.QuotaPeriod, resource string) (int64, error)
}

// Guard enforces plan quota.
type Guard struct {
	redis  *redis.Client
	mirror UsageStore
	limits map[string]int64 // plan -> monthly message override
	logger *logrus.Logger
}

// NewGuard creates a quota guard. limitOverrides may be nil.
func NewGuard(rdb *redis.Client, mirror UsageStore, limitOverrides map[string]int64, logger *logrus.Logger) *Guard {
	return &Guard{
		redis:  rdb,
		mirror: mirror,
		limits: limitOverrides,
		logger: logger,
	}
}

// PeriodFor computes the current billing window for a team. Free teams get a
// single fixed-length trial window from creation; paid teams get a calendar
// cycle anchored on the creation timestamp.
func PeriodFor(team *models.Team, now time.Time) models.QuotaPeriod {
	created := team.CreatedAt.UTC()

	if !team.Plan.Paid() {
		end := created.AddDate(0, 0, models.LimitsForPlan(team.Plan).TrialDays)
		if team.TrialEndsAt != nil {
			end = team.TrialEndsAt.UTC()
		}
		return models.QuotaPeriod{Start: created, End: end}
	}

	start := created
	for {
		end := start.AddDate(0, 1, 0)
		if now.Before(end) {
			return models.QuotaPeriod{Start: start, End: end}
		}
		start = end
	}
}

func (g *Guard) limitFor(team *models.Team, resource string) int64 {
	limits := models.LimitsForPlan(team.Plan)
	switch resource {
	case models.ResourceDocuments:
		return limits.Documents
	default:
		if override, ok := g.limits[string(team.Plan)]; ok {
			return override
		}
		return limits.MonthlyMessages
	}
}

func usageKey(teamID string, period models.QuotaPeriod, resource string) string {
	return fmt.Sprintf("usage:%s:%s:%s", teamID, period.Start.Format("20060102"), resource)
}

// Used returns the consumed amount for the current period.
func (g *Guard) Used(ctx context.Context, team *models.Team, resource string, now time.Time) (int64, error) {
	period := PeriodFor(team, now)
	used, err := g.redis.Get(ctx, usageKey(team.ID, period, resource)).Int64()
	if err == redis.Nil {
		// Redis lost the counter, typically after a flush or restart.
		// Recover from the durable mirror so teams cannot reset their quota.
		if g.mirror == nil {
			return 0, nil
		}
		mirrored, merr := g.mirror.GetUsage(ctx, team.ID, period, resource)
		if merr != nil {
			g.logger.WithError(merr).WithField("team_id", team.ID).Warn("Failed to read mirrored usage counter")
			return 0, nil
		}
		return mirrored, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return used, nil
}

// EnsureAllowed rejects the call once used+amount exceeds the period limit.
// It must succeed before any billable upstream call is made. Zero-cost paths
// never reach it.
func (g *Guard) EnsureAllowed(ctx context.Context, team *models.Team, resource string, amount int64) error {
	limit := g.limitFor(team, resource)
	if limit <= 0 { // unlimited
		return nil
	}

	now := time.Now().UTC()
	used, err := g.Used(ctx, team, resource, now)
	if err != nil {
		return err
	}

	if used+amount > limit {
		period := PeriodFor(team, now)
		g.logger.WithFields(logrus.Fields{
			"team_id":  team.ID,
			"plan":     team.Plan,
			"resource": resource,
			"used":     used,
			"limit":    limit,
		}).Info("Quota exceeded")
		return &models.QuotaExceededError{
			Resource:  resource,
			Used:      used,
			Limit:     limit,
			PeriodEnd: period.End,
		}
	}
	return nil
}

// Increment consumes quota. Called at most once per billable completion,
// only after the stream reached a terminal success state.
func (g *Guard) Increment(ctx context.Context, team *models.Team, resource string, amount int64) error {
	now := time.Now().UTC()
	period := PeriodFor(team, now)
	key := usageKey(team.ID, period, resource)

	pipe := g.redis.TxPipeline()
	pipe.IncrBy(ctx, key, amount)
	// Keep the counter a little past the period so late reads still resolve.
	pipe.ExpireAt(ctx, key, period.End.Add(72*time.Hour))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment usage counter: %w", err)
	}

	if g.mirror != nil {
		if err := g.mirror.UpsertUsage(ctx, team.ID, period, resource, amount); err != nil {
			g.logger.WithError(err).WithField("team_id", team.ID).Warn("Failed to mirror usage counter")
		}
	}
	return nil
}
