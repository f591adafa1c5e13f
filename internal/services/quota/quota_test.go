package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/owolfdev/chatiq/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuard(t *testing.T, overrides map[string]int64) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewGuard(rdb, nil, overrides, log), mr
}

func freeTeam(created time.Time) *models.Team {
	return &models.Team{ID: "team-free", Plan: models.PlanFree, CreatedAt: created}
}

func TestPeriodForFreeTrialWindow(t *testing.T) {
	created := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	team := freeTeam(created)

	period := PeriodFor(team, created.AddDate(0, 0, 40))
	assert.Equal(t, created, period.Start)
	assert.Equal(t, created.AddDate(0, 0, models.LimitsForPlan(models.PlanFree).TrialDays), period.End)

	// An explicit trial end overrides the computed one.
	ends := created.AddDate(0, 0, 30)
	team.TrialEndsAt = &ends
	period = PeriodFor(team, created)
	assert.Equal(t, ends, period.End)
}

func TestPeriodForPaidMonthlyCycle(t *testing.T) {
	created := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	team := &models.Team{ID: "team-pro", Plan: models.PlanPro, CreatedAt: created}

	// Mid-third-cycle: window anchored on the creation day of month.
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	period := PeriodFor(team, now)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), period.Start)
	assert.Equal(t, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC), period.End)
	assert.True(t, period.Contains(now))
}

func TestEnsureAllowedUnderLimit(t *testing.T) {
	g, _ := testGuard(t, nil)
	team := freeTeam(time.Now().UTC())

	require.NoError(t, g.EnsureAllowed(context.Background(), team, models.ResourceMessages, 1))
}

func TestEnsureAllowedRejectsAtLimit(t *testing.T) {
	g, _ := testGuard(t, map[string]int64{"free": 2})
	team := freeTeam(time.Now().UTC())
	ctx := context.Background()

	require.NoError(t, g.Increment(ctx, team, models.ResourceMessages, 2))

	err := g.EnsureAllowed(ctx, team, models.ResourceMessages, 1)
	var exceeded *models.QuotaExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, int64(2), exceeded.Used)
	assert.Equal(t, int64(2), exceeded.Limit)
	assert.Equal(t, models.ResourceMessages, exceeded.Resource)
	assert.False(t, exceeded.PeriodEnd.IsZero())
}

func TestEnsureAllowedUnlimitedPlans(t *testing.T) {
	g, _ := testGuard(t, nil)
	team := &models.Team{ID: "ent", Plan: models.PlanEnterprise, CreatedAt: time.Now().UTC()}

	// Unlimited plans never read the counter.
	require.NoError(t, g.EnsureAllowed(context.Background(), team, models.ResourceMessages, 1_000_000))
}

func TestIncrementAccumulates(t *testing.T) {
	g, _ := testGuard(t, nil)
	team := freeTeam(time.Now().UTC())
	ctx := context.Background()

	require.NoError(t, g.Increment(ctx, team, models.ResourceMessages, 1))
	require.NoError(t, g.Increment(ctx, team, models.ResourceMessages, 1))

	used, err := g.Used(ctx, team, models.ResourceMessages, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(2), used)
}

type stubMirror struct {
	used    int64
	upserts int64
	getErr  error
}

func (m *stubMirror) UpsertUsage(ctx context.Context, teamID string, period models.QuotaPeriod, resource string, amount int64) error {
	m.upserts += amount
	return nil
}

func (m *stubMirror) GetUsage(ctx context.Context, teamID string, period models.QuotaPeriod, resource string) (int64, error) {
	return m.used, m.getErr
}

func TestUsedRecoversFromMirrorAfterRedisFlush(t *testing.T) {
	g, _ := testGuard(t, map[string]int64{"free": 5})
	g.mirror = &stubMirror{used: 5}
	team := freeTeam(time.Now().UTC())
	ctx := context.Background()

	// No redis key exists; the durable mirror still knows the period total.
	used, err := g.Used(ctx, team, models.ResourceMessages, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)

	var exceeded *models.QuotaExceededError
	require.True(t, errors.As(g.EnsureAllowed(ctx, team, models.ResourceMessages, 1), &exceeded))
}

func TestUsedTreatsMirrorFailureAsZero(t *testing.T) {
	g, _ := testGuard(t, nil)
	g.mirror = &stubMirror{getErr: errors.New("connection refused")}
	team := freeTeam(time.Now().UTC())

	used, err := g.Used(context.Background(), team, models.ResourceMessages, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, used)
}
