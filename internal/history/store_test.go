package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/okatech-org/sgg.ga-sub007/internal/apperr"
	"github.com/okatech-org/sgg.ga-sub007/internal/db"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/history"
	"github.com/okatech-org/sgg.ga-sub007/internal/migrate"
	"github.com/okatech-org/sgg.ga-sub007/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(t *testing.T) (*history.Store, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "engine.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := history.New(repo.Repo{DB: conn}, zaptest.NewLogger(t))
	s.Now = c.now
	return s, c
}

func decision(verdict domain.Verdict, total float64) *domain.DecisionResult {
	return &domain.DecisionResult{
		Context:    "grant",
		Verdict:    verdict,
		TotalScore: total,
		Threshold:  0.5,
		Breakdown:  []domain.ScoreBreakdown{{CriterionKey: "a", RawScore: 1, Weight: total, WeightedScore: total}},
	}
}

func TestAppendAndGetKeepsBreakdown(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	rec, err := s.Record("grant", history.ActionDecisionMade, history.Detail{"source": "test"}, decision(domain.VerdictApprove, 0.6))
	require.NoError(t, err)
	rec, err = s.Append(ctx, rec)
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DecisionResult)
	assert.Equal(t, domain.VerdictApprove, got.DecisionResult.Verdict)
	assert.Len(t, got.DecisionResult.Breakdown, 1)
	assert.JSONEq(t, `{"source":"test"}`, string(got.Detail))

	_, err = s.Get(ctx, "his_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMetricsAggregates(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t)

	for _, r := range []*domain.DecisionResult{
		decision(domain.VerdictApprove, 0.8),
		decision(domain.VerdictReject, 0.2),
		decision(domain.VerdictApprove, 0.6),
	} {
		_, err := s.Append(ctx, domain.HistoryRecord{ActorContext: "grant", ActionType: history.ActionDecisionMade, DecisionResult: r})
		require.NoError(t, err)
		c.t = c.t.Add(time.Second)
	}
	_, err := s.Append(ctx, domain.HistoryRecord{ActorContext: "grant", ActionType: history.ActionTaskExhausted})
	require.NoError(t, err)

	m, err := s.Metrics(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4, m.Total)
	assert.Equal(t, 3, m.ByAction[history.ActionDecisionMade])
	assert.Equal(t, 2, m.Verdicts[domain.VerdictApprove])
	assert.Equal(t, 1, m.Verdicts[domain.VerdictReject])
	assert.InDelta(t, 0.5333, m.AverageScore, 1e-3)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, latest.ID)
	assert.Equal(t, 4, latest.Metrics.Total)

	recent, err := s.List(ctx, history.Filter{ActionType: history.ActionDecisionMade, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, !recent[0].CreatedAt.Before(recent[1].CreatedAt), "newest first")
}

func TestPurgeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, domain.HistoryRecord{ActorContext: "grant", ActionType: history.ActionDecisionMade})
		require.NoError(t, err)
	}
	c.t = c.t.Add(48 * time.Hour)
	_, err := s.Append(ctx, domain.HistoryRecord{ActorContext: "grant", ActionType: history.ActionDecisionMade})
	require.NoError(t, err)

	n, err := s.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = s.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.Purge(ctx, -time.Second)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}
