package decision_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/okatech-org/sgg.ga-sub007/internal/apperr"
	"github.com/okatech-org/sgg.ga-sub007/internal/cache"
	"github.com/okatech-org/sgg.ga-sub007/internal/db"
	"github.com/okatech-org/sgg.ga-sub007/internal/decision"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/history"
	"github.com/okatech-org/sgg.ga-sub007/internal/migrate"
	"github.com/okatech-org/sgg.ga-sub007/internal/repo"
	"github.com/okatech-org/sgg.ga-sub007/internal/settings"
	"github.com/okatech-org/sgg.ga-sub007/internal/signals"
)

type testEnv struct {
	settings *settings.Store
	history  *history.Store
	bus      *signals.Bus
	decider  *decision.Decider
}

func newTestEnv(t *testing.T, defaults map[string]string) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "engine.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	log := zaptest.NewLogger(t)
	r := repo.Repo{DB: conn}
	lru, err := cache.NewLRU(64)
	require.NoError(t, err)
	st, err := settings.New(r, settings.Options{Cache: lru, Logger: log, Defaults: defaults, WeightMin: 0, WeightMax: 1})
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st.Now = clock
	hist := history.New(r, log)
	hist.Now = clock
	bus := signals.New(r, nil, signals.Options{Logger: log})
	bus.Now = clock

	return &testEnv{
		settings: st,
		history:  hist,
		bus:      bus,
		decider:  decision.New(conn, st, hist, bus, decision.Options{Logger: log, Strategy: decision.ProportionalStrategy{Rate: 0.1}}),
	}
}

func (e *testEnv) seed(t *testing.T, contextKey string, weights map[string]float64) {
	t.Helper()
	for k, v := range weights {
		_, err := e.settings.SetWeight(context.Background(), contextKey, k, v)
		require.NoError(t, err)
	}
}

func TestDecideApprovesAndRejectsAgainstThreshold(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"threshold": "0.5"})
	env.seed(t, "loan", map[string]float64{"a": 0.6, "b": 0.4})

	res, err := env.decider.Decide(ctx, "loan", map[string]float64{"a": 1.0, "b": 0.0})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApprove, res.Verdict)
	assert.InDelta(t, 0.6, res.TotalScore, 1e-9)
	assert.Equal(t, 0.5, res.Threshold)
	require.Len(t, res.Breakdown, 2)
	assert.Equal(t, "a", res.Breakdown[0].CriterionKey)
	assert.InDelta(t, 0.6, res.Breakdown[0].WeightedScore, 1e-9)
	assert.Equal(t, "b", res.Breakdown[1].CriterionKey)
	assert.NotEmpty(t, res.Explanation)

	res, err = env.decider.Decide(ctx, "loan", map[string]float64{"a": 0.0, "b": 0.0})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictReject, res.Verdict)
	assert.Zero(t, res.TotalScore)
}

func TestDecideHonorsZeroThresholdOption(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.seed(t, "loan", map[string]float64{"a": 1})
	zero := 0.0
	d := decision.New(env.decider.DB, env.settings, env.history, env.bus, decision.Options{Threshold: &zero})

	res, err := d.Decide(ctx, "loan", map[string]float64{"a": 0})
	require.NoError(t, err)
	assert.Zero(t, res.Threshold)
	assert.Equal(t, domain.VerdictApprove, res.Verdict)

	res, err = env.decider.Decide(ctx, "loan", map[string]float64{"a": 0})
	require.NoError(t, err)
	assert.Equal(t, decision.DefaultThreshold, res.Threshold)
	assert.Equal(t, domain.VerdictReject, res.Verdict)
}

func TestDecideRecordsHistoryAndSignal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"threshold": "0.5"})
	env.seed(t, "loan", map[string]float64{"a": 1})

	res, err := env.decider.Decide(ctx, "loan", map[string]float64{"a": 0.9})
	require.NoError(t, err)
	require.NotEmpty(t, res.HistoryID)
	require.NotEmpty(t, res.SignalID)

	rec, err := env.history.Get(ctx, res.HistoryID)
	require.NoError(t, err)
	assert.Equal(t, history.ActionDecisionMade, rec.ActionType)
	require.NotNil(t, rec.DecisionResult)
	assert.Equal(t, res.Breakdown, rec.DecisionResult.Breakdown)

	sig, err := env.bus.Get(ctx, res.SignalID)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalDecision, sig.Type)
	var payload decision.SignalPayload
	require.NoError(t, json.Unmarshal(sig.Payload, &payload))
	assert.Equal(t, res.HistoryID, payload.HistoryID)
	assert.Equal(t, domain.VerdictApprove, payload.Verdict)
}

func TestDecideErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.seed(t, "loan", map[string]float64{"a": 1})

	_, err := env.decider.Decide(ctx, "loan", nil)
	assert.True(t, errors.Is(err, apperr.ErrScoring))

	_, err = env.decider.Decide(ctx, "loan", map[string]float64{"a": math.NaN()})
	assert.True(t, errors.Is(err, apperr.ErrScoring))

	_, err = env.decider.Decide(ctx, "unknown", map[string]float64{"a": 1})
	assert.True(t, errors.Is(err, apperr.ErrInvalidContext))

	// Failed decisions leave no trace.
	list, err := env.history.List(ctx, history.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	stats, err := env.bus.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestDecideEscalationBand(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"threshold": "0.5", "escalation_margin": "0.1"})
	env.seed(t, "loan", map[string]float64{"a": 1})

	for _, tc := range []struct {
		score float64
		want  domain.Verdict
	}{
		{0.5, domain.VerdictApprove},
		{0.45, domain.VerdictEscalate},
		{0.39, domain.VerdictReject},
	} {
		res, err := env.decider.Decide(ctx, "loan", map[string]float64{"a": tc.score})
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Verdict, "score %v", tc.score)
	}
}

func TestDecideContextThresholdOverride(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{"threshold": "0.5"})
	env.seed(t, "strict", map[string]float64{"a": 1})
	require.NoError(t, env.settings.SetConfig(ctx, "threshold.strict", "0.8"))

	res, err := env.decider.Decide(ctx, "strict", map[string]float64{"a": 0.7})
	require.NoError(t, err)
	assert.Equal(t, 0.8, res.Threshold)
	assert.Equal(t, domain.VerdictReject, res.Verdict)
}

func TestDecideListsIgnoredCriteria(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.seed(t, "loan", map[string]float64{"a": 1})

	res, err := env.decider.Decide(ctx, "loan", map[string]float64{"a": 0.6, "zeta": 1, "beta": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "zeta"}, res.Ignored)
	assert.InDelta(t, 0.6, res.TotalScore, 1e-9)
	assert.Contains(t, res.Explanation, "ignored")
}

func TestScoreMissingCriterionContributesZero(t *testing.T) {
	weights := map[string]domain.Weight{"a": {Value: 0.5}, "b": {Value: 0.5}}
	res := decision.Score("x", weights, map[string]float64{"a": 1}, 0.5, 0)
	require.Len(t, res.Breakdown, 2)
	assert.Zero(t, res.Breakdown[1].RawScore)
	assert.InDelta(t, 0.5, res.TotalScore, 1e-9)
	assert.Equal(t, domain.VerdictApprove, res.Verdict)
}

func TestFeedbackAdjustsWeightsWithinBounds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.seed(t, "loan", map[string]float64{"a": 0.95, "b": 0.02})

	res, err := env.decider.Decide(ctx, "loan", map[string]float64{"a": 1, "b": 0.5})
	require.NoError(t, err)

	adjusted, err := env.decider.Feedback(ctx, res.HistoryID, decision.OutcomeCorrect)
	require.NoError(t, err)
	require.Len(t, adjusted, 2)
	weights, err := env.settings.GetWeights(ctx, "loan")
	require.NoError(t, err)
	assert.Equal(t, 1.0, weights["a"].Value)
	assert.InDelta(t, 0.07, weights["b"].Value, 1e-9)

	_, err = env.decider.Feedback(ctx, res.HistoryID, decision.OutcomeIncorrect)
	require.NoError(t, err)
	_, err = env.decider.Feedback(ctx, res.HistoryID, decision.OutcomeIncorrect)
	require.NoError(t, err)
	weights, err = env.settings.GetWeights(ctx, "loan")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, weights["a"].Value, 1e-9)
	assert.Zero(t, weights["b"].Value)

	sigs, err := env.bus.List(ctx, signals.Filter{Type: domain.SignalWeightAdjusted})
	require.NoError(t, err)
	assert.Len(t, sigs, 3)
	recs, err := env.history.List(ctx, history.Filter{ActionType: history.ActionDecisionFeedback})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestFeedbackRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	_, err := env.decider.Feedback(ctx, "his_missing", decision.OutcomeCorrect)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = env.decider.Feedback(ctx, "his_missing", decision.Outcome("maybe"))
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	rec, err := env.history.Append(ctx, domain.HistoryRecord{ActorContext: "ops", ActionType: "note"})
	require.NoError(t, err)
	_, err = env.decider.Feedback(ctx, rec.ID, decision.OutcomeCorrect)
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestProportionalStrategy(t *testing.T) {
	s := decision.ProportionalStrategy{Rate: 0.2}
	b := domain.ScoreBreakdown{RawScore: 0.5}
	assert.InDelta(t, 0.1, s.Delta(decision.OutcomeCorrect, b), 1e-12)
	assert.InDelta(t, -0.1, s.Delta(decision.OutcomeIncorrect, b), 1e-12)
	assert.Zero(t, s.Delta("other", b))
}
