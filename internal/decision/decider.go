// Package decision computes weighted-score verdicts and feeds observed
// outcomes back into the adaptive weights.
package decision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/okatech-org/sgg.ga-sub007/internal/apperr"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/history"
	"github.com/okatech-org/sgg.ga-sub007/internal/settings"
	"github.com/okatech-org/sgg.ga-sub007/internal/signals"
	"github.com/okatech-org/sgg.ga-sub007/internal/telemetry"
)

const (
	KeyThreshold        = "threshold"
	KeyEscalationMargin = "escalation_margin"

	DefaultThreshold = 0.5
)

type Options struct {
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics
	Strategy Strategy
	// Threshold and EscalationMargin apply when config has no value. A nil
	// Threshold means DefaultThreshold.
	Threshold        *float64
	EscalationMargin float64
}

type Decider struct {
	DB       *sql.DB
	Settings *settings.Store
	History  *history.Store
	Bus      *signals.Bus
	Strategy Strategy

	log       *zap.Logger
	metrics   *telemetry.Metrics
	threshold float64
	margin    float64
}

func New(db *sql.DB, st *settings.Store, hist *history.Store, bus *signals.Bus, opts Options) *Decider {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	strategy := opts.Strategy
	if strategy == nil {
		strategy = ProportionalStrategy{Rate: DefaultAdjustRate}
	}
	threshold := DefaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	return &Decider{
		DB:        db,
		Settings:  st,
		History:   hist,
		Bus:       bus,
		Strategy:  strategy,
		log:       log,
		metrics:   opts.Metrics,
		threshold: threshold,
		margin:    opts.EscalationMargin,
	}
}

// SignalPayload is carried by every decision signal.
type SignalPayload struct {
	Context    string         `json:"context"`
	Verdict    domain.Verdict `json:"verdict"`
	TotalScore float64        `json:"total_score"`
	HistoryID  string         `json:"history_id"`
}

// Decide scores criteria against the current weights of contextKey, records
// the full breakdown in history and emits one decision signal. It never
// retries; failures go straight back to the caller.
func (d *Decider) Decide(ctx context.Context, contextKey string, scores map[string]float64) (result domain.DecisionResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "decision.decide")
	span.SetAttributes(attribute.String("decision.context", contextKey))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(scores) == 0 {
		return result, apperr.Scoring("criteria scores are empty")
	}
	for k, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return result, apperr.Scoring(fmt.Sprintf("score for %q is not finite", k))
		}
	}
	weights, err := d.Settings.GetWeights(ctx, contextKey)
	if err != nil {
		return result, err
	}
	if len(weights) == 0 {
		return result, apperr.InvalidContext(contextKey)
	}
	threshold, margin, err := d.thresholds(ctx, contextKey)
	if err != nil {
		return result, err
	}

	result = Score(contextKey, weights, scores, threshold, margin)
	if len(result.Ignored) > 0 {
		d.log.Warn("criteria without weights ignored",
			zap.String("context", contextKey),
			zap.Strings("criteria", result.Ignored))
	}

	rec, err := d.History.Record(contextKey, history.ActionDecisionMade, history.Detail{"scores": scores}, &result)
	if err != nil {
		return result, err
	}
	signalID, err := d.inTx(ctx, func(tx *sql.Tx) (string, error) {
		if _, err := d.History.AppendTx(ctx, tx, rec); err != nil {
			return "", err
		}
		return d.Bus.EmitTx(ctx, tx, domain.SignalDecision, SignalPayload{
			Context:    contextKey,
			Verdict:    result.Verdict,
			TotalScore: result.TotalScore,
			HistoryID:  rec.ID,
		})
	})
	if err != nil {
		return result, err
	}
	result.HistoryID = rec.ID
	result.SignalID = signalID

	d.metrics.Decision(ctx, string(result.Verdict))
	span.SetAttributes(attribute.String("decision.verdict", string(result.Verdict)))
	d.log.Info("decision made",
		zap.String("context", contextKey),
		zap.String("verdict", string(result.Verdict)),
		zap.Float64("total_score", result.TotalScore),
		zap.String("history_id", rec.ID))
	return result, nil
}

func (d *Decider) thresholds(ctx context.Context, contextKey string) (float64, float64, error) {
	threshold, err := d.Settings.Float(ctx, KeyThreshold+"."+contextKey, math.NaN())
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(threshold) {
		if threshold, err = d.Settings.Float(ctx, KeyThreshold, d.threshold); err != nil {
			return 0, 0, err
		}
	}
	margin, err := d.Settings.Float(ctx, KeyEscalationMargin, d.margin)
	if err != nil {
		return 0, 0, err
	}
	if margin < 0 {
		margin = 0
	}
	return threshold, margin, nil
}

// Score computes a verdict without side effects. Criteria are visited in key
// order. A weighted criterion missing from scores contributes zero; a scored
// criterion without a weight is listed in Ignored and contributes nothing.
func Score(contextKey string, weights map[string]domain.Weight, scores map[string]float64, threshold, margin float64) domain.DecisionResult {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := domain.DecisionResult{Context: contextKey, Threshold: threshold, Breakdown: make([]domain.ScoreBreakdown, 0, len(keys))}
	for _, k := range keys {
		raw := scores[k]
		w := weights[k].Value
		ws := raw * w
		res.Breakdown = append(res.Breakdown, domain.ScoreBreakdown{CriterionKey: k, RawScore: raw, Weight: w, WeightedScore: ws})
		res.TotalScore += ws
	}
	for k := range scores {
		if _, ok := weights[k]; !ok {
			res.Ignored = append(res.Ignored, k)
		}
	}
	sort.Strings(res.Ignored)

	switch {
	case res.TotalScore >= threshold:
		res.Verdict = domain.VerdictApprove
	case margin > 0 && res.TotalScore >= threshold-margin:
		res.Verdict = domain.VerdictEscalate
	default:
		res.Verdict = domain.VerdictReject
	}
	res.Explanation = explain(res, margin)
	return res
}

func explain(res domain.DecisionResult, margin float64) string {
	var b strings.Builder
	switch res.Verdict {
	case domain.VerdictApprove:
		fmt.Fprintf(&b, "total %.4f meets threshold %.4f", res.TotalScore, res.Threshold)
	case domain.VerdictEscalate:
		fmt.Fprintf(&b, "total %.4f is within %.4f below threshold %.4f", res.TotalScore, margin, res.Threshold)
	default:
		fmt.Fprintf(&b, "total %.4f is below threshold %.4f", res.TotalScore, res.Threshold)
	}
	if len(res.Breakdown) > 0 {
		parts := make([]string, 0, len(res.Breakdown))
		for _, s := range res.Breakdown {
			parts = append(parts, fmt.Sprintf("%s=%.4fx%.4f", s.CriterionKey, s.RawScore, s.Weight))
		}
		b.WriteString("; ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if len(res.Ignored) > 0 {
		b.WriteString("; ignored unweighted criteria: ")
		b.WriteString(strings.Join(res.Ignored, ", "))
	}
	return b.String()
}

// WeightAdjustedPayload is carried by weight.adjusted signals.
type WeightAdjustedPayload struct {
	Context   string          `json:"context"`
	HistoryID string          `json:"history_id"`
	Outcome   Outcome         `json:"outcome"`
	Weights   []domain.Weight `json:"weights"`
}

// Feedback applies the strategy's deltas for a recorded decision and returns
// the adjusted weights. Criteria whose weight was removed since the decision
// are skipped.
func (d *Decider) Feedback(ctx context.Context, historyID string, outcome Outcome) ([]domain.Weight, error) {
	if !outcome.Valid() {
		return nil, apperr.InvalidArgument(fmt.Sprintf("unknown outcome %q", outcome))
	}
	rec, err := d.History.Get(ctx, historyID)
	if err != nil {
		return nil, err
	}
	if rec.ActionType != history.ActionDecisionMade || rec.DecisionResult == nil {
		return nil, apperr.InvalidArgument(fmt.Sprintf("history record %s is not a decision", historyID))
	}
	contextKey := rec.DecisionResult.Context
	if contextKey == "" {
		contextKey = rec.ActorContext
	}

	var adjusted []domain.Weight
	deltas := map[string]float64{}
	for _, b := range rec.DecisionResult.Breakdown {
		delta := d.Strategy.Delta(outcome, b)
		if delta == 0 {
			continue
		}
		w, err := d.Settings.AdjustWeight(ctx, contextKey, b.CriterionKey, delta)
		if errors.Is(err, apperr.ErrNotFound) {
			d.log.Warn("weight removed since decision, skipping",
				zap.String("context", contextKey),
				zap.String("criterion", b.CriterionKey))
			continue
		}
		if err != nil {
			return adjusted, err
		}
		deltas[b.CriterionKey] = delta
		adjusted = append(adjusted, w)
	}

	fb, err := d.History.Record(contextKey, history.ActionDecisionFeedback, history.Detail{
		"history_id": historyID,
		"outcome":    outcome,
		"deltas":     deltas,
	}, nil)
	if err != nil {
		return adjusted, err
	}
	_, err = d.inTx(ctx, func(tx *sql.Tx) (string, error) {
		if _, err := d.History.AppendTx(ctx, tx, fb); err != nil {
			return "", err
		}
		return d.Bus.EmitTx(ctx, tx, domain.SignalWeightAdjusted, WeightAdjustedPayload{
			Context:   contextKey,
			HistoryID: historyID,
			Outcome:   outcome,
			Weights:   adjusted,
		})
	})
	if err != nil {
		return adjusted, err
	}
	d.log.Info("decision feedback applied",
		zap.String("history_id", historyID),
		zap.String("outcome", string(outcome)),
		zap.Int("adjusted", len(adjusted)))
	return adjusted, nil
}

func (d *Decider) inTx(ctx context.Context, fn func(tx *sql.Tx) (string, error)) (string, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", apperr.Persistence("begin tx", err)
	}
	defer tx.Rollback()
	out, err := fn(tx)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", apperr.Persistence("commit", err)
	}
	return out, nil
}

// Evaluate is the payload of a decision.evaluate task.
type Evaluate struct {
	Context string             `json:"context"`
	Scores  map[string]float64 `json:"scores"`
}
