package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/okatech-org/sgg.ga-sub007/internal/apperr"
	"github.com/okatech-org/sgg.ga-sub007/internal/decision"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/history"
	"github.com/okatech-org/sgg.ga-sub007/internal/signals"
	"github.com/okatech-org/sgg.ga-sub007/internal/tasks"
)

// Task kinds served by the default executors.
const (
	KindDecisionEvaluate = "decision.evaluate"
	KindNotificationSend = "notification.send"
)

// NotificationSend is the payload of a notification.send task.
type NotificationSend struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// TaskExhausted is the payload of task.exhausted signals.
type TaskExhausted struct {
	TaskID    string `json:"task_id"`
	Kind      string `json:"kind"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

func (e *Engine) registerHandlers() {
	reg := e.Signals.Registry
	reg.Register(domain.SignalDecision, signals.HandlerFunc(e.notifyDecision))
	reg.Register(domain.SignalTaskExhausted, signals.HandlerFunc(e.recordExhausted))
	reg.Register(domain.SignalConfigChanged, signals.HandlerFunc(e.refreshConfig))
	reg.Register(domain.SignalWeightAdjusted, signals.HandlerFunc(func(_ context.Context, s domain.Signal) error {
		e.Log.Debug("weights adjusted", zap.String("signal_id", s.ID))
		return nil
	}))
	for _, w := range e.Config.Signals.Webhooks {
		reg.Add(domain.SignalType(w.Type), signals.NewWebhookHandler(signals.Webhook{
			URL:     w.URL,
			Secret:  w.Secret,
			Timeout: w.Timeout,
		}))
	}
}

func (e *Engine) registerExecutors() {
	reg := e.Tasks.Registry
	reg.Register(KindDecisionEvaluate, tasks.ExecutorFunc(e.evaluate))
	reg.Register(KindNotificationSend, tasks.ExecutorFunc(e.sendNotification))
}

// notifyDecision tells the decision's context about the verdict.
func (e *Engine) notifyDecision(ctx context.Context, s domain.Signal) error {
	var p decision.SignalPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return fmt.Errorf("decode decision signal: %w", err)
	}
	msg := fmt.Sprintf("decision %s for %s (score %.4f, history %s)", p.Verdict, p.Context, p.TotalScore, p.HistoryID)
	_, err := e.Notifications.Create(ctx, p.Context, msg)
	return err
}

func (e *Engine) recordExhausted(ctx context.Context, s domain.Signal) error {
	var p TaskExhausted
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return fmt.Errorf("decode task.exhausted signal: %w", err)
	}
	rec, err := e.History.Record(p.Kind, history.ActionTaskExhausted, history.Detail{
		"task_id":    p.TaskID,
		"attempts":   p.Attempts,
		"last_error": p.LastError,
		"signal_id":  s.ID,
	}, nil)
	if err != nil {
		return err
	}
	_, err = e.History.Append(ctx, rec)
	return err
}

func (e *Engine) refreshConfig(ctx context.Context, s domain.Signal) error {
	var p ConfigChanged
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return fmt.Errorf("decode config.changed signal: %w", err)
	}
	if p.Key == "" {
		return nil
	}
	_, err := e.Settings.Refresh(ctx, p.Key)
	return err
}

// onTaskExhausted announces a task that used its last attempt.
func (e *Engine) onTaskExhausted(ctx context.Context, t domain.Task) {
	if _, err := e.Signals.Emit(ctx, domain.SignalTaskExhausted, TaskExhausted{
		TaskID:    t.ID,
		Kind:      t.Kind,
		Attempts:  t.Attempts,
		LastError: t.LastError,
	}); err != nil {
		e.Log.Error("emit task.exhausted failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// evaluate runs a decision. Bad input can never succeed on retry, so it is
// reported as permanent.
func (e *Engine) evaluate(ctx context.Context, t domain.Task) error {
	var p decision.Evaluate
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return tasks.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	_, err := e.Decider.Decide(ctx, p.Context, p.Scores)
	if errors.Is(err, apperr.ErrInvalidContext) || errors.Is(err, apperr.ErrScoring) {
		return tasks.Permanent(err)
	}
	return err
}

func (e *Engine) sendNotification(ctx context.Context, t domain.Task) error {
	var p NotificationSend
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return tasks.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	_, err := e.Notifications.Create(ctx, p.Recipient, p.Message)
	if errors.Is(err, apperr.ErrInvalidArgument) {
		return tasks.Permanent(err)
	}
	return err
}
