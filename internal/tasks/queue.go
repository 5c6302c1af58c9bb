// Package tasks is the durable retry queue for externally-effectful work.
// Backoff is stored as next_attempt_at on the row, so no in-memory timer per
// task is needed and a restart loses nothing.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/okatech-org/sgg.ga-sub007/internal/apperr"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/repo"
	"github.com/okatech-org/sgg.ga-sub007/internal/telemetry"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRunningLease = 10 * time.Minute
)

var errNoExecutor = errors.New("no executor registered")

type Options struct {
	Logger             *zap.Logger
	Metrics            *telemetry.Metrics
	DefaultMaxAttempts int
	Backoff            BackoffFunc
	// RunningLease is how long a task may stay running before another
	// processor may reclaim it.
	RunningLease time.Duration
	PurgeBatch   int
	// OnExhausted runs after a task used its last attempt.
	OnExhausted func(ctx context.Context, t domain.Task)
}

type Queue struct {
	Repo     repo.Repo
	Registry *Registry
	Now      func() time.Time

	log          *zap.Logger
	metrics      *telemetry.Metrics
	maxAttempts  int
	backoff      BackoffFunc
	runningLease time.Duration
	purgeBatch   int
	onExhausted  func(ctx context.Context, t domain.Task)
}

// ProcessResult counts outcomes of one ProcessPending call. Failed counts
// every failed run that did not exhaust the task; Retried is the subset
// rescheduled for another attempt.
type ProcessResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Exhausted int `json:"exhausted"`
}

type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

type Filter = repo.TaskFilters

func New(r repo.Repo, reg *Registry, opts Options) *Queue {
	if reg == nil {
		reg = NewRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxAttempts := opts.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = Backoff(DefaultBackoffBase, DefaultBackoffMax)
	}
	lease := opts.RunningLease
	if lease <= 0 {
		lease = DefaultRunningLease
	}
	return &Queue{
		Repo:         r,
		Registry:     reg,
		Now:          time.Now,
		log:          log,
		metrics:      opts.Metrics,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		runningLease: lease,
		purgeBatch:   opts.PurgeBatch,
		onExhausted:  opts.OnExhausted,
	}
}

func (q *Queue) now() time.Time {
	if q.Now == nil {
		return time.Now().UTC()
	}
	return q.Now().UTC()
}

// OnExhausted replaces the exhaustion hook.
func (q *Queue) OnExhausted(fn func(ctx context.Context, t domain.Task)) {
	q.onExhausted = fn
}

// Enqueue stores a pending task due now. A non-positive maxAttempts uses the
// queue default.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, maxAttempts int) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", apperr.InvalidArgument("task kind is required")
	}
	data, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	now := q.now()
	t := domain.Task{
		ID:            domain.NewID(domain.PrefixTask),
		Kind:          kind,
		Payload:       data,
		Status:        domain.TaskPending,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if _, err := q.Repo.InsertTask(ctx, t); err != nil {
		return "", apperr.Persistence("enqueue task", err)
	}
	q.log.Debug("task enqueued", zap.String("task_id", t.ID), zap.String("kind", kind), zap.Int("max_attempts", maxAttempts))
	return t.ID, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(p) {
			return nil, apperr.InvalidArgument("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		return encodePayload(json.RawMessage(p))
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, apperr.InvalidArgument(fmt.Sprintf("encode payload: %v", err))
		}
		return data, nil
	}
}

// ProcessPending runs up to batchSize due tasks, earliest due first. Each
// task's failure is recorded on that task only. Store errors stop the batch
// and are returned with the progress made so far.
func (q *Queue) ProcessPending(ctx context.Context, batchSize int) (ProcessResult, error) {
	var res ProcessResult
	if batchSize <= 0 {
		return res, nil
	}
	now := q.now()
	claimed, err := q.Repo.ClaimDueTasks(ctx, batchSize, now, now.Add(-q.runningLease))
	if err != nil && len(claimed) == 0 {
		return res, apperr.Persistence("claim tasks", err)
	}
	for _, t := range claimed {
		if perr := q.runOne(ctx, t, &res); perr != nil {
			return res, perr
		}
	}
	if err != nil {
		return res, apperr.Persistence("claim tasks", err)
	}
	return res, nil
}

func (q *Queue) runOne(ctx context.Context, t domain.Task, res *ProcessResult) error {
	log := q.log.With(zap.String("task_id", t.ID), zap.String("kind", t.Kind))
	runErr := q.execute(ctx, t)
	now := q.now()

	result := repo.TaskResult{ID: t.ID, Attempts: t.Attempts, Now: now}
	switch {
	case runErr == nil:
		result.Status = domain.TaskSucceeded
	case errors.Is(runErr, errNoExecutor):
		result.Status = domain.TaskFailed
		result.LastError = runErr.Error()
	case IsPermanent(runErr):
		result.Status = domain.TaskFailed
		result.Attempts = t.Attempts + 1
		result.LastError = runErr.Error()
	default:
		result.Attempts = t.Attempts + 1
		result.LastError = runErr.Error()
		if result.Attempts < t.MaxAttempts {
			result.Status = domain.TaskPending
			result.NextAttemptAt = now.Add(q.backoff(result.Attempts))
		} else {
			result.Attempts = t.MaxAttempts
			result.Status = domain.TaskExhausted
		}
	}

	if err := q.Repo.FinishTask(ctx, result); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			log.Warn("task left running state before its result was recorded")
			return nil
		}
		return apperr.Persistence("record task result", err)
	}

	switch result.Status {
	case domain.TaskSucceeded:
		res.Succeeded++
		q.metrics.TaskSucceeded(ctx, t.Kind)
	case domain.TaskPending:
		res.Failed++
		res.Retried++
		log.Warn("task attempt failed, retry scheduled",
			zap.Int("attempts", result.Attempts),
			zap.Time("next_attempt_at", result.NextAttemptAt),
			zap.Error(runErr))
	case domain.TaskFailed:
		res.Failed++
		q.metrics.TaskFailed(ctx, t.Kind)
		log.Warn("task failed permanently", zap.Error(runErr))
	case domain.TaskExhausted:
		res.Exhausted++
		q.metrics.TaskExhausted(ctx, t.Kind)
		log.Warn("task exhausted", zap.Int("attempts", result.Attempts), zap.Error(runErr))
		if q.onExhausted != nil {
			t.Status = domain.TaskExhausted
			t.Attempts = result.Attempts
			t.LastError = result.LastError
			t.UpdatedAt = now
			q.onExhausted(ctx, t)
		}
	}
	return nil
}

func (q *Queue) execute(ctx context.Context, t domain.Task) (err error) {
	exec, ok := q.Registry.Lookup(t.Kind)
	if !ok {
		return fmt.Errorf("%w for kind %q", errNoExecutor, t.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Handler(t.Kind, fmt.Errorf("panic: %v", r))
		}
	}()
	return exec.Execute(ctx, t)
}

// Retry gives a failed or exhausted task a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) (domain.Task, error) {
	t, err := q.Repo.ResetTask(ctx, id, q.now())
	switch {
	case err == nil:
		q.log.Info("task reset for retry", zap.String("task_id", id))
		return t, nil
	case errors.Is(err, repo.ErrNotFound):
		return t, apperr.NotFound("task " + id)
	case errors.Is(err, repo.ErrConflict):
		return t, apperr.InvalidArgument("only failed or exhausted tasks can be retried")
	default:
		return t, apperr.Persistence("retry task", err)
	}
}

// Purge removes terminal tasks last updated before now-retention.
// Statuses default to succeeded and exhausted.
func (q *Queue) Purge(ctx context.Context, retention time.Duration, statuses ...domain.TaskStatus) (int, error) {
	if retention < 0 {
		return 0, apperr.InvalidArgument("retention must not be negative")
	}
	if len(statuses) == 0 {
		statuses = []domain.TaskStatus{domain.TaskSucceeded, domain.TaskExhausted}
	}
	for _, s := range statuses {
		if !s.Terminal() {
			return 0, apperr.InvalidArgument(fmt.Sprintf("cannot purge %s tasks", s))
		}
	}
	n, err := q.Repo.DeleteTasksBefore(ctx, q.now().Add(-retention), statuses, q.purgeBatch)
	if err != nil {
		return 0, apperr.Persistence("purge tasks", err)
	}
	if n > 0 {
		q.log.Info("tasks purged", zap.Int("removed", n))
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.Repo.CountTasksByStatus(ctx)
	if err != nil {
		return Stats{}, apperr.Persistence("task stats", err)
	}
	return Stats{
		Pending:   counts[string(domain.TaskPending)],
		Running:   counts[string(domain.TaskRunning)],
		Succeeded: counts[string(domain.TaskSucceeded)],
		Failed:    counts[string(domain.TaskFailed)],
		Exhausted: counts[string(domain.TaskExhausted)],
	}, nil
}

func (q *Queue) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := q.Repo.GetTask(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, apperr.NotFound("task " + id)
	}
	if err != nil {
		return t, apperr.Persistence("get task", err)
	}
	return t, nil
}

func (q *Queue) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	list, err := q.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list tasks", err)
	}
	return list, nil
}
