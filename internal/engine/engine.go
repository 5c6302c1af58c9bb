// Package engine wires every component of the decision engine around one
// database: settings, signal bus, task queue, history, notifications and
// the decider, plus the default handlers, executors and job table.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/okatech-org/sgg.ga-sub007/internal/cache"
	"github.com/okatech-org/sgg.ga-sub007/internal/config"
	"github.com/okatech-org/sgg.ga-sub007/internal/decision"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/history"
	"github.com/okatech-org/sgg.ga-sub007/internal/notify"
	"github.com/okatech-org/sgg.ga-sub007/internal/repo"
	"github.com/okatech-org/sgg.ga-sub007/internal/scheduler"
	"github.com/okatech-org/sgg.ga-sub007/internal/settings"
	"github.com/okatech-org/sgg.ga-sub007/internal/signals"
	"github.com/okatech-org/sgg.ga-sub007/internal/tasks"
	"github.com/okatech-org/sgg.ga-sub007/internal/telemetry"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Log    *zap.Logger

	Cache         cache.Cache
	Metrics       *telemetry.Metrics
	Settings      *settings.Store
	Signals       *signals.Bus
	Tasks         *tasks.Queue
	History       *history.Store
	Notifications *notify.Store
	Decider       *decision.Decider

	mu    sync.Mutex
	sched *scheduler.Scheduler
}

type options struct {
	logger   *zap.Logger
	meter    metric.Meter
	cache    cache.Cache
	strategy decision.Strategy
	now      func() time.Time
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func WithMeter(m metric.Meter) Option { return func(o *options) { o.meter = m } }

// WithCache replaces the in-process LRU. The namespace prefix is still applied.
func WithCache(c cache.Cache) Option { return func(o *options) { o.cache = c } }

func WithStrategy(s decision.Strategy) Option { return func(o *options) { o.strategy = s } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New builds the engine on an opened, migrated database. A nil cfg uses
// config.Default().
func New(db *sql.DB, cfg *config.Config, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.New("engine: nil database")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics, err := telemetry.New(o.meter)
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}

	inner := o.cache
	if inner == nil {
		lru, err := cache.NewLRU(cfg.Cache.Size)
		if err != nil {
			return nil, fmt.Errorf("engine cache: %w", err)
		}
		inner = lru
	}
	shared := cache.Namespaced{Prefix: cfg.Cache.Namespace, Inner: inner}

	r := repo.Repo{DB: db}
	st, err := settings.New(r, settings.Options{
		Cache:     shared,
		TTL:       cfg.Cache.TTL,
		Logger:    log.Named("settings"),
		Defaults:  cfg.Defaults,
		WeightMin: cfg.Weights.Min,
		WeightMax: cfg.Weights.Max,
	})
	if err != nil {
		return nil, fmt.Errorf("engine settings: %w", err)
	}

	bus := signals.New(r, signals.NewRegistry(), signals.Options{
		Logger:     log.Named("signals"),
		Metrics:    metrics,
		ClaimLease: cfg.Signals.ClaimLease,
		PurgeBatch: cfg.Job(JobSignalsCleanup, config.Job{}).Batch,
	})
	queue := tasks.New(r, tasks.NewRegistry(), tasks.Options{
		Logger:             log.Named("tasks"),
		Metrics:            metrics,
		DefaultMaxAttempts: cfg.Tasks.MaxAttempts,
		Backoff:            tasks.Backoff(cfg.Tasks.BackoffBase, cfg.Tasks.BackoffMax),
		RunningLease:       cfg.Tasks.RunningLease,
		PurgeBatch:         cfg.Job(JobTasksPurge, config.Job{}).Batch,
	})
	hist := history.New(r, log.Named("history"))
	hist.PurgeBatch = cfg.Job(JobHistoryPurge, config.Job{}).Batch
	notes := notify.New(r, log.Named("notify"))
	notes.PurgeBatch = cfg.Job(JobNotificationsPurge, config.Job{}).Batch

	strategy := o.strategy
	if strategy == nil {
		strategy = decision.ProportionalStrategy{Rate: cfg.Decision.AdjustRate}
	}
	threshold := cfg.Decision.Threshold
	decider := decision.New(db, st, hist, bus, decision.Options{
		Logger:           log.Named("decision"),
		Metrics:          metrics,
		Strategy:         strategy,
		Threshold:        &threshold,
		EscalationMargin: cfg.Decision.EscalationMargin,
	})

	e := &Engine{
		DB:            db,
		Repo:          r,
		Config:        cfg,
		Log:           log,
		Cache:         shared,
		Metrics:       metrics,
		Settings:      st,
		Signals:       bus,
		Tasks:         queue,
		History:       hist,
		Notifications: notes,
		Decider:       decider,
	}
	if o.now != nil {
		e.SetClock(o.now)
	}
	queue.OnExhausted(e.onTaskExhausted)
	e.registerHandlers()
	e.registerExecutors()
	return e, nil
}

// SetClock points every component at now.
func (e *Engine) SetClock(now func() time.Time) {
	e.Settings.Now = now
	e.Signals.Now = now
	e.Tasks.Now = now
	e.History.Now = now
	e.Notifications.Now = now
}

// ConfigChanged is the payload of config.changed signals.
type ConfigChanged struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Reset bool   `json:"reset,omitempty"`
}

// SetConfig overrides key and announces the change on the bus.
func (e *Engine) SetConfig(ctx context.Context, key, value string) error {
	if err := e.Settings.SetConfig(ctx, key, value); err != nil {
		return err
	}
	_, err := e.Signals.Emit(ctx, domain.SignalConfigChanged, ConfigChanged{Key: key, Value: value})
	return err
}

// ResetConfig drops the override of key so reads fall back to its default.
func (e *Engine) ResetConfig(ctx context.Context, key string) error {
	if err := e.Settings.ResetConfig(ctx, key); err != nil {
		return err
	}
	_, err := e.Signals.Emit(ctx, domain.SignalConfigChanged, ConfigChanged{Key: key, Reset: true})
	return err
}
