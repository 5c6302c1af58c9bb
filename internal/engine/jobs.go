package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/okatech-org/sgg.ga-sub007/internal/config"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/notify"
	"github.com/okatech-org/sgg.ga-sub007/internal/scheduler"
	"github.com/okatech-org/sgg.ga-sub007/internal/signals"
	"github.com/okatech-org/sgg.ga-sub007/internal/tasks"
)

const (
	JobSignalsRoute       = "signals.route"
	JobTasksProcess       = "tasks.process"
	JobSignalsCleanup     = "signals.cleanup"
	JobTasksPurge         = "tasks.purge"
	JobHistoryPurge       = "history.purge"
	JobNotificationsPurge = "notifications.purge"
	JobMetricsSnapshot    = "metrics.snapshot"
	JobConfigRefresh      = "config.refresh"
)

const (
	defaultJobPeriod = time.Minute
	defaultJobBatch  = 100
)

// JobNames lists the engine's jobs in the order they are registered.
var JobNames = []string{
	JobSignalsRoute,
	JobTasksProcess,
	JobSignalsCleanup,
	JobTasksPurge,
	JobHistoryPurge,
	JobNotificationsPurge,
	JobMetricsSnapshot,
	JobConfigRefresh,
}

// PeriodKey is the dynamic config key overriding a job's period.
func PeriodKey(job string) string {
	return "jobs." + job + ".period"
}

func (e *Engine) job(name string) config.Job {
	j := e.Config.Job(name, config.Job{Period: defaultJobPeriod, Batch: defaultJobBatch})
	if j.Batch <= 0 {
		j.Batch = defaultJobBatch
	}
	return j
}

// Jobs returns the job table. Periods come from config key jobs.<name>.period
// when set, else from engine.yml.
func (e *Engine) Jobs(ctx context.Context) []scheduler.Job {
	run := map[string]func(ctx context.Context) error{
		JobSignalsRoute: func(ctx context.Context) error {
			_, err := e.Signals.RoutePending(ctx, e.job(JobSignalsRoute).Batch)
			return err
		},
		JobTasksProcess: func(ctx context.Context) error {
			_, err := e.Tasks.ProcessPending(ctx, e.job(JobTasksProcess).Batch)
			return err
		},
		JobSignalsCleanup: func(ctx context.Context) error {
			_, err := e.Signals.Cleanup(ctx, e.Config.Retention.Signals)
			return err
		},
		JobTasksPurge: func(ctx context.Context) error {
			_, err := e.Tasks.Purge(ctx, e.Config.Retention.Tasks)
			return err
		},
		JobHistoryPurge: func(ctx context.Context) error {
			_, err := e.History.Purge(ctx, e.Config.Retention.History)
			return err
		},
		JobNotificationsPurge: func(ctx context.Context) error {
			_, err := e.Notifications.Purge(ctx, e.Config.Retention.Notifications)
			return err
		},
		JobMetricsSnapshot: func(ctx context.Context) error {
			_, err := e.History.Snapshot(ctx)
			return err
		},
		JobConfigRefresh: func(ctx context.Context) error {
			_, err := e.Settings.Refresh(ctx)
			return err
		},
	}
	jobs := make([]scheduler.Job, 0, len(JobNames))
	for _, name := range JobNames {
		period := e.Settings.Duration(ctx, PeriodKey(name), e.job(name).Period)
		jobs = append(jobs, scheduler.Job{Name: name, Period: period, Run: run[name]})
	}
	return jobs
}

// Scheduler returns an unstarted scheduler with every engine job registered.
// Stats reports the most recently built one.
func (e *Engine) Scheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	s := scheduler.New(scheduler.Options{Logger: e.Log.Named("scheduler"), Metrics: e.Metrics})
	for _, j := range e.Jobs(ctx) {
		if err := s.Register(j); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	e.sched = s
	e.mu.Unlock()
	return s, nil
}

type Stats struct {
	Signals       signals.Stats        `json:"signals"`
	Tasks         tasks.Stats          `json:"tasks"`
	Notifications notify.Stats         `json:"notifications"`
	Decisions     domain.Metrics       `json:"decisions"`
	Jobs          []scheduler.JobStats `json:"jobs,omitempty"`
}

// Stats aggregates every component's counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Signals, err = e.Signals.Stats(ctx); err != nil {
		return st, err
	}
	if st.Tasks, err = e.Tasks.Stats(ctx); err != nil {
		return st, err
	}
	if st.Notifications, err = e.Notifications.Stats(ctx); err != nil {
		return st, err
	}
	if st.Decisions, err = e.History.Metrics(ctx, time.Time{}); err != nil {
		return st, err
	}
	e.mu.Lock()
	s := e.sched
	e.mu.Unlock()
	if s != nil {
		st.Jobs = s.Stats()
	}
	return st, nil
}

// Maintenance reports what one RunMaintenance call removed.
type Maintenance struct {
	Signals       int `json:"signals"`
	Tasks         int `json:"tasks"`
	History       int `json:"history"`
	Notifications int `json:"notifications"`
}

// RunMaintenance runs every purge once, concurrently, using the configured
// retention windows.
func (e *Engine) RunMaintenance(ctx context.Context) (Maintenance, error) {
	var m Maintenance
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		m.Signals, err = e.Signals.Cleanup(ctx, e.Config.Retention.Signals)
		return err
	})
	g.Go(func() (err error) {
		m.Tasks, err = e.Tasks.Purge(ctx, e.Config.Retention.Tasks)
		return err
	})
	g.Go(func() (err error) {
		m.History, err = e.History.Purge(ctx, e.Config.Retention.History)
		return err
	})
	g.Go(func() (err error) {
		m.Notifications, err = e.Notifications.Purge(ctx, e.Config.Retention.Notifications)
		return err
	})
	err := g.Wait()
	if err == nil {
		e.Log.Info("maintenance finished",
			zap.Int("signals", m.Signals),
			zap.Int("tasks", m.Tasks),
			zap.Int("history", m.History),
			zap.Int("notifications", m.Notifications))
	}
	return m, err
}
