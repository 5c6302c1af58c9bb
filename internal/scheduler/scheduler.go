// Package scheduler runs named maintenance jobs on fixed periods. A job never
// overlaps itself: a tick that arrives while the previous run is still going
// is skipped and counted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/okatech-org/sgg.ga-sub007/internal/telemetry"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

var (
	ErrStarted = errors.New("scheduler already started")
	ErrStopped = errors.New("scheduler stopped")
)

type Job struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context) error
}

type JobStats struct {
	Name         string        `json:"name"`
	Period       time.Duration `json:"period"`
	State        State         `json:"state"`
	Runs         int64         `json:"runs"`
	Skips        int64         `json:"skips"`
	Failures     int64         `json:"failures"`
	LastStart    *time.Time    `json:"last_start,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

type Options struct {
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

type job struct {
	Job
	running atomic.Bool

	mu    sync.Mutex
	stats JobStats
}

type Scheduler struct {
	Now func() time.Time

	log     *zap.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	jobs    []*job
	names   map[string]bool
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	loops sync.WaitGroup
	runs  sync.WaitGroup
}

func New(opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Now:     time.Now,
		log:     log,
		metrics: opts.Metrics,
		names:   map[string]bool{},
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Scheduler) Register(j Job) error {
	if j.Name == "" {
		return errors.New("job name is required")
	}
	if j.Period <= 0 {
		return fmt.Errorf("job %s: period must be positive", j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run func is required", j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrStarted
	}
	if s.names[j.Name] {
		return fmt.Errorf("job %s already registered", j.Name)
	}
	s.names[j.Name] = true
	s.jobs = append(s.jobs, &job{Job: j, stats: JobStats{Name: j.Name, Period: j.Period, State: StateIdle}})
	return nil
}

// Start launches one tick loop per registered job. The loops stop when ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrStarted
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, j := range s.jobs {
		s.loops.Add(1)
		go s.loop(loopCtx, j)
	}
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.loops.Done()
	ticker := time.NewTicker(j.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, j)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.stats.Skips++
		j.mu.Unlock()
		s.metrics.JobSkipped(ctx, j.Name)
		s.log.Debug("job still running, tick skipped", zap.String("job", j.Name))
		return
	}
	// In-flight runs outlive Stop's cancellation; Stop waits for them.
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer j.running.Store(false)
		s.run(context.WithoutCancel(ctx), j)
	}()
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	start := s.now()
	j.mu.Lock()
	j.stats.State = StateRunning
	j.stats.LastStart = &start
	j.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "job."+j.Name)
	span.SetAttributes(attribute.String("job", j.Name))
	err := invoke(ctx, j.Run)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	elapsed := s.now().Sub(start)
	j.mu.Lock()
	j.stats.State = StateIdle
	j.stats.Runs++
	j.stats.LastDuration = elapsed
	j.stats.LastError = ""
	if err != nil {
		j.stats.Failures++
		j.stats.LastError = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		s.metrics.JobFailed(ctx, j.Name)
		s.log.Error("job failed", zap.String("job", j.Name), zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	s.log.Debug("job finished", zap.String("job", j.Name), zap.Duration("elapsed", elapsed))
}

func invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Stop cancels every tick loop and waits for in-flight runs to finish, or
// for ctx to end. Calling it again waits on the same drain.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.done = make(chan struct{})
		if s.cancel != nil {
			s.cancel()
		}
		go func(done chan struct{}) {
			s.loops.Wait()
			s.runs.Wait()
			close(done)
		}(s.done)
		for _, j := range s.jobs {
			j.mu.Lock()
			if j.stats.State == StateIdle {
				j.stats.State = StateStopped
			}
			j.mu.Unlock()
		}
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.markStopped()
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		j.mu.Lock()
		j.stats.State = StateStopped
		j.mu.Unlock()
	}
}

// Stats returns one entry per job in registration order.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		st := j.stats
		j.mu.Unlock()
		out = append(out, st)
	}
	return out
}
