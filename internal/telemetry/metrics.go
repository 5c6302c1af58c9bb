package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/okatech-org/sgg.ga-sub007/engine"

// Metrics holds the engine counters. A nil *Metrics records nothing, so
// components can be built without instrumentation.
type Metrics struct {
	signalsRouted  metric.Int64Counter
	signalsFailed  metric.Int64Counter
	tasksSucceeded metric.Int64Counter
	tasksFailed    metric.Int64Counter
	tasksExhausted metric.Int64Counter
	decisions      metric.Int64Counter
	jobsSkipped    metric.Int64Counter
	jobsFailed     metric.Int64Counter
}

// New registers the counters on meter. A nil meter uses the global provider,
// which is a no-op unless one was installed.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.signalsRouted, "engine.signals.routed", "Signals delivered to their handler."},
		{&m.signalsFailed, "engine.signals.failed", "Signals whose handler failed or was missing."},
		{&m.tasksSucceeded, "engine.tasks.succeeded", "Task runs that succeeded."},
		{&m.tasksFailed, "engine.tasks.failed", "Tasks failed permanently."},
		{&m.tasksExhausted, "engine.tasks.exhausted", "Tasks that used every attempt."},
		{&m.decisions, "engine.decisions", "Decisions computed, by verdict."},
		{&m.jobsSkipped, "engine.jobs.skipped", "Scheduler ticks skipped because the job was still running."},
		{&m.jobsFailed, "engine.jobs.failed", "Scheduler job runs that returned an error."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func add(ctx context.Context, c metric.Int64Counter, n int, key, value string) {
	if c == nil || n <= 0 {
		return
	}
	c.Add(ctx, int64(n), metric.WithAttributes(attribute.String(key, value)))
}

func (m *Metrics) SignalRouted(ctx context.Context, signalType string) {
	if m == nil {
		return
	}
	add(ctx, m.signalsRouted, 1, "type", signalType)
}

func (m *Metrics) SignalFailed(ctx context.Context, signalType string) {
	if m == nil {
		return
	}
	add(ctx, m.signalsFailed, 1, "type", signalType)
}

func (m *Metrics) TaskSucceeded(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	add(ctx, m.tasksSucceeded, 1, "kind", kind)
}

func (m *Metrics) TaskFailed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	add(ctx, m.tasksFailed, 1, "kind", kind)
}

func (m *Metrics) TaskExhausted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	add(ctx, m.tasksExhausted, 1, "kind", kind)
}

func (m *Metrics) Decision(ctx context.Context, verdict string) {
	if m == nil {
		return
	}
	add(ctx, m.decisions, 1, "verdict", verdict)
}

func (m *Metrics) JobSkipped(ctx context.Context, job string) {
	if m == nil {
		return
	}
	add(ctx, m.jobsSkipped, 1, "job", job)
}

func (m *Metrics) JobFailed(ctx context.Context, job string) {
	if m == nil {
		return
	}
	add(ctx, m.jobsFailed, 1, "job", job)
}
