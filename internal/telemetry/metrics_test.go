package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/okatech-org/sgg.ga-sub007/internal/telemetry"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestCountersRecord(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := telemetry.New(provider.Meter("test"))
	require.NoError(t, err)

	m.SignalRouted(ctx, "decision")
	m.SignalRouted(ctx, "decision")
	m.SignalFailed(ctx, "decision")
	m.TaskSucceeded(ctx, "notification.send")
	m.TaskExhausted(ctx, "notification.send")
	m.Decision(ctx, "approve")
	m.JobSkipped(ctx, "tasks.process")

	totals := collect(t, reader)
	assert.Equal(t, int64(2), totals["engine.signals.routed"])
	assert.Equal(t, int64(1), totals["engine.signals.failed"])
	assert.Equal(t, int64(1), totals["engine.tasks.succeeded"])
	assert.Equal(t, int64(1), totals["engine.tasks.exhausted"])
	assert.Equal(t, int64(1), totals["engine.decisions"])
	assert.Equal(t, int64(1), totals["engine.jobs.skipped"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *telemetry.Metrics
	ctx := context.Background()
	m.SignalRouted(ctx, "decision")
	m.TaskFailed(ctx, "x")
	m.JobFailed(ctx, "x")
}
