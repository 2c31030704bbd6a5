package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := New(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			out[md.Name] = md.Data
		}
	}
	return out
}

func sumFor(t *testing.T, data metricdata.Aggregation, key, value string) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_RecordsCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "ASSET_READY", "MIGRATED")
	m.RecordTransition(ctx, "MIGRATED", "SOURCE_DELETED")
	m.RecordAlert(ctx, "critical", "migrate_exhausted")
	m.EventReceived(ctx, "twilio", "asset-ready")
	m.SweepAction(ctx, "requeue_migrate", 3)
	m.SweepAction(ctx, "requeue_cleanup", 0)

	data := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, data["recon.transitions"], "to", "MIGRATED"))
	assert.Equal(t, int64(1), sumFor(t, data["recon.alerts"], "code", "migrate_exhausted"))
	assert.Equal(t, int64(1), sumFor(t, data["recon.events.received"], "kind", "asset-ready"))
	assert.Equal(t, int64(3), sumFor(t, data["recon.sweep.actions"], "action", "requeue_migrate"))
	assert.Zero(t, sumFor(t, data["recon.sweep.actions"], "action", "requeue_cleanup"))
}

func TestMetrics_JobDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.ObserveJob(context.Background(), "migrate", "done", 1500*time.Millisecond)

	hist, ok := collect(t, reader)["recon.job.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 1.5, hist.DataPoints[0].Sum, 1e-9)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTransition(ctx, "a", "b")
	m.RecordAlert(ctx, "warning", "x")
	m.ObserveJob(ctx, "cleanup", "done", time.Second)
}

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	m, err := New(p.Meter)
	require.NoError(t, err)
	m.EventRejected(context.Background(), "generic", "signature")
	assert.NoError(t, p.Shutdown(context.Background()))
}
