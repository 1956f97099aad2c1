package middleware_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	mw "github.com/xraph/renderq/middleware"
)

// collect runs one generation through the metrics middleware and returns
// everything the meter recorded, keyed by instrument name.
func collect(t *testing.T, genErr error) map[string]metricdata.Aggregation {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := mw.MetricsWithMeter(mp.Meter("test"))

	err := m(context.Background(), newTestJob(), func(context.Context) error { return genErr })
	require.ErrorIs(t, err, genErr)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetrics_Instruments(t *testing.T) {
	tests := []struct {
		name   string
		genErr error
		status string
	}{
		{"success", nil, "ok"},
		{"failure", errors.New("cuda error"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, tt.genErr)
			want := attribute.NewSet(
				attribute.String("size", "768x512"),
				attribute.String("status", tt.status),
			)

			hist, ok := got["renderq.generation.duration"].(metricdata.Histogram[float64])
			require.True(t, ok, "duration histogram missing")
			require.Len(t, hist.DataPoints, 1)
			assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
			assert.GreaterOrEqual(t, hist.DataPoints[0].Sum, 0.0)
			assert.True(t, hist.DataPoints[0].Attributes.Equals(&want))

			runs, ok := got["renderq.generation.runs"].(metricdata.Sum[int64])
			require.True(t, ok, "runs counter missing")
			require.Len(t, runs.DataPoints, 1)
			assert.Equal(t, int64(1), runs.DataPoints[0].Value)
			assert.True(t, runs.DataPoints[0].Attributes.Equals(&want))

			inFlight, ok := got["renderq.generation.in_flight"].(metricdata.Sum[int64])
			require.True(t, ok, "in-flight counter missing")
			require.Len(t, inFlight.DataPoints, 1)
			assert.Zero(t, inFlight.DataPoints[0].Value)
			assert.False(t, inFlight.IsMonotonic)
		})
	}
}

func TestMetrics_InFlightDuringGeneration(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := mw.MetricsWithMeter(mp.Meter("test"))

	var during int64
	_ = m(context.Background(), newTestJob(), func(ctx context.Context) error {
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(ctx, &rm))
		for _, sm := range rm.ScopeMetrics {
			for _, metric := range sm.Metrics {
				if sum, ok := metric.Data.(metricdata.Sum[int64]); ok && metric.Name == "renderq.generation.in_flight" {
					during = sum.DataPoints[0].Value
				}
			}
		}
		return nil
	})
	assert.Equal(t, int64(1), during)
}

func TestMetrics_GlobalProvider(t *testing.T) {
	m := mw.Metrics()
	err := m(context.Background(), newTestJob(), func(context.Context) error { return nil })
	assert.NoError(t, err)
}
