package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Sum[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func TestMetrics_RecordTransition(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordTransition(ctx, "AUTHENTICATED", "ANONYMOUS", "session_closed")
	m.RecordTransition(ctx, "AUTHENTICATED", "ANONYMOUS", "session_closed")
	m.RecordTransition(ctx, "ANONYMOUS", "AUTHENTICATED", "")
	m.RecordWarning(ctx)

	sums := collect(t, reader)
	transitions, ok := sums["naivepay.session.transitions"]
	require.True(t, ok)
	require.Len(t, transitions.DataPoints, 2)
	for _, dp := range transitions.DataPoints {
		to, _ := dp.Attributes.Value(attribute.Key("to"))
		switch to.AsString() {
		case "ANONYMOUS":
			assert.EqualValues(t, 2, dp.Value)
			reason, _ := dp.Attributes.Value(attribute.Key("reason"))
			assert.Equal(t, "session_closed", reason.AsString())
		case "AUTHENTICATED":
			assert.EqualValues(t, 1, dp.Value)
			assert.False(t, dp.Attributes.HasValue(attribute.Key("reason")))
		default:
			t.Errorf("unexpected data point %v", dp.Attributes)
		}
	}

	warnings := sums["naivepay.session.inactivity_warnings"]
	require.Len(t, warnings.DataPoints, 1)
	assert.EqualValues(t, 1, warnings.DataPoints[0].Value)
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	m.RecordTransition(context.Background(), "a", "b", "c")
	m.RecordWarning(context.Background())
}
