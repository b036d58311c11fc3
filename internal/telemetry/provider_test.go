package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// keepGlobals resets the otel globals to no-op providers after the test.
func keepGlobals(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
	})
}

func TestSetupExportsSpansAndMetrics(t *testing.T) {
	keepGlobals(t)
	out := filepath.Join(t.TempDir(), "telemetry.jsonl")

	p, err := Setup(context.Background(), Config{
		ServiceName:    "be-mfg-workflow",
		ServiceVersion: "test",
		Exporter:       ExporterStdout,
		Output:         out,
	})
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "workflow.transition_stage", attribute.String("project_id", "p-1"))
	m, err := New()
	require.NoError(t, err)
	m.Decision(ctx, "approved")
	EndSpan(span, nil)

	require.NoError(t, p.Shutdown(context.Background()))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "workflow.transition_stage")
	assert.Contains(t, string(raw), "mfgworkflow.approvals.decisions")
	assert.Contains(t, string(raw), "be-mfg-workflow")
}

func TestSetupWithoutExporter(t *testing.T) {
	keepGlobals(t)
	p, err := Setup(context.Background(), Config{ServiceName: "svc", Exporter: ExporterNone})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer)
	assert.NotNil(t, p.Meter)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Config{ServiceName: "svc", Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestNilProvidersShutdown(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestCountersReadThroughManualReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m, err := NewWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.Decision(ctx, "approved")
	m.Decision(ctx, "approved")
	m.Decision(ctx, "rejected")
	m.Expired(ctx, 4)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	decisions := map[string]int64{}
	var expired int64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			switch metric.Name {
			case "mfgworkflow.approvals.decisions":
				for _, dp := range sum.DataPoints {
					for _, kv := range dp.Attributes.ToSlice() {
						decisions[kv.Value.AsString()] += dp.Value
					}
				}
			case "mfgworkflow.approvals.expired":
				for _, dp := range sum.DataPoints {
					expired += dp.Value
				}
			}
		}
	}
	assert.Equal(t, map[string]int64{"approved": 2, "rejected": 1}, decisions)
	assert.Equal(t, int64(4), expired)
}

func TestEndSpanRecordsError(t *testing.T) {
	keepGlobals(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)

	_, span := StartSpan(context.Background(), "workflow.submit_decision")
	EndSpan(span, errors.New("stale approval"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "workflow.submit_decision", ended[0].Name())
	assert.Equal(t, "stale approval", ended[0].Status().Description)
}
