package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewWithMeter(t *testing.T) {
	m, err := NewWithMeter(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.ApprovalCreated(ctx, "pending")
		m.Decision(ctx, "approved")
		m.Expired(ctx, 3)
		m.Escalated(ctx, "sweep")
		m.Transition(ctx, true)
		m.HistoryFailure(ctx)
		m.NotifyFailure(ctx, "approval_requested")
		m.Stale(ctx)
	})
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Decision(context.Background(), "rejected")
		m.Expired(context.Background(), 1)
	})
}
