// Package telemetry records workflow engine counters through OpenTelemetry.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/pesio-ai/be-mfg-workflow"

// Metrics holds the engine's counters. A nil *Metrics records nothing.
type Metrics struct {
	approvalsCreated  metric.Int64Counter
	decisions         metric.Int64Counter
	expired           metric.Int64Counter
	escalated         metric.Int64Counter
	transitions       metric.Int64Counter
	historyFailures   metric.Int64Counter
	notifyFailures    metric.Int64Counter
	staleDecisionHits metric.Int64Counter
}

// New registers counters on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(instrumentationName))
}

// NewWithMeter registers counters on meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.approvalsCreated, "mfgworkflow.approvals.created", "Approvals created, by initial status"},
		{&m.decisions, "mfgworkflow.approvals.decisions", "Human decisions recorded"},
		{&m.expired, "mfgworkflow.approvals.expired", "Approvals expired by the sweep"},
		{&m.escalated, "mfgworkflow.approvals.escalated", "Approvals escalated"},
		{&m.transitions, "mfgworkflow.stage.transitions", "Stage transitions applied"},
		{&m.historyFailures, "mfgworkflow.stage.history_failures", "Stage history writes that fell back to the spool"},
		{&m.notifyFailures, "mfgworkflow.notifications.failures", "Notifications that could not be published"},
		{&m.staleDecisionHits, "mfgworkflow.approvals.stale", "Operations rejected because the approval was already terminal"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *Metrics) ApprovalCreated(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.approvalsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) Decision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *Metrics) Expired(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.expired.Add(ctx, int64(n))
}

func (m *Metrics) Escalated(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.escalated.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) Transition(ctx context.Context, bypass bool) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("bypass", bypass)))
}

func (m *Metrics) HistoryFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.historyFailures.Add(ctx, 1)
}

func (m *Metrics) NotifyFailure(ctx context.Context, notificationType string) {
	if m == nil {
		return
	}
	m.notifyFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("type", notificationType)))
}

func (m *Metrics) Stale(ctx context.Context) {
	if m == nil {
		return
	}
	m.staleDecisionHits.Add(ctx, 1)
}
