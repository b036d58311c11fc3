package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
	"github.com/pesio-ai/be-mfg-workflow/internal/telemetry"
)

// gatedNotifier holds every send until release is closed or the send's
// context ends.
type gatedNotifier struct {
	release chan struct{}

	mu        sync.Mutex
	delivered []Notification
	abandoned int
}

func newGatedNotifier() *gatedNotifier {
	return &gatedNotifier{release: make(chan struct{})}
}

func (n *gatedNotifier) Notify(ctx context.Context, msg Notification) error {
	select {
	case <-n.release:
	case <-ctx.Done():
		n.mu.Lock()
		n.abandoned++
		n.mu.Unlock()
		return ctx.Err()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, msg)
	return nil
}

func (n *gatedNotifier) counts() (delivered, abandoned int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered), n.abandoned
}

func meteredFixture(t *testing.T, gate *gatedNotifier, cfg func(*EngineConfig)) (*fixture, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := telemetry.NewWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	f := newFixture(t, func(o *fixtureOptions) {
		o.notifier = gate
		o.metrics = metrics
		if cfg != nil {
			cfg(&o.engine)
		}
	})
	return f, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestDecisionDoesNotWaitForNotifier(t *testing.T) {
	gate := newGatedNotifier()
	f, _ := meteredFixture(t, gate, nil)

	a := f.createDirect("user-a", nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.decide(a.ID, "user-a", repository.DecisionApproved)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("decision waited for the notifier")
	}

	close(gate.release)
	require.NoError(t, f.engine.FlushNotifications(f.ctx))
	delivered, abandoned := gate.counts()
	assert.Equal(t, 2, delivered, "requested and decided notifications")
	assert.Zero(t, abandoned)
}

func TestNotificationSendTimesOut(t *testing.T) {
	gate := newGatedNotifier()
	f, reader := meteredFixture(t, gate, func(c *EngineConfig) {
		c.NotifyTimeout = 20 * time.Millisecond
	})

	f.createDirect("user-a", nil)

	ctx, cancel := context.WithTimeout(f.ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.engine.FlushNotifications(ctx))

	delivered, abandoned := gate.counts()
	assert.Zero(t, delivered)
	assert.Equal(t, 1, abandoned)
	assert.Equal(t, int64(1), counterValue(t, reader, "mfgworkflow.notifications.failures"))
}

func TestNotificationsDroppedWhenSaturated(t *testing.T) {
	gate := newGatedNotifier()
	f, reader := meteredFixture(t, gate, func(c *EngineConfig) {
		c.NotifyConcurrency = 1
	})

	f.createDirect("user-a", nil)
	f.createDirect("user-b", nil)

	close(gate.release)
	require.NoError(t, f.engine.FlushNotifications(f.ctx))

	delivered, _ := gate.counts()
	assert.Equal(t, 1, delivered)
	assert.Equal(t, int64(1), counterValue(t, reader, "mfgworkflow.notifications.failures"))

	// Capacity is back once the send finished.
	f.createDirect("user-c", nil)
	require.NoError(t, f.engine.FlushNotifications(f.ctx))
	delivered, _ = gate.counts()
	assert.Equal(t, 2, delivered)
}

func TestNotificationOutlivesCallerContext(t *testing.T) {
	gate := newGatedNotifier()
	f, _ := meteredFixture(t, gate, nil)

	ctx, cancel := context.WithCancel(f.ctx)
	approver := "user-a"
	_, err := f.engine.CreateApproval(ctx, &CreateApprovalRequest{
		OrganizationID: testOrg,
		ApprovalType:   "document_release",
		Entity:         repository.EntityRef{Kind: repository.EntityDocument, ID: "doc-1"},
		ApproverID:     &approver,
		RequestedBy:    "requester",
	})
	require.NoError(t, err)
	cancel()

	close(gate.release)
	require.NoError(t, f.engine.FlushNotifications(f.ctx))
	delivered, abandoned := gate.counts()
	assert.Equal(t, 1, delivered)
	assert.Zero(t, abandoned)
}

func TestFlushNotificationsHonoursContext(t *testing.T) {
	gate := newGatedNotifier()
	f, _ := meteredFixture(t, gate, nil)
	f.createDirect("user-a", nil)

	ctx, cancel := context.WithTimeout(f.ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.engine.FlushNotifications(ctx), context.DeadlineExceeded)

	close(gate.release)
	require.NoError(t, f.engine.FlushNotifications(f.ctx))
}
