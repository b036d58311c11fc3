package service

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/telemetry"
)

const (
	defaultNotifyTimeout     = 10 * time.Second
	defaultNotifyConcurrency = 64
)

// dispatcher delivers notifications off the caller's path. At most capacity
// sends are in flight; further notifications are dropped and counted.
type dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	capacity int64
	slots    *semaphore.Weighted
	metrics  *telemetry.Metrics
	log      *logger.Logger
}

func newDispatcher(notifier Notifier, timeout time.Duration, capacity int, metrics *telemetry.Metrics, log *logger.Logger) *dispatcher {
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	if capacity < 1 {
		capacity = defaultNotifyConcurrency
	}
	return &dispatcher{
		notifier: notifier,
		timeout:  timeout,
		capacity: int64(capacity),
		slots:    semaphore.NewWeighted(int64(capacity)),
		metrics:  metrics,
		log:      log,
	}
}

// send starts delivering n and returns immediately. The send outlives ctx's
// cancellation but not the dispatcher timeout.
func (d *dispatcher) send(ctx context.Context, n Notification) {
	base := context.WithoutCancel(ctx)
	if !d.slots.TryAcquire(1) {
		d.metrics.NotifyFailure(base, n.NotificationType)
		d.log.Warn().
			Str("approval_id", n.ApprovalID).
			Str("recipient_id", n.RecipientID).
			Str("notification_type", n.NotificationType).
			Msg("Notification dropped, too many sends in flight")
		return
	}

	go func() {
		defer d.slots.Release(1)
		sendCtx, cancel := context.WithTimeout(base, d.timeout)
		defer cancel()

		if err := d.notifier.Notify(sendCtx, n); err != nil {
			d.metrics.NotifyFailure(base, n.NotificationType)
			d.log.Warn().Err(err).
				Str("approval_id", n.ApprovalID).
				Str("recipient_id", n.RecipientID).
				Str("notification_type", n.NotificationType).
				Msg("Failed to publish notification")
		}
	}()
}

// flush waits until every in-flight send has finished or ctx is done. Sends
// attempted while flushing are dropped.
func (d *dispatcher) flush(ctx context.Context) error {
	if err := d.slots.Acquire(ctx, d.capacity); err != nil {
		return err
	}
	d.slots.Release(d.capacity)
	return nil
}
