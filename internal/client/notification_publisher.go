package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/service"
)

// SubjectPrefix is prepended to the notification type to form the subject,
// e.g. notifications.mfg.approval_requested.
const SubjectPrefix = "notifications.mfg."

// Publisher is the transport the notification publisher writes to. The
// platform NATS client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes approval notifications to NATS JetStream
// for the notifications service to deliver.
type NotificationPublisher struct {
	pub Publisher
	log *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Subject      string         `json:"subject"`
	Message      string         `json:"message"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category"`
	Payload      map[string]any `json:"payload,omitempty"`
}

var _ service.Notifier = (*NotificationPublisher)(nil)

// NewNotificationPublisher creates a publisher. A nil pub makes every Notify
// a no-op.
func NewNotificationPublisher(pub Publisher, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{pub: pub, log: log.Component("notifications")}
}

// Notify publishes n on notifications.mfg.<type>. Errors are returned so the
// engine can count them; the engine never fails an operation on them.
func (p *NotificationPublisher) Notify(ctx context.Context, n service.Notification) error {
	if p.pub == nil || n.RecipientID == "" {
		return nil
	}

	event := &NotificationEvent{
		EventType:    n.NotificationType,
		Recipients:   []string{n.RecipientID},
		ResourceType: "approval",
		ResourceID:   n.ApprovalID,
		Subject:      n.Subject,
		Message:      n.Message,
		IsActionable: actionable(n.NotificationType),
		Severity:     severity(n.NotificationType),
		Category:     "mfg_approval",
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := SubjectPrefix + n.NotificationType
	if err := p.pub.Publish(ctx, subject, data); err != nil {
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Str("approval_id", n.ApprovalID).
		Str("recipient_id", n.RecipientID).
		Msg("notification: event published")
	return nil
}

func actionable(kind string) bool {
	switch kind {
	case service.NotifyApprovalRequested, service.NotifyApprovalDelegated, service.NotifyApprovalEscalated:
		return true
	}
	return false
}

func severity(kind string) string {
	switch kind {
	case service.NotifyApprovalEscalated, service.NotifyApprovalExpired:
		return "warning"
	}
	return "info"
}
