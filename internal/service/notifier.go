package service

import "context"

// Notification types emitted by the engine.
const (
	NotifyApprovalRequested = "approval_requested"
	NotifyApprovalDecided   = "approval_decided"
	NotifyApprovalDelegated = "approval_delegated"
	NotifyApprovalEscalated = "approval_escalated"
	NotifyApprovalExpired   = "approval_expired"
	NotifyApprovalCancelled = "approval_cancelled"
)

// Notification is a delivery request for an external dispatcher.
type Notification struct {
	RecipientID      string `json:"recipient_id"`
	ApprovalID       string `json:"approval_id"`
	NotificationType string `json:"notification_type"`
	Subject          string `json:"subject"`
	Message          string `json:"message"`
}

// Notifier hands notifications to the dispatcher. Failures never block the
// operation that produced the notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }
