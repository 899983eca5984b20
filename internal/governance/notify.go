// Package governance implements the decision services around tasks: vote
// topics with pluggable resolution rules, approval requests, proof records
// and user-visible notifications. Services own their entities; other
// components go through them instead of writing store rows directly.
package governance

import (
	"context"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/logging"
)

// Notifier persists user-visible notices and mirrors them to the log.
type Notifier struct {
	store  core.NotificationStore
	logger *logging.Logger
	now    func() time.Time
}

// NewNotifier creates a notifier backed by the given store.
func NewNotifier(store core.NotificationStore, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Notifier{
		store:  store,
		logger: logger.WithComponent("notifier"),
		now:    time.Now,
	}
}

// Notify records a notice. The notice also lands in the structured log at a
// level matching its grade, so headless runs surface it without the API.
func (n *Notifier) Notify(ctx context.Context, level core.NotificationLevel, title, body, sessionID string, meta map[string]interface{}) error {
	notice := &core.Notification{
		ID:        core.NewNotificationID(),
		Level:     level,
		Title:     title,
		Body:      body,
		SessionID: sessionID,
		Meta:      meta,
		CreatedAt: n.now(),
	}
	if err := n.store.CreateNotification(ctx, notice); err != nil {
		return core.NewStoreFailure("create notification", err)
	}

	args := []any{"title", title, "session_id", sessionID}
	switch level {
	case core.NotifyError:
		n.logger.Error("notification", args...)
	case core.NotifyWarning:
		n.logger.Warn("notification", args...)
	default:
		n.logger.Info("notification", args...)
	}
	return nil
}

// List returns the newest notifications, most recent first.
func (n *Notifier) List(ctx context.Context, limit int) ([]*core.Notification, error) {
	return n.store.ListNotifications(ctx, limit)
}
