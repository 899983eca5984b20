package core

import "time"

// NotificationLevel grades user-visible notices.
type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifyWarning NotificationLevel = "warning"
	NotifyError   NotificationLevel = "error"
)

// Notification is a persisted user-visible notice: human-required
// escalations, takeover requests, vote and approval results.
type Notification struct {
	ID        string                 `json:"id"`
	Level     NotificationLevel      `json:"level"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
