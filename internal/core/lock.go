package core

import "time"

// DefaultLockTTL bounds how long a task claim survives without refresh.
const DefaultLockTTL = 15 * time.Minute

// Lock is a store-backed claim on a resource. Task execution holds
// lock:task:<taskId> for its whole duration; expired locks are claimable
// by anyone, unexpired ones only by their holder.
type Lock struct {
	Resource  string    `json:"resource"`
	HolderID  string    `json:"holderId"`
	SessionID string    `json:"sessionId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the lock has lapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
