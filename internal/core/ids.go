package core

import (
	"fmt"

	"github.com/google/uuid"
)

// Identifiers are strings with a component prefix so logs and store rows
// stay greppable across entity kinds.

// NewTaskID mints a task identifier.
func NewTaskID() string { return "task-" + uuid.New().String() }

// NewInstanceID mints a workflow instance identifier.
func NewInstanceID() string { return "wfi-" + uuid.New().String() }

// NewTopicID mints a vote topic identifier.
func NewTopicID() string { return "topic-" + uuid.New().String() }

// NewMessageID mints a blackboard message identifier.
func NewMessageID() string { return "msg-" + uuid.New().String() }

// NewApprovalID mints an approval identifier.
func NewApprovalID() string { return "appr-" + uuid.New().String() }

// NewNotificationID mints a notification identifier.
func NewNotificationID() string { return "ntf-" + uuid.New().String() }

// NewProofID mints a proof identifier. Proofs derived from a task reuse the
// task id so re-recording replaces the earlier proof.
func NewProofID(taskID string) string {
	if taskID != "" {
		return "proof:" + taskID
	}
	return "proof-" + uuid.New().String()
}

// TaskLockResource returns the lock resource name guarding a task.
func TaskLockResource(taskID string) string {
	return fmt.Sprintf("lock:task:%s", taskID)
}
