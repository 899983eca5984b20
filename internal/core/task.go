package core

import (
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusPaused    TaskStatus = "paused"
)

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked, TaskStatusPaused:
		return true
	}
	return false
}

// TaskPriority orders tasks for assignment.
type TaskPriority string

const (
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityLow    TaskPriority = "low"
)

// ValidTaskPriority reports whether p is a known priority.
func ValidTaskPriority(p TaskPriority) bool {
	switch p {
	case TaskPriorityHigh, TaskPriorityMedium, TaskPriorityLow:
		return true
	}
	return false
}

// Rank maps priority to a sortable order; lower runs first.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityHigh:
		return 0
	case TaskPriorityMedium:
		return 1
	case TaskPriorityLow:
		return 2
	default:
		return 3
	}
}

// legalTransitions is the task status transition table. The scheduler owns
// status changes; anything not listed is rejected with InvalidTransition.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusQueued, TaskStatusAssigned},
	TaskStatusQueued:   {TaskStatusAssigned, TaskStatusPending},
	TaskStatusAssigned: {TaskStatusRunning, TaskStatusPending, TaskStatusPaused},
	TaskStatusRunning:  {TaskStatusCompleted, TaskStatusFailed, TaskStatusPaused, TaskStatusPending},
	TaskStatusBlocked:  {TaskStatusPending},
	TaskStatusPaused:   {TaskStatusPending},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task represents a unit of work scheduled onto an agent.
type Task struct {
	ID             string
	SessionID      string
	Title          string
	Intent         string
	Scope          string
	Priority       TaskPriority
	Labels         []string
	Status         TaskStatus
	AssignedTo     string
	CreatedBy      string
	ParentTaskID   string
	Dependencies   []string
	RetryCount     int
	MaxRetries     int
	TimeoutSeconds int
	RunAfter       *time.Time
	LastStartedAt  *time.Time
	Result         string
	ResultDetails  string
	FailureReason  string
	// StatusReason records why the scheduler made the last status change
	// (timeout requeue, takeover, startup recovery). ResultDetails stays
	// reserved for work output and evidence references.
	StatusReason string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StatusUpdated  time.Time
	CompletedAt    *time.Time
}

// TaskInput carries the caller-supplied fields for task creation.
type TaskInput struct {
	SessionID      string
	Title          string
	Intent         string
	Scope          string
	Priority       TaskPriority
	Labels         []string
	AssignedTo     string
	CreatedBy      string
	ParentTaskID   string
	Dependencies   []string
	MaxRetries     int
	TimeoutSeconds int
	RunAfter       *time.Time
	Metadata       map[string]interface{}
	// Status is optional; when empty the scheduler computes it from the
	// dependency set. Mention tasks are created directly assigned.
	Status TaskStatus
}

// Validate checks task input invariants.
func (in *TaskInput) Validate() error {
	if in.Title == "" {
		return NewValidationFailed("task title cannot be empty")
	}
	if in.Priority != "" && !ValidTaskPriority(in.Priority) {
		return NewValidationFailed("unknown task priority: " + string(in.Priority))
	}
	if in.Status != "" && !ValidTaskStatus(in.Status) {
		return NewValidationFailed("unknown task status: " + string(in.Status))
	}
	if in.Status == TaskStatusAssigned && in.AssignedTo == "" {
		return NewValidationFailed("assigned task requires an assignee")
	}
	return nil
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// DependenciesSatisfied reports whether every dependency is completed.
func (t *Task) DependenciesSatisfied(completed map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// HasLabel reports whether the task carries the exact label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// LabelValue returns the suffix of the first label with the given prefix.
func (t *Task) LabelValue(prefix string) (string, bool) {
	for _, l := range t.Labels {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimPrefix(l, prefix), true
		}
	}
	return "", false
}

// RequiredRole derives the target role from workflow_role: or role: labels.
// Empty means any enabled role matches.
func (t *Task) RequiredRole() string {
	if role, ok := t.LabelValue(LabelRolePrefix); ok {
		return role
	}
	if role, ok := t.LabelValue(LabelPlainRolePrefix); ok {
		return role
	}
	return ""
}

// ExcludedAgents collects agent ids named by agent_exclude: labels.
func (t *Task) ExcludedAgents() map[string]bool {
	var out map[string]bool
	for _, l := range t.Labels {
		if strings.HasPrefix(l, LabelExcludePrefix) {
			if out == nil {
				out = make(map[string]bool)
			}
			out[strings.TrimPrefix(l, LabelExcludePrefix)] = true
		}
	}
	return out
}

// WorkflowInstanceID returns the owning instance id from labels, if any.
func (t *Task) WorkflowInstanceID() (string, bool) {
	return t.LabelValue(LabelInstancePrefix)
}

// WorkflowPhaseID returns the owning phase id from labels, if any.
func (t *Task) WorkflowPhaseID() (string, bool) {
	return t.LabelValue(LabelPhasePrefix)
}

// TimedOut reports whether a running task exceeded its timeout at now.
func (t *Task) TimedOut(now time.Time) bool {
	if t.Status != TaskStatusRunning || t.TimeoutSeconds <= 0 || t.LastStartedAt == nil {
		return false
	}
	return now.Sub(*t.LastStartedAt) > time.Duration(t.TimeoutSeconds)*time.Second
}

// Clone returns a deep copy safe to hand to event subscribers.
func (t *Task) Clone() *Task {
	out := *t
	out.Labels = append([]string(nil), t.Labels...)
	out.Dependencies = append([]string(nil), t.Dependencies...)
	if t.RunAfter != nil {
		v := *t.RunAfter
		out.RunAfter = &v
	}
	if t.LastStartedAt != nil {
		v := *t.LastStartedAt
		out.LastStartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.Metadata != nil {
		out.Metadata = cloneMetadata(t.Metadata)
	}
	return &out
}

// Duration returns the task execution duration.
func (t *Task) Duration() time.Duration {
	if t.LastStartedAt == nil {
		return 0
	}
	end := time.Now()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.LastStartedAt)
}
