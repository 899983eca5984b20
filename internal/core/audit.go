package core

import "time"

// ThinkingLog is one step of an agent's reasoning trail for a task:
// LLM turns, tool invocations and failures, in execution order.
type ThinkingLog struct {
	ID        int64                  `json:"id,omitempty"`
	TaskID    string                 `json:"taskId"`
	AgentID   string                 `json:"agentId"`
	Step      string                 `json:"step"`
	Content   string                 `json:"content,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// ToolRun records one tool invocation made while executing a task.
type ToolRun struct {
	ID         int64      `json:"id,omitempty"`
	TaskID     string     `json:"taskId"`
	AgentID    string     `json:"agentId"`
	Tool       string     `json:"tool"`
	Input      string     `json:"input,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// FileChange records a workspace file touched by a tool during a task.
// The orchestrator itself performs no file I/O; tools report these.
type FileChange struct {
	ID         int64     `json:"id,omitempty"`
	TaskID     string    `json:"taskId"`
	AgentID    string    `json:"agentId"`
	Path       string    `json:"path"`
	ChangeType string    `json:"changeType"`
	CreatedAt  time.Time `json:"createdAt"`
}
