package core

import "time"

// AgentStatus is an agent's availability state.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
)

// Agent is a registered worker, LLM-backed or human.
type Agent struct {
	ID              string      `json:"id"`
	Name            string      `json:"name,omitempty"`
	Roles           []string    `json:"roles"`
	Status          AgentStatus `json:"status"`
	IsEnabled       bool        `json:"isEnabled"`
	LastHeartbeatAt *time.Time  `json:"lastHeartbeatAt,omitempty"`
	ActiveTaskID    string      `json:"activeTaskId,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// HasRole reports whether the agent carries the role. An empty requirement
// matches any agent.
func (a *Agent) HasRole(role string) bool {
	if role == "" {
		return true
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RolesIntersect reports whether any of the required roles is held.
// An empty requirement set matches every agent.
func (a *Agent) RolesIntersect(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		for _, r := range a.Roles {
			if r == want {
				return true
			}
		}
	}
	return false
}

// Assignable reports whether the scheduler may hand the agent new work.
func (a *Agent) Assignable() bool {
	return a.IsEnabled && a.Status == AgentOnline
}

// Clone returns a copy of the agent.
func (a *Agent) Clone() *Agent {
	out := *a
	out.Roles = append([]string(nil), a.Roles...)
	if a.LastHeartbeatAt != nil {
		v := *a.LastHeartbeatAt
		out.LastHeartbeatAt = &v
	}
	return &out
}

// NonTerminalStatuses are the task states that count toward agent load.
var NonTerminalStatuses = []TaskStatus{
	TaskStatusPending, TaskStatusQueued, TaskStatusAssigned,
	TaskStatusRunning, TaskStatusBlocked, TaskStatusPaused,
}
