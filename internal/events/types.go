package events

import (
	"time"

	"github.com/arranger-ai/arranger/internal/core"
)

// Topic names a typed event stream on the bus.
type Topic string

const (
	TopicTasksUpdate     Topic = "tasks_update"
	TopicMessagesUpdate  Topic = "messages_update"
	TopicVotesUpdate     Topic = "votes_update"
	TopicApprovalsUpdate Topic = "approvals_update"
	TopicWorkflowEvent   Topic = "workflow_event"
	TopicInstancesUpdate Topic = "workflow_instances_update"
	TopicLLMStream       Topic = "llm_stream_update"
	TopicTemplateUpdate  Topic = "workflow_template_update"
)

// AllTopics lists every topic, for subscribers that mirror the whole bus.
var AllTopics = []Topic{
	TopicTasksUpdate, TopicMessagesUpdate, TopicVotesUpdate,
	TopicApprovalsUpdate, TopicWorkflowEvent, TopicInstancesUpdate,
	TopicLLMStream, TopicTemplateUpdate,
}

// Event is anything publishable on the bus.
type Event interface {
	EventTopic() Topic
}

// TasksUpdate carries changed tasks.
type TasksUpdate struct {
	Tasks []*core.Task `json:"tasks"`
}

// EventTopic implements Event.
func (TasksUpdate) EventTopic() Topic { return TopicTasksUpdate }

// MessagesUpdate carries new or enriched blackboard entries.
type MessagesUpdate struct {
	Messages []*core.Message `json:"messages"`
}

// EventTopic implements Event.
func (MessagesUpdate) EventTopic() Topic { return TopicMessagesUpdate }

// VotesUpdate carries changed vote topics.
type VotesUpdate struct {
	Topics []*core.VoteTopic `json:"topics"`
}

// EventTopic implements Event.
func (VotesUpdate) EventTopic() Topic { return TopicVotesUpdate }

// ApprovalsUpdate carries changed approvals.
type ApprovalsUpdate struct {
	Approvals []*core.Approval `json:"approvals"`
}

// EventTopic implements Event.
func (ApprovalsUpdate) EventTopic() Topic { return TopicApprovalsUpdate }

// InstancesUpdate carries workflow instance summaries.
type InstancesUpdate struct {
	Instances []core.InstanceSummary `json:"instances"`
}

// EventTopic implements Event.
func (InstancesUpdate) EventTopic() Topic { return TopicInstancesUpdate }

// WorkflowEventKind tags runtime transitions of a workflow instance.
type WorkflowEventKind string

const (
	KindPhaseEnter        WorkflowEventKind = "phase_enter"
	KindPhaseComplete     WorkflowEventKind = "phase_complete"
	KindPhaseBlocked      WorkflowEventKind = "phase_blocked"
	KindWorkflowCompleted WorkflowEventKind = "workflow_completed"
	KindWorkflowFailed    WorkflowEventKind = "workflow_failed"
	KindTaskTimeout       WorkflowEventKind = "task_timeout"
)

// WorkflowEvent is a runtime transition emitted by the kernel or scheduler.
type WorkflowEvent struct {
	Kind       WorkflowEventKind      `json:"kind"`
	InstanceID string                 `json:"instanceId,omitempty"`
	WorkflowID string                 `json:"workflowId,omitempty"`
	PhaseID    string                 `json:"phaseId,omitempty"`
	SessionID  string                 `json:"sessionId,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	At         time.Time              `json:"at"`
}

// EventTopic implements Event.
func (WorkflowEvent) EventTopic() Topic { return TopicWorkflowEvent }

// LLMStreamUpdate mirrors one chunk of a streaming model response.
type LLMStreamUpdate struct {
	TaskID  string           `json:"taskId,omitempty"`
	AgentID string           `json:"agentId,omitempty"`
	Kind    string           `json:"kind"`
	Delta   string           `json:"delta,omitempty"`
	Error   string           `json:"error,omitempty"`
	Usage   *core.TokenUsage `json:"usage,omitempty"`
}

// EventTopic implements Event.
func (LLMStreamUpdate) EventTopic() Topic { return TopicLLMStream }

// TemplateUpdate announces a change in the available workflow templates.
type TemplateUpdate struct {
	Templates []*core.WorkflowDefinition `json:"templates"`
}

// EventTopic implements Event.
func (TemplateUpdate) EventTopic() Topic { return TopicTemplateUpdate }
