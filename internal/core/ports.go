package core

import (
	"context"
	"time"
)

// TaskFilter narrows task listings. Zero values mean "any".
type TaskFilter struct {
	SessionID    string
	Statuses     []TaskStatus
	AssignedTo   string
	Label        string
	ParentTaskID string
	Limit        int
}

// MessageFilter narrows blackboard listings.
type MessageFilter struct {
	SessionID string
	Limit     int
}

// ApprovalFilter narrows approval listings.
type ApprovalFilter struct {
	TaskID     string
	ApproverID string
	Decision   ApprovalDecision
}

// TopicFilter narrows vote topic listings.
type TopicFilter struct {
	SessionID string
	Status    TopicStatus
}

// AgentFilter narrows agent listings.
type AgentFilter struct {
	OnlyAssignable bool
}

// TaskStore persists tasks. Label lookups are the secondary index behind
// idempotent creation and workflow bookkeeping.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	// FindTaskByLabel returns the oldest task carrying the label, or nil.
	FindTaskByLabel(ctx context.Context, label string) (*Task, error)
	// CountAgentLoad counts non-terminal tasks assigned to or created by
	// the agent.
	CountAgentLoad(ctx context.Context, agentID string) (int, error)
}

// MessageStore persists blackboard entries.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)
	UpdateMessageTags(ctx context.Context, id string, tags []string) error
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, approval *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	UpdateApproval(ctx context.Context, approval *Approval) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)
}

// VoteStore persists topics and votes. CreateVote fails with DuplicateVote
// when the (topic, agent) pair already cast.
type VoteStore interface {
	CreateTopic(ctx context.Context, topic *VoteTopic) error
	GetTopic(ctx context.Context, id string) (*VoteTopic, error)
	UpdateTopic(ctx context.Context, topic *VoteTopic) error
	ListTopics(ctx context.Context, filter TopicFilter) ([]*VoteTopic, error)
	CreateVote(ctx context.Context, vote *Vote) error
	ListVotes(ctx context.Context, topicID string) ([]*Vote, error)
}

// ProofStore persists proof records.
type ProofStore interface {
	SaveProof(ctx context.Context, proof *Proof) error
	ListProofs(ctx context.Context, instanceID string) ([]*Proof, error)
}

// LockStore is the shared claim table. Acquire is atomic: it succeeds when
// the resource is free, expired, or already held by the same holder (which
// refreshes the TTL).
type LockStore interface {
	AcquireLock(ctx context.Context, resource, holderID, sessionID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, holderID string) error
	GetLock(ctx context.Context, resource string) (*Lock, error)
	ReleaseLocksByHolder(ctx context.Context, holderID string) (int, error)
	PurgeExpiredLocks(ctx context.Context, now time.Time) (int, error)
}

// NotificationStore persists user-visible notices.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, limit int) ([]*Notification, error)
}

// AgentStore persists agent registrations and liveness.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, id string, at time.Time) error
}

// InstanceStore persists workflow instance snapshots. The kernel is the
// authority; snapshots exist for recovery and external reads.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context) ([]*WorkflowInstance, error)
	DeleteInstance(ctx context.Context, id string) error
	// FindInstanceBySession returns the newest instance for a session, or nil.
	FindInstanceBySession(ctx context.Context, sessionID string) (*WorkflowInstance, error)
}

// AuditStore appends immutable history: reasoning steps, tool runs, file
// changes and governance outcomes.
type AuditStore interface {
	AppendThinkingLog(ctx context.Context, entry *ThinkingLog) error
	ListThinkingLogs(ctx context.Context, taskID string) ([]*ThinkingLog, error)
	RecordToolRun(ctx context.Context, run *ToolRun) error
	RecordFileChange(ctx context.Context, change *FileChange) error
	AppendGovernanceRecord(ctx context.Context, rec *GovernanceRecord) error
	ListGovernanceRecords(ctx context.Context, sessionID string, limit int) ([]*GovernanceRecord, error)
}

// SessionStore tracks per-session metadata, currently the merged scenario
// set derived from message classification.
type SessionStore interface {
	SessionScenarios(ctx context.Context, sessionID string) ([]string, error)
	MergeSessionScenarios(ctx context.Context, sessionID string, scenarios []string) ([]string, error)
}

// Store is the full persistence facade. Adapters implement all of it;
// services accept only the narrow slices they need.
type Store interface {
	TaskStore
	MessageStore
	ApprovalStore
	VoteStore
	ProofStore
	LockStore
	NotificationStore
	AgentStore
	InstanceStore
	AuditStore
	SessionStore

	Close() error
}
