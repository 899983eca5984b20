package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
)

// MemoryStore implements core.Store with mutex-guarded maps. It is the
// default fixture for unit tests and backs --store memory for ephemeral
// sessions. Semantics match the SQLite adapter, including the atomic lock
// claim and indexed label lookup.
type MemoryStore struct {
	mu sync.RWMutex

	tasks         map[string]*core.Task
	taskOrder     []string
	messages      map[string]*core.Message
	messageOrder  []string
	approvals     map[string]*core.Approval
	approvalOrder []string
	topics        map[string]*core.VoteTopic
	topicOrder    []string
	votes         map[string][]*core.Vote // topicID -> casts
	proofs        map[string]*core.Proof
	proofOrder    []string
	locks         map[string]*core.Lock
	notifications []*core.Notification
	agents        map[string]*core.Agent
	instances     map[string]*core.WorkflowInstance
	instanceOrder []string
	thinking      map[string][]*core.ThinkingLog // taskID -> entries
	toolRuns      []*core.ToolRun
	fileChanges   []*core.FileChange
	governance    []*core.GovernanceRecord
	sessions      map[string][]string // sessionID -> scenarios
	nextSeq       int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*core.Task),
		messages:  make(map[string]*core.Message),
		approvals: make(map[string]*core.Approval),
		topics:    make(map[string]*core.VoteTopic),
		votes:     make(map[string][]*core.Vote),
		proofs:    make(map[string]*core.Proof),
		locks:     make(map[string]*core.Lock),
		agents:    make(map[string]*core.Agent),
		instances: make(map[string]*core.WorkflowInstance),
		thinking:  make(map[string][]*core.ThinkingLog),
		sessions:  make(map[string][]string),
	}
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) seq() int64 {
	s.nextSeq++
	return s.nextSeq
}

// --- tasks ---

// CreateTask inserts a task.
func (s *MemoryStore) CreateTask(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return core.NewStoreFailure("creating task", errDuplicateID(task.ID))
	}
	s.tasks[task.ID] = task.Clone()
	s.taskOrder = append(s.taskOrder, task.ID)
	return nil
}

// GetTask loads a task by id.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, core.NewTaskNotFound(id)
	}
	return task.Clone(), nil
}

// UpdateTask replaces the stored task.
func (s *MemoryStore) UpdateTask(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return core.NewTaskNotFound(task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// ListTasks returns tasks matching the filter in creation order.
func (s *MemoryStore) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Task
	for _, id := range s.taskOrder {
		task := s.tasks[id]
		if !taskMatches(task, filter) {
			continue
		}
		out = append(out, task.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func taskMatches(task *core.Task, filter core.TaskFilter) bool {
	if filter.SessionID != "" && task.SessionID != filter.SessionID {
		return false
	}
	if filter.AssignedTo != "" && task.AssignedTo != filter.AssignedTo {
		return false
	}
	if filter.ParentTaskID != "" && task.ParentTaskID != filter.ParentTaskID {
		return false
	}
	if filter.Label != "" && !task.HasLabel(filter.Label) {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if task.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FindTaskByLabel returns the oldest task carrying the label, or nil.
func (s *MemoryStore) FindTaskByLabel(ctx context.Context, label string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.taskOrder {
		if s.tasks[id].HasLabel(label) {
			return s.tasks[id].Clone(), nil
		}
	}
	return nil, nil
}

// CountAgentLoad counts non-terminal tasks assigned to or created by the agent.
func (s *MemoryStore) CountAgentLoad(ctx context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, task := range s.tasks {
		if task.IsTerminal() {
			continue
		}
		if task.AssignedTo == agentID || task.CreatedBy == agentID {
			n++
		}
	}
	return n, nil
}

// --- messages ---

// CreateMessage inserts a blackboard entry.
func (s *MemoryStore) CreateMessage(ctx context.Context, msg *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return core.NewStoreFailure("creating message", errDuplicateID(msg.ID))
	}
	s.messages[msg.ID] = msg.Clone()
	s.messageOrder = append(s.messageOrder, msg.ID)
	return nil
}

// GetMessage loads a message by id.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, core.NewNotFound("MESSAGE_NOT_FOUND", "message", id)
	}
	return msg.Clone(), nil
}

// ListMessages returns session messages in creation order. A positive limit
// keeps only the most recent entries.
func (s *MemoryStore) ListMessages(ctx context.Context, filter core.MessageFilter) ([]*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Message
	for _, id := range s.messageOrder {
		msg := s.messages[id]
		if filter.SessionID != "" && msg.SessionID != filter.SessionID {
			continue
		}
		out = append(out, msg.Clone())
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// UpdateMessageTags replaces a message's tag set.
func (s *MemoryStore) UpdateMessageTags(ctx context.Context, id string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return core.NewNotFound("MESSAGE_NOT_FOUND", "message", id)
	}
	msg.Tags = append([]string(nil), tags...)
	return nil
}

// --- approvals ---

// CreateApproval inserts an approval request.
func (s *MemoryStore) CreateApproval(ctx context.Context, approval *core.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.approvals[approval.ID]; exists {
		return core.NewStoreFailure("creating approval", errDuplicateID(approval.ID))
	}
	s.approvals[approval.ID] = approval.Clone()
	s.approvalOrder = append(s.approvalOrder, approval.ID)
	return nil
}

// GetApproval loads an approval by id.
func (s *MemoryStore) GetApproval(ctx context.Context, id string) (*core.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	approval, ok := s.approvals[id]
	if !ok {
		return nil, core.NewNotFound(core.CodeApprovalNotFound, "approval", id)
	}
	return approval.Clone(), nil
}

// UpdateApproval replaces the stored approval.
func (s *MemoryStore) UpdateApproval(ctx context.Context, approval *core.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.approvals[approval.ID]; !ok {
		return core.NewNotFound(core.CodeApprovalNotFound, "approval", approval.ID)
	}
	s.approvals[approval.ID] = approval.Clone()
	return nil
}

// ListApprovals returns approvals matching the filter in creation order.
func (s *MemoryStore) ListApprovals(ctx context.Context, filter core.ApprovalFilter) ([]*core.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Approval
	for _, id := range s.approvalOrder {
		a := s.approvals[id]
		if filter.TaskID != "" && a.TaskID != filter.TaskID {
			continue
		}
		if filter.ApproverID != "" && a.ApproverID != filter.ApproverID {
			continue
		}
		if filter.Decision != "" && a.Decision != filter.Decision {
			continue
		}
		out = append(out, a.Clone())
	}
	return out, nil
}

// --- votes ---

// CreateTopic inserts a vote topic.
func (s *MemoryStore) CreateTopic(ctx context.Context, topic *core.VoteTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.topics[topic.ID]; exists {
		return core.NewStoreFailure("creating vote topic", errDuplicateID(topic.ID))
	}
	s.topics[topic.ID] = topic.Clone()
	s.topicOrder = append(s.topicOrder, topic.ID)
	return nil
}

// GetTopic loads a vote topic by id.
func (s *MemoryStore) GetTopic(ctx context.Context, id string) (*core.VoteTopic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topic, ok := s.topics[id]
	if !ok {
		return nil, core.NewNotFound(core.CodeTopicNotFound, "vote topic", id)
	}
	return topic.Clone(), nil
}

// UpdateTopic replaces the stored topic.
func (s *MemoryStore) UpdateTopic(ctx context.Context, topic *core.VoteTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[topic.ID]; !ok {
		return core.NewNotFound(core.CodeTopicNotFound, "vote topic", topic.ID)
	}
	s.topics[topic.ID] = topic.Clone()
	return nil
}

// ListTopics returns topics matching the filter in creation order.
func (s *MemoryStore) ListTopics(ctx context.Context, filter core.TopicFilter) ([]*core.VoteTopic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.VoteTopic
	for _, id := range s.topicOrder {
		topic := s.topics[id]
		if filter.SessionID != "" && topic.SessionID != filter.SessionID {
			continue
		}
		if filter.Status != "" && topic.Status != filter.Status {
			continue
		}
		out = append(out, topic.Clone())
	}
	return out, nil
}

// CreateVote records a single agent's cast. A second cast on the same topic
// fails with DuplicateVote.
func (s *MemoryStore) CreateVote(ctx context.Context, vote *core.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cast := range s.votes[vote.TopicID] {
		if cast.AgentID == vote.AgentID {
			return core.NewDuplicateVote(vote.TopicID, vote.AgentID)
		}
	}
	v := *vote
	s.votes[vote.TopicID] = append(s.votes[vote.TopicID], &v)
	return nil
}

// ListVotes returns all votes cast on a topic in cast order.
func (s *MemoryStore) ListVotes(ctx context.Context, topicID string) ([]*core.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	casts := s.votes[topicID]
	out := make([]*core.Vote, len(casts))
	for i, cast := range casts {
		v := *cast
		out[i] = &v
	}
	return out, nil
}

// --- proofs ---

// SaveProof upserts a proof by id.
func (s *MemoryStore) SaveProof(ctx context.Context, proof *core.Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.proofs[proof.ID]; !exists {
		s.proofOrder = append(s.proofOrder, proof.ID)
	}
	s.proofs[proof.ID] = proof.Clone()
	return nil
}

// ListProofs returns an instance's proofs in creation order.
func (s *MemoryStore) ListProofs(ctx context.Context, instanceID string) ([]*core.Proof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Proof
	for _, id := range s.proofOrder {
		if s.proofs[id].WorkflowInstanceID == instanceID {
			out = append(out, s.proofs[id].Clone())
		}
	}
	return out, nil
}

// --- locks ---

// AcquireLock claims the resource atomically: free, expired, or already held
// by the same holder (which refreshes the TTL).
func (s *MemoryStore) AcquireLock(ctx context.Context, resource, holderID, sessionID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.locks[resource]; ok {
		if !existing.Expired(now) && existing.HolderID != holderID {
			return false, nil
		}
	}
	s.locks[resource] = &core.Lock{
		Resource:  resource,
		HolderID:  holderID,
		SessionID: sessionID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	return true, nil
}

// ReleaseLock drops the lock when held by holderID.
func (s *MemoryStore) ReleaseLock(ctx context.Context, resource, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[resource]; ok && lock.HolderID == holderID {
		delete(s.locks, resource)
	}
	return nil
}

// GetLock returns the current lock row for the resource, or nil.
func (s *MemoryStore) GetLock(ctx context.Context, resource string) (*core.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lock, ok := s.locks[resource]
	if !ok {
		return nil, nil
	}
	v := *lock
	return &v, nil
}

// ReleaseLocksByHolder drops every lock held by holderID.
func (s *MemoryStore) ReleaseLocksByHolder(ctx context.Context, holderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for resource, lock := range s.locks {
		if lock.HolderID == holderID {
			delete(s.locks, resource)
			n++
		}
	}
	return n, nil
}

// PurgeExpiredLocks drops locks expired at now.
func (s *MemoryStore) PurgeExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for resource, lock := range s.locks {
		if lock.Expired(now) {
			delete(s.locks, resource)
			n++
		}
	}
	return n, nil
}

// --- notifications ---

// CreateNotification inserts a user-visible notice.
func (s *MemoryStore) CreateNotification(ctx context.Context, n *core.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := *n
	v.Meta = core.MergeMetadata(nil, n.Meta)
	s.notifications = append(s.notifications, &v)
	return nil
}

// ListNotifications returns the most recent notices, newest first.
func (s *MemoryStore) ListNotifications(ctx context.Context, limit int) ([]*core.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Notification, 0, len(s.notifications))
	for i := len(s.notifications) - 1; i >= 0; i-- {
		v := *s.notifications[i]
		out = append(out, &v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- agents ---

// CreateAgent inserts an agent registration.
func (s *MemoryStore) CreateAgent(ctx context.Context, agent *core.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.ID]; exists {
		return core.NewStoreFailure("creating agent", errDuplicateID(agent.ID))
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

// GetAgent loads an agent by id.
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, core.NewNotFound(core.CodeAgentNotFound, "agent", id)
	}
	return agent.Clone(), nil
}

// UpdateAgent replaces the stored agent.
func (s *MemoryStore) UpdateAgent(ctx context.Context, agent *core.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.ID]; !ok {
		return core.NewNotFound(core.CodeAgentNotFound, "agent", agent.ID)
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

// ListAgents returns agents sorted by id, optionally assignable only.
func (s *MemoryStore) ListAgents(ctx context.Context, filter core.AgentFilter) ([]*core.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Agent
	for _, agent := range s.agents {
		if filter.OnlyAssignable && !agent.Assignable() {
			continue
		}
		out = append(out, agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateAgentHeartbeat stamps the agent's liveness time.
func (s *MemoryStore) UpdateAgentHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return core.NewNotFound(core.CodeAgentNotFound, "agent", id)
	}
	v := at
	agent.LastHeartbeatAt = &v
	agent.UpdatedAt = at
	return nil
}

// --- workflow instances ---

// SaveInstance upserts an instance snapshot.
func (s *MemoryStore) SaveInstance(ctx context.Context, inst *core.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; !exists {
		s.instanceOrder = append(s.instanceOrder, inst.ID)
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// GetInstance loads an instance snapshot by id.
func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*core.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, core.NewInstanceNotFound(id)
	}
	return inst.Clone(), nil
}

// ListInstances returns all instance snapshots in creation order.
func (s *MemoryStore) ListInstances(ctx context.Context) ([]*core.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.WorkflowInstance, 0, len(s.instanceOrder))
	for _, id := range s.instanceOrder {
		out = append(out, s.instances[id].Clone())
	}
	return out, nil
}

// DeleteInstance removes an instance snapshot.
func (s *MemoryStore) DeleteInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.instances, id)
	for i, existing := range s.instanceOrder {
		if existing == id {
			s.instanceOrder = append(s.instanceOrder[:i], s.instanceOrder[i+1:]...)
			break
		}
	}
	return nil
}

// FindInstanceBySession returns the newest instance for a session, or nil.
func (s *MemoryStore) FindInstanceBySession(ctx context.Context, sessionID string) (*core.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.instanceOrder) - 1; i >= 0; i-- {
		inst := s.instances[s.instanceOrder[i]]
		if inst.SessionID == sessionID {
			return inst.Clone(), nil
		}
	}
	return nil, nil
}

// --- audit ---

// AppendThinkingLog appends one reasoning step.
func (s *MemoryStore) AppendThinkingLog(ctx context.Context, entry *core.ThinkingLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := *entry
	v.ID = s.seq()
	v.Details = core.MergeMetadata(nil, entry.Details)
	s.thinking[entry.TaskID] = append(s.thinking[entry.TaskID], &v)
	entry.ID = v.ID
	return nil
}

// ListThinkingLogs returns a task's reasoning trail in append order.
func (s *MemoryStore) ListThinkingLogs(ctx context.Context, taskID string) ([]*core.ThinkingLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.thinking[taskID]
	out := make([]*core.ThinkingLog, len(entries))
	for i, entry := range entries {
		v := *entry
		out[i] = &v
	}
	return out, nil
}

// RecordToolRun appends one tool invocation record.
func (s *MemoryStore) RecordToolRun(ctx context.Context, run *core.ToolRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := *run
	v.ID = s.seq()
	s.toolRuns = append(s.toolRuns, &v)
	run.ID = v.ID
	return nil
}

// RecordFileChange appends one reported file change.
func (s *MemoryStore) RecordFileChange(ctx context.Context, change *core.FileChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := *change
	v.ID = s.seq()
	s.fileChanges = append(s.fileChanges, &v)
	change.ID = v.ID
	return nil
}

// AppendGovernanceRecord appends one governance audit row.
func (s *MemoryStore) AppendGovernanceRecord(ctx context.Context, rec *core.GovernanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := *rec
	v.ID = s.seq()
	v.Details = core.MergeMetadata(nil, rec.Details)
	s.governance = append(s.governance, &v)
	rec.ID = v.ID
	return nil
}

// ListGovernanceRecords returns the most recent governance rows, newest first.
func (s *MemoryStore) ListGovernanceRecords(ctx context.Context, sessionID string, limit int) ([]*core.GovernanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.GovernanceRecord
	for i := len(s.governance) - 1; i >= 0; i-- {
		rec := s.governance[i]
		if sessionID != "" && rec.SessionID != sessionID {
			continue
		}
		v := *rec
		out = append(out, &v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- sessions ---

// SessionScenarios returns the merged scenario set recorded for a session.
func (s *MemoryStore) SessionScenarios(ctx context.Context, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.sessions[sessionID]...), nil
}

// MergeSessionScenarios unions the given scenarios into the session's set.
func (s *MemoryStore) MergeSessionScenarios(ctx context.Context, sessionID string, scenarios []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := mergeStrings(s.sessions[sessionID], scenarios)
	s.sessions[sessionID] = merged
	return append([]string(nil), merged...), nil
}

type errDuplicateID string

func (e errDuplicateID) Error() string { return "duplicate id: " + string(e) }

// Verify that MemoryStore implements core.Store.
var _ core.Store = (*MemoryStore)(nil)
