package governance

import (
	"context"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
)

// ApproverUser is the reserved approver id that routes a request to the
// human operator instead of an agent.
const ApproverUser = "user"

// TaskRequeuer is the scheduler surface the takeover flow goes through.
// The scheduler owns status and assignment transitions; governance never
// writes task rows directly.
type TaskRequeuer interface {
	AddTaskLabels(ctx context.Context, id string, labels ...string) (*core.Task, error)
	ReleaseTaskClaim(ctx context.Context, taskID, holderID string) error
	UpdateTaskStatus(ctx context.Context, id string, next core.TaskStatus, reason string) (*core.Task, error)
}

// Approvals manages approval requests, including the task takeover flow
// that hands failed work back to the pool.
type Approvals struct {
	approvals core.ApprovalStore
	tasks     core.TaskStore
	sched     TaskRequeuer
	audit     core.AuditStore
	notifier  *Notifier
	bus       *events.Bus
	logger    *logging.Logger
	now       func() time.Time
}

// NewApprovals creates the approval service.
func NewApprovals(
	approvals core.ApprovalStore,
	tasks core.TaskStore,
	sched TaskRequeuer,
	audit core.AuditStore,
	notifier *Notifier,
	bus *events.Bus,
	logger *logging.Logger,
) *Approvals {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Approvals{
		approvals: approvals,
		tasks:     tasks,
		sched:     sched,
		audit:     audit,
		notifier:  notifier,
		bus:       bus,
		logger:    logger.WithComponent("approvals"),
		now:       time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Approvals) SetClock(now func() time.Time) { s.now = now }

// Create opens a pending approval for a task outcome.
func (s *Approvals) Create(ctx context.Context, taskID, createdBy, approverID string) (*core.Approval, error) {
	if taskID == "" || approverID == "" {
		return nil, core.NewValidationFailed("approval requires task id and approver id")
	}
	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	approval := &core.Approval{
		ID:         core.NewApprovalID(),
		TaskID:     taskID,
		CreatedBy:  createdBy,
		ApproverID: approverID,
		Decision:   core.ApprovalPending,
		CreatedAt:  s.now(),
	}
	if err := s.approvals.CreateApproval(ctx, approval); err != nil {
		return nil, core.NewStoreFailure("create approval", err)
	}
	s.publish(approval)
	s.logger.Info("approval created",
		"approval_id", approval.ID, "task_id", taskID, "approver_id", approverID)
	return approval.Clone(), nil
}

// Get returns one approval.
func (s *Approvals) Get(ctx context.Context, id string) (*core.Approval, error) {
	return s.approvals.GetApproval(ctx, id)
}

// List returns approvals matching the filter.
func (s *Approvals) List(ctx context.Context, filter core.ApprovalFilter) ([]*core.Approval, error) {
	return s.approvals.ListApprovals(ctx, filter)
}

// Resolve records the approver's decision. Only pending approvals resolve;
// a second resolution is rejected.
func (s *Approvals) Resolve(ctx context.Context, id string, decision core.ApprovalDecision, reason string) (*core.Approval, error) {
	if decision != core.ApprovalApproved && decision != core.ApprovalRejected {
		return nil, core.NewValidationFailed("approval decision must be approved or rejected")
	}
	approval, err := s.approvals.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if approval.Decision != core.ApprovalPending {
		return nil, core.NewValidationFailed("approval already resolved: " + id)
	}

	now := s.now()
	approval.Decision = decision
	approval.Reason = reason
	approval.ResolvedAt = &now
	if err := s.approvals.UpdateApproval(ctx, approval); err != nil {
		return nil, core.NewStoreFailure("update approval", err)
	}

	s.record(ctx, &core.GovernanceRecord{
		Kind:      "approval_resolved",
		RefID:     approval.ID,
		Summary:   "approval for task " + approval.TaskID + " " + string(decision),
		Details:   map[string]interface{}{"task_id": approval.TaskID, "decision": string(decision), "reason": reason},
		CreatedAt: now,
	})
	if s.notifier != nil {
		level := core.NotifyInfo
		if decision == core.ApprovalRejected {
			level = core.NotifyWarning
		}
		_ = s.notifier.Notify(ctx, level, "Approval "+string(decision),
			"Task "+approval.TaskID+": "+reason, "",
			map[string]interface{}{"approvalId": approval.ID, "taskId": approval.TaskID})
	}
	s.publish(approval)
	return approval.Clone(), nil
}

// RequestTaskTakeover opens a takeover approval for a task a failing agent
// cannot finish: the approval goes to the human operator, the failing agent
// is excluded from reassignment, its claim is released and the task returns
// to pending for the next scheduling pass.
func (s *Approvals) RequestTaskTakeover(ctx context.Context, taskID, failingAgentID, reason string) (*core.Approval, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	approval := &core.Approval{
		ID:         core.NewApprovalID(),
		TaskID:     taskID,
		CreatedBy:  failingAgentID,
		ApproverID: ApproverUser,
		Decision:   core.ApprovalPending,
		Reason:     reason,
		CreatedAt:  s.now(),
	}
	if err := s.approvals.CreateApproval(ctx, approval); err != nil {
		return nil, core.NewStoreFailure("create approval", err)
	}

	// Exclusion, claim release and requeue all go through the scheduler,
	// which owns the status and assignment fields.
	if _, err := s.sched.AddTaskLabels(ctx, taskID, core.LabelExcludePrefix+failingAgentID); err != nil {
		return nil, err
	}
	if err := s.sched.ReleaseTaskClaim(ctx, taskID, failingAgentID); err != nil {
		s.logger.Warn("releasing takeover claim failed", "task_id", taskID, "error", err)
	}
	task, err = s.sched.UpdateTaskStatus(ctx, taskID, core.TaskStatusPending, "takeover requested")
	if err != nil {
		return nil, err
	}

	s.record(ctx, &core.GovernanceRecord{
		Kind:      "takeover_requested",
		RefID:     approval.ID,
		SessionID: task.SessionID,
		Summary:   "takeover requested for task " + taskID,
		Details:   map[string]interface{}{"task_id": taskID, "failing_agent": failingAgentID, "reason": reason},
		CreatedAt: approval.CreatedAt,
	})
	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, core.NotifyWarning, "Task takeover requested",
			"Agent "+failingAgentID+" handed back task "+taskID+": "+reason, task.SessionID,
			map[string]interface{}{"approvalId": approval.ID, "taskId": taskID})
	}
	s.publish(approval)
	s.logger.Warn("task takeover requested",
		"task_id", taskID, "failing_agent", failingAgentID, "reason", reason)
	return approval.Clone(), nil
}

func (s *Approvals) publish(approval *core.Approval) {
	if s.bus != nil {
		s.bus.Publish(events.ApprovalsUpdate{Approvals: []*core.Approval{approval.Clone()}})
	}
}

func (s *Approvals) record(ctx context.Context, rec *core.GovernanceRecord) {
	if s.audit == nil {
		return
	}
	if err := s.audit.AppendGovernanceRecord(ctx, rec); err != nil {
		s.logger.Warn("appending governance record failed", "kind", rec.Kind, "error", err)
	}
}
