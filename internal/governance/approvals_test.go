package governance

import (
	"context"
	"testing"
	"time"

	"github.com/arranger-ai/arranger/internal/adapters/store"
	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/scheduler"
)

func newApprovalsService(t *testing.T) (*Approvals, *store.MemoryStore, *events.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus(logging.NewNop())
	notifier := NewNotifier(st, logging.NewNop())
	sched := scheduler.New(st, st, st, st, bus, logging.NewNop(), nil)
	svc := NewApprovals(st, st, sched, st, notifier, bus, logging.NewNop())
	return svc, st, bus
}

func seedTask(t *testing.T, st *store.MemoryStore, id string, status core.TaskStatus, assignedTo string) *core.Task {
	t.Helper()
	now := time.Now()
	task := &core.Task{
		ID: id, Title: "implement feature", Status: status,
		AssignedTo: assignedTo, Priority: core.TaskPriorityMedium,
		CreatedAt: now, UpdatedAt: now, StatusUpdated: now,
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestApprovalLifecycle(t *testing.T) {
	svc, st, _ := newApprovalsService(t)
	ctx := context.Background()
	seedTask(t, st, "task-1", core.TaskStatusRunning, "dev-1")

	approval, err := svc.Create(ctx, "task-1", "dev-1", "qa-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if approval.Decision != core.ApprovalPending {
		t.Fatalf("new approval decision = %s", approval.Decision)
	}

	resolved, err := svc.Resolve(ctx, approval.ID, core.ApprovalApproved, "looks good")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Decision != core.ApprovalApproved || resolved.ResolvedAt == nil {
		t.Errorf("resolved = %+v", resolved)
	}

	// Second resolution is rejected.
	if _, err := svc.Resolve(ctx, approval.ID, core.ApprovalRejected, "actually no"); err == nil {
		t.Error("double resolve must fail")
	}

	recs, _ := st.ListGovernanceRecords(ctx, "", 10)
	if len(recs) == 0 || recs[0].Kind != "approval_resolved" {
		t.Errorf("governance history = %+v", recs)
	}
}

func TestCreateRequiresExistingTask(t *testing.T) {
	svc, _, _ := newApprovalsService(t)
	if _, err := svc.Create(context.Background(), "task-ghost", "dev-1", "qa-1"); !core.IsCode(err, core.CodeTaskNotFound) {
		t.Errorf("expected TaskNotFound, got %v", err)
	}
}

func TestResolveValidatesDecision(t *testing.T) {
	svc, st, _ := newApprovalsService(t)
	ctx := context.Background()
	seedTask(t, st, "task-1", core.TaskStatusRunning, "dev-1")
	approval, _ := svc.Create(ctx, "task-1", "dev-1", "qa-1")

	if _, err := svc.Resolve(ctx, approval.ID, core.ApprovalPending, ""); !core.IsCode(err, core.CodeValidationFailed) {
		t.Errorf("expected ValidationFailed, got %v", err)
	}
}

func TestRequestTaskTakeover(t *testing.T) {
	svc, st, bus := newApprovalsService(t)
	ctx := context.Background()
	seedTask(t, st, "task-1", core.TaskStatusRunning, "dev-1")

	// The failing agent holds the scheduler claim.
	ok, err := st.AcquireLock(ctx, core.TaskLockResource("task-1"), "dev-1", "", core.DefaultLockTTL)
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	var taskEvents int
	bus.Subscribe(func(events.Event) { taskEvents++ }, events.TopicTasksUpdate)

	approval, err := svc.RequestTaskTakeover(ctx, "task-1", "dev-1", "repeated tool failures")
	if err != nil {
		t.Fatalf("RequestTaskTakeover: %v", err)
	}
	if approval.ApproverID != ApproverUser {
		t.Errorf("approver = %s, want %s", approval.ApproverID, ApproverUser)
	}
	if approval.CreatedBy != "dev-1" || approval.Decision != core.ApprovalPending {
		t.Errorf("approval = %+v", approval)
	}

	task, _ := st.GetTask(ctx, "task-1")
	if task.Status != core.TaskStatusPending || task.AssignedTo != "" {
		t.Errorf("task = %s/%q, want pending/unassigned", task.Status, task.AssignedTo)
	}
	if !task.HasLabel(core.LabelExcludePrefix + "dev-1") {
		t.Errorf("missing exclusion label: %v", task.Labels)
	}

	// The requeue reason lands on the scheduler's status field; result
	// details stay reserved for work output.
	if task.StatusReason == "" {
		t.Error("missing status reason on requeued task")
	}
	if task.ResultDetails != "" {
		t.Errorf("result details polluted by requeue: %q", task.ResultDetails)
	}

	// The claim is released: another holder can take it immediately.
	ok, err = st.AcquireLock(ctx, core.TaskLockResource("task-1"), "dev-2", "", core.DefaultLockTTL)
	if err != nil || !ok {
		t.Errorf("lock not released: ok=%v err=%v", ok, err)
	}
	// Label merge and requeue each publish a task update.
	if taskEvents != 2 {
		t.Errorf("tasks_update events = %d, want 2", taskEvents)
	}
}
