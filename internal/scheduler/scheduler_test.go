package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/arranger-ai/arranger/internal/adapters/store"
	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
)

func newScheduler(t *testing.T) (*Scheduler, *store.MemoryStore, *events.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus(logging.NewNop())
	return New(st, st, st, st, bus, logging.NewNop(), nil), st, bus
}

func addAgent(t *testing.T, st *store.MemoryStore, id string, roles []string) {
	t.Helper()
	now := time.Now()
	err := st.CreateAgent(context.Background(), &core.Agent{
		ID: id, Roles: roles, Status: core.AgentOnline, IsEnabled: true,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateAgent(%s): %v", id, err)
	}
}

func TestCreateTaskBlockedOnIncompleteDependency(t *testing.T) {
	sched, _, _ := newScheduler(t)
	ctx := context.Background()

	dep, err := sched.CreateTask(ctx, core.TaskInput{Title: "build parser"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	child, err := sched.CreateTask(ctx, core.TaskInput{
		Title:        "test parser",
		Dependencies: []string{dep.ID},
	})
	if err != nil {
		t.Fatalf("CreateTask child: %v", err)
	}
	if child.Status != core.TaskStatusBlocked {
		t.Errorf("child status = %s, want blocked", child.Status)
	}
	free, _ := sched.CreateTask(ctx, core.TaskInput{Title: "write docs"})
	if free.Status != core.TaskStatusPending {
		t.Errorf("free status = %s, want pending", free.Status)
	}
}

func TestCompleteTaskUnblocksDependents(t *testing.T) {
	sched, st, _ := newScheduler(t)
	ctx := context.Background()
	addAgent(t, st, "dev-1", nil)

	dep, _ := sched.CreateTask(ctx, core.TaskInput{Title: "build parser"})
	child, _ := sched.CreateTask(ctx, core.TaskInput{Title: "test parser", Dependencies: []string{dep.ID}})

	if _, err := sched.AssignPending(ctx); err != nil {
		t.Fatalf("AssignPending: %v", err)
	}
	if _, err := sched.UpdateTaskStatus(ctx, dep.ID, core.TaskStatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := sched.CompleteTask(ctx, dep.ID, "done"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	got, _ := sched.GetTask(ctx, child.ID)
	if got.Status != core.TaskStatusPending {
		t.Errorf("child status = %s, want pending after dependency completed", got.Status)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	sched, _, _ := newScheduler(t)
	ctx := context.Background()
	task, _ := sched.CreateTask(ctx, core.TaskInput{Title: "work"})

	_, err := sched.UpdateTaskStatus(ctx, task.ID, core.TaskStatusCompleted, "")
	if !core.IsCode(err, core.CodeInvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	got, _ := sched.GetTask(ctx, task.ID)
	if got.Status != core.TaskStatusPending {
		t.Errorf("task moved despite rejection: %s", got.Status)
	}
}

func TestCreateTaskOnceByLabelIsIdempotent(t *testing.T) {
	sched, _, _ := newScheduler(t)
	ctx := context.Background()
	label := "workflow_auto:wfi-1:plan:0"

	first, created, err := sched.CreateTaskOnceByLabel(ctx, label, core.TaskInput{Title: "plan work"})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := sched.CreateTaskOnceByLabel(ctx, label, core.TaskInput{Title: "plan work"})
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	if first.ID != second.ID {
		t.Errorf("idempotence broken: %s vs %s", first.ID, second.ID)
	}
}

func TestAssignPrefersLeastLoadedWithRole(t *testing.T) {
	sched, st, _ := newScheduler(t)
	ctx := context.Background()
	addAgent(t, st, "dev-busy", []string{"developer"})
	addAgent(t, st, "dev-idle", []string{"developer"})
	addAgent(t, st, "qa-1", []string{"qa"})

	// Load up dev-busy with an open task.
	busyWork, _ := sched.CreateTask(ctx, core.TaskInput{
		Title: "ongoing", Status: core.TaskStatusAssigned, AssignedTo: "dev-busy",
	})
	_ = busyWork

	task, _ := sched.CreateTask(ctx, core.TaskInput{
		Title:  "implement endpoint",
		Labels: []string{core.LabelRolePrefix + "developer"},
	})
	if _, err := sched.AssignPending(ctx); err != nil {
		t.Fatalf("AssignPending: %v", err)
	}

	got, _ := sched.GetTask(ctx, task.ID)
	if got.Status != core.TaskStatusAssigned || got.AssignedTo != "dev-idle" {
		t.Errorf("task = %s/%s, want assigned/dev-idle", got.Status, got.AssignedTo)
	}
	lock, _ := st.GetLock(ctx, core.TaskLockResource(task.ID))
	if lock == nil || lock.HolderID != "dev-idle" {
		t.Errorf("lock = %+v, want held by dev-idle", lock)
	}
}

func TestAssignHonorsExclusionsAndPriority(t *testing.T) {
	sched, st, _ := newScheduler(t)
	ctx := context.Background()
	addAgent(t, st, "dev-1", []string{"developer"})

	low, _ := sched.CreateTask(ctx, core.TaskInput{Title: "low prio", Priority: core.TaskPriorityLow})
	high, _ := sched.CreateTask(ctx, core.TaskInput{Title: "high prio", Priority: core.TaskPriorityHigh})
	excluded, _ := sched.CreateTask(ctx, core.TaskInput{
		Title:  "not for dev-1",
		Labels: []string{core.LabelExcludePrefix + "dev-1"},
	})

	if _, err := sched.AssignPending(ctx); err != nil {
		t.Fatalf("AssignPending: %v", err)
	}
	gotHigh, _ := sched.GetTask(ctx, high.ID)
	gotLow, _ := sched.GetTask(ctx, low.ID)
	gotExcluded, _ := sched.GetTask(ctx, excluded.ID)
	if gotHigh.Status != core.TaskStatusAssigned {
		t.Errorf("high = %s, want assigned", gotHigh.Status)
	}
	if gotLow.Status != core.TaskStatusAssigned {
		t.Errorf("low = %s, want assigned", gotLow.Status)
	}
	if gotHigh.StatusUpdated.After(gotLow.StatusUpdated) {
		t.Error("high priority assigned after low")
	}
	if gotExcluded.Status != core.TaskStatusPending || gotExcluded.AssignedTo != "" {
		t.Errorf("excluded task = %s/%q, want pending/unassigned", gotExcluded.Status, gotExcluded.AssignedTo)
	}
}

func TestRunAfterDefersAssignment(t *testing.T) {
	sched, st, _ := newScheduler(t)
	ctx := context.Background()
	addAgent(t, st, "dev-1", nil)

	base := time.Now()
	sched.SetClock(func() time.Time { return base })
	later := base.Add(time.Hour)
	task, _ := sched.CreateTask(ctx, core.TaskInput{Title: "deferred", RunAfter: &later})

	if _, err := sched.AssignPending(ctx); err != nil {
		t.Fatalf("AssignPending: %v", err)
	}
	got, _ := sched.GetTask(ctx, task.ID)
	if got.Status != core.TaskStatusPending {
		t.Errorf("deferred task assigned early: %s", got.Status)
	}

	sched.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	if _, err := sched.AssignPending(ctx); err != nil {
		t.Fatalf("AssignPending: %v", err)
	}
	got, _ = sched.GetTask(ctx, task.ID)
	if got.Status != core.TaskStatusAssigned {
		t.Errorf("deferred task not assigned after runAfter: %s", got.Status)
	}
}

func TestTimeoutRequeuesThenFails(t *testing.T) {
	sched, st, bus := newScheduler(t)
	ctx := context.Background()
	addAgent(t, st, "dev-1", nil)

	var timeouts []events.WorkflowEvent
	bus.Subscribe(func(evt events.Event) {
		if we, ok := evt.(events.WorkflowEvent); ok && we.Kind == events.KindTaskTimeout {
			timeouts = append(timeouts, we)
		}
	}, events.TopicWorkflowEvent)

	base := time.Now()
	sched.SetClock(func() time.Time { return base })
	task, _ := sched.CreateTask(ctx, core.TaskInput{
		Title: "long job", MaxRetries: 1, TimeoutSeconds: 60,
	})
	if _, err := sched.AssignPending(ctx); err != nil {
		t.Fatalf("AssignPending: %v", err)
	}
	if _, err := sched.UpdateTaskStatus(ctx, task.ID, core.TaskStatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}

	// First timeout: under the retry budget, requeues.
	sched.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	n, err := sched.SweepTimeouts(ctx)
	if err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	got, _ := sched.GetTask(ctx, task.ID)
	if got.Status != core.TaskStatusPending || got.RetryCount != 1 || got.AssignedTo != "" {
		t.Fatalf("after requeue: %s retry=%d assigned=%q", got.Status, got.RetryCount, got.AssignedTo)
	}
	if got.StatusReason != "timeout requeue" {
		t.Errorf("status reason = %q, want timeout requeue", got.StatusReason)
	}
	// Result details stay reserved for work output and evidence.
	if got.ResultDetails != "" {
		t.Errorf("requeue reason leaked into result details: %q", got.ResultDetails)
	}

	// Budget exhausted: the second timeout fails the task.
	if _, err := sched.AssignPending(ctx); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if _, err := sched.UpdateTaskStatus(ctx, task.ID, core.TaskStatusRunning, ""); err != nil {
		t.Fatalf("to running again: %v", err)
	}
	sched.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
	if _, err := sched.SweepTimeouts(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	got, _ = sched.GetTask(ctx, task.ID)
	if got.Status != core.TaskStatusFailed {
		t.Errorf("after exhausted retries: %s, want failed", got.Status)
	}
	if len(timeouts) != 2 {
		t.Errorf("task_timeout events = %d, want 2", len(timeouts))
	}

	recs, _ := st.ListGovernanceRecords(ctx, "", 10)
	count := 0
	for _, rec := range recs {
		if rec.Kind == "task_timeout" && rec.RefID == task.ID {
			count++
		}
	}
	if count != 2 {
		t.Errorf("governance timeout rows = %d, want 2", count)
	}
}

func TestStartupRecoveryRequeuesOrphans(t *testing.T) {
	sched, st, _ := newScheduler(t)
	ctx := context.Background()
	addAgent(t, st, "dev-1", nil)

	// Assigned task whose claim vanished (process died before heartbeat).
	orphan, _ := sched.CreateTask(ctx, core.TaskInput{
		Title: "orphaned", Status: core.TaskStatusAssigned, AssignedTo: "dev-1",
	})
	// Assigned task with a live claim stays put.
	held, _ := sched.CreateTask(ctx, core.TaskInput{
		Title: "held", Status: core.TaskStatusAssigned, AssignedTo: "dev-1",
	})
	ok, err := st.AcquireLock(ctx, core.TaskLockResource(held.ID), "dev-1", "", core.DefaultLockTTL)
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	if err := sched.RecoverStartup(ctx); err != nil {
		t.Fatalf("RecoverStartup: %v", err)
	}
	gotOrphan, _ := sched.GetTask(ctx, orphan.ID)
	gotHeld, _ := sched.GetTask(ctx, held.ID)
	if gotOrphan.Status != core.TaskStatusPending || gotOrphan.AssignedTo != "" {
		t.Errorf("orphan = %s/%q, want pending/unassigned", gotOrphan.Status, gotOrphan.AssignedTo)
	}
	if gotHeld.Status != core.TaskStatusAssigned || gotHeld.AssignedTo != "dev-1" {
		t.Errorf("held = %s/%q, want assigned/dev-1", gotHeld.Status, gotHeld.AssignedTo)
	}
}

func TestContendedTaskIsSkipped(t *testing.T) {
	sched, st, _ := newScheduler(t)
	ctx := context.Background()
	addAgent(t, st, "dev-1", nil)

	task, _ := sched.CreateTask(ctx, core.TaskInput{Title: "contested"})
	// Another process already holds the claim.
	ok, err := st.AcquireLock(ctx, core.TaskLockResource(task.ID), "other-proc", "", core.DefaultLockTTL)
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	n, err := sched.AssignPending(ctx)
	if err != nil {
		t.Fatalf("AssignPending: %v", err)
	}
	if n != 0 {
		t.Errorf("assigned = %d, want 0", n)
	}
	got, _ := sched.GetTask(ctx, task.ID)
	if got.Status != core.TaskStatusPending {
		t.Errorf("contested task = %s, want pending", got.Status)
	}
}
