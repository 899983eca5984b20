// Package scheduler owns the task lifecycle: creation, the legal status
// transition table, assignment of pending work onto agents, timeout
// requeues and dependency unblocking. All task mutation funnels through
// this service; agents and plugins never write task rows directly.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/metrics"
)

// Scheduler moves tasks through their lifecycle and assigns pending work.
type Scheduler struct {
	tasks  core.TaskStore
	agents core.AgentStore
	locks  core.LockStore
	audit  core.AuditStore
	bus    *events.Bus
	logger *logging.Logger
	meter  *metrics.Metrics
	now    func() time.Time
}

// New creates the scheduler service.
func New(
	tasks core.TaskStore,
	agents core.AgentStore,
	locks core.LockStore,
	audit core.AuditStore,
	bus *events.Bus,
	logger *logging.Logger,
	meter *metrics.Metrics,
) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		tasks:  tasks,
		agents: agents,
		locks:  locks,
		audit:  audit,
		bus:    bus,
		logger: logger.WithComponent("scheduler"),
		meter:  meter,
		now:    time.Now,
	}
}

// SetClock overrides the scheduler clock. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// CreateTask validates the input and persists a new task. A task with any
// non-completed dependency starts blocked; otherwise it starts pending
// unless the input pins an explicit status.
func (s *Scheduler) CreateTask(ctx context.Context, input core.TaskInput) (*core.Task, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	status := input.Status
	if status == "" {
		status = core.TaskStatusPending
		blocked, err := s.hasIncompleteDependency(ctx, input.Dependencies)
		if err != nil {
			return nil, err
		}
		if blocked {
			status = core.TaskStatusBlocked
		}
	}
	priority := input.Priority
	if priority == "" {
		priority = core.TaskPriorityMedium
	}

	now := s.now()
	task := &core.Task{
		ID:             core.NewTaskID(),
		SessionID:      input.SessionID,
		Title:          input.Title,
		Intent:         input.Intent,
		Scope:          input.Scope,
		Priority:       priority,
		Labels:         append([]string(nil), input.Labels...),
		Status:         status,
		AssignedTo:     input.AssignedTo,
		CreatedBy:      input.CreatedBy,
		ParentTaskID:   input.ParentTaskID,
		Dependencies:   append([]string(nil), input.Dependencies...),
		MaxRetries:     input.MaxRetries,
		TimeoutSeconds: input.TimeoutSeconds,
		RunAfter:       input.RunAfter,
		Metadata:       input.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		StatusUpdated:  now,
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, core.NewStoreFailure("create task", err)
	}
	s.meter.IncTaskCreated()
	s.publish(task)
	s.logger.Info("task created",
		"task_id", task.ID, "title", task.Title, "status", string(task.Status),
		"priority", string(task.Priority), "created_by", task.CreatedBy)
	return task.Clone(), nil
}

// CreateTaskOnceByLabel creates the task only when no task carries the
// unique label yet; the label is appended automatically. Returns the
// existing or created task and whether a creation happened.
func (s *Scheduler) CreateTaskOnceByLabel(ctx context.Context, uniqueLabel string, input core.TaskInput) (*core.Task, bool, error) {
	if uniqueLabel == "" {
		return nil, false, core.NewValidationFailed("unique label cannot be empty")
	}
	existing, err := s.tasks.FindTaskByLabel(ctx, uniqueLabel)
	if err != nil {
		return nil, false, core.NewStoreFailure("find task by label", err)
	}
	if existing != nil {
		return existing, false, nil
	}
	input.Labels = core.MergeLabels(input.Labels, uniqueLabel)
	task, err := s.CreateTask(ctx, input)
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}

// GetTask returns one task.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*core.Task, error) {
	return s.tasks.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (s *Scheduler) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	return s.tasks.ListTasks(ctx, filter)
}

// UpdateTaskStatus applies one transition from the legal table. Illegal
// transitions are rejected and the task keeps its state.
func (s *Scheduler) UpdateTaskStatus(ctx context.Context, id string, next core.TaskStatus, reason string) (*core.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, task, next, reason); err != nil {
		return nil, err
	}
	s.publish(task)
	return task.Clone(), nil
}

// CompleteTask moves a task to completed and unblocks its dependents. An
// assigned task completes directly, which covers human-resolved work that
// never reported running.
func (s *Scheduler) CompleteTask(ctx context.Context, id, result string) (*core.Task, error) {
	return s.finish(ctx, id, core.TaskStatusCompleted, result)
}

// FailTask moves a task to failed and records the reason. Dependents stay
// blocked; unblocking only follows completion.
func (s *Scheduler) FailTask(ctx context.Context, id, reason string) (*core.Task, error) {
	return s.finish(ctx, id, core.TaskStatusFailed, reason)
}

func (s *Scheduler) finish(ctx context.Context, id string, terminal core.TaskStatus, detail string) (*core.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == core.TaskStatusAssigned {
		// Human-portal and mention tasks complete without a running report.
		if err := s.transition(ctx, task, core.TaskStatusRunning, ""); err != nil {
			return nil, err
		}
	}
	if err := s.transition(ctx, task, terminal, ""); err != nil {
		return nil, err
	}

	now := s.now()
	task.CompletedAt = &now
	if terminal == core.TaskStatusCompleted {
		task.Result = detail
	} else {
		task.FailureReason = detail
	}
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		return nil, core.NewStoreFailure("update task", err)
	}

	s.meter.IncTaskFinished(string(terminal))
	if task.LastStartedAt != nil {
		s.meter.ObserveTaskDuration(now.Sub(*task.LastStartedAt).Seconds())
	}

	changed := []*core.Task{task}
	if terminal == core.TaskStatusCompleted {
		unblocked, err := s.unblockDependents(ctx, task.ID)
		if err != nil {
			s.logger.Warn("dependency unblocking failed", "task_id", task.ID, "error", err)
		}
		changed = append(changed, unblocked...)
	}
	s.publish(changed...)
	s.logger.Info("task finished",
		"task_id", task.ID, "status", string(terminal), "detail", s.logger.Sanitize(detail))
	return task.Clone(), nil
}

// AddTaskLabels merges labels onto a task.
func (s *Scheduler) AddTaskLabels(ctx context.Context, id string, labels ...string) (*core.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := core.MergeLabels(task.Labels, labels...)
	if len(merged) == len(task.Labels) {
		return task, nil
	}
	task.Labels = merged
	task.UpdatedAt = s.now()
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		return nil, core.NewStoreFailure("update task", err)
	}
	s.publish(task)
	return task.Clone(), nil
}

// ReleaseTaskClaim releases the scheduler lock guarding a task. Only the
// current holder's release takes effect.
func (s *Scheduler) ReleaseTaskClaim(ctx context.Context, taskID, holderID string) error {
	return s.locks.ReleaseLock(ctx, core.TaskLockResource(taskID), holderID)
}

// AssignPending runs one assignment pass: pending tasks in priority order,
// FIFO within a priority, matched to the least-loaded assignable agent
// with the required role. Returns the number of tasks assigned.
func (s *Scheduler) AssignPending(ctx context.Context) (int, error) {
	pending, err := s.tasks.ListTasks(ctx, core.TaskFilter{Statuses: []core.TaskStatus{core.TaskStatusPending}})
	if err != nil {
		return 0, core.NewStoreFailure("list pending tasks", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	agents, err := s.agents.ListAgents(ctx, core.AgentFilter{OnlyAssignable: true})
	if err != nil {
		return 0, core.NewStoreFailure("list agents", err)
	}
	if len(agents) == 0 {
		return 0, nil
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if ri, rj := pending[i].Priority.Rank(), pending[j].Priority.Rank(); ri != rj {
			return ri < rj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	now := s.now()
	loads := make(map[string]int, len(agents))
	for _, agent := range agents {
		load, err := s.tasks.CountAgentLoad(ctx, agent.ID)
		if err != nil {
			return 0, core.NewStoreFailure("count agent load", err)
		}
		loads[agent.ID] = load
	}

	var assigned []*core.Task
	for _, task := range pending {
		if task.RunAfter != nil && task.RunAfter.After(now) {
			continue
		}
		ok, err := s.dependenciesCompleted(ctx, task)
		if err != nil {
			s.logger.Warn("dependency check failed", "task_id", task.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		agent := pickAgent(agents, loads, task)
		if agent == nil {
			continue
		}
		claimed, err := s.locks.AcquireLock(ctx, core.TaskLockResource(task.ID), agent.ID, task.SessionID, core.DefaultLockTTL)
		if err != nil {
			s.logger.Warn("lock claim failed", "task_id", task.ID, "error", err)
			continue
		}
		if !claimed {
			s.meter.IncLockContention()
			continue
		}

		task.AssignedTo = agent.ID
		if err := s.transition(ctx, task, core.TaskStatusAssigned, ""); err != nil {
			s.logger.Warn("assignment transition failed", "task_id", task.ID, "error", err)
			_ = s.locks.ReleaseLock(ctx, core.TaskLockResource(task.ID), agent.ID)
			continue
		}
		loads[agent.ID]++
		assigned = append(assigned, task)
		s.logger.Info("task assigned",
			"task_id", task.ID, "agent_id", agent.ID, "role", task.RequiredRole())
	}
	s.publish(assigned...)
	return len(assigned), nil
}

// pickAgent returns the least-loaded candidate holding the task's role,
// skipping excluded agents. Ties break on the agent touched least recently,
// then on id for determinism.
func pickAgent(agents []*core.Agent, loads map[string]int, task *core.Task) *core.Agent {
	role := task.RequiredRole()
	excluded := task.ExcludedAgents()

	var best *core.Agent
	for _, agent := range agents {
		if excluded[agent.ID] || !agent.HasRole(role) {
			continue
		}
		if best == nil {
			best = agent
			continue
		}
		li, lb := loads[agent.ID], loads[best.ID]
		switch {
		case li < lb:
			best = agent
		case li == lb && agent.UpdatedAt.Before(best.UpdatedAt):
			best = agent
		case li == lb && agent.UpdatedAt.Equal(best.UpdatedAt) && agent.ID < best.ID:
			best = agent
		}
	}
	return best
}

// SweepTimeouts requeues or fails running tasks past their deadline.
// Returns the number of tasks timed out.
func (s *Scheduler) SweepTimeouts(ctx context.Context) (int, error) {
	running, err := s.tasks.ListTasks(ctx, core.TaskFilter{Statuses: []core.TaskStatus{core.TaskStatusRunning}})
	if err != nil {
		return 0, core.NewStoreFailure("list running tasks", err)
	}
	now := s.now()
	timedOut := 0
	for _, task := range running {
		if !task.TimedOut(now) {
			continue
		}
		timedOut++
		holder := task.AssignedTo
		retried := task.RetryCount < task.MaxRetries

		if retried {
			task.RetryCount++
			task.AssignedTo = ""
			if err := s.transition(ctx, task, core.TaskStatusPending, "timeout requeue"); err != nil {
				s.logger.Warn("timeout requeue failed", "task_id", task.ID, "error", err)
				continue
			}
		} else {
			if _, err := s.FailTask(ctx, task.ID, fmt.Sprintf("timed out after %ds", task.TimeoutSeconds)); err != nil {
				s.logger.Warn("timeout fail failed", "task_id", task.ID, "error", err)
				continue
			}
		}
		if holder != "" {
			_ = s.locks.ReleaseLock(ctx, core.TaskLockResource(task.ID), holder)
		}
		s.recordTimeout(ctx, task, retried)
		if retried {
			s.publish(task)
		}
	}
	return timedOut, nil
}

// RecoverStartup purges expired locks and returns orphaned assigned tasks
// to pending. Run once before the first tick.
func (s *Scheduler) RecoverStartup(ctx context.Context) error {
	now := s.now()
	purged, err := s.locks.PurgeExpiredLocks(ctx, now)
	if err != nil {
		return core.NewStoreFailure("purge expired locks", err)
	}
	if purged > 0 {
		s.logger.Info("purged expired locks", "count", purged)
	}

	assigned, err := s.tasks.ListTasks(ctx, core.TaskFilter{Statuses: []core.TaskStatus{core.TaskStatusAssigned}})
	if err != nil {
		return core.NewStoreFailure("list assigned tasks", err)
	}
	var recovered []*core.Task
	for _, task := range assigned {
		lock, err := s.locks.GetLock(ctx, core.TaskLockResource(task.ID))
		if err != nil {
			return core.NewStoreFailure("get lock", err)
		}
		if lock != nil && lock.HolderID == task.AssignedTo && lock.ExpiresAt.After(now) {
			continue
		}
		task.AssignedTo = ""
		if err := s.transition(ctx, task, core.TaskStatusPending, "startup recovery"); err != nil {
			s.logger.Warn("startup requeue failed", "task_id", task.ID, "error", err)
			continue
		}
		recovered = append(recovered, task)
	}
	if len(recovered) > 0 {
		s.publish(recovered...)
		s.logger.Info("recovered orphaned tasks", "count", len(recovered))
	}
	return nil
}

// --- internals ---

// transition validates and persists one status change.
func (s *Scheduler) transition(ctx context.Context, task *core.Task, next core.TaskStatus, reason string) error {
	if !core.CanTransition(task.Status, next) {
		return core.NewInvalidTransition(task.ID, task.Status, next)
	}
	task.Status = next
	now := s.now()
	task.UpdatedAt = now
	task.StatusUpdated = now
	if next == core.TaskStatusRunning && task.LastStartedAt == nil {
		task.LastStartedAt = &now
	}
	if next == core.TaskStatusPending {
		task.AssignedTo = ""
	}
	task.StatusReason = reason
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		return core.NewStoreFailure("update task", err)
	}
	return nil
}

func (s *Scheduler) hasIncompleteDependency(ctx context.Context, deps []string) (bool, error) {
	for _, dep := range deps {
		depTask, err := s.tasks.GetTask(ctx, dep)
		if err != nil {
			if core.IsCode(err, core.CodeTaskNotFound) {
				return true, nil
			}
			return false, err
		}
		if depTask.Status != core.TaskStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) dependenciesCompleted(ctx context.Context, task *core.Task) (bool, error) {
	blocked, err := s.hasIncompleteDependency(ctx, task.Dependencies)
	return !blocked, err
}

// unblockDependents moves blocked tasks whose dependencies all completed
// back to pending.
func (s *Scheduler) unblockDependents(ctx context.Context, completedID string) ([]*core.Task, error) {
	blocked, err := s.tasks.ListTasks(ctx, core.TaskFilter{Statuses: []core.TaskStatus{core.TaskStatusBlocked}})
	if err != nil {
		return nil, core.NewStoreFailure("list blocked tasks", err)
	}
	var unblocked []*core.Task
	for _, task := range blocked {
		depends := false
		for _, dep := range task.Dependencies {
			if dep == completedID {
				depends = true
				break
			}
		}
		if !depends {
			continue
		}
		ok, err := s.dependenciesCompleted(ctx, task)
		if err != nil || !ok {
			continue
		}
		if err := s.transition(ctx, task, core.TaskStatusPending, "dependencies completed"); err != nil {
			s.logger.Warn("unblocking failed", "task_id", task.ID, "error", err)
			continue
		}
		unblocked = append(unblocked, task)
	}
	return unblocked, nil
}

func (s *Scheduler) recordTimeout(ctx context.Context, task *core.Task, retried bool) {
	instanceID, _ := task.WorkflowInstanceID()
	phaseID, _ := task.WorkflowPhaseID()
	if s.bus != nil {
		s.bus.Publish(events.WorkflowEvent{
			Kind:       events.KindTaskTimeout,
			InstanceID: instanceID,
			PhaseID:    phaseID,
			SessionID:  task.SessionID,
			Payload: map[string]interface{}{
				"task_id": task.ID,
				"retried": retried,
				"retries": task.RetryCount,
			},
			At: s.now(),
		})
	}
	if s.audit != nil {
		rec := &core.GovernanceRecord{
			Kind:      "task_timeout",
			RefID:     task.ID,
			SessionID: task.SessionID,
			Summary:   fmt.Sprintf("task %s timed out (retried=%v)", task.ID, retried),
			Details: map[string]interface{}{
				"timeout_seconds": task.TimeoutSeconds,
				"retry_count":     task.RetryCount,
				"max_retries":     task.MaxRetries,
			},
			CreatedAt: s.now(),
		}
		if err := s.audit.AppendGovernanceRecord(ctx, rec); err != nil {
			s.logger.Warn("appending timeout record failed", "task_id", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) publish(tasks ...*core.Task) {
	if s.bus == nil || len(tasks) == 0 {
		return
	}
	clones := make([]*core.Task, len(tasks))
	for i, t := range tasks {
		clones[i] = t.Clone()
	}
	s.bus.Publish(events.TasksUpdate{Tasks: clones})
}
