package plugins

import (
	"context"
	"fmt"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
)

// Generator expands one auto-task spec into concrete task inputs. The
// returned inputs carry titles and roles only; workflow labels and dedup
// labels are stamped by the plugin.
type Generator func(spec core.AutoTaskSpec, evt events.WorkflowEvent) []core.TaskInput

// generators is the process-wide registry, built once at init. Template
// ids in workflow definitions refer to these names.
var generators = map[string]Generator{
	"feature_breakdown": generateFeatureBreakdown,
	"bugfix_lane":       generateBugfixLane,
	"doc_delivery":      generateDocDelivery,
	"ops_hotfix":        generateOpsHotfix,
	"test_request":      generateTestRequest,
}

// GeneratorNames lists the registered generator names, for doctor output
// and template validation messages.
func GeneratorNames() []string {
	names := make([]string, 0, len(generators))
	for name := range generators {
		names = append(names, name)
	}
	return names
}

// generateFeatureBreakdown expands a new-feature requirement into the full
// delivery pipeline: clarify, frontend, backend, qa verification with an
// automation command, and documentation. Every task in the pipeline is a
// business task of the new_feature scenario. The requirement text comes
// from the event payload when the instance carries one, otherwise from the
// spec title.
func generateFeatureBreakdown(spec core.AutoTaskSpec, evt events.WorkflowEvent) []core.TaskInput {
	requirement := requirementContent(evt)
	if requirement == "" {
		requirement = spec.Title
	}
	scenarioLabel := core.LabelScenarioPrefix + "new_feature"
	return []core.TaskInput{
		{
			Title:    "Clarify requirement: " + requirement,
			Intent:   "requirement_clarification",
			Scope:    spec.Scope,
			Priority: core.TaskPriorityHigh,
			Labels:   []string{core.LabelRequirement, core.LabelBusinessTask, scenarioLabel},
		},
		{
			Title:    "Implement frontend: " + requirement,
			Intent:   "frontend_implementation",
			Scope:    spec.Scope,
			Priority: core.TaskPriorityMedium,
			Labels:   []string{core.LabelBusinessTask, scenarioLabel},
		},
		{
			Title:    "Implement backend: " + requirement,
			Intent:   "backend_implementation",
			Scope:    spec.Scope,
			Priority: core.TaskPriorityMedium,
			Labels:   []string{core.LabelBusinessTask, scenarioLabel},
		},
		{
			Title:    "Verify: " + requirement,
			Intent:   "verification",
			Priority: core.TaskPriorityMedium,
			Labels:   []string{core.LabelBusinessTask, scenarioLabel, core.LabelPlainRolePrefix + "qa"},
			Metadata: map[string]interface{}{
				"automation": map[string]interface{}{
					"command": "echo verify " + requirement,
				},
			},
		},
		{
			Title:    "Document: " + requirement,
			Intent:   "documentation",
			Priority: core.TaskPriorityLow,
			Labels:   []string{core.LabelBusinessTask, scenarioLabel},
		},
	}
}

// requirementContent pulls the requirement text carried on a phase event.
func requirementContent(evt events.WorkflowEvent) string {
	if evt.Payload == nil {
		return ""
	}
	s, _ := evt.Payload["requirementContent"].(string)
	return s
}

func generateBugfixLane(spec core.AutoTaskSpec, _ events.WorkflowEvent) []core.TaskInput {
	return []core.TaskInput{
		{
			Title:    "Reproduce defect: " + spec.Title,
			Intent:   "reproduce",
			Priority: core.TaskPriorityHigh,
		},
		{
			Title:    "Fix defect: " + spec.Title,
			Intent:   "bugfix",
			Priority: core.TaskPriorityHigh,
			Labels:   []string{core.LabelBusinessTask},
		},
		{
			Title:    "Verify fix: " + spec.Title,
			Intent:   "verification",
			Priority: core.TaskPriorityMedium,
		},
	}
}

func generateDocDelivery(spec core.AutoTaskSpec, _ events.WorkflowEvent) []core.TaskInput {
	return []core.TaskInput{
		{
			Title:    "Draft documentation: " + spec.Title,
			Intent:   "doc_draft",
			Priority: core.TaskPriorityMedium,
		},
		{
			Title:    "Review documentation: " + spec.Title,
			Intent:   "doc_review",
			Priority: core.TaskPriorityLow,
		},
	}
}

func generateOpsHotfix(spec core.AutoTaskSpec, _ events.WorkflowEvent) []core.TaskInput {
	return []core.TaskInput{
		{
			Title:          "Mitigate incident: " + spec.Title,
			Intent:         "mitigation",
			Priority:       core.TaskPriorityHigh,
			TimeoutSeconds: 900,
		},
		{
			Title:    "Write postmortem: " + spec.Title,
			Intent:   "postmortem",
			Priority: core.TaskPriorityLow,
		},
	}
}

func generateTestRequest(spec core.AutoTaskSpec, _ events.WorkflowEvent) []core.TaskInput {
	return []core.TaskInput{
		{
			Title:    "Write tests: " + spec.Title,
			Intent:   "test_authoring",
			Priority: core.TaskPriorityMedium,
		},
	}
}

// AutoTask spawns the tasks a phase declares when it activates. Creation
// is idempotent per (instance, phase, entry) through a dedup label, so a
// replayed phase_enter never duplicates work.
type AutoTask struct {
	pctx   *Context
	logger *logging.Logger
	ctx    context.Context
}

// NewAutoTask creates the auto-task plugin.
func NewAutoTask() *AutoTask { return &AutoTask{} }

// ID implements Plugin.
func (p *AutoTask) ID() string { return "auto_task" }

// Start requeues stale assigned auto-tasks left over from a previous run.
func (p *AutoTask) Start(ctx context.Context, pctx *Context) error {
	p.ctx = ctx
	p.pctx = pctx
	p.logger = pctx.Logger.WithComponent("plugin.auto_task")
	return p.requeueStale(ctx)
}

// Dispose implements Plugin.
func (p *AutoTask) Dispose() error { return nil }

// HandleWorkflowEvent spawns auto-tasks on phase entry.
func (p *AutoTask) HandleWorkflowEvent(evt events.WorkflowEvent) {
	if evt.Kind != events.KindPhaseEnter {
		return
	}
	def, ok := p.pctx.Kernel.Definition(evt.WorkflowID)
	if !ok {
		return
	}
	phase, ok := def.FindPhase(evt.PhaseID)
	if !ok {
		return
	}
	evt = p.enrichFromInstance(evt)
	for i, spec := range phase.Entry.AutoTasks {
		if err := p.spawn(evt, spec, i); err != nil {
			p.pctx.Meter.IncPluginError(p.ID())
			p.logger.Error("spawning auto-tasks failed",
				"instance_id", evt.InstanceID, "phase_id", evt.PhaseID, "index", i, "error", err)
		}
	}
}

// enrichFromInstance copies the instance's requirement text onto the event
// payload so generators can title their tasks after it. The payload map is
// cloned first: the event value is shared with other subscribers.
func (p *AutoTask) enrichFromInstance(evt events.WorkflowEvent) events.WorkflowEvent {
	inst, err := p.pctx.Kernel.GetInstance(evt.InstanceID)
	if err != nil || inst == nil {
		return evt
	}
	requirement, _ := inst.Metadata["requirementContent"].(string)
	if requirement == "" {
		return evt
	}
	payload := make(map[string]interface{}, len(evt.Payload)+1)
	for k, v := range evt.Payload {
		payload[k] = v
	}
	payload["requirementContent"] = requirement
	evt.Payload = payload
	return evt
}

func (p *AutoTask) spawn(evt events.WorkflowEvent, spec core.AutoTaskSpec, index int) error {
	inputs := []core.TaskInput{specToInput(spec)}
	if spec.Generator != "" {
		gen, ok := generators[spec.Generator]
		if !ok {
			return core.NewValidationFailed("unknown task generator: " + spec.Generator)
		}
		inputs = gen(spec, evt)
	}

	for sub, input := range inputs {
		dedup := fmt.Sprintf("%s%s:%s:%d", core.LabelAutoOncePrefix, evt.InstanceID, evt.PhaseID, index)
		if len(inputs) > 1 {
			dedup = fmt.Sprintf("%s-%d", dedup, sub)
		}

		labels := core.MergeLabels(input.Labels,
			core.LabelWorkflowPrefix+evt.WorkflowID,
			core.LabelPhasePrefix+evt.PhaseID,
			core.LabelInstancePrefix+evt.InstanceID,
			core.LabelAuto,
		)
		wantRole := spec.Role
		if wantRole != "" && !p.roleAvailable(wantRole) {
			labels = core.MergeLabels(labels,
				core.LabelHumanRequired,
				core.LabelRolePrefix+core.RoleHumanPortal,
			)
			if p.pctx.Notifier != nil {
				_ = p.pctx.Notifier.Notify(p.ctx, core.NotifyWarning,
					"No agent available for role "+wantRole,
					"Task routed to the human portal: "+input.Title, evt.SessionID,
					map[string]interface{}{"instanceId": evt.InstanceID, "phaseId": evt.PhaseID})
			}
		} else if wantRole != "" {
			labels = core.MergeLabels(labels, core.LabelRolePrefix+wantRole)
		}

		input.Labels = labels
		input.SessionID = evt.SessionID
		input.CreatedBy = p.ID()
		task, created, err := p.pctx.Scheduler.CreateTaskOnceByLabel(p.ctx, dedup, input)
		if err != nil {
			return err
		}
		if created {
			p.logger.Info("auto-task created",
				"task_id", task.ID, "phase_id", evt.PhaseID, "title", task.Title)
		}
	}
	return nil
}

// specToInput converts a template-style spec into one task input.
func specToInput(spec core.AutoTaskSpec) core.TaskInput {
	return core.TaskInput{
		Title:          spec.Title,
		Intent:         spec.Intent,
		Scope:          spec.Scope,
		Priority:       spec.Priority,
		Labels:         append([]string(nil), spec.Labels...),
		MaxRetries:     spec.MaxRetries,
		TimeoutSeconds: spec.TimeoutSeconds,
		Metadata:       spec.Metadata,
	}
}

func (p *AutoTask) roleAvailable(role string) bool {
	agents, err := p.pctx.Agents.ListAgents(p.ctx, core.AgentFilter{})
	if err != nil {
		p.logger.Warn("listing agents failed", "error", err)
		return true // assume available rather than escalate on a store hiccup
	}
	for _, agent := range agents {
		if agent.IsEnabled && agent.HasRole(role) {
			return true
		}
	}
	return false
}

// requeueStale hands assigned auto-tasks from a dead process back to the
// pool by releasing their claims and resetting them to pending.
func (p *AutoTask) requeueStale(ctx context.Context) error {
	tasks, err := p.pctx.Scheduler.ListTasks(ctx, core.TaskFilter{
		Statuses: []core.TaskStatus{core.TaskStatusAssigned},
		Label:    core.LabelAuto,
	})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.AssignedTo != "" {
			_ = p.pctx.Scheduler.ReleaseTaskClaim(ctx, task.ID, task.AssignedTo)
		}
		if _, err := p.pctx.Scheduler.UpdateTaskStatus(ctx, task.ID, core.TaskStatusPending, "startup requeue"); err != nil {
			p.logger.Warn("requeueing stale auto-task failed", "task_id", task.ID, "error", err)
		}
	}
	if len(tasks) > 0 {
		p.logger.Info("requeued stale auto-tasks", "count", len(tasks))
	}
	return nil
}
