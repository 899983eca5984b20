package plugins

import (
	"context"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
)

// phaseOutcome describes what completing a tracked phase's work records on
// the instance.
type phaseOutcome struct {
	decisions []string
	artifacts []string
}

// trackedPhases maps early workflow phases to the decisions and artifacts
// their completed tasks produce. Verify and delivery phases are handled by
// the proof plugin instead.
var trackedPhases = map[string]phaseOutcome{
	"clarify": {
		decisions: []string{"clarified_scope"},
		artifacts: []string{"acceptance_criteria"},
	},
	"plan": {
		decisions: []string{"architecture_signoff"},
		artifacts: []string{"design_tasks_generated", "implementation_tasks_generated"},
	},
	"build": {
		artifacts: []string{"implementation_complete"},
	},
}

// PhaseTracker records phase outcomes when tasks of the clarify, plan and
// build phases complete. One-shot per (instance, phase): the first
// completed task settles the phase outcome.
type PhaseTracker struct {
	pctx        *Context
	logger      *logging.Logger
	ctx         context.Context
	seen        *seenSet
	unsubscribe func()
}

// NewPhaseTracker creates the tracker plugin.
func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{seen: newSeenSet()}
}

// ID implements Plugin.
func (p *PhaseTracker) ID() string { return "phase_tracker" }

// Start subscribes to task updates.
func (p *PhaseTracker) Start(ctx context.Context, pctx *Context) error {
	p.ctx = ctx
	p.pctx = pctx
	p.logger = pctx.Logger.WithComponent("plugin.phase_tracker")
	p.unsubscribe = pctx.Bus.Subscribe(p.onTasks, events.TopicTasksUpdate)
	return nil
}

// Dispose implements Plugin.
func (p *PhaseTracker) Dispose() error {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	return nil
}

func (p *PhaseTracker) onTasks(evt events.Event) {
	update, ok := evt.(events.TasksUpdate)
	if !ok {
		return
	}
	for _, task := range update.Tasks {
		if task.Status != core.TaskStatusCompleted {
			continue
		}
		instanceID, ok := task.WorkflowInstanceID()
		if !ok {
			continue
		}
		phaseID, ok := task.WorkflowPhaseID()
		if !ok {
			continue
		}
		outcome, tracked := trackedPhases[phaseID]
		if !tracked {
			continue
		}
		if !p.seen.FirstTime(instanceID + ":" + phaseID) {
			continue
		}
		p.record(instanceID, phaseID, task, outcome)
	}
}

func (p *PhaseTracker) record(instanceID, phaseID string, task *core.Task, outcome phaseOutcome) {
	for _, decision := range outcome.decisions {
		if err := p.pctx.Kernel.RecordDecision(p.ctx, instanceID, phaseID, decision); err != nil {
			p.fail(instanceID, phaseID, err)
			return
		}
	}
	for _, artifactID := range outcome.artifacts {
		artifact := core.Artifact{
			ID:        artifactID,
			Name:      artifactID,
			CreatedBy: task.AssignedTo,
			Metadata:  map[string]interface{}{"task_id": task.ID},
		}
		if err := p.pctx.Kernel.RecordArtifact(p.ctx, instanceID, phaseID, artifact); err != nil {
			p.fail(instanceID, phaseID, err)
			return
		}
	}
	p.logger.Info("phase outcome recorded",
		"instance_id", instanceID, "phase_id", phaseID, "task_id", task.ID)
}

func (p *PhaseTracker) fail(instanceID, phaseID string, err error) {
	p.pctx.Meter.IncPluginError(p.ID())
	p.logger.Error("recording phase outcome failed",
		"instance_id", instanceID, "phase_id", phaseID, "error", err)
}
