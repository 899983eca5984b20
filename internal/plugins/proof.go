package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
)

// proofTaskSpec is one row of the fixed proof-task template table.
type proofTaskSpec struct {
	kind  string // "work" or "signoff"
	title string
	label string
	role  string
}

// proofPhaseTasks maps the verify and delivery phases to the evidence
// pairs they spawn on entry: a work-evidence task and a sign-off task.
var proofPhaseTasks = map[string][]proofTaskSpec{
	"verify": {
		{kind: "work", title: "Collect verification evidence", label: core.LabelProofWork, role: "qa"},
		{kind: "signoff", title: "Sign off verification results", label: core.LabelProofSignoff, role: "qa"},
	},
	"delivery": {
		{kind: "work", title: "Collect delivery evidence", label: core.LabelProofWork, role: "developer"},
		{kind: "signoff", title: "Sign off the delivery", label: core.LabelProofSignoff, role: "qa"},
	},
}

// ProofCollector turns completed workflow tasks into evidence: proof
// records on the kernel and proof service, defect state sync, and
// decision/artifact forwarding from task labels.
type ProofCollector struct {
	pctx        *Context
	logger      *logging.Logger
	ctx         context.Context
	seen        *seenSet
	unsubscribe func()
}

// NewProofCollector creates the proof plugin.
func NewProofCollector() *ProofCollector {
	return &ProofCollector{seen: newSeenSet()}
}

// ID implements Plugin.
func (p *ProofCollector) ID() string { return "proof" }

// Start subscribes to task updates.
func (p *ProofCollector) Start(ctx context.Context, pctx *Context) error {
	p.ctx = ctx
	p.pctx = pctx
	p.logger = pctx.Logger.WithComponent("plugin.proof")
	p.unsubscribe = pctx.Bus.Subscribe(p.onTasks, events.TopicTasksUpdate)
	return nil
}

// Dispose implements Plugin.
func (p *ProofCollector) Dispose() error {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	return nil
}

// HandleWorkflowEvent spawns the proof-task pair when a proof-bearing
// phase activates.
func (p *ProofCollector) HandleWorkflowEvent(evt events.WorkflowEvent) {
	if evt.Kind != events.KindPhaseEnter {
		return
	}
	specs, ok := proofPhaseTasks[evt.PhaseID]
	if !ok {
		return
	}
	for _, spec := range specs {
		dedup := fmt.Sprintf("%s%s:%s:proof-%s", core.LabelAutoOncePrefix, evt.InstanceID, evt.PhaseID, spec.kind)
		input := core.TaskInput{
			SessionID: evt.SessionID,
			Title:     spec.title,
			Intent:    "proof_" + spec.kind,
			Priority:  core.TaskPriorityMedium,
			CreatedBy: p.ID(),
			Labels: []string{
				spec.label,
				core.LabelWorkflowPrefix + evt.WorkflowID,
				core.LabelPhasePrefix + evt.PhaseID,
				core.LabelInstancePrefix + evt.InstanceID,
				core.LabelAuto,
				core.LabelRolePrefix + spec.role,
			},
		}
		if _, _, err := p.pctx.Scheduler.CreateTaskOnceByLabel(p.ctx, dedup, input); err != nil {
			p.pctx.Meter.IncPluginError(p.ID())
			p.logger.Error("spawning proof task failed",
				"instance_id", evt.InstanceID, "phase_id", evt.PhaseID, "kind", spec.kind, "error", err)
		}
	}
}

func (p *ProofCollector) onTasks(evt events.Event) {
	update, ok := evt.(events.TasksUpdate)
	if !ok {
		return
	}
	for _, task := range update.Tasks {
		instanceID, ok := task.WorkflowInstanceID()
		if !ok {
			continue
		}
		phaseID, hasPhase := task.WorkflowPhaseID()
		if !hasPhase {
			continue
		}
		p.syncDefect(instanceID, phaseID, task)
		if task.Status != core.TaskStatusCompleted {
			continue
		}
		if !p.seen.FirstTime("done:" + task.ID) {
			continue
		}
		p.recordProofs(instanceID, phaseID, task)
		p.forwardLabels(instanceID, phaseID, task)
	}
}

// syncDefect mirrors defect-labeled task state into the kernel's open
// defect set: open while the task runs, closed on completion.
func (p *ProofCollector) syncDefect(instanceID, phaseID string, task *core.Task) {
	if !task.HasLabel(core.LabelDefect) {
		return
	}
	status := "open"
	if task.Status == core.TaskStatusCompleted {
		status = "closed"
	}
	severity, _ := task.Metadata["severity"].(string)
	if err := p.pctx.Kernel.UpdateDefect(p.ctx, instanceID, phaseID, task.ID, status, severity); err != nil {
		p.logger.Warn("syncing defect failed", "task_id", task.ID, "error", err)
	}
}

// recordProofs turns a completed proof-labeled task into a proof record on
// both the kernel and the proof store.
func (p *ProofCollector) recordProofs(instanceID, phaseID string, task *core.Task) {
	var proofType core.ProofType
	switch {
	case task.HasLabel(core.LabelProofWork):
		proofType = core.ProofTypeWork
	case task.HasLabel(core.LabelProofSignoff):
		proofType = core.ProofTypeAgreement
	default:
		return
	}

	evidence, material := p.evidenceForProof(instanceID, phaseID, task)
	sum := sha256.Sum256([]byte(material))

	proof := core.Proof{
		ID:                core.NewProofID(task.ID),
		Type:              proofType,
		TaskID:            task.ID,
		EvidenceURI:       evidence,
		Hash:              hex.EncodeToString(sum[:]),
		AttestationStatus: core.AttestationPending,
	}
	if proofType == core.ProofTypeAgreement {
		proof.AttestationStatus = core.AttestationApproved
		proof.Acknowledgers = []string{task.AssignedTo}
	}

	if err := p.pctx.Kernel.RecordProof(p.ctx, instanceID, phaseID, proof); err != nil {
		p.fail(task, err)
		return
	}
	persisted := proof.Clone()
	persisted.WorkflowInstanceID = instanceID
	persisted.PhaseID = phaseID
	if err := p.pctx.Proofs.Save(p.ctx, persisted); err != nil {
		p.fail(task, err)
		return
	}
	// Agreement sign-off doubles as the QA decision gate.
	if proofType == core.ProofTypeAgreement {
		if err := p.pctx.Kernel.RecordDecision(p.ctx, instanceID, phaseID, "qa_signoff"); err != nil {
			p.fail(task, err)
			return
		}
	}
	p.logger.Info("proof recorded",
		"task_id", task.ID, "type", string(proofType), "phase_id", phaseID)
}

// forwardLabels turns decision:<id> and artifact:<id> labels on a
// completed task into kernel records.
func (p *ProofCollector) forwardLabels(instanceID, phaseID string, task *core.Task) {
	for _, label := range task.Labels {
		switch {
		case strings.HasPrefix(label, core.LabelDecisionPrefix):
			id := strings.TrimPrefix(label, core.LabelDecisionPrefix)
			if err := p.pctx.Kernel.RecordDecision(p.ctx, instanceID, phaseID, id); err != nil {
				p.fail(task, err)
			}
		case strings.HasPrefix(label, core.LabelArtifactPrefix):
			id := strings.TrimPrefix(label, core.LabelArtifactPrefix)
			artifact := core.Artifact{
				ID:        id,
				Name:      id,
				URI:       evidenceURI(task),
				CreatedBy: task.AssignedTo,
			}
			if err := p.pctx.Kernel.RecordArtifact(p.ctx, instanceID, phaseID, artifact); err != nil {
				p.fail(task, err)
			}
		}
	}
}

// evidenceForProof resolves the evidence behind a completed proof task. A
// URI-shaped result detail wins; otherwise the first artifact reachable
// from the task supplies the URI, and its content (or the stringified
// artifact) becomes the hash material. With neither, the task result is
// hashed.
func (p *ProofCollector) evidenceForProof(instanceID, phaseID string, task *core.Task) (uri, material string) {
	if uri := evidenceURI(task); uri != "" {
		return uri, uri
	}
	if artifact, ok := p.firstArtifact(instanceID, phaseID, task); ok {
		material = artifact.Content
		if material == "" {
			if encoded, err := json.Marshal(artifact); err == nil {
				material = string(encoded)
			}
		}
		return artifact.URI, material
	}
	return "", task.Result
}

// firstArtifact picks the evidence artifact for a task: one named by the
// task's artifact:<id> labels if recorded, else the phase's first recorded
// artifact in id order.
func (p *ProofCollector) firstArtifact(instanceID, phaseID string, task *core.Task) (core.Artifact, bool) {
	st, err := p.pctx.Kernel.GetPhaseState(instanceID, phaseID)
	if err != nil || st == nil || len(st.Artifacts) == 0 {
		return core.Artifact{}, false
	}
	for _, label := range task.Labels {
		if !strings.HasPrefix(label, core.LabelArtifactPrefix) {
			continue
		}
		if artifact, ok := st.Artifacts[strings.TrimPrefix(label, core.LabelArtifactPrefix)]; ok {
			return artifact, true
		}
	}
	ids := make([]string, 0, len(st.Artifacts))
	for id := range st.Artifacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return st.Artifacts[ids[0]], true
}

// evidenceURI extracts a URI-shaped reference from the task's result
// details, or empty when none is present.
func evidenceURI(task *core.Task) string {
	details := strings.TrimSpace(task.ResultDetails)
	for _, scheme := range []string{"http://", "https://", "file://"} {
		if strings.HasPrefix(details, scheme) {
			return details
		}
	}
	return ""
}

func (p *ProofCollector) fail(task *core.Task, err error) {
	p.pctx.Meter.IncPluginError(p.ID())
	p.logger.Error("proof handling failed", "task_id", task.ID, "error", err)
}
