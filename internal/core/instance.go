package core

import "time"

// InstanceStatus represents the overall state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
)

// PhaseStatus represents the runtime state of a single phase.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusActive    PhaseStatus = "active"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusBlocked   PhaseStatus = "blocked"
)

// Artifact is a named output recorded on a phase. Identity is ID; recording
// again replaces the earlier artifact.
type Artifact struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name,omitempty"`
	URI       string                 `json:"uri,omitempty"`
	Content   string                 `json:"content,omitempty"`
	CreatedBy string                 `json:"createdBy,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// TrackedTask mirrors the slice of a task the kernel watches for exit
// gating: status, assignee and labels at last update.
type TrackedTask struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	Assignee  string     `json:"assignee,omitempty"`
	Labels    []string   `json:"labels,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// DefectEntry is an open defect counted against a phase's exit gate.
type DefectEntry struct {
	Severity string `json:"severity,omitempty"`
	Status   string `json:"status"`
}

// PhaseRuntimeState carries everything recorded against a phase while an
// instance runs.
type PhaseRuntimeState struct {
	Status       PhaseStatus            `json:"status"`
	EnteredAt    *time.Time             `json:"enteredAt,omitempty"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	Decisions    []string               `json:"decisions,omitempty"`
	Artifacts    map[string]Artifact    `json:"artifacts,omitempty"`
	Proofs       []Proof                `json:"proofs,omitempty"`
	TrackedTasks map[string]TrackedTask `json:"trackedTasks,omitempty"`
	OpenDefects  map[string]DefectEntry `json:"openDefects,omitempty"`
	Blockers     []string               `json:"blockers,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// NewPhaseRuntimeState returns a pending phase state.
func NewPhaseRuntimeState() *PhaseRuntimeState {
	return &PhaseRuntimeState{Status: PhaseStatusPending}
}

// HasDecision reports whether the decision id was recorded.
func (p *PhaseRuntimeState) HasDecision(id string) bool {
	for _, d := range p.Decisions {
		if d == id {
			return true
		}
	}
	return false
}

// AddDecision appends a decision id with set semantics. Returns false when
// the id was already present.
func (p *PhaseRuntimeState) AddDecision(id string) bool {
	if p.HasDecision(id) {
		return false
	}
	p.Decisions = append(p.Decisions, id)
	return true
}

// PutArtifact upserts an artifact by id.
func (p *PhaseRuntimeState) PutArtifact(a Artifact) {
	if p.Artifacts == nil {
		p.Artifacts = make(map[string]Artifact)
	}
	p.Artifacts[a.ID] = a
}

// PutProof upserts a proof by id, replacing any earlier record.
func (p *PhaseRuntimeState) PutProof(proof Proof) {
	for i := range p.Proofs {
		if p.Proofs[i].ID == proof.ID {
			p.Proofs[i] = proof
			return
		}
	}
	p.Proofs = append(p.Proofs, proof)
}

// SetTrackedTask overwrites the tracked slice of a task.
func (p *PhaseRuntimeState) SetTrackedTask(t TrackedTask) {
	if p.TrackedTasks == nil {
		p.TrackedTasks = make(map[string]TrackedTask)
	}
	p.TrackedTasks[t.ID] = t
}

// SetDefect records or updates an open defect; a closed status removes the
// entry entirely.
func (p *PhaseRuntimeState) SetDefect(defectID, status, severity string) {
	if status == "closed" {
		delete(p.OpenDefects, defectID)
		return
	}
	if p.OpenDefects == nil {
		p.OpenDefects = make(map[string]DefectEntry)
	}
	entry := p.OpenDefects[defectID]
	entry.Status = status
	if severity != "" {
		entry.Severity = severity
	}
	p.OpenDefects[defectID] = entry
}

// GateSatisfied evaluates an exit gate against the recorded state.
func (p *PhaseRuntimeState) GateSatisfied(gate ExitGate) bool {
	for _, id := range gate.RequireDecisions {
		if !p.HasDecision(id) {
			return false
		}
	}
	for _, id := range gate.RequireArtifacts {
		if _, ok := p.Artifacts[id]; !ok {
			return false
		}
	}
	for _, id := range gate.RequireTasksCreated {
		if _, ok := p.TrackedTasks[id]; !ok {
			return false
		}
	}
	for _, id := range gate.RequireTasksCompleted {
		tracked, ok := p.TrackedTasks[id]
		if !ok || tracked.Status != TaskStatusCompleted {
			return false
		}
	}
	if gate.RequireDefectsOpen != nil && len(p.OpenDefects) > *gate.RequireDefectsOpen {
		return false
	}
	return true
}

// Clone returns a deep copy of the phase state.
func (p *PhaseRuntimeState) Clone() *PhaseRuntimeState {
	out := &PhaseRuntimeState{
		Status:    p.Status,
		Decisions: append([]string(nil), p.Decisions...),
		Blockers:  append([]string(nil), p.Blockers...),
		Metadata:  cloneMetadata(p.Metadata),
	}
	if p.EnteredAt != nil {
		v := *p.EnteredAt
		out.EnteredAt = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		out.CompletedAt = &v
	}
	if p.Artifacts != nil {
		out.Artifacts = make(map[string]Artifact, len(p.Artifacts))
		for k, a := range p.Artifacts {
			a.Metadata = cloneMetadata(a.Metadata)
			out.Artifacts[k] = a
		}
	}
	if p.Proofs != nil {
		out.Proofs = make([]Proof, len(p.Proofs))
		for i, pr := range p.Proofs {
			out.Proofs[i] = *pr.Clone()
		}
	}
	if p.TrackedTasks != nil {
		out.TrackedTasks = make(map[string]TrackedTask, len(p.TrackedTasks))
		for k, t := range p.TrackedTasks {
			t.Labels = append([]string(nil), t.Labels...)
			out.TrackedTasks[k] = t
		}
	}
	if p.OpenDefects != nil {
		out.OpenDefects = make(map[string]DefectEntry, len(p.OpenDefects))
		for k, d := range p.OpenDefects {
			out.OpenDefects[k] = d
		}
	}
	return out
}

// WorkflowInstance is the stateful execution of a workflow definition.
// Created by the kernel, mutated only through kernel APIs, destroyed only
// on explicit dispose.
type WorkflowInstance struct {
	ID           string                        `json:"id"`
	WorkflowID   string                        `json:"workflowId"`
	SessionID    string                        `json:"sessionId,omitempty"`
	Status       InstanceStatus                `json:"status"`
	Metadata     map[string]interface{}        `json:"metadata,omitempty"`
	PhaseState   map[string]*PhaseRuntimeState `json:"phaseState"`
	ActivePhases []string                      `json:"activePhases,omitempty"`
	CreatedAt    time.Time                     `json:"createdAt"`
	UpdatedAt    time.Time                     `json:"updatedAt"`
}

// InstanceSummary is the compact view published on instance updates.
type InstanceSummary struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflowId"`
	SessionID    string         `json:"sessionId,omitempty"`
	Status       InstanceStatus `json:"status"`
	ActivePhases []string       `json:"activePhases,omitempty"`
	Scenarios    []string       `json:"scenarios,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Summary returns the compact event view of the instance.
func (w *WorkflowInstance) Summary() InstanceSummary {
	return InstanceSummary{
		ID:           w.ID,
		WorkflowID:   w.WorkflowID,
		SessionID:    w.SessionID,
		Status:       w.Status,
		ActivePhases: append([]string(nil), w.ActivePhases...),
		Scenarios:    ScenarioSet(w.Metadata),
		UpdatedAt:    w.UpdatedAt,
	}
}

// Phase returns the runtime state for a phase id.
func (w *WorkflowInstance) Phase(phaseID string) (*PhaseRuntimeState, bool) {
	p, ok := w.PhaseState[phaseID]
	return p, ok
}

// AllPhasesCompleted reports whether every phase reached completed.
func (w *WorkflowInstance) AllPhasesCompleted() bool {
	for _, p := range w.PhaseState {
		if p.Status != PhaseStatusCompleted {
			return false
		}
	}
	return len(w.PhaseState) > 0
}

// AddActivePhase appends a phase id to the active set.
func (w *WorkflowInstance) AddActivePhase(phaseID string) {
	for _, id := range w.ActivePhases {
		if id == phaseID {
			return
		}
	}
	w.ActivePhases = append(w.ActivePhases, phaseID)
}

// RemoveActivePhase drops a phase id from the active set.
func (w *WorkflowInstance) RemoveActivePhase(phaseID string) {
	for i, id := range w.ActivePhases {
		if id == phaseID {
			w.ActivePhases = append(w.ActivePhases[:i], w.ActivePhases[i+1:]...)
			return
		}
	}
}

// Clone returns a deep copy safe to return from read APIs.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	out := &WorkflowInstance{
		ID:           w.ID,
		WorkflowID:   w.WorkflowID,
		SessionID:    w.SessionID,
		Status:       w.Status,
		Metadata:     cloneMetadata(w.Metadata),
		ActivePhases: append([]string(nil), w.ActivePhases...),
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
	if w.PhaseState != nil {
		out.PhaseState = make(map[string]*PhaseRuntimeState, len(w.PhaseState))
		for k, p := range w.PhaseState {
			out.PhaseState[k] = p.Clone()
		}
	}
	return out
}
