// Package kernel implements the workflow phase state machine: definition
// registration, instance lifecycle, the activation pass that turns eligible
// phases active, and the exit-gate evaluation that completes them. The
// kernel exclusively owns WorkflowInstance mutation.
package kernel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
)

// MetaScenarioPending marks a pending phase whose scenario tags do not yet
// match the instance's scenario set.
const MetaScenarioPending = "scenario_pending"

// Kernel drives workflow instances through their phases. Mutations are
// serialized per instance; events collected under the lock are published
// after release so synchronous subscribers can re-enter the kernel.
type Kernel struct {
	mu          sync.RWMutex
	definitions map[string]*core.WorkflowDefinition
	instances   map[string]*instanceEntry
	order       []string

	bus    *events.Bus
	store  core.InstanceStore
	logger *logging.Logger
	now    func() time.Time
}

type instanceEntry struct {
	mu   sync.Mutex
	inst *core.WorkflowInstance
}

// New creates a kernel. The store receives instance snapshots for recovery
// and external reads; the kernel's in-memory state is the authority.
func New(bus *events.Bus, store core.InstanceStore, logger *logging.Logger) *Kernel {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Kernel{
		definitions: make(map[string]*core.WorkflowDefinition),
		instances:   make(map[string]*instanceEntry),
		bus:         bus,
		store:       store,
		logger:      logger.WithComponent("kernel"),
		now:         time.Now,
	}
}

// SetClock overrides the kernel clock. Tests only.
func (k *Kernel) SetClock(now func() time.Time) { k.now = now }

// RegisterDefinition validates and stores a workflow template. Registering
// the same id again replaces the earlier version (template reload).
func (k *Kernel) RegisterDefinition(def *core.WorkflowDefinition) error {
	if def == nil {
		return core.NewDefinitionInvalid("definition is nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.definitions[def.ID] = def
	return nil
}

// Definition returns a registered workflow template.
func (k *Kernel) Definition(workflowID string) (*core.WorkflowDefinition, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	def, ok := k.definitions[workflowID]
	return def, ok
}

// Definitions lists registered templates sorted by id.
func (k *Kernel) Definitions() []*core.WorkflowDefinition {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*core.WorkflowDefinition, 0, len(k.definitions))
	for _, def := range k.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateInstance instantiates a workflow: every phase starts pending, then
// the activation pass runs. Emits phase_enter for phases active at birth
// and a workflow_instances_update.
func (k *Kernel) CreateInstance(ctx context.Context, workflowID, sessionID string, metadata map[string]interface{}) (*core.WorkflowInstance, error) {
	k.mu.Lock()
	def, ok := k.definitions[workflowID]
	if !ok {
		k.mu.Unlock()
		return nil, core.NewNotFound(core.CodeTemplateUnavailable, "workflow definition", workflowID)
	}

	now := k.now()
	inst := &core.WorkflowInstance{
		ID:         core.NewInstanceID(),
		WorkflowID: workflowID,
		SessionID:  sessionID,
		Status:     core.InstanceStatusRunning,
		Metadata:   core.MergeMetadata(nil, metadata),
		PhaseState: make(map[string]*core.PhaseRuntimeState, len(def.Phases)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, phase := range def.Phases {
		inst.PhaseState[phase.ID] = core.NewPhaseRuntimeState()
	}

	var pending []events.Event
	k.evaluate(inst, def, &pending)

	entry := &instanceEntry{inst: inst}
	k.instances[inst.ID] = entry
	k.order = append(k.order, inst.ID)
	snapshot := inst.Clone()
	k.mu.Unlock()

	k.persist(ctx, snapshot)
	k.publish(pending, snapshot.Summary())
	return snapshot, nil
}

// RestoreInstance re-adopts a persisted instance snapshot, typically during
// startup recovery. No events are emitted and no activation pass runs; the
// snapshot is taken as-is.
func (k *Kernel) RestoreInstance(inst *core.WorkflowInstance) error {
	if inst == nil {
		return core.NewValidationFailed("instance is nil")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.definitions[inst.WorkflowID]; !ok {
		return core.NewNotFound(core.CodeTemplateUnavailable, "workflow definition", inst.WorkflowID)
	}
	if _, exists := k.instances[inst.ID]; !exists {
		k.order = append(k.order, inst.ID)
	}
	k.instances[inst.ID] = &instanceEntry{inst: inst.Clone()}
	return nil
}

// RecordDecision appends a decision id to a phase with set semantics and
// re-evaluates the exit gate. Re-recording an existing decision is a no-op.
func (k *Kernel) RecordDecision(ctx context.Context, instanceID, phaseID, decisionID string) error {
	return k.mutatePhase(ctx, instanceID, phaseID, func(st *core.PhaseRuntimeState) {
		st.AddDecision(decisionID)
	})
}

// RecordArtifact upserts an artifact by id and re-evaluates the exit gate.
func (k *Kernel) RecordArtifact(ctx context.Context, instanceID, phaseID string, artifact core.Artifact) error {
	if artifact.ID == "" {
		return core.NewValidationFailed("artifact id is required")
	}
	return k.mutatePhase(ctx, instanceID, phaseID, func(st *core.PhaseRuntimeState) {
		if artifact.CreatedAt.IsZero() {
			artifact.CreatedAt = k.now()
		}
		st.PutArtifact(artifact)
	})
}

// RecordProof upserts a proof by id, replacing any earlier record, and
// re-evaluates the exit gate.
func (k *Kernel) RecordProof(ctx context.Context, instanceID, phaseID string, proof core.Proof) error {
	if proof.ID == "" {
		return core.NewValidationFailed("proof id is required")
	}
	return k.mutatePhase(ctx, instanceID, phaseID, func(st *core.PhaseRuntimeState) {
		proof.WorkflowInstanceID = instanceID
		proof.PhaseID = phaseID
		if proof.CreatedAt.IsZero() {
			proof.CreatedAt = k.now()
		}
		st.PutProof(proof)
	})
}

// UpdateTrackedTask overwrites the tracked slice of a task on a phase and
// re-evaluates the exit gate.
func (k *Kernel) UpdateTrackedTask(ctx context.Context, instanceID, phaseID string, tracked core.TrackedTask) error {
	if tracked.ID == "" {
		return core.NewValidationFailed("tracked task id is required")
	}
	return k.mutatePhase(ctx, instanceID, phaseID, func(st *core.PhaseRuntimeState) {
		if tracked.UpdatedAt.IsZero() {
			tracked.UpdatedAt = k.now()
		}
		st.SetTrackedTask(tracked)
	})
}

// UpdateDefect records or updates an open defect on a phase; status closed
// removes the entry. Re-evaluates the exit gate either way.
func (k *Kernel) UpdateDefect(ctx context.Context, instanceID, phaseID, defectID, status, severity string) error {
	if defectID == "" {
		return core.NewValidationFailed("defect id is required")
	}
	return k.mutatePhase(ctx, instanceID, phaseID, func(st *core.PhaseRuntimeState) {
		st.SetDefect(defectID, status, severity)
	})
}

// BlockPhase transitions a phase to blocked and emits phase_blocked. A
// blocked phase leaves the active set and stops gating evaluation until it
// is unblocked by a metadata or dependency change.
func (k *Kernel) BlockPhase(ctx context.Context, instanceID, phaseID, blocker string) error {
	entry, err := k.entry(instanceID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	inst := entry.inst
	st, ok := inst.PhaseState[phaseID]
	if !ok {
		entry.mu.Unlock()
		return core.NewPhaseNotFound(instanceID, phaseID)
	}
	st.Status = core.PhaseStatusBlocked
	if blocker != "" {
		st.Blockers = append(st.Blockers, blocker)
	}
	inst.RemoveActivePhase(phaseID)
	inst.UpdatedAt = k.now()

	pending := []events.Event{events.WorkflowEvent{
		Kind:       events.KindPhaseBlocked,
		InstanceID: inst.ID,
		WorkflowID: inst.WorkflowID,
		PhaseID:    phaseID,
		SessionID:  inst.SessionID,
		Payload:    map[string]interface{}{"blocker": blocker},
		At:         inst.UpdatedAt,
	}}
	snapshot := inst.Clone()
	entry.mu.Unlock()

	k.persist(ctx, snapshot)
	k.publish(pending, snapshot.Summary())
	return nil
}

// UpdateInstanceMetadata shallow-merges the patch into instance metadata and
// re-runs the activation pass; scenario-gated phases may now match.
func (k *Kernel) UpdateInstanceMetadata(ctx context.Context, instanceID string, patch map[string]interface{}) error {
	return k.mutate(ctx, instanceID, func(inst *core.WorkflowInstance) {
		inst.Metadata = core.MergeMetadata(inst.Metadata, patch)
	})
}

// AppendUserNote appends a free-form note to a phase's metadata.
func (k *Kernel) AppendUserNote(ctx context.Context, instanceID, phaseID, note string) error {
	return k.mutatePhase(ctx, instanceID, phaseID, func(st *core.PhaseRuntimeState) {
		if st.Metadata == nil {
			st.Metadata = make(map[string]interface{})
		}
		notes, _ := st.Metadata["user_notes"].([]interface{})
		st.Metadata["user_notes"] = append(notes, note)
	})
}

// FailInstance marks the instance failed and emits workflow_failed.
func (k *Kernel) FailInstance(ctx context.Context, instanceID, reason string) error {
	entry, err := k.entry(instanceID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	inst := entry.inst
	inst.Status = core.InstanceStatusFailed
	inst.UpdatedAt = k.now()
	pending := []events.Event{events.WorkflowEvent{
		Kind:       events.KindWorkflowFailed,
		InstanceID: inst.ID,
		WorkflowID: inst.WorkflowID,
		SessionID:  inst.SessionID,
		Payload:    map[string]interface{}{"reason": reason},
		At:         inst.UpdatedAt,
	}}
	snapshot := inst.Clone()
	entry.mu.Unlock()

	k.persist(ctx, snapshot)
	k.publish(pending, snapshot.Summary())
	return nil
}

// DisposeInstance removes the instance from the kernel and the store.
// Instances are destroyed only through this explicit call.
func (k *Kernel) DisposeInstance(ctx context.Context, instanceID string) error {
	k.mu.Lock()
	if _, ok := k.instances[instanceID]; !ok {
		k.mu.Unlock()
		return core.NewInstanceNotFound(instanceID)
	}
	delete(k.instances, instanceID)
	for i, id := range k.order {
		if id == instanceID {
			k.order = append(k.order[:i], k.order[i+1:]...)
			break
		}
	}
	k.mu.Unlock()

	if k.store != nil {
		if err := k.store.DeleteInstance(ctx, instanceID); err != nil {
			k.logger.Warn("deleting instance snapshot failed", "instance_id", instanceID, "error", err)
		}
	}
	return nil
}

// GetInstance returns a deep copy of the instance.
func (k *Kernel) GetInstance(instanceID string) (*core.WorkflowInstance, error) {
	entry, err := k.entry(instanceID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.inst.Clone(), nil
}

// ListInstances returns deep copies of all instances in creation order.
func (k *Kernel) ListInstances() []*core.WorkflowInstance {
	k.mu.RLock()
	ids := append([]string(nil), k.order...)
	k.mu.RUnlock()

	out := make([]*core.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		if inst, err := k.GetInstance(id); err == nil {
			out = append(out, inst)
		}
	}
	return out
}

// GetPhaseState returns a deep copy of one phase's runtime state.
func (k *Kernel) GetPhaseState(instanceID, phaseID string) (*core.PhaseRuntimeState, error) {
	entry, err := k.entry(instanceID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	st, ok := entry.inst.PhaseState[phaseID]
	if !ok {
		return nil, core.NewPhaseNotFound(instanceID, phaseID)
	}
	return st.Clone(), nil
}

// FindInstanceBySession returns the newest instance for a session, or nil.
func (k *Kernel) FindInstanceBySession(sessionID string) *core.WorkflowInstance {
	k.mu.RLock()
	ids := append([]string(nil), k.order...)
	k.mu.RUnlock()

	for i := len(ids) - 1; i >= 0; i-- {
		inst, err := k.GetInstance(ids[i])
		if err == nil && inst.SessionID == sessionID {
			return inst
		}
	}
	return nil
}

// --- internals ---

func (k *Kernel) entry(instanceID string) (*instanceEntry, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	entry, ok := k.instances[instanceID]
	if !ok {
		return nil, core.NewInstanceNotFound(instanceID)
	}
	return entry, nil
}

// mutate applies fn under the instance lock, runs a full evaluation pass,
// persists the snapshot, and publishes collected events in order.
func (k *Kernel) mutate(ctx context.Context, instanceID string, fn func(*core.WorkflowInstance)) error {
	entry, err := k.entry(instanceID)
	if err != nil {
		return err
	}

	k.mu.RLock()
	def := k.definitions[entry.instWorkflowID()]
	k.mu.RUnlock()

	entry.mu.Lock()
	inst := entry.inst
	fn(inst)
	inst.UpdatedAt = k.now()

	var pending []events.Event
	if def != nil {
		k.evaluate(inst, def, &pending)
	}
	snapshot := inst.Clone()
	entry.mu.Unlock()

	k.persist(ctx, snapshot)
	k.publish(pending, snapshot.Summary())
	return nil
}

func (k *Kernel) mutatePhase(ctx context.Context, instanceID, phaseID string, fn func(*core.PhaseRuntimeState)) error {
	entry, err := k.entry(instanceID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	_, ok := entry.inst.PhaseState[phaseID]
	entry.mu.Unlock()
	if !ok {
		return core.NewPhaseNotFound(instanceID, phaseID)
	}
	return k.mutate(ctx, instanceID, func(inst *core.WorkflowInstance) {
		fn(inst.PhaseState[phaseID])
	})
}

func (e *instanceEntry) instWorkflowID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst.WorkflowID
}

// evaluate runs activation and exit passes to a fixed point. Activation
// scans phases in declaration order; logical precedence lives in the
// dependency sets, not the scan order. Events append to pending in the
// order transitions happen, so phase_enter for a dependent always follows
// phase_complete for its dependencies.
func (k *Kernel) evaluate(inst *core.WorkflowInstance, def *core.WorkflowDefinition, pending *[]events.Event) {
	if inst.Status != core.InstanceStatusRunning {
		return
	}
	scenarios := core.ScenarioSet(inst.Metadata)

	changed := true
	for changed {
		changed = false

		// Activation pass.
		for i := range def.Phases {
			phase := &def.Phases[i]
			st := inst.PhaseState[phase.ID]
			if st == nil || st.Status != core.PhaseStatusPending {
				continue
			}
			if len(phase.ScenarioTags) > 0 && !tagsMatch(phase.ScenarioTags, scenarios) {
				if st.Metadata == nil {
					st.Metadata = make(map[string]interface{})
				}
				st.Metadata[MetaScenarioPending] = true
				continue
			}
			if !k.dependenciesCompleted(inst, phase.Dependencies) {
				continue
			}

			delete(st.Metadata, MetaScenarioPending)
			now := k.now()
			st.Status = core.PhaseStatusActive
			st.EnteredAt = &now
			inst.AddActivePhase(phase.ID)
			*pending = append(*pending, events.WorkflowEvent{
				Kind:       events.KindPhaseEnter,
				InstanceID: inst.ID,
				WorkflowID: inst.WorkflowID,
				PhaseID:    phase.ID,
				SessionID:  inst.SessionID,
				Payload:    map[string]interface{}{"title": phase.Title},
				At:         now,
			})
			changed = true
		}

		// Exit pass.
		for i := range def.Phases {
			phase := &def.Phases[i]
			st := inst.PhaseState[phase.ID]
			if st == nil || st.Status != core.PhaseStatusActive {
				continue
			}
			if !st.GateSatisfied(phase.Exit) {
				continue
			}
			now := k.now()
			st.Status = core.PhaseStatusCompleted
			st.CompletedAt = &now
			inst.RemoveActivePhase(phase.ID)
			*pending = append(*pending, events.WorkflowEvent{
				Kind:       events.KindPhaseComplete,
				InstanceID: inst.ID,
				WorkflowID: inst.WorkflowID,
				PhaseID:    phase.ID,
				SessionID:  inst.SessionID,
				At:         now,
			})
			changed = true
		}
	}

	if inst.AllPhasesCompleted() {
		inst.Status = core.InstanceStatusCompleted
		*pending = append(*pending, events.WorkflowEvent{
			Kind:       events.KindWorkflowCompleted,
			InstanceID: inst.ID,
			WorkflowID: inst.WorkflowID,
			SessionID:  inst.SessionID,
			At:         k.now(),
		})
	}
}

func (k *Kernel) dependenciesCompleted(inst *core.WorkflowInstance, deps []string) bool {
	for _, dep := range deps {
		st, ok := inst.PhaseState[dep]
		if !ok || st.Status != core.PhaseStatusCompleted {
			return false
		}
	}
	return true
}

func tagsMatch(tags, scenarios []string) bool {
	for _, tag := range tags {
		for _, s := range scenarios {
			if tag == s {
				return true
			}
		}
	}
	return false
}

func (k *Kernel) persist(ctx context.Context, snapshot *core.WorkflowInstance) {
	if k.store == nil {
		return
	}
	if err := k.store.SaveInstance(ctx, snapshot); err != nil {
		k.logger.Error("persisting instance snapshot failed",
			"instance_id", snapshot.ID, "error", err)
	}
}

func (k *Kernel) publish(pending []events.Event, summary core.InstanceSummary) {
	if k.bus == nil {
		return
	}
	for _, evt := range pending {
		k.bus.Publish(evt)
	}
	k.bus.Publish(events.InstancesUpdate{Instances: []core.InstanceSummary{summary}})
}
