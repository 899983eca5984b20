package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/arranger-ai/arranger/internal/adapters/store"
	"github.com/arranger-ai/arranger/internal/blackboard"
	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/governance"
	"github.com/arranger-ai/arranger/internal/kernel"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/scheduler"
)

// harness assembles the full in-memory service stack the plugins run on.
type harness struct {
	st      *store.MemoryStore
	bus     *events.Bus
	kernel  *kernel.Kernel
	sched   *scheduler.Scheduler
	board   *blackboard.Service
	pctx    *Context
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	logger := logging.NewNop()
	bus := events.NewBus(logger)
	kern := kernel.New(bus, st, logger)
	sched := scheduler.New(st, st, st, st, bus, logger, nil)
	board := blackboard.New(st, st, bus, logger)
	notifier := governance.NewNotifier(st, logger)
	pctx := &Context{
		Kernel:     kern,
		Scheduler:  sched,
		Blackboard: board,
		Votes:      governance.NewVotes(st, st, st, notifier, bus, logger),
		Approvals:  governance.NewApprovals(st, st, sched, st, notifier, bus, logger),
		Proofs:     governance.NewProofs(st, logger),
		Notifier:   notifier,
		Agents:     st,
		Bus:        bus,
		Logger:     logger,
		Meter:      nil,
	}
	return &harness{
		st: st, bus: bus, kernel: kern, sched: sched, board: board,
		pctx: pctx, manager: NewManager(pctx, logger),
	}
}

func (h *harness) start(t *testing.T, plugins ...Plugin) {
	t.Helper()
	if err := h.manager.Register(plugins...); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.manager.Dispose)
}

func (h *harness) addAgent(t *testing.T, id string, roles ...string) {
	t.Helper()
	now := time.Now()
	err := h.st.CreateAgent(context.Background(), &core.Agent{
		ID: id, Roles: roles, Status: core.AgentOnline, IsEnabled: true,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateAgent(%s): %v", id, err)
	}
}

func breakdownDef() *core.WorkflowDefinition {
	return &core.WorkflowDefinition{
		ID:      "feature_flow",
		Version: "1",
		Phases: []core.PhaseDefinition{
			{
				ID:    "build",
				Title: "Build",
				Entry: core.PhaseEntry{AutoTasks: []core.AutoTaskSpec{
					{Generator: "feature_breakdown", Title: "export feature", Role: "developer"},
				}},
				Exit: core.ExitGate{RequireDecisions: []string{"done"}},
			},
		},
	}
}

// Feature-breakdown generator: phase entry spawns the full delivery
// pipeline of clarify, frontend, backend, qa verification and doc tasks,
// every one a business task of the new_feature scenario, with titles taken
// from the instance's requirement text and an echo automation command on
// the qa task.
func TestAutoTaskFeatureBreakdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "dev-1", "developer")
	h.addAgent(t, "qa-1", "qa")
	h.start(t, NewAutoTask())

	if err := h.kernel.RegisterDefinition(breakdownDef()); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	inst, err := h.kernel.CreateInstance(ctx, "feature_flow", "sess-1", map[string]interface{}{
		"scenario":           []string{"new_feature"},
		"requirementContent": "登录页面",
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	tasks, err := h.sched.ListTasks(ctx, core.TaskFilter{Label: core.LabelInstancePrefix + inst.ID})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 5 {
		t.Fatalf("spawned %d tasks, want 5 (clarify, frontend, backend, qa, doc)", len(tasks))
	}

	byIntent := make(map[string]*core.Task, len(tasks))
	for _, task := range tasks {
		byIntent[task.Intent] = task
		if !task.HasLabel(core.LabelAuto) || !task.HasLabel(core.LabelPhasePrefix+"build") {
			t.Errorf("task %s missing workflow labels: %v", task.ID, task.Labels)
		}
		if !task.HasLabel(core.LabelBusinessTask) || !task.HasLabel(core.LabelScenarioPrefix+"new_feature") {
			t.Errorf("task %q labels = %v, want business-task and scenario labels", task.Title, task.Labels)
		}
		if !strings.Contains(task.Title, "登录页面") {
			t.Errorf("task title %q not derived from requirement text", task.Title)
		}
	}
	for _, intent := range []string{
		"requirement_clarification", "frontend_implementation",
		"backend_implementation", "verification", "documentation",
	} {
		if byIntent[intent] == nil {
			t.Errorf("pipeline missing %s task", intent)
		}
	}

	qa := byIntent["verification"]
	if qa == nil {
		t.Fatal("qa verification task missing")
	}
	if !qa.HasLabel(core.LabelPlainRolePrefix + "qa") {
		t.Errorf("qa task labels = %v, want qa role", qa.Labels)
	}
	automation, _ := qa.Metadata["automation"].(map[string]interface{})
	command, _ := automation["command"].(string)
	if !strings.HasPrefix(command, "echo") {
		t.Errorf("qa automation command = %q, want echo prefix", command)
	}

	// Re-entering the phase must not duplicate tasks.
	h.bus.Publish(events.WorkflowEvent{
		Kind: events.KindPhaseEnter, InstanceID: inst.ID,
		WorkflowID: "feature_flow", PhaseID: "build", SessionID: "sess-1",
	})
	tasks, _ = h.sched.ListTasks(ctx, core.TaskFilter{Label: core.LabelInstancePrefix + inst.ID})
	if len(tasks) != 5 {
		t.Errorf("replayed phase_enter duplicated tasks: %d", len(tasks))
	}
}

// The generator falls back to the spec title when the instance carries no
// requirement text, and still emits the full labeled pipeline.
func TestFeatureBreakdownPipelineShape(t *testing.T) {
	inputs := generateFeatureBreakdown(core.AutoTaskSpec{Title: "登录页面"}, events.WorkflowEvent{})
	if len(inputs) != 5 {
		t.Fatalf("pipeline length = %d, want 5", len(inputs))
	}
	for _, input := range inputs {
		if !hasString(input.Labels, core.LabelBusinessTask) {
			t.Errorf("task %q labels = %v, missing %s", input.Title, input.Labels, core.LabelBusinessTask)
		}
		if !hasString(input.Labels, core.LabelScenarioPrefix+"new_feature") {
			t.Errorf("task %q labels = %v, missing scenario label", input.Title, input.Labels)
		}
		if !strings.Contains(input.Title, "登录页面") {
			t.Errorf("task title %q not derived from requirement text", input.Title)
		}
	}
}

func hasString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func TestAutoTaskEscalatesMissingRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, NewAutoTask())

	def := &core.WorkflowDefinition{
		ID:      "lonely_flow",
		Version: "1",
		Phases: []core.PhaseDefinition{{
			ID:    "build",
			Entry: core.PhaseEntry{AutoTasks: []core.AutoTaskSpec{
				{Title: "specialist work", Role: "dba"},
			}},
			Exit: core.ExitGate{RequireDecisions: []string{"done"}},
		}},
	}
	if err := h.kernel.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	if _, err := h.kernel.CreateInstance(ctx, "lonely_flow", "sess-1", nil); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	tasks, _ := h.sched.ListTasks(ctx, core.TaskFilter{Label: core.LabelHumanRequired})
	if len(tasks) != 1 {
		t.Fatalf("human-required tasks = %d, want 1", len(tasks))
	}
	if role := tasks[0].RequiredRole(); role != core.RoleHumanPortal {
		t.Errorf("role = %s, want %s", role, core.RoleHumanPortal)
	}
	notices, _ := h.st.ListNotifications(ctx, 10)
	if len(notices) == 0 {
		t.Error("missing escalation notification")
	}
}

// Mention interrupt: the mentioned agent's running task pauses, a mention
// task appears assigned to them, and re-evaluating the same message does
// not duplicate it.
func TestMentionInterruptDedup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "dev-1", "developer")
	h.start(t, NewMessagePolicy(MessagePolicyConfig{}))

	busy, _ := h.sched.CreateTask(ctx, core.TaskInput{
		Title: "ongoing work", Status: core.TaskStatusAssigned, AssignedTo: "dev-1",
	})
	if _, err := h.sched.UpdateTaskStatus(ctx, busy.ID, core.TaskStatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}

	msg, err := h.board.Post(ctx, blackboard.PostInput{
		SessionID:   "sess-1",
		MessageType: core.MessageTypeUser,
		Content:     "@dev-1 the login page is broken, drop what you are doing",
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	paused, _ := h.sched.GetTask(ctx, busy.ID)
	if paused.Status != core.TaskStatusPaused {
		t.Errorf("busy task = %s, want paused", paused.Status)
	}

	mentionLabel := core.LabelMentionPrefix + msg.ID + ":dev-1"
	mention, err := h.st.FindTaskByLabel(ctx, mentionLabel)
	if err != nil || mention == nil {
		t.Fatalf("mention task missing: %v", err)
	}
	if mention.Status != core.TaskStatusAssigned || mention.AssignedTo != "dev-1" || mention.Priority != core.TaskPriorityHigh {
		t.Errorf("mention task = %s/%s/%s", mention.Status, mention.AssignedTo, mention.Priority)
	}

	// Second evaluation of the same message is a no-op.
	h.bus.Publish(events.MessagesUpdate{Messages: []*core.Message{msg}})
	all, _ := h.sched.ListTasks(ctx, core.TaskFilter{Label: mentionLabel})
	if len(all) != 1 {
		t.Errorf("mention tasks = %d, want 1", len(all))
	}
}

func TestMessageClassificationReachesInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := &core.WorkflowDefinition{
		ID:      "doc_flow",
		Version: "1",
		Phases: []core.PhaseDefinition{
			{ID: "intake", Exit: core.ExitGate{RequireDecisions: []string{"scoped"}}},
			{ID: "doc_outline", Dependencies: []string{"intake"}, ScenarioTags: []string{"doc_work"},
				Exit: core.ExitGate{RequireDecisions: []string{"outline_done"}}},
		},
	}
	if err := h.kernel.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	inst, err := h.kernel.CreateInstance(ctx, "doc_flow", "sess-1", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	h.start(t, NewMessagePolicy(MessagePolicyConfig{}))

	if _, err := h.board.Post(ctx, blackboard.PostInput{
		SessionID:   "sess-1",
		MessageType: core.MessageTypeUser,
		Content:     "please update the readme and the user guide",
	}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	got, err := h.kernel.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	scenarios := core.ScenarioSet(got.Metadata)
	found := false
	for _, s := range scenarios {
		if s == "doc_work" {
			found = true
		}
	}
	if !found {
		t.Fatalf("instance scenarios = %v, want doc_work", scenarios)
	}
	// The scenario-gated phase unblocks once intake completes.
	if err := h.kernel.RecordDecision(ctx, inst.ID, "intake", "scoped"); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	st, _ := h.kernel.GetPhaseState(inst.ID, "doc_outline")
	if st.Status != core.PhaseStatusActive {
		t.Errorf("doc_outline = %s, want active", st.Status)
	}
}

func TestRequirementIntakeBootstrapsInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := &core.WorkflowDefinition{
		ID:      "main_flow",
		Version: "1",
		Phases:  []core.PhaseDefinition{{ID: "clarify", Exit: core.ExitGate{RequireDecisions: []string{"clarified_scope"}}}},
	}
	if err := h.kernel.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	h.start(t, NewMessagePolicy(MessagePolicyConfig{WorkflowID: "main_flow"}))

	msg, err := h.board.Post(ctx, blackboard.PostInput{
		SessionID:   "sess-9",
		MessageType: core.MessageTypeUser,
		Content:     "implement a new export feature",
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	inst := h.kernel.FindInstanceBySession("sess-9")
	if inst == nil {
		t.Fatal("no instance bootstrapped for session")
	}
	if inst.WorkflowID != "main_flow" {
		t.Errorf("workflow = %s", inst.WorkflowID)
	}
	enriched, _ := h.board.Get(ctx, msg.ID)
	if !enriched.HasTag(core.LabelRequirement) {
		t.Errorf("message tags = %v, want %s", enriched.Tags, core.LabelRequirement)
	}

	// A second user message reuses the existing instance.
	if _, err := h.board.Post(ctx, blackboard.PostInput{
		SessionID: "sess-9", MessageType: core.MessageTypeUser, Content: "also add csv support",
	}); err != nil {
		t.Fatalf("second Post: %v", err)
	}
	if got := len(h.kernel.ListInstances()); got != 1 {
		t.Errorf("instances = %d, want 1", got)
	}
}

// Proof and defect loop: the verify phase gates on qa_signoff and zero
// open defects. A defect task blocks exit until it completes.
func TestProofAndDefectLoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "qa-1", "qa")
	h.addAgent(t, "dev-1", "developer")
	h.start(t, NewProofCollector())

	zero := 0
	def := &core.WorkflowDefinition{
		ID:      "verify_flow",
		Version: "1",
		Phases: []core.PhaseDefinition{{
			ID: "verify",
			Exit: core.ExitGate{
				RequireDecisions:   []string{"qa_signoff"},
				RequireDefectsOpen: &zero,
			},
		}},
	}
	if err := h.kernel.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	inst, err := h.kernel.CreateInstance(ctx, "verify_flow", "sess-1", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	// Phase entry spawned the work-evidence and sign-off pair.
	tasks, _ := h.sched.ListTasks(ctx, core.TaskFilter{Label: core.LabelInstancePrefix + inst.ID})
	if len(tasks) != 2 {
		t.Fatalf("proof tasks = %d, want 2", len(tasks))
	}
	var work, signoff *core.Task
	for _, task := range tasks {
		if task.HasLabel(core.LabelProofWork) {
			work = task
		}
		if task.HasLabel(core.LabelProofSignoff) {
			signoff = task
		}
	}
	if work == nil || signoff == nil {
		t.Fatalf("missing proof pair: work=%v signoff=%v", work, signoff)
	}

	// An open defect appears mid-verification.
	defect, _ := h.sched.CreateTask(ctx, core.TaskInput{
		SessionID: "sess-1",
		Title:     "login button misaligned",
		Labels: []string{
			core.LabelDefect,
			core.LabelWorkflowPrefix + "verify_flow",
			core.LabelPhasePrefix + "verify",
			core.LabelInstancePrefix + inst.ID,
		},
		Metadata: map[string]interface{}{"severity": "minor"},
	})

	finish := func(id, assignee, details string) {
		t.Helper()
		task, _ := h.sched.GetTask(ctx, id)
		if task.Status == core.TaskStatusPending {
			task.AssignedTo = assignee
			task.Status = core.TaskStatusAssigned
			task.UpdatedAt = time.Now()
			if err := h.st.UpdateTask(ctx, task); err != nil {
				t.Fatalf("seed assignment: %v", err)
			}
		}
		if details != "" {
			task, _ = h.sched.GetTask(ctx, id)
			task.ResultDetails = details
			if err := h.st.UpdateTask(ctx, task); err != nil {
				t.Fatalf("seed details: %v", err)
			}
		}
		if _, err := h.sched.CompleteTask(ctx, id, "done"); err != nil {
			t.Fatalf("CompleteTask(%s): %v", id, err)
		}
	}

	finish(work.ID, "qa-1", "https://ci.example.com/runs/123")
	finish(signoff.ID, "qa-1", "")

	// Signoff recorded, but the open defect still blocks the gate.
	st, _ := h.kernel.GetPhaseState(inst.ID, "verify")
	if !st.HasDecision("qa_signoff") {
		t.Fatalf("qa_signoff not recorded: %v", st.Decisions)
	}
	if st.Status != core.PhaseStatusActive {
		t.Fatalf("phase = %s, want active while defect open", st.Status)
	}
	if len(st.Proofs) != 2 {
		t.Errorf("proofs = %d, want 2", len(st.Proofs))
	}
	for _, proof := range st.Proofs {
		if proof.Hash == "" {
			t.Errorf("proof %s missing hash", proof.ID)
		}
		if proof.Type == core.ProofTypeWork && proof.EvidenceURI != "https://ci.example.com/runs/123" {
			t.Errorf("work proof evidence = %q", proof.EvidenceURI)
		}
	}

	// Closing the defect completes the phase and the instance.
	finish(defect.ID, "dev-1", "")
	got, _ := h.kernel.GetInstance(inst.ID)
	if got.Status != core.InstanceStatusCompleted {
		t.Errorf("instance = %s, want completed", got.Status)
	}

	saved, _ := h.st.ListProofs(ctx, inst.ID)
	if len(saved) != 2 {
		t.Errorf("persisted proofs = %d, want 2", len(saved))
	}
}

// Without a URI in the result details, proof evidence falls back to the
// phase's recorded artifact: its URI on the proof, its content hashed.
func TestProofEvidenceFallsBackToArtifact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "qa-1", "qa")
	h.start(t, NewProofCollector())

	def := &core.WorkflowDefinition{
		ID:      "verify_flow",
		Version: "1",
		Phases: []core.PhaseDefinition{{
			ID:   "verify",
			Exit: core.ExitGate{RequireDecisions: []string{"qa_signoff"}},
		}},
	}
	if err := h.kernel.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	inst, err := h.kernel.CreateInstance(ctx, "verify_flow", "sess-1", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	artifact := core.Artifact{
		ID:      "test-report",
		Name:    "Test report",
		URI:     "file:///reports/test.html",
		Content: "all suites green",
	}
	if err := h.kernel.RecordArtifact(ctx, inst.ID, "verify", artifact); err != nil {
		t.Fatalf("RecordArtifact: %v", err)
	}

	tasks, _ := h.sched.ListTasks(ctx, core.TaskFilter{Label: core.LabelProofWork})
	if len(tasks) != 1 {
		t.Fatalf("work-evidence tasks = %d, want 1", len(tasks))
	}
	work := tasks[0]
	work.AssignedTo = "qa-1"
	work.Status = core.TaskStatusAssigned
	work.UpdatedAt = time.Now()
	if err := h.st.UpdateTask(ctx, work); err != nil {
		t.Fatalf("seed assignment: %v", err)
	}
	// No URI in the result details: the artifact supplies the evidence.
	if _, err := h.sched.CompleteTask(ctx, work.ID, "verified against the report"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	st, err := h.kernel.GetPhaseState(inst.ID, "verify")
	if err != nil {
		t.Fatalf("GetPhaseState: %v", err)
	}
	var workProof *core.Proof
	for i := range st.Proofs {
		if st.Proofs[i].Type == core.ProofTypeWork {
			workProof = &st.Proofs[i]
		}
	}
	if workProof == nil {
		t.Fatal("work proof missing")
	}
	if workProof.EvidenceURI != artifact.URI {
		t.Errorf("evidence = %q, want %q", workProof.EvidenceURI, artifact.URI)
	}
	sum := sha256.Sum256([]byte(artifact.Content))
	if workProof.Hash != hex.EncodeToString(sum[:]) {
		t.Errorf("hash = %s, want sha256 of artifact content", workProof.Hash)
	}
}

func TestManagerIsolatesPanickingPlugin(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.start(t, &panicPlugin{}, &countingPlugin{calls: &calls})

	h.bus.Publish(events.WorkflowEvent{Kind: events.KindPhaseEnter, PhaseID: "p"})
	if calls != 1 {
		t.Errorf("later plugin starved by panicking one: calls = %d", calls)
	}
}

type panicPlugin struct{}

func (p *panicPlugin) ID() string                                  { return "panicker" }
func (p *panicPlugin) Start(context.Context, *Context) error       { return nil }
func (p *panicPlugin) Dispose() error                              { return nil }
func (p *panicPlugin) HandleWorkflowEvent(events.WorkflowEvent)    { panic("boom") }

type countingPlugin struct{ calls *int }

func (p *countingPlugin) ID() string                               { return "counter" }
func (p *countingPlugin) Start(context.Context, *Context) error    { return nil }
func (p *countingPlugin) Dispose() error                           { return nil }
func (p *countingPlugin) HandleWorkflowEvent(events.WorkflowEvent) { *p.calls++ }
