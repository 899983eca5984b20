package core

import (
	"testing"
	"time"
)

func TestGateSatisfied(t *testing.T) {
	one := 1
	gate := ExitGate{
		RequireDecisions:      []string{"d1"},
		RequireArtifacts:      []string{"a1"},
		RequireTasksCreated:   []string{"task-1"},
		RequireTasksCompleted: []string{"task-1"},
		RequireDefectsOpen:    &one,
	}

	p := NewPhaseRuntimeState()
	if p.GateSatisfied(gate) {
		t.Fatal("empty state must not satisfy the gate")
	}

	p.AddDecision("d1")
	p.PutArtifact(Artifact{ID: "a1"})
	p.SetTrackedTask(TrackedTask{ID: "task-1", Status: TaskStatusRunning})
	if p.GateSatisfied(gate) {
		t.Fatal("incomplete tracked task must not satisfy the gate")
	}

	p.SetTrackedTask(TrackedTask{ID: "task-1", Status: TaskStatusCompleted})
	if !p.GateSatisfied(gate) {
		t.Fatal("gate should be satisfied now")
	}

	p.SetDefect("defect-1", "open", "major")
	p.SetDefect("defect-2", "open", "minor")
	if p.GateSatisfied(gate) {
		t.Fatal("two open defects exceed threshold of one")
	}

	p.SetDefect("defect-2", "closed", "")
	if !p.GateSatisfied(gate) {
		t.Fatal("one open defect is within threshold")
	}
}

func TestGateSatisfiedEmptyGate(t *testing.T) {
	p := NewPhaseRuntimeState()
	if !p.GateSatisfied(ExitGate{}) {
		t.Fatal("empty gate is vacuously satisfied")
	}
}

func TestAddDecisionSetSemantics(t *testing.T) {
	p := NewPhaseRuntimeState()
	if !p.AddDecision("d") {
		t.Fatal("first add must report true")
	}
	for i := 0; i < 5; i++ {
		if p.AddDecision("d") {
			t.Fatal("repeated add must report false")
		}
	}
	if len(p.Decisions) != 1 {
		t.Fatalf("decisions = %v, want singleton", p.Decisions)
	}
}

func TestPutProofReplacesByID(t *testing.T) {
	p := NewPhaseRuntimeState()
	p.PutProof(Proof{ID: "proof:task-1", Type: ProofTypeWork, Hash: "h1"})
	p.PutProof(Proof{ID: "proof:task-2", Type: ProofTypeAgreement})
	p.PutProof(Proof{ID: "proof:task-1", Type: ProofTypeWork, Hash: "h2"})

	if len(p.Proofs) != 2 {
		t.Fatalf("proofs = %d, want 2", len(p.Proofs))
	}
	if p.Proofs[0].Hash != "h2" {
		t.Fatalf("re-record must replace in place, got hash %q", p.Proofs[0].Hash)
	}
}

func TestDefectCloseRemovesEntry(t *testing.T) {
	p := NewPhaseRuntimeState()
	p.SetDefect("d1", "open", "major")
	if len(p.OpenDefects) != 1 {
		t.Fatalf("open defects = %d, want 1", len(p.OpenDefects))
	}
	p.SetDefect("d1", "closed", "")
	if len(p.OpenDefects) != 0 {
		t.Fatalf("closing must remove the entry, got %v", p.OpenDefects)
	}
}

func TestInstanceCloneIsolation(t *testing.T) {
	now := time.Now()
	inst := &WorkflowInstance{
		ID:         "wfi-1",
		WorkflowID: "flow",
		Status:     InstanceStatusRunning,
		Metadata:   map[string]interface{}{"scenario": []string{"bug_fix"}},
		PhaseState: map[string]*PhaseRuntimeState{
			"a": {Status: PhaseStatusActive, EnteredAt: &now, Decisions: []string{"d"}},
		},
		ActivePhases: []string{"a"},
	}

	clone := inst.Clone()
	clone.PhaseState["a"].AddDecision("d2")
	clone.PhaseState["a"].Status = PhaseStatusCompleted
	clone.ActivePhases[0] = "changed"
	clone.Metadata["scenario"] = []string{"changed"}

	if len(inst.PhaseState["a"].Decisions) != 1 {
		t.Fatal("clone mutation leaked into original decisions")
	}
	if inst.PhaseState["a"].Status != PhaseStatusActive {
		t.Fatal("clone mutation leaked into original status")
	}
	if inst.ActivePhases[0] != "a" {
		t.Fatal("clone shares activePhases slice")
	}
	if got := ScenarioSet(inst.Metadata); len(got) != 1 || got[0] != "bug_fix" {
		t.Fatalf("clone shares metadata: %v", got)
	}
}

func TestScenarioSetDecodings(t *testing.T) {
	cases := []struct {
		name string
		meta map[string]interface{}
		want []string
	}{
		{"nil", nil, nil},
		{"absent", map[string]interface{}{}, nil},
		{"strings", map[string]interface{}{"scenario": []string{"a", "b", "a"}}, []string{"a", "b"}},
		{"interfaces", map[string]interface{}{"scenario": []interface{}{"a", 3, "b"}}, []string{"a", "b"}},
		{"single", map[string]interface{}{"scenario": "a"}, []string{"a"}},
	}
	for _, tc := range cases {
		got := ScenarioSet(tc.meta)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: ScenarioSet = %v, want %v", tc.name, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("%s: ScenarioSet = %v, want %v", tc.name, got, tc.want)
			}
		}
	}
}

func TestMergeMetadata(t *testing.T) {
	base := map[string]interface{}{"a": 1, "b": "keep"}
	patch := map[string]interface{}{"a": 2, "c": true, "b": nil}
	out := MergeMetadata(base, patch)

	if out["a"] != 2 || out["c"] != true {
		t.Fatalf("merge result = %v", out)
	}
	if _, ok := out["b"]; ok {
		t.Fatal("nil patch value must delete the key")
	}
	if base["a"] != 1 {
		t.Fatal("merge must not mutate the base")
	}
}
