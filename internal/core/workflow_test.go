package core

import (
	"strings"
	"testing"
)

func validDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:      "flow",
		Name:    "Flow",
		Version: "1",
		Phases: []PhaseDefinition{
			{ID: "a", Title: "A"},
			{ID: "b", Title: "B", Dependencies: []string{"a"}},
			{ID: "c", Title: "C", Dependencies: []string{"a", "b"}},
		},
	}
}

func TestDefinitionValidateOK(t *testing.T) {
	if err := validDefinition().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDefinitionValidateRejects(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*WorkflowDefinition)
		wantMsg string
	}{
		{"missing id", func(d *WorkflowDefinition) { d.ID = "" }, "id is required"},
		{"missing version", func(d *WorkflowDefinition) { d.Version = "" }, "version is required"},
		{"no phases", func(d *WorkflowDefinition) { d.Phases = nil }, "at least one phase"},
		{"duplicate phase", func(d *WorkflowDefinition) {
			d.Phases = append(d.Phases, PhaseDefinition{ID: "a", Title: "dup"})
		}, "duplicate phase id"},
		{"unknown dependency", func(d *WorkflowDefinition) {
			d.Phases[1].Dependencies = []string{"ghost"}
		}, "unknown phase"},
		{"duplicate dependency", func(d *WorkflowDefinition) {
			d.Phases[2].Dependencies = []string{"a", "a"}
		}, "duplicate dependency"},
		{"self dependency", func(d *WorkflowDefinition) {
			d.Phases[0].Dependencies = []string{"a"}
		}, "depends on itself"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDefinition()
			tc.mutate(def)
			err := def.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsCode(err, CodeDefinitionInvalid) {
				t.Fatalf("expected DEFINITION_INVALID, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.wantMsg)
			}
		})
	}
}

func TestDefinitionValidateRejectsCycle(t *testing.T) {
	def := &WorkflowDefinition{
		ID:      "cyclic",
		Version: "1",
		Phases: []PhaseDefinition{
			{ID: "a", Title: "A", Dependencies: []string{"c"}},
			{ID: "b", Title: "B", Dependencies: []string{"a"}},
			{ID: "c", Title: "C", Dependencies: []string{"b"}},
		},
	}
	err := def.Validate()
	if err == nil {
		t.Fatal("expected cycle rejection")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error %q does not mention cycle", err.Error())
	}
}

func TestExitGateEmpty(t *testing.T) {
	if !(ExitGate{}).Empty() {
		t.Fatal("zero gate must be empty")
	}
	zero := 0
	if (ExitGate{RequireDefectsOpen: &zero}).Empty() {
		t.Fatal("defect threshold makes the gate non-empty")
	}
	if (ExitGate{RequireDecisions: []string{"d"}}).Empty() {
		t.Fatal("decision requirement makes the gate non-empty")
	}
}

func TestFindPhase(t *testing.T) {
	def := validDefinition()
	p, ok := def.FindPhase("b")
	if !ok || p.Title != "B" {
		t.Fatalf("FindPhase(b) = %v, %v", p, ok)
	}
	if _, ok := def.FindPhase("ghost"); ok {
		t.Fatal("FindPhase must miss unknown ids")
	}
}
