package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arranger-ai/arranger/internal/adapters/store"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/kernel"
	"github.com/arranger-ai/arranger/internal/logging"
)

func newRegistry(t *testing.T) (*Registry, *kernel.Kernel, *events.Bus) {
	t.Helper()
	logger := logging.NewNop()
	bus := events.NewBus(logger)
	kern := kernel.New(bus, store.NewMemoryStore(), logger)
	reg, err := New(kern, bus, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg, kern, bus
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestBuiltinFlowIsRegisteredAndValid(t *testing.T) {
	reg, kern, _ := newRegistry(t)

	def, ok := reg.Definition(BuiltinTemplateID)
	if !ok {
		t.Fatal("builtin template missing from registry")
	}
	if _, ok := kern.Definition(BuiltinTemplateID); !ok {
		t.Fatal("builtin template not registered with kernel")
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("builtin template invalid: %v", err)
	}
	for _, phaseID := range []string{"clarify", "plan", "build", "verify", "delivery"} {
		if _, ok := def.FindPhase(phaseID); !ok {
			t.Fatalf("builtin flow missing phase %q", phaseID)
		}
	}
}

func TestLoadDirSkipsBrokenTemplates(t *testing.T) {
	reg, kern, _ := newRegistry(t)
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "good.json"), `{
		"id": "docs_flow", "name": "Docs Flow", "version": "1.0.0",
		"phases": [{"id": "draft", "title": "Draft"}]
	}`)
	writeFile(t, filepath.Join(dir, "cyclic.json"), `{
		"id": "cyclic_flow", "name": "Cyclic", "version": "1.0.0",
		"phases": [
			{"id": "a", "title": "A", "dependencies": ["b"]},
			{"id": "b", "title": "B", "dependencies": ["a"]}
		]
	}`)
	writeFile(t, filepath.Join(dir, ManifestName), `{
		"templates": [
			{"id": "docs_flow", "path": "good.json"},
			{"id": "cyclic_flow", "path": "cyclic.json"},
			{"id": "missing_flow", "path": "nope.json"}
		]
	}`)

	if err := reg.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if _, ok := reg.Definition("docs_flow"); !ok {
		t.Fatal("good template not loaded")
	}
	if _, ok := kern.Definition("docs_flow"); !ok {
		t.Fatal("good template not registered with kernel")
	}
	if _, ok := reg.Definition("cyclic_flow"); ok {
		t.Fatal("cyclic template should have been skipped")
	}
	if _, ok := reg.Definition("missing_flow"); ok {
		t.Fatal("missing template should have been skipped")
	}
	// Builtin survives a directory load.
	if _, ok := reg.Definition(BuiltinTemplateID); !ok {
		t.Fatal("builtin template lost after LoadDir")
	}
}

func TestLoadDirAnnouncesTemplates(t *testing.T) {
	reg, _, bus := newRegistry(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ManifestName), `{"templates": []}`)

	var announced int
	bus.Subscribe(func(evt events.Event) {
		if upd, ok := evt.(events.TemplateUpdate); ok {
			announced = len(upd.Templates)
		}
	}, events.TopicTemplateUpdate)

	if err := reg.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if announced != 1 {
		t.Fatalf("announced %d templates, want 1 (builtin)", announced)
	}
}

func TestLoadDirWithoutManifestKeepsBuiltin(t *testing.T) {
	reg, _, _ := newRegistry(t)
	if err := reg.LoadDir(t.TempDir()); err != nil {
		t.Fatalf("LoadDir on empty dir: %v", err)
	}
	if got := len(reg.Definitions()); got != 1 {
		t.Fatalf("definitions = %d, want builtin only", got)
	}
}

func TestWorkspaceConfigRoundTripAndDefaults(t *testing.T) {
	root := t.TempDir()

	cfg, err := LoadWorkspaceConfig(root)
	if err != nil {
		t.Fatalf("LoadWorkspaceConfig (missing): %v", err)
	}
	if cfg.WorkflowTemplateID != BuiltinTemplateID {
		t.Fatalf("default template = %q", cfg.WorkflowTemplateID)
	}

	if err := SaveWorkspaceConfig(root, WorkspaceConfig{WorkflowTemplateID: "docs_flow"}); err != nil {
		t.Fatalf("SaveWorkspaceConfig: %v", err)
	}
	cfg, err = LoadWorkspaceConfig(root)
	if err != nil {
		t.Fatalf("LoadWorkspaceConfig: %v", err)
	}
	if cfg.WorkflowTemplateID != "docs_flow" {
		t.Fatalf("template after save = %q", cfg.WorkflowTemplateID)
	}
}

func TestResolveFallsBackToFirstAvailable(t *testing.T) {
	reg, _, _ := newRegistry(t)
	def, err := reg.Resolve(WorkspaceConfig{WorkflowTemplateID: "unknown_flow"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if def.ID != BuiltinTemplateID {
		t.Fatalf("fallback = %q, want builtin", def.ID)
	}
}
