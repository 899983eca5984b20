package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/arranger-ai/arranger/internal/config"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/templates"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Store.Backend = "memory"
	cfg.LLM.Provider = "scripted"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Workspace.Root = t.TempDir()
	cfg.Templates.Dir = ""
	cfg.Metrics.Enabled = true
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "postgres"
	if _, err := New(cfg, logging.NewNop()); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestStartAndStopLifecycle(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The builtin flow is live; instances are creatable immediately.
	inst, err := o.kernel.CreateInstance(ctx, templates.BuiltinTemplateID, "sess-boot", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if inst.ID == "" {
		t.Fatal("instance id missing")
	}

	o.Stop()
}

func TestInstanceSnapshotPersistedForRecovery(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst, err := o.kernel.CreateInstance(ctx, templates.BuiltinTemplateID, "sess-restart", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	// The snapshot in the store is what restoreInstances reads on the
	// next start.
	snapshot, err := o.store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if snapshot == nil {
		t.Fatal("instance not persisted")
	}
	o.Stop()
}
