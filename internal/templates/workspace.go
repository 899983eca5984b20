package templates

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/arranger-ai/arranger/internal/core"
)

// WorkspaceConfigDir and WorkspaceConfigFile locate the per-workspace
// selection file under the workspace root.
const (
	WorkspaceConfigDir  = ".arranger"
	WorkspaceConfigFile = "workflow-config.json"
)

// WorkspaceConfig selects the workflow template a workspace runs on.
type WorkspaceConfig struct {
	WorkflowTemplateID string `json:"workflowTemplateId"`
}

func workspaceConfigPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, WorkspaceConfigDir, WorkspaceConfigFile)
}

// LoadWorkspaceConfig reads the workspace selection. A missing file yields
// the builtin default rather than an error.
func LoadWorkspaceConfig(workspaceRoot string) (WorkspaceConfig, error) {
	cfg := WorkspaceConfig{WorkflowTemplateID: BuiltinTemplateID}
	data, err := os.ReadFile(workspaceConfigPath(workspaceRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, core.NewStoreFailure("read workspace config", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, core.NewValidationFailed("workspace config is malformed").WithCause(err)
	}
	if cfg.WorkflowTemplateID == "" {
		cfg.WorkflowTemplateID = BuiltinTemplateID
	}
	return cfg, nil
}

// SaveWorkspaceConfig writes the selection atomically so a crash mid-write
// never leaves a truncated file behind.
func SaveWorkspaceConfig(workspaceRoot string, cfg WorkspaceConfig) error {
	if cfg.WorkflowTemplateID == "" {
		return core.NewValidationFailed("workflowTemplateId cannot be empty")
	}
	path := workspaceConfigPath(workspaceRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.NewStoreFailure("create workspace config dir", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return core.NewStoreFailure("encode workspace config", err)
	}
	data = append(data, '\n')
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return core.NewStoreFailure("write workspace config", err)
	}
	return nil
}

// Resolve picks the workflow the workspace should use: the configured
// template when it is loaded, otherwise the first available one with a
// warning. Returns the chosen definition.
func (r *Registry) Resolve(cfg WorkspaceConfig) (*core.WorkflowDefinition, error) {
	if def, ok := r.Definition(cfg.WorkflowTemplateID); ok {
		return def, nil
	}
	defs := r.Definitions()
	if len(defs) == 0 {
		return nil, core.NewNotFound(core.CodeTemplateUnavailable, "workflow template", cfg.WorkflowTemplateID)
	}
	r.logger.Warn("configured template unavailable, falling back",
		"configured", cfg.WorkflowTemplateID, "fallback", defs[0].ID)
	return defs[0], nil
}
