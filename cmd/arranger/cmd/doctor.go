package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/arranger-ai/arranger/internal/adapters/store"
	"github.com/arranger-ai/arranger/internal/diagnostics"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/kernel"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/templates"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the deployment: config, store, templates, credentials, host",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		failures := 0
		report := func(status, check, detail string) {
			if status == "FAIL" {
				failures++
			}
			fmt.Fprintf(out, "%-4s %-20s %s\n", status, check, detail)
		}

		cfg, err := loadConfig()
		if err != nil {
			report("FAIL", "config", err.Error())
			return configError(fmt.Errorf("configuration is unusable"))
		}
		report("PASS", "config", "parsed and validated")

		if cfg.Store.Backend == "sqlite" {
			st, err := store.NewSQLiteStore(cfg.Store.Path)
			if err != nil {
				report("FAIL", "store", err.Error())
			} else {
				report("PASS", "store", "opened and migrated "+cfg.Store.Path)
				_ = st.Close()
			}
		} else {
			report("PASS", "store", "memory backend")
		}

		logger := logging.NewNop()
		reg, err := templates.New(kernel.New(events.NewBus(logger), store.NewMemoryStore(), logger), nil, logger)
		if err != nil {
			report("FAIL", "templates", err.Error())
		} else {
			report("PASS", "templates", "builtin flow valid")
			if cfg.Templates.Dir != "" {
				results, err := templates.CheckDir(cfg.Templates.Dir)
				switch {
				case err != nil:
					report("FAIL", "templates dir", err.Error())
				default:
					bad := 0
					for _, res := range results {
						if res.Err != nil {
							bad++
							report("FAIL", "template "+res.ID, res.Err.Error())
						}
					}
					if bad == 0 {
						report("PASS", "templates dir", fmt.Sprintf("%d templates valid", len(results)))
					}
				}
			}
			wsCfg, err := templates.LoadWorkspaceConfig(cfg.Workspace.Root)
			if err != nil {
				report("FAIL", "workspace", err.Error())
			} else if _, ok := reg.Definition(wsCfg.WorkflowTemplateID); !ok && cfg.Templates.Dir == "" {
				report("WARN", "workspace", "configured template "+wsCfg.WorkflowTemplateID+" not loaded; fallback applies")
			} else {
				report("PASS", "workspace", "template "+wsCfg.WorkflowTemplateID)
			}
		}

		switch cfg.LLM.Provider {
		case "scripted":
			report("WARN", "llm", "scripted provider; no external model")
		default:
			if cfg.LLM.APIKey == "" {
				report("WARN", "llm", "no api key configured for provider "+cfg.LLM.Provider)
			} else {
				report("PASS", "llm", cfg.LLM.Provider+" / "+cfg.LLM.Model)
			}
		}

		diskPath := ""
		if cfg.Store.Backend == "sqlite" {
			diskPath = filepath.Dir(cfg.Store.Path)
		}
		snap := diagnostics.Collect(cmd.Context(), diskPath)
		status := "PASS"
		if snap.Partial {
			status = "WARN"
		}
		report(status, "host", fmt.Sprintf(
			"cpu %.0f%%, mem %.0f%%, disk %.0f%% of %s, load %.2f",
			snap.CPUPercent, snap.MemPercent, snap.DiskPercent, snap.DiskPath, snap.LoadAvg1))

		if failures > 0 {
			return runtimeError(fmt.Errorf("%d checks failed", failures))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
