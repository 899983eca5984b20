package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arranger-ai/arranger/internal/adapters/store"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/kernel"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/templates"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect workflow templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available workflow templates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.NewNop()
		reg, err := templates.New(kernel.New(events.NewBus(logger), store.NewMemoryStore(), logger), nil, logger)
		if err != nil {
			return configError(err)
		}
		if cfg.Templates.Dir != "" {
			if err := reg.LoadDir(cfg.Templates.Dir); err != nil {
				return configError(err)
			}
		}
		for _, desc := range reg.Descriptors() {
			origin := "file"
			if desc.Builtin {
				origin = "builtin"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-28s %-8s %s\n", desc.ID, origin, desc.Name)
		}
		return nil
	},
}

var templatesValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Validate every template a directory's manifest references",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) == 1 {
			dir = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.Templates.Dir
		}
		if dir == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "no templates directory configured; builtin flow only")
			return nil
		}
		results, err := templates.CheckDir(dir)
		if err != nil {
			return configError(err)
		}
		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL %-28s %v\n", res.ID, res.Err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK   %-28s %s\n", res.ID, res.Path)
		}
		if failed > 0 {
			return configError(fmt.Errorf("%d of %d templates failed validation", failed, len(results)))
		}
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesListCmd, templatesValidateCmd)
	rootCmd.AddCommand(templatesCmd)
}
