package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prasenjit/translucent/internal/logging"
	"github.com/prasenjit/translucent/internal/openapi"
	"github.com/prasenjit/translucent/internal/scenario"
)

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Check scenario files without starting the server",
	Long: `Loads and compiles scenario files exactly as serve would and reports
every problem found. Arguments may be files or glob patterns; without
arguments the configured scenarios.paths are checked.

Exits with status 1 when any scenario is invalid.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(v, nil)
	if err != nil {
		return err
	}

	patterns := cfg.Scenarios.Paths
	if len(args) > 0 {
		patterns = args
	}

	loader := scenario.NewLoader(patterns, scenario.LoaderOptions{
		ControlPrefix: cfg.Server.ControlPrefix,
		Importer:      openapi.NewImporter(),
		Logger:        logging.Nop(),
	})
	catalog, err := loader.Load()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d scenarios from %d files\n", catalog.Len(), len(catalog.Sources))
	for _, sc := range catalog.Scenarios {
		sum := sc.Summary()
		fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %-7s %s\n", sum.ID, sum.Method, sum.Path)
	}
	return nil
}
