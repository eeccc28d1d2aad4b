package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/volley/internal/performance/config"
	"github.com/wesleyorama2/volley/internal/performance/engine"
)

func newValidateCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Check a configuration file without running it",
		Long: `Load a configuration file, validate it and compile its checks and thresholds.
Every problem found is reported. No requests are sent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return &ExitError{Code: ExitFailure, Err: fmt.Errorf("error loading config: %w", err)}
			}

			eng, err := engine.NewEngine(cfg, engine.WithLogger(state.log()))
			if err != nil {
				return &ExitError{Code: ExitFailure, Err: err}
			}

			out := cmd.OutOrStdout()
			thresholds := 0
			for _, list := range cfg.Thresholds {
				thresholds += len(list)
			}
			fmt.Fprintf(out, "✓ %s is valid\n", args[0])
			fmt.Fprintf(out, "  name:       %s\n", cfg.Name)
			fmt.Fprintf(out, "  scenarios:  %d\n", len(eng.ScenarioNames()))
			all := eng.GetScenarioStats()
			for _, name := range eng.ScenarioNames() {
				stats := all[name]
				fmt.Fprintf(out, "    %s: %d stages, %s, up to %d VUs\n",
					name, stats.TotalStages, stats.TotalDuration, stats.MaxVUs)
			}
			fmt.Fprintf(out, "  thresholds: %d\n", thresholds)
			return nil
		},
	}
}
