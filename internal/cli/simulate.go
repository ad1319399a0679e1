package cli

import (
	"github.com/spf13/cobra"

	"universal-gateway/internal/app"
	"universal-gateway/internal/logging"
)

var simulateVerbose bool

var simulateCmd = &cobra.Command{
	Use:         "simulate",
	Short:       "Run the reference admission and settlement scenario in memory",
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		level := "error"
		if simulateVerbose {
			level = "debug"
		}
		if logLevel != "" {
			level = logLevel
		}
		logger := logging.NewLogger(logging.Config{Level: level, Format: "console", Output: "stderr"}, "simulate")
		steps, err := app.Simulate(cmd.Context(), logger)
		if err != nil {
			return err
		}
		return app.PrintSimulation(cmd.OutOrStdout(), steps)
	},
}

func init() {
	simulateCmd.Flags().BoolVarP(&simulateVerbose, "verbose", "v", false, "Log every component decision")
}
