package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the gateway API and run the oracle monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Read the validated native/USD oracle price",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Price(cmd.Context(), cmd.OutOrStdout())
	},
}
