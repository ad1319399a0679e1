package cli

import (
	"github.com/spf13/cobra"

	"universal-gateway/internal/app"
)

var admitOpts app.AdmitOptions

var admitCmd = &cobra.Command{
	Use:   "admit",
	Short: "Run one inbound request through classification, limits and deposit",
	Long: `Admit builds the configured gateway in-process, seeds the custody book from
gateway.genesis and admits a single request. Amounts are base-10 integers in
the asset's smallest unit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Admit(cmd.Context(), admitOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := admitCmd.Flags()
	f.StringVar(&admitOpts.Type, "type", "", "Declared tx type (GAS, GAS_AND_PAYLOAD, FUNDS, FUNDS_AND_PAYLOAD); inferred when empty")
	f.StringVar(&admitOpts.Sender, "sender", "", "Sender address")
	f.StringVar(&admitOpts.Recipient, "recipient", "", "Recipient on the destination chain")
	f.StringVar(&admitOpts.Asset, "asset", "native", "Funds asset: native or a token address")
	f.StringVar(&admitOpts.Amount, "amount", "", "Funds amount in base units")
	f.StringVar(&admitOpts.NativeValue, "value", "", "Native value attached, in wei")
	f.StringVar(&admitOpts.Payload, "payload", "", "Hex payload for the destination call")
	f.StringVar(&admitOpts.RevertRecipient, "revert-to", "", "Refund recipient if the destination fails")
	_ = admitCmd.MarkFlagRequired("sender")
	_ = admitCmd.MarkFlagRequired("revert-to")
}
