package cli

import (
	"github.com/spf13/cobra"

	"universal-gateway/internal/app"
)

var settleOpts app.SettleOptions

var settleCmd = &cobra.Command{
	Use:       "settle withdraw|revert|execute",
	Short:     "Verify and execute one outbound settlement instruction",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"withdraw", "revert", "execute"},
	RunE: func(cmd *cobra.Command, args []string) error {
		settleOpts.Kind = args[0]
		return getApp().Settle(cmd.Context(), settleOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := settleCmd.Flags()
	f.StringVar(&settleOpts.RequestID, "id", "", "Unique request id (32-byte hex)")
	f.StringVar(&settleOpts.OriginCaller, "origin", "", "Originating caller on the source chain")
	f.StringVar(&settleOpts.Asset, "asset", "native", "Asset: native or a token address")
	f.StringVar(&settleOpts.Target, "target", "", "Recipient, or call target for execute")
	f.StringVar(&settleOpts.Amount, "amount", "", "Amount in base units")
	f.StringVar(&settleOpts.AttachedValue, "value", "", "Native value supplied with the instruction")
	f.StringVar(&settleOpts.Payload, "payload", "", "Hex call data for execute")
	f.StringVar(&settleOpts.RevertRecipient, "revert-to", "", "Fund recipient for revert")
	f.StringVar(&settleOpts.Signature, "signature", "", "65-byte hex signature from the custody signer")
	f.StringVar(&settleOpts.SignKey, "sign-key", "", "Hex private key to sign locally (development only)")
	_ = settleCmd.MarkFlagRequired("id")
	_ = settleCmd.MarkFlagRequired("amount")
}
