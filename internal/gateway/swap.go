package gateway

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"universal-gateway/internal/bridge"
)

// Swapper converts a token amount held by `from` into native value credited
// back to `from`, failing with bridge.ErrSlippageExceeded below minOut.
type Swapper interface {
	SwapToNative(ctx context.Context, from, token common.Address, amountIn, minOut *uint256.Int) (*uint256.Int, error)
}

// TokenGasRequest pays for gas with a token instead of native value.
type TokenGasRequest struct {
	Sender        common.Address
	Recipient     common.Address
	Token         common.Address
	AmountIn      *uint256.Int
	MinNativeOut  *uint256.Int
	Payload       []byte
	Revert        bridge.RevertInstruction
	SignatureData []byte
}

// AdmitGasWithToken swaps the token into native value and then runs the
// regular gas path with the proceeds. If admission fails after the swap the
// native proceeds remain with the sender.
func (g *Gateway) AdmitGasWithToken(ctx context.Context, req TokenGasRequest) (Receipt, error) {
	if g.swapper == nil {
		return Receipt{}, fmt.Errorf("%w: no swap venue configured", bridge.ErrNotSupported)
	}
	if bridge.IsNative(req.Token) {
		return Receipt{}, fmt.Errorf("%w: token gas requires a non-native token", bridge.ErrInvalidInput)
	}
	if bridge.OrZero(req.AmountIn).IsZero() {
		return Receipt{}, fmt.Errorf("%w: amount in is zero", bridge.ErrInvalidAmount)
	}
	if bridge.OrZero(req.MinNativeOut).IsZero() {
		return Receipt{}, fmt.Errorf("%w: min native out is zero", bridge.ErrInvalidAmount)
	}
	if req.Revert.FundRecipient == (common.Address{}) {
		return Receipt{}, fmt.Errorf("%w: revert fund recipient is required", bridge.ErrInvalidRecipient)
	}

	out, err := g.swapper.SwapToNative(ctx, req.Sender, req.Token, req.AmountIn, req.MinNativeOut)
	if err != nil {
		return Receipt{}, fmt.Errorf("swap %s: %w", req.Token.Hex(), err)
	}
	if out.Lt(req.MinNativeOut) {
		return Receipt{}, fmt.Errorf("%w: got %s, want at least %s", bridge.ErrSlippageExceeded, out.Dec(), req.MinNativeOut.Dec())
	}
	g.logger.Debug().Str("token", req.Token.Hex()).Str("amount_in", req.AmountIn.Dec()).Str("native_out", out.Dec()).Msg("token swapped for gas")

	txType := bridge.TxTypeGas
	if len(req.Payload) > 0 {
		txType = bridge.TxTypeGasAndPayload
	}
	return g.Admit(ctx, bridge.Request{
		Type:          txType,
		Sender:        req.Sender,
		Recipient:     req.Recipient,
		Asset:         bridge.NativeAsset,
		Amount:        new(uint256.Int),
		NativeValue:   out,
		Payload:       req.Payload,
		Revert:        req.Revert,
		SignatureData: req.SignatureData,
	})
}
