// Package venue converts tokens into the native asset for token-paid gas.
package venue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/custody"
)

// Quote is the native output a venue offers for a token amount.
type Quote struct {
	AmountOut *uint256.Int
	Quality   string
	Raw       json.RawMessage
}

// Quoter prices token to native conversions.
type Quoter interface {
	Quote(ctx context.Context, token common.Address, amountIn *uint256.Int) (Quote, error)
}

// PoolSwapper settles quoted swaps against a liquidity account on a custody
// ledger: tokens move from the trader to the pool, native value back.
type PoolSwapper struct {
	pool   common.Address
	quoter Quoter
	ledger custody.Transferer
	logger zerolog.Logger
}

func NewPoolSwapper(pool common.Address, quoter Quoter, ledger custody.Transferer, logger zerolog.Logger) *PoolSwapper {
	return &PoolSwapper{
		pool:   pool,
		quoter: quoter,
		ledger: ledger,
		logger: logger.With().Str("component", "swapper").Logger(),
	}
}

// SwapToNative swaps amountIn of token held by from. Nothing moves when the
// quote is below minOut.
func (s *PoolSwapper) SwapToNative(ctx context.Context, from, token common.Address, amountIn, minOut *uint256.Int) (*uint256.Int, error) {
	quote, err := s.quoter.Quote(ctx, token, amountIn)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	if quote.AmountOut.Lt(bridge.OrZero(minOut)) {
		return nil, fmt.Errorf("%w: quote %s below %s", bridge.ErrSlippageExceeded, quote.AmountOut.Dec(), bridge.OrZero(minOut).Dec())
	}
	if err := s.ledger.Transfer(ctx, token, from, s.pool, amountIn); err != nil {
		return nil, fmt.Errorf("pay pool: %w", err)
	}
	if err := s.ledger.Transfer(ctx, bridge.NativeAsset, s.pool, from, quote.AmountOut); err != nil {
		if refundErr := s.ledger.Transfer(ctx, token, s.pool, from, amountIn); refundErr != nil {
			s.logger.Error().Err(refundErr).Str("token", token.Hex()).Msg("refund swap input")
		}
		return nil, fmt.Errorf("pay out native: %w", err)
	}
	s.logger.Info().Str("token", token.Hex()).Str("amount_in", amountIn.Dec()).Str("native_out", quote.AmountOut.Dec()).Str("quality", quote.Quality).Msg("swap settled")
	return new(uint256.Int).Set(quote.AmountOut), nil
}

// FixedRate quotes at a constant native-per-token rate scaled by 1e18.
type FixedRate struct {
	Rate *uint256.Int
}

func (f FixedRate) Quote(ctx context.Context, token common.Address, amountIn *uint256.Int) (Quote, error) {
	out, overflow := new(uint256.Int).MulDivOverflow(bridge.OrZero(amountIn), bridge.OrZero(f.Rate), bridge.One18)
	if overflow {
		return Quote{}, fmt.Errorf("fixed rate quote overflows")
	}
	return Quote{AmountOut: out, Quality: "fixed"}, nil
}

var (
	_ Quoter = FixedRate{}
)
