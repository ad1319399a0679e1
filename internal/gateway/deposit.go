package gateway

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/custody"
)

// TokenVault is the custody side that pulls tokens from depositors.
type TokenVault interface {
	Deposit(ctx context.Context, from, asset common.Address, amount *uint256.Int) error
	Release(ctx context.Context, asset, to common.Address, amount *uint256.Int) error
}

// DepositHandler moves accepted value into custody.
type DepositHandler struct {
	tss     common.Address
	native  custody.Transferer
	vault   TokenVault
	support custody.SupportChecker
	logger  zerolog.Logger
}

// NewDepositHandler forwards native value to tss and tokens to vault.
func NewDepositHandler(tss common.Address, native custody.Transferer, vault TokenVault, support custody.SupportChecker, logger zerolog.Logger) *DepositHandler {
	return &DepositHandler{
		tss:     tss,
		native:  native,
		vault:   vault,
		support: support,
		logger:  logger.With().Str("component", "deposit").Logger(),
	}
}

// Accept moves amount of asset from `from` into custody.
func (d *DepositHandler) Accept(ctx context.Context, from, asset common.Address, amount *uint256.Int) error {
	amount = bridge.OrZero(amount)
	if bridge.IsNative(asset) {
		if d.tss == (common.Address{}) {
			return fmt.Errorf("%w: custody signer address not configured", bridge.ErrDepositFailed)
		}
		if err := d.native.Transfer(ctx, bridge.NativeAsset, from, d.tss, amount); err != nil {
			return fmt.Errorf("%w: forward to custody signer: %v", bridge.ErrDepositFailed, err)
		}
		d.logger.Debug().Str("from", from.Hex()).Str("amount", amount.Dec()).Msg("native forwarded")
		return nil
	}
	if d.support == nil || !d.support.IsSupported(asset) {
		return fmt.Errorf("%w: asset %s", bridge.ErrNotSupported, asset.Hex())
	}
	if d.vault == nil {
		return fmt.Errorf("%w: vault not configured", bridge.ErrDepositFailed)
	}
	if err := d.vault.Deposit(ctx, from, asset, amount); err != nil {
		return fmt.Errorf("%w: %w", bridge.ErrDepositFailed, err)
	}
	return nil
}

// refund returns a token deposit to its owner after a later leg failed.
func (d *DepositHandler) refund(ctx context.Context, to, asset common.Address, amount *uint256.Int) error {
	if bridge.IsNative(asset) || d.vault == nil {
		return fmt.Errorf("refund of %s not possible", asset.Hex())
	}
	return d.vault.Release(ctx, asset, to, amount)
}

// SupportsAsset reports the single support predicate.
func (d *DepositHandler) SupportsAsset(asset common.Address) bool {
	return d.support != nil && d.support.IsSupported(asset)
}
