package custody

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
)

// Vault holds non-native assets. It never keeps its own allow-list; every
// deposit asks the SupportChecker.
type Vault struct {
	address common.Address
	ledger  Transferer
	support SupportChecker
	logger  zerolog.Logger
}

func NewVault(address common.Address, ledger Transferer, support SupportChecker, logger zerolog.Logger) *Vault {
	return &Vault{
		address: address,
		ledger:  ledger,
		support: support,
		logger:  logger.With().Str("component", "vault").Logger(),
	}
}

func (v *Vault) Address() common.Address { return v.address }

// Deposit pulls amount of asset from `from` into the vault.
func (v *Vault) Deposit(ctx context.Context, from, asset common.Address, amount *uint256.Int) error {
	if bridge.IsNative(asset) {
		return fmt.Errorf("%w: vault holds tokens only", bridge.ErrInvalidInput)
	}
	if v.support == nil || !v.support.IsSupported(asset) {
		return fmt.Errorf("%w: vault rejects %s", bridge.ErrNotSupported, asset.Hex())
	}
	if err := v.ledger.Transfer(ctx, asset, from, v.address, amount); err != nil {
		return fmt.Errorf("vault deposit %s: %w", asset.Hex(), err)
	}
	v.logger.Debug().Str("asset", asset.Hex()).Str("from", from.Hex()).Str("amount", bridge.OrZero(amount).Dec()).Msg("deposit")
	return nil
}

// Release sends amount of asset from the vault to `to`.
func (v *Vault) Release(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	if err := v.ledger.Transfer(ctx, asset, v.address, to, amount); err != nil {
		return fmt.Errorf("vault release %s: %w", asset.Hex(), err)
	}
	return nil
}
