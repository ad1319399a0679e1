package custody

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Transferer moves value between holders. The native asset is
// bridge.NativeAsset.
type Transferer interface {
	Transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error
}

// Ledger is the full asset surface the settlement executor drives.
type Ledger interface {
	Transferer
	Approve(ctx context.Context, asset, owner, spender common.Address, amount *uint256.Int) error
	Allowance(ctx context.Context, asset, owner, spender common.Address) (*uint256.Int, error)
	BalanceOf(ctx context.Context, asset, holder common.Address) (*uint256.Int, error)
	// Call invokes target on behalf of caller, forwarding value of the native asset.
	Call(ctx context.Context, caller, target common.Address, value *uint256.Int, payload []byte) error
}

// SupportChecker is the single source of truth for which tokens custody accepts.
type SupportChecker interface {
	IsSupported(asset common.Address) bool
}
