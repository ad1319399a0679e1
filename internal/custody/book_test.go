package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"universal-gateway/internal/bridge"
)

var (
	token = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	vault = common.HexToAddress("0x00000000000000000000000000000000000000fa")
)

type supportSet map[common.Address]bool

func (s supportSet) IsSupported(asset common.Address) bool { return s[asset] }

func TestBookTransferAndAllowance(t *testing.T) {
	ctx := context.Background()
	b := NewBook()
	b.Mint(token, alice, uint256.NewInt(100))

	require.NoError(t, b.Transfer(ctx, token, alice, bob, uint256.NewInt(40)))
	err := b.Transfer(ctx, token, alice, bob, uint256.NewInt(61))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, b.Approve(ctx, token, alice, bob, uint256.NewInt(10)))
	require.ErrorIs(t, b.TransferFrom(ctx, token, bob, alice, bob, uint256.NewInt(11)), ErrInsufficientAllowance)
	require.NoError(t, b.TransferFrom(ctx, token, bob, alice, bob, uint256.NewInt(10)))

	left, _ := b.Allowance(ctx, token, alice, bob)
	require.True(t, left.IsZero())
	bal, _ := b.BalanceOf(ctx, token, bob)
	require.Equal(t, uint64(50), bal.Uint64())
}

func TestBookCallRefundsValueOnFailure(t *testing.T) {
	ctx := context.Background()
	b := NewBook()
	b.Mint(bridge.NativeAsset, alice, uint256.NewInt(5))
	b.Register(bob, func(ctx context.Context, book *Book, caller common.Address, value *uint256.Int, payload []byte) error {
		if string(payload) == "fail" {
			return errors.New("revert")
		}
		return nil
	})

	require.Error(t, b.Call(ctx, alice, bob, uint256.NewInt(5), []byte("fail")))
	bal, _ := b.BalanceOf(ctx, bridge.NativeAsset, alice)
	require.Equal(t, uint64(5), bal.Uint64())

	require.NoError(t, b.Call(ctx, alice, bob, uint256.NewInt(5), []byte("ok")))
	bal, _ = b.BalanceOf(ctx, bridge.NativeAsset, bob)
	require.Equal(t, uint64(5), bal.Uint64())

	require.ErrorIs(t, b.Call(ctx, alice, vault, nil, nil), ErrNoCode)
}

func TestVaultAsksSupportChecker(t *testing.T) {
	ctx := context.Background()
	b := NewBook()
	b.Mint(token, alice, uint256.NewInt(100))
	support := supportSet{}
	v := NewVault(vault, b, support, zerolog.Nop())

	require.ErrorIs(t, v.Deposit(ctx, alice, token, uint256.NewInt(1)), bridge.ErrNotSupported)
	support[token] = true
	require.NoError(t, v.Deposit(ctx, alice, token, uint256.NewInt(60)))
	require.ErrorIs(t, v.Deposit(ctx, alice, bridge.NativeAsset, uint256.NewInt(1)), bridge.ErrInvalidInput)

	require.NoError(t, v.Release(ctx, token, bob, uint256.NewInt(20)))
	bal, _ := b.BalanceOf(ctx, token, vault)
	require.Equal(t, uint64(40), bal.Uint64())
}

func TestBookCallUndoesHandlerChanges(t *testing.T) {
	ctx := context.Background()
	b := NewBook()
	b.Mint(token, alice, uint256.NewInt(100))
	require.NoError(t, b.Approve(ctx, token, alice, bob, uint256.NewInt(60)))

	b.Register(bob, func(ctx context.Context, book *Book, caller common.Address, value *uint256.Int, payload []byte) error {
		if err := book.TransferFrom(ctx, token, bob, caller, bob, uint256.NewInt(60)); err != nil {
			return err
		}
		if err := book.Approve(ctx, token, bob, vault, uint256.NewInt(60)); err != nil {
			return err
		}
		// 嵌套调用成功，但外层失败时也要撤销
		if err := book.Call(ctx, bob, vault, nil, nil); err != nil {
			return err
		}
		return errors.New("revert")
	})
	b.Register(vault, func(ctx context.Context, book *Book, caller common.Address, value *uint256.Int, payload []byte) error {
		return book.TransferFrom(ctx, token, vault, caller, vault, uint256.NewInt(60))
	})

	err := b.Call(ctx, alice, bob, nil, nil)
	require.EqualError(t, err, "revert")

	for holder, want := range map[common.Address]uint64{alice: 100, bob: 0, vault: 0} {
		bal, _ := b.BalanceOf(ctx, token, holder)
		require.Equal(t, want, bal.Uint64(), holder.Hex())
	}
	left, _ := b.Allowance(ctx, token, alice, bob)
	require.Equal(t, uint64(60), left.Uint64())
	inner, _ := b.Allowance(ctx, token, bob, vault)
	require.True(t, inner.IsZero())
}

func TestBookCallReportsIncompleteRollback(t *testing.T) {
	ctx := context.Background()
	b := NewBook()
	b.Mint(bridge.NativeAsset, alice, uint256.NewInt(5))
	carol := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	b.Register(bob, func(ctx context.Context, book *Book, caller common.Address, value *uint256.Int, payload []byte) error {
		// Outside the call's journal.
		if err := b.Transfer(ctx, bridge.NativeAsset, bob, carol, value); err != nil {
			return err
		}
		return errors.New("revert")
	})

	err := b.Call(ctx, alice, bob, uint256.NewInt(5), nil)
	require.ErrorIs(t, err, ErrRollbackIncomplete)
	bal, _ := b.BalanceOf(ctx, bridge.NativeAsset, carol)
	require.Equal(t, uint64(5), bal.Uint64())
}
