package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"universal-gateway/internal/bridge"
)

var (
	ErrInsufficientBalance   = errors.New("custody: insufficient balance")
	ErrInsufficientAllowance = errors.New("custody: insufficient allowance")
	ErrNoCode                = errors.New("custody: call target has no handler")
	// ErrRollbackIncomplete means a failed call could not be fully undone and
	// value may have left the caller.
	ErrRollbackIncomplete = errors.New("custody: failed call left value moved")
)

// CallHandler simulates a contract. It runs with the book unlocked so it can
// pull tokens through TransferFrom. Changes it makes through book are undone
// if it returns an error.
type CallHandler func(ctx context.Context, book *Book, caller common.Address, value *uint256.Int, payload []byte) error

type allowanceKey struct {
	asset, owner, spender common.Address
}

type bookState struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	handlers   map[common.Address]CallHandler
	failing    map[common.Address]error
}

// undoLog records inverse operations for one call frame.
type undoLog struct {
	steps []func() error
}

// revertLocked runs the inverse operations newest first.
func (u *undoLog) revertLocked() error {
	var errs []error
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i](); err != nil {
			errs = append(errs, err)
		}
	}
	u.steps = nil
	return errors.Join(errs...)
}

// Book is an in-process asset ledger used for development runs and tests.
// Inside Call the handler sees a Book that shares state but journals every
// change.
type Book struct {
	*bookState
	undo *undoLog
}

func NewBook() *Book {
	return &Book{bookState: &bookState{
		balances:   make(map[common.Address]map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		handlers:   make(map[common.Address]CallHandler),
		failing:    make(map[common.Address]error),
	}}
}

func (b *Book) journal(step func() error) {
	if b.undo != nil {
		b.undo.steps = append(b.undo.steps, step)
	}
}

// Mint credits amount of asset to holder.
func (b *Book) Mint(asset, holder common.Address, amount *uint256.Int) {
	amount = new(uint256.Int).Set(bridge.OrZero(amount))
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balanceLocked(asset, holder)
	bal.Add(bal, amount)
	b.journal(func() error {
		bal := b.balanceLocked(asset, holder)
		if bal.Lt(amount) {
			return fmt.Errorf("unmint %s of %s from %s: only %s left", amount.Dec(), asset.Hex(), holder.Hex(), bal.Dec())
		}
		bal.Sub(bal, amount)
		return nil
	})
}

// Register installs a handler for calls to target.
func (b *Book) Register(target common.Address, h CallHandler) {
	b.mu.Lock()
	b.handlers[target] = h
	b.mu.Unlock()
}

// FailTransfersTo makes every transfer to holder fail with err; nil clears it.
func (b *Book) FailTransfersTo(holder common.Address, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failing, holder)
		return
	}
	b.failing[holder] = err
}

func (b *Book) balanceLocked(asset, holder common.Address) *uint256.Int {
	byHolder, ok := b.balances[asset]
	if !ok {
		byHolder = make(map[common.Address]*uint256.Int)
		b.balances[asset] = byHolder
	}
	bal, ok := byHolder[holder]
	if !ok {
		bal = new(uint256.Int)
		byHolder[holder] = bal
	}
	return bal
}

func (b *Book) moveLocked(asset, from, to common.Address, amount *uint256.Int) error {
	if err, ok := b.failing[to]; ok {
		return err
	}
	src := b.balanceLocked(asset, from)
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), src.Dec(), asset.Hex(), amount.Dec())
	}
	dst := b.balanceLocked(asset, to)
	src.Sub(src, amount)
	dst.Add(dst, amount)

	moved := new(uint256.Int).Set(amount)
	b.journal(func() error {
		dst := b.balanceLocked(asset, to)
		if dst.Lt(moved) {
			return fmt.Errorf("undo %s of %s from %s: only %s left", moved.Dec(), asset.Hex(), to.Hex(), dst.Dec())
		}
		src := b.balanceLocked(asset, from)
		dst.Sub(dst, moved)
		src.Add(src, moved)
		return nil
	})
	return nil
}

func (b *Book) setAllowanceLocked(key allowanceKey, amount *uint256.Int) {
	prev := new(uint256.Int).Set(bridge.OrZero(b.allowances[key]))
	b.allowances[key] = amount
	b.journal(func() error {
		b.allowances[key] = prev
		return nil
	})
}

func (b *Book) Transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moveLocked(asset, from, to, bridge.OrZero(amount))
}

// TransferFrom moves owner's tokens on behalf of spender, spending allowance.
func (b *Book) TransferFrom(ctx context.Context, asset, spender, owner, to common.Address, amount *uint256.Int) error {
	amount = bridge.OrZero(amount)
	b.mu.Lock()
	defer b.mu.Unlock()
	key := allowanceKey{asset, owner, spender}
	allowed := bridge.OrZero(b.allowances[key])
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s may spend %s, needs %s", ErrInsufficientAllowance, spender.Hex(), allowed.Dec(), amount.Dec())
	}
	if err := b.moveLocked(asset, owner, to, amount); err != nil {
		return err
	}
	b.setAllowanceLocked(key, new(uint256.Int).Sub(allowed, amount))
	return nil
}

func (b *Book) Approve(ctx context.Context, asset, owner, spender common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setAllowanceLocked(allowanceKey{asset, owner, spender}, new(uint256.Int).Set(bridge.OrZero(amount)))
	return nil
}

func (b *Book) Allowance(ctx context.Context, asset, owner, spender common.Address) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(uint256.Int).Set(bridge.OrZero(b.allowances[allowanceKey{asset, owner, spender}])), nil
}

func (b *Book) BalanceOf(ctx context.Context, asset, holder common.Address) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(uint256.Int).Set(b.balanceLocked(asset, holder)), nil
}

// Call forwards value to target and runs its handler. If the handler fails,
// the forwarded value and every change the handler made are undone; when that
// is impossible the error wraps ErrRollbackIncomplete.
func (b *Book) Call(ctx context.Context, caller, target common.Address, value *uint256.Int, payload []byte) error {
	value = bridge.OrZero(value)
	frame := &Book{bookState: b.bookState, undo: &undoLog{}}

	b.mu.Lock()
	h, ok := b.handlers[target]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoCode, target.Hex())
	}
	if !value.IsZero() {
		if err := frame.moveLocked(bridge.NativeAsset, caller, target, value); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.mu.Unlock()

	callErr := h(ctx, frame, caller, value, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if callErr != nil {
		if err := frame.undo.revertLocked(); err != nil {
			return fmt.Errorf("%w: %w (call to %s: %v)", ErrRollbackIncomplete, err, target.Hex(), callErr)
		}
		return callErr
	}
	// A nested call that succeeded is still undone if the outer one fails.
	if b.undo != nil {
		b.undo.steps = append(b.undo.steps, frame.undo.steps...)
	}
	return nil
}

var _ Ledger = (*Book)(nil)
