// Package settlement executes authorized outbound instructions at most once
// per request id.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/custody"
	"universal-gateway/internal/metrics"
	"universal-gateway/internal/replay"
)

// Vault releases tokens held in custody and takes unspent ones back.
type Vault interface {
	Address() common.Address
	Release(ctx context.Context, asset, to common.Address, amount *uint256.Int) error
}

// Sink receives a record for every settlement that moved value.
type Sink interface {
	RecordSettlement(ctx context.Context, rec bridge.SettlementRecord) error
}

// Options configures an Executor.
type Options struct {
	// Address is the executor's own holding account: attached native value
	// arrives here and token executions are staged from here.
	Address common.Address
}

// Executor runs withdraw, revert and execute instructions.
type Executor struct {
	self    common.Address
	ledger  replay.Ledger
	assets  custody.Ledger
	vault   Vault
	sink    Sink
	metrics *metrics.GatewayMetrics
	logger  zerolog.Logger
	now     func() time.Time

	// staging serialises token executions, which share the self balance.
	staging sync.Mutex
}

func New(opts Options, ledger replay.Ledger, assets custody.Ledger, vault Vault, logger zerolog.Logger) *Executor {
	return &Executor{
		self:   opts.Address,
		ledger: ledger,
		assets: assets,
		vault:  vault,
		logger: logger.With().Str("component", "settlement").Logger(),
		now:    time.Now,
	}
}

// WithSink attaches a settlement record sink.
func (e *Executor) WithSink(s Sink) *Executor {
	e.sink = s
	return e
}

// WithMetrics attaches a metric set.
func (e *Executor) WithMetrics(m *metrics.GatewayMetrics) *Executor {
	e.metrics = m
	return e
}

// Withdraw releases Amount of Asset to Target.
func (e *Executor) Withdraw(ctx context.Context, in bridge.Instruction) (bridge.SettlementRecord, error) {
	in.Kind = bridge.SettlementWithdraw
	return e.Settle(ctx, in)
}

// Revert refunds Amount of Asset to the instruction's revert fund recipient.
func (e *Executor) Revert(ctx context.Context, in bridge.Instruction) (bridge.SettlementRecord, error) {
	in.Kind = bridge.SettlementRevert
	return e.Settle(ctx, in)
}

// Execute calls Target with Payload after granting it Amount of Asset.
func (e *Executor) Execute(ctx context.Context, in bridge.Instruction) (bridge.SettlementRecord, error) {
	in.Kind = bridge.SettlementExecute
	return e.Settle(ctx, in)
}

// Settle dispatches on in.Kind.
func (e *Executor) Settle(ctx context.Context, in bridge.Instruction) (bridge.SettlementRecord, error) {
	start := time.Now()
	rec, err := e.settle(ctx, in)
	e.metrics.ObserveSettlement(in.Kind, err, time.Since(start))

	logEvt := e.logger.Info()
	if err != nil {
		logEvt = e.logger.Warn().Err(err)
	}
	logEvt.
		Str("request_id", in.RequestID.Hex()).
		Str("kind", string(in.Kind)).
		Str("asset", in.Asset.Hex()).
		Str("target", rec.Target.Hex()).
		Str("amount", bridge.OrZero(in.Amount).Dec()).
		Msg("settlement")
	return rec, err
}

func (e *Executor) settle(ctx context.Context, in bridge.Instruction) (bridge.SettlementRecord, error) {
	if in.RequestID == (common.Hash{}) {
		return bridge.SettlementRecord{}, fmt.Errorf("%w: request id is required", bridge.ErrInvalidInput)
	}
	done, err := e.ledger.Executed(ctx, in.RequestID)
	if err != nil {
		return bridge.SettlementRecord{}, err
	}
	if done {
		return bridge.SettlementRecord{}, fmt.Errorf("%w: %s", bridge.ErrAlreadyExecuted, in.RequestID.Hex())
	}

	target, err := validate(in)
	if err != nil {
		return bridge.SettlementRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return bridge.SettlementRecord{}, err
	}

	rec := bridge.SettlementRecord{
		RequestID:    in.RequestID,
		Kind:         in.Kind,
		OriginCaller: in.OriginCaller,
		Asset:        in.Asset,
		Target:       target,
		Amount:       new(uint256.Int).Set(in.Amount),
		ExecutedAt:   e.now().UTC(),
	}
	res, err := e.ledger.Reserve(ctx, rec)
	if err != nil {
		return bridge.SettlementRecord{}, err
	}

	// Value movement runs to completion regardless of ctx.
	work := context.WithoutCancel(ctx)
	var (
		moveErr error
		leaked  bool
	)
	switch in.Kind {
	case bridge.SettlementWithdraw, bridge.SettlementRevert:
		moveErr = e.transfer(work, in.Asset, target, in.Amount)
	case bridge.SettlementExecute:
		leaked, moveErr = e.execute(work, in)
	}
	if moveErr != nil {
		// The id is freed only when nothing left custody.
		if leaked {
			e.logger.Error().Err(moveErr).Str("request_id", in.RequestID.Hex()).Msg("failed settlement moved value; request id stays burned")
			if err := res.Commit(work); err != nil {
				e.logger.Error().Err(err).Str("request_id", in.RequestID.Hex()).Msg("commit replay reservation")
			}
		} else if rbErr := res.Rollback(work); rbErr != nil {
			e.logger.Error().Err(rbErr).Str("request_id", in.RequestID.Hex()).Msg("rollback replay reservation")
		}
		return bridge.SettlementRecord{}, fmt.Errorf("%w: %w", bridge.ErrExecutionFailed, moveErr)
	}
	if err := res.Commit(work); err != nil {
		e.logger.Error().Err(err).Str("request_id", in.RequestID.Hex()).Msg("commit replay reservation")
	}
	if e.sink != nil {
		if err := e.sink.RecordSettlement(work, rec); err != nil {
			e.logger.Error().Err(err).Str("request_id", in.RequestID.Hex()).Msg("record settlement")
		}
	}
	return rec, nil
}

// validate returns the address that receives value.
func validate(in bridge.Instruction) (common.Address, error) {
	amount := bridge.OrZero(in.Amount)
	attached := bridge.OrZero(in.AttachedValue)

	target := in.Target
	switch in.Kind {
	case bridge.SettlementWithdraw, bridge.SettlementExecute:
	case bridge.SettlementRevert:
		target = in.Revert.FundRecipient
		if in.Target != (common.Address{}) && in.Target != target {
			return common.Address{}, fmt.Errorf("%w: target %s differs from revert recipient %s",
				bridge.ErrInvalidRecipient, in.Target.Hex(), target.Hex())
		}
	default:
		return common.Address{}, fmt.Errorf("%w: unknown settlement kind %q", bridge.ErrInvalidInput, in.Kind)
	}
	if target == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: settlement target is required", bridge.ErrInvalidRecipient)
	}
	if amount.IsZero() {
		return common.Address{}, fmt.Errorf("%w: settlement amount is zero", bridge.ErrInvalidAmount)
	}
	if bridge.IsNative(in.Asset) {
		if !attached.Eq(amount) {
			return common.Address{}, fmt.Errorf("%w: attached value %s must equal amount %s",
				bridge.ErrInvalidAmount, attached.Dec(), amount.Dec())
		}
	} else if in.Kind != bridge.SettlementExecute && !attached.IsZero() {
		return common.Address{}, fmt.Errorf("%w: token settlement must not attach native value", bridge.ErrInvalidAmount)
	}
	return target, nil
}

func (e *Executor) transfer(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	if bridge.IsNative(asset) {
		return e.assets.Transfer(ctx, bridge.NativeAsset, e.self, to, amount)
	}
	return e.vault.Release(ctx, asset, to, amount)
}

// execute reports leaked when the call failed but value may have left custody.
func (e *Executor) execute(ctx context.Context, in bridge.Instruction) (leaked bool, err error) {
	if bridge.IsNative(in.Asset) {
		err := e.assets.Call(ctx, e.self, in.Target, in.Amount, in.Payload)
		return errors.Is(err, custody.ErrRollbackIncomplete), err
	}

	e.staging.Lock()
	defer e.staging.Unlock()

	if err := e.vault.Release(ctx, in.Asset, e.self, in.Amount); err != nil {
		return false, err
	}
	unstage := func() bool {
		if err := e.assets.Transfer(ctx, in.Asset, e.self, e.vault.Address(), in.Amount); err != nil {
			e.logger.Error().Err(err).Str("request_id", in.RequestID.Hex()).Msg("return staged tokens to vault")
			return false
		}
		return true
	}
	zero := new(uint256.Int)
	if err := e.assets.Approve(ctx, in.Asset, e.self, in.Target, zero); err != nil {
		return !unstage(), err
	}
	if err := e.assets.Approve(ctx, in.Asset, e.self, in.Target, in.Amount); err != nil {
		return !unstage(), err
	}
	if err := e.assets.Call(ctx, e.self, in.Target, in.AttachedValue, in.Payload); err != nil {
		if rerr := e.assets.Approve(ctx, in.Asset, e.self, in.Target, zero); rerr != nil {
			e.logger.Error().Err(rerr).Str("request_id", in.RequestID.Hex()).Msg("reset approval after failed execute")
		}
		returned := unstage()
		return !returned || errors.Is(err, custody.ErrRollbackIncomplete), err
	}

	// From here on the call has succeeded and the id stays burned.
	if err := e.assets.Approve(ctx, in.Asset, e.self, in.Target, zero); err != nil {
		e.logger.Error().Err(err).Str("request_id", in.RequestID.Hex()).Msg("reset approval after execute")
	}
	left, err := e.assets.BalanceOf(ctx, in.Asset, e.self)
	if err != nil {
		e.logger.Error().Err(err).Str("request_id", in.RequestID.Hex()).Msg("read unspent balance")
		return false, nil
	}
	if !left.IsZero() {
		if err := e.assets.Transfer(ctx, in.Asset, e.self, e.vault.Address(), left); err != nil {
			e.logger.Error().Err(err).Str("request_id", in.RequestID.Hex()).Msg("sweep unspent balance to vault")
		}
	}
	return false, nil
}
