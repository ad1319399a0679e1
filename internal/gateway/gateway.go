// Package gateway admits inbound requests: it classifies them, runs the
// financial checks, moves value into custody and emits canonical events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/caps"
	"universal-gateway/internal/metrics"
)

// FastPath is the corridor and window-budget check for native value.
type FastPath interface {
	Admit(ctx context.Context, amount *uint256.Int) (caps.Admission, error)
}

// RateLimiter is the per-asset epoch budget.
type RateLimiter interface {
	Consume(asset common.Address, amount *uint256.Int) (*bridge.Reservation, error)
	IsSupported(asset common.Address) bool
}

// Options configures admission behaviour.
type Options struct {
	PayloadPolicy PayloadPolicy
}

// Receipt lists the events emitted for one admission, in emission order.
// Unemitted holds events for value that was accepted but could not be
// published; it is non-empty only alongside bridge.ErrEmitIncomplete.
type Receipt struct {
	TxType    bridge.TxType
	Events    []bridge.Event
	Unemitted []bridge.Event
}

// Gateway is the transaction classifier and router.
type Gateway struct {
	policy   PayloadPolicy
	fast     FastPath
	limiter  RateLimiter
	deposits *DepositHandler
	emitter  Emitter
	swapper  Swapper
	metrics  *metrics.GatewayMetrics
	logger   zerolog.Logger
	now      func() time.Time
}

// New wires a gateway. emitter may be nil, in which case events are only logged.
func New(opts Options, fast FastPath, limiter RateLimiter, deposits *DepositHandler, emitter Emitter, logger zerolog.Logger) *Gateway {
	logger = logger.With().Str("component", "gateway").Logger()
	if emitter == nil {
		emitter = NewLogEmitter(logger)
	}
	policy := opts.PayloadPolicy
	if policy == "" {
		policy = PayloadPermissive
	}
	return &Gateway{
		policy:   policy,
		fast:     fast,
		limiter:  limiter,
		deposits: deposits,
		emitter:  emitter,
		logger:   logger,
		now:      time.Now,
	}
}

// WithMetrics attaches a metric set.
func (g *Gateway) WithMetrics(m *metrics.GatewayMetrics) *Gateway {
	g.metrics = m
	return g
}

// WithSwapper enables AdmitGasWithToken.
func (g *Gateway) WithSwapper(s Swapper) *Gateway {
	g.swapper = s
	return g
}

// Policy returns the payload policy in force.
func (g *Gateway) Policy() PayloadPolicy { return g.policy }

// Admit validates req, applies the financial checks, deposits the value and
// emits one event per leg. A failure before value moves releases every
// counter the admission touched.
func (g *Gateway) Admit(ctx context.Context, req bridge.Request) (Receipt, error) {
	start := time.Now()
	receipt, err := g.admit(ctx, req)
	g.metrics.ObserveAdmission(receipt.TxType, err, time.Since(start))

	logEvt := g.logger.Info()
	if err != nil {
		logEvt = g.logger.Warn().Err(err)
	}
	logEvt.
		Str("tx_type", receipt.TxType.String()).
		Str("sender", req.Sender.Hex()).
		Str("asset", req.Asset.Hex()).
		Str("amount", bridge.OrZero(req.Amount).Dec()).
		Str("native_value", bridge.OrZero(req.NativeValue).Dec()).
		Int("events", len(receipt.Events)).
		Msg("admission")
	return receipt, err
}

func (g *Gateway) admit(ctx context.Context, req bridge.Request) (Receipt, error) {
	p, err := validate(req, g.policy)
	if err != nil {
		return Receipt{TxType: Classify(req)}, err
	}
	receipt := Receipt{TxType: p.txType}
	if err := ctx.Err(); err != nil {
		return receipt, err
	}

	var held bridge.Reservations
	fail := func(err error) (Receipt, error) {
		held.ReleaseAll()
		return receipt, err
	}

	var gasUSD *uint256.Int
	if !p.gas.IsZero() {
		adm, err := g.fast.Admit(ctx, p.gas)
		if err != nil {
			return fail(err)
		}
		held = append(held, adm.Reservation)
		gasUSD = adm.USD
	}
	if p.funds != nil {
		res, err := g.limiter.Consume(req.Asset, p.funds)
		if err != nil {
			return fail(err)
		}
		held = append(held, res)
	}

	if err := g.deposit(ctx, req, p); err != nil {
		return fail(err)
	}

	return g.emit(ctx, receipt, g.events(req, p, gasUSD))
}

// emit publishes every event even if an earlier one fails. Value has already
// moved, so the counters stay consumed.
func (g *Gateway) emit(ctx context.Context, receipt Receipt, events []bridge.Event) (Receipt, error) {
	var errs []error
	for _, ev := range events {
		if err := g.emitter.Emit(ctx, ev); err != nil {
			g.logger.Error().Err(err).Str("event_id", ev.ID).Msg("emit event after deposit")
			receipt.Unemitted = append(receipt.Unemitted, ev)
			errs = append(errs, fmt.Errorf("emit event %s: %w", ev.ID, err))
			continue
		}
		receipt.Events = append(receipt.Events, ev)
	}
	if len(errs) > 0 {
		return receipt, fmt.Errorf("%w: %w", bridge.ErrEmitIncomplete, errors.Join(errs...))
	}
	return receipt, nil
}

// deposit moves the token leg first so a failed native forward can still
// hand the tokens back.
func (g *Gateway) deposit(ctx context.Context, req bridge.Request, p plan) error {
	native := new(uint256.Int).Set(p.gas)
	tokenMoved := false
	if p.funds != nil {
		if bridge.IsNative(req.Asset) {
			native.Add(native, p.funds)
		} else {
			if err := g.deposits.Accept(ctx, req.Sender, req.Asset, p.funds); err != nil {
				return err
			}
			tokenMoved = true
		}
	}
	if native.IsZero() {
		return nil
	}
	if err := g.deposits.Accept(ctx, req.Sender, bridge.NativeAsset, native); err != nil {
		if tokenMoved {
			if rerr := g.deposits.refund(ctx, req.Sender, req.Asset, p.funds); rerr != nil {
				g.logger.Error().Err(rerr).Str("asset", req.Asset.Hex()).Msg("refund token leg")
			}
		}
		return err
	}
	return nil
}

func (g *Gateway) events(req bridge.Request, p plan, gasUSD *uint256.Int) []bridge.Event {
	base := func(t bridge.TxType) bridge.Event {
		return bridge.Event{
			ID:            uuid.NewString(),
			Sender:        req.Sender,
			Recipient:     req.Recipient,
			Revert:        req.Revert,
			TxType:        t,
			SignatureData: req.SignatureData,
			EmittedAt:     g.now().UTC(),
		}
	}

	switch p.txType {
	case bridge.TxTypeGas, bridge.TxTypeGasAndPayload:
		ev := base(p.txType)
		ev.Asset = bridge.NativeAsset
		ev.Amount = new(uint256.Int).Set(p.gas)
		ev.Payload = req.Payload
		ev.USDValue = gasUSD
		return []bridge.Event{ev}
	}

	var out []bridge.Event
	if p.batched() {
		gas := base(bridge.TxTypeGas)
		gas.Asset = bridge.NativeAsset
		gas.Amount = new(uint256.Int).Set(p.gas)
		gas.USDValue = gasUSD
		out = append(out, gas)
	}
	funds := base(p.txType)
	funds.Asset = req.Asset
	funds.Amount = new(uint256.Int).Set(p.funds)
	funds.Payload = req.Payload
	return append(out, funds)
}
