package caps

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/kv"
	"universal-gateway/internal/oracle"
)

var windowStateKey = []byte("caps/window")

// Config holds the USD limits, all scaled to 18 decimals. A zero
// BlockBudgetUSD disables the per-window budget.
type Config struct {
	MinUSD         *uint256.Int
	MaxUSD         *uint256.Int
	BlockBudgetUSD *uint256.Int
	// MonotonicWindow resets the budget only for a newer window key and
	// charges an older key to the current window. Off, any change of key
	// resets it.
	MonotonicWindow bool
}

func (c Config) clone() Config {
	return Config{
		MinUSD:          new(uint256.Int).Set(bridge.OrZero(c.MinUSD)),
		MaxUSD:          new(uint256.Int).Set(bridge.OrZero(c.MaxUSD)),
		BlockBudgetUSD:  new(uint256.Int).Set(bridge.OrZero(c.BlockBudgetUSD)),
		MonotonicWindow: c.MonotonicWindow,
	}
}

// Validate rejects an inverted corridor.
func (c Config) Validate() error {
	if bridge.OrZero(c.MinUSD).Gt(bridge.OrZero(c.MaxUSD)) {
		return fmt.Errorf("%w: min usd %s exceeds max usd %s", bridge.ErrInvalidInput,
			bridge.FormatUSD(c.MinUSD), bridge.FormatUSD(c.MaxUSD))
	}
	return nil
}

// WindowState is a snapshot of the shared budget counter.
type WindowState struct {
	Key         uint64
	ConsumedUSD *uint256.Int
	BudgetUSD   *uint256.Int
}

// Admission is the result of a successful fast-path check.
type Admission struct {
	Quote       oracle.PriceQuote
	USD         *uint256.Int
	WindowKey   uint64
	Reservation *bridge.Reservation
}

type windowRecord struct {
	Key      uint64
	Consumed *big.Int
}

// Enforcer applies the per-request USD corridor and the per-window USD budget.
type Enforcer struct {
	prices oracle.PriceReader
	window WindowSource
	store  kv.Store
	logger zerolog.Logger

	mu       sync.Mutex
	cfg      Config
	key      uint64
	consumed *uint256.Int
}

// New builds an enforcer. store may be nil, in which case the window counter
// lives only in memory.
func New(cfg Config, prices oracle.PriceReader, window WindowSource, store kv.Store, logger zerolog.Logger) (*Enforcer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Enforcer{
		prices:   prices,
		window:   window,
		store:    store,
		logger:   logger.With().Str("component", "caps").Logger(),
		cfg:      cfg.clone(),
		consumed: new(uint256.Int),
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Enforcer) load() error {
	if e.store == nil {
		return nil
	}
	raw, err := e.store.Get(windowStateKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("caps: load window: %w", err)
	}
	var rec windowRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return fmt.Errorf("caps: decode window: %w", err)
	}
	consumed, overflow := uint256.FromBig(rec.Consumed)
	if overflow {
		return fmt.Errorf("caps: stored window consumption overflows")
	}
	e.key = rec.Key
	e.consumed = consumed
	return nil
}

// persist must be called with e.mu held.
func (e *Enforcer) persist() error {
	if e.store == nil {
		return nil
	}
	raw, err := rlp.EncodeToBytes(windowRecord{Key: e.key, Consumed: e.consumed.ToBig()})
	if err != nil {
		return fmt.Errorf("caps: encode window: %w", err)
	}
	if err := e.store.Put(windowStateKey, raw); err != nil {
		return fmt.Errorf("caps: persist window: %w", err)
	}
	return nil
}

// USDValue converts a native amount to USD using a 512-bit intermediate.
func USDValue(amount, price *uint256.Int) (*uint256.Int, error) {
	usd, overflow := new(uint256.Int).MulDivOverflow(bridge.OrZero(amount), bridge.OrZero(price), bridge.One18)
	if overflow {
		return nil, fmt.Errorf("%w: usd value overflows", bridge.ErrInvalidAmount)
	}
	return usd, nil
}

// CheckCorridor values amount at price and checks it against [MinUSD, MaxUSD].
func (e *Enforcer) CheckCorridor(amount, price *uint256.Int) (*uint256.Int, error) {
	usd, err := USDValue(amount, price)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	lo, hi := e.cfg.MinUSD, e.cfg.MaxUSD
	e.mu.Unlock()

	if usd.Lt(lo) {
		return nil, fmt.Errorf("%w: %s usd below %s", bridge.ErrBelowMinCap, bridge.FormatUSD(usd), bridge.FormatUSD(lo))
	}
	if usd.Gt(hi) {
		return nil, fmt.Errorf("%w: %s usd above %s", bridge.ErrAboveMaxCap, bridge.FormatUSD(usd), bridge.FormatUSD(hi))
	}
	return usd, nil
}

// ConsumeWindowBudget charges amount (valued at price) against the budget of
// window key. A key different from the stored one resets the counter, unless
// MonotonicWindow is set and the key is older.
func (e *Enforcer) ConsumeWindowBudget(key uint64, amount, price *uint256.Int) (*bridge.Reservation, error) {
	usd, err := USDValue(amount, price)
	if err != nil {
		return nil, err
	}
	return e.consume(key, usd)
}

func (e *Enforcer) consume(key uint64, usd *uint256.Int) (*bridge.Reservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	budget := e.cfg.BlockBudgetUSD
	if budget.IsZero() {
		return nil, nil
	}

	prevKey, prevConsumed := e.key, e.consumed
	if key > e.key || (key != e.key && !e.cfg.MonotonicWindow) {
		e.key = key
		e.consumed = new(uint256.Int)
	}

	next, overflow := new(uint256.Int).AddOverflow(e.consumed, usd)
	if overflow || usd.Gt(budget) || next.Gt(budget) {
		e.key, e.consumed = prevKey, prevConsumed
		return nil, fmt.Errorf("%w: window %d consumed %s + %s exceeds %s", bridge.ErrBudgetExceeded,
			e.key, bridge.FormatUSD(e.consumed), bridge.FormatUSD(usd), bridge.FormatUSD(budget))
	}
	e.consumed = next
	if err := e.persist(); err != nil {
		e.key, e.consumed = prevKey, prevConsumed
		return nil, err
	}

	charged := e.key
	amount := new(uint256.Int).Set(usd)
	return bridge.NewReservation(func() { e.release(charged, amount) }), nil
}

func (e *Enforcer) release(key uint64, usd *uint256.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key != key {
		return
	}
	if e.consumed.Lt(usd) {
		e.consumed = new(uint256.Int)
	} else {
		e.consumed = new(uint256.Int).Sub(e.consumed, usd)
	}
	if err := e.persist(); err != nil {
		e.logger.Error().Err(err).Uint64("window", key).Msg("persist released window budget")
	}
}

// Admit runs the full fast-path check for a native amount: window key and
// price are each read once before any counter changes.
func (e *Enforcer) Admit(ctx context.Context, amount *uint256.Int) (Admission, error) {
	if e.window == nil || e.prices == nil {
		return Admission{}, fmt.Errorf("caps: enforcer not wired")
	}
	key, err := e.window.WindowKey(ctx)
	if err != nil {
		return Admission{}, err
	}
	quote, err := e.prices.ReadPrice(ctx)
	if err != nil {
		return Admission{}, err
	}
	if err := ctx.Err(); err != nil {
		return Admission{}, err
	}
	usd, err := e.CheckCorridor(amount, quote.PriceUSD)
	if err != nil {
		return Admission{}, err
	}
	res, err := e.consume(key, usd)
	if err != nil {
		return Admission{}, err
	}
	e.logger.Debug().
		Str("amount", bridge.OrZero(amount).Dec()).
		Str("usd", bridge.FormatUSD(usd)).
		Uint64("window", key).
		Msg("fast path admitted")
	return Admission{Quote: quote, USD: usd, WindowKey: key, Reservation: res}, nil
}

// SetCorridor replaces the USD corridor.
func (e *Enforcer) SetCorridor(minUSD, maxUSD *uint256.Int) error {
	next := Config{MinUSD: minUSD, MaxUSD: maxUSD}
	if err := next.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg.MinUSD = new(uint256.Int).Set(bridge.OrZero(minUSD))
	e.cfg.MaxUSD = new(uint256.Int).Set(bridge.OrZero(maxUSD))
	e.mu.Unlock()
	e.logger.Info().Str("min_usd", bridge.FormatUSD(minUSD)).Str("max_usd", bridge.FormatUSD(maxUSD)).Msg("corridor updated")
	return nil
}

// SetBlockBudget replaces the per-window budget. Zero disables it.
func (e *Enforcer) SetBlockBudget(budget *uint256.Int) {
	e.mu.Lock()
	e.cfg.BlockBudgetUSD = new(uint256.Int).Set(bridge.OrZero(budget))
	e.mu.Unlock()
	e.logger.Info().Str("budget_usd", bridge.FormatUSD(budget)).Msg("window budget updated")
}

// Config returns a copy of the current limits.
func (e *Enforcer) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.clone()
}

// Window returns a copy of the budget counter.
func (e *Enforcer) Window() WindowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return WindowState{
		Key:         e.key,
		ConsumedUSD: new(uint256.Int).Set(e.consumed),
		BudgetUSD:   new(uint256.Int).Set(e.cfg.BlockBudgetUSD),
	}
}
