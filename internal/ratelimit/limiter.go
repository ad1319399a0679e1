package ratelimit

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/kv"
)

const usagePrefix = "ratelimit/usage/"

// Options configures a Limiter. Thresholds are keyed by asset; the zero
// address is the native asset. A missing or zero threshold means unsupported.
type Options struct {
	EpochDuration time.Duration
	Thresholds    map[common.Address]*uint256.Int
}

// Usage is the consumption of one asset in the current epoch.
type Usage struct {
	Asset     common.Address
	Epoch     uint64
	Used      *uint256.Int
	Threshold *uint256.Int
	Remaining *uint256.Int
}

type usageRecord struct {
	Epoch uint64
	Used  *big.Int
}

type counter struct {
	epoch uint64
	used  *uint256.Int
}

// Limiter caps how much of each asset may be admitted per epoch.
type Limiter struct {
	store  kv.Store
	logger zerolog.Logger

	mu         sync.Mutex
	duration   time.Duration
	thresholds map[common.Address]*uint256.Int
	usage      map[common.Address]*counter
	now        func() time.Time
}

// New builds a limiter. store may be nil for an in-memory limiter.
func New(opts Options, store kv.Store, logger zerolog.Logger) (*Limiter, error) {
	l := &Limiter{
		store:      store,
		logger:     logger.With().Str("component", "ratelimit").Logger(),
		duration:   opts.EpochDuration,
		thresholds: make(map[common.Address]*uint256.Int, len(opts.Thresholds)),
		usage:      make(map[common.Address]*counter),
		now:        time.Now,
	}
	for asset, threshold := range opts.Thresholds {
		if err := checkThreshold(threshold); err != nil {
			return nil, fmt.Errorf("threshold for %s: %w", asset.Hex(), err)
		}
		l.thresholds[asset] = new(uint256.Int).Set(bridge.OrZero(threshold))
	}
	return l, nil
}

// SetClock overrides the time source. Intended for tests.
func (l *Limiter) SetClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	l.mu.Lock()
	l.now = clock
	l.mu.Unlock()
}

func checkThreshold(t *uint256.Int) error {
	if bridge.OrZero(t).Gt(bridge.MaxU192()) {
		return fmt.Errorf("%w: threshold exceeds 192 bits", bridge.ErrInvalidAmount)
	}
	return nil
}

func usageKey(asset common.Address) []byte {
	return append([]byte(usagePrefix), asset.Bytes()...)
}

// counterFor must be called with l.mu held.
func (l *Limiter) counterFor(asset common.Address) (*counter, error) {
	if c, ok := l.usage[asset]; ok {
		return c, nil
	}
	c := &counter{used: new(uint256.Int)}
	if l.store != nil {
		raw, err := l.store.Get(usageKey(asset))
		switch {
		case errors.Is(err, kv.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("ratelimit: load usage: %w", err)
		default:
			var rec usageRecord
			if err := rlp.DecodeBytes(raw, &rec); err != nil {
				return nil, fmt.Errorf("ratelimit: decode usage: %w", err)
			}
			used, overflow := uint256.FromBig(rec.Used)
			if overflow {
				return nil, fmt.Errorf("ratelimit: stored usage overflows")
			}
			c.epoch, c.used = rec.Epoch, used
		}
	}
	l.usage[asset] = c
	return c, nil
}

func (l *Limiter) save(asset common.Address, c counter) error {
	if l.store == nil {
		return nil
	}
	raw, err := rlp.EncodeToBytes(usageRecord{Epoch: c.epoch, Used: c.used.ToBig()})
	if err != nil {
		return fmt.Errorf("ratelimit: encode usage: %w", err)
	}
	if err := l.store.Put(usageKey(asset), raw); err != nil {
		return fmt.Errorf("ratelimit: persist usage: %w", err)
	}
	return nil
}

// epoch must be called with l.mu held.
func (l *Limiter) epoch() (uint64, error) {
	if l.duration <= 0 {
		return 0, fmt.Errorf("%w: epoch duration is zero", bridge.ErrStaleEpochConfig)
	}
	return uint64(l.now().UnixNano() / int64(l.duration)), nil
}

func (l *Limiter) threshold(asset common.Address) *uint256.Int {
	if t, ok := l.thresholds[asset]; ok {
		return t
	}
	return new(uint256.Int)
}

// Consume charges amount against asset's epoch budget. The returned
// reservation gives the amount back if the admission fails later on.
func (l *Limiter) Consume(asset common.Address, amount *uint256.Int) (*bridge.Reservation, error) {
	amount = bridge.OrZero(amount)

	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.threshold(asset)
	if threshold.IsZero() {
		return nil, fmt.Errorf("%w: asset %s", bridge.ErrNotSupported, asset.Hex())
	}
	epoch, err := l.epoch()
	if err != nil {
		return nil, err
	}
	c, err := l.counterFor(asset)
	if err != nil {
		return nil, err
	}

	used := c.used
	if c.epoch != epoch {
		used = new(uint256.Int)
	}
	next, overflow := new(uint256.Int).AddOverflow(used, amount)
	if overflow || next.Gt(threshold) {
		return nil, fmt.Errorf("%w: asset %s used %s + %s exceeds %s", bridge.ErrRateLimitExceeded,
			asset.Hex(), used.Dec(), amount.Dec(), threshold.Dec())
	}
	if err := l.save(asset, counter{epoch: epoch, used: next}); err != nil {
		return nil, err
	}
	c.epoch, c.used = epoch, next

	charged := new(uint256.Int).Set(amount)
	return bridge.NewReservation(func() { l.release(asset, epoch, charged) }), nil
}

func (l *Limiter) release(asset common.Address, epoch uint64, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.usage[asset]
	if !ok || c.epoch != epoch {
		return
	}
	if c.used.Lt(amount) {
		c.used = new(uint256.Int)
	} else {
		c.used = new(uint256.Int).Sub(c.used, amount)
	}
	if err := l.save(asset, *c); err != nil {
		l.logger.Error().Err(err).Str("asset", asset.Hex()).Msg("persist released usage")
	}
}

// Peek reports current usage with the same epoch rollover as Consume,
// without mutating anything.
func (l *Limiter) Peek(asset common.Address) (Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.threshold(asset)
	out := Usage{Asset: asset, Threshold: new(uint256.Int).Set(threshold)}
	if threshold.IsZero() {
		return out, fmt.Errorf("%w: asset %s", bridge.ErrNotSupported, asset.Hex())
	}
	epoch, err := l.epoch()
	if err != nil {
		return out, err
	}
	c, err := l.counterFor(asset)
	if err != nil {
		return out, err
	}
	out.Epoch = epoch
	out.Used = new(uint256.Int)
	if c.epoch == epoch {
		out.Used.Set(c.used)
	}
	out.Remaining = new(uint256.Int)
	if threshold.Gt(out.Used) {
		out.Remaining.Sub(threshold, out.Used)
	}
	return out, nil
}

// IsSupported reports whether asset has a non-zero threshold.
func (l *Limiter) IsSupported(asset common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.threshold(asset).IsZero()
}

// Threshold returns asset's per-epoch limit; zero when unsupported.
func (l *Limiter) Threshold(asset common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.threshold(asset))
}

// Thresholds returns a copy of every configured threshold.
func (l *Limiter) Thresholds() map[common.Address]*uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[common.Address]*uint256.Int, len(l.thresholds))
	for asset, t := range l.thresholds {
		out[asset] = new(uint256.Int).Set(t)
	}
	return out
}

// SetThreshold sets asset's limit. Zero withdraws support.
func (l *Limiter) SetThreshold(asset common.Address, threshold *uint256.Int) error {
	if err := checkThreshold(threshold); err != nil {
		return err
	}
	l.mu.Lock()
	if bridge.OrZero(threshold).IsZero() {
		delete(l.thresholds, asset)
	} else {
		l.thresholds[asset] = new(uint256.Int).Set(threshold)
	}
	l.mu.Unlock()
	l.logger.Info().Str("asset", asset.Hex()).Str("threshold", bridge.OrZero(threshold).Dec()).Msg("threshold updated")
	return nil
}

// SetEpochDuration changes the epoch length. Zero makes every Consume fail.
func (l *Limiter) SetEpochDuration(d time.Duration) {
	l.mu.Lock()
	l.duration = d
	l.mu.Unlock()
	l.logger.Info().Dur("epoch_duration", d).Msg("epoch duration updated")
}

// EpochDuration returns the current epoch length.
func (l *Limiter) EpochDuration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.duration
}
