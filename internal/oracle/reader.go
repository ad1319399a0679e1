// Package oracle reads the native/USD price from an upstream aggregator and
// validates it before any admission decision uses it.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
)

// Options tune the reader's liveness guards. Zero StalePeriod disables the
// staleness check.
type Options struct {
	StalePeriod          time.Duration
	SequencerGracePeriod time.Duration
}

// Reader validates and normalises aggregator answers. It caches nothing: every
// ReadPrice hits the feed.
type Reader struct {
	price     Feed
	sequencer Feed
	logger    zerolog.Logger

	mu   sync.RWMutex
	opts Options
	now  func() time.Time
}

// NewReader wires a price feed and an optional sequencer-uptime feed.
func NewReader(price, sequencer Feed, opts Options, logger zerolog.Logger) *Reader {
	return &Reader{
		price:     price,
		sequencer: sequencer,
		opts:      opts,
		now:       time.Now,
		logger:    logger.With().Str("component", "oracle_reader").Logger(),
	}
}

// SetClock overrides the time source.
func (r *Reader) SetClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	r.mu.Lock()
	r.now = clock
	r.mu.Unlock()
}

// SetStalePeriod updates the maximum accepted answer age.
func (r *Reader) SetStalePeriod(d time.Duration) {
	r.mu.Lock()
	r.opts.StalePeriod = d
	r.mu.Unlock()
}

// SetSequencerGracePeriod updates the post-recovery grace window.
func (r *Reader) SetSequencerGracePeriod(d time.Duration) {
	r.mu.Lock()
	r.opts.SequencerGracePeriod = d
	r.mu.Unlock()
}

// Settings returns the current guard configuration.
func (r *Reader) Settings() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts
}

// ReadPrice returns the current price scaled to 1e18 USD, or fails with
// ErrStaleData, ErrInvalidData or ErrUpstreamDown.
func (r *Reader) ReadPrice(ctx context.Context) (PriceQuote, error) {
	if r.price == nil {
		return PriceQuote{}, fmt.Errorf("%w: price feed not configured", bridge.ErrInvalidData)
	}

	r.mu.RLock()
	opts := r.opts
	now := r.now().UTC()
	r.mu.RUnlock()

	if r.sequencer != nil {
		if err := r.checkSequencer(ctx, now, opts.SequencerGracePeriod); err != nil {
			return PriceQuote{}, err
		}
	}

	round, err := r.price.LatestRoundData(ctx)
	if err != nil {
		return PriceQuote{}, fmt.Errorf("%w: read price feed: %w", bridge.ErrInvalidData, err)
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return PriceQuote{}, fmt.Errorf("%w: non-positive answer", bridge.ErrInvalidData)
	}
	if round.UpdatedAt == 0 {
		return PriceQuote{}, fmt.Errorf("%w: round not updated", bridge.ErrInvalidData)
	}
	if round.RoundID != nil && round.AnsweredInRound != nil && round.AnsweredInRound.Cmp(round.RoundID) < 0 {
		return PriceQuote{}, fmt.Errorf("%w: answered in round %s before round %s", bridge.ErrInvalidData, round.AnsweredInRound, round.RoundID)
	}

	observed := time.Unix(int64(round.UpdatedAt), 0).UTC()
	if opts.StalePeriod > 0 && now.Sub(observed) > opts.StalePeriod {
		return PriceQuote{}, fmt.Errorf("%w: updated %s ago, limit %s", bridge.ErrStaleData, now.Sub(observed).Truncate(time.Second), opts.StalePeriod)
	}

	decimals, err := r.price.Decimals(ctx)
	if err != nil {
		return PriceQuote{}, fmt.Errorf("%w: read feed decimals: %w", bridge.ErrInvalidData, err)
	}

	scaled, err := ScalePrice(round.Answer, decimals)
	if err != nil {
		return PriceQuote{}, err
	}

	r.logger.Debug().
		Str("price_usd", bridge.FormatUSD(scaled)).
		Uint8("source_decimals", decimals).
		Time("observed_at", observed).
		Msg("price read")

	return PriceQuote{
		PriceUSD:       scaled,
		SourceDecimals: decimals,
		ObservedAt:     observed,
		RoundID:        round.RoundID,
	}, nil
}

func (r *Reader) checkSequencer(ctx context.Context, now time.Time, grace time.Duration) error {
	status, err := r.sequencer.LatestRoundData(ctx)
	if err != nil {
		return fmt.Errorf("%w: read sequencer feed: %w", bridge.ErrUpstreamDown, err)
	}
	// Uptime feeds answer 0 while up and 1 while down.
	if status.Answer == nil || status.Answer.Sign() != 0 {
		return fmt.Errorf("%w: sequencer reports down", bridge.ErrUpstreamDown)
	}
	if status.StartedAt == 0 {
		return fmt.Errorf("%w: sequencer status round not started", bridge.ErrUpstreamDown)
	}
	since := now.Sub(time.Unix(int64(status.StartedAt), 0))
	if since <= grace {
		return fmt.Errorf("%w: sequencer recovered %s ago, grace period %s", bridge.ErrUpstreamDown, since.Truncate(time.Second), grace)
	}
	return nil
}

// ScalePrice rescales a raw aggregator answer with the given decimals to the
// fixed 1e18 USD scale.
func ScalePrice(raw *big.Int, decimals uint8) (*uint256.Int, error) {
	if raw == nil || raw.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive answer", bridge.ErrInvalidData)
	}
	if decimals > bridge.USDDecimals {
		return nil, fmt.Errorf("%w: feed decimals %d exceed %d", bridge.ErrInvalidData, decimals, bridge.USDDecimals)
	}
	value, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("%w: answer overflows u256", bridge.ErrInvalidData)
	}
	factor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(bridge.USDDecimals-decimals)))
	scaled, overflow := new(uint256.Int).MulOverflow(value, factor)
	if overflow {
		return nil, fmt.Errorf("%w: scaled answer overflows u256", bridge.ErrInvalidData)
	}
	return scaled, nil
}

var _ PriceReader = (*Reader)(nil)
