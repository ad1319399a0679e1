package caps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/kv"
	"universal-gateway/internal/oracle"
)

type fixedPrice struct {
	price *uint256.Int
	err   error
	reads int
}

func (f *fixedPrice) ReadPrice(ctx context.Context) (oracle.PriceQuote, error) {
	f.reads++
	if f.err != nil {
		return oracle.PriceQuote{}, f.err
	}
	return oracle.PriceQuote{PriceUSD: f.price, SourceDecimals: 8}, nil
}

type fixedWindow struct{ key uint64 }

func (f *fixedWindow) WindowKey(ctx context.Context) (uint64, error) { return f.key, nil }

func usd(t *testing.T, raw string) *uint256.Int {
	t.Helper()
	v, err := bridge.ParseUSD(raw)
	require.NoError(t, err)
	return v
}

func wei(t *testing.T, eth string) *uint256.Int {
	t.Helper()
	// ParseUSD shares the 18-decimal scale with wei.
	return usd(t, eth)
}

func newEnforcer(t *testing.T, cfg Config, price *fixedPrice, window WindowSource, store kv.Store) *Enforcer {
	t.Helper()
	e, err := New(cfg, price, window, store, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestScenarioCorridorAndBudget(t *testing.T) {
	price := &fixedPrice{price: usd(t, "2000")}
	window := &fixedWindow{key: 100}
	e := newEnforcer(t, Config{
		MinUSD:         usd(t, "1"),
		MaxUSD:         usd(t, "10"),
		BlockBudgetUSD: usd(t, "10"),
	}, price, window, nil)

	_, err := e.Admit(context.Background(), wei(t, "0.0004"))
	require.ErrorIs(t, err, bridge.ErrBelowMinCap)
	require.True(t, e.Window().ConsumedUSD.IsZero(), "rejected admission must not consume budget")

	first, err := e.Admit(context.Background(), wei(t, "0.003"))
	require.NoError(t, err)
	require.Equal(t, "6", bridge.FormatUSD(first.USD))
	require.Equal(t, uint64(100), first.WindowKey)

	_, err = e.Admit(context.Background(), wei(t, "0.003"))
	require.ErrorIs(t, err, bridge.ErrBudgetExceeded)
	require.Equal(t, "6", bridge.FormatUSD(e.Window().ConsumedUSD))

	window.key = 101
	_, err = e.Admit(context.Background(), wei(t, "0.003"))
	require.NoError(t, err, "new window resets the budget")
}

func TestCorridorBoundsAreInclusive(t *testing.T) {
	e := newEnforcer(t, Config{MinUSD: usd(t, "1"), MaxUSD: usd(t, "10")}, nil, nil, nil)
	price := usd(t, "1")

	cases := []struct {
		amount string
		want   error
	}{
		{"0.999999999999999999", bridge.ErrBelowMinCap},
		{"1", nil},
		{"5.5", nil},
		{"10", nil},
		{"10.000000000000000001", bridge.ErrAboveMaxCap},
	}
	for _, tc := range cases {
		got, err := e.CheckCorridor(usd(t, tc.amount), price)
		if tc.want == nil {
			require.NoError(t, err, tc.amount)
			require.True(t, got.Eq(usd(t, tc.amount)))
			continue
		}
		require.ErrorIs(t, err, tc.want, tc.amount)
	}
}

func TestCorridorUsesWideIntermediate(t *testing.T) {
	e := newEnforcer(t, Config{MinUSD: new(uint256.Int), MaxUSD: new(uint256.Int).SetAllOne()}, nil, nil, nil)
	// amount * price overflows 256 bits but the quotient fits.
	amount := new(uint256.Int).Lsh(uint256.NewInt(1), 150)
	price := new(uint256.Int).Lsh(uint256.NewInt(1), 120)
	got, err := e.CheckCorridor(amount, price)
	require.NoError(t, err)
	want, _ := new(uint256.Int).MulDivOverflow(amount, price, bridge.One18)
	require.True(t, got.Eq(want))
}

func TestBudgetZeroDisablesWindow(t *testing.T) {
	e := newEnforcer(t, Config{MinUSD: new(uint256.Int), MaxUSD: usd(t, "1000000")}, nil, nil, nil)
	for i := 0; i < 5; i++ {
		res, err := e.ConsumeWindowBudget(1, usd(t, "999999"), bridge.One18)
		require.NoError(t, err)
		res.Release()
	}
	require.True(t, e.Window().ConsumedUSD.IsZero())
}

func TestWindowResetsOnAnyKeyChange(t *testing.T) {
	e := newEnforcer(t, Config{MinUSD: new(uint256.Int), MaxUSD: usd(t, "100"), BlockBudgetUSD: usd(t, "10")}, nil, nil, nil)

	_, err := e.ConsumeWindowBudget(5, usd(t, "8"), bridge.One18)
	require.NoError(t, err)

	// 旧的 key 也算作新窗口
	_, err = e.ConsumeWindowBudget(4, usd(t, "8"), bridge.One18)
	require.NoError(t, err)
	w := e.Window()
	require.Equal(t, uint64(4), w.Key)
	require.Equal(t, "8", bridge.FormatUSD(w.ConsumedUSD))

	_, err = e.ConsumeWindowBudget(4, usd(t, "4"), bridge.One18)
	require.ErrorIs(t, err, bridge.ErrBudgetExceeded)
}

func TestMonotonicWindowOnlyMovesForward(t *testing.T) {
	e := newEnforcer(t, Config{MinUSD: new(uint256.Int), MaxUSD: usd(t, "100"), BlockBudgetUSD: usd(t, "10"), MonotonicWindow: true}, nil, nil, nil)

	_, err := e.ConsumeWindowBudget(5, usd(t, "4"), bridge.One18)
	require.NoError(t, err)

	// A stale key is charged to the current window.
	_, err = e.ConsumeWindowBudget(4, usd(t, "4"), bridge.One18)
	require.NoError(t, err)
	w := e.Window()
	require.Equal(t, uint64(5), w.Key)
	require.Equal(t, "8", bridge.FormatUSD(w.ConsumedUSD))

	// Same key twice does not reset.
	_, err = e.ConsumeWindowBudget(5, usd(t, "4"), bridge.One18)
	require.ErrorIs(t, err, bridge.ErrBudgetExceeded)

	_, err = e.ConsumeWindowBudget(6, usd(t, "4"), bridge.One18)
	require.NoError(t, err)
	w = e.Window()
	require.Equal(t, uint64(6), w.Key)
	require.Equal(t, "4", bridge.FormatUSD(w.ConsumedUSD))
	require.True(t, e.Config().MonotonicWindow)
}

func TestSingleAdmissionLargerThanBudget(t *testing.T) {
	e := newEnforcer(t, Config{MinUSD: new(uint256.Int), MaxUSD: usd(t, "100"), BlockBudgetUSD: usd(t, "10")}, nil, nil, nil)
	_, err := e.ConsumeWindowBudget(1, usd(t, "11"), bridge.One18)
	require.ErrorIs(t, err, bridge.ErrBudgetExceeded)
	require.Equal(t, uint64(0), e.Window().Key, "failed consume must not adopt the new key")
}

func TestReservationRelease(t *testing.T) {
	e := newEnforcer(t, Config{MinUSD: new(uint256.Int), MaxUSD: usd(t, "100"), BlockBudgetUSD: usd(t, "10")}, nil, nil, nil)

	res, err := e.ConsumeWindowBudget(1, usd(t, "7"), bridge.One18)
	require.NoError(t, err)
	res.Release()
	res.Release()
	require.True(t, e.Window().ConsumedUSD.IsZero())

	// Releasing after the window moved on leaves the new window alone.
	res, err = e.ConsumeWindowBudget(1, usd(t, "7"), bridge.One18)
	require.NoError(t, err)
	_, err = e.ConsumeWindowBudget(2, usd(t, "3"), bridge.One18)
	require.NoError(t, err)
	res.Release()
	require.Equal(t, "3", bridge.FormatUSD(e.Window().ConsumedUSD))
}

func TestAdmitReadsOracleBeforeCounters(t *testing.T) {
	price := &fixedPrice{err: fmt.Errorf("%w: round too old", bridge.ErrStaleData)}
	e := newEnforcer(t, Config{MinUSD: new(uint256.Int), MaxUSD: usd(t, "100"), BlockBudgetUSD: usd(t, "10")},
		price, &fixedWindow{key: 9}, nil)

	_, err := e.Admit(context.Background(), wei(t, "1"))
	require.ErrorIs(t, err, bridge.ErrStaleData)
	require.Equal(t, 1, price.reads)
	w := e.Window()
	require.Equal(t, uint64(0), w.Key)
	require.True(t, w.ConsumedUSD.IsZero())
}

func TestSetCorridorRejectsInverted(t *testing.T) {
	e := newEnforcer(t, Config{MinUSD: usd(t, "1"), MaxUSD: usd(t, "10")}, nil, nil, nil)
	require.ErrorIs(t, e.SetCorridor(usd(t, "11"), usd(t, "10")), bridge.ErrInvalidInput)
	require.NoError(t, e.SetCorridor(usd(t, "2"), usd(t, "2")))
	cfg := e.Config()
	require.Equal(t, "2", bridge.FormatUSD(cfg.MinUSD))
	require.Equal(t, "2", bridge.FormatUSD(cfg.MaxUSD))

	_, err := New(Config{MinUSD: usd(t, "5"), MaxUSD: usd(t, "1")}, nil, nil, nil, zerolog.Nop())
	require.ErrorIs(t, err, bridge.ErrInvalidInput)
}

func TestWindowStatePersists(t *testing.T) {
	store := kv.NewMemStore()
	cfg := Config{MinUSD: new(uint256.Int), MaxUSD: usd(t, "100"), BlockBudgetUSD: usd(t, "10")}

	e := newEnforcer(t, cfg, nil, nil, store)
	_, err := e.ConsumeWindowBudget(42, usd(t, "6.25"), bridge.One18)
	require.NoError(t, err)

	restarted := newEnforcer(t, cfg, nil, nil, store)
	w := restarted.Window()
	require.Equal(t, uint64(42), w.Key)
	require.Equal(t, "6.25", bridge.FormatUSD(w.ConsumedUSD))

	_, err = restarted.ConsumeWindowBudget(42, usd(t, "4"), bridge.One18)
	require.ErrorIs(t, err, bridge.ErrBudgetExceeded)
}

type blockClient struct{ n uint64 }

func (b blockClient) BlockNumber(ctx context.Context) (uint64, error) { return b.n, nil }

func TestWindowSources(t *testing.T) {
	key, err := ChainWindow{Client: blockClient{n: 19_000_000}}.WindowKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(19_000_000), key)

	_, err = ChainWindow{}.WindowKey(context.Background())
	require.Error(t, err)

	now := time.Unix(120, 0)
	clock := ClockWindow{Duration: 12 * time.Second, Now: func() time.Time { return now }}
	key, err = clock.WindowKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(10), key)

	_, err = ClockWindow{}.WindowKey(context.Background())
	require.Error(t, err)
}

func TestConcurrentConsumeNeverOverspends(t *testing.T) {
	e := newEnforcer(t, Config{
		MinUSD:         usd(t, "1"),
		MaxUSD:         usd(t, "10"),
		BlockBudgetUSD: usd(t, "10"),
	}, &fixedPrice{price: usd(t, "2000")}, &fixedWindow{key: 7}, kv.NewMemStore())

	price := usd(t, "2000")
	share := wei(t, "0.0005") // $1
	const workers = 32

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ConsumeWindowBudget(7, share, price)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, bridge.ErrBudgetExceeded):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), ok.Load(), "$10 budget fits exactly ten $1 shares")
	require.Equal(t, int32(workers-10), rejected.Load())
	require.Equal(t, "10", bridge.FormatUSD(e.Window().ConsumedUSD))
}
