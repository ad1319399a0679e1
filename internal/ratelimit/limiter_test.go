package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/kv"
)

var (
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	other = common.HexToAddress("0x0000000000000000000000000000000000000bad")
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(t *testing.T, store kv.Store) (*Limiter, *testClock) {
	t.Helper()
	l, err := New(Options{
		EpochDuration: time.Hour,
		Thresholds: map[common.Address]*uint256.Int{
			usdc:               uint256.NewInt(1_000),
			bridge.NativeAsset: uint256.NewInt(50),
		},
	}, store, zerolog.Nop())
	require.NoError(t, err)
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	l.SetClock(clock.now)
	return l, clock
}

func TestConsumeWithinEpoch(t *testing.T) {
	l, _ := newLimiter(t, nil)

	_, err := l.Consume(usdc, uint256.NewInt(600))
	require.NoError(t, err)
	_, err = l.Consume(usdc, uint256.NewInt(400))
	require.NoError(t, err, "reaching the threshold exactly is allowed")
	_, err = l.Consume(usdc, uint256.NewInt(1))
	require.ErrorIs(t, err, bridge.ErrRateLimitExceeded)

	usage, err := l.Peek(usdc)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), usage.Used.Uint64())
	require.True(t, usage.Remaining.IsZero())

	// Native budget is tracked separately.
	_, err = l.Consume(bridge.NativeAsset, uint256.NewInt(50))
	require.NoError(t, err)
}

func TestEpochRollover(t *testing.T) {
	l, clock := newLimiter(t, nil)

	_, err := l.Consume(usdc, uint256.NewInt(1_000))
	require.NoError(t, err)
	before, err := l.Peek(usdc)
	require.NoError(t, err)

	clock.advance(time.Hour)
	after, err := l.Peek(usdc)
	require.NoError(t, err)
	require.Equal(t, before.Epoch+1, after.Epoch)
	require.True(t, after.Used.IsZero(), "peek applies the rollover")

	_, err = l.Consume(usdc, uint256.NewInt(1_000))
	require.NoError(t, err)
}

func TestZeroThresholdIsUnsupported(t *testing.T) {
	l, _ := newLimiter(t, nil)
	require.False(t, l.IsSupported(other))

	for _, amount := range []uint64{0, 1, 1 << 40} {
		_, err := l.Consume(other, uint256.NewInt(amount))
		require.ErrorIs(t, err, bridge.ErrNotSupported)
	}

	require.NoError(t, l.SetThreshold(usdc, new(uint256.Int)))
	require.False(t, l.IsSupported(usdc))
	_, err := l.Consume(usdc, new(uint256.Int))
	require.ErrorIs(t, err, bridge.ErrNotSupported)
}

func TestZeroEpochDurationFailsClosed(t *testing.T) {
	l, _ := newLimiter(t, nil)
	l.SetEpochDuration(0)

	_, err := l.Consume(usdc, uint256.NewInt(1))
	require.ErrorIs(t, err, bridge.ErrStaleEpochConfig)
	_, err = l.Peek(usdc)
	require.ErrorIs(t, err, bridge.ErrStaleEpochConfig)

	// Unsupported takes precedence.
	_, err = l.Consume(other, uint256.NewInt(1))
	require.ErrorIs(t, err, bridge.ErrNotSupported)
}

func TestThresholdMustFitIn192Bits(t *testing.T) {
	l, _ := newLimiter(t, nil)
	tooBig := new(uint256.Int).AddUint64(bridge.MaxU192(), 1)
	require.ErrorIs(t, l.SetThreshold(usdc, tooBig), bridge.ErrInvalidAmount)
	require.NoError(t, l.SetThreshold(usdc, bridge.MaxU192()))
	require.True(t, l.Threshold(usdc).Eq(bridge.MaxU192()))

	_, err := New(Options{Thresholds: map[common.Address]*uint256.Int{usdc: tooBig}}, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestHugeAmountDoesNotWrap(t *testing.T) {
	l, _ := newLimiter(t, nil)
	require.NoError(t, l.SetThreshold(usdc, bridge.MaxU192()))
	_, err := l.Consume(usdc, uint256.NewInt(1))
	require.NoError(t, err)
	_, err = l.Consume(usdc, new(uint256.Int).SetAllOne())
	require.ErrorIs(t, err, bridge.ErrRateLimitExceeded)
}

func TestReservationReleaseRestoresBudget(t *testing.T) {
	l, clock := newLimiter(t, nil)

	res, err := l.Consume(usdc, uint256.NewInt(700))
	require.NoError(t, err)
	res.Release()
	res.Release()
	usage, err := l.Peek(usdc)
	require.NoError(t, err)
	require.True(t, usage.Used.IsZero())

	res, err = l.Consume(usdc, uint256.NewInt(700))
	require.NoError(t, err)
	clock.advance(2 * time.Hour)
	_, err = l.Consume(usdc, uint256.NewInt(100))
	require.NoError(t, err)
	res.Release()
	usage, err = l.Peek(usdc)
	require.NoError(t, err)
	require.Equal(t, uint64(100), usage.Used.Uint64(), "stale reservation must not touch the new epoch")
}

func TestUsagePersistsAcrossRestart(t *testing.T) {
	store, err := kv.OpenLevelInMemory()
	require.NoError(t, err)
	defer store.Close()

	l, clock := newLimiter(t, store)
	_, err = l.Consume(usdc, uint256.NewInt(900))
	require.NoError(t, err)

	restarted, _ := newLimiter(t, store)
	restarted.SetClock(clock.now)
	_, err = restarted.Consume(usdc, uint256.NewInt(200))
	require.ErrorIs(t, err, bridge.ErrRateLimitExceeded)
	_, err = restarted.Consume(usdc, uint256.NewInt(100))
	require.NoError(t, err)
}

func TestThresholdsSnapshot(t *testing.T) {
	l, _ := newLimiter(t, nil)
	snap := l.Thresholds()
	require.Len(t, snap, 2)
	snap[usdc].SetUint64(1)
	require.Equal(t, uint64(1000), l.Threshold(usdc).Uint64())
	require.Equal(t, time.Hour, l.EpochDuration())
}

func TestConcurrentConsumeNeverExceedsThreshold(t *testing.T) {
	l, _ := newLimiter(t, kv.NewMemStore())
	const workers = 25

	var ok, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(usdc, uint256.NewInt(100))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, bridge.ErrRateLimitExceeded):
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), ok.Load(), "1000 threshold admits exactly ten 100-unit deposits")
	require.Equal(t, int32(workers-10), limited.Load())
	usage, err := l.Peek(usdc)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), usage.Used.Uint64())
}
