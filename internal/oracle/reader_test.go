package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
)

type fakeFeed struct {
	round    Round
	decimals uint8
	err      error
}

func (f *fakeFeed) LatestRoundData(ctx context.Context) (Round, error) {
	return f.round, f.err
}

func (f *fakeFeed) Decimals(ctx context.Context) (uint8, error) {
	return f.decimals, nil
}

var testNow = time.Unix(1_700_000_000, 0).UTC()

func freshRound(answer int64) Round {
	return Round{
		RoundID:         big.NewInt(10),
		Answer:          big.NewInt(answer),
		StartedAt:       uint64(testNow.Unix() - 30),
		UpdatedAt:       uint64(testNow.Unix() - 30),
		AnsweredInRound: big.NewInt(10),
	}
}

func newTestReader(price, sequencer Feed, opts Options) *Reader {
	r := NewReader(price, sequencer, opts, zerolog.Nop())
	r.SetClock(func() time.Time { return testNow })
	return r
}

func TestReadPriceScalesToEighteenDecimals(t *testing.T) {
	feed := &fakeFeed{round: freshRound(2000_00000000), decimals: 8}
	r := newTestReader(feed, nil, Options{StalePeriod: time.Hour})

	quote, err := r.ReadPrice(context.Background())
	if err != nil {
		t.Fatalf("ReadPrice: %v", err)
	}
	want, _ := bridge.ParseUSD("2000")
	if !quote.PriceUSD.Eq(want) {
		t.Fatalf("price = %s, want %s", quote.PriceUSD.Dec(), want.Dec())
	}
	if quote.SourceDecimals != 8 {
		t.Fatalf("decimals = %d", quote.SourceDecimals)
	}
	if !quote.ObservedAt.Equal(testNow.Add(-30 * time.Second)) {
		t.Fatalf("observed_at = %s", quote.ObservedAt)
	}
}

func TestReadPriceFailures(t *testing.T) {
	cases := []struct {
		name  string
		round Round
		dec   uint8
		opts  Options
		want  error
	}{
		{"zero answer", func() Round { r := freshRound(0); return r }(), 8, Options{}, bridge.ErrInvalidData},
		{"negative answer", freshRound(-5), 8, Options{}, bridge.ErrInvalidData},
		{"not updated", func() Round { r := freshRound(1); r.UpdatedAt = 0; return r }(), 8, Options{}, bridge.ErrInvalidData},
		{"incomplete round", func() Round { r := freshRound(1); r.AnsweredInRound = big.NewInt(9); return r }(), 8, Options{}, bridge.ErrInvalidData},
		{"stale", freshRound(1), 8, Options{StalePeriod: 10 * time.Second}, bridge.ErrStaleData},
		{"too many decimals", freshRound(1), 19, Options{}, bridge.ErrInvalidData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestReader(&fakeFeed{round: tc.round, decimals: tc.dec}, nil, tc.opts)
			if _, err := r.ReadPrice(context.Background()); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestReadPriceZeroStalePeriodDisablesCheck(t *testing.T) {
	round := freshRound(100)
	round.UpdatedAt = 1
	r := newTestReader(&fakeFeed{round: round, decimals: 2}, nil, Options{})
	if _, err := r.ReadPrice(context.Background()); err != nil {
		t.Fatalf("stale check should be disabled: %v", err)
	}
}

func TestReadPriceFeedError(t *testing.T) {
	r := newTestReader(&fakeFeed{err: errors.New("rpc down")}, nil, Options{})
	_, err := r.ReadPrice(context.Background())
	if !errors.Is(err, bridge.ErrInvalidData) {
		t.Fatalf("want ErrInvalidData, got %v", err)
	}
	if !bridge.IsOracleUnavailable(err) {
		t.Fatal("feed error should classify as oracle unavailable")
	}
}

func TestSequencerGuards(t *testing.T) {
	price := &fakeFeed{round: freshRound(2000_00000000), decimals: 8}

	down := &fakeFeed{round: Round{Answer: big.NewInt(1), StartedAt: uint64(testNow.Unix() - 7200)}}
	r := newTestReader(price, down, Options{SequencerGracePeriod: time.Hour})
	if _, err := r.ReadPrice(context.Background()); !errors.Is(err, bridge.ErrUpstreamDown) {
		t.Fatalf("down sequencer: want ErrUpstreamDown, got %v", err)
	}

	recovering := &fakeFeed{round: Round{Answer: big.NewInt(0), StartedAt: uint64(testNow.Unix() - 600)}}
	r = newTestReader(price, recovering, Options{SequencerGracePeriod: time.Hour})
	if _, err := r.ReadPrice(context.Background()); !errors.Is(err, bridge.ErrUpstreamDown) {
		t.Fatalf("grace period: want ErrUpstreamDown, got %v", err)
	}

	up := &fakeFeed{round: Round{Answer: big.NewInt(0), StartedAt: uint64(testNow.Unix() - 7200)}}
	r = newTestReader(price, up, Options{SequencerGracePeriod: time.Hour})
	if _, err := r.ReadPrice(context.Background()); err != nil {
		t.Fatalf("healthy sequencer: %v", err)
	}

	unknown := &fakeFeed{round: Round{Answer: big.NewInt(0)}}
	r = newTestReader(price, unknown, Options{})
	if _, err := r.ReadPrice(context.Background()); !errors.Is(err, bridge.ErrUpstreamDown) {
		t.Fatalf("unstarted round: want ErrUpstreamDown, got %v", err)
	}
}

func TestScalePriceRoundTrip(t *testing.T) {
	for d := uint8(0); d <= 18; d++ {
		raw := big.NewInt(123456789)
		scaled, err := ScalePrice(raw, d)
		if err != nil {
			t.Fatalf("d=%d: %v", d, err)
		}
		want := new(big.Int).Mul(raw, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-d)), nil))
		if scaled.ToBig().Cmp(want) != 0 {
			t.Fatalf("d=%d: got %s want %s", d, scaled.Dec(), want)
		}
	}
	if _, err := ScalePrice(big.NewInt(1), 19); !errors.Is(err, bridge.ErrInvalidData) {
		t.Fatalf("d=19 should fail, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 250)
	if _, err := ScalePrice(huge, 0); !errors.Is(err, bridge.ErrInvalidData) {
		t.Fatalf("overflow should fail, got %v", err)
	}
}

func TestSettersUpdateGuards(t *testing.T) {
	r := newTestReader(&fakeFeed{round: freshRound(1), decimals: 0}, nil, Options{})
	r.SetStalePeriod(5 * time.Second)
	r.SetSequencerGracePeriod(time.Minute)
	got := r.Settings()
	if got.StalePeriod != 5*time.Second || got.SequencerGracePeriod != time.Minute {
		t.Fatalf("settings = %+v", got)
	}
	if _, err := r.ReadPrice(context.Background()); !errors.Is(err, bridge.ErrStaleData) {
		t.Fatalf("new stale period should apply, got %v", err)
	}
}
