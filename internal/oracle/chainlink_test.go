package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"
)

type fakeCaller struct {
	responses map[string][]byte
	err       error
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	method, err := aggregatorV3ABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	return f.responses[method.Name], nil
}

func packedCaller(t *testing.T) *fakeCaller {
	t.Helper()
	round, err := aggregatorV3ABI.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(42),
		big.NewInt(2000_00000000),
		big.NewInt(1_700_000_000),
		big.NewInt(1_700_000_010),
		big.NewInt(42),
	)
	if err != nil {
		t.Fatalf("pack round: %v", err)
	}
	decimals, err := aggregatorV3ABI.Methods["decimals"].Outputs.Pack(uint8(8))
	if err != nil {
		t.Fatalf("pack decimals: %v", err)
	}
	return &fakeCaller{responses: map[string][]byte{"latestRoundData": round, "decimals": decimals}}
}

func TestChainlinkDecodesRound(t *testing.T) {
	feed := NewChainlink(packedCaller(t), ChainlinkOptions{
		Address: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
		Timeout: time.Second,
	}, zerolog.Nop())

	round, err := feed.LatestRoundData(context.Background())
	if err != nil {
		t.Fatalf("LatestRoundData: %v", err)
	}
	if round.RoundID.Int64() != 42 || round.Answer.Int64() != 2000_00000000 {
		t.Fatalf("round = %+v", round)
	}
	if round.StartedAt != 1_700_000_000 || round.UpdatedAt != 1_700_000_010 {
		t.Fatalf("timestamps = %d/%d", round.StartedAt, round.UpdatedAt)
	}

	decimals, err := feed.Decimals(context.Background())
	if err != nil || decimals != 8 {
		t.Fatalf("Decimals = %d, %v", decimals, err)
	}
}

func TestChainlinkMissingConfig(t *testing.T) {
	feed := NewChainlink(nil, ChainlinkOptions{Address: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"}, zerolog.Nop())
	if _, err := feed.LatestRoundData(context.Background()); err == nil {
		t.Fatal("missing client should fail")
	}

	feed = NewChainlink(packedCaller(t), ChainlinkOptions{}, zerolog.Nop())
	if _, err := feed.Decimals(context.Background()); err == nil {
		t.Fatal("missing address should fail")
	}

	feed = NewChainlink(packedCaller(t), ChainlinkOptions{Address: "not-an-address"}, zerolog.Nop())
	if _, err := feed.Decimals(context.Background()); err == nil {
		t.Fatal("invalid address should fail")
	}
}

func TestChainlinkPropagatesCallError(t *testing.T) {
	feed := NewChainlink(&fakeCaller{err: errors.New("boom")}, ChainlinkOptions{
		Address: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
	}, zerolog.Nop())
	if _, err := feed.LatestRoundData(context.Background()); err == nil {
		t.Fatal("expected call error")
	}
}

func TestStaticFeedIsAlwaysFresh(t *testing.T) {
	feed := NewStaticFeed(big.NewInt(2000_00000000), 8)
	r := NewReader(feed, nil, Options{StalePeriod: time.Minute}, zerolog.Nop())
	quote, err := r.ReadPrice(context.Background())
	if err != nil {
		t.Fatalf("ReadPrice: %v", err)
	}
	if quote.RoundID.Int64() != 1 {
		t.Fatalf("round = %s", quote.RoundID)
	}
	feed.Set(big.NewInt(1))
	quote, err = r.ReadPrice(context.Background())
	if err != nil || quote.PriceUSD.Uint64() != 10_000_000_000 {
		t.Fatalf("after Set: %v, %v", quote.PriceUSD, err)
	}
}
