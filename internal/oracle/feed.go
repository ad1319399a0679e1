package oracle

import (
	"context"
	"math/big"
	"time"

	"github.com/holiman/uint256"
)

// Round mirrors AggregatorV3Interface.latestRoundData.
type Round struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       uint64
	UpdatedAt       uint64
	AnsweredInRound *big.Int
}

// Feed is an upstream price (or sequencer-uptime) aggregator.
type Feed interface {
	LatestRoundData(ctx context.Context) (Round, error)
	Decimals(ctx context.Context) (uint8, error)
}

// PriceQuote is the validated native/USD price on the fixed 1e18 scale.
type PriceQuote struct {
	PriceUSD       *uint256.Int
	SourceDecimals uint8
	ObservedAt     time.Time
	RoundID        *big.Int
}

// PriceReader is what the cap enforcer consumes.
type PriceReader interface {
	ReadPrice(ctx context.Context) (PriceQuote, error)
}
