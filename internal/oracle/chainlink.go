package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ContractCaller is satisfied by *ethclient.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise an on-chain aggregator feed.
type ChainlinkOptions struct {
	Address string
	Timeout time.Duration
}

// Chainlink reads an AggregatorV3 contract over JSON-RPC.
type Chainlink struct {
	opts   ChainlinkOptions
	caller ContractCaller
	logger zerolog.Logger
}

// NewChainlink builds a feed bound to the aggregator at opts.Address.
func NewChainlink(caller ContractCaller, opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:   opts,
		caller: caller,
		logger: logger.With().Str("component", "chainlink_feed").Str("feed", opts.Address).Logger(),
	}
}

// LatestRoundData calls latestRoundData on the aggregator.
func (c *Chainlink) LatestRoundData(ctx context.Context) (Round, error) {
	outputs, err := c.call(ctx, "latestRoundData")
	if err != nil {
		return Round{}, err
	}
	if len(outputs) != 5 {
		return Round{}, fmt.Errorf("unexpected latestRoundData response: %d values", len(outputs))
	}

	roundID, ok1 := outputs[0].(*big.Int)
	answer, ok2 := outputs[1].(*big.Int)
	startedAt, ok3 := outputs[2].(*big.Int)
	updatedAt, ok4 := outputs[3].(*big.Int)
	answeredInRound, ok5 := outputs[4].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return Round{}, errors.New("failed to decode latestRoundData output")
	}
	if !startedAt.IsUint64() || !updatedAt.IsUint64() {
		return Round{}, errors.New("latestRoundData timestamps out of range")
	}

	return Round{
		RoundID:         roundID,
		Answer:          answer,
		StartedAt:       startedAt.Uint64(),
		UpdatedAt:       updatedAt.Uint64(),
		AnsweredInRound: answeredInRound,
	}, nil
}

// Decimals calls decimals on the aggregator.
func (c *Chainlink) Decimals(ctx context.Context) (uint8, error) {
	outputs, err := c.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	return decimals, nil
}

func (c *Chainlink) call(ctx context.Context, method string) ([]interface{}, error) {
	if c.caller == nil {
		return nil, errors.New("ethereum client not configured")
	}
	if c.opts.Address == "" {
		return nil, errors.New("aggregator address not configured")
	}
	if !common.IsHexAddress(c.opts.Address) {
		return nil, fmt.Errorf("invalid aggregator address %q", c.opts.Address)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(c.opts.Address)
	res, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := aggregatorV3ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	c.logger.Debug().Str("method", method).Msg("aggregator call completed")
	return outputs, nil
}

var _ Feed = (*Chainlink)(nil)
