package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/caps"
	"universal-gateway/internal/custody"
	"universal-gateway/internal/gateway"
	"universal-gateway/internal/kv"
	"universal-gateway/internal/oracle"
	"universal-gateway/internal/ratelimit"
	"universal-gateway/internal/replay"
	"universal-gateway/internal/settlement"
)

// SimulationStep is one scripted call and its outcome.
type SimulationStep struct {
	Name string
	USD  string
	Err  error
	// Want is the expected sentinel; nil means the call should succeed.
	Want error
}

// OK reports whether the step behaved as scripted.
func (s SimulationStep) OK() bool {
	if s.Want == nil {
		return s.Err == nil
	}
	return errors.Is(s.Err, s.Want)
}

type manualWindow struct {
	key atomic.Uint64
}

func (w *manualWindow) WindowKey(ctx context.Context) (uint64, error) {
	return w.key.Load(), nil
}

var (
	simSender    = common.HexToAddress("0x5e4d000000000000000000000000000000000001")
	simRecipient = common.HexToAddress("0x4ec1000000000000000000000000000000000002")
	simTSS       = common.HexToAddress("0x7555000000000000000000000000000000000003")
	simVault     = common.HexToAddress("0xfa00000000000000000000000000000000000004")
	simSelf      = common.HexToAddress("0x6a7e000000000000000000000000000000000005")
	simToken     = common.HexToAddress("0x70ce000000000000000000000000000000000006")
	simUnlisted  = common.HexToAddress("0x70ce000000000000000000000000000000000007")
)

// Simulate runs the reference scenario against a $2000 static feed, a $1-$10
// corridor with a $10 window budget and an in-memory custody book.
func Simulate(ctx context.Context, logger zerolog.Logger) ([]SimulationStep, error) {
	store := kv.NewMemStore()
	feed := oracle.NewStaticFeed(big.NewInt(2000_00000000), 8)
	reader := oracle.NewReader(feed, nil, oracle.Options{StalePeriod: time.Hour}, logger)
	window := &manualWindow{}
	window.key.Store(1)

	minUSD, _ := bridge.ParseUSD("1")
	maxUSD, _ := bridge.ParseUSD("10")
	budget, _ := bridge.ParseUSD("10")
	enforcer, err := caps.New(caps.Config{MinUSD: minUSD, MaxUSD: maxUSD, BlockBudgetUSD: budget}, reader, window, store, logger)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(ratelimit.Options{
		EpochDuration: time.Hour,
		Thresholds: map[common.Address]*uint256.Int{
			bridge.NativeAsset: new(uint256.Int).Set(bridge.One18),
			simToken:           uint256.NewInt(1_000_000_000),
		},
	}, store, logger)
	if err != nil {
		return nil, err
	}

	book := custody.NewBook()
	book.Mint(bridge.NativeAsset, simSender, new(uint256.Int).Set(bridge.One18))
	book.Mint(simToken, simSender, uint256.NewInt(1_000_000_000))
	vault := custody.NewVault(simVault, book, limiter, logger)
	deposits := gateway.NewDepositHandler(simTSS, book, vault, limiter, logger)
	gw := gateway.New(gateway.Options{}, enforcer, limiter, deposits, &gateway.RecordingEmitter{}, logger)
	exec := settlement.New(settlement.Options{Address: simSelf}, replay.NewKVLedger(store), book, vault, logger)

	revert := bridge.RevertInstruction{FundRecipient: simSender}
	gas := func(native string) (string, error) {
		value, err := bridge.ParseAmount(native)
		if err != nil {
			return "", err
		}
		receipt, err := gw.Admit(ctx, bridge.Request{
			Type:        bridge.TxTypeGas,
			Sender:      simSender,
			NativeValue: value,
			Revert:      revert,
		})
		if err != nil || len(receipt.Events) == 0 {
			return "", err
		}
		return bridge.FormatUSD(receipt.Events[0].USDValue), nil
	}
	funds := func(asset common.Address, amount uint64) error {
		_, err := gw.Admit(ctx, bridge.Request{
			Type:      bridge.TxTypeFunds,
			Sender:    simSender,
			Recipient: simRecipient,
			Asset:     asset,
			Amount:    uint256.NewInt(amount),
			Revert:    revert,
		})
		return err
	}
	withdraw := bridge.Instruction{
		RequestID: common.HexToHash("0x5e771e"),
		Kind:      bridge.SettlementWithdraw,
		Asset:     simToken,
		Target:    simRecipient,
		Amount:    uint256.NewInt(250_000),
	}

	var steps []SimulationStep
	record := func(name, usd string, err, want error) {
		steps = append(steps, SimulationStep{Name: name, USD: usd, Err: err, Want: want})
	}

	usd, err := gas("400000000000000") // 0.0004 native
	record("gas 0.0004 native", usd, err, bridge.ErrBelowMinCap)
	usd, err = gas("3000000000000000") // 0.003 native
	record("gas 0.003 native", usd, err, nil)
	usd, err = gas("3000000000000000")
	record("gas 0.003 native, same window", usd, err, bridge.ErrBudgetExceeded)
	window.key.Add(1)
	usd, err = gas("3000000000000000")
	record("gas 0.003 native, next window", usd, err, nil)
	usd, err = gas("6000000000000000") // $12
	record("gas 0.006 native", usd, err, bridge.ErrAboveMaxCap)
	record("funds 1000 token", "", funds(simToken, 1_000_000), nil)
	record("funds unlisted token", "", funds(simUnlisted, 1), bridge.ErrNotSupported)
	_, err = exec.Settle(ctx, withdraw)
	record("withdraw 0.25 token", "", err, nil)
	_, err = exec.Settle(ctx, withdraw)
	record("withdraw replay", "", err, bridge.ErrAlreadyExecuted)

	return steps, nil
}

// PrintSimulation prints one line per step and fails if any step diverged.
func PrintSimulation(out io.Writer, steps []SimulationStep) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Step\tUSD\tOutcome\tExpected")
	failed := 0
	for _, step := range steps {
		outcome := "ok"
		if step.Err != nil {
			outcome = sanitizeInline(step.Err.Error())
		}
		expected := "ok"
		if step.Want != nil {
			expected = step.Want.Error()
		}
		if !step.OK() {
			failed++
			expected += " (MISMATCH)"
		}
		usd := step.USD
		if usd == "" {
			usd = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", step.Name, usd, outcome, expected)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d simulation steps diverged", failed)
	}
	return nil
}
