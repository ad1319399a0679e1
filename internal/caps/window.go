package caps

import (
	"context"
	"fmt"
	"time"
)

// WindowSource yields the current settlement-window key (a block number or a
// clock bucket). Keys must not decrease over time.
type WindowSource interface {
	WindowKey(ctx context.Context) (uint64, error)
}

// BlockNumberReader is satisfied by *ethclient.Client.
type BlockNumberReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// ChainWindow keys the budget on the host chain's latest block number.
type ChainWindow struct {
	Client BlockNumberReader
}

func (w ChainWindow) WindowKey(ctx context.Context) (uint64, error) {
	if w.Client == nil {
		return 0, fmt.Errorf("caps: chain window client not configured")
	}
	n, err := w.Client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("caps: read block number: %w", err)
	}
	return n, nil
}

// ClockWindow keys the budget on fixed wall-clock buckets.
type ClockWindow struct {
	Duration time.Duration
	Now      func() time.Time
}

func (w ClockWindow) WindowKey(ctx context.Context) (uint64, error) {
	if w.Duration <= 0 {
		return 0, fmt.Errorf("caps: window duration must be positive")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return uint64(now().UnixNano() / int64(w.Duration)), nil
}

var (
	_ WindowSource = ChainWindow{}
	_ WindowSource = ClockWindow{}
)
