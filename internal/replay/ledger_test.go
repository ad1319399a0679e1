package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/kv"
)

func sampleRecord(id byte) bridge.SettlementRecord {
	return bridge.SettlementRecord{
		RequestID:    common.BytesToHash([]byte{id}),
		Kind:         bridge.SettlementWithdraw,
		OriginCaller: common.HexToAddress("0x01"),
		Asset:        common.HexToAddress("0x02"),
		Target:       common.HexToAddress("0x03"),
		Amount:       uint256.NewInt(500),
		ExecutedAt:   time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestReserveCommitIsFinal(t *testing.T) {
	ctx := context.Background()
	l := NewKVLedger(kv.NewMemStore())
	rec := sampleRecord(1)

	res, err := l.Reserve(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, res.Commit(ctx))
	require.NoError(t, res.Rollback(ctx), "rollback after commit is a no-op")

	done, err := l.Executed(ctx, rec.RequestID)
	require.NoError(t, err)
	require.True(t, done)

	_, err = l.Reserve(ctx, rec)
	require.ErrorIs(t, err, bridge.ErrAlreadyExecuted)

	got, err := l.Lookup(ctx, rec.RequestID)
	require.NoError(t, err)
	require.Equal(t, rec.Kind, got.Kind)
	require.Equal(t, rec.Target, got.Target)
	require.True(t, got.Amount.Eq(rec.Amount))
	require.True(t, got.ExecutedAt.Equal(rec.ExecutedAt))
}

func TestRollbackFreesTheID(t *testing.T) {
	ctx := context.Background()
	l := NewKVLedger(kv.NewMemStore())
	rec := sampleRecord(2)

	res, err := l.Reserve(ctx, rec)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, rec)
	require.ErrorIs(t, err, bridge.ErrAlreadyExecuted, "in-flight id cannot be reserved twice")

	require.NoError(t, res.Rollback(ctx))
	_, err = l.Lookup(ctx, rec.RequestID)
	require.ErrorIs(t, err, ErrNotFound)

	res, err = l.Reserve(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, res.Commit(ctx))
}

func TestConcurrentReserveAdmitsOne(t *testing.T) {
	ctx := context.Background()
	store, err := kv.OpenLevelInMemory()
	require.NoError(t, err)
	defer store.Close()
	l := NewKVLedger(store)
	rec := sampleRecord(3)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Reserve(ctx, rec)
			if err != nil {
				return
			}
			wins.Add(1)
			_ = res.Commit(ctx)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestReserveHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewKVLedger(kv.NewMemStore())
	_, err := l.Reserve(ctx, sampleRecord(4))
	require.ErrorIs(t, err, context.Canceled)

	done, err := l.Executed(context.Background(), sampleRecord(4).RequestID)
	require.NoError(t, err)
	require.False(t, done)
}
