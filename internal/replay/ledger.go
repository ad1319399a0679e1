package replay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/kv"
)

// ErrNotFound is returned by Lookup for ids that were never executed.
var ErrNotFound = errors.New("replay: request not found")

// Ledger is the append-only set of executed settlement request ids.
type Ledger interface {
	// Reserve claims rec.RequestID. It fails with bridge.ErrAlreadyExecuted
	// when the id is already recorded or reserved by another caller.
	Reserve(ctx context.Context, rec bridge.SettlementRecord) (Reservation, error)
	Executed(ctx context.Context, id common.Hash) (bool, error)
	Lookup(ctx context.Context, id common.Hash) (bridge.SettlementRecord, error)
}

// Reservation is one claimed id. Exactly one of Commit or Rollback should be
// called; the other then becomes a no-op.
type Reservation interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

const recordPrefix = "replay/executed/"

type record struct {
	RequestID    common.Hash
	Kind         string
	OriginCaller common.Address
	Asset        common.Address
	Target       common.Address
	Amount       *big.Int
	ExecutedAt   uint64
}

func toRecord(rec bridge.SettlementRecord) record {
	return record{
		RequestID:    rec.RequestID,
		Kind:         string(rec.Kind),
		OriginCaller: rec.OriginCaller,
		Asset:        rec.Asset,
		Target:       rec.Target,
		Amount:       bridge.OrZero(rec.Amount).ToBig(),
		ExecutedAt:   uint64(rec.ExecutedAt.Unix()),
	}
}

func (r record) settlement() bridge.SettlementRecord {
	amount, _ := uint256.FromBig(r.Amount)
	return bridge.SettlementRecord{
		RequestID:    r.RequestID,
		Kind:         bridge.SettlementKind(r.Kind),
		OriginCaller: r.OriginCaller,
		Asset:        r.Asset,
		Target:       r.Target,
		Amount:       amount,
		ExecutedAt:   time.Unix(int64(r.ExecutedAt), 0).UTC(),
	}
}

func recordKey(id common.Hash) []byte {
	return append([]byte(recordPrefix), id.Bytes()...)
}

// KVLedger keeps the executed set in a kv.Store. The id is written on
// Reserve, so a crash between Reserve and Commit leaves it burned.
type KVLedger struct {
	store kv.Store
	now   func() time.Time

	mu       sync.Mutex
	inflight map[common.Hash]struct{}
}

// NewKVLedger wraps store.
func NewKVLedger(store kv.Store) *KVLedger {
	return &KVLedger{store: store, now: time.Now, inflight: make(map[common.Hash]struct{})}
}

func (l *KVLedger) Reserve(ctx context.Context, rec bridge.SettlementRecord) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	id := rec.RequestID
	if _, busy := l.inflight[id]; busy {
		return nil, fmt.Errorf("%w: %s in flight", bridge.ErrAlreadyExecuted, id.Hex())
	}
	key := recordKey(id)
	exists, err := l.store.Has(key)
	if err != nil {
		return nil, fmt.Errorf("replay: check %s: %w", id.Hex(), err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", bridge.ErrAlreadyExecuted, id.Hex())
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = l.now()
	}
	raw, err := rlp.EncodeToBytes(toRecord(rec))
	if err != nil {
		return nil, fmt.Errorf("replay: encode %s: %w", id.Hex(), err)
	}
	if err := l.store.Put(key, raw); err != nil {
		return nil, fmt.Errorf("replay: record %s: %w", id.Hex(), err)
	}
	l.inflight[id] = struct{}{}
	return &kvReservation{ledger: l, id: id}, nil
}

func (l *KVLedger) Executed(ctx context.Context, id common.Hash) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.store.Has(recordKey(id))
	if err != nil {
		return false, fmt.Errorf("replay: check %s: %w", id.Hex(), err)
	}
	return ok, nil
}

func (l *KVLedger) Lookup(ctx context.Context, id common.Hash) (bridge.SettlementRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := l.store.Get(recordKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return bridge.SettlementRecord{}, ErrNotFound
	}
	if err != nil {
		return bridge.SettlementRecord{}, fmt.Errorf("replay: load %s: %w", id.Hex(), err)
	}
	var rec record
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return bridge.SettlementRecord{}, fmt.Errorf("replay: decode %s: %w", id.Hex(), err)
	}
	return rec.settlement(), nil
}

type kvReservation struct {
	ledger *KVLedger
	id     common.Hash
	once   sync.Once
}

func (r *kvReservation) Commit(ctx context.Context) error {
	r.once.Do(func() {
		r.ledger.mu.Lock()
		delete(r.ledger.inflight, r.id)
		r.ledger.mu.Unlock()
	})
	return nil
}

func (r *kvReservation) Rollback(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		r.ledger.mu.Lock()
		defer r.ledger.mu.Unlock()
		delete(r.ledger.inflight, r.id)
		if delErr := r.ledger.store.Delete(recordKey(r.id)); delErr != nil {
			err = fmt.Errorf("replay: rollback %s: %w", r.id.Hex(), delErr)
		}
	})
	return err
}

var _ Ledger = (*KVLedger)(nil)
