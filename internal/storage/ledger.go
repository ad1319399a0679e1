package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/replay"
)

const (
	uniqueViolation = "23505"

	insertExecutedSQL = `INSERT INTO executed_requests (
        request_id,
        kind,
        origin_caller,
        asset,
        target,
        amount,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6::numeric,$7
    );`

	executedExistsSQL = `SELECT EXISTS (SELECT 1 FROM executed_requests WHERE request_id = $1);`

	lookupExecutedSQL = `SELECT
        request_id,
        kind,
        origin_caller,
        asset,
        target,
        amount::text,
        executed_at
    FROM executed_requests
    WHERE request_id = $1;`

	insertSettlementSQL = `INSERT INTO settlements (
        request_id,
        kind,
        origin_caller,
        asset,
        target,
        amount,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6::numeric,$7
    )
    ON CONFLICT (request_id) DO NOTHING;`

	listRecentSettlementsSQL = `SELECT
        request_id,
        kind,
        origin_caller,
        asset,
        target,
        amount::text,
        executed_at
    FROM settlements
    ORDER BY executed_at DESC
    LIMIT $1;`
)

// Ledger is the Postgres replay ledger. A reservation is an open
// transaction holding the executed_requests row; a concurrent Reserve of the
// same id waits on it and fails once it commits.
type Ledger struct {
	store *Store
	now   func() time.Time
}

// NewLedger builds a replay ledger on s.
func NewLedger(s *Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

func (l *Ledger) Reserve(ctx context.Context, rec bridge.SettlementRecord) (replay.Reservation, error) {
	pool, err := l.store.getPool()
	if err != nil {
		return nil, err
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = l.now().UTC()
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replay reservation: %w", err)
	}
	_, execErr := tx.Exec(ctx, insertExecutedSQL,
		rec.RequestID.Bytes(),
		string(rec.Kind),
		rec.OriginCaller.Hex(),
		rec.Asset.Hex(),
		rec.Target.Hex(),
		bridge.OrZero(rec.Amount).Dec(),
		rec.ExecutedAt,
	)
	if execErr != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		if isUniqueViolation(execErr) {
			return nil, fmt.Errorf("%w: %s", bridge.ErrAlreadyExecuted, rec.RequestID.Hex())
		}
		return nil, fmt.Errorf("reserve %s: %w", rec.RequestID.Hex(), execErr)
	}
	return &txReservation{tx: tx}, nil
}

func (l *Ledger) Executed(ctx context.Context, id common.Hash) (bool, error) {
	pool, err := l.store.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, executedExistsSQL, id.Bytes()).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("check executed %s: %w", id.Hex(), scanErr)
	}
	return exists, nil
}

func (l *Ledger) Lookup(ctx context.Context, id common.Hash) (bridge.SettlementRecord, error) {
	pool, err := l.store.getPool()
	if err != nil {
		return bridge.SettlementRecord{}, err
	}
	rec, scanErr := scanSettlement(pool.QueryRow(ctx, lookupExecutedSQL, id.Bytes()))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return bridge.SettlementRecord{}, replay.ErrNotFound
	}
	if scanErr != nil {
		return bridge.SettlementRecord{}, fmt.Errorf("lookup %s: %w", id.Hex(), scanErr)
	}
	return rec, nil
}

type txReservation struct {
	tx   pgx.Tx
	once sync.Once
}

func (r *txReservation) Commit(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		err = r.tx.Commit(ctx)
	})
	return err
}

func (r *txReservation) Rollback(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		err = r.tx.Rollback(ctx)
	})
	return err
}

// RecordSettlement appends rec to the settlement audit table.
func (s *Store) RecordSettlement(ctx context.Context, rec bridge.SettlementRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertSettlementSQL,
		rec.RequestID.Bytes(),
		string(rec.Kind),
		rec.OriginCaller.Hex(),
		rec.Asset.Hex(),
		rec.Target.Hex(),
		bridge.OrZero(rec.Amount).Dec(),
		rec.ExecutedAt,
	); execErr != nil {
		return fmt.Errorf("record settlement %s: %w", rec.RequestID.Hex(), execErr)
	}
	return nil
}

// ListRecentSettlements returns the latest settlements, newest first.
func (s *Store) ListRecentSettlements(ctx context.Context, limit int) ([]bridge.SettlementRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentSettlementsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent settlements: %w", queryErr)
	}
	defer rows.Close()

	out := make([]bridge.SettlementRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanSettlement(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanSettlement(row pgx.Row) (bridge.SettlementRecord, error) {
	var (
		id        []byte
		kind      string
		caller    string
		asset     string
		target    string
		amountStr string
		executed  time.Time
	)
	if err := row.Scan(&id, &kind, &caller, &asset, &target, &amountStr, &executed); err != nil {
		return bridge.SettlementRecord{}, err
	}
	amount, err := parseNumeric(amountStr)
	if err != nil {
		return bridge.SettlementRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	return bridge.SettlementRecord{
		RequestID:    common.BytesToHash(id),
		Kind:         bridge.SettlementKind(kind),
		OriginCaller: common.HexToAddress(caller),
		Asset:        common.HexToAddress(asset),
		Target:       common.HexToAddress(target),
		Amount:       amount,
		ExecutedAt:   executed.UTC(),
	}, nil
}

// parseNumeric reads an integral NUMERIC rendered as text.
func parseNumeric(raw string) (*uint256.Int, error) {
	return uint256.FromDecimal(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ replay.Ledger = (*Ledger)(nil)
