package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPriceSampleSQL = `INSERT INTO price_samples (
        bucket_ts,
        price_usd,
        round_id,
        source_decimals,
        updated_at,
        status,
        error
    ) VALUES (
        $1,$2::numeric,$3,$4,$5,$6,$7
    )
    ON CONFLICT (bucket_ts) DO UPDATE
    SET
        price_usd       = EXCLUDED.price_usd,
        round_id        = EXCLUDED.round_id,
        source_decimals = EXCLUDED.source_decimals,
        updated_at      = EXCLUDED.updated_at,
        status          = EXCLUDED.status,
        error           = EXCLUDED.error;`

	selectPriceSampleColumns = `SELECT
        bucket_ts,
        price_usd::text,
        round_id,
        source_decimals,
        updated_at,
        status,
        error,
        created_at
    FROM price_samples`

	listSamplesBetweenSQL = selectPriceSampleColumns + `
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = selectPriceSampleColumns + `
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	countSamplesByStatusSQL = `SELECT status, COUNT(*) FROM price_samples GROUP BY status;`

	insertAlertSQL = `INSERT INTO alerts (
        sample_ts,
        kind,
        message,
        channels
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (sample_ts, kind) DO UPDATE
    SET message  = EXCLUDED.message,
        channels = EXCLUDED.channels
    RETURNING id, sample_ts, kind, message, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        sample_ts,
        kind,
        message,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	lastAlertSQL = `SELECT created_at FROM alerts WHERE kind = $1 ORDER BY created_at DESC LIMIT 1;`

	pruneAlertsSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceSampleStore defines operations for oracle sample persistence.
type PriceSampleStore interface {
	UpsertPriceSample(ctx context.Context, sample PriceSample) error
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]PriceSample, error)
	CountSamplesByStatus(ctx context.Context) (map[string]int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	LastAlertAt(ctx context.Context, kind string) (time.Time, bool, error)
	PruneAlerts(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates the gateway's Postgres tables.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "storage").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertPriceSample persists or updates a sample bucket.
func (s *Store) UpsertPriceSample(ctx context.Context, sample PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var updated interface{}
	if sample.UpdatedAt != nil {
		updated = *sample.UpdatedAt
	}
	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	_, execErr := pool.Exec(ctx, upsertPriceSampleSQL,
		sample.Bucket,
		sample.PriceUSD.String(),
		sample.RoundID,
		sample.SourceDecimals,
		updated,
		sample.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert price sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows, limit)
}

// CountSamplesByStatus returns how many buckets were recorded per status.
func (s *Store) CountSamplesByStatus(ctx context.Context) (map[string]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, countSamplesByStatusSQL)
	if err != nil {
		return nil, fmt.Errorf("count samples: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan sample count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	var rec AlertRecord
	if scanErr := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		alert.Kind,
		alert.Message,
		alert.Channels,
	).Scan(
		&rec.ID,
		&rec.SampleTS,
		&rec.Kind,
		&rec.Message,
		&rec.Channels,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.SampleTS,
			&rec.Kind,
			&rec.Message,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// LastAlertAt reports when an alert of kind was last raised.
func (s *Store) LastAlertAt(ctx context.Context, kind string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var at time.Time
	if scanErr := pool.QueryRow(ctx, lastAlertSQL, kind).Scan(&at); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last alert: %w", scanErr)
	}
	return at, true, nil
}

// PruneAlerts removes alert records created before olderThan. The cooldown
// lookup only needs the newest record per kind.
func (s *Store) PruneAlerts(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, pruneAlertsSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectSamples(rows pgx.Rows, capHint int) ([]PriceSample, error) {
	samples := make([]PriceSample, 0, capHint)
	for rows.Next() {
		sample, scanErr := scanPriceSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanPriceSample(rows pgx.Rows) (PriceSample, error) {
	var (
		bucket    time.Time
		priceStr  string
		roundID   string
		decimals  int16
		updated   sql.NullTime
		status    string
		errMsg    sql.NullString
		createdAt time.Time
	)

	if err := rows.Scan(
		&bucket,
		&priceStr,
		&roundID,
		&decimals,
		&updated,
		&status,
		&errMsg,
		&createdAt,
	); err != nil {
		return PriceSample{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PriceSample{}, fmt.Errorf("parse price: %w", err)
	}

	sample := PriceSample{
		Bucket:         bucket,
		PriceUSD:       price,
		RoundID:        roundID,
		SourceDecimals: decimals,
		Status:         status,
		CreatedAt:      createdAt,
	}
	if updated.Valid {
		at := updated.Time
		sample.UpdatedAt = &at
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}
	return sample, nil
}
