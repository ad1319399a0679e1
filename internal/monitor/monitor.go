// Package monitor samples the price oracle on a fixed cadence, records the
// samples and alerts when the feed goes unhealthy or moves sharply.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"universal-gateway/internal/alerting"
	"universal-gateway/internal/bridge"
	"universal-gateway/internal/caps"
	"universal-gateway/internal/metrics"
	"universal-gateway/internal/oracle"
	"universal-gateway/internal/storage"
)

// Options configures alerting behaviour.
type Options struct {
	AlertsEnabled bool
	// MoveThresholdPct raises a price_move alert when consecutive good
	// samples differ by more than this percentage. Zero disables it.
	MoveThresholdPct float64
	Cooldown         time.Duration
	Channels         []string
	LockKey          int64
	// AlertRetention prunes alert records older than this. Zero keeps them.
	AlertRetention time.Duration
}

// pruneEvery bounds how often retention runs.
const pruneEvery = time.Hour

// WindowReader exposes the fast-path budget for reporting.
type WindowReader interface {
	Window() caps.WindowState
}

// Monitor is the oracle sampling service.
type Monitor struct {
	opts      Options
	scheduler *Scheduler
	prices    oracle.PriceReader
	samples   storage.PriceSampleStore
	alerts    storage.AlertStore
	notifier  alerting.Notifier
	locker    storage.AdvisoryLocker
	window    WindowReader
	metrics   *metrics.GatewayMetrics
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	lastGood   decimal.Decimal
	lastAlerts map[string]time.Time
	lastPrune  time.Time
}

// New constructs the monitor. samples, alerts and notifier may be nil.
func New(opts Options, sched *Scheduler, prices oracle.PriceReader, samples storage.PriceSampleStore, alerts storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) *Monitor {
	var locker storage.AdvisoryLocker
	if l, ok := samples.(storage.AdvisoryLocker); ok {
		locker = l
	}
	return &Monitor{
		opts:       opts,
		scheduler:  sched,
		prices:     prices,
		samples:    samples,
		alerts:     alerts,
		notifier:   notifier,
		locker:     locker,
		logger:     logger.With().Str("component", "monitor").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		lastAlerts: make(map[string]time.Time),
	}
}

func (m *Monitor) WithWindow(w WindowReader) *Monitor {
	m.window = w
	return m
}

func (m *Monitor) WithMetrics(gm *metrics.GatewayMetrics) *Monitor {
	m.metrics = gm
	return m
}

// Run begins the aligned sampling loop.
func (m *Monitor) Run(ctx context.Context) error {
	if m.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return m.scheduler.Run(ctx, m.ProcessBucket)
}

// ProcessBucket samples the oracle once for bucket.
func (m *Monitor) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		m.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}
	err = m.sample(ctx, bucket)
	m.prune(ctx)
	return err
}

// prune applies alert retention at most once per pruneEvery.
func (m *Monitor) prune(ctx context.Context) {
	if m.opts.AlertRetention <= 0 || m.alerts == nil {
		return
	}
	now := m.now()
	m.mu.Lock()
	due := m.lastPrune.IsZero() || now.Sub(m.lastPrune) >= pruneEvery
	if due {
		m.lastPrune = now
	}
	m.mu.Unlock()
	if !due {
		return
	}

	removed, err := m.alerts.PruneAlerts(ctx, now.Add(-m.opts.AlertRetention))
	if err != nil {
		m.logger.Warn().Err(err).Msg("prune alerts")
		return
	}
	if removed > 0 {
		m.logger.Info().Int64("removed", removed).Dur("retention", m.opts.AlertRetention).Msg("pruned old alerts")
	}
}

func (m *Monitor) sample(ctx context.Context, bucket time.Time) error {
	quote, readErr := m.prices.ReadPrice(ctx)

	sample := storage.PriceSample{Bucket: bucket, Status: storage.SampleOK, CreatedAt: m.now()}
	var price decimal.Decimal
	if readErr == nil {
		price = bridge.USD(quote.PriceUSD)
		sample.PriceUSD = price
		sample.SourceDecimals = int16(quote.SourceDecimals)
		if quote.RoundID != nil {
			sample.RoundID = quote.RoundID.String()
		}
		if !quote.ObservedAt.IsZero() {
			at := quote.ObservedAt
			sample.UpdatedAt = &at
		}
	} else {
		sample.Status = storage.SampleErrored
		if errors.Is(readErr, bridge.ErrStaleData) {
			sample.Status = storage.SampleStale
		}
		msg := readErr.Error()
		sample.Error = &msg
	}
	m.metrics.ObserveOracle(readErr, price.InexactFloat64())

	if m.samples != nil {
		if err := m.samples.UpsertPriceSample(ctx, sample); err != nil {
			m.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to upsert sample")
		}
	}

	var windowUSD, budgetUSD decimal.Decimal
	if m.window != nil {
		state := m.window.Window()
		windowUSD, budgetUSD = bridge.USD(state.ConsumedUSD), bridge.USD(state.BudgetUSD)
		m.metrics.SetWindowConsumed(windowUSD.InexactFloat64())
	}

	m.mu.Lock()
	prev := m.lastGood
	if readErr == nil {
		m.lastGood = price
	}
	m.mu.Unlock()

	note := alerting.Notification{
		Bucket:    bucket,
		PriceUSD:  price,
		PrevUSD:   prev,
		Channels:  m.opts.Channels,
		WindowUSD: windowUSD,
		BudgetUSD: budgetUSD,
	}
	switch {
	case readErr != nil:
		m.logger.Warn().Err(readErr).Time("bucket", bucket).Str("status", sample.Status).Msg("oracle unhealthy")
		note.Kind = alerting.KindOracleUnhealthy
		note.Reason = readErr.Error()
		m.alert(ctx, note)
		return fmt.Errorf("read price: %w", readErr)
	case !prev.IsZero() && m.opts.MoveThresholdPct > 0:
		change := price.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100))
		threshold := decimal.NewFromFloat(m.opts.MoveThresholdPct)
		if change.Abs().GreaterThan(threshold) {
			note.Kind = alerting.KindPriceMove
			note.ChangePct = change
			note.Threshold = threshold
			m.alert(ctx, note)
		}
	}

	m.logger.Info().Time("bucket", bucket).
		Str("price_usd", price.String()).
		Str("round_id", sample.RoundID).
		Msg("sample recorded")
	return nil
}

func (m *Monitor) alert(ctx context.Context, note alerting.Notification) {
	if !m.opts.AlertsEnabled || m.notifier == nil {
		return
	}
	if m.coolingDown(ctx, note.Kind) {
		m.logger.Debug().Str("kind", note.Kind).Msg("alert suppressed by cooldown")
		return
	}

	if m.alerts != nil {
		record := storage.AlertRecord{
			SampleTS: note.Bucket,
			Kind:     note.Kind,
			Message:  note.Reason,
			Channels: note.Channels,
		}
		if _, err := m.alerts.InsertAlert(ctx, record); err != nil {
			m.logger.Error().Err(err).Time("bucket", note.Bucket).Msg("failed to persist alert record")
		}
	}
	if err := m.notifier.Notify(ctx, note); err != nil {
		m.logger.Error().Err(err).Time("bucket", note.Bucket).Msg("failed to dispatch alert")
	}

	m.mu.Lock()
	m.lastAlerts[note.Kind] = m.now()
	m.mu.Unlock()
}

func (m *Monitor) coolingDown(ctx context.Context, kind string) bool {
	if m.opts.Cooldown <= 0 {
		return false
	}
	m.mu.Lock()
	last, ok := m.lastAlerts[kind]
	m.mu.Unlock()
	if !ok && m.alerts != nil {
		at, found, err := m.alerts.LastAlertAt(ctx, kind)
		if err != nil {
			m.logger.Warn().Err(err).Str("kind", kind).Msg("load last alert")
		}
		last, ok = at, found
	}
	return ok && m.now().Sub(last) < m.opts.Cooldown
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.opts.LockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
