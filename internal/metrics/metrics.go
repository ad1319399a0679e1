package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"universal-gateway/internal/bridge"
)

// GatewayMetrics covers admissions, settlements and oracle reads.
type GatewayMetrics struct {
	admissions  *prometheus.CounterVec
	settlements *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	oracleReads *prometheus.CounterVec
	priceUSD    prometheus.Gauge
	windowUSD   prometheus.Gauge
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *GatewayMetrics
)

// Gateway returns the lazily registered metric set.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "admission",
				Name:      "requests_total",
				Help:      "Inbound admissions segmented by tx type and outcome.",
			}, []string{"tx_type", "outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "settlement",
				Name:      "requests_total",
				Help:      "Outbound settlements segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "operation_duration_seconds",
				Help:      "Latency of admission and settlement operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			oracleReads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "oracle",
				Name:      "reads_total",
				Help:      "Price oracle reads segmented by outcome.",
			}, []string{"outcome"}),
			priceUSD: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "oracle",
				Name:      "price_usd",
				Help:      "Last accepted native asset price in USD.",
			}),
			windowUSD: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "caps",
				Name:      "window_consumed_usd",
				Help:      "USD consumed in the current settlement window.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.admissions,
			gatewayRegistry.settlements,
			gatewayRegistry.latency,
			gatewayRegistry.oracleReads,
			gatewayRegistry.priceUSD,
			gatewayRegistry.windowUSD,
		)
	})
	return gatewayRegistry
}

// Outcome maps an error onto a stable label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, bridge.ErrAlreadyExecuted):
		return "replay"
	case bridge.IsOracleUnavailable(err):
		return "oracle_unavailable"
	case errors.Is(err, bridge.ErrBelowMinCap), errors.Is(err, bridge.ErrAboveMaxCap):
		return "corridor"
	case errors.Is(err, bridge.ErrBudgetExceeded):
		return "budget"
	case errors.Is(err, bridge.ErrRateLimitExceeded):
		return "rate_limit"
	case errors.Is(err, bridge.ErrNotSupported):
		return "unsupported"
	case bridge.IsAdmissionRejected(err):
		return "rejected"
	default:
		return "error"
	}
}

func (m *GatewayMetrics) ObserveAdmission(txType bridge.TxType, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(txType.String(), Outcome(err)).Inc()
	m.latency.WithLabelValues("admit").Observe(took.Seconds())
}

func (m *GatewayMetrics) ObserveSettlement(kind bridge.SettlementKind, err error, took time.Duration) {
	if m == nil {
		return
	}
	label := string(kind)
	if label == "" {
		label = "unknown"
	}
	m.settlements.WithLabelValues(label, Outcome(err)).Inc()
	m.latency.WithLabelValues("settle").Observe(took.Seconds())
}

// ObserveOracle records a read; price is the accepted USD price as a float.
func (m *GatewayMetrics) ObserveOracle(err error, price float64) {
	if m == nil {
		return
	}
	m.oracleReads.WithLabelValues(Outcome(err)).Inc()
	if err == nil {
		m.priceUSD.Set(price)
	}
}

func (m *GatewayMetrics) SetWindowConsumed(usd float64) {
	if m == nil {
		return
	}
	m.windowUSD.Set(usd)
}
