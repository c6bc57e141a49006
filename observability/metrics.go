package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// SettlementMetrics exposes Prometheus collectors for the payout pipeline.
type SettlementMetrics struct {
	payouts      *prometheus.CounterVec
	payoutErrors *prometheus.CounterVec
	staleIntents prometheus.Counter
	latency      *prometheus.HistogramVec
	quotesActive prometheus.Gauge
	quotesIssued prometheus.Counter
	queueDepth   prometheus.Gauge
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zkpayroll",
				Subsystem: "settlement",
				Name:      "payouts_total",
				Help:      "Processed payout intents segmented by currency and terminal state.",
			}, []string{"currency", "state"}),
			payoutErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zkpayroll",
				Subsystem: "settlement",
				Name:      "payout_errors_total",
				Help:      "Payout pipeline errors segmented by currency and reason.",
			}, []string{"currency", "reason"}),
			staleIntents: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zkpayroll",
				Subsystem: "settlement",
				Name:      "stale_intents_total",
				Help:      "Scheduled intents rejected because entitlement changed before processing.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "zkpayroll",
				Subsystem: "settlement",
				Name:      "payout_duration_seconds",
				Help:      "Latency distribution of payout intent processing.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"currency"}),
			quotesActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "zkpayroll",
				Subsystem: "settlement",
				Name:      "quotes_active",
				Help:      "Unexpired FX quotes currently held by the quote book.",
			}),
			quotesIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zkpayroll",
				Subsystem: "settlement",
				Name:      "quotes_issued_total",
				Help:      "FX quotes issued.",
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "zkpayroll",
				Subsystem: "settlement",
				Name:      "queue_depth",
				Help:      "Ready payout intents awaiting a worker.",
			}),
		}
		prometheus.MustRegister(
			settlementReg.payouts,
			settlementReg.payoutErrors,
			settlementReg.staleIntents,
			settlementReg.latency,
			settlementReg.quotesActive,
			settlementReg.quotesIssued,
			settlementReg.queueDepth,
		)
	})
	return settlementReg
}

// RecordPayout increments the terminal-state counter for a processed intent.
func (m *SettlementMetrics) RecordPayout(currency, state string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(normalizeLabel(currency), strings.ToLower(state)).Inc()
}

// RecordError increments the pipeline error counter.
func (m *SettlementMetrics) RecordError(currency, reason string) {
	if m == nil {
		return
	}
	m.payoutErrors.WithLabelValues(normalizeLabel(currency), reason).Inc()
}

// RecordStaleIntent counts an intent dropped for stale entitlement.
func (m *SettlementMetrics) RecordStaleIntent() {
	if m == nil {
		return
	}
	m.staleIntents.Inc()
}

// ObserveLatency records the wall-clock duration of one intent.
func (m *SettlementMetrics) ObserveLatency(currency string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(normalizeLabel(currency)).Observe(d.Seconds())
}

// QuoteIssued counts a freshly issued quote and updates the active gauge.
func (m *SettlementMetrics) QuoteIssued(active int) {
	if m == nil {
		return
	}
	m.quotesIssued.Inc()
	m.quotesActive.Set(float64(active))
}

// QuotesActive updates the active quote gauge after eviction.
func (m *SettlementMetrics) QuotesActive(active int) {
	if m == nil {
		return
	}
	m.quotesActive.Set(float64(active))
}

// QueueDepth publishes the ready-intent backlog.
func (m *SettlementMetrics) QueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func normalizeLabel(raw string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return "UNKNOWN"
	}
	return trimmed
}
