// Package metrics exposes engine counters over Prometheus.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/levx/pkg/levx"
)

// Metrics collects engine activity into a dedicated Prometheus registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Order lifecycle
	ordersPlaced    prometheus.CounterVec
	ordersFilled    prometheus.Counter
	ordersCancelled prometheus.Counter

	// Positions and pools
	positionsOpened   prometheus.Counter
	positionsClosed   prometheus.Counter
	reallocations     prometheus.Counter
	activePositions   prometheus.Gauge
	borrowingAccruals prometheus.Counter

	// Fees
	feesDistributed prometheus.CounterVec

	// Messaging
	natsPublished prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates a Metrics collector with its own registry.
func New(namespace string, logger log.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		ordersPlaced: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Total orders placed by kind",
		}, []string{"kind"}),

		ordersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_filled_total",
			Help:      "Total orders filled",
		}),

		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Total orders cancelled",
		}),

		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total position open fills",
		}),

		positionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total position close fills",
		}),

		reallocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reallocations_total",
			Help:      "Total position reallocations between pools",
		}),

		activePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_positions",
			Help:      "Number of accounts with open positions",
		}),

		borrowingAccruals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "borrowing_accruals_total",
			Help:      "Total borrowing fee accrual updates",
		}),

		feesDistributed: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_distributed_total",
			Help:      "Total fee distribution events by leg",
		}, []string{"leg"}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.ordersPlaced,
		m.ordersFilled,
		m.ordersCancelled,
		m.positionsOpened,
		m.positionsClosed,
		m.reallocations,
		m.activePositions,
		m.borrowingAccruals,
		m.feesDistributed,
		m.natsPublished,
		m.memoryUsage,
		m.goroutines,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a Prometheus metrics server on the given port.
func (m *Metrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	return nil
}

// Observe records an engine event into the appropriate counters.
func (m *Metrics) Observe(ev levx.Event) {
	switch e := ev.(type) {
	case levx.NewOrderEvent:
		m.ordersPlaced.WithLabelValues(e.Kind.String()).Inc()
	case levx.OrderFilledEvent:
		m.ordersFilled.Inc()
	case levx.OrderCancelledEvent:
		m.ordersCancelled.Inc()
	case levx.OpenPositionEvent:
		m.positionsOpened.Inc()
	case levx.ClosePositionEvent:
		m.positionsClosed.Inc()
	case levx.ReallocatePositionEvent:
		m.reallocations.Inc()
	case levx.UpdateMarketBorrowingEvent:
		m.borrowingAccruals.Inc()
	case levx.FeeDistributedEvent:
		m.feesDistributed.WithLabelValues(string(e.Leg)).Inc()
	}
}

// SetActivePositions updates the open position gauge.
func (m *Metrics) SetActivePositions(n int) {
	m.activePositions.Set(float64(n))
}

// RecordNATSPublish counts one published NATS message.
func (m *Metrics) RecordNATSPublish() {
	m.natsPublished.Inc()
}

// CollectSystemMetrics samples runtime stats until the context ends.
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
