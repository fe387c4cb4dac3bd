// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskpay"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerTransactionsTotal counts ledger transactions by type and final status.
	LedgerTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transactions_total",
			Help:      "Total ledger transactions by type and status.",
		},
		[]string{"type", "status"},
	)

	// WebhookEventsTotal counts inbound provider webhooks by provider and outcome.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound gateway webhooks by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// GatewayRequestDuration observes outbound gateway call latency.
	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Outbound payment gateway request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	// GatewayErrorsTotal counts failed outbound gateway calls.
	GatewayErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Outbound payment gateway errors by provider and operation.",
		},
		[]string{"provider", "operation"},
	)

	// EscrowOperationsTotal counts reserve / release / release-back outcomes.
	EscrowOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_operations_total",
			Help:      "Escrow operations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// WithdrawalsTotal counts withdrawal attempts by payout method and result.
	WithdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Withdrawal attempts by payout method and result.",
		},
		[]string{"method", "result"},
	)

	// FXLookupsTotal counts exchange rate lookups by source.
	FXLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fx_lookups_total",
			Help:      "Exchange rate lookups by source (cache, provider, error).",
		},
		[]string{"source"},
	)

	// TransactionsFlaggedTotal counts transactions placed under manual review.
	TransactionsFlaggedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_flagged_total",
		Help:      "Transactions flagged for manual review.",
	})

	// NotificationsDroppedTotal counts notifications that could not be delivered.
	NotificationsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped by sink.",
		},
		[]string{"sink"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of connected WebSocket clients.",
		},
	)

	// ReconciliationMismatches is the number of wallets whose balance
	// disagreed with their transaction history in the last audit.
	ReconciliationMismatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_mismatches",
			Help:      "Wallets out of balance in the last conservation audit.",
		},
	)

	// DB connection pool
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_open_connections",
		Help:      "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_in_use_connections",
		Help:      "Number of database connections currently in use.",
	})
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_wait_count",
		Help:      "Total number of connections waited for.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of running goroutines.",
	})

	// SerializationRetriesTotal counts transactions retried after a
	// serialization failure.
	SerializationRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_serialization_retries_total",
		Help:      "Database transactions retried after serialization failures.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerTransactionsTotal,
		WebhookEventsTotal,
		GatewayRequestDuration,
		GatewayErrorsTotal,
		EscrowOperationsTotal,
		WithdrawalsTotal,
		FXLookupsTotal,
		TransactionsFlaggedTotal,
		NotificationsDroppedTotal,
		ActiveWebSocketClients,
		ReconciliationMismatches,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
		SerializationRetriesTotal,
	)
}

// ObserveGateway records the latency and outcome of one outbound gateway call.
func ObserveGateway(provider, operation string, start time.Time, err error) {
	GatewayRequestDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		GatewayErrorsTotal.WithLabelValues(provider, operation).Inc()
	}
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath() // route pattern keeps label cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
