package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the reconciler
type PrometheusMetrics struct {
	// Query metrics
	QueriesTotal   *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryRetries   *prometheus.CounterVec
	LedgerFallback *prometheus.CounterVec

	// Reconciliation metrics
	StalenessDecisions *prometheus.CounterVec
	PendingResolutions *prometheus.CounterVec
	PendingPruned      *prometheus.CounterVec
	CheckpointUpdates  *prometheus.CounterVec

	// Upstream metrics
	IndexerRequestsTotal  *prometheus.CounterVec
	IndexerRequestLatency *prometheus.HistogramVec
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Scheduler metrics
	ScheduledRefreshes *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		QueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_queries_total",
				Help: "Total number of reconciliation queries by outcome and source",
			},
			[]string{"query", "source", "status"},
		),

		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dao_reconciler_query_duration_seconds",
				Help:    "Duration of reconciliation queries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"query"},
		),

		QueryRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_query_retries_total",
				Help: "Total number of retried query attempts",
			},
			[]string{"query"},
		),

		LedgerFallback: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_ledger_fallbacks_total",
				Help: "Total number of ledger fallbacks by trigger",
			},
			[]string{"query", "reason"},
		),

		StalenessDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_staleness_decisions_total",
				Help: "Staleness decisions taken for entities with a checkpoint",
			},
			[]string{"decision"},
		),

		PendingResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_pending_resolutions_total",
				Help: "Ledger resolutions of pending local entries by outcome",
			},
			[]string{"kind", "outcome"},
		),

		PendingPruned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_pending_pruned_total",
				Help: "Pending local entries removed from the tracker",
			},
			[]string{"kind", "reason"},
		),

		CheckpointUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_checkpoint_updates_total",
				Help: "Checkpoint writes and clears",
			},
			[]string{"kind", "operation"},
		),

		IndexerRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_indexer_requests_total",
				Help: "Total number of requests made to the indexer",
			},
			[]string{"endpoint", "status"},
		),

		IndexerRequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dao_reconciler_indexer_request_duration_seconds",
				Help:    "Duration of indexer requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		ConnectionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_connection_errors_total",
				Help: "Total number of connection errors to ledger nodes",
			},
			[]string{"endpoint", "error_type"},
		),

		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_rpc_requests_total",
				Help: "Total number of RPC requests made to ledger nodes",
			},
			[]string{"client", "method", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dao_reconciler_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to ledger nodes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"client", "method"},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_database_operations_total",
				Help: "Total number of store operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dao_reconciler_database_operation_duration_seconds",
				Help:    "Duration of store operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_http_requests_total",
				Help: "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dao_reconciler_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ScheduledRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_scheduled_refreshes_total",
				Help: "Interval refreshes run by the scheduler",
			},
			[]string{"job", "status"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dao_reconciler_query_cache_lookups_total",
				Help: "Query cache lookups by result",
			},
			[]string{"result"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dao_reconciler_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dao_reconciler_component_health",
				Help: "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dao_reconciler_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dao_reconciler_goroutines",
				Help: "Number of running goroutines",
			},
		),
	}
}

// RecordQuery records a finished reconciliation query
func (m *PrometheusMetrics) RecordQuery(query, source, status string, duration time.Duration) {
	m.QueriesTotal.WithLabelValues(query, source, status).Inc()
	m.QueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordQueryRetry records a retried attempt
func (m *PrometheusMetrics) RecordQueryRetry(query string) {
	m.QueryRetries.WithLabelValues(query).Inc()
}

// RecordLedgerFallback records why the indexer copy was bypassed
func (m *PrometheusMetrics) RecordLedgerFallback(query, reason string) {
	m.LedgerFallback.WithLabelValues(query, reason).Inc()
}

// RecordStalenessDecision records a staleness decision
func (m *PrometheusMetrics) RecordStalenessDecision(stale bool) {
	decision := "fresh"
	if stale {
		decision = "stale"
	}
	m.StalenessDecisions.WithLabelValues(decision).Inc()
}

// RecordPendingResolution records the outcome of resolving a pending entry
func (m *PrometheusMetrics) RecordPendingResolution(kind, outcome string) {
	m.PendingResolutions.WithLabelValues(kind, outcome).Inc()
}

// RecordPendingPruned records a pending entry leaving the tracker
func (m *PrometheusMetrics) RecordPendingPruned(kind, reason string) {
	m.PendingPruned.WithLabelValues(kind, reason).Inc()
}

// RecordCheckpointUpdate records a checkpoint write or clear
func (m *PrometheusMetrics) RecordCheckpointUpdate(kind, operation string) {
	m.CheckpointUpdates.WithLabelValues(kind, operation).Inc()
}

// RecordIndexerRequest records an indexer request
func (m *PrometheusMetrics) RecordIndexerRequest(endpoint, status string, duration time.Duration) {
	m.IndexerRequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.IndexerRequestLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordConnectionError records a connection error
func (m *PrometheusMetrics) RecordConnectionError(endpoint, errorType string) {
	m.ConnectionErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(client, method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(client, method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(client, method).Observe(duration.Seconds())
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordScheduledRefresh records a scheduler job run
func (m *PrometheusMetrics) RecordScheduledRefresh(job, status string) {
	m.ScheduledRefreshes.WithLabelValues(job, status).Inc()
}

// RecordCacheLookup records a query cache hit or miss
func (m *PrometheusMetrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
