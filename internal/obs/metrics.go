package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Writeback (C3) metrics — total/success/finalFailure/retry counters, pending
// queue depth aggregated across workers, and dirty-cache size, as named in
// spec.md §4.3 "Metrics exposed".
var (
	WritebackSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slgcore_writeback_submitted_total",
		Help: "Tasks submitted to the writeback manager, by op.",
	}, []string{"op"})

	WritebackSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slgcore_writeback_success_total",
		Help: "Tasks successfully landed, by op.",
	}, []string{"op"})

	WritebackFinalFailure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slgcore_writeback_final_failure_total",
		Help: "Tasks that exhausted maxRetries, by op.",
	}, []string{"op"})

	WritebackRetry = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slgcore_writeback_retry_total",
		Help: "Retry attempts issued by the writeback manager.",
	})

	WritebackQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "slgcore_writeback_queue_depth",
		Help: "Pending tasks queued per worker.",
	}, []string{"worker"})

	WritebackDirtyCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slgcore_writeback_dirty_cache_size",
		Help: "Entities currently held in the dirty cache.",
	})

	// RPC client/server (C5/C6) latency, grounded on cuemby-warren's and
	// MOHCentral-opm-stats-api's promauto histogram usage in the pack.
	RPCClientLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slgcore_rpc_client_latency_seconds",
		Help:    "RPC client call latency by interface#method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "method"})

	RPCServerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slgcore_rpc_server_latency_seconds",
		Help:    "RPC server dispatch latency by interface#method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "method"})

	RPCClientBreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "slgcore_rpc_client_breaker_open",
		Help: "1 if the circuit breaker for an address is open, else 0.",
	}, []string{"address"})

	MigrationOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slgcore_migration_outcome_total",
		Help: "Migration coordinator outcomes by kind and result.",
	}, []string{"kind", "result"})
)
