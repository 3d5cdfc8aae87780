package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// ApplyBuckets for legacy platform write calls over the network
	ApplyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// RouteBuckets for routed caller requests end to end
	RouteBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// AttemptBuckets for number of apply attempts per event
	AttemptBuckets = []float64{1, 2, 3, 4, 5, 6, 7, 8}
)

// Sync Engine Metrics
var (
	// SyncEventsTotal counts handled change events by partition and result
	// (applied, conflict, mapping_failed, permanent_failure, retries_exhausted)
	SyncEventsTotal CounterVec = noopCounterVec{}

	// SyncApplyAttempts measures apply attempts per successfully handled event
	SyncApplyAttempts Histogram = NoopStat{}

	// SyncApplySeconds measures time from first attempt to terminal state
	SyncApplySeconds Histogram = NoopStat{}

	// DeadLettersTotal counts dead-lettered events by partition
	DeadLettersTotal CounterVec = noopCounterVec{}

	// DeadLetterReplaysTotal counts operator-initiated replays by result
	DeadLetterReplaysTotal CounterVec = noopCounterVec{}

	// SyncCursorPosition tracks the last acknowledged stream position per partition
	SyncCursorPosition GaugeVec = noopGaugeVec{}
)

// Request Router Metrics
var (
	// RoutedRequestsTotal counts routed caller requests by classification and result
	RoutedRequestsTotal CounterVec = noopCounterVec{}

	// RouteDurationSeconds measures routed request latency by classification
	RouteDurationSeconds HistogramVec = noopHistogramVec{}

	// FallbacksTotal counts requests forwarded to the legacy platform after
	// an engine failure, by classification
	FallbacksTotal CounterVec = noopCounterVec{}

	// CacheOpsTotal counts read cache operations by result (hit, miss, expired)
	CacheOpsTotal CounterVec = noopCounterVec{}

	// CacheEntries tracks current entries in the read cache
	CacheEntries Gauge = NoopStat{}

	// CacheInvalidationsTotal counts cache invalidations by scope (entity, list)
	CacheInvalidationsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Sync Engine Metrics
	SyncEventsTotal = NewCounterVec(
		"sync_events_total",
		"Handled change events by partition and result",
		[]string{"partition", "result"},
	)
	SyncApplyAttempts = NewHistogramWithBuckets(
		"sync_apply_attempts",
		"Apply attempts per successfully handled event",
		AttemptBuckets,
	)
	SyncApplySeconds = NewHistogramWithBuckets(
		"sync_apply_seconds",
		"Time from first attempt to terminal state in seconds",
		ApplyBuckets,
	)
	DeadLettersTotal = NewCounterVec(
		"dead_letters_total",
		"Dead-lettered events by partition",
		[]string{"partition"},
	)
	DeadLetterReplaysTotal = NewCounterVec(
		"dead_letter_replays_total",
		"Operator-initiated dead letter replays by result",
		[]string{"result"},
	)
	SyncCursorPosition = NewGaugeVec(
		"sync_cursor_position",
		"Last acknowledged stream position per partition",
		[]string{"partition"},
	)

	// Request Router Metrics
	RoutedRequestsTotal = NewCounterVec(
		"routed_requests_total",
		"Routed caller requests by classification and result",
		[]string{"classification", "result"},
	)
	RouteDurationSeconds = NewHistogramVec(
		"route_duration_seconds",
		"Routed request duration in seconds",
		[]string{"classification"},
		RouteBuckets,
	)
	FallbacksTotal = NewCounterVec(
		"fallbacks_total",
		"Requests forwarded to the legacy platform after engine failure",
		[]string{"classification"},
	)
	CacheOpsTotal = NewCounterVec(
		"cache_ops_total",
		"Read cache operations by result",
		[]string{"result"},
	)
	CacheEntries = NewGauge(
		"cache_entries",
		"Current entries in the read cache",
	)
	CacheInvalidationsTotal = NewCounterVec(
		"cache_invalidations_total",
		"Cache invalidations by scope",
		[]string{"scope"},
	)
}
