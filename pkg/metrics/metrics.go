package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Flow metrics
	FlowsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flows_loaded",
			Help: "Number of compiled flows currently loaded",
		},
	)

	FlowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_runs_total",
			Help: "Total number of flow runs",
		},
		[]string{"flow_id", "status"},
	)

	FlowRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flow_run_duration_seconds",
			Help:    "Flow run duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"flow_id"},
	)

	FlowValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_validation_errors_total",
			Help: "Total number of flow validation errors by code",
		},
		[]string{"code"},
	)

	// Node metrics
	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "node_execution_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"node_type"},
	)

	// Script metrics
	ScriptExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "script_executions_total",
			Help: "Total number of script executions",
		},
		[]string{"outcome"},
	)

	ScriptExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "script_execution_duration_seconds",
			Help:    "Script execution duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 1, 5},
		},
	)

	// State machine metrics
	StateMachineScansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "statemachine_scans_total",
			Help: "Total number of state machine scan passes",
		},
	)

	StateMachineTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statemachine_transitions_total",
			Help: "Total number of state machine transitions",
		},
		[]string{"machine_id", "event"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published",
		},
		[]string{"event_type"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total number of events consumed",
		},
		[]string{"event_type", "topic"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// Historian metrics
	HistorianWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "historian_writes_total",
			Help: "Total number of historian samples written",
		},
		[]string{"outcome"},
	)
)

// RecordHTTPRequest records an HTTP request metric
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordFlowRun records a completed flow run
func RecordFlowRun(flowID, status string, duration float64) {
	FlowRunsTotal.WithLabelValues(flowID, status).Inc()
	FlowRunDuration.WithLabelValues(flowID).Observe(duration)
}

// RecordNodeExecution records a node invocation and its duration
func RecordNodeExecution(nodeType, status string, duration float64) {
	NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	NodeExecutionDuration.WithLabelValues(nodeType).Observe(duration)
}

// RecordScriptExecution records a script run
func RecordScriptExecution(outcome string, duration float64) {
	ScriptExecutionsTotal.WithLabelValues(outcome).Inc()
	ScriptExecutionDuration.Observe(duration)
}

func RecordValidationError(code string) {
	FlowValidationErrors.WithLabelValues(code).Inc()
}

func RecordScan() {
	StateMachineScansTotal.Inc()
}

func RecordTransition(machineID, event string) {
	StateMachineTransitionsTotal.WithLabelValues(machineID, event).Inc()
}

func RecordEventPublished(eventType string) {
	EventsPublished.WithLabelValues(eventType).Inc()
}

func RecordEventConsumed(eventType, topic string) {
	EventsConsumed.WithLabelValues(eventType, topic).Inc()
}

func RecordCacheHit(cache string) {
	CacheHits.WithLabelValues(cache).Inc()
}

func RecordCacheMiss(cache string) {
	CacheMisses.WithLabelValues(cache).Inc()
}

func RecordHistorianWrite(outcome string) {
	HistorianWritesTotal.WithLabelValues(outcome).Inc()
}
