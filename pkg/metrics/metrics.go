package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster topology metrics
	ComponentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flexsim_components_total",
			Help: "Total number of registered components by type and status",
		},
		[]string{"type", "status"},
	)

	SDSNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flexsim_sds_nodes_total",
			Help: "Total number of SDS nodes by status",
		},
		[]string{"status"},
	)

	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexsim_pools_total",
			Help: "Total number of storage pools",
		},
	)

	PoolHealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flexsim_pool_health_status",
			Help: "Pool health by pool id and health state (1 = current state)",
		},
		[]string{"pool_id", "health"},
	)

	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flexsim_volumes_total",
			Help: "Total number of volumes by state",
		},
		[]string{"state"},
	)

	ChunksDegradedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexsim_chunks_degraded_total",
			Help: "Total number of chunks currently below required replica count",
		},
	)

	CapacityUsedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flexsim_capacity_used_bytes",
			Help: "Used capacity in bytes by pool",
		},
		[]string{"pool_id"},
	)

	CapacityReservedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flexsim_capacity_reserved_bytes",
			Help: "Reserved capacity in bytes by pool",
		},
		[]string{"pool_id"},
	)

	// MDM control API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexsim_mdm_api_requests_total",
			Help: "Total number of MDM control API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flexsim_mdm_api_request_duration_seconds",
			Help:    "MDM control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Token authority metrics
	TokensIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexsim_tokens_issued_total",
			Help: "Total number of capability tokens issued",
		},
	)

	TokensExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexsim_tokens_expired_total",
			Help: "Total number of capability tokens swept as expired",
		},
	)

	TokenVerifyFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexsim_token_verify_failures_total",
			Help: "Total number of token verification failures by reason",
		},
		[]string{"reason"},
	)

	// Data plane metrics
	PlanGenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flexsim_plan_generation_duration_seconds",
			Help:    "Time taken to build an I/O plan in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SDSIORequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexsim_sds_io_requests_total",
			Help: "Total number of SDS data-plane requests by action and result",
		},
		[]string{"action", "result"},
	)

	SDSIODuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flexsim_sds_io_duration_seconds",
			Help:    "SDS data-plane request duration in seconds by action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	SDCAckQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexsim_sds_ack_queue_depth",
			Help: "Number of unacknowledged transaction acks pending flush to the MDM",
		},
	)

	// Rebuild metrics
	RebuildJobsActiveTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexsim_rebuild_jobs_active_total",
			Help: "Total number of rebuild jobs currently in progress",
		},
	)

	RebuildBytesRebuiltTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexsim_rebuild_bytes_rebuilt_total",
			Help: "Total bytes rebuilt by pool",
		},
		[]string{"pool_id"},
	)

	RebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flexsim_rebuild_duration_seconds",
			Help:    "Time taken for a rebuild job to complete in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	)

	RebuildStalledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexsim_rebuild_stalled_total",
			Help: "Total number of rebuild jobs that hit the stall timeout",
		},
	)

	// Discovery / health metrics
	HeartbeatsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexsim_heartbeats_received_total",
			Help: "Total number of heartbeats received by component type",
		},
		[]string{"type"},
	)

	ComponentsInactiveTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexsim_components_inactive_total",
			Help: "Total number of components past their heartbeat timeout",
		},
	)

	ClusterHealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexsim_cluster_health_score",
			Help: "Fraction of registered components currently active, 0-100",
		},
	)
)

func init() {
	prometheus.MustRegister(ComponentsTotal)
	prometheus.MustRegister(SDSNodesTotal)
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(PoolHealthStatus)
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(ChunksDegradedTotal)
	prometheus.MustRegister(CapacityUsedBytes)
	prometheus.MustRegister(CapacityReservedBytes)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	prometheus.MustRegister(TokensIssuedTotal)
	prometheus.MustRegister(TokensExpiredTotal)
	prometheus.MustRegister(TokenVerifyFailuresTotal)

	prometheus.MustRegister(PlanGenerationDuration)
	prometheus.MustRegister(SDSIORequestsTotal)
	prometheus.MustRegister(SDSIODuration)
	prometheus.MustRegister(SDCAckQueueDepth)

	prometheus.MustRegister(RebuildJobsActiveTotal)
	prometheus.MustRegister(RebuildBytesRebuiltTotal)
	prometheus.MustRegister(RebuildDuration)
	prometheus.MustRegister(RebuildStalledTotal)

	prometheus.MustRegister(HeartbeatsReceivedTotal)
	prometheus.MustRegister(ComponentsInactiveTotal)
	prometheus.MustRegister(ClusterHealthScore)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
