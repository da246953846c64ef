package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	FleetPowerWatts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_fleet_power_watts",
			Help: "Total reported power draw across active nodes",
		},
	)

	FleetGPUUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_fleet_gpu_utilization",
			Help: "Average GPU utilization across active nodes (0-100)",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_queue_depth",
			Help: "Number of queued jobs by priority",
		},
		[]string{"priority"},
	)

	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_jobs_processing",
			Help: "Number of currently claimed jobs",
		},
	)

	JobsCompletedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_jobs_completed_total",
			Help: "Lifetime count of completed jobs",
		},
	)

	JobsFailedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_jobs_failed_total",
			Help: "Lifetime count of dead-lettered jobs",
		},
	)

	JobsPerMinute = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_jobs_per_minute",
			Help: "Completion rate over the recent window",
		},
	)

	// Vision scheduler metrics
	VisionQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_vision_queue_depth",
			Help: "Number of pending image-generation jobs",
		},
	)

	VisionNodesAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_vision_nodes_available",
			Help: "Vision workers currently able to accept a job",
		},
	)

	// Doctor metrics
	DoctorProblems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_doctor_problems",
			Help: "Open problems by severity",
		},
		[]string{"severity"},
	)

	DoctorActionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_doctor_actions_total",
			Help: "Total remediation actions executed",
		},
	)

	// Scaler metrics
	ScalerCurrentNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_scaler_current_nodes",
			Help: "Active node count as seen by the scaler",
		},
	)

	ScalerRecommendedNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_scaler_recommended_nodes",
			Help: "Most recent scale recommendation",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(FleetPowerWatts)
	prometheus.MustRegister(FleetGPUUtilization)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsPerMinute)
	prometheus.MustRegister(VisionQueueDepth)
	prometheus.MustRegister(VisionNodesAvailable)
	prometheus.MustRegister(DoctorProblems)
	prometheus.MustRegister(DoctorActionsTotal)
	prometheus.MustRegister(ScalerCurrentNodes)
	prometheus.MustRegister(ScalerRecommendedNodes)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
