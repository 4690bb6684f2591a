package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SuitesTotal is the number of benchmark suites currently stored.
	SuitesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "surveyor_suites_total",
			Help: "Total number of benchmark suites",
		},
	)

	// TasksTotal is the number of tasks by state, across all suites.
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "surveyor_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	// ResourceAvailable is a runner's spare capacity by resource kind
	// (job, cpu, mem), sampled from its ResourceManager.
	ResourceAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "surveyor_resource_available",
			Help: "Spare runner capacity by resource kind",
		},
		[]string{"resource"},
	)

	// TasksEvaluatedTotal counts tasks a runner has finished evaluating,
	// by outcome: "ok" when the supervisor returned normally (including
	// tasks finished with an environment or run error), "error" when it
	// returned an error and the task was abandoned.
	TasksEvaluatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveyor_tasks_evaluated_total",
			Help: "Total number of tasks evaluated by outcome",
		},
		[]string{"outcome"},
	)

	// TaskDuration is the wall-clock time a task spent under evaluation.
	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "surveyor_task_duration_seconds",
			Help:    "Time taken to evaluate a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BuildsTotal counts environment image builds by outcome.
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveyor_environment_builds_total",
			Help: "Total number of environment image builds by outcome",
		},
		[]string{"outcome"},
	)

	// BuildDuration is how long an environment image build took.
	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "surveyor_environment_build_duration_seconds",
			Help:    "Time taken to build an environment image in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// GCImagesRemovedTotal counts images removed by the gc subcommand.
	GCImagesRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surveyor_gc_images_removed_total",
			Help: "Total number of environment images removed by gc",
		},
	)
)

func init() {
	prometheus.MustRegister(SuitesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(ResourceAvailable)
	prometheus.MustRegister(TasksEvaluatedTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(GCImagesRemovedTotal)
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

// ObserveDurationVec records the duration against one label combination
// of a histogram vec.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labelValues ...string) {
	histogram.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
