// Package metrics collects Prometheus metrics for the skill server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns every metric family the server emits.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	sandboxLaunches   *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	runningExecutions prometheus.Gauge

	workflowsTotal   *prometheus.CounterVec
	workflowDuration prometheus.Histogram

	registeredSkills prometheus.Gauge
}

// NewCollector registers all metric families under the given namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		httpRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		httpRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		executionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_executions_total",
			Help:      "Terminal skill executions by state",
		}, []string{"state", "language"}),

		executionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "skill_execution_duration_seconds",
			Help:      "Wall-clock duration of skill executions",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"language"}),

		sandboxLaunches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_launches_total",
			Help:      "Sandbox launches by runner backend",
		}, []string{"runner"}),

		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "async_queue_depth",
			Help:      "Queued asynchronous executions",
		}),

		runningExecutions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_executions",
			Help:      "Currently running executions",
		}),

		workflowsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Terminal workflow executions by status",
		}, []string{"status"}),

		workflowDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Wall-clock duration of workflow executions",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		registeredSkills: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_skills",
			Help:      "Distinct registered skill ids",
		}),
	}
}

// ObserveHTTPRequest records one served request.
func (c *Collector) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, httpStatusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveExecution records one terminal execution.
func (c *Collector) ObserveExecution(state, language string, elapsed time.Duration) {
	c.executionsTotal.WithLabelValues(state, language).Inc()
	c.executionDuration.WithLabelValues(language).Observe(elapsed.Seconds())
}

// ObserveSandboxLaunch records one sandbox launch.
func (c *Collector) ObserveSandboxLaunch(runner string) {
	c.sandboxLaunches.WithLabelValues(runner).Inc()
}

// SetQueueDepth updates the async queue gauge.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// SetRunning updates the running-executions gauge.
func (c *Collector) SetRunning(n int) {
	c.runningExecutions.Set(float64(n))
}

// ObserveWorkflow records one terminal workflow.
func (c *Collector) ObserveWorkflow(status string, elapsed time.Duration) {
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.Observe(elapsed.Seconds())
}

// SetRegisteredSkills updates the registered-skills gauge.
func (c *Collector) SetRegisteredSkills(n int) {
	c.registeredSkills.Set(float64(n))
}

func httpStatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
