package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by loadlab. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	TaskExecutions *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	ScenarioTasks  prometheus.Gauge
	RunningTasks   prometheus.Gauge
	DevToolsFrames *prometheus.CounterVec
	RequestErrors  *prometheus.CounterVec
	StreamBytes    prometheus.Counter

	window *DurationWindow
}

// NewMetrics registers the instruments on reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TaskExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_total",
			Help:      "Task executions by final status.",
		}, []string{"status"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Recipe duration by task.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"task"}),
		ScenarioTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scenario_tasks",
			Help:      "Number of tasks in the scenario being executed.",
		}),
		RunningTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Number of recipes currently running.",
		}),
		DevToolsFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devtools_frames_total",
			Help:      "DevTools frames by direction and kind.",
		}, []string{"direction", "kind"}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devtools_request_errors_total",
			Help:      "DevTools responses carrying an error, by method.",
		}, []string{"method"}),
		StreamBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devtools_stream_bytes_total",
			Help:      "Bytes reassembled from DevTools IO streams.",
		}),
		window: NewDurationWindow(256),
	}
}

func (m *Metrics) ObserveTask(task, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskExecutions.WithLabelValues(status).Inc()
	if d > 0 {
		m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
		m.window.Observe(task, float64(d.Microseconds())/1000)
	}
	m.window.ObserveCounter(status)
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.RunningTasks.Inc()
}

func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.RunningTasks.Dec()
}

func (m *Metrics) SetScenarioSize(n int) {
	if m == nil {
		return
	}
	m.ScenarioTasks.Set(float64(n))
}

func (m *Metrics) ObserveFrame(direction, kind string) {
	if m == nil {
		return
	}
	m.DevToolsFrames.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) ObserveRequestError(method string) {
	if m == nil {
		return
	}
	m.RequestErrors.WithLabelValues(method).Inc()
}

func (m *Metrics) AddStreamBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StreamBytes.Add(float64(n))
}

// TaskDurations returns recent per-task timings.
func (m *Metrics) TaskDurations() DurationSnapshot {
	if m == nil {
		return NewDurationWindow(0).Snapshot()
	}
	return m.window.Snapshot()
}

// MetricsHandler serves the default registry, or gatherer when given.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
