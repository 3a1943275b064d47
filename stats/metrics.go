package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	metricsNamespace = "mail_to_sheets"
	metricsJob       = "mail_to_sheets"
)

// Metrics mirrors run events into a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry
	messages *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration prometheus.Gauge
	lastRun  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Messages seen by the sync, partitioned by outcome.",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Errors raised during the sync, partitioned by stage.",
		}, []string{"stage"}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the most recent sync run.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the most recent sync run finished.",
		}),
	}
	m.registry.MustRegister(m.messages, m.errors, m.duration, m.lastRun)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Record(evt Event) {
	if evt.Type == EventTypeError {
		m.errors.WithLabelValues(string(evt.Stage)).Inc()
		return
	}
	m.messages.WithLabelValues(string(evt.Type)).Add(float64(evt.n()))
}

// Finish stamps the run duration and completion time.
func (m *Metrics) Finish(duration time.Duration) {
	m.duration.Set(duration.Seconds())
	m.lastRun.SetToCurrentTime()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Push sends the registry to a Prometheus Pushgateway.
func (m *Metrics) Push(ctx context.Context, url string) error {
	if err := push.New(url, metricsJob).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
