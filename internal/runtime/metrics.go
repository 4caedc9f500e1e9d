package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/messages"
)

const metricsNamespace = "courier"

// Metrics tracks consumer, sender and retry statistics.
type Metrics struct {
	mu sync.RWMutex

	// Per-pipeline counts
	pipelines map[string]*PipelineStats

	// Prometheus collectors
	tasksTotal     *prometheus.CounterVec
	taskErrors     *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	sentTotal      *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	retryDelay     prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

// PipelineStats holds the counters of one pipeline.
type PipelineStats struct {
	Received       uint64    `json:"received"`
	Completed      uint64    `json:"completed"`
	Failed         uint64    `json:"failed"`
	Retried        uint64    `json:"retried"`
	DecodeFailures uint64    `json:"decode_failures"`
	Sent           uint64    `json:"sent"`
	SendFailures   uint64    `json:"send_failures"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

// MetricsSnapshot provides a point-in-time view of the metrics.
type MetricsSnapshot struct {
	Pipelines   map[string]PipelineStats `json:"pipelines"`
	Retries     uint64                   `json:"retries"`
	CollectedAt time.Time                `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer uses the Prometheus
// default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		pipelines:      make(map[string]*PipelineStats),
		registerer:     registerer,
		tasksTotal:     newCounterVec("consumer", "tasks_total", "Consumed tasks by settlement state", "pipeline", "state"),
		taskErrors:     newCounterVec("consumer", "task_errors_total", "Consumed tasks whose dispatch failed", "pipeline"),
		decodeFailures: newCounterVec("consumer", "decode_failures_total", "Consumed tasks that could not be decoded", "pipeline"),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "task_duration_seconds",
			Help:      "Time from receiving a task to settling it",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline", "message_type"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently being processed",
		}),
		sentTotal:    newCounterVec("sender", "messages_total", "Messages submitted to a pipeline", "pipeline"),
		sendFailures: newCounterVec("sender", "failures_total", "Failed submissions to a pipeline", "pipeline"),
		retriesTotal: newCounterVec("retry", "scheduled_total", "Messages scheduled for retry", "message_type"),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "retry",
			Name:      "delay_seconds",
			Help:      "Delay applied to scheduled retries",
			Buckets:   []float64{0, 1, 2, 5, 10, 30, 60, 300, 900, 3600},
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.tasksTotal,
		m.taskErrors,
		m.decodeFailures,
		m.taskDuration,
		m.inFlight,
		m.sentTotal,
		m.sendFailures,
		m.retriesTotal,
		m.retryDelay,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Hooks returns consumer hooks feeding the task metrics.
func (m *Metrics) Hooks() consumer.Hooks {
	return consumer.Hooks{
		OnTaskStart: func(tc consumer.TaskContext) {
			m.inFlight.Inc()
			m.update(tc.Pipeline, func(s *PipelineStats) { s.Received++ })
		},
		OnTaskDone: func(tc consumer.TaskContext) {
			m.settled(tc)
		},
		OnTaskError: func(tc consumer.TaskContext, err error) {
			m.taskErrors.WithLabelValues(tc.Pipeline).Inc()
			if errspkg.IsDecodingError(err) {
				m.decodeFailures.WithLabelValues(tc.Pipeline).Inc()
				m.update(tc.Pipeline, func(s *PipelineStats) { s.DecodeFailures++ })
			}
			m.settled(tc)
		},
	}
}

func (m *Metrics) settled(tc consumer.TaskContext) {
	m.inFlight.Dec()
	m.tasksTotal.WithLabelValues(tc.Pipeline, tc.State.String()).Inc()
	m.taskDuration.WithLabelValues(tc.Pipeline, tc.MessageType).Observe(tc.Duration.Seconds())
	m.update(tc.Pipeline, func(s *PipelineStats) {
		switch tc.State {
		case consumer.StateCompleted:
			s.Completed++
		case consumer.StateRetried:
			s.Retried++
		case consumer.StateFailed:
			s.Failed++
		}
	})
}

// RecordSend counts one submission to pipeline.
func (m *Metrics) RecordSend(pipeline string, err error) {
	if err != nil {
		m.sendFailures.WithLabelValues(pipeline).Inc()
		m.update(pipeline, func(s *PipelineStats) { s.SendFailures++ })
		return
	}
	m.sentTotal.WithLabelValues(pipeline).Inc()
	m.update(pipeline, func(s *PipelineStats) { s.Sent++ })
}

// RetryObserver returns a callback counting scheduled retries by message type.
func (m *Metrics) RetryObserver(types *messages.Registry) func(env *envelope.Envelope, delay time.Duration) {
	return func(env *envelope.Envelope, delay time.Duration) {
		m.retriesTotal.WithLabelValues(types.NameOf(env.Message())).Inc()
		m.retryDelay.Observe(delay.Seconds())
	}
}

func (m *Metrics) update(pipeline string, fn func(*PipelineStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.pipelines[pipeline]
	if !ok {
		stats = &PipelineStats{}
		m.pipelines[pipeline] = stats
	}
	fn(stats)
	stats.LastUpdatedAt = time.Now()
}

// Snapshot returns a copy of the per-pipeline counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Pipelines:   make(map[string]PipelineStats, len(m.pipelines)),
		CollectedAt: time.Now(),
	}
	for name, stats := range m.pipelines {
		snapshot.Pipelines[name] = *stats
		snapshot.Retries += stats.Retried
	}
	return snapshot
}
