package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/messages"
)

func TestMetricsRegisterIsIdempotent(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := NewMetrics(registry)
	assert.NoError(t, other.Register(), "collectors already registered are accepted")
}

func TestMetricsHooksCountTaskStates(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())
	hooks := m.Hooks()

	tc := consumer.TaskContext{Pipeline: "orders", MessageType: "OrderPlaced", Duration: time.Millisecond}
	hooks.OnTaskStart(tc)
	tc.State = consumer.StateCompleted
	hooks.OnTaskDone(tc)

	hooks.OnTaskStart(tc)
	tc.State = consumer.StateFailed
	hooks.OnTaskError(tc, errspkg.NewDecodingError("bad body", errors.New("eof")))

	hooks.OnTaskStart(tc)
	tc.State = consumer.StateRetried
	hooks.OnTaskError(tc, errors.New("boom"))

	stats := m.Snapshot().Pipelines["orders"]
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Retried)
	assert.Equal(t, uint64(1), stats.DecodeFailures)
	assert.Equal(t, uint64(1), m.Snapshot().Retries)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.tasksTotal.WithLabelValues("orders", consumer.StateCompleted.String())))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.taskErrors.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decodeFailures.WithLabelValues("orders")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.inFlight))
}

func TestMetricsRecordSend(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSend("orders", nil)
	m.RecordSend("orders", nil)
	m.RecordSend("orders", errors.New("unreachable"))

	stats := m.Snapshot().Pipelines["orders"]
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(1), stats.SendFailures)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sentTotal.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sendFailures.WithLabelValues("orders")))
}

func TestMetricsRetryObserver(t *testing.T) {
	types := messages.NewRegistry()
	require.NoError(t, messages.Register[orderPlaced](types, messages.Type{Name: "OrderPlaced"}))
	types.Freeze()
	m := NewMetrics(prometheus.NewRegistry())

	observe := m.RetryObserver(types)
	observe(envelope.Wrap(&orderPlaced{ID: "1"}), 2*time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.retriesTotal.WithLabelValues("OrderPlaced")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.retryDelay))
}

func TestMetricsSnapshotIsACopy(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordSend("orders", nil)

	snapshot := m.Snapshot()
	m.RecordSend("orders", nil)

	assert.Equal(t, uint64(1), snapshot.Pipelines["orders"].Sent)
	assert.False(t, snapshot.CollectedAt.IsZero())
}
