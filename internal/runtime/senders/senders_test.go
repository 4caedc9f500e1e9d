package senders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/codec"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/messages"
	"github.com/drblury/courier/internal/runtime/pipelines"
	"github.com/drblury/courier/internal/runtime/queue"
)

type orderPlaced struct {
	ID string `json:"id"`
}

type invoiceIssued struct {
	ID string `json:"id"`
}

func newTypes(t *testing.T) *messages.Registry {
	t.Helper()
	types := messages.NewRegistry()
	require.NoError(t, messages.Register[orderPlaced](types, messages.Type{
		Name:       "OrderPlaced",
		Parents:    []string{"OrderEvent"},
		Interfaces: []string{"Auditable"},
	}))
	require.NoError(t, messages.Register[invoiceIssued](types, messages.Type{Name: "InvoiceIssued"}))
	types.Freeze()
	return types
}

func nopSender() Sender {
	return SenderFunc(func(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		return env, nil
	})
}

func TestRegistryRoutesFollowTypeClosure(t *testing.T) {
	types := newTypes(t)
	r := NewRegistry()
	for _, id := range []string{"queue", "audit", "orders"} {
		require.NoError(t, r.Add(id, nopSender()))
	}
	require.NoError(t, r.RouteMap(map[string][]string{
		"*":           {"queue"},
		"Auditable":   {"audit", "queue"},
		"OrderPlaced": {"orders"},
	}))

	locator, err := r.Freeze(types)
	require.NoError(t, err)

	ids := func(env *envelope.Envelope) []string {
		var out []string
		for _, named := range locator.Senders(env) {
			out = append(out, named.ID)
		}
		return out
	}
	assert.Equal(t, []string{"orders", "audit", "queue"}, ids(envelope.Wrap(orderPlaced{ID: "1"})))
	assert.Equal(t, []string{"queue"}, ids(envelope.Wrap(&invoiceIssued{ID: "2"})))
	// cached path returns the same order
	assert.Equal(t, []string{"orders", "audit", "queue"}, ids(envelope.Wrap(&orderPlaced{ID: "3"})))
}

func TestRegistryRouteDeduplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Route("OrderPlaced", "a", "b"))
	require.NoError(t, r.Route("OrderPlaced", "b", "c", ""))
	assert.Equal(t, []string{"a", "b", "c"}, r.Routes()["OrderPlaced"])
}

func TestRegistryFreezeRejectsUnknownSender(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Route("OrderPlaced", "missing"))
	_, err := r.Freeze(newTypes(t))

	var cfgErr *errspkg.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRegistryRejectsChangesAfterFreeze(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add("queue", nopSender()))
	_, err := r.Freeze(newTypes(t))
	require.NoError(t, err)

	assert.ErrorIs(t, r.Add("other", nopSender()), errspkg.ErrRegistryFrozen)
	assert.ErrorIs(t, r.Route("OrderPlaced", "queue"), errspkg.ErrRegistryFrozen)
}

func TestRegistryAddValidates(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Add("", nopSender()), errspkg.ErrSenderRequired)
	assert.ErrorIs(t, r.Add("queue", nil), errspkg.ErrSenderRequired)
	assert.False(t, r.Has("queue"))
	require.NoError(t, r.Add("queue", nopSender()))
	assert.True(t, r.Has("queue"))
	assert.Error(t, r.Add("queue", nopSender()))
	assert.ErrorIs(t, r.Route("", "queue"), errspkg.ErrMessageTypeRequired)
}

func TestFreezeAppliesInterceptors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add("queue", nopSender()))
	var seen []string
	locator, err := r.Freeze(newTypes(t), func(id string, next Sender) Sender {
		return SenderFunc(func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			seen = append(seen, id)
			return next.Send(ctx, env)
		})
	})
	require.NoError(t, err)

	sender, err := locator.Sender("queue")
	require.NoError(t, err)
	_, err = sender.Send(context.Background(), envelope.Wrap(orderPlaced{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"queue"}, seen)

	_, err = locator.Sender("nope")
	assert.ErrorIs(t, err, errspkg.ErrNoSenderForMessage)
}

func newQueueSender(t *testing.T, svc queue.Service, cfg QueueSenderConfig) *QueueSender {
	t.Helper()
	cfg.Queue = svc
	cfg.Serializer = codec.NewSerializer(newTypes(t))
	s, err := NewQueueSender(cfg)
	require.NoError(t, err)
	return s
}

func TestNewQueueSenderValidates(t *testing.T) {
	_, err := NewQueueSender(QueueSenderConfig{})
	assert.ErrorIs(t, err, errspkg.ErrQueueServiceRequired)
	_, err = NewQueueSender(QueueSenderConfig{Queue: queue.NewMemory()})
	assert.ErrorIs(t, err, errspkg.ErrSerializerRequired)
}

func TestQueueSenderDispatchesToResolvedPipeline(t *testing.T) {
	svc := queue.NewMemory()
	ctx := context.Background()
	require.NoError(t, svc.Create(ctx, queue.Descriptor{Name: "orders"}))

	var sent []string
	s := newQueueSender(t, svc, QueueSenderConfig{
		Aliases:         pipelines.Aliases{"sales": "orders"},
		DefaultPipeline: "default",
		OnSent: func(pipeline string, err error) {
			if err == nil {
				sent = append(sent, pipeline)
			}
		},
	})

	env := envelope.Wrap(orderPlaced{ID: "o-1"},
		envelope.PipelineStamp{Pipeline: "sales"},
		envelope.HeadersStamp{Headers: map[string]string{"tenant": "acme"}},
		envelope.DelayFor(2500*time.Millisecond),
		envelope.ReceivedStamp{TransportName: "courier"},
	)
	out, err := s.Send(ctx, env)
	require.NoError(t, err)

	pending := svc.Pending("orders")
	require.Len(t, pending, 1)
	assert.Equal(t, "OrderPlaced", pending[0].Name)
	assert.JSONEq(t, `{"id":"o-1"}`, string(pending[0].Payload))
	assert.Equal(t, "acme", pending[0].Headers["tenant"])
	assert.Equal(t, "OrderPlaced", pending[0].Headers[codec.HeaderType])
	assert.NotContains(t, pending[0].Headers, codec.HeaderName("Received"))

	id, ok := envelope.Last[envelope.TransportMessageIDStamp](out)
	require.True(t, ok)
	assert.Equal(t, pending[0].ID, id.ID)
	stamp, ok := envelope.Last[envelope.PipelineStamp](out)
	require.True(t, ok)
	assert.Equal(t, "orders", stamp.Pipeline)
	assert.Equal(t, []string{"orders"}, sent)
}

func TestQueueSenderFallsBackToDefaultPipeline(t *testing.T) {
	svc := queue.NewMemory()
	ctx := context.Background()
	require.NoError(t, svc.Create(ctx, queue.Descriptor{Name: "default"}))

	s := newQueueSender(t, svc, QueueSenderConfig{DefaultPipeline: "default"})
	_, err := s.Send(ctx, envelope.Wrap(invoiceIssued{ID: "i-1"}))
	require.NoError(t, err)
	assert.Len(t, svc.Pending("default"), 1)
}

func TestQueueSenderRequiresPipeline(t *testing.T) {
	s := newQueueSender(t, queue.NewMemory(), QueueSenderConfig{})
	_, err := s.Send(context.Background(), envelope.Wrap(invoiceIssued{}))
	assert.ErrorIs(t, err, errspkg.ErrPipelineRequired)
}

type failingQueue struct {
	*queue.Memory
	err error
}

func (f failingQueue) Connect(name string) queue.Queue {
	return failingDispatch{name: name, err: f.err}
}

type failingDispatch struct {
	name string
	err  error
}

func (f failingDispatch) Name() string { return f.name }

func (f failingDispatch) Dispatch(context.Context, queue.PreparedTask) (queue.QueuedTask, error) {
	return queue.QueuedTask{}, f.err
}

func TestQueueSenderWrapsTransportFailures(t *testing.T) {
	boom := errors.New("connection refused")
	var reported []error
	s := newQueueSender(t, failingQueue{Memory: queue.NewMemory(), err: boom}, QueueSenderConfig{
		DefaultPipeline: "orders",
		Reporter: loggingpkg.ReporterFunc(func(_ context.Context, err error, _ loggingpkg.LogFields) {
			reported = append(reported, err)
		}),
	})

	_, err := s.Send(context.Background(), envelope.Wrap(orderPlaced{}))

	var transportErr *errspkg.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "orders", transportErr.Pipeline)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []error{boom}, reported)
}
