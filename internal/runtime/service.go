package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/courier/internal/runtime/codec"
	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/handlers"
	"github.com/drblury/courier/internal/runtime/lock"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/messages"
	"github.com/drblury/courier/internal/runtime/middleware"
	"github.com/drblury/courier/internal/runtime/pipelines"
	"github.com/drblury/courier/internal/runtime/queue"
	"github.com/drblury/courier/internal/runtime/retry"
	"github.com/drblury/courier/internal/runtime/senders"
	"github.com/drblury/courier/transport"
)

// DefaultBus names the bus handlers are bound to unless they declare one.
const DefaultBus = "default"

// QueueSenderID is the id of the sender submitting messages to the queue
// backend.
const QueueSenderID = "queue"

// QueueBackend is a queue service the service can also consume from.
type QueueBackend interface {
	queue.Service
	queue.Consumer
}

// MessageValidator validates decoded messages before they are handled.
// Implementations typically forward to protovalidate or a custom struct
// validator.
type MessageValidator interface {
	Validate(message any) error
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to build them from the configuration.
type ServiceDependencies struct {
	// Queue replaces the backend selected by Config.QueueSystem.
	Queue QueueBackend
	// Locker replaces the lock selected by Config.LockBackend.
	Locker     lock.Locker
	Transports *transport.Registry
	Reporter   loggingpkg.ErrorReporter
	Validator  MessageValidator
	// Middlewares are added to the custom middleware stack.
	Middlewares         []middleware.Registration
	HandlerInterceptors []handlers.Interceptor
	SenderInterceptors  []senders.Interceptor
	Hooks               consumer.Hooks
	Finalizers          []consumer.Finalizer
	TracerProvider      trace.TracerProvider
	// Registerer and Gatherer default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Bus is the name of this service's bus, DefaultBus when empty.
	Bus string
}

// Service is the messenger: it collects message types, handlers, senders,
// pipelines and middlewares during the build phase, then dispatches messages
// and consumes tasks once frozen.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	deps       ServiceDependencies
	reporter   loggingpkg.ErrorReporter
	types      *messages.Registry
	handlers   *handlers.Registry
	senders    *senders.Registry
	stack      *middleware.Stack
	provider   *pipelines.Provider
	serializer *codec.Serializer
	metrics    *Metrics

	buildMu     sync.Mutex
	frozen      atomic.Bool
	backend     QueueBackend
	locker      lock.Locker
	redis       *redis.Client
	registry    *pipelines.Registry
	handlerKeys []string
	bus         middleware.HandlerFunc
	loop        *consumer.Loop
	closers     []func() error

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// TryNewService validates conf and returns a Service in its build phase.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	resolved := conf.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	log.Info("Creating messenger service", loggingpkg.LogFields{
		"queue_system": resolved.QueueSystem,
		"config":       resolved,
	})

	if deps.Transports == nil {
		deps.Transports = transport.DefaultRegistry
	}
	if deps.Bus == "" {
		deps.Bus = DefaultBus
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = loggingpkg.NewLoggerReporter(log)
	}
	types := messages.NewRegistry()

	s := &Service{
		Conf:       &resolved,
		Logger:     log,
		deps:       deps,
		reporter:   reporter,
		types:      types,
		handlers:   handlers.NewRegistry(),
		senders:    senders.NewRegistry(),
		stack:      &middleware.Stack{},
		provider:   pipelines.NewProvider(),
		serializer: codec.NewSerializer(types, codec.WithDefaultFormat(resolved.DefaultFormat)),
		metrics:    NewMetrics(deps.Registerer),
	}

	for _, reg := range deps.Middlewares {
		if err := s.stack.Add(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return nil, fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	if deps.Validator != nil {
		_ = s.stack.Add(middleware.Registration{
			Name:       "validate",
			Priority:   middleware.PriorityHigh,
			Middleware: validate(deps.Validator),
		})
	}
	return s, nil
}

// NewService is TryNewService that panics on error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// RegisterMessage adds message type T. Register messages before the
// handlers that reference them.
func RegisterMessage[T any](s *Service, t messages.Type) error {
	return messages.Register[T](s.types, t)
}

// RegisterStamp makes stamp type T decodable from task headers.
func RegisterStamp[T envelope.Stamp](s *Service) {
	codec.RegisterStamp[T](s.serializer.Stamps())
}

// HandleFunc registers fn for the message type of T.
func HandleFunc[T any](s *Service, desc handlers.Descriptor, fn func(ctx context.Context, message T) error) error {
	var zero T
	name := s.types.NameOf(zero)
	if name == "" {
		return errspkg.ErrMessageTypeRequired
	}
	return s.RegisterHandler(handlers.Registration{
		Message:    name,
		Descriptor: desc,
		Handle:     handlers.Typed(fn),
	})
}

// RegisterHandler adds a handler for a message type, ancestor, interface or
// "*".
func (s *Service) RegisterHandler(reg handlers.Registration) error {
	if reg.Descriptor.Bus == "" {
		reg.Descriptor.Bus = s.deps.Bus
	}
	return s.handlers.Register(reg)
}

// SetOwnerRetry sets the retry strategy of every handler of owner that has
// none of its own.
func (s *Service) SetOwnerRetry(owner string, strategy retry.Strategy) error {
	return s.handlers.SetOwnerRetry(owner, strategy)
}

// AddSender registers a sender under id.
func (s *Service) AddSender(id string, sender senders.Sender) error {
	return s.senders.Add(id, sender)
}

// RouteSender routes messageType to the senders ids.
func (s *Service) RouteSender(messageType string, ids ...string) error {
	return s.senders.Route(messageType, ids...)
}

// AddPipeline declares a pipeline and the aliases resolving to it.
func (s *Service) AddPipeline(def pipelines.Definition, aliases ...string) error {
	if s.frozen.Load() {
		return errspkg.ErrRegistryFrozen
	}
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	s.provider.Add(def, aliases...)
	return nil
}

// RegisterMiddleware adds a custom middleware. Higher priorities run first.
func (s *Service) RegisterMiddleware(reg middleware.Registration) error {
	if s.frozen.Load() {
		return errspkg.ErrRegistryFrozen
	}
	return s.stack.Add(reg)
}

// Frozen reports whether Freeze completed.
func (s *Service) Frozen() bool {
	return s.frozen.Load()
}

// Metrics returns the service metrics.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Queue returns the queue backend. It is nil before Freeze.
func (s *Service) Queue() QueueBackend {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	return s.backend
}

// Dispatch wraps msg with stamps and runs it through the bus.
func (s *Service) Dispatch(ctx context.Context, msg any, stamps ...envelope.Stamp) (*envelope.Envelope, error) {
	if !s.frozen.Load() {
		return nil, errspkg.ErrServiceNotFrozen
	}
	if msg == nil {
		return nil, errspkg.ErrMessageRequired
	}
	return s.bus(ctx, envelope.Wrap(msg, stamps...))
}

// Serve consumes tasks until ctx is done or a handler asks the worker to stop.
func (s *Service) Serve(ctx context.Context) error {
	if !s.frozen.Load() {
		return errspkg.ErrServiceNotFrozen
	}
	return s.loop.Serve(ctx)
}

// Start freezes the service when needed, starts the HTTP servers and
// consumes tasks until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if !s.frozen.Load() {
		if err := s.Freeze(ctx); err != nil {
			return err
		}
	}
	if s.Conf.MetricsEnabled {
		s.registerMetricsEndpoint()
	}
	s.startHTTPServers(ctx)
	return s.Serve(ctx)
}

// Close releases the queue backend and the connections opened by Freeze.
func (s *Service) Close() error {
	s.buildMu.Lock()
	closers := s.closers
	s.closers = nil
	s.buildMu.Unlock()

	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
