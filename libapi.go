package courier

import (
	"context"
	"time"

	runtimepkg "github.com/drblury/courier/internal/runtime"
	"github.com/drblury/courier/internal/runtime/codec"
	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/handlers"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	"github.com/drblury/courier/internal/runtime/lock"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/messages"
	"github.com/drblury/courier/internal/runtime/middleware"
	"github.com/drblury/courier/internal/runtime/pipelines"
	"github.com/drblury/courier/internal/runtime/queue"
	"github.com/drblury/courier/internal/runtime/retry"
	"github.com/drblury/courier/internal/runtime/senders"
	"github.com/drblury/courier/transport"
	_ "github.com/drblury/courier/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	MessageValidator    = runtimepkg.MessageValidator
	QueueBackend        = runtimepkg.QueueBackend
	Metrics             = runtimepkg.Metrics
	MetricsSnapshot     = runtimepkg.MetricsSnapshot
	PipelineStats       = runtimepkg.PipelineStats
	Status              = runtimepkg.Status

	Envelope = envelope.Envelope
	Stamp    = envelope.Stamp

	SerializerStamp            = envelope.SerializerStamp
	PipelineStamp              = envelope.PipelineStamp
	DelayStamp                 = envelope.DelayStamp
	OptionsStamp               = envelope.OptionsStamp
	HeadersStamp               = envelope.HeadersStamp
	ReceivedStamp              = envelope.ReceivedStamp
	TransportMessageIDStamp    = envelope.TransportMessageIDStamp
	RedeliveryStamp            = envelope.RedeliveryStamp
	NoAutoAckStamp             = envelope.NoAutoAckStamp
	AllowMultipleHandlersStamp = envelope.AllowMultipleHandlersStamp
	TargetHandlerStamp         = envelope.TargetHandlerStamp
	HandledStamp               = envelope.HandledStamp
	ErrorDetailsStamp          = envelope.ErrorDetailsStamp

	MessageType = messages.Type

	HandlerDescriptor   = handlers.Descriptor
	HandlerRegistration = handlers.Registration
	HandlerFunc         = handlers.Func
	HandlerRef          = handlers.Ref
	HandlerInterceptor  = handlers.Interceptor
	HandlerContext      = handlers.Context

	Sender            = senders.Sender
	SenderFunc        = senders.SenderFunc
	SenderInterceptor = senders.Interceptor

	Middleware             = middleware.Middleware
	MiddlewareRegistration = middleware.Registration
	BusFunc                = middleware.HandlerFunc

	RetryStrategy      = retry.Strategy
	MultiplierStrategy = retry.MultiplierStrategy
	RetryPolicy        = retry.Policy

	PipelineDefinition = pipelines.Definition
	StaticPipeline     = pipelines.Static
	PipelineDescriptor = queue.Descriptor

	Locker    = lock.Locker
	Task      = queue.Task
	TaskHooks = consumer.Hooks
	TaskInfo  = consumer.TaskContext
	TaskState = consumer.State

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	ErrorReporter = loggingpkg.ErrorReporter

	ConfigValidationError = errspkg.ConfigValidationError
	ConfigurationError    = errspkg.ConfigurationError
	DecodingError         = errspkg.DecodingError
	HandlerFailedError    = errspkg.HandlerFailedError

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

// Middleware priorities. Higher runs further out.
const (
	PriorityLow     = middleware.PriorityLow
	PriorityDefault = middleware.PriorityDefault
	PriorityHigh    = middleware.PriorityHigh
)

// Task settlement states reported to hooks.
const (
	TaskPending   = consumer.StatePending
	TaskCompleted = consumer.StateCompleted
	TaskFailed    = consumer.StateFailed
	TaskRetried   = consumer.StateRetried
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	DefaultConfig  = configpkg.Default
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	Wrap = envelope.Wrap

	NewStaticPipeline     = pipelines.NewStatic
	NewMultiplierStrategy = retry.NewMultiplierStrategy
	DefaultRetryPolicy    = retry.DefaultPolicy

	NewMemoryQueue  = queue.NewMemory
	NewMemoryLocker = lock.NewMemory

	LoggingHooks = consumer.LoggingHooks

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Recoverable      = errspkg.Recoverable
	RecoverableAfter = errspkg.RecoverableAfter
	Unrecoverable    = errspkg.Unrecoverable
	IsRecoverable    = errspkg.IsRecoverable
	IsUnrecoverable  = errspkg.IsUnrecoverable

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrMessageRequired     = errspkg.ErrMessageRequired
	ErrMessageTypeRequired = errspkg.ErrMessageTypeRequired
	ErrNoHandlerForMessage = errspkg.ErrNoHandlerForMessage
	ErrNoSenderForMessage  = errspkg.ErrNoSenderForMessage
	ErrPipelineRequired    = errspkg.ErrPipelineRequired
	ErrRegistryFrozen      = errspkg.ErrRegistryFrozen
	ErrServiceNotFrozen    = errspkg.ErrServiceNotFrozen
	ErrLockTimeout         = errspkg.ErrLockTimeout
	ErrStopWorker          = errspkg.ErrStopWorker

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger
	NewLoggerReporter    = loggingpkg.NewLoggerReporter

	Marshal   = codec.MarshalJSON
	Unmarshal = codec.UnmarshalJSON

	CreateULID = idspkg.CreateULID
)

// RegisterMessage adds message type T to svc.
func RegisterMessage[T any](svc *Service, t MessageType) error {
	return runtimepkg.RegisterMessage[T](svc, t)
}

// RegisterStamp makes stamp type T decodable from task headers.
func RegisterStamp[T Stamp](svc *Service) {
	runtimepkg.RegisterStamp[T](svc)
}

// HandleFunc registers fn for the message type of T.
func HandleFunc[T any](svc *Service, desc HandlerDescriptor, fn func(ctx context.Context, message T) error) error {
	return runtimepkg.HandleFunc(svc, desc, fn)
}

// LastStamp returns the most recent stamp of type T on env.
func LastStamp[T Stamp](env *Envelope) (T, bool) {
	return envelope.Last[T](env)
}

// Delay returns a stamp delaying delivery by d.
func Delay(d time.Duration) DelayStamp {
	return envelope.DelayFor(d)
}

// OnPipeline returns a stamp sending the message to pipeline.
func OnPipeline(pipeline string) PipelineStamp {
	return PipelineStamp{Pipeline: pipeline}
}

// EnvelopeFrom returns the envelope being handled, or nil outside a handler.
func EnvelopeFrom(ctx context.Context) *Envelope {
	return handlers.EnvelopeFrom(ctx)
}
