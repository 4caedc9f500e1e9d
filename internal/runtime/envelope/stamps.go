package envelope

import (
	"context"
	"time"
)

// Completion is the capability a consumed task exposes to the bus so handlers
// and middlewares can settle it without holding the task itself.
type Completion interface {
	// Ack settles the task: completed when err is nil, failed otherwise.
	Ack(ctx context.Context, env *Envelope, err error) error
	// Retry requeues the task with the envelope's stamps and delay.
	Retry(ctx context.Context, env *Envelope, err error) error
}

// DispatchOptions are backend-specific options applied when a task is queued.
type DispatchOptions struct {
	Priority int64 `json:"priority,omitempty"`
	// Delay in seconds.
	Delay   int64 `json:"delay,omitempty"`
	AutoAck bool  `json:"auto_ack,omitempty"`
}

// SerializerStamp selects the body format and carries serializer context.
type SerializerStamp struct {
	Context map[string]any `json:"context"`
}

// SerializerContextKey names the context entry holding the format.
const SerializerContextKey = "serializer"

func (SerializerStamp) StampName() string { return "Serializer" }

// NewSerializerStamp returns a stamp selecting format.
func NewSerializerStamp(format string) SerializerStamp {
	return SerializerStamp{Context: map[string]any{SerializerContextKey: format}}
}

// Format returns the requested format or an empty string.
func (s SerializerStamp) Format() string {
	format, _ := s.Context[SerializerContextKey].(string)
	return format
}

// PipelineStamp names the pipeline a message is sent to.
type PipelineStamp struct {
	Pipeline string `json:"pipeline"`
}

func (PipelineStamp) StampName() string { return "Pipeline" }

// DelayStamp postpones delivery; Delay is expressed in milliseconds.
type DelayStamp struct {
	Delay int64 `json:"delay"`
}

func (DelayStamp) StampName() string { return "Delay" }

// DelayFor builds a DelayStamp from a duration.
func DelayFor(d time.Duration) DelayStamp {
	return DelayStamp{Delay: d.Milliseconds()}
}

// Duration returns the delay as a time.Duration.
func (s DelayStamp) Duration() time.Duration {
	return time.Duration(s.Delay) * time.Millisecond
}

// Seconds converts the delay to whole seconds, truncating any remainder.
func (s DelayStamp) Seconds() int64 {
	if s.Delay <= 0 {
		return 0
	}
	return s.Delay / 1000
}

// OptionsStamp carries backend dispatch options.
type OptionsStamp struct {
	Options DispatchOptions `json:"options"`
}

func (OptionsStamp) StampName() string { return "Options" }

// HeadersStamp adds wire headers to the queued task.
type HeadersStamp struct {
	Headers map[string]string `json:"headers"`
}

func (HeadersStamp) StampName() string { return "Headers" }

// ReceivedStamp marks an envelope consumed from the named transport.
type ReceivedStamp struct {
	TransportName string `json:"transport_name"`
}

func (ReceivedStamp) StampName() string { return "Received" }
func (ReceivedStamp) NonSendable()      {}

// TransportMessageIDStamp records the id assigned by the queue backend.
type TransportMessageIDStamp struct {
	ID string `json:"id"`
}

func (TransportMessageIDStamp) StampName() string { return "TransportMessageId" }
func (TransportMessageIDStamp) NonSendable()      {}

// AckStamp carries the completion capability of the task being processed.
type AckStamp struct {
	Completion Completion `json:"-"`
}

func (AckStamp) StampName() string { return "Ack" }
func (AckStamp) NonSendable()      {}

// RetryHandlerStamp carries the in-process requeue capability.
type RetryHandlerStamp struct {
	Completion Completion `json:"-"`
}

func (RetryHandlerStamp) StampName() string { return "RetryHandler" }
func (RetryHandlerStamp) NonSendable()      {}

// ConsumedByWorkerStamp marks an envelope received by the consumer loop.
type ConsumedByWorkerStamp struct{}

func (ConsumedByWorkerStamp) StampName() string { return "ConsumedByWorker" }
func (ConsumedByWorkerStamp) NonSendable()      {}

// TargetHandlerStamp names the handler that is currently executing, formatted
// as owner@method.
type TargetHandlerStamp struct {
	Handler string `json:"handler"`
}

func (TargetHandlerStamp) StampName() string { return "TargetHandler" }
func (TargetHandlerStamp) NonSendable()      {}

// RedeliveryStamp counts retries of a message.
type RedeliveryStamp struct {
	RetryCount    int       `json:"retry_count"`
	RedeliveredAt time.Time `json:"redelivered_at"`
}

func (RedeliveryStamp) StampName() string { return "Redelivery" }

// RetryCount returns the retry counter of the most recent RedeliveryStamp.
func RetryCount(e *Envelope) int {
	if stamp, ok := Last[RedeliveryStamp](e); ok {
		return stamp.RetryCount
	}
	return 0
}

// NoAutoAckStamp disables the automatic ack after dispatch; the handler takes
// over settling the task through its AckStamp.
type NoAutoAckStamp struct{}

func (NoAutoAckStamp) StampName() string { return "NoAutoAck" }

// AllowMultipleHandlersStamp lets every matching handler run instead of only
// the first one.
type AllowMultipleHandlersStamp struct{}

func (AllowMultipleHandlersStamp) StampName() string { return "AllowMultipleHandlers" }

// HandledStamp records a handler that processed the message successfully.
type HandledStamp struct {
	Handler string `json:"handler"`
}

func (HandledStamp) StampName() string { return "Handled" }
func (HandledStamp) NonSendable()      {}

// SerializedMessageStamp keeps the body a consumed envelope was decoded from
// so it can be requeued without re-encoding.
type SerializedMessageStamp struct {
	Format string `json:"-"`
	Body   []byte `json:"-"`
}

func (SerializedMessageStamp) StampName() string { return "SerializedMessage" }
func (SerializedMessageStamp) NonSendable()      {}

// ErrorDetailsStamp records the failure that caused a retry.
type ErrorDetailsStamp struct {
	Message  string    `json:"message"`
	Handler  string    `json:"handler,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

func (ErrorDetailsStamp) StampName() string { return "ErrorDetails" }
