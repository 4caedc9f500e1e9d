package queue

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/ids"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

// Metadata keys the watermill backend keeps next to the task headers.
const (
	MetadataTaskName         = "courier_task"
	MetadataDeliverAt        = "courier_deliver_at"
	MetadataPriority         = "courier_priority"
	MetadataError            = "courier_error"
	MetadataOriginalPipeline = "courier_original_pipeline"
)

// WatermillConfig wires a Watermill backend.
type WatermillConfig struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Catalog defaults to a MemoryCatalog.
	Catalog Catalog
	// PoisonQueue receives tasks failed without requeue when set.
	PoisonQueue string
	Logger      loggingpkg.ServiceLogger
}

// Watermill is a queue backend over a watermill publisher and subscriber.
// Pipelines map to topics; the catalog tracks which exist and whether they
// are paused.
type Watermill struct {
	pub         message.Publisher
	sub         message.Subscriber
	catalog     Catalog
	poisonQueue string
	logger      loggingpkg.ServiceLogger

	mu         sync.Mutex
	running    map[string]context.CancelFunc
	parked     []delivery
	deliveries chan delivery
	now        func() time.Time
}

type delivery struct {
	pipeline string
	msg      *message.Message
	due      time.Time
}

// NewWatermill validates cfg and returns a backend.
func NewWatermill(cfg WatermillConfig) (*Watermill, error) {
	if cfg.Publisher == nil || cfg.Subscriber == nil {
		return nil, fmt.Errorf("%w: publisher and subscriber are required", errspkg.ErrQueueServiceRequired)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = NewMemoryCatalog()
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NewNopServiceLogger()
	}
	return &Watermill{
		pub:         cfg.Publisher,
		sub:         cfg.Subscriber,
		catalog:     cfg.Catalog,
		poisonQueue: cfg.PoisonQueue,
		logger:      cfg.Logger,
		running:     make(map[string]context.CancelFunc),
		deliveries:  make(chan delivery),
		now:         time.Now,
	}, nil
}

// Create records a paused pipeline and initialises its topic when the
// subscriber supports it.
func (w *Watermill) Create(ctx context.Context, pipeline Descriptor) error {
	stored, err := w.catalog.Put(ctx, CatalogEntry{Descriptor: pipeline, Paused: true})
	if err != nil {
		return err
	}
	if !stored {
		return fmt.Errorf("queue: pipeline %q already exists", pipeline.Name)
	}
	if initializer, ok := w.sub.(message.SubscribeInitializer); ok {
		if err := initializer.SubscribeInitialize(pipeline.Name); err != nil {
			return fmt.Errorf("initialise topic %s: %w", pipeline.Name, err)
		}
	}
	return nil
}

// Resume starts consuming the pipeline's topic.
func (w *Watermill) Resume(ctx context.Context, name string) error {
	if err := w.catalog.SetPaused(ctx, name, false); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, running := w.running[name]; running {
		return nil
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := w.sub.Subscribe(subCtx, name)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	w.running[name] = cancel
	go w.forward(subCtx, name, messages)
	w.logger.Debug("Pipeline resumed", loggingpkg.LogFields{"pipeline": name})
	return nil
}

func (w *Watermill) forward(ctx context.Context, pipeline string, messages <-chan *message.Message) {
	for msg := range messages {
		select {
		case w.deliveries <- delivery{pipeline: pipeline, msg: msg}:
		case <-ctx.Done():
			msg.Nack()
			return
		}
	}
}

// Pause stops consuming the pipeline's topic.
func (w *Watermill) Pause(ctx context.Context, name string) error {
	if err := w.catalog.SetPaused(ctx, name, true); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nackParkedLocked(name)
	if cancel, running := w.running[name]; running {
		cancel()
		delete(w.running, name)
		w.logger.Debug("Pipeline paused", loggingpkg.LogFields{"pipeline": name})
	}
	return nil
}

func (w *Watermill) Pipelines(ctx context.Context) ([]string, error) {
	return w.catalog.Names(ctx)
}

func (w *Watermill) Connect(name string) Queue {
	return &watermillQueue{backend: w, name: name}
}

// Receive blocks until a resumed pipeline delivers a message that is due.
// Messages carrying a future deliver-at time are parked unacknowledged
// and handed out once it passes, so other pipelines keep flowing.
func (w *Watermill) Receive(ctx context.Context) (Task, error) {
	for {
		ready, next := w.unpark()
		if ready != nil {
			return w.newTask(*ready), nil
		}

		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(w.now()))
			due = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case d := <-w.deliveries:
			stopTimer(timer)
			if at, ok := deliverAt(d.msg); ok && at.After(w.now()) {
				d.due = at
				w.park(d)
				continue
			}
			return w.newTask(d), nil
		case <-due:
		}
	}
}

func (w *Watermill) newTask(d delivery) Task {
	return &watermillTask{backend: w, pipeline: d.pipeline, msg: d.msg, headers: taskHeaders(d.msg)}
}

func (w *Watermill) park(d delivery) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, running := w.running[d.pipeline]; !running {
		d.msg.Nack()
		return
	}
	i := sort.Search(len(w.parked), func(i int) bool { return w.parked[i].due.After(d.due) })
	w.parked = slices.Insert(w.parked, i, d)
}

// unpark pops the earliest parked delivery when it is due; otherwise it
// reports when the next one will be.
func (w *Watermill) unpark() (*delivery, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.parked) == 0 {
		return nil, time.Time{}
	}
	first := w.parked[0]
	if first.due.After(w.now()) {
		return nil, first.due
	}
	w.parked = w.parked[1:]
	return &first, time.Time{}
}

// nackParkedLocked hands parked messages of pipeline back to the broker,
// or all of them when pipeline is empty.
func (w *Watermill) nackParkedLocked(pipeline string) {
	kept := w.parked[:0]
	for _, d := range w.parked {
		if pipeline != "" && d.pipeline != pipeline {
			kept = append(kept, d)
			continue
		}
		d.msg.Nack()
	}
	w.parked = kept
}

// Close stops every subscription and closes the publisher and subscriber.
func (w *Watermill) Close() error {
	w.mu.Lock()
	w.nackParkedLocked("")
	for name, cancel := range w.running {
		cancel()
		delete(w.running, name)
	}
	w.mu.Unlock()

	pubErr := w.pub.Close()
	subErr := w.sub.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

func (w *Watermill) publish(topic, name string, payload []byte, headers map[string]string, delay, priority int64) (string, error) {
	msg := message.NewMessage(ids.CreateULID(), payload)
	for key, value := range headers {
		msg.Metadata.Set(key, value)
	}
	msg.Metadata.Set(MetadataTaskName, name)
	if delay > 0 {
		msg.Metadata.Set(MetadataDeliverAt, w.now().Add(time.Duration(delay)*time.Second).UTC().Format(time.RFC3339Nano))
	}
	if priority != 0 {
		msg.Metadata.Set(MetadataPriority, strconv.FormatInt(priority, 10))
	}
	if err := w.pub.Publish(topic, msg); err != nil {
		return "", err
	}
	return msg.UUID, nil
}

func deliverAt(msg *message.Message) (time.Time, bool) {
	raw := msg.Metadata.Get(MetadataDeliverAt)
	if raw == "" {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	return at, err == nil
}

func taskHeaders(msg *message.Message) map[string]string {
	headers := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		if strings.HasPrefix(key, "courier_") {
			continue
		}
		headers[key] = value
	}
	return headers
}

type watermillQueue struct {
	backend *Watermill
	name    string
}

func (q *watermillQueue) Name() string { return q.name }

func (q *watermillQueue) Dispatch(ctx context.Context, task PreparedTask) (QueuedTask, error) {
	if _, ok, err := q.backend.catalog.Get(ctx, q.name); err != nil {
		return QueuedTask{}, err
	} else if !ok {
		return QueuedTask{}, fmt.Errorf("queue: pipeline %q does not exist", q.name)
	}
	id, err := q.backend.publish(q.name, task.Name, task.Payload, task.Options.Headers, task.Options.Delay, task.Options.Priority)
	if err != nil {
		return QueuedTask{}, err
	}
	return QueuedTask{ID: id, Pipeline: q.name}, nil
}

type watermillTask struct {
	backend  *Watermill
	pipeline string
	msg      *message.Message
	headers  map[string]string
	delay    int64

	mu      sync.Mutex
	settled bool
}

func (t *watermillTask) ID() string       { return t.msg.UUID }
func (t *watermillTask) Name() string     { return t.msg.Metadata.Get(MetadataTaskName) }
func (t *watermillTask) Pipeline() string { return t.pipeline }
func (t *watermillTask) Payload() []byte  { return t.msg.Payload }

func (t *watermillTask) Headers() map[string]string {
	return maps.Clone(t.headers)
}

func (t *watermillTask) Header(key string) string {
	return t.headers[key]
}

func (t *watermillTask) WithDelay(seconds int64) Task {
	t.delay = seconds
	return t
}

func (t *watermillTask) WithHeader(key, value string) Task {
	t.headers[key] = value
	return t
}

func (t *watermillTask) settle() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled {
		return errspkg.ErrTaskAlreadySettled
	}
	t.settled = true
	return nil
}

func (t *watermillTask) Complete(context.Context) error {
	if err := t.settle(); err != nil {
		return err
	}
	t.msg.Ack()
	return nil
}

// Fail republishes the task to its pipeline when requeue is set, or to the
// poison queue when one is configured, and acknowledges the original.
func (t *watermillTask) Fail(_ context.Context, cause error, requeue bool) error {
	if err := t.settle(); err != nil {
		return err
	}
	var (
		topic   = t.pipeline
		headers = maps.Clone(t.headers)
		delay   = t.delay
	)
	if !requeue {
		if t.backend.poisonQueue == "" {
			t.msg.Ack()
			return nil
		}
		topic, delay = t.backend.poisonQueue, 0
		headers[MetadataOriginalPipeline] = t.pipeline
		if cause != nil {
			headers[MetadataError] = cause.Error()
		}
	}
	if _, err := t.backend.publish(topic, t.Name(), t.msg.Payload, headers, delay, 0); err != nil {
		t.msg.Nack()
		return &errspkg.TransportError{Pipeline: topic, Err: err}
	}
	t.msg.Ack()
	return nil
}
