// Package courier is a message bus for Go services backed by a job queue.
// Application code dispatches typed messages; the bus stamps them, sends them
// to a pipeline on the configured queue backend, and a consumer loop decodes
// them back into envelopes and hands them to the registered handlers.
//
// A Service starts in its build phase, where message types, handlers,
// senders, pipelines and middlewares are registered. Freeze opens the queue
// backend, registers the pipelines under a distributed lock so that every
// process sharing the backend creates them only once, and assembles the bus.
// Start then serves the Prometheus endpoint and consumes tasks until the
// context is cancelled.
//
// # Transports
//
// The queue backend is either the in-process memory queue or a Watermill
// transport selected by Config.QueueSystem:
//   - channel: in-memory Go channels for tests and single-process setups
//   - kafka: consumer groups over Sarama
//   - rabbitmq: durable AMQP queues
//   - nats: core NATS with queue groups
//   - aws: SQS queues, with LocalStack support through AWSEndpoint
//
// # Retries
//
// Failed consumed messages are retried according to the strategy of the
// failing handler. Recoverable errors are always retried, optionally after an
// explicit delay, and unrecoverable errors never are. Every retry is a new
// task carrying a Redelivery stamp; the history of stamps of one type is capped
// by Config.StampsHistorySize.
//
// # Locks
//
// Pipeline registration is guarded by a lock from Config.LockBackend: memory
// for a single process, Redis, or a Postgres lease table.
package courier
