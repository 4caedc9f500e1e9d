/*
Package runtime provides the messenger service behind courier.

# Architecture Overview

A Service moves typed messages through a middleware bus. Messages dispatched
by application code are sent to a queue backend as tasks; tasks consumed from
the backend are decoded back into envelopes and run through the same bus,
where the registered handlers receive them.

# Lifecycle

The Service has two phases:

  - Build phase: RegisterMessage, RegisterHandler/HandleFunc, AddSender,
    RouteSender, AddPipeline, RegisterMiddleware and SetOwnerRetry collect
    the application's wiring.
  - Serving phase: Freeze opens the queue backend and the lock, registers
    the pipelines, freezes every registry and assembles the bus. Dispatch
    and Serve are only available afterwards.

# Bus

The bus is a middleware chain, outermost first:

  - custom middlewares, ordered by priority
  - LogMessages and Tracer
  - DetectSerializer, DetectProtobufSerializer, DetectPipeline
  - SendFailedMessageForRetry
  - SendMessage
  - HandleMessage

# Sub-packages

  - codec/: body formats and the stamp header codec
  - config/: service configuration, environment loading and validation
  - consumer/: the task loop, task settlement and hooks
  - envelope/: the envelope and its stamps
  - errors/: sentinel errors and typed failures
  - handlers/: handler registry and locator
  - ids/: ULID generation
  - lock/: distributed locks (memory, Redis, Postgres)
  - logging/: logger interface, adapters and the error reporter
  - messages/: the message type table
  - middleware/: bus stages
  - pipelines/: pipeline declarations and registration
  - queue/: queue contracts plus the memory and watermill backends
  - retry/: retry strategies
  - senders/: sender registry and the queue sender

# Usage Example

	conf := config.Default()
	svc := runtime.NewService(&conf, logger, runtime.ServiceDependencies{})

	_ = runtime.RegisterMessage[OrderPlaced](svc, messages.Type{Name: "OrderPlaced", Pipeline: "orders"})
	_ = svc.AddPipeline(pipelines.NewStatic("orders", conf.QueueSystem))
	_ = runtime.HandleFunc(svc, handlers.Descriptor{Owner: "Orders", Method: "OnPlaced"}, onPlaced)

	if err := svc.Start(ctx); err != nil {
		log.Fatal(err)
	}
*/
package runtime
