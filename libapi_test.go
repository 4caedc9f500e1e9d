package courier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type greeting struct {
	Text string `json:"text"`
}

func TestRegisteredTransports(t *testing.T) {
	for _, name := range []string{"channel", "kafka", "rabbitmq", "nats", "aws"} {
		if !DefaultTransportRegistry.Has(name) {
			t.Errorf("expected transport %q to be registered", name)
		}
	}
}

func TestServiceRoundTripThroughExports(t *testing.T) {
	conf := DefaultConfig()
	registry := prometheus.NewRegistry()
	svc, err := TryNewService(&conf, NewNopServiceLogger(), ServiceDependencies{Registerer: registry, Gatherer: registry})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	if err := RegisterMessage[greeting](svc, MessageType{Name: "Greeting"}); err != nil {
		t.Fatalf("register message: %v", err)
	}
	got := make(chan string, 1)
	err = HandleFunc(svc, HandlerDescriptor{Owner: "Greeter", Method: "Greet"}, func(_ context.Context, msg greeting) error {
		got <- msg.Text
		return nil
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Freeze(ctx); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	out, err := svc.Dispatch(ctx, greeting{Text: "hello"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stamp, ok := LastStamp[PipelineStamp](out); !ok || stamp.Pipeline != conf.DefaultPipeline {
		t.Fatalf("expected pipeline %q, got %+v", conf.DefaultPipeline, stamp)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	select {
	case text := <-got:
		if text != "hello" {
			t.Fatalf("expected hello, got %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not consumed")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestErrorExports(t *testing.T) {
	err := Recoverable(errors.New("busy"))
	if !IsRecoverable(err) {
		t.Fatal("expected recoverable error")
	}
	if !IsUnrecoverable(Unrecoverable(errors.New("bad input"))) {
		t.Fatal("expected unrecoverable error")
	}
	if _, err := TryNewService(nil, NewNopServiceLogger(), ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
}

func TestStampHelpers(t *testing.T) {
	env := Wrap(greeting{Text: "hi"}, Delay(1500*time.Millisecond), OnPipeline("greetings"))

	delay, ok := LastStamp[DelayStamp](env)
	if !ok || delay.Duration() != 1500*time.Millisecond {
		t.Fatalf("unexpected delay stamp %+v", delay)
	}
	pipeline, ok := LastStamp[PipelineStamp](env)
	if !ok || pipeline.Pipeline != "greetings" {
		t.Fatalf("unexpected pipeline stamp %+v", pipeline)
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	data, err := Marshal(payload)
	if err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	decoded := map[string]string{}
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
	if decoded["hello"] != "world" {
		t.Fatalf("unexpected round trip %#v", decoded)
	}
}
