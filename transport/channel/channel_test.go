package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/transport"
	"github.com/drblury/courier/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.True(t, caps.RequiresDelayEmulation())
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildKeepsMessagesPublishedBeforeSubscribe(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Publisher.Publish("orders", message.NewMessage("1", []byte("payload"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := tr.Subscriber.Subscribe(ctx, "orders")
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.Equal(t, "payload", string(msg.Payload))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("message published before subscribe was lost")
	}
}

func TestBuildUsesFactory(t *testing.T) {
	originalFactory := Factory
	defer func() { Factory = originalFactory }()

	var got gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		got = cfg
		return transporttest.Publisher{}, transporttest.Subscriber{}
	}

	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})

	require.NoError(t, err)
	assert.True(t, got.Persistent)
	assert.Equal(t, int64(OutputBuffer), got.OutputChannelBuffer)
	assert.Equal(t, transporttest.Publisher{}, tr.Publisher)
}
