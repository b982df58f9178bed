package mqttclient_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/io7lab/io7sync/internal/mqttclient"
)

// closedAddress returns a local address nothing listens on
func closedAddress(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()
	return addr
}

func TestConnectRetriesUntilCancelled(t *testing.T) {
	client := mqttclient.NewMqttClient(closedAddress(t), "", 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := client.Connect(ctx, "test-client", "user", "pass")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.False(t, client.IsConnected())
	client.Close()
}

func TestPublishWithoutConnection(t *testing.T) {
	client := mqttclient.NewMqttClient(closedAddress(t), "", 0)
	err := client.Publish("test", []byte("hello"))
	assert.ErrorIs(t, err, mqttclient.ErrNotConnected)
}

func TestSubscribeBeforeConnect(t *testing.T) {
	client := mqttclient.NewMqttClient(closedAddress(t), "", 0)
	handler := func(topic string, payload []byte) {}
	client.Subscribe("a/b", handler)
	client.Subscribe("c/#", handler)
	assert.ElementsMatch(t, []string{"a/b", "c/#"}, client.Subscriptions())

	client.Unsubscribe("a/b")
	client.Unsubscribe("not/subscribed")
	assert.Equal(t, []string{"c/#"}, client.Subscriptions())

	client.Close()
	assert.Empty(t, client.Subscriptions())
}

func TestConnectBadCACert(t *testing.T) {
	caFile := path.Join(t.TempDir(), "caCert.pem")
	require.NoError(t, os.WriteFile(caFile, []byte("not a certificate"), 0644))
	client := mqttclient.NewMqttClient(closedAddress(t), caFile, time.Millisecond)
	err := client.Connect(context.Background(), "test-client", "", "")
	assert.Error(t, err)

	client = mqttclient.NewMqttClient(closedAddress(t), "/missing/caCert.pem", time.Millisecond)
	err = client.Connect(context.Background(), "test-client", "", "")
	assert.Error(t, err)
}
