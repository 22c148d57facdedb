package broker

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokerURL returns the broker address named by env, skipping the test if it is unset.
func brokerURL(t *testing.T, env string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping broker integration test in short mode")
	}
	url := os.Getenv(env)
	if url == "" {
		t.Skipf("%s not set", env)
	}
	return url
}

// exerciseBroker checks that two connections to the same broker see each other's publishes.
func exerciseBroker(t *testing.T, a, b Broker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	channels := []string{"trip:42", "odd channel.name*>"}
	for _, channel := range channels {
		require.NoError(t, a.Subscribe(ctx, channel))
		require.NoError(t, a.Subscribe(ctx, channel))
	}
	require.NoError(t, a.Ping(ctx))

	for _, channel := range channels {
		payload := []byte(`{"event":"update","data":{"status":"enroute"}}`)
		require.NoError(t, b.Publish(ctx, channel, payload))

		select {
		case msg := <-a.Messages():
			assert.Equal(t, channel, msg.Channel)
			assert.Equal(t, payload, msg.Payload)
		case <-ctx.Done():
			t.Fatalf("no message received on %q", channel)
		}
	}

	select {
	case msg := <-a.Messages():
		t.Fatalf("unexpected duplicate delivery on %q", msg.Channel)
	case <-time.After(200 * time.Millisecond):
	}
}

// publishAfterSubscribe publishes from b as soon as a's Subscribe returns.
func publishAfterSubscribe(t *testing.T, a, b Broker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		channel := fmt.Sprintf("trip:%d:%d", time.Now().UnixNano(), i)
		payload := []byte(fmt.Sprintf(`{"event":"update","data":%d}`, i))
		require.NoError(t, a.Subscribe(ctx, channel))
		require.NoError(t, b.Publish(ctx, channel, payload))

		select {
		case msg := <-a.Messages():
			assert.Equal(t, channel, msg.Channel)
			assert.Equal(t, payload, msg.Payload)
		case <-ctx.Done():
			t.Fatalf("publish right after subscribing to %q was lost", channel)
		}
	}
}

func TestRedisBroker(t *testing.T) {
	url := brokerURL(t, "RELAYD_TEST_REDIS_URL")
	ctx := context.Background()

	a, err := Open(ctx, url, "a", testLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, url, "b", testLogger())
	require.NoError(t, err)
	defer b.Close()

	exerciseBroker(t, a, b)
	publishAfterSubscribe(t, a, b)
}

func TestNATSBroker(t *testing.T) {
	url := brokerURL(t, "RELAYD_TEST_NATS_URL")
	ctx := context.Background()

	a, err := Open(ctx, url, "a", testLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, url, "b", testLogger())
	require.NoError(t, err)
	defer b.Close()

	exerciseBroker(t, a, b)
	publishAfterSubscribe(t, a, b)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "amqp://localhost", "a", testLogger())
	assert.Error(t, err)
}

func TestNATSSubject(t *testing.T) {
	assert.Equal(t, "relayd.c.trip:42", natsSubject("trip:42"))
	assert.Equal(t, "relayd.b.YS5i", natsSubject("a.b"))
	assert.NotEqual(t, natsSubject("a b"), natsSubject("a_b"))
}
