package broker

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/relayd/pkg/metrics"
	"github.com/n0ot/relayd/pkg/model"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

type delivery struct {
	channel string
	ev      model.Event
}

// sink collects what a Bridge delivers.
type sink struct {
	mu  sync.Mutex
	got []delivery
}

func (s *sink) deliver(channel string, ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, delivery{channel, ev})
}

func (s *sink) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.got...)
}

func startBridge(t *testing.T, b Broker, cfg BridgeConfig) (*Bridge, *sink) {
	t.Helper()
	if cfg.Log == nil {
		cfg.Log = testLogger()
	}
	s := &sink{}
	br := NewBridge(b, s.deliver, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		br.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return br, s
}

func TestPublishReachesOtherProcess(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.Connect(), hub.Connect()
	bridgeA, sinkA := startBridge(t, a, BridgeConfig{})
	bridgeB, sinkB := startBridge(t, b, BridgeConfig{})

	bridgeA.EnsureSubscribed("trip:1")
	require.Eventually(t, func() bool { return a.Subscribes() == 1 }, time.Second, 5*time.Millisecond)

	data := json.RawMessage(`{ "status" : "enroute", "eta":  5 }`)
	require.NoError(t, bridgeB.Publish("trip:1", model.Event{Name: "update", Data: data}))

	require.Eventually(t, func() bool { return len(sinkA.deliveries()) == 1 }, time.Second, 5*time.Millisecond)
	got := sinkA.deliveries()[0]
	assert.Equal(t, "trip:1", got.channel)
	assert.Equal(t, "update", got.ev.Name)
	assert.Equal(t, string(data), string(got.ev.Data))
	assert.Empty(t, sinkB.deliveries())
}

func TestPublishRoundTripsToSelf(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Connect()
	bridge, s := startBridge(t, a, BridgeConfig{})

	// The subscribe is queued ahead of the publish, so the publish comes back.
	bridge.EnsureSubscribed("trip:42")
	require.NoError(t, bridge.Publish("trip:42", model.Event{Name: "update", Data: json.RawMessage(`1`)}))

	require.Eventually(t, func() bool { return len(s.deliveries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), a.Publishes())
}

func TestEnsureSubscribedIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Connect()
	bridge, _ := startBridge(t, a, BridgeConfig{})

	for i := 0; i < 5; i++ {
		bridge.EnsureSubscribed("driver:7")
	}
	bridge.EnsureSubscribed("driver:8")

	require.Eventually(t, func() bool { return a.Subscribes() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, bridge.Subscribed("driver:7"))
	assert.True(t, bridge.Subscribed("driver:8"))
	assert.False(t, bridge.Subscribed("driver:9"))
}

func TestMalformedBrokerPayloadIsDropped(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.Connect(), hub.Connect()
	m := metrics.New(prometheus.NewRegistry())
	bridge, s := startBridge(t, a, BridgeConfig{Metrics: m})

	bridge.EnsureSubscribed("trip:1")
	require.Eventually(t, func() bool { return bridge.Subscribed("trip:1") && a.Subscribes() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "trip:1", []byte("not json")))
	require.NoError(t, b.Publish(ctx, "trip:1", []byte(`{"data":1}`)))
	require.NoError(t, b.Publish(ctx, "trip:1", []byte(`{"event":"ok","data":1}`)))

	require.Eventually(t, func() bool { return len(s.deliveries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ok", s.deliveries()[0].ev.Name)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.DropMalformedBroker)))
}

func TestPublishRejectsUnencodableEvent(t *testing.T) {
	bridge := NewBridge(NewMemoryHub().Connect(), func(string, model.Event) {}, BridgeConfig{Log: testLogger()})
	err := bridge.Publish("a", model.Event{})
	assert.True(t, errors.Is(err, model.ErrMalformed))
}

func TestPublishQueueFull(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	bridge := NewBridge(NewMemoryHub().Connect(), func(string, model.Event) {}, BridgeConfig{
		Log:       testLogger(),
		Metrics:   m,
		QueueSize: 1,
	})

	ev := model.Event{Name: "x"}
	require.NoError(t, bridge.Publish("a", ev))
	assert.Equal(t, ErrQueueFull, bridge.Publish("a", ev))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.DropPublishQueue)))
}

func TestSubscribeRetriedAfterQueueFull(t *testing.T) {
	bridge := NewBridge(NewMemoryHub().Connect(), func(string, model.Event) {}, BridgeConfig{
		Log:       testLogger(),
		QueueSize: 1,
	})

	bridge.EnsureSubscribed("a")
	bridge.EnsureSubscribed("b")
	assert.True(t, bridge.Subscribed("a"))
	assert.False(t, bridge.Subscribed("b"))
}

// failingBroker fails every publish and subscribe.
type failingBroker struct {
	mu        sync.Mutex
	publishes int
	msgs      chan Message
}

func (f *failingBroker) Publish(context.Context, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes++
	return errors.New("broker unavailable")
}

func (f *failingBroker) Subscribe(context.Context, string) error {
	return errors.New("broker unavailable")
}

func (f *failingBroker) Messages() <-chan Message { return f.msgs }
func (f *failingBroker) Ping(context.Context) error { return errors.New("broker unavailable") }
func (f *failingBroker) Close() error { return nil }

func (f *failingBroker) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishes
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fb := &failingBroker{msgs: make(chan Message)}
	m := metrics.New(prometheus.NewRegistry())
	bridge, _ := startBridge(t, fb, BridgeConfig{
		Metrics:         m,
		BreakerFailures: 3,
		BreakerTimeout:  time.Hour,
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, bridge.Publish("a", model.Event{Name: "x"}))
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.DropBreakerOpen)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, fb.publishCount())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.DropBrokerError)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState))
}

func TestFailedSubscribeIsRetriedOnNextJoin(t *testing.T) {
	fb := &failingBroker{msgs: make(chan Message)}
	m := metrics.New(prometheus.NewRegistry())
	bridge, _ := startBridge(t, fb, BridgeConfig{Metrics: m})

	bridge.EnsureSubscribed("a")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BrokerErrors.WithLabelValues("subscribe")) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !bridge.Subscribed("a") }, time.Second, 5*time.Millisecond)

	bridge.EnsureSubscribed("a")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BrokerErrors.WithLabelValues("subscribe")) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPing(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Connect()
	bridge := NewBridge(a, func(string, model.Event) {}, BridgeConfig{Log: testLogger()})
	assert.NoError(t, bridge.Ping(context.Background()))

	require.NoError(t, a.Close())
	assert.Equal(t, ErrClosed, bridge.Ping(context.Background()))

	failing := NewBridge(&failingBroker{}, func(string, model.Event) {}, BridgeConfig{Log: testLogger()})
	assert.Error(t, failing.Ping(context.Background()))
}
