// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/n0ot/relayd/pkg/metrics"
	"github.com/n0ot/relayd/pkg/model"
)

// ErrQueueFull is returned by Publish when the outbound queue cannot take another event.
var ErrQueueFull = errors.New("broker publish queue full")

const (
	defaultQueueSize       = 1024
	defaultOpTimeout       = 5 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// BridgeConfig configures a Bridge.
// Zero values select defaults.
type BridgeConfig struct {
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics

	// QueueSize bounds the subscribes and publishes waiting for the broker.
	QueueSize int

	// OpTimeout bounds each broker round-trip.
	OpTimeout time.Duration

	// BreakerFailures is how many consecutive publish failures open the circuit.
	BreakerFailures uint32

	// BreakerTimeout is how long the circuit stays open before a probe publish.
	BreakerTimeout time.Duration
}

type opKind int

const (
	opSubscribe opKind = iota
	opPublish
)

type op struct {
	kind    opKind
	channel string
	payload []byte
}

// A Bridge routes publishes through a Broker and hands what the broker
// delivers back to this process.
//
// Subscribes and publishes share one ordered queue, drained by a single goroutine,
// so a publish made after a join is sent only once the join's subscribe has completed.
type Bridge struct {
	broker  Broker
	deliver func(channel string, ev model.Event)
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	ops       chan op
	opTimeout time.Duration
	cb        *gobreaker.CircuitBreaker[struct{}]

	mu         sync.Mutex
	subscribed map[string]struct{}
}

// NewBridge creates a Bridge over b.
// deliver is called with each well-formed event the broker delivers;
// it is called from a single goroutine.
func NewBridge(b Broker, deliver func(channel string, ev model.Event), cfg BridgeConfig) *Bridge {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}

	br := &Bridge{
		broker:     b,
		deliver:    deliver,
		log:        cfg.Log,
		metrics:    cfg.Metrics,
		ops:        make(chan op, cfg.QueueSize),
		opTimeout:  cfg.OpTimeout,
		subscribed: make(map[string]struct{}),
	}
	br.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			br.log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Broker circuit breaker changed state")
			br.metrics.SetBreakerState(float64(to))
		},
	})
	return br
}

// Run drains the outbound queue and reads broker deliveries until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.work(ctx) })
	g.Go(func() error { return b.receive(ctx) })
	return g.Wait()
}

func (b *Bridge) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-b.ops:
			switch o.kind {
			case opSubscribe:
				b.subscribe(ctx, o.channel)
			case opPublish:
				b.publish(ctx, o.channel, o.payload)
			}
		}
	}
}

func (b *Bridge) receive(ctx context.Context) error {
	msgs := b.broker.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			b.onBrokerMessage(msg.Channel, msg.Payload)
		}
	}
}

// EnsureSubscribed asks the broker to deliver channel's traffic to this process.
// Only the first call for a channel reaches the broker; later calls are no-ops
// unless that subscribe failed.
func (b *Bridge) EnsureSubscribed(channel string) {
	if !b.mark(channel) {
		return
	}
	select {
	case b.ops <- op{kind: opSubscribe, channel: channel}:
	default:
		b.unmark(channel)
		b.metrics.BrokerError("subscribe")
		b.log.WithField("channel", channel).Warn("Broker queue full; subscribe deferred to next join")
	}
}

// Subscribed reports whether channel has been subscribed, or is queued to be.
func (b *Bridge) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subscribed[channel]
	return ok
}

func (b *Bridge) mark(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribed[channel]; ok {
		return false
	}
	b.subscribed[channel] = struct{}{}
	return true
}

func (b *Bridge) unmark(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribed, channel)
}

// NumSubscribed returns how many channels this process is subscribed to.
func (b *Bridge) NumSubscribed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribed)
}

func (b *Bridge) subscribe(ctx context.Context, channel string) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	if err := b.broker.Subscribe(ctx, channel); err != nil {
		b.unmark(channel)
		b.metrics.BrokerError("subscribe")
		b.log.WithFields(logrus.Fields{
			"channel": channel,
			"error":   err,
		}).Warn("Unable to subscribe to broker channel")
		return
	}
	b.metrics.SetBrokerSubscribed(b.NumSubscribed())
}

// Publish encodes ev and queues it for the broker.
// It never blocks; the event is dropped if the queue is full.
// Every subscribed process, this one included, receives the event back from the broker.
func (b *Bridge) Publish(channel string, ev model.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		b.metrics.Drop(metrics.DropEncode, 1)
		return err
	}

	select {
	case b.ops <- op{kind: opPublish, channel: channel, payload: payload}:
		return nil
	default:
		b.metrics.Drop(metrics.DropPublishQueue, 1)
		b.log.WithField("channel", channel).Debug("Broker queue full; dropping event")
		return ErrQueueFull
	}
}

func (b *Bridge) publish(ctx context.Context, channel string, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.broker.Publish(ctx, channel, payload)
	})
	switch {
	case err == nil:
		b.metrics.BrokerPublish()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.metrics.Drop(metrics.DropBreakerOpen, 1)
		b.log.WithField("channel", channel).Debug("Broker circuit open; dropping event")
	default:
		b.metrics.BrokerError("publish")
		b.metrics.Drop(metrics.DropBrokerError, 1)
		b.log.WithFields(logrus.Fields{
			"channel": channel,
			"error":   err,
		}).Warn("Unable to publish to broker")
	}
}

// onBrokerMessage decodes a broker delivery and hands it to deliver.
// Payloads that are not events are dropped.
func (b *Bridge) onBrokerMessage(channel string, raw []byte) {
	ev, err := model.DecodeEvent(raw)
	if err != nil {
		b.metrics.Drop(metrics.DropMalformedBroker, 1)
		b.log.WithFields(logrus.Fields{
			"channel": channel,
			"error":   err,
		}).Debug("Dropping malformed broker payload")
		return
	}
	b.deliver(channel, ev)
}

// Ping checks that the broker is reachable.
func (b *Bridge) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	return b.broker.Ping(ctx)
}
