// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package broker

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisPrefix is prepended to channel names on the Redis server,
// so relay traffic does not collide with other users of the same database.
const RedisPrefix = "relayd:"

// Redis is a Broker backed by Redis pub/sub.
type Redis struct {
	rdb *redis.Client
	ps  *redis.PubSub
	log logrus.FieldLogger

	msgs chan Message

	// pending holds, per Redis channel, the Subscribe calls waiting for the server's confirmation.
	mu      sync.Mutex
	pending map[string][]chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewRedis connects to the Redis server at url (redis:// or rediss://).
func NewRedis(ctx context.Context, url string, log logrus.FieldLogger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}

	r := &Redis{
		rdb:     rdb,
		ps:      rdb.Subscribe(ctx),
		log:     log,
		msgs:    make(chan Message, 1024),
		pending: make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}
	go r.receive()
	return r, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.rdb.Publish(ctx, RedisPrefix+channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", channel)
	}
	return nil
}

// Subscribe adds channel to the shared pub/sub connection,
// and waits for Redis to confirm the subscription.
// Redis ignores repeated subscriptions to the same channel, but still confirms them.
func (r *Redis) Subscribe(ctx context.Context, channel string) error {
	name := RedisPrefix + channel
	confirmed := make(chan struct{})
	r.mu.Lock()
	r.pending[name] = append(r.pending[name], confirmed)
	r.mu.Unlock()

	if err := r.ps.Subscribe(ctx, name); err != nil {
		r.forget(name, confirmed)
		return errors.Wrapf(err, "subscribe to %s", channel)
	}
	select {
	case <-confirmed:
		return nil
	case <-r.done:
		r.forget(name, confirmed)
		return ErrClosed
	case <-ctx.Done():
		r.forget(name, confirmed)
		return errors.Wrapf(ctx.Err(), "subscribe to %s", channel)
	}
}

// confirm releases the oldest Subscribe call waiting on name.
func (r *Redis) confirm(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiting := r.pending[name]
	if len(waiting) == 0 {
		// Resubscribed after a reconnect.
		return
	}
	close(waiting[0])
	if len(waiting) == 1 {
		delete(r.pending, name)
	} else {
		r.pending[name] = waiting[1:]
	}
}

func (r *Redis) forget(name string, confirmed chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiting := r.pending[name]
	for i, c := range waiting {
		if c == confirmed {
			waiting = append(waiting[:i:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(r.pending, name)
	} else {
		r.pending[name] = waiting
	}
}

func (r *Redis) receive() {
	defer close(r.msgs)
	for msg := range r.ps.ChannelWithSubscriptions() {
		switch msg := msg.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				r.confirm(msg.Channel)
			}
		case *redis.Message:
			channel, ok := strings.CutPrefix(msg.Channel, RedisPrefix)
			if !ok {
				r.log.WithField("channel", msg.Channel).Debug("Ignoring message on foreign redis channel")
				continue
			}
			select {
			case r.msgs <- Message{Channel: channel, Payload: []byte(msg.Payload)}:
			case <-r.done:
				return
			}
		}
	}
}

func (r *Redis) Messages() <-chan Message {
	return r.msgs
}

func (r *Redis) Ping(ctx context.Context) error {
	return errors.Wrap(r.rdb.Ping(ctx).Err(), "ping redis")
}

func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if psErr := r.ps.Close(); psErr != nil {
			err = errors.Wrap(psErr, "close redis pubsub")
		}
		if cErr := r.rdb.Close(); cErr != nil && err == nil {
			err = errors.Wrap(cErr, "close redis client")
		}
	})
	return err
}
