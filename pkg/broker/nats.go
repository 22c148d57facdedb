// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package broker

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	natsSubjectPrefix = "relayd.c."
	natsEncodedPrefix = "relayd.b."
	natsPingTimeout   = 2 * time.Second
)

// NATS is a Broker backed by core NATS subjects.
type NATS struct {
	nc  *nats.Conn
	log logrus.FieldLogger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	msgs      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewNATS connects to the NATS server at url.
// name identifies this relay process to the server.
func NewNATS(url, name string, log logrus.FieldLogger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectHandler(func(*nats.Conn) {
			log.Warn("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to nats")
	}

	return &NATS{
		nc:   nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
		msgs: make(chan Message, 1024),
		done: make(chan struct{}),
	}, nil
}

// natsSubject maps a channel name onto a single subject token.
// Names that are not valid tokens are base64url encoded under a separate prefix.
func natsSubject(channel string) string {
	if validToken(channel) {
		return natsSubjectPrefix + channel
	}
	return natsEncodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(channel))
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || c == '.' || c == '*' || c == '>' {
			return false
		}
	}
	return true
}

func (n *NATS) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := n.nc.Publish(natsSubject(channel), payload); err != nil {
		return errors.Wrapf(err, "publish to %s", channel)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, channel string) error {
	if err := n.subscribe(channel); err != nil {
		return err
	}
	// The server has seen SUB once it answers the flush's PING.
	return errors.Wrapf(n.flush(ctx), "subscribe to %s", channel)
}

func (n *NATS) subscribe(channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[channel]; ok {
		return nil
	}

	sub, err := n.nc.Subscribe(natsSubject(channel), func(m *nats.Msg) {
		select {
		case n.msgs <- Message{Channel: channel, Payload: m.Data}:
		case <-n.done:
		}
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", channel)
	}
	n.subs[channel] = sub
	return nil
}

func (n *NATS) Messages() <-chan Message {
	return n.msgs
}

func (n *NATS) Ping(ctx context.Context) error {
	return errors.Wrap(n.flush(ctx), "ping nats")
}

// flush waits for the server to process everything sent so far.
func (n *NATS) flush(ctx context.Context) error {
	timeout := natsPingTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	return n.nc.FlushTimeout(timeout)
}

func (n *NATS) Close() error {
	n.closeOnce.Do(func() {
		close(n.done)
		n.mu.Lock()
		for channel, sub := range n.subs {
			if err := sub.Unsubscribe(); err != nil {
				n.log.WithFields(logrus.Fields{
					"channel": channel,
					"error":   err,
				}).Debug("Unable to unsubscribe from NATS")
			}
		}
		n.mu.Unlock()
		n.nc.Close()
	})
	return nil
}
