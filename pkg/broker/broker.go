// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package broker carries channel traffic between relay processes
// through a shared publish/subscribe message bus.
package broker

import (
	"context"

	"github.com/pkg/errors"
)

// ErrClosed is returned by operations on a broker that has been closed.
var ErrClosed = errors.New("broker closed")

// A Message is one payload the broker delivered for a channel.
type Message struct {
	Channel string
	Payload []byte
}

// A Broker is a connection to a publish/subscribe message bus.
// Implementations are safe for concurrent use.
type Broker interface {
	// Publish sends payload to every process subscribed to channel, including this one.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe asks the broker to deliver future messages on channel to Messages.
	// It returns once the broker has registered the subscription,
	// so a publish sent afterwards on any connection reaches it.
	// Subscribing to the same channel twice must not duplicate deliveries.
	Subscribe(ctx context.Context, channel string) error

	// Messages returns the stream of delivered messages.
	// Implementations may close it once the broker is closed.
	Messages() <-chan Message

	// Ping checks that the broker is reachable.
	Ping(ctx context.Context) error

	Close() error
}
