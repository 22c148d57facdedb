// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package broker

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Open connects to the broker named by rawURL.
// The scheme selects the implementation: redis and rediss use Redis pub/sub,
// nats and tls use NATS. name identifies this process where the broker supports it.
func Open(ctx context.Context, rawURL, name string, log logrus.FieldLogger) (Broker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse broker url")
	}

	switch u.Scheme {
	case "redis", "rediss":
		return NewRedis(ctx, rawURL, log)
	case "nats", "tls":
		return NewNATS(rawURL, name, log)
	default:
		return nil, errors.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}
