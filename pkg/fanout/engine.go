// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package fanout delivers events to the local members of a channel.
package fanout

import (
	"github.com/sirupsen/logrus"

	"github.com/n0ot/relayd/pkg/metrics"
	"github.com/n0ot/relayd/pkg/model"
	"github.com/n0ot/relayd/pkg/registry"
)

// Engine delivers events to the members a Registry holds for a channel.
// It shares the Registry's goroutine; it is not safe for concurrent use.
type Engine struct {
	reg     *registry.Registry
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// New creates an Engine reading membership from reg.
// m may be nil.
func New(reg *registry.Registry, log logrus.FieldLogger, m *metrics.Metrics) *Engine {
	return &Engine{reg: reg, log: log, metrics: m}
}

// DeliverLocal sends ev once to every member of channel on this process.
// Members that are closed or cannot take more data are skipped;
// delivery is best-effort and never blocks on a member.
func (e *Engine) DeliverLocal(channel string, ev model.Event) {
	members := e.reg.Members(channel)
	if len(members) == 0 {
		return
	}

	payload, err := ev.Encode()
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"channel": channel,
			"event":   ev.Name,
			"error":   err,
		}).Debug("Dropping event that cannot be encoded")
		e.metrics.Drop(metrics.DropEncode, len(members))
		return
	}

	var delivered, dropped int
	for _, member := range members {
		if member.Offer(payload) {
			delivered++
			continue
		}
		dropped++
	}

	e.metrics.Deliver(delivered)
	e.metrics.Drop(metrics.DropUnwritable, dropped)
	if dropped > 0 {
		e.log.WithFields(logrus.Fields{
			"channel": channel,
			"event":   ev.Name,
			"dropped": dropped,
		}).Debug("Skipped members that could not take the event")
	}
}
