// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server implements the relay: it accepts client connections,
// interprets their join, leave and publish records, and fans events out to channel members.
package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/n0ot/relayd/pkg/broker"
	"github.com/n0ot/relayd/pkg/fanout"
	"github.com/n0ot/relayd/pkg/metrics"
	"github.com/n0ot/relayd/pkg/model"
	"github.com/n0ot/relayd/pkg/registry"
)

// ErrServerClosed is returned by operations on a server that is not serving.
var ErrServerClosed = errors.New("server closed")

const (
	defaultSendQueue     = 64
	defaultMaxRecordSize = 64 * 1024
	commandQueueSize     = 256
)

// Mode names how a server reaches channel members on other processes.
const (
	ModeSingle = "single"
	ModeBroker = "broker"
)

// Config contains the settings for a Server.
type Config struct {
	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings to be sent before unresponsive clients will be kicked.
	// Only clients whose transport can be pinged are kicked.
	// If TimeBetweenPings is 0, this field has no effect.
	PingsUntilTimeout int

	// SendQueue bounds the records waiting to be written to each client.
	// Events for a client whose queue is full are dropped.
	SendQueue int

	// MaxRecordSize is the largest record accepted from a client, in bytes.
	MaxRecordSize int

	// MaxMessagesPerSecond limits the records accepted from each client.
	// If 0, clients are not limited.
	MaxMessagesPerSecond float64

	// StatsPassword sets the password for retrieving stats over HTTP.
	// If empty, stats are not served.
	StatsPassword string

	// Broker carries events between relay processes.
	// If nil, the server runs as a single process and delivers publishes directly.
	Broker broker.Broker

	// PublishQueue bounds the events waiting to be handed to the broker.
	PublishQueue int

	// NodeID identifies this process; a random one is generated if empty.
	NodeID string

	Log     *logrus.Logger
	Metrics *metrics.Metrics

	// Gatherer is served on /metrics; if nil, the route is not registered.
	Gatherer prometheus.Gatherer

	Clock clockwork.Clock
}

// publisher sends a published event toward every member of its channel.
type publisher interface {
	Publish(channel string, ev model.Event) error
	EnsureSubscribed(channel string)
}

// localPublisher delivers straight to this process's members.
type localPublisher struct {
	engine *fanout.Engine
}

func (p localPublisher) Publish(channel string, ev model.Event) error {
	p.engine.DeliverLocal(channel, ev)
	return nil
}

func (localPublisher) EnsureSubscribed(string) {}

// Server Contains state for a relay server.
type Server struct {
	config  Config
	log     *logrus.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
	nodeID  string

	// registry and engine are only touched from the Serve loop.
	registry *registry.Registry
	engine   *fanout.Engine
	clients  map[uint64]*client

	pub    publisher
	bridge *broker.Bridge

	cmds    chan *command
	done    chan struct{} // Closed when the Serve loop exits
	serving atomic.Bool
	nextID  atomic.Uint64
}

// New creates a Server from cfg.
// Call Serve to start it.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.MaxRecordSize <= 0 {
		cfg.MaxRecordSize = defaultMaxRecordSize
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	srv := &Server{
		config:   cfg,
		log:      cfg.Log,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		nodeID:   cfg.NodeID,
		registry: registry.NewWithClock(cfg.Clock.Now),
		clients:  make(map[uint64]*client),
		cmds:     make(chan *command, commandQueueSize),
		done:     make(chan struct{}),
	}
	srv.engine = fanout.New(srv.registry, srv.log, srv.metrics)

	if cfg.Broker != nil {
		srv.bridge = broker.NewBridge(cfg.Broker, srv.deliverFromBroker, broker.BridgeConfig{
			Log:       srv.log.WithField("node", srv.nodeID),
			Metrics:   srv.metrics,
			QueueSize: cfg.PublishQueue,
		})
		srv.pub = srv.bridge
	} else {
		srv.pub = localPublisher{srv.engine}
	}
	return srv
}

// NodeID returns the identifier of this relay process.
func (srv *Server) NodeID() string {
	return srv.nodeID
}

// Mode returns ModeBroker if a broker is configured, or ModeSingle otherwise.
func (srv *Server) Mode() string {
	if srv.bridge != nil {
		return ModeBroker
	}
	return ModeSingle
}

// Serve runs the relay until ctx is done.
// All channel membership changes and deliveries happen on the goroutine running Serve.
// A Server can only be served once.
func (srv *Server) Serve(ctx context.Context) error {
	if !srv.serving.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}

	srv.log.WithFields(logrus.Fields{
		"node":                srv.nodeID,
		"mode":                srv.Mode(),
		"time_between_pings":  srv.config.TimeBetweenPings,
		"pings_until_timeout": srv.config.PingsUntilTimeout,
	}).Info("Server started")

	g, ctx := errgroup.WithContext(ctx)
	if srv.bridge != nil {
		g.Go(func() error { return srv.bridge.Run(ctx) })
	}
	g.Go(func() error {
		// Once the loop is gone, nothing may wait on it.
		defer close(srv.done)
		srv.loop(ctx)
		return nil
	})
	return g.Wait()
}

func (srv *Server) loop(ctx context.Context) {
	// If timeBetweenPings is 0,
	// pingsCH will remain nil, and clients will not be pinged.
	var pingsCH <-chan time.Time
	if srv.config.TimeBetweenPings > 0 {
		ticker := srv.clock.NewTicker(srv.config.TimeBetweenPings)
		defer ticker.Stop()
		pingsCH = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			srv.shutdown()
			return
		case cmd := <-srv.cmds:
			srv.handleCommand(cmd)
		case <-pingsCH:
			srv.pingClients()
		}
	}
}

// shutdown stops every client.
// Their readers exit on their own; the rmclient commands they send are never handled.
func (srv *Server) shutdown() {
	for _, c := range srv.clients {
		c.Stop("Server shutting down")
		srv.registry.LeaveAll(c)
		srv.metrics.ConnClosed(c.transport.Kind())
	}
	srv.clients = make(map[uint64]*client)
	srv.metrics.SetChannels(0)
	srv.log.Info("Server stopped")
}

// pingClients pings every client whose transport supports it,
// and stops those that have not been heard from in PingsUntilTimeout pings.
func (srv *Server) pingClients() {
	now := srv.clock.Now()
	timeout := srv.config.TimeBetweenPings * time.Duration(srv.config.PingsUntilTimeout)
	for _, c := range srv.clients {
		if _, ok := c.transport.(pinger); !ok {
			continue
		}
		if timeout > 0 && now.Sub(c.LastSeen()) > timeout {
			c.Stop("Ping timeout")
			continue
		}
		c.requestPing()
	}
}

// send hands cmd to the Serve loop.
// It returns false if the server has stopped.
func (srv *Server) send(cmd *command) bool {
	select {
	case srv.cmds <- cmd:
		return true
	case <-srv.done:
		return false
	}
}

func (srv *Server) deliverFromBroker(channel string, ev model.Event) {
	srv.send(&command{name: cmdDeliver, channel: channel, event: ev})
}

// Publish sends ev to every member of channel, on this process and, with a broker, on every other.
// Delivery is best-effort; a nil error only means the event was accepted.
func (srv *Server) Publish(ctx context.Context, channel string, ev model.Event) error {
	if channel == "" {
		return errors.Wrap(model.ErrMalformed, "channel name is blank")
	}
	if _, err := ev.Encode(); err != nil {
		return err
	}
	if !srv.serving.Load() {
		return ErrServerClosed
	}

	cmd := &command{name: cmdPublish, channel: channel, event: ev}
	select {
	case srv.cmds <- cmd:
		return nil
	case <-srv.done:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats contains information about the running state of a relay process.
type Stats struct {
	NodeID string `json:"node_id"`
	Mode   string `json:"mode"`
	registry.Stats
	BrokerChannels int `json:"broker_channels"`
}

// Stats gets stats for this server.
func (srv *Server) Stats(ctx context.Context) (Stats, error) {
	if !srv.serving.Load() {
		return Stats{}, ErrServerClosed
	}
	reply := make(chan Stats, 1)
	cmd := &command{name: cmdStats, stats: reply}
	select {
	case srv.cmds <- cmd:
	case <-srv.done:
		return Stats{}, ErrServerClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}

	select {
	case stats := <-reply:
		return stats, nil
	case <-srv.done:
		return Stats{}, ErrServerClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (srv *Server) stats() Stats {
	stats := Stats{
		NodeID: srv.nodeID,
		Mode:   srv.Mode(),
		Stats:  srv.registry.Stats(),
	}
	if srv.bridge != nil {
		stats.BrokerChannels = srv.bridge.NumSubscribed()
	}
	return stats
}

// Ping checks that the server can reach its broker.
// Without a broker, it always succeeds.
func (srv *Server) Ping(ctx context.Context) error {
	if srv.bridge == nil {
		return nil
	}
	return srv.bridge.Ping(ctx)
}

// getHostFromAddrIfPossible tries to get the reverse dns host for an address.
// If that isn't possible, it just returns the address.
func getHostFromAddrIfPossible(addr string) string {
	var hosts string
	names, err := net.LookupAddr(addr)
	if err == nil { // No need to report errors; just fallback to IP
		hosts = strings.Join(names, ", ")
	}

	if hosts == "" {
		return addr
	}

	return fmt.Sprintf("%s (%s)", hosts, addr)
}
