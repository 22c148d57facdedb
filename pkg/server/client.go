package server

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/n0ot/relayd/pkg/model"
)

// A transport reads and writes whole records for one client connection.
// ReadRecord is only called from the client's reader,
// and WriteRecord and Ping only from its writer.
type transport interface {
	ReadRecord() ([]byte, error)
	WriteRecord(record []byte) error
	Close() error
	Kind() string
}

// A pinger is a transport that can probe the peer for liveness.
// Clients on transports that can't be pinged are never timed out.
type pinger interface {
	Ping() error
}

// A pongNotifier reports pongs from the peer.
type pongNotifier interface {
	OnPong(func())
}

// errRecordTooLarge is returned by transports that skip an oversized record
// but can keep reading.
var errRecordTooLarge = errors.New("record too large")

// client Represents a client on the server.
// Records sent with Offer are written to the transport by the client's writer goroutine.
// The send queue is never closed; Offer checks done instead.
type client struct {
	id        uint64
	transport transport
	remote    string
	srv       *Server

	send    chan []byte
	ping    chan struct{}
	limiter *rate.Limiter

	done          chan struct{} // Closed when client is finished
	stopOnce      sync.Once
	stoppedReason string // Reason the client was stopped
	lastSeen      atomic.Int64
}

func (srv *Server) newClient(t transport, remote string) *client {
	c := &client{
		id:        srv.nextID.Add(1),
		transport: t,
		remote:    remote,
		srv:       srv,
		send:      make(chan []byte, srv.config.SendQueue),
		ping:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if n := srv.config.MaxMessagesPerSecond; n > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(n), max(1, int(n)))
	}
	c.touch()
	if p, ok := t.(pongNotifier); ok {
		p.OnPong(c.touch)
	}
	return c
}

// serveClient registers a client for t, and interprets its records until it disconnects.
// It returns once the client has been removed.
func (srv *Server) serveClient(t transport, remote string) {
	c := srv.newClient(t, remote)
	if !srv.send(&command{name: cmdAddClient, client: c}) {
		t.Close()
		return
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		c.write()
	}()

	c.Stop(c.receive())
	srv.send(&command{name: cmdRmClient, client: c})
	<-finished
}

func (c *client) ID() uint64 {
	return c.id
}

// Offer queues a record for the client without blocking.
// It returns false if the client is stopped or its queue is full.
func (c *client) Offer(record []byte) bool {
	if c.Stopped() {
		return false
	}
	select {
	case c.send <- record:
		return true
	default:
		return false
	}
}

// write writes queued records and pings to the transport until the client stops.
func (c *client) write() {
	for {
		select {
		case <-c.done:
			return
		case record := <-c.send:
			if err := c.transport.WriteRecord(record); err != nil {
				c.logger().WithField("error", err).Debug("Error writing to client")
				c.Stop("Send error")
				return
			}
		case <-c.ping:
			p, ok := c.transport.(pinger)
			if !ok {
				continue
			}
			if err := p.Ping(); err != nil {
				c.logger().WithField("error", err).Debug("Error pinging client")
				c.Stop("Send error")
				return
			}
		}
	}
}

// receive reads records from the client and hands its instructions to the server.
// Malformed records are ignored.
// It returns the reason the client should be stopped.
func (c *client) receive() string {
	for {
		record, err := c.transport.ReadRecord()
		if err != nil {
			if errors.Is(err, errRecordTooLarge) {
				c.srv.metrics.Instruction("malformed")
				c.logger().Debug("Ignoring oversized record")
				continue
			}
			if c.Stopped() {
				return c.StoppedReason()
			}
			if errors.Is(err, io.EOF) {
				return "Client disconnected"
			}
			c.logger().WithField("error", err).Debug("Error reading from client")
			return "Receive error"
		}
		c.touch()
		if len(record) == 0 {
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.srv.metrics.Instruction("rate_limited")
			continue
		}

		ins, err := model.ParseInstruction(record)
		if err != nil {
			c.srv.metrics.Instruction("malformed")
			c.logger().WithField("error", err).Debug("Ignoring malformed record")
			continue
		}
		c.srv.metrics.Instruction(ins.Op.String())

		cmd := &command{client: c, channel: ins.Channel, event: ins.Event}
		switch ins.Op {
		case model.OpJoin:
			cmd.name = cmdJoin
		case model.OpLeave:
			cmd.name = cmdLeave
		case model.OpPublish:
			cmd.name = cmdPublish
		}
		if !c.srv.send(cmd) {
			return "Server shutting down"
		}
	}
}

func (c *client) requestPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

func (c *client) touch() {
	c.lastSeen.Store(c.srv.clock.Now().UnixNano())
}

// LastSeen returns when the client was last heard from.
func (c *client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Stopped returns true if the client was stopped.
func (c *client) Stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Stop stops a client, closing its transport.
// Stop is idempotent; calling Stop more than once will have no effect.
func (c *client) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.stoppedReason = reason
		close(c.done)
		c.transport.Close()
	})
}

// StoppedReason returns why the client was stopped.
// It is only meaningful once Stopped returns true.
func (c *client) StoppedReason() string {
	if !c.Stopped() {
		return ""
	}
	return c.stoppedReason
}

func (c *client) logger() *logrus.Entry {
	return c.srv.log.WithFields(logrus.Fields{
		"client": c,
		"remote": c.remote,
	})
}

func (c *client) String() string {
	return fmt.Sprintf("Client(%d)", c.id)
}
