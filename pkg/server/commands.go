package server

import (
	"github.com/sirupsen/logrus"

	"github.com/n0ot/relayd/pkg/model"
)

// Command names.
const (
	cmdAddClient = "addclient"
	cmdRmClient  = "rmclient"
	cmdJoin      = "join"
	cmdLeave     = "leave"
	cmdPublish   = "pub"
	cmdDeliver   = "deliver"
	cmdStats     = "stats"
)

// command is a unit of work for the Serve loop.
type command struct {
	name    string
	client  *client // Originator; nil for in-process producers and the broker
	channel string
	event   model.Event
	stats   chan<- Stats
}

// commandHandlerFunc handles a command on the Serve loop.
type commandHandlerFunc func(*Server, *command)

var commandHandlers = map[string]commandHandlerFunc{
	cmdAddClient: handleAddClient,
	cmdRmClient:  handleRmClient,
	cmdJoin:      handleJoin,
	cmdLeave:     handleLeave,
	cmdPublish:   handlePublish,
	cmdDeliver:   handleDeliver,
	cmdStats:     handleStats,
}

// handleCommand looks up a command's handler and runs it.
// A panicking handler is logged and does not stop the server.
func (srv *Server) handleCommand(cmd *command) {
	defer func() {
		if r := recover(); r != nil {
			srv.log.WithFields(logrus.Fields{
				"command": cmd.name,
				"client":  cmd.client,
				"error":   r,
			}).Error("Command panicked")
		}
	}()

	handler, ok := commandHandlers[cmd.name]
	if !ok {
		srv.log.WithField("command", cmd.name).Error("Unknown command")
		return
	}

	if cmd.client != nil && cmd.name != cmdAddClient {
		if _, ok := srv.clients[cmd.client.id]; !ok {
			// If a client sends records quickly, but is disconnected before all of them run,
			// the commands received here after the client was removed should be ignored.
			// This is not an error.
			return
		}
	}

	handler(srv, cmd)
}

func handleAddClient(srv *Server, cmd *command) {
	c := cmd.client
	if c.Stopped() {
		// The reader gave up before it was registered; rmclient is on its way,
		// and will find nothing to remove.
		return
	}
	srv.clients[c.id] = c
	srv.registry.Add(c)
	srv.metrics.ConnOpened(c.transport.Kind())
	srv.log.WithFields(logrus.Fields{
		"client":    c,
		"transport": c.transport.Kind(),
		"remote":    c.remote,
	}).Info("Client connected")
}

func handleRmClient(srv *Server, cmd *command) {
	c := cmd.client
	delete(srv.clients, c.id)
	left := srv.registry.LeaveAll(c)
	srv.metrics.ConnClosed(c.transport.Kind())
	srv.metrics.SetChannels(srv.registry.Stats().NumChannels)
	srv.log.WithFields(logrus.Fields{
		"client":   c,
		"reason":   c.StoppedReason(),
		"channels": len(left),
	}).Info("Client disconnected")
}

func handleJoin(srv *Server, cmd *command) {
	if srv.registry.Join(cmd.channel, cmd.client) {
		srv.metrics.SetChannels(srv.registry.Stats().NumChannels)
		srv.log.WithFields(logrus.Fields{
			"client":  cmd.client,
			"channel": cmd.channel,
		}).Debug("Client joined channel")
	}
	srv.pub.EnsureSubscribed(cmd.channel)
}

func handleLeave(srv *Server, cmd *command) {
	if srv.registry.Leave(cmd.channel, cmd.client) {
		srv.metrics.SetChannels(srv.registry.Stats().NumChannels)
		srv.log.WithFields(logrus.Fields{
			"client":  cmd.client,
			"channel": cmd.channel,
		}).Debug("Client left channel")
	}
}

func handlePublish(srv *Server, cmd *command) {
	if err := srv.pub.Publish(cmd.channel, cmd.event); err != nil {
		srv.log.WithFields(logrus.Fields{
			"client":  cmd.client,
			"channel": cmd.channel,
			"event":   cmd.event.Name,
			"error":   err,
		}).Debug("Publish dropped")
	}
}

func handleDeliver(srv *Server, cmd *command) {
	srv.engine.DeliverLocal(cmd.channel, cmd.event)
}

func handleStats(srv *Server, cmd *command) {
	cmd.stats <- srv.stats()
}
