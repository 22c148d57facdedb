// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package registry tracks which connections are members of which channels on one relay process.
package registry

import (
	"sort"
	"time"
)

// A Conn is a live client connection.
type Conn interface {
	// ID uniquely identifies the connection within a process.
	ID() uint64

	// Offer queues payload for sending without blocking.
	// It returns false if the connection is closed or its queue is full.
	Offer(payload []byte) bool
}

// Registry is the process-local source of truth for channel membership.
//
// A Registry is not safe for concurrent use.
// The relay server owns one per process and only touches it from its event loop.
type Registry struct {
	channels map[string]map[uint64]Conn
	conns    map[uint64]*membership

	createdTime     time.Time
	maxChannels     int
	maxChannelsTime time.Time
	maxConns        int
	maxConnsTime    time.Time
	now             func() time.Time
}

type membership struct {
	conn     Conn
	channels map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty registry which reads the time from now.
func NewWithClock(now func() time.Time) *Registry {
	t := now()
	return &Registry{
		channels:        make(map[string]map[uint64]Conn),
		conns:           make(map[uint64]*membership),
		createdTime:     t,
		maxChannelsTime: t,
		maxConnsTime:    t,
		now:             now,
	}
}

// Add records a live connection that has not joined any channels yet.
// Adding a connection twice has no effect.
func (reg *Registry) Add(conn Conn) {
	reg.membership(conn)
}

func (reg *Registry) membership(conn Conn) *membership {
	m, ok := reg.conns[conn.ID()]
	if ok {
		return m
	}
	m = &membership{conn: conn, channels: make(map[string]struct{})}
	reg.conns[conn.ID()] = m
	if len(reg.conns) > reg.maxConns {
		reg.maxConns = len(reg.conns)
		reg.maxConnsTime = reg.now()
	}
	return m
}

// Join adds conn to channel, creating the channel if needed.
// It returns false if conn was already a member.
func (reg *Registry) Join(channel string, conn Conn) bool {
	m := reg.membership(conn)
	if _, ok := m.channels[channel]; ok {
		return false
	}

	members, ok := reg.channels[channel]
	if !ok {
		members = make(map[uint64]Conn)
		reg.channels[channel] = members
		if len(reg.channels) > reg.maxChannels {
			reg.maxChannels = len(reg.channels)
			reg.maxChannelsTime = reg.now()
		}
	}
	members[conn.ID()] = conn
	m.channels[channel] = struct{}{}
	return true
}

// Leave removes conn from channel.
// It returns false if conn was not a member.
func (reg *Registry) Leave(channel string, conn Conn) bool {
	m, ok := reg.conns[conn.ID()]
	if !ok {
		return false
	}
	if _, ok := m.channels[channel]; !ok {
		return false
	}
	delete(m.channels, channel)
	reg.removeMember(channel, conn.ID())
	return true
}

// LeaveAll removes conn from every channel and forgets it.
// It returns the channels conn was removed from, sorted by name.
func (reg *Registry) LeaveAll(conn Conn) []string {
	m, ok := reg.conns[conn.ID()]
	if !ok {
		return nil
	}
	delete(reg.conns, conn.ID())

	left := make([]string, 0, len(m.channels))
	for channel := range m.channels {
		reg.removeMember(channel, conn.ID())
		left = append(left, channel)
	}
	sort.Strings(left)
	return left
}

// removeMember drops the channel entry once its last member is gone.
func (reg *Registry) removeMember(channel string, id uint64) {
	members := reg.channels[channel]
	delete(members, id)
	if len(members) == 0 {
		delete(reg.channels, channel)
	}
}

// Members returns the connections currently joined to channel.
// The slice is a snapshot; it is safe to keep after the registry changes.
func (reg *Registry) Members(channel string) []Conn {
	members := reg.channels[channel]
	if len(members) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

// Channels returns the channels conn has joined, sorted by name.
func (reg *Registry) Channels(conn Conn) []string {
	m, ok := reg.conns[conn.ID()]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.channels))
	for channel := range m.channels {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// Stats contains summary information about a registry.
type Stats struct {
	Uptime          time.Duration `json:"uptime"`
	NumChannels     int           `json:"num_channels"`
	MaxChannels     int           `json:"max_channels"`
	MaxChannelsTime time.Time     `json:"max_channels_at"`
	NumClients      int           `json:"num_clients"`
	MaxClients      int           `json:"max_clients"`
	MaxClientsTime  time.Time     `json:"max_clients_at"`
}

// Stats gets stats for this registry.
func (reg *Registry) Stats() Stats {
	return Stats{
		Uptime:          reg.now().Sub(reg.createdTime),
		NumChannels:     len(reg.channels),
		MaxChannels:     reg.maxChannels,
		MaxChannelsTime: reg.maxChannelsTime,
		NumClients:      len(reg.conns),
		MaxClients:      reg.maxConns,
		MaxClientsTime:  reg.maxConnsTime,
	}
}
