// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package model

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Op names the instruction carried by a client record.
type Op int

// Instructions a client may send.
const (
	OpJoin Op = iota + 1
	OpLeave
	OpPublish
)

func (op Op) String() string {
	switch op {
	case OpJoin:
		return "join"
	case OpLeave:
		return "leave"
	case OpPublish:
		return "pub"
	}
	return "unknown"
}

// A Record is one message sent by a client to the relay.
// At most one of Join, Leave and Pub may be set.
type Record struct {
	Join    *string `json:"join,omitempty"`
	Leave   *string `json:"leave,omitempty"`
	Pub     *Event  `json:"pub,omitempty"`
	Channel string  `json:"channel,omitempty"`
}

// JoinRecord asks the relay to add the sender to channel.
func JoinRecord(channel string) Record {
	return Record{Join: &channel}
}

// LeaveRecord asks the relay to remove the sender from channel.
func LeaveRecord(channel string) Record {
	return Record{Leave: &channel}
}

// PublishRecord asks the relay to publish ev to channel.
func PublishRecord(channel string, ev Event) Record {
	return Record{Pub: &ev, Channel: channel}
}

// An Instruction is a validated Record.
type Instruction struct {
	Op      Op
	Channel string
	Event   Event
}

// ParseInstruction decodes a client record.
// Records that are not JSON objects, carry no instruction, carry more than one,
// or name an empty channel are malformed.
func ParseInstruction(b []byte) (Instruction, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Instruction{}, errors.Wrap(ErrMalformed, err.Error())
	}

	n := 0
	var in Instruction
	if rec.Join != nil {
		n++
		in = Instruction{Op: OpJoin, Channel: *rec.Join}
	}
	if rec.Leave != nil {
		n++
		in = Instruction{Op: OpLeave, Channel: *rec.Leave}
	}
	if rec.Pub != nil {
		n++
		in = Instruction{Op: OpPublish, Channel: rec.Channel, Event: *rec.Pub}
	}

	switch {
	case n == 0:
		return Instruction{}, errors.Wrap(ErrMalformed, "no instruction")
	case n > 1:
		return Instruction{}, errors.Wrap(ErrMalformed, "more than one instruction")
	case in.Channel == "":
		return Instruction{}, errors.Wrapf(ErrMalformed, "%s without a channel", in.Op)
	case in.Op == OpPublish && in.Event.Name == "":
		return Instruction{}, errors.Wrap(ErrMalformed, "pub without an event name")
	}
	return in, nil
}
