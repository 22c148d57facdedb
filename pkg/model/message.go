// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package model contains the records exchanged between clients, relays and brokers.
package model

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrMalformed is returned for records that cannot be interpreted.
var ErrMalformed = errors.New("malformed record")

// An Event is relayed to every member of a channel.
// Data is kept as raw JSON, so members receive it exactly as it was published.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes an event to the shape delivered to clients and brokers:
//
//	{"event":"<name>","data":<any>}
//
// Data is copied verbatim; a nil Data is sent as null.
func (ev Event) Encode() ([]byte, error) {
	if ev.Name == "" {
		return nil, errors.Wrap(ErrMalformed, "event has no name")
	}
	data := []byte(ev.Data)
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("null")
	} else if !json.Valid(data) {
		return nil, errors.Wrap(ErrMalformed, "event data is not valid JSON")
	}

	name, err := json.Marshal(ev.Name)
	if err != nil {
		return nil, errors.Wrap(err, "Encode event name")
	}

	buf := make([]byte, 0, len(name)+len(data)+len(`{"event":,"data":}`))
	buf = append(buf, `{"event":`...)
	buf = append(buf, name...)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf, nil
}

// DecodeEvent parses an event in the shape produced by Encode.
func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if ev.Name == "" {
		return Event{}, errors.Wrap(ErrMalformed, "event has no name")
	}
	return ev, nil
}
