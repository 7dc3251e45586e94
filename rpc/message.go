// Copyright 2025 The etherdeck Authors
// This file is part of the etherdeck library.
//
// The etherdeck library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The etherdeck library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the etherdeck library. If not, see <http://www.gnu.org/licenses/>.

// Package rpc implements the JSON-RPC 2.0 payload model used between the UI
// surfaces, the provider backend and the node.
package rpc

import (
	"bytes"
	"encoding/json"
)

// Vsn is the JSON-RPC version carried by every message.
const Vsn = "2.0"

var null = json.RawMessage("null")

// A Message is a JSON-RPC request, notification, successful response or error
// response. Which one it is depends on the fields.
type Message struct {
	Version string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONError      `json:"error,omitempty"`
}

func (msg *Message) IsNotification() bool {
	return msg.ID == nil && msg.Method != ""
}

func (msg *Message) IsCall() bool {
	return msg.HasValidID() && msg.Method != ""
}

func (msg *Message) IsResponse() bool {
	return msg.HasValidID() && msg.Method == "" && msg.Params == nil && (msg.Result != nil || msg.Error != nil)
}

func (msg *Message) HasValidID() bool {
	return len(msg.ID) > 0 && msg.ID[0] != '{' && msg.ID[0] != '['
}

func (msg *Message) String() string {
	b, _ := json.Marshal(msg)
	return string(b)
}

// Response builds a successful response carrying the given result. The echoed
// message only contains the id and the result, never the request fields.
func (msg *Message) Response(result interface{}) *Message {
	enc, err := json.Marshal(result)
	if err != nil {
		return msg.ErrorResponse(&JSONError{Code: ErrcodeInternal, Message: err.Error()})
	}
	return &Message{Version: Vsn, ID: msg.respID(), Result: enc}
}

// RawResponse builds a successful response from an already encoded result.
func (msg *Message) RawResponse(result json.RawMessage) *Message {
	if result == nil {
		result = null
	}
	return &Message{Version: Vsn, ID: msg.respID(), Result: result}
}

// ErrorResponse builds an error response mirroring the message. Request-only
// fields are stripped and any method placeholder left in the error text is
// substituted with the offending method name.
func (msg *Message) ErrorResponse(err error) *Message {
	e := errorObject(err)
	e.Message = substituteMethod(e.Message, msg.Method)
	return &Message{Version: Vsn, ID: msg.respID(), Error: e}
}

func (msg *Message) respID() json.RawMessage {
	if msg.ID == nil {
		return null
	}
	return msg.ID
}

// ErrorMessage builds an error response for a message that could not be
// parsed at all.
func ErrorMessage(err error) *Message {
	return &Message{Version: Vsn, ID: null, Error: errorObject(err)}
}

// A Payload is the unit a caller submits for writing: either a single message
// or an ordered batch. The original shape is remembered so responses can
// mirror it.
type Payload struct {
	Batch bool
	Msgs  []*Message
}

// ParsePayload decodes a raw request string into a payload, distinguishing
// batch requests by their leading array bracket. Malformed input and empty
// batches yield an invalid payload error.
func ParsePayload(raw []byte) (*Payload, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, new(invalidPayloadError)
	}
	if trimmed[0] == '[' {
		var msgs []*Message
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, new(invalidPayloadError)
		}
		if len(msgs) == 0 {
			return nil, new(invalidPayloadError)
		}
		for _, msg := range msgs {
			if msg == nil {
				return nil, new(invalidPayloadError)
			}
		}
		return &Payload{Batch: true, Msgs: msgs}, nil
	}
	msg := new(Message)
	if err := json.Unmarshal(trimmed, msg); err != nil {
		return nil, new(invalidPayloadError)
	}
	return &Payload{Msgs: []*Message{msg}}, nil
}

// EncodeResponses encodes responses in the shape of the originating payload:
// a bare object for single requests, an array for batches.
func EncodeResponses(batch bool, msgs []*Message) ([]byte, error) {
	if batch {
		return json.Marshal(msgs)
	}
	if len(msgs) == 0 {
		return nil, new(invalidPayloadError)
	}
	return json.Marshal(msgs[0])
}
