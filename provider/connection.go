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

package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/etherdeck/etherdeck/log"
	"github.com/etherdeck/etherdeck/rpc"
	"github.com/etherdeck/etherdeck/socket"
)

// callTimeout bounds a request round trip to the node.
const callTimeout = 30 * time.Second

// Connection binds an owner's caller handle to its node socket. Requests sent
// over the socket are correlated with their responses by request id; inbound
// messages carrying no matching id are forwarded to the caller as unprompted
// data notifications.
//
// The entry points for node messages are installed on the socket as the
// OnMessage and OnEvent callbacks.
type Connection struct {
	owner  OwnerID
	caller Caller
	sock   *socket.Socket
	log    log.Logger

	// onClose is invoked by the socket event hook when the transport dies.
	// Set by the backend before the socket connects.
	onClose func(ev socket.Event)

	mu       sync.Mutex
	respWait map[string]chan *rpc.Message // active requests by id
}

func newConnection(caller Caller, sock *socket.Socket, logger log.Logger) *Connection {
	c := &Connection{
		owner:    caller.ID(),
		caller:   caller,
		sock:     sock,
		log:      logger,
		respWait: make(map[string]chan *rpc.Message),
	}
	sock.OnMessage = c.dispatch
	sock.OnEvent = c.handleSocketEvent
	return c
}

// Owner returns the owning caller identity.
func (c *Connection) Owner() OwnerID { return c.owner }

// Socket returns the underlying node socket.
func (c *Connection) Socket() *socket.Socket { return c.sock }

// roundTrip sends msg to the node and waits for the matching response.
// Messages without an id are notifications: they are written and not waited
// for. All failures are reported as timeout-class errors.
func (c *Connection) roundTrip(ctx context.Context, msg *rpc.Message) (*rpc.Message, error) {
	if !msg.HasValidID() {
		if err := c.sock.Write(msg); err != nil {
			return nil, rpc.NewMethodTimeoutError(msg.Method)
		}
		return nil, nil
	}
	ch := c.addRequest(string(msg.ID))
	defer c.removeRequest(string(msg.ID))

	if err := c.sock.Write(msg); err != nil {
		return nil, rpc.NewMethodTimeoutError(msg.Method)
	}
	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			// connection torn down while waiting
			return nil, rpc.NewMethodTimeoutError(msg.Method)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, rpc.NewMethodTimeoutError(msg.Method)
	case <-timer.C:
		return nil, rpc.NewMethodTimeoutError(msg.Method)
	}
}

// roundTripBatch writes all messages as one array and collects the responses
// by request id. Notification entries are written but not awaited. The whole
// batch shares a single timeout.
func (c *Connection) roundTripBatch(ctx context.Context, msgs []*rpc.Message) (map[string]*rpc.Message, error) {
	byID := make(map[string]*rpc.Message)
	waiting := make(map[string]chan *rpc.Message)
	for _, msg := range msgs {
		if msg.HasValidID() {
			waiting[string(msg.ID)] = c.addRequest(string(msg.ID))
		}
	}
	defer func() {
		for id := range waiting {
			c.removeRequest(id)
		}
	}()

	if err := c.sock.Write(msgs); err != nil {
		return nil, rpc.NewMethodTimeoutError("")
	}
	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	for id, ch := range waiting {
		select {
		case resp, ok := <-ch:
			if ok {
				byID[id] = resp
			}
		case <-ctx.Done():
			return byID, nil
		case <-timer.C:
			return byID, nil
		}
	}
	return byID, nil
}

func (c *Connection) addRequest(id string) chan *rpc.Message {
	ch := make(chan *rpc.Message, 1)
	c.mu.Lock()
	c.respWait[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Connection) removeRequest(id string) {
	c.mu.Lock()
	delete(c.respWait, id)
	c.mu.Unlock()
}

// failPending unblocks every in-flight round trip. Used on teardown.
func (c *Connection) failPending() {
	c.mu.Lock()
	for id, ch := range c.respWait {
		delete(c.respWait, id)
		close(ch)
	}
	c.mu.Unlock()
}

// dispatch routes an inbound node message: responses wake their waiting round
// trip, everything else is pushed to the caller unprompted.
func (c *Connection) dispatch(raw json.RawMessage) {
	if len(raw) > 0 && raw[0] == '[' {
		var msgs []*rpc.Message
		if err := json.Unmarshal(raw, &msgs); err != nil {
			c.log.Debug("Dropping malformed batch from node", "err", err)
			return
		}
		for _, msg := range msgs {
			c.dispatchOne(msg)
		}
		return
	}
	msg := new(rpc.Message)
	if err := json.Unmarshal(raw, msg); err != nil {
		c.log.Debug("Dropping malformed message from node", "err", err)
		return
	}
	c.dispatchOne(msg)
}

func (c *Connection) dispatchOne(msg *rpc.Message) {
	if msg == nil {
		return
	}
	if msg.IsResponse() {
		c.mu.Lock()
		ch := c.respWait[string(msg.ID)]
		delete(c.respWait, string(msg.ID))
		c.mu.Unlock()
		if ch == nil {
			c.log.Trace("Unsolicited node response", "id", string(msg.ID))
			return
		}
		ch <- msg
		return
	}
	// subscription notifications and other unprompted node traffic
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.caller.Notify(EventData, data)
}

func (c *Connection) handleSocketEvent(ev socket.Event) {
	switch ev.Type {
	case socket.EventConnect:
		c.caller.Notify(EventConnect, encodeEventData(ev))
	default:
		if cb := c.onClose; cb != nil {
			cb(ev)
		}
	}
}

func encodeEventData(ev socket.Event) []byte {
	if ev.Err == nil {
		return []byte("null")
	}
	data, _ := json.Marshal(ev.Err.Error())
	return data
}
