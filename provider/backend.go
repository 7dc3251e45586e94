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

// Package provider implements the IPC provider backend: it multiplexes many
// UI surface connections onto per-owner sockets to the local node, filters
// JSON-RPC requests before they reach the node and shapes the responses that
// travel back.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/etherdeck/etherdeck/log"
	"github.com/etherdeck/etherdeck/nodestate"
	"github.com/etherdeck/etherdeck/rpc"
	"github.com/etherdeck/etherdeck/socket"
)

var (
	jsonTrue  = []byte("true")
	jsonFalse = []byte("false")
)

// Backend is the provider orchestrator. It owns the per-caller connection
// table, routes requests through the processor registry and reacts to node
// lifecycle transitions.
type Backend struct {
	reg       *Registry
	tracker   nodestate.Tracker
	newSocket socket.Factory
	log       log.Logger

	mu      sync.Mutex
	conns   map[OwnerID]*Connection
	pending map[OwnerID]*pendingConn

	quit chan struct{}
	wg   sync.WaitGroup
}

// pendingConn collapses concurrent connection attempts for one owner into a
// single in-flight connect.
type pendingConn struct {
	done chan struct{}
	conn *Connection
	err  error
}

// New creates a backend. Call Start to begin reacting to node state changes.
func New(tracker nodestate.Tracker, factory socket.Factory, reg *Registry) *Backend {
	return &Backend{
		reg:       reg,
		tracker:   tracker,
		newSocket: factory,
		log:       log.New("module", "provider"),
		conns:     make(map[OwnerID]*Connection),
		pending:   make(map[OwnerID]*pendingConn),
	}
}

// Start launches the node state reactor.
func (b *Backend) Start() {
	b.mu.Lock()
	if b.quit != nil {
		b.mu.Unlock()
		return
	}
	b.quit = make(chan struct{})
	quit := b.quit
	b.mu.Unlock()

	ch := make(chan nodestate.State, 8)
	sub := b.tracker.SubscribeState(ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case st := <-ch:
				if st == nodestate.StateStopping {
					b.disconnectAll()
				}
			case <-quit:
				return
			}
		}
	}()
}

// Stop shuts the reactor down and destroys all connections.
func (b *Backend) Stop() {
	b.mu.Lock()
	if b.quit == nil {
		b.mu.Unlock()
		return
	}
	close(b.quit)
	b.quit = nil
	owners := make([]OwnerID, 0, len(b.conns))
	for owner := range b.conns {
		owners = append(owners, owner)
	}
	b.mu.Unlock()

	b.wg.Wait()
	for _, owner := range owners {
		b.DestroyConnection(owner)
	}
}

// CreateConnection obtains or creates the caller's connection and notifies
// the caller of the resulting writable state.
func (b *Backend) CreateConnection(ctx context.Context, caller Caller) error {
	b.mu.Lock()
	c := b.conns[caller.ID()]
	existing := c != nil && c.sock.IsConnected()
	b.mu.Unlock()

	_, err := b.getOrCreateConnection(ctx, caller)
	if err != nil {
		caller.Notify(EventSetWritable, jsonFalse)
		return err
	}
	// fresh connects notify from getOrCreateConnection already
	if existing {
		caller.Notify(EventSetWritable, jsonTrue)
	}
	return nil
}

// DestroyConnection tears down the owner's connection. Destroying an owner
// without a connection is a no-op.
func (b *Backend) DestroyConnection(owner OwnerID) {
	b.mu.Lock()
	c := b.conns[owner]
	delete(b.conns, owner)
	b.mu.Unlock()
	if c == nil {
		return
	}
	c.caller.Notify(EventSetWritable, jsonFalse)
	c.failPending()
	c.sock.Destroy()
	b.log.Debug("Connection destroyed", "owner", owner)
}

// getOrCreateConnection returns the existing connection for the caller or
// allocates a new socket bound to it. An entry whose socket died, typically
// across a node restart, is replaced through the normal pending path so the
// owner comes back writable without an explicit destroy. Concurrent calls for
// the same owner while a connect is in flight share the single pending
// operation. The wait for the node to become connected is unbounded here;
// only the transport connect itself is bounded by the socket dial timeout.
func (b *Backend) getOrCreateConnection(ctx context.Context, caller Caller) (*Connection, error) {
	owner := caller.ID()

	b.mu.Lock()
	var stale *Connection
	if c := b.conns[owner]; c != nil {
		if c.sock.IsConnected() {
			b.mu.Unlock()
			return c, nil
		}
		delete(b.conns, owner)
		stale = c
	}
	if p := b.pending[owner]; p != nil {
		b.mu.Unlock()
		select {
		case <-p.done:
			return p.conn, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pendingConn{done: make(chan struct{})}
	b.pending[owner] = p
	b.mu.Unlock()

	if stale != nil {
		b.log.Debug("Replacing dead connection", "owner", owner)
		stale.failPending()
		stale.sock.Destroy()
	}
	conn, err := b.connect(ctx, caller)

	b.mu.Lock()
	delete(b.pending, owner)
	if err == nil {
		b.conns[owner] = conn
	}
	b.mu.Unlock()

	p.conn, p.err = conn, err
	close(p.done)

	if err != nil {
		b.log.Debug("Connection attempt failed", "owner", owner, "err", err)
		return nil, err
	}
	caller.Notify(EventSetWritable, jsonTrue)
	return conn, nil
}

// connect waits for the node to accept connections, then dials the owner's
// socket.
func (b *Backend) connect(ctx context.Context, caller Caller) (*Connection, error) {
	owner := caller.ID()
	if err := b.waitNodeConnected(ctx, owner); err != nil {
		return nil, err
	}

	sock := b.newSocket(string(owner))
	conn := newConnection(caller, sock, b.log.New("owner", owner))
	conn.onClose = func(ev socket.Event) {
		b.dropConnection(owner, ev)
	}
	if err := sock.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (b *Backend) waitNodeConnected(ctx context.Context, owner OwnerID) error {
	if b.tracker.State() == nodestate.StateConnected {
		return nil
	}
	b.log.Debug("Waiting for node before opening socket", "owner", owner)

	ch := make(chan nodestate.State, 8)
	sub := b.tracker.SubscribeState(ch)
	defer sub.Unsubscribe()

	// re-check after subscribing, the transition may already have happened
	for b.tracker.State() != nodestate.StateConnected {
		select {
		case st := <-ch:
			if st == nodestate.StateConnected {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// dropConnection removes a connection whose socket died and notifies the
// owner with the event name and data.
func (b *Backend) dropConnection(owner OwnerID, ev socket.Event) {
	b.mu.Lock()
	c := b.conns[owner]
	delete(b.conns, owner)
	b.mu.Unlock()
	if c == nil {
		return
	}
	c.failPending()
	c.sock.Destroy()
	c.caller.Notify(string(ev.Type), encodeEventData(ev))
	c.caller.Notify(EventSetWritable, jsonFalse)
	b.log.Debug("Connection dropped", "owner", owner, "event", ev.Type, "err", ev.Err)
}

// disconnectAll reacts to the node entering the stopping state: every
// connected socket is disconnected and its owner is told the channel is no
// longer writable. The fan-out is best effort, one owner's failure does not
// block the others.
func (b *Backend) disconnectAll() {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	b.log.Info("Node stopping, disconnecting sockets", "conns", len(conns))
	for _, c := range conns {
		if c.sock.IsConnected() {
			if err := c.sock.Disconnect(); err != nil {
				b.log.Error("Failed to disconnect socket", "owner", c.owner, "err", err)
			}
		}
		c.failPending()
		c.caller.Notify(EventSetWritable, jsonFalse)
	}
}

// SendRequest runs the full request pipeline for a raw payload string: parse,
// connection check, sanitize, dispatch, shape. The final JSON-encoded payload
// is returned directly when sync is true, otherwise it is pushed to the
// caller as a data event. Request-level failures never escape as errors; they
// come back as JSON-RPC error payloads.
func (b *Backend) SendRequest(ctx context.Context, caller Caller, raw []byte, sync bool) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Request pipeline panicked", "owner", caller.ID(), "panic", r)
			result, err = b.deliver(caller, sync, false, []*rpc.Message{rpc.ErrorMessage(fmt.Errorf("internal error"))})
		}
	}()

	payload, perr := rpc.ParsePayload(raw)
	if perr != nil {
		return b.deliver(caller, sync, false, []*rpc.Message{rpc.ErrorMessage(perr)})
	}

	conn, cerr := b.getOrCreateConnection(ctx, caller)
	if cerr != nil || !conn.sock.IsConnected() {
		// no request goes out over a dead channel
		return b.deliver(caller, sync, payload.Batch, errorResponses(payload, rpc.NewMethodTimeoutError("")))
	}

	// Re-parse so the sanitizer never mutates the payload used for error
	// reporting above.
	fresh, _ := rpc.ParsePayload(raw)

	if fresh.Batch {
		answers := b.execBatch(ctx, conn, fresh.Msgs)
		return b.deliver(caller, sync, true, answers)
	}

	msg := fresh.Msgs[0]
	proc := b.reg.resolve(msg.Method)
	proc.SanitizePayload(conn, msg)
	if msg.Error != nil {
		return b.deliver(caller, sync, false, errorResponses(payload, msg.Error))
	}
	res, eerr := proc.Exec(ctx, conn, msg)
	if eerr != nil {
		return b.deliver(caller, sync, false, errorResponses(payload, eerr))
	}
	return b.deliver(caller, sync, false, []*rpc.Message{msg.RawResponse(res)})
}

// execBatch sanitizes and forwards a batch. Entries submitting transactions
// are denied individually while their siblings proceed. Forwarding is the
// base processor's concern: the surviving entries travel to the node as one
// array write.
func (b *Backend) execBatch(ctx context.Context, conn *Connection, msgs []*rpc.Message) []*rpc.Message {
	forward := make([]*rpc.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Method == methodSendTransaction {
			msg.Error = rpc.ErrorObject(rpc.NewBatchTxDeniedError())
			continue
		}
		b.reg.Base().SanitizePayload(conn, msg)
		if msg.Error == nil {
			forward = append(forward, msg)
		}
	}

	var byID map[string]*rpc.Message
	if len(forward) > 0 {
		byID, _ = conn.roundTripBatch(ctx, forward)
	}

	answers := make([]*rpc.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch {
		case msg.Error != nil:
			answers = append(answers, msg.ErrorResponse(msg.Error))
		case !msg.HasValidID():
			// notification entries produce no response
		default:
			resp := byID[string(msg.ID)]
			switch {
			case resp == nil:
				answers = append(answers, msg.ErrorResponse(rpc.NewMethodTimeoutError(msg.Method)))
			case resp.Error != nil:
				answers = append(answers, msg.ErrorResponse(resp.Error))
			default:
				answers = append(answers, msg.RawResponse(resp.Result))
			}
		}
	}
	return answers
}

// errorResponses mirrors a top-level error across every position of the
// original payload, keeping per-item ids.
func errorResponses(p *rpc.Payload, err error) []*rpc.Message {
	answers := make([]*rpc.Message, len(p.Msgs))
	for i, msg := range p.Msgs {
		answers[i] = msg.ErrorResponse(err)
	}
	return answers
}

// deliver encodes the final payload and hands it to the caller: returned
// directly for synchronous calls, pushed as a data event otherwise.
func (b *Backend) deliver(caller Caller, sync, batch bool, answers []*rpc.Message) ([]byte, error) {
	out, err := rpc.EncodeResponses(batch, answers)
	if err != nil {
		out, _ = json.Marshal(rpc.ErrorMessage(err))
	}
	if sync {
		return out, nil
	}
	caller.Notify(EventData, out)
	return nil, nil
}

// Connections returns the number of live connections. Used by the status
// surface and tests.
func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
