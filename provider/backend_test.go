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
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etherdeck/etherdeck/event"
	"github.com/etherdeck/etherdeck/internal/testlog"
	"github.com/etherdeck/etherdeck/log"
	"github.com/etherdeck/etherdeck/nodestate"
	"github.com/etherdeck/etherdeck/rpc"
	"github.com/etherdeck/etherdeck/socket"
)

// fakeNode is a TCP server speaking newline-free JSON like the real node's
// IPC endpoint. Every request gets a canned result unless a handler is set.
type fakeNode struct {
	ln      net.Listener
	mu      sync.Mutex
	conns   []net.Conn
	handler func(msg *rpc.Message) *rpc.Message
}

func startFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n := &fakeNode{ln: ln}
	go n.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return n
}

func (n *fakeNode) endpoint() string { return n.ln.Addr().String() }

func (n *fakeNode) setHandler(h func(msg *rpc.Message) *rpc.Message) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

func (n *fakeNode) respond(msg *rpc.Message) *rpc.Message {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	if h != nil {
		return h(msg)
	}
	return msg.RawResponse(json.RawMessage(`"0x1"`))
}

func (n *fakeNode) acceptLoop() {
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			return
		}
		go n.serve(conn)
	}
}

// closeConns drops every accepted connection, simulating a node crash.
func (n *fakeNode) closeConns() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, conn := range n.conns {
		conn.Close()
	}
	n.conns = nil
}

func (n *fakeNode) serve(conn net.Conn) {
	n.mu.Lock()
	n.conns = append(n.conns, conn)
	n.mu.Unlock()
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return
		}
		if len(raw) > 0 && raw[0] == '[' {
			var msgs []*rpc.Message
			if err := json.Unmarshal(raw, &msgs); err != nil {
				return
			}
			answers := make([]*rpc.Message, 0, len(msgs))
			for _, msg := range msgs {
				if msg.HasValidID() {
					answers = append(answers, n.respond(msg))
				}
			}
			if err := enc.Encode(answers); err != nil {
				return
			}
			continue
		}
		msg := new(rpc.Message)
		if err := json.Unmarshal(raw, msg); err != nil {
			return
		}
		if !msg.HasValidID() {
			continue
		}
		if err := enc.Encode(n.respond(msg)); err != nil {
			return
		}
	}
}

// fakeTracker is a hand-driven node lifecycle source.
type fakeTracker struct {
	mu    sync.Mutex
	state nodestate.State
	feed  event.Feed[nodestate.State]
}

func newFakeTracker(st nodestate.State) *fakeTracker {
	return &fakeTracker{state: st}
}

func (tr *fakeTracker) State() nodestate.State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.state
}

func (tr *fakeTracker) SubscribeState(ch chan<- nodestate.State) event.Subscription {
	return tr.feed.Subscribe(ch)
}

func (tr *fakeTracker) setState(st nodestate.State) {
	tr.mu.Lock()
	tr.state = st
	tr.mu.Unlock()
	tr.feed.Send(st)
}

type notification struct {
	Event string
	Data  string
}

// recCaller records backend notifications for assertions.
type recCaller struct {
	id OwnerID
	ch chan notification

	mu     sync.Mutex
	events []notification
}

func newRecCaller(id string) *recCaller {
	return &recCaller{id: OwnerID(id), ch: make(chan notification, 64)}
}

func (c *recCaller) ID() OwnerID { return c.id }

func (c *recCaller) Notify(event string, data []byte) {
	n := notification{Event: event, Data: string(data)}
	c.mu.Lock()
	c.events = append(c.events, n)
	c.mu.Unlock()
	c.ch <- n
}

func (c *recCaller) await(t *testing.T, event string) notification {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-c.ch:
			if n.Event == event {
				return n
			}
		case <-deadline:
			t.Fatalf("caller %s: no %q notification", c.id, event)
		}
	}
}

func newTestBackend(t *testing.T, tracker nodestate.Tracker, endpoint string, policy *Policy) *Backend {
	t.Helper()
	log.Root().SetHandler(testlog.Handler(t, log.LvlDebug))
	if policy == nil {
		policy = new(Policy)
	}
	factory := socket.NewFactory(socket.Config{
		Mode:        socket.ModeTCP,
		Endpoint:    endpoint,
		DialTimeout: time.Second,
	})
	b := New(tracker, factory, DefaultRegistry(policy))
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func sendSync(t *testing.T, b *Backend, caller Caller, raw string) []byte {
	t.Helper()
	out, err := b.SendRequest(context.Background(), caller, []byte(raw), true)
	require.NoError(t, err)
	return out
}

func TestSendRequestInvalidPayload(t *testing.T) {
	node := startFakeNode(t)
	b := newTestBackend(t, newFakeTracker(nodestate.StateConnected), node.endpoint(), nil)
	caller := newRecCaller("tab-1")

	for _, raw := range []string{"", "not json", "{]", `"just a string"`, "[]"} {
		out := sendSync(t, b, caller, raw)
		var resp rpc.Message
		require.NoError(t, json.Unmarshal(out, &resp), "raw=%q", raw)
		require.NotNil(t, resp.Error, "raw=%q", raw)
		assert.Equal(t, rpc.ErrcodeInvalidPayload, resp.Error.Code, "raw=%q", raw)
	}
}

func TestSendRequestRoundTripShape(t *testing.T) {
	node := startFakeNode(t)
	node.setHandler(func(msg *rpc.Message) *rpc.Message {
		return msg.RawResponse(json.RawMessage(`"0xbeef"`))
	})
	b := newTestBackend(t, newFakeTracker(nodestate.StateConnected), node.endpoint(), nil)
	caller := newRecCaller("tab-1")

	out := sendSync(t, b, caller, `{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":7}`)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.Equal(t, `"2.0"`, string(fields["jsonrpc"]))
	assert.Equal(t, `7`, string(fields["id"]))
	assert.Equal(t, `"0xbeef"`, string(fields["result"]))
	assert.NotContains(t, fields, "method")
	assert.NotContains(t, fields, "params")
	assert.NotContains(t, fields, "error")
}

func TestSendRequestAsyncPush(t *testing.T) {
	node := startFakeNode(t)
	b := newTestBackend(t, newFakeTracker(nodestate.StateConnected), node.endpoint(), nil)
	caller := newRecCaller("tab-1")

	out, err := b.SendRequest(context.Background(), caller, []byte(`{"method":"eth_blockNumber","id":1}`), false)
	require.NoError(t, err)
	assert.Nil(t, out)

	n := caller.await(t, EventData)
	var resp rpc.Message
	require.NoError(t, json.Unmarshal([]byte(n.Data), &resp))
	assert.Equal(t, `"0x1"`, string(resp.Result))
}

func TestBatchTransactionDenied(t *testing.T) {
	node := startFakeNode(t)
	b := newTestBackend(t, newFakeTracker(nodestate.StateConnected), node.endpoint(), nil)
	caller := newRecCaller("tab-1")

	raw := `[{"method":"eth_getBalance","params":["0xaa"],"id":1},
	         {"method":"eth_sendTransaction","params":[{"from":"0xaa"}],"id":2},
	         {"method":"eth_blockNumber","id":3}]`
	out := sendSync(t, b, caller, raw)

	var resps []*rpc.Message
	require.NoError(t, json.Unmarshal(out, &resps))
	require.Len(t, resps, 3)

	assert.Equal(t, `1`, string(resps[0].ID))
	assert.Nil(t, resps[0].Error)
	assert.Equal(t, `"0x1"`, string(resps[0].Result))

	require.NotNil(t, resps[1].Error)
	assert.Equal(t, `2`, string(resps[1].ID))
	assert.Equal(t, rpc.ErrcodeInternal, resps[1].Error.Code)
	assert.Contains(t, resps[1].Error.Message, "batch")

	assert.Nil(t, resps[2].Error)
	assert.Equal(t, `"0x1"`, string(resps[2].Result))
}

func TestBatchMethodDeniedSibling(t *testing.T) {
	node := startFakeNode(t)
	policy := &Policy{AllowedMethods: mapset.NewSet("eth_blockNumber")}
	b := newTestBackend(t, newFakeTracker(nodestate.StateConnected), node.endpoint(), policy)
	caller := newRecCaller("tab-1")

	out := sendSync(t, b, caller, `[{"method":"eth_blockNumber","id":1},{"method":"eth_foo","id":2}]`)

	var resps []*rpc.Message
	require.NoError(t, json.Unmarshal(out, &resps))
	require.Len(t, resps, 2)
	assert.Nil(t, resps[0].Error)
	require.NotNil(t, resps[1].Error)
	assert.Equal(t, rpc.ErrcodeMethodDenied, resps[1].Error.Code)
}

func TestMethodDeniedTemplating(t *testing.T) {
	node := startFakeNode(t)
	policy := &Policy{AllowedMethods: mapset.NewSet("eth_blockNumber")}
	b := newTestBackend(t, newFakeTracker(nodestate.StateConnected), node.endpoint(), policy)
	caller := newRecCaller("tab-1")

	out := sendSync(t, b, caller, `{"method":"eth_foo","id":4}`)

	var resp rpc.Message
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.ErrcodeMethodDenied, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "'eth_foo'")
	assert.NotContains(t, resp.Error.Message, "__method__")
}

func TestProcessorDispatch(t *testing.T) {
	node := startFakeNode(t)

	execd := make(chan string, 1)
	custom := &testProcessor{execd: execd}
	base := &baseProcessor{policy: new(Policy)}
	reg := NewRegistry(base, map[string]Processor{"test_ping": custom})

	factory := socket.NewFactory(socket.Config{Mode: socket.ModeTCP, Endpoint: node.endpoint(), DialTimeout: time.Second})
	b := New(newFakeTracker(nodestate.StateConnected), factory, reg)
	b.Start()
	defer b.Stop()
	caller := newRecCaller("tab-1")

	// registered method goes to the dedicated processor
	out := sendSync(t, b, caller, `{"method":"test_ping","id":1}`)
	var resp rpc.Message
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, `"pong"`, string(resp.Result))
	assert.Equal(t, "test_ping", <-execd)

	// unknown methods fall back to the base forwarder
	out = sendSync(t, b, caller, `{"method":"test_unknown","id":2}`)
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, `"0x1"`, string(resp.Result))
}

type testProcessor struct {
	execd chan string
}

func (p *testProcessor) SanitizePayload(c *Connection, msg *rpc.Message) {}

func (p *testProcessor) Exec(ctx context.Context, c *Connection, msg *rpc.Message) (json.RawMessage, error) {
	p.execd <- msg.Method
	return json.RawMessage(`"pong"`), nil
}

func TestConcurrentCreateSharesConnect(t *testing.T) {
	node := startFakeNode(t)
	tracker := newFakeTracker(nodestate.StateStarting)

	var made int32
	factory := func(owner string) *socket.Socket {
		atomic.AddInt32(&made, 1)
		return socket.New(owner, socket.Config{Mode: socket.ModeTCP, Endpoint: node.endpoint(), DialTimeout: time.Second})
	}
	b := New(tracker, factory, DefaultRegistry(new(Policy)))
	b.Start()
	defer b.Stop()
	caller := newRecCaller("tab-1")

	// all creates block on the starting node, sharing one pending connect
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.CreateConnection(context.Background(), caller)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&made))

	tracker.setState(nodestate.StateConnected)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "create %d", i)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&made))
	assert.Equal(t, 1, b.Connections())

	caller.await(t, EventSetWritable)
}

func TestCreateConnectionWaitsForNode(t *testing.T) {
	node := startFakeNode(t)
	tracker := newFakeTracker(nodestate.StateStarting)
	b := newTestBackend(t, tracker, node.endpoint(), nil)
	caller := newRecCaller("tab-1")

	done := make(chan error, 1)
	go func() {
		done <- b.CreateConnection(context.Background(), caller)
	}()

	select {
	case err := <-done:
		t.Fatalf("create finished before node connected: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	tracker.setState(nodestate.StateConnected)
	require.NoError(t, <-done)
	caller.await(t, EventConnect)
	n := caller.await(t, EventSetWritable)
	assert.Equal(t, "true", n.Data)
}

func TestSendRequestNoNode(t *testing.T) {
	tracker := newFakeTracker(nodestate.StateStopped)
	b := newTestBackend(t, tracker, "127.0.0.1:1", nil)
	caller := newRecCaller("tab-1")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	out, err := b.SendRequest(ctx, caller, []byte(`{"method":"eth_blockNumber","id":1}`), true)
	require.NoError(t, err)

	var resp rpc.Message
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.ErrcodeInternal, resp.Error.Code)
}

func TestDestroyConnectionIdempotent(t *testing.T) {
	node := startFakeNode(t)
	b := newTestBackend(t, newFakeTracker(nodestate.StateConnected), node.endpoint(), nil)
	caller := newRecCaller("tab-1")

	require.NoError(t, b.CreateConnection(context.Background(), caller))
	require.Equal(t, 1, b.Connections())
	caller.await(t, EventSetWritable)

	b.DestroyConnection(caller.ID())
	n := caller.await(t, EventSetWritable)
	assert.Equal(t, "false", n.Data)
	assert.Equal(t, 0, b.Connections())

	// destroying again is a no-op
	b.DestroyConnection(caller.ID())
	assert.Equal(t, 0, b.Connections())
}

func TestNodeStoppingDisconnectsAll(t *testing.T) {
	node := startFakeNode(t)
	tracker := newFakeTracker(nodestate.StateConnected)
	b := newTestBackend(t, tracker, node.endpoint(), nil)

	callers := make([]*recCaller, 3)
	for i := range callers {
		callers[i] = newRecCaller(fmt.Sprintf("tab-%d", i))
		require.NoError(t, b.CreateConnection(context.Background(), callers[i]))
		callers[i].await(t, EventSetWritable)
	}

	tracker.setState(nodestate.StateStopping)

	for _, caller := range callers {
		n := caller.await(t, EventSetWritable)
		assert.Equal(t, "false", n.Data)
	}
	b.mu.Lock()
	for _, c := range b.conns {
		assert.False(t, c.sock.IsConnected())
	}
	b.mu.Unlock()
}

func TestNodeRestartRecoversConnection(t *testing.T) {
	node := startFakeNode(t)
	tracker := newFakeTracker(nodestate.StateConnected)
	b := newTestBackend(t, tracker, node.endpoint(), nil)
	caller := newRecCaller("tab-1")

	require.NoError(t, b.CreateConnection(context.Background(), caller))
	n := caller.await(t, EventSetWritable)
	require.Equal(t, "true", n.Data)

	// node goes down and comes back
	tracker.setState(nodestate.StateStopping)
	n = caller.await(t, EventSetWritable)
	require.Equal(t, "false", n.Data)
	tracker.setState(nodestate.StateConnected)

	// re-creating rebuilds the dead entry and the channel is writable again
	require.NoError(t, b.CreateConnection(context.Background(), caller))
	n = caller.await(t, EventSetWritable)
	assert.Equal(t, "true", n.Data)
	assert.Equal(t, 1, b.Connections())

	out := sendSync(t, b, caller, `{"method":"eth_blockNumber","id":1}`)
	var resp rpc.Message
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, `"0x1"`, string(resp.Result))
}

func TestNodeRestartRecoversSendRequest(t *testing.T) {
	node := startFakeNode(t)
	tracker := newFakeTracker(nodestate.StateConnected)
	b := newTestBackend(t, tracker, node.endpoint(), nil)
	caller := newRecCaller("tab-1")

	require.NoError(t, b.CreateConnection(context.Background(), caller))
	caller.await(t, EventSetWritable)
	tracker.setState(nodestate.StateStopping)
	caller.await(t, EventSetWritable)
	tracker.setState(nodestate.StateConnected)

	// a plain request after the restart re-dials implicitly
	out := sendSync(t, b, caller, `{"method":"eth_blockNumber","id":1}`)
	var resp rpc.Message
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, `"0x1"`, string(resp.Result))
}

func TestSocketDeathDropsConnection(t *testing.T) {
	node := startFakeNode(t)
	b := newTestBackend(t, newFakeTracker(nodestate.StateConnected), node.endpoint(), nil)
	caller := newRecCaller("tab-1")

	require.NoError(t, b.CreateConnection(context.Background(), caller))
	caller.await(t, EventSetWritable)
	require.Equal(t, 1, b.Connections())

	node.closeConns()

	// the caller hears the lifecycle event, loses writability and the table
	// entry is gone
	caller.await(t, EventEnd)
	n := caller.await(t, EventSetWritable)
	assert.Equal(t, "false", n.Data)
	assert.Equal(t, 0, b.Connections())
}

func TestAccountsFiltered(t *testing.T) {
	node := startFakeNode(t)
	node.setHandler(func(msg *rpc.Message) *rpc.Message {
		return msg.RawResponse(json.RawMessage(`["0xaa","0xbb","0xcc"]`))
	})
	policy := &Policy{
		PermittedAccounts: func(owner OwnerID) []string { return []string{"0xcc", "0xaa"} },
	}
	b := newTestBackend(t, newFakeTracker(nodestate.StateConnected), node.endpoint(), policy)
	caller := newRecCaller("tab-1")

	out := sendSync(t, b, caller, `{"method":"eth_accounts","id":1}`)
	var resp rpc.Message
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, `["0xaa","0xcc"]`, string(resp.Result))
}

func TestSendTransactionFromDenied(t *testing.T) {
	node := startFakeNode(t)
	policy := &Policy{
		PermittedAccounts: func(owner OwnerID) []string { return []string{"0xaa"} },
	}
	b := newTestBackend(t, newFakeTracker(nodestate.StateConnected), node.endpoint(), policy)
	caller := newRecCaller("tab-1")

	out := sendSync(t, b, caller, `{"method":"eth_sendTransaction","params":[{"from":"0xdead"}],"id":1}`)
	var resp rpc.Message
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.ErrcodeInternal, resp.Error.Code)

	out = sendSync(t, b, caller, `{"method":"eth_sendTransaction","params":[{"from":"0xaa"}],"id":2}`)
	var resp2 rpc.Message
	require.NoError(t, json.Unmarshal(out, &resp2))
	assert.Nil(t, resp2.Error)
}
