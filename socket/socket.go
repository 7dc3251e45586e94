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

// Package socket wraps a transport connection to the local node. Messages are
// JSON encoded in both directions. Each socket belongs to exactly one owner
// and reports its connection lifecycle through events.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/etherdeck/etherdeck/log"
)

// Mode selects the transport used to reach the node.
type Mode string

const (
	// ModeIPC connects over a unix domain socket (named pipe path on other
	// platforms is resolved by the settings layer).
	ModeIPC Mode = "ipc"
	// ModeTCP connects over a TCP endpoint.
	ModeTCP Mode = "tcp"
)

// Network returns the net package network name for the mode.
func (m Mode) Network() string {
	if m == ModeTCP {
		return "tcp"
	}
	return "unix"
}

// State is the connection state of a socket.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventType names a connection lifecycle event. The names are forwarded
// verbatim to the owning caller.
type EventType string

const (
	EventConnect EventType = "connect"
	EventError   EventType = "error"
	EventTimeout EventType = "timeout"
	EventEnd     EventType = "end"
)

// Event is a connection lifecycle notification.
type Event struct {
	Type EventType
	Err  error
}

// ErrNotConnected is returned by Write when the socket has no live transport
// connection.
var ErrNotConnected = errors.New("socket not connected")

// DefaultDialTimeout bounds the transport-level connect.
const DefaultDialTimeout = 5 * time.Second

// Config holds the connect configuration provided by the settings layer.
type Config struct {
	Mode        Mode
	Endpoint    string
	DialTimeout time.Duration
}

// Factory creates sockets bound to an owner identity.
type Factory func(owner string) *Socket

// NewFactory returns a factory producing sockets with the given config.
func NewFactory(cfg Config) Factory {
	return func(owner string) *Socket {
		return New(owner, cfg)
	}
}

// Socket is a JSON message transport to the node. The OnEvent and OnMessage
// callbacks must be set before Connect and not changed afterwards.
type Socket struct {
	owner string
	cfg   Config
	log   log.Logger

	// OnEvent receives lifecycle events. Called from socket goroutines.
	OnEvent func(Event)
	// OnMessage receives every inbound JSON message from the node.
	OnMessage func(json.RawMessage)

	mu        sync.Mutex
	conn      net.Conn
	enc       *json.Encoder
	state     State
	gen       uint64 // read loop generation, ignores teardown of stale loops
	closing   bool   // deliberate close in progress, suppresses events
	destroyed bool
}

// New creates an unconnected socket for the given owner.
func New(owner string, cfg Config) *Socket {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Socket{
		owner: owner,
		cfg:   cfg,
		log:   log.New("sock", owner),
	}
}

// Owner returns the identity the socket is bound to.
func (s *Socket) Owner() string { return s.owner }

// State returns the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the socket has a live transport connection.
func (s *Socket) IsConnected() bool {
	return s.State() == StateConnected
}

// Connect dials the node endpoint. The dial is bounded by the configured
// timeout and by ctx. Connecting an already connected socket is a no-op.
// On success a connect event is emitted and the read loop is started.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New("socket destroyed")
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, s.cfg.Mode.Network(), s.cfg.Endpoint)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.log.Debug("Socket dial failed", "endpoint", s.cfg.Endpoint, "err", err)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.enc = json.NewEncoder(conn)
	s.state = StateConnected
	s.closing = false
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.log.Trace("Socket connected", "endpoint", s.cfg.Endpoint)
	go s.readLoop(conn, gen)
	s.emit(Event{Type: EventConnect})
	return nil
}

// Write serializes v and sends it to the node.
func (s *Socket) Write(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.enc == nil {
		return ErrNotConnected
	}
	return s.enc.Encode(v)
}

// Disconnect closes the transport connection without emitting an event.
// It is a no-op when the socket is not connected.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

// Destroy closes the connection and permanently retires the socket.
func (s *Socket) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	return s.closeLocked()
}

func (s *Socket) closeLocked() error {
	if s.conn == nil {
		return nil
	}
	s.closing = true
	err := s.conn.Close()
	s.conn = nil
	s.enc = nil
	s.state = StateDisconnected
	return err
}

// readLoop decodes inbound messages until the connection dies and then tears
// the socket down, reporting the cause as a lifecycle event.
func (s *Socket) readLoop(conn net.Conn, gen uint64) {
	dec := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			s.teardown(gen, err)
			return
		}
		if cb := s.OnMessage; cb != nil {
			cb(raw)
		}
	}
}

func (s *Socket) teardown(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		// a newer connection took over, nothing to do
		s.mu.Unlock()
		return
	}
	deliberate := s.closing
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.enc = nil
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	if deliberate {
		return
	}
	s.log.Debug("Socket closed", "err", err)
	s.emit(classify(err))
}

func classify(err error) Event {
	var nerr net.Error
	switch {
	case err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF):
		return Event{Type: EventEnd, Err: err}
	case errors.As(err, &nerr) && nerr.Timeout():
		return Event{Type: EventTimeout, Err: err}
	default:
		return Event{Type: EventError, Err: err}
	}
}

func (s *Socket) emit(ev Event) {
	if cb := s.OnEvent; cb != nil {
		cb(ev)
	}
}
