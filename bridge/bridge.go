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

// Package bridge exposes the provider backend to the web based UI surfaces.
// Every WebSocket connection is one surface; its frames carry the provider
// channel contract (create-connection, destroy-connection, write,
// write-sync) and the unprompted backend events travel back on the same
// connection.
package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/etherdeck/etherdeck/log"
	"github.com/etherdeck/etherdeck/provider"
)

const (
	wsReadBuffer  = 1024
	wsWriteBuffer = 1024
	wsWriteWait   = 10 * time.Second
)

// Provider is the backend surface the bridge drives.
type Provider interface {
	CreateConnection(ctx context.Context, caller provider.Caller) error
	DestroyConnection(owner provider.OwnerID)
	SendRequest(ctx context.Context, caller provider.Caller, raw []byte, sync bool) ([]byte, error)
}

// Config configures the bridge endpoint.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	RequestsPerSecond float64
	RequestBurst      int
}

// Server serves the UI surface channel over WebSocket plus a small status
// endpoint.
type Server struct {
	cfg     Config
	backend Provider
	log     log.Logger

	srv      *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	started time.Time
	clients int
}

// NewServer creates an unstarted bridge server.
func NewServer(cfg Config, backend Provider) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		log:     log.New("module", "bridge"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		CheckOrigin:     originValidator(cfg.AllowedOrigins),
	}
	return s
}

// Start begins listening. It returns once the listener is installed; serving
// continues in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	s.srv = &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Handler()}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.log.Info("Bridge listening", "addr", ln.Addr())
	go s.srv.Serve(ln)
	return nil
}

// Handler returns the HTTP handler serving the channel and status routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/channel", s.serveChannel)
	mux.Handle("/status", cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(http.HandlerFunc(s.serveStatus)))
	return mux
}

// Addr returns the listen address the server was configured with.
func (s *Server) Addr() string { return s.cfg.ListenAddr }

// Stop shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// frame is the wire unit of the surface channel.
type frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	frameCreateConnection = "create-connection"
	frameDestroyConn      = "destroy-connection"
	frameWrite            = "write"
	frameWriteSync        = "write-sync"
	frameResult           = "result"
	frameEvent            = "event"
)

// wsCaller adapts a WebSocket connection to the provider's caller handle.
// Each connection gets a fresh opaque identity.
type wsCaller struct {
	id   provider.OwnerID
	conn *websocket.Conn
	log  log.Logger

	mu sync.Mutex // serializes writes to conn
}

func (c *wsCaller) ID() provider.OwnerID { return c.id }

func (c *wsCaller) Notify(event string, data []byte) {
	c.write(&frame{Type: frameEvent, Event: event, Payload: data})
}

func (c *wsCaller) write(f *frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(f); err != nil {
		c.log.Trace("Surface write failed", "err", err)
	}
}

func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", "err", err)
		return
	}
	caller := &wsCaller{
		id:   provider.OwnerID(uuid.NewString()),
		conn: conn,
	}
	caller.log = s.log.New("owner", caller.id)
	caller.log.Debug("Surface connected", "remote", conn.RemoteAddr())

	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
		s.backend.DestroyConnection(caller.id)
		conn.Close()
		caller.log.Debug("Surface disconnected")
	}()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.RequestBurst)

	// Background work must die with the surface. The request context alone is
	// not enough: net/http only cancels it when the handler returns, and the
	// handler waits for that very work.
	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case frameCreateConnection:
			// may stay pending until the node comes up, must not stall the
			// read loop
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.backend.CreateConnection(ctx, caller); err != nil {
					caller.log.Debug("Connection create failed", "err", err)
				}
			}()
		case frameDestroyConn:
			s.backend.DestroyConnection(caller.id)
		case frameWrite, frameWriteSync:
			if !limiter.Allow() {
				caller.Notify(provider.EventError, []byte(`"request rate exceeded"`))
				continue
			}
			raw := requestBytes(f.Payload)
			id, sync := f.ID, f.Type == frameWriteSync
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := s.backend.SendRequest(ctx, caller, raw, sync)
				if err != nil {
					caller.log.Debug("Request failed", "err", err)
					return
				}
				if sync {
					caller.write(&frame{Type: frameResult, ID: id, Payload: out})
				}
			}()
		default:
			caller.Notify(provider.EventError, []byte(`"unknown frame type"`))
		}
	}
}

// requestBytes accepts the payload either as a JSON-encoded string (the
// documented contract) or as a bare JSON value.
func requestBytes(payload json.RawMessage) []byte {
	if len(payload) > 0 && payload[0] == '"' {
		var s string
		if err := json.Unmarshal(payload, &s); err == nil {
			return []byte(s)
		}
	}
	return payload
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := map[string]interface{}{
		"clients": s.clients,
		"uptime":  time.Since(s.started).String(),
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// originValidator verifies the Origin header during the WebSocket upgrade.
// A "*" entry accepts every origin. Requests without an Origin header are
// accepted, only browsers enforce the header.
func originValidator(allowedOrigins []string) func(*http.Request) bool {
	origins := mapset.NewSet[string]()
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		if origin != "" {
			origins.Add(strings.ToLower(origin))
		}
	}
	return func(req *http.Request) bool {
		if allowAll {
			return true
		}
		if _, ok := req.Header["Origin"]; !ok {
			return true
		}
		origin := strings.ToLower(req.Header.Get("Origin"))
		if origins.Contains(origin) {
			return true
		}
		log.Warn("Rejected surface connection", "origin", origin)
		return false
	}
}
