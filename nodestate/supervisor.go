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

package nodestate

import (
	"errors"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/etherdeck/etherdeck/event"
	"github.com/etherdeck/etherdeck/log"
	"github.com/etherdeck/etherdeck/socket"
)

const (
	defaultProbeInterval = 500 * time.Millisecond
	stopGracePeriod      = 10 * time.Second
)

// Config configures the node supervisor.
type Config struct {
	// Binary is the node executable to launch. When empty the node is assumed
	// to be managed externally and only the endpoint is probed.
	Binary string
	// Args are passed to the node executable verbatim.
	Args []string
	// Endpoint is probed to detect when the node accepts connections.
	Endpoint string
	// Mode is the transport mode of Endpoint.
	Mode socket.Mode
	// ProbeInterval is the delay between readiness probes.
	ProbeInterval time.Duration
}

// Supervisor launches the local node process, probes its endpoint until it
// accepts connections and publishes lifecycle transitions. It implements
// Tracker.
type Supervisor struct {
	cfg Config
	log log.Logger

	feed event.Feed[State]

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	exited chan struct{} // closed once the watcher reaps the process
	quit   chan struct{}

	wg sync.WaitGroup
}

// NewSupervisor creates a stopped supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	return &Supervisor{
		cfg:   cfg,
		log:   log.New("module", "node"),
		state: StateStopped,
	}
}

// State implements Tracker.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscribeState implements Tracker.
func (s *Supervisor) SubscribeState(ch chan<- State) event.Subscription {
	return s.feed.Subscribe(ch)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	s.log.Debug("Node state changed", "state", st)
	s.feed.Send(st)
}

// Start launches the node process if one is configured and begins probing the
// endpoint. It returns immediately; readiness is reported through the state
// feed.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return errors.New("node already running")
	}
	s.quit = make(chan struct{})
	quit := s.quit
	s.mu.Unlock()

	s.setState(StateStarting)

	if s.cfg.Binary != "" {
		cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			s.setState(StateStopped)
			return err
		}
		exited := make(chan struct{})
		s.mu.Lock()
		s.cmd = cmd
		s.exited = exited
		s.mu.Unlock()
		s.log.Info("Node process launched", "binary", s.cfg.Binary, "pid", cmd.Process.Pid)

		// the watcher is the only goroutine that may reap the process
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := cmd.Wait()
			close(exited)
			select {
			case <-quit:
				// expected exit during Stop
			default:
				s.log.Error("Node process exited unexpectedly", "err", err)
				s.setState(StateStopped)
			}
		}()
	}

	s.wg.Add(1)
	go s.probe(quit)
	return nil
}

// probe dials the endpoint until the node accepts a connection.
func (s *Supervisor) probe(quit chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if s.State() != StateStarting {
				return
			}
			conn, err := net.DialTimeout(s.cfg.Mode.Network(), s.cfg.Endpoint, s.cfg.ProbeInterval)
			if err != nil {
				continue
			}
			conn.Close()
			s.setState(StateConnected)
			return
		}
	}
}

// Stop announces the stopping state, terminates the node process and waits
// for it to exit.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	quit := s.quit
	cmd := s.cmd
	exited := s.exited
	s.cmd = nil
	s.exited = nil
	s.mu.Unlock()

	s.setState(StateStopping)
	if quit != nil {
		close(quit)
	}

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(os.Interrupt)
		select {
		case <-exited:
		case <-time.After(stopGracePeriod):
			s.log.Warn("Node process did not exit in time, killing it")
			cmd.Process.Kill()
			<-exited
		}
	}

	s.wg.Wait()
	s.setState(StateStopped)
	return nil
}
