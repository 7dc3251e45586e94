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

// Package nodestate tracks the lifecycle of the local node process.
package nodestate

import (
	"github.com/etherdeck/etherdeck/event"
)

// State is a lifecycle state of the node.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateConnected
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Tracker is the node lifecycle source consumed by the provider backend.
type Tracker interface {
	// State returns the current lifecycle state.
	State() State
	// SubscribeState sends every state transition on the given channel until
	// the subscription is canceled.
	SubscribeState(ch chan<- State) event.Subscription
}
