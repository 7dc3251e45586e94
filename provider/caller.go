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

// OwnerID is the opaque identity of a UI surface. Each owner holds at most
// one backend connection at a time.
type OwnerID string

// Caller is the handle through which the backend reaches a UI surface.
// Implementations must be safe for concurrent use.
type Caller interface {
	// ID returns the owner identity of the surface.
	ID() OwnerID
	// Notify pushes an unprompted event with JSON-encoded data to the surface.
	Notify(event string, data []byte)
}

// Events pushed from the backend to callers.
const (
	EventConnect     = "connect"
	EventError       = "error"
	EventTimeout     = "timeout"
	EventEnd         = "end"
	EventSetWritable = "setWritable"
	EventData        = "data"
)
