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

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/etherdeck/etherdeck/rpc"
)

// A Processor handles one JSON-RPC method: it sanitizes requests before they
// reach the node and may replace the forwarding step with custom logic.
type Processor interface {
	// SanitizePayload normalizes the message and attaches a policy error to
	// it when the request must not reach the node. Side effect only.
	SanitizePayload(c *Connection, msg *rpc.Message)
	// Exec executes the request and returns the raw result.
	Exec(ctx context.Context, c *Connection, msg *rpc.Message) (json.RawMessage, error)
}

// Policy holds the request filtering rules the processors apply.
type Policy struct {
	// AllowedMethods restricts which methods may be forwarded to the node.
	// A nil set allows every method.
	AllowedMethods mapset.Set[string]
	// PermittedAccounts returns the accounts an owner may see. A nil func
	// permits all accounts.
	PermittedAccounts func(owner OwnerID) []string
}

// Allows reports whether method passes the allowed-method policy.
func (p *Policy) Allows(method string) bool {
	return p.AllowedMethods == nil || p.AllowedMethods.Contains(method)
}

// Registry maps JSON-RPC method names to their processors. The lookup is
// exact-match and case-sensitive. A registry is immutable after construction.
type Registry struct {
	base  Processor
	procs map[string]Processor
}

// NewRegistry builds a registry from a base fallback and a static method
// table. The table is copied.
func NewRegistry(base Processor, procs map[string]Processor) *Registry {
	copied := make(map[string]Processor, len(procs))
	for name, p := range procs {
		copied[name] = p
	}
	return &Registry{base: base, procs: copied}
}

// DefaultRegistry builds the standard processor set for the given policy:
// the base forwarder plus the account and transaction processors.
func DefaultRegistry(policy *Policy) *Registry {
	base := &baseProcessor{policy: policy}
	return NewRegistry(base, map[string]Processor{
		methodSendTransaction: &sendTxProcessor{base: base},
		methodAccounts:        &accountsProcessor{base: base},
		methodCoinbase:        &coinbaseProcessor{base: base},
	})
}

// Lookup returns the processor registered for method.
func (r *Registry) Lookup(method string) (Processor, bool) {
	p, ok := r.procs[method]
	return p, ok
}

// Base returns the fallback processor.
func (r *Registry) Base() Processor { return r.base }

// resolve returns the registered processor for method, falling back to base.
func (r *Registry) resolve(method string) Processor {
	if p, ok := r.procs[method]; ok {
		return p
	}
	return r.base
}
