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

	"github.com/etherdeck/etherdeck/rpc"
)

const (
	methodSendTransaction = "eth_sendTransaction"
	methodAccounts        = "eth_accounts"
	methodCoinbase        = "eth_coinbase"
)

// baseProcessor is the fallback for every method without a dedicated
// processor. Its sanitize step applies the allowed-method policy and its exec
// step blindly forwards the request to the node.
type baseProcessor struct {
	policy *Policy
}

func (p *baseProcessor) SanitizePayload(c *Connection, msg *rpc.Message) {
	if msg.Error != nil {
		return
	}
	if msg.Method == "" {
		msg.Error = rpc.ErrorObject(rpc.NewInvalidPayloadError())
		return
	}
	// default the version so hand-written requests pass node validation
	if msg.Version == "" {
		msg.Version = rpc.Vsn
	}
	if !p.policy.Allows(msg.Method) {
		msg.Error = rpc.ErrorObject(rpc.NewMethodDeniedError(msg.Method))
	}
}

func (p *baseProcessor) Exec(ctx context.Context, c *Connection, msg *rpc.Message) (json.RawMessage, error) {
	resp, err := c.roundTrip(ctx, msg)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		// notification, nothing comes back
		return nil, nil
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// sendTxProcessor guards transaction submission. Transactions are only
// forwarded as single requests with well-formed parameters; the router denies
// them in batches before this processor runs.
type sendTxProcessor struct {
	base *baseProcessor
}

func (p *sendTxProcessor) SanitizePayload(c *Connection, msg *rpc.Message) {
	p.base.SanitizePayload(c, msg)
	if msg.Error != nil {
		return
	}
	var params []json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
		msg.Error = rpc.ErrorObject(rpc.NewInvalidPayloadError())
		return
	}
	var tx struct {
		From string `json:"from"`
	}
	if err := json.Unmarshal(params[0], &tx); err != nil || tx.From == "" {
		msg.Error = rpc.ErrorObject(rpc.NewInvalidPayloadError())
		return
	}
	if accounts := p.base.policy.permitted(c.Owner()); accounts != nil {
		for _, acct := range accounts {
			if acct == tx.From {
				return
			}
		}
		msg.Error = rpc.ErrorObject(rpc.NewTxDeniedError())
	}
}

func (p *sendTxProcessor) Exec(ctx context.Context, c *Connection, msg *rpc.Message) (json.RawMessage, error) {
	return p.base.Exec(ctx, c, msg)
}

// accountsProcessor filters the node's account list down to the accounts the
// owner is permitted to see.
type accountsProcessor struct {
	base *baseProcessor
}

func (p *accountsProcessor) SanitizePayload(c *Connection, msg *rpc.Message) {
	p.base.SanitizePayload(c, msg)
}

func (p *accountsProcessor) Exec(ctx context.Context, c *Connection, msg *rpc.Message) (json.RawMessage, error) {
	result, err := p.base.Exec(ctx, c, msg)
	if err != nil {
		return nil, err
	}
	permitted := p.base.policy.permitted(c.Owner())
	if permitted == nil {
		return result, nil
	}
	var accounts []string
	if err := json.Unmarshal(result, &accounts); err != nil {
		return result, nil
	}
	allowed := make(map[string]bool, len(permitted))
	for _, acct := range permitted {
		allowed[acct] = true
	}
	filtered := make([]string, 0, len(accounts))
	for _, acct := range accounts {
		if allowed[acct] {
			filtered = append(filtered, acct)
		}
	}
	return json.Marshal(filtered)
}

// coinbaseProcessor returns the first permitted account, mirroring what the
// wallet surfaces display as the active account.
type coinbaseProcessor struct {
	base *baseProcessor
}

func (p *coinbaseProcessor) SanitizePayload(c *Connection, msg *rpc.Message) {
	p.base.SanitizePayload(c, msg)
}

func (p *coinbaseProcessor) Exec(ctx context.Context, c *Connection, msg *rpc.Message) (json.RawMessage, error) {
	permitted := p.base.policy.permitted(c.Owner())
	if permitted == nil {
		return p.base.Exec(ctx, c, msg)
	}
	if len(permitted) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(permitted[0])
}

// permitted returns the owner's permitted accounts, or nil when everything is
// permitted.
func (p *Policy) permitted(owner OwnerID) []string {
	if p.PermittedAccounts == nil {
		return nil
	}
	return p.PermittedAccounts(owner)
}
