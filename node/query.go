package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"

	"xdao.co/agentpay/account"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/payments"
	"xdao.co/agentpay/protoerr"
	"xdao.co/agentpay/registry"
	"xdao.co/agentpay/token"
)

// Reads run under the chain's read lock and observe state between
// operations.

func (n *Node) Lookup(id identity.Address) registry.Record {
	var rec registry.Record
	n.chain.View(func() { rec = n.registry.Lookup(id) })
	return rec
}

func (n *Node) IsRegistered(id identity.Address) bool {
	var ok bool
	n.chain.View(func() { ok = n.registry.IsRegistered(id) })
	return ok
}

func (n *Node) TotalIdentities() int {
	var total int
	n.chain.View(func() { total = n.registry.TotalIdentities() })
	return total
}

func (n *Node) IdentityAt(i int) (identity.Address, bool) {
	var (
		id identity.Address
		ok bool
	)
	n.chain.View(func() { id, ok = n.registry.IdentityAt(i) })
	return id, ok
}

func (n *Node) Identities(offset, limit int) []identity.Address {
	var out []identity.Address
	n.chain.View(func() { out = n.registry.Identities(offset, limit) })
	return out
}

// ComputeAddress is pure; it does not depend on deployment state.
func (n *Node) ComputeAddress(id identity.Address) identity.Address {
	return n.cfg.Params.ComputeAddress(id)
}

func (n *Node) IsDeployed(id identity.Address) bool {
	var ok bool
	n.chain.View(func() { ok = n.factory.IsDeployed(id) })
	return ok
}

// Account returns the deployed account at addr.
func (n *Node) Account(addr identity.Address) (account.Account, bool) {
	var (
		a  account.Account
		ok bool
	)
	n.chain.View(func() { a, ok = n.factory.Get(addr) })
	return a, ok
}

// BalanceOf returns owner's settlement token balance.
func (n *Node) BalanceOf(owner identity.Address) uint64 {
	var v uint64
	n.chain.View(func() { v = n.usdc.BalanceOf(owner) })
	return v
}

func (n *Node) Allowance(owner, spender identity.Address) uint64 {
	var v uint64
	n.chain.View(func() { v = n.usdc.Allowance(owner, spender) })
	return v
}

func (n *Node) TotalSupply() uint64 {
	var v uint64
	n.chain.View(func() { v = n.usdc.TotalSupply() })
	return v
}

// Pending returns the ids of Pending requests id has to pay, ascending.
func (n *Node) Pending(id identity.Address) []uint64 {
	var out []uint64
	n.chain.View(func() { out = n.ledger.Pending(id) })
	return out
}

// Outgoing returns the ids of Pending requests id created, ascending.
func (n *Node) Outgoing(id identity.Address) []uint64 {
	var out []uint64
	n.chain.View(func() { out = n.ledger.Outgoing(id) })
	return out
}

func (n *Node) GetRequest(id uint64) (payments.Request, bool) {
	var (
		r  payments.Request
		ok bool
	)
	n.chain.View(func() { r, ok = n.ledger.Get(id) })
	return r, ok
}

func (n *Node) Requests(offset uint64, limit int) []payments.Request {
	var out []payments.Request
	n.chain.View(func() { out = n.ledger.Range(offset, limit) })
	return out
}

func (n *Node) TotalRequests() uint64 {
	var v uint64
	n.chain.View(func() { v = n.ledger.Total() })
	return v
}

// History returns the events after cursor that involve id or its derived
// account, oldest first. limit <= 0 means no limit.
func (n *Node) History(id identity.Address, cursor uint64, limit int) []events.Event {
	acct := n.ComputeAddress(id)
	var out []events.Event
	for {
		batch := n.Events().Since(cursor, 512)
		if len(batch) == 0 {
			return out
		}
		for _, e := range batch {
			cursor = e.Seq
			if e.Involves(id) || e.Involves(acct) {
				out = append(out, e)
				if limit > 0 && len(out) == limit {
					return out
				}
			}
		}
	}
}

// Info summarizes the node's configuration.
type Info struct {
	Network string           `json:"network"`
	Factory identity.Address `json:"factory"`
	// InitCodeHash is 0x-prefixed hex.
	InitCodeHash string           `json:"initCodeHash"`
	Ledger       identity.Address `json:"ledger"`
	Token        token.Info       `json:"token"`
	Seq          uint64           `json:"seq"`
	Methods      []string         `json:"methods"`
}

func (n *Node) Info() Info {
	p := n.cfg.Params
	return Info{
		Network:      n.cfg.Network,
		Factory:      p.Factory,
		InitCodeHash: "0x" + hex.EncodeToString(p.InitCodeHash[:]),
		Ledger:       n.ledger.Address(),
		Token:        n.usdc.Info(),
		Seq:          n.Seq(),
		Methods:      Methods(),
	}
}

// QueryArgs is the argument object of Query. Each query reads the fields it
// needs.
type QueryArgs struct {
	ID      identity.Address `json:"id,omitempty"`
	Owner   identity.Address `json:"owner,omitempty"`
	Spender identity.Address `json:"spender,omitempty"`
	Request uint64           `json:"request,omitempty"`
	Index   int              `json:"index,omitempty"`
	Offset  uint64           `json:"offset,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Cursor  uint64           `json:"cursor,omitempty"`
}

// MaxQueryPage bounds the limit of paged queries; a zero or larger limit is
// reduced to it.
const MaxQueryPage = 500

func (a QueryArgs) page() int {
	if a.Limit <= 0 || a.Limit > MaxQueryPage {
		return MaxQueryPage
	}
	return a.Limit
}

type query func(n *Node, a QueryArgs) (any, error)

var queries = map[string]query{
	"info": func(n *Node, _ QueryArgs) (any, error) { return n.Info(), nil },
	"lookup": func(n *Node, a QueryArgs) (any, error) {
		return n.Lookup(a.ID), nil
	},
	"isRegistered": func(n *Node, a QueryArgs) (any, error) {
		return n.IsRegistered(a.ID), nil
	},
	"totalIdentities": func(n *Node, _ QueryArgs) (any, error) {
		return n.TotalIdentities(), nil
	},
	"identityAt": func(n *Node, a QueryArgs) (any, error) {
		id, ok := n.IdentityAt(a.Index)
		if !ok {
			return nil, protoerr.New(protoerr.InvalidState, "registry.identityAt", "index %d out of range", a.Index)
		}
		return id, nil
	},
	"identities": func(n *Node, a QueryArgs) (any, error) {
		return n.Identities(int(min(a.Offset, math.MaxInt32)), a.page()), nil
	},
	"computeAddress": func(n *Node, a QueryArgs) (any, error) {
		return n.ComputeAddress(a.ID), nil
	},
	"isDeployed": func(n *Node, a QueryArgs) (any, error) {
		return n.IsDeployed(a.ID), nil
	},
	"account": func(n *Node, a QueryArgs) (any, error) {
		acct, ok := n.Account(a.ID)
		if !ok {
			return nil, protoerr.New(protoerr.InvalidAddress, "account.get", "no account deployed at %s", a.ID)
		}
		return acct, nil
	},
	"balanceOf": func(n *Node, a QueryArgs) (any, error) {
		return n.BalanceOf(a.Owner), nil
	},
	"allowance": func(n *Node, a QueryArgs) (any, error) {
		return n.Allowance(a.Owner, a.Spender), nil
	},
	"pending": func(n *Node, a QueryArgs) (any, error) {
		return n.Pending(a.ID), nil
	},
	"outgoing": func(n *Node, a QueryArgs) (any, error) {
		return n.Outgoing(a.ID), nil
	},
	"request": func(n *Node, a QueryArgs) (any, error) {
		r, ok := n.GetRequest(a.Request)
		if !ok {
			return nil, protoerr.New(protoerr.InvalidState, "payments.get", "unknown request %d", a.Request)
		}
		return r, nil
	},
	"requests": func(n *Node, a QueryArgs) (any, error) {
		return n.Requests(a.Offset, a.page()), nil
	},
	"totalRequests": func(n *Node, _ QueryArgs) (any, error) {
		return n.TotalRequests(), nil
	},
	"nextNonce": func(n *Node, a QueryArgs) (any, error) {
		return n.NextNonce(a.ID), nil
	},
	"history": func(n *Node, a QueryArgs) (any, error) {
		return n.History(a.ID, a.Cursor, a.page()), nil
	},
}

// Queries lists the names Query accepts, sorted.
func Queries() []string {
	out := make([]string, 0, len(queries))
	for q := range queries {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Query runs the named read with JSON arguments.
func (n *Node) Query(ctx context.Context, name string, args json.RawMessage) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, ok := queries[name]
	if !ok {
		return nil, protoerr.New(protoerr.UnknownMethod, "node.query", "unknown query %q", name)
	}
	var a QueryArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, protoerr.Wrap(protoerr.InvalidAddress, "node.query", err, "malformed query arguments")
		}
	}
	return q(n, a)
}
