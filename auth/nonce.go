package auth

import (
	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
)

// Nonces tracks the next expected envelope nonce per caller. Nonces start at
// 1 and must be used in order; a consumed nonce is restored if the operation
// it authorized reverts.
type Nonces struct {
	last map[identity.Address]uint64
}

func NewNonces() *Nonces {
	return &Nonces{last: make(map[identity.Address]uint64)}
}

// Next returns the nonce the caller's next envelope must carry.
func (n *Nonces) Next(caller identity.Address) uint64 {
	return n.last[caller] + 1
}

// Consume accepts nonce for caller if it is the next expected one.
func (n *Nonces) Consume(tx *chain.Tx, caller identity.Address, nonce uint64) error {
	const op = "auth.nonce"
	want := n.Next(caller)
	if nonce < want {
		return protoerr.New(protoerr.ReplayedNonce, op, "nonce %d already used by %s", nonce, caller)
	}
	if nonce > want {
		return protoerr.New(protoerr.ReplayedNonce, op, "nonce %d out of order for %s, expected %d", nonce, caller, want)
	}
	prev, had := n.last[caller]
	n.last[caller] = nonce
	tx.OnRevert(func() {
		if had {
			n.last[caller] = prev
		} else {
			delete(n.last, caller)
		}
	})
	return nil
}
