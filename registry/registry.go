// Package registry implements the identity registry: the directory mapping an
// agent's address to its display name and public key.
//
// Registration is self-authorizing. The caller of every mutation is the
// identity whose record changes, so no other party can alter it.
package registry

import (
	"bytes"
	"time"

	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
)

// Record is the registry entry of one identity.
type Record struct {
	DisplayName  string    `json:"displayName"`
	PublicKey    []byte    `json:"publicKey"`
	RegisteredAt time.Time `json:"registeredAt"`
	Active       bool      `json:"active"`
}

// Registry holds identity records. Mutations run inside a chain.Tx; reads are
// not synchronized and must be made between operations (chain.View).
type Registry struct {
	records map[identity.Address]Record
	// order lists every identity that ever registered, once, in first
	// registration order.
	order []identity.Address
}

func New() *Registry {
	return &Registry{records: make(map[identity.Address]Record)}
}

// Register creates the caller's record. A deactivated identity may register
// again; it keeps its position in the enumeration order.
func (r *Registry) Register(tx *chain.Tx, displayName string, publicKey []byte) error {
	const op = "registry.register"
	caller := tx.Caller()
	if caller.IsZero() {
		return protoerr.New(protoerr.InvalidAddress, op, "zero caller")
	}
	prev, known := r.records[caller]
	if prev.Active {
		return protoerr.New(protoerr.AlreadyRegistered, op, "%s is already registered", caller)
	}
	rec := Record{
		DisplayName:  displayName,
		PublicKey:    bytes.Clone(publicKey),
		RegisteredAt: tx.Now(),
		Active:       true,
	}
	r.put(tx, caller, rec)
	if !known {
		r.order = append(r.order, caller)
		tx.OnRevert(func() { r.order = r.order[:len(r.order)-1] })
	}
	tx.Emit(events.IdentityRegistered{Identity: caller, DisplayName: displayName, PublicKey: bytes.Clone(publicKey)})
	return nil
}

// Update replaces the caller's display name and public key.
func (r *Registry) Update(tx *chain.Tx, displayName string, publicKey []byte) error {
	const op = "registry.update"
	caller := tx.Caller()
	rec, err := r.active(op, caller)
	if err != nil {
		return err
	}
	rec.DisplayName = displayName
	rec.PublicKey = bytes.Clone(publicKey)
	r.put(tx, caller, rec)
	tx.Emit(events.IdentityUpdated{Identity: caller, DisplayName: displayName, PublicKey: bytes.Clone(publicKey)})
	return nil
}

// Deactivate marks the caller's record inactive. The record is kept.
func (r *Registry) Deactivate(tx *chain.Tx) error {
	const op = "registry.deactivate"
	caller := tx.Caller()
	rec, err := r.active(op, caller)
	if err != nil {
		return err
	}
	rec.Active = false
	r.put(tx, caller, rec)
	tx.Emit(events.IdentityDeactivated{Identity: caller})
	return nil
}

// Require returns NotRegistered unless id is active. Other components use it
// to gate operations on registered identities.
func (r *Registry) Require(op string, id identity.Address) error {
	_, err := r.active(op, id)
	return err
}

func (r *Registry) active(op string, id identity.Address) (Record, error) {
	rec, ok := r.records[id]
	if !ok || !rec.Active {
		return Record{}, protoerr.New(protoerr.NotRegistered, op, "%s is not registered", id)
	}
	return rec, nil
}

func (r *Registry) put(tx *chain.Tx, id identity.Address, rec Record) {
	prev, had := r.records[id]
	r.records[id] = rec
	tx.OnRevert(func() {
		if had {
			r.records[id] = prev
		} else {
			delete(r.records, id)
		}
	})
}

// Lookup returns the record of id, or the zero Record if it never registered.
func (r *Registry) Lookup(id identity.Address) Record {
	rec := r.records[id]
	rec.PublicKey = bytes.Clone(rec.PublicKey)
	return rec
}

// IsRegistered reports whether id has an active registration.
func (r *Registry) IsRegistered(id identity.Address) bool {
	return r.records[id].Active
}

// TotalIdentities counts identities that ever registered, active or not.
func (r *Registry) TotalIdentities() int { return len(r.order) }

// IdentityAt returns the i-th registered identity in registration order.
func (r *Registry) IdentityAt(i int) (identity.Address, bool) {
	if i < 0 || i >= len(r.order) {
		return identity.Zero, false
	}
	return r.order[i], true
}

// Identities returns up to limit identities starting at offset. limit <= 0
// means all remaining.
func (r *Registry) Identities(offset, limit int) []identity.Address {
	if offset < 0 || offset >= len(r.order) {
		return nil
	}
	end := len(r.order)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	out := make([]identity.Address, end-offset)
	copy(out, r.order[offset:end])
	return out
}
