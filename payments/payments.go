// Package payments implements the payment request ledger: payees request
// amounts from payers, payers pay or reject, payees cancel, and either side
// can settle immediately with a direct payment.
//
// A request is Pending until it transitions exactly once to Paid, Rejected
// or Cancelled. Requests are never deleted.
package payments

import (
	"fmt"
	"sort"
	"time"

	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
	"xdao.co/agentpay/registry"
	"xdao.co/agentpay/token"
)

type Status uint8

const (
	Pending Status = iota
	Paid
	Rejected
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Paid:
		return "Paid"
	case Rejected:
		return "Rejected"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "Pending":
		return Pending, nil
	case "Paid":
		return Paid, nil
	case "Rejected":
		return Rejected, nil
	case "Cancelled":
		return Cancelled, nil
	}
	return 0, fmt.Errorf("payments: unknown status %q", s)
}

// Request is one payment request. From is the payee (owed the amount) and To
// the payer.
type Request struct {
	ID         uint64           `json:"id"`
	From       identity.Address `json:"from"`
	To         identity.Address `json:"to"`
	Amount     uint64           `json:"amount"`
	Memo       string           `json:"memo,omitempty"`
	Status     Status           `json:"status"`
	CreatedAt  time.Time        `json:"createdAt"`
	ResolvedAt time.Time        `json:"resolvedAt,omitempty"`
}

// Ledger holds payment requests. Its address is the spender payers approve on
// the settlement token.
type Ledger struct {
	addr     identity.Address
	registry *registry.Registry
	token    token.Primitive

	requests []Request
	// Secondary indexes of Pending ids, keyed by payer and by payee. They
	// change in the same Tx as the status they mirror.
	incoming map[identity.Address]map[uint64]struct{}
	outgoing map[identity.Address]map[uint64]struct{}
}

// DeriveAddress returns the conventional ledger address:
// keccak256("xdao-agentpay/payments/v1")[12:].
func DeriveAddress() identity.Address {
	return identity.FromPublicKey([]byte("xdao-agentpay/payments/v1"))
}

func New(addr identity.Address, reg *registry.Registry, tok token.Primitive) *Ledger {
	return &Ledger{
		addr:     addr,
		registry: reg,
		token:    tok,
		incoming: make(map[identity.Address]map[uint64]struct{}),
		outgoing: make(map[identity.Address]map[uint64]struct{}),
	}
}

func (l *Ledger) Address() identity.Address { return l.addr }

// Token returns the settlement token.
func (l *Ledger) Token() token.Primitive { return l.token }

// Request records that the caller is owed amount by to.
func (l *Ledger) Request(tx *chain.Tx, to identity.Address, amount uint64, memo string) (uint64, error) {
	const op = "payments.request"
	from := tx.Caller()
	if err := l.checkParties(op, from, to, amount); err != nil {
		return 0, err
	}
	req := Request{
		ID:        uint64(len(l.requests)),
		From:      from,
		To:        to,
		Amount:    amount,
		Memo:      memo,
		Status:    Pending,
		CreatedAt: tx.Now(),
	}
	l.append(tx, req)
	l.index(tx, req)
	tx.Emit(events.PaymentRequested{ID: req.ID, From: from, To: to, Amount: amount, Memo: memo})
	return req.ID, nil
}

// Pay settles a Pending request addressed to the caller by pulling the amount
// from the caller to the payee through the ledger's allowance.
func (l *Ledger) Pay(tx *chain.Tx, id uint64) error {
	const op = "payments.pay"
	req, err := l.pendingFor(tx, op, id, func(r *Request) identity.Address { return r.To })
	if err != nil {
		return err
	}
	// Both parties must still be active; value never moves to or from a
	// deactivated identity.
	if err := l.registry.Require(op, req.To); err != nil {
		return err
	}
	if err := l.registry.Require(op, req.From); err != nil {
		return err
	}
	if err := l.token.TransferFrom(tx.As(l.addr), req.To, req.From, req.Amount); err != nil {
		return protoerr.Wrap(protoerr.TransferFailed, op, err, fmt.Sprintf("request %d not paid", id))
	}
	l.resolve(tx, req, Paid)
	tx.Emit(events.PaymentCompleted{ID: id, From: req.From, To: req.To, Amount: req.Amount, Memo: req.Memo})
	return nil
}

// Reject declines a Pending request addressed to the caller. It moves no
// value, so neither party needs to be active.
func (l *Ledger) Reject(tx *chain.Tx, id uint64) error {
	const op = "payments.reject"
	req, err := l.pendingFor(tx, op, id, func(r *Request) identity.Address { return r.To })
	if err != nil {
		return err
	}
	l.resolve(tx, req, Rejected)
	tx.Emit(events.PaymentRejected{ID: id, From: req.From, To: req.To})
	return nil
}

// Cancel withdraws a Pending request the caller created. Like Reject it does
// not require active parties.
func (l *Ledger) Cancel(tx *chain.Tx, id uint64) error {
	const op = "payments.cancel"
	req, err := l.pendingFor(tx, op, id, func(r *Request) identity.Address { return r.From })
	if err != nil {
		return err
	}
	l.resolve(tx, req, Cancelled)
	tx.Emit(events.PaymentCancelled{ID: id, From: req.From, To: req.To})
	return nil
}

// DirectPay transfers amount from the caller to to immediately and records it
// as an already Paid request with From=to and To=caller. Nothing is recorded
// if the transfer fails.
func (l *Ledger) DirectPay(tx *chain.Tx, to identity.Address, amount uint64, memo string) (uint64, error) {
	const op = "payments.directPay"
	payer := tx.Caller()
	if err := l.checkParties(op, payer, to, amount); err != nil {
		return 0, err
	}
	if err := l.token.TransferFrom(tx.As(l.addr), payer, to, amount); err != nil {
		return 0, protoerr.Wrap(protoerr.TransferFailed, op, err, "direct payment not made")
	}
	now := tx.Now()
	req := Request{
		ID:         uint64(len(l.requests)),
		From:       to,
		To:         payer,
		Amount:     amount,
		Memo:       memo,
		Status:     Paid,
		CreatedAt:  now,
		ResolvedAt: now,
	}
	l.append(tx, req)
	tx.Emit(events.PaymentCompleted{ID: req.ID, From: to, To: payer, Amount: amount, Memo: memo, Direct: true})
	return req.ID, nil
}

func (l *Ledger) checkParties(op string, caller, counterparty identity.Address, amount uint64) error {
	if err := l.registry.Require(op, caller); err != nil {
		return err
	}
	if err := l.registry.Require(op, counterparty); err != nil {
		return err
	}
	if amount == 0 {
		return protoerr.New(protoerr.InvalidAmount, op, "amount must be positive")
	}
	if caller == counterparty {
		return protoerr.New(protoerr.InvalidAddress, op, "counterparty is the caller")
	}
	return nil
}

// pendingFor loads request id, requires it Pending and requires the caller to
// be the party returned by who.
func (l *Ledger) pendingFor(tx *chain.Tx, op string, id uint64, who func(*Request) identity.Address) (*Request, error) {
	if id >= uint64(len(l.requests)) {
		return nil, protoerr.New(protoerr.InvalidState, op, "request %d does not exist", id)
	}
	req := &l.requests[id]
	if req.Status != Pending {
		return nil, protoerr.New(protoerr.InvalidState, op, "request %d is %s", id, req.Status)
	}
	if tx.Caller() != who(req) {
		return nil, protoerr.New(protoerr.Unauthorized, op, "%s may not resolve request %d", tx.Caller(), id)
	}
	return req, nil
}

func (l *Ledger) append(tx *chain.Tx, req Request) {
	l.requests = append(l.requests, req)
	tx.OnRevert(func() { l.requests = l.requests[:len(l.requests)-1] })
}

func (l *Ledger) resolve(tx *chain.Tx, req *Request, s Status) {
	id := req.ID
	prevStatus, prevResolved := req.Status, req.ResolvedAt
	req.Status = s
	req.ResolvedAt = tx.Now()
	tx.OnRevert(func() {
		r := &l.requests[id]
		r.Status, r.ResolvedAt = prevStatus, prevResolved
	})
	l.unindex(tx, *req)
}

func (l *Ledger) index(tx *chain.Tx, req Request) {
	addIndex(tx, l.incoming, req.To, req.ID)
	addIndex(tx, l.outgoing, req.From, req.ID)
}

func (l *Ledger) unindex(tx *chain.Tx, req Request) {
	removeIndex(tx, l.incoming, req.To, req.ID)
	removeIndex(tx, l.outgoing, req.From, req.ID)
}

func addIndex(tx *chain.Tx, idx map[identity.Address]map[uint64]struct{}, who identity.Address, id uint64) {
	set, ok := idx[who]
	if !ok {
		set = make(map[uint64]struct{})
		idx[who] = set
	}
	set[id] = struct{}{}
	tx.OnRevert(func() {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, who)
		}
	})
}

func removeIndex(tx *chain.Tx, idx map[identity.Address]map[uint64]struct{}, who identity.Address, id uint64) {
	set, ok := idx[who]
	if !ok {
		return
	}
	if _, ok := set[id]; !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, who)
	}
	tx.OnRevert(func() {
		s, ok := idx[who]
		if !ok {
			s = make(map[uint64]struct{})
			idx[who] = s
		}
		s[id] = struct{}{}
	})
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pending returns, ascending, the ids of Pending requests the identity has to
// pay.
func (l *Ledger) Pending(who identity.Address) []uint64 {
	return sortedIDs(l.incoming[who])
}

// Outgoing returns, ascending, the ids of Pending requests the identity
// created and is waiting on.
func (l *Ledger) Outgoing(who identity.Address) []uint64 {
	return sortedIDs(l.outgoing[who])
}

// Get returns request id.
func (l *Ledger) Get(id uint64) (Request, bool) {
	if id >= uint64(len(l.requests)) {
		return Request{}, false
	}
	return l.requests[id], true
}

// Total is the number of requests ever created, including direct payments.
func (l *Ledger) Total() uint64 { return uint64(len(l.requests)) }

// Range returns up to limit requests starting at id offset. limit <= 0 means
// all remaining.
func (l *Ledger) Range(offset uint64, limit int) []Request {
	if offset >= uint64(len(l.requests)) {
		return nil
	}
	end := uint64(len(l.requests))
	if limit > 0 && uint64(limit) < end-offset {
		end = offset + uint64(limit)
	}
	out := make([]Request, end-offset)
	copy(out, l.requests[offset:end])
	return out
}
