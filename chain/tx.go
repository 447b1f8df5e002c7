package chain

import (
	"context"
	"time"

	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
)

// Tx is the store handle every mutating operation receives. It carries the
// authenticated caller and the block time of the submission, and records the
// undo steps and events of the operation until the chain commits or reverts.
//
// A Tx is only valid inside the function passed to Chain.Execute.
type Tx struct {
	caller identity.Address
	st     *txState
}

type txState struct {
	ctx    context.Context
	seq    uint64
	method string
	now    time.Time
	undo   []func()
	events []events.Payload
}

func (tx *Tx) Context() context.Context { return tx.st.ctx }

// Seq is the submission sequence number this Tx will commit as.
func (tx *Tx) Seq() uint64 { return tx.st.seq }

// Caller is the identity on whose behalf the current call runs.
func (tx *Tx) Caller() identity.Address { return tx.caller }

// Now is the block time of the submission. It is fixed for the whole Tx.
func (tx *Tx) Now() time.Time { return tx.st.now }

func (tx *Tx) Method() string { return tx.st.method }

// As returns a handle sharing this Tx's undo journal and events but acting as
// caller. Components use it when they call another component in their own
// name, e.g. an account moving its tokens or the payment ledger spending an
// allowance.
func (tx *Tx) As(caller identity.Address) *Tx {
	return &Tx{caller: caller, st: tx.st}
}

// OnRevert registers f to run if the operation fails. Reverts run in reverse
// registration order.
func (tx *Tx) OnRevert(f func()) {
	tx.st.undo = append(tx.st.undo, f)
}

// Emit buffers an event. Buffered events reach the log only on commit.
func (tx *Tx) Emit(p events.Payload) {
	tx.st.events = append(tx.st.events, p)
}

func (st *txState) revert() {
	for i := len(st.undo) - 1; i >= 0; i-- {
		st.undo[i]()
	}
	st.undo = nil
	st.events = nil
}

// NewTestTx returns a Tx that is not bound to a chain, for exercising
// components directly. Revert undoes every recorded mutation; Events returns
// what was emitted.
func NewTestTx(caller identity.Address, now time.Time) *TestTx {
	return &TestTx{Tx: &Tx{caller: caller, st: &txState{ctx: context.Background(), now: now}}}
}

type TestTx struct {
	*Tx
}

func (t *TestTx) Revert() { t.st.revert() }

func (t *TestTx) Events() []events.Payload {
	out := make([]events.Payload, len(t.st.events))
	copy(out, t.st.events)
	return out
}
