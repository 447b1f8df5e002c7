package payments

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
	"xdao.co/agentpay/registry"
	"xdao.co/agentpay/token"
)

const usdc = 1_000_000

var (
	alice  = identity.FromPublicKey([]byte("alice"))
	bob    = identity.FromPublicKey([]byte("bob"))
	carol  = identity.FromPublicKey([]byte("carol"))
	minter = identity.FromPublicKey([]byte("minter"))
	epoch  = time.Unix(1700000000, 0).UTC()
)

type fixture struct {
	reg    *registry.Registry
	tok    *token.Token
	ledger *Ledger
	tx     *chain.TestTx
}

func newFixture(t *testing.T, registered ...identity.Address) fixture {
	t.Helper()
	reg := registry.New()
	bank := token.NewBank()
	tok, err := bank.Create(token.Info{Address: token.DeriveAddress("USDC"), Symbol: "USDC", Decimals: token.USDCDecimals})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tx := chain.NewTestTx(minter, epoch)
	for _, id := range registered {
		if err := reg.Register(tx.As(id), "agent", nil); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return fixture{reg: reg, tok: tok, ledger: New(DeriveAddress(), reg, tok), tx: tx}
}

// fund mints amount to who and approves the ledger for all of it.
func (fx fixture) fund(t *testing.T, who identity.Address, amount uint64) {
	t.Helper()
	if err := fx.tok.Mint(fx.tx.Tx, who, amount); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := fx.tok.Approve(fx.tx.As(who), fx.ledger.Address(), fx.tok.Allowance(who, fx.ledger.Address())+amount); err != nil {
		t.Fatalf("Approve: %v", err)
	}
}

func TestRequestPayRepayScenario(t *testing.T) {
	fx := newFixture(t, alice, bob)
	fx.fund(t, bob, 100*usdc)
	fx.fund(t, alice, 100*usdc)

	id, err := fx.ledger.Request(fx.tx.As(alice), bob, 10*usdc, "lunch")
	if err != nil || id != 0 {
		t.Fatalf("Request: id=%d err=%v", id, err)
	}
	if got := fx.ledger.Pending(bob); len(got) != 1 || got[0] != 0 {
		t.Fatalf("Pending(bob): %v", got)
	}
	if err := fx.ledger.Pay(fx.tx.As(bob), 0); err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if fx.tok.BalanceOf(alice) != 110*usdc || fx.tok.BalanceOf(bob) != 90*usdc {
		t.Fatalf("balances after pay: alice=%d bob=%d", fx.tok.BalanceOf(alice), fx.tok.BalanceOf(bob))
	}
	req, _ := fx.ledger.Get(0)
	if req.Status != Paid || !req.ResolvedAt.Equal(epoch) {
		t.Fatalf("request 0: %+v", req)
	}
	if len(fx.ledger.Pending(bob)) != 0 {
		t.Fatalf("paid request still pending")
	}

	id, err = fx.ledger.Request(fx.tx.As(bob), alice, 5*usdc, "repay")
	if err != nil || id != 1 {
		t.Fatalf("second Request: id=%d err=%v", id, err)
	}
	if err := fx.ledger.Pay(fx.tx.As(alice), 1); err != nil {
		t.Fatalf("second Pay: %v", err)
	}
	if fx.tok.BalanceOf(alice) != 105*usdc || fx.tok.BalanceOf(bob) != 95*usdc {
		t.Fatalf("final balances: alice=%d bob=%d", fx.tok.BalanceOf(alice), fx.tok.BalanceOf(bob))
	}
}

func TestUnregisteredRequester(t *testing.T) {
	fx := newFixture(t, bob)
	_, err := fx.ledger.Request(fx.tx.As(carol), bob, 1, "")
	if !errors.Is(err, protoerr.ErrNotRegistered) {
		t.Fatalf("expected NotRegistered, got %v", err)
	}
	if fx.ledger.Total() != 0 {
		t.Fatalf("no record may be created")
	}
	if _, err := fx.ledger.Request(fx.tx.As(bob), carol, 1, ""); !errors.Is(err, protoerr.ErrNotRegistered) {
		t.Fatalf("unregistered payer: %v", err)
	}
}

func TestZeroAmountAndSelfRequest(t *testing.T) {
	fx := newFixture(t, alice, bob)
	if _, err := fx.ledger.Request(fx.tx.As(alice), bob, 0, ""); !errors.Is(err, protoerr.ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	if _, err := fx.ledger.Request(fx.tx.As(alice), alice, 1, ""); !errors.Is(err, protoerr.ErrInvalidAddress) {
		t.Fatalf("self request: %v", err)
	}
	if _, err := fx.ledger.DirectPay(fx.tx.As(alice), bob, 0, ""); !errors.Is(err, protoerr.ErrInvalidAmount) {
		t.Fatalf("zero direct pay: %v", err)
	}
	if fx.ledger.Total() != 0 {
		t.Fatalf("no record may be created")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	fx := newFixture(t, alice, bob)
	fx.fund(t, bob, 100)
	r := fx.tx.As(alice)
	p := fx.tx.As(bob)

	id0, _ := fx.ledger.Request(r, bob, 10, "")
	id1, _ := fx.ledger.Request(r, bob, 10, "")
	id2, _ := fx.ledger.Request(r, bob, 10, "")

	// Only the payer may pay or reject; only the payee may cancel.
	if err := fx.ledger.Pay(r, id0); !errors.Is(err, protoerr.ErrUnauthorized) {
		t.Fatalf("payee paying: %v", err)
	}
	if err := fx.ledger.Reject(r, id0); !errors.Is(err, protoerr.ErrUnauthorized) {
		t.Fatalf("payee rejecting: %v", err)
	}
	if err := fx.ledger.Cancel(p, id0); !errors.Is(err, protoerr.ErrUnauthorized) {
		t.Fatalf("payer cancelling: %v", err)
	}

	if err := fx.ledger.Pay(p, id0); err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if err := fx.ledger.Reject(p, id1); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := fx.ledger.Cancel(r, id2); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Terminal states never transition again.
	for _, id := range []uint64{id0, id1, id2} {
		if err := fx.ledger.Pay(p, id); !errors.Is(err, protoerr.ErrInvalidState) {
			t.Fatalf("Pay on terminal %d: %v", id, err)
		}
		if err := fx.ledger.Reject(p, id); !errors.Is(err, protoerr.ErrInvalidState) {
			t.Fatalf("Reject on terminal %d: %v", id, err)
		}
		if err := fx.ledger.Cancel(r, id); !errors.Is(err, protoerr.ErrInvalidState) {
			t.Fatalf("Cancel on terminal %d: %v", id, err)
		}
	}
	want := []Status{Paid, Rejected, Cancelled}
	for i, s := range want {
		got, _ := fx.ledger.Get(uint64(i))
		if got.Status != s {
			t.Fatalf("request %d: got %s want %s", i, got.Status, s)
		}
	}
	if err := fx.ledger.Pay(p, 99); !errors.Is(err, protoerr.ErrInvalidState) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestFailedPayChangesNothing(t *testing.T) {
	fx := newFixture(t, alice, bob)
	fx.fund(t, bob, 5)
	_ = fx.tok.Approve(fx.tx.As(bob), fx.ledger.Address(), 100)
	before := fx.tok.BalanceOf(alice) + fx.tok.BalanceOf(bob)

	id, _ := fx.ledger.Request(fx.tx.As(alice), bob, 10, "too much")
	mark := len(fx.tx.Events())
	err := fx.ledger.Pay(fx.tx.As(bob), id)
	if !errors.Is(err, protoerr.ErrTransferFailed) {
		t.Fatalf("expected TransferFailed, got %v", err)
	}
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("cause should be reachable: %v", err)
	}
	req, _ := fx.ledger.Get(id)
	if req.Status != Pending {
		t.Fatalf("failed pay must leave request Pending")
	}
	if got := fx.ledger.Pending(bob); len(got) != 1 {
		t.Fatalf("failed pay must keep pending index")
	}
	if fx.tok.BalanceOf(alice)+fx.tok.BalanceOf(bob) != before || fx.tok.BalanceOf(bob) != 5 {
		t.Fatalf("value moved on failure")
	}
	if len(fx.tx.Events()) != mark {
		t.Fatalf("failed pay must not emit")
	}
}

func TestPayRequiresActiveParties(t *testing.T) {
	fx := newFixture(t, alice, bob)
	fx.fund(t, bob, 100)

	id, _ := fx.ledger.Request(fx.tx.As(alice), bob, 10, "")
	if err := fx.reg.Deactivate(fx.tx.As(alice)); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	mark := len(fx.tx.Events())
	if err := fx.ledger.Pay(fx.tx.As(bob), id); !errors.Is(err, protoerr.ErrNotRegistered) {
		t.Fatalf("pay to deactivated payee: %v", err)
	}
	if req, _ := fx.ledger.Get(id); req.Status != Pending {
		t.Fatalf("status after refused pay: %s", req.Status)
	}
	if fx.tok.BalanceOf(alice) != 0 || fx.tok.BalanceOf(bob) != 100 || len(fx.tx.Events()) != mark {
		t.Fatalf("refused pay moved value or emitted")
	}
	if err := fx.ledger.Reject(fx.tx.As(bob), id); err != nil {
		t.Fatalf("Reject with deactivated payee: %v", err)
	}

	if err := fx.reg.Register(fx.tx.As(alice), "Alice", nil); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	id, _ = fx.ledger.Request(fx.tx.As(alice), bob, 10, "")
	if err := fx.reg.Deactivate(fx.tx.As(bob)); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if err := fx.ledger.Pay(fx.tx.As(bob), id); !errors.Is(err, protoerr.ErrNotRegistered) {
		t.Fatalf("pay by deactivated payer: %v", err)
	}
	if err := fx.ledger.Cancel(fx.tx.As(alice), id); err != nil {
		t.Fatalf("Cancel with deactivated payer: %v", err)
	}
	if got := fx.ledger.Pending(bob); len(got) != 0 {
		t.Fatalf("pending after resolution: %v", got)
	}
}

func TestPayWithoutAllowanceFails(t *testing.T) {
	fx := newFixture(t, alice, bob)
	_ = fx.tok.Mint(fx.tx.Tx, bob, 100)
	id, _ := fx.ledger.Request(fx.tx.As(alice), bob, 10, "")
	if err := fx.ledger.Pay(fx.tx.As(bob), id); !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("expected allowance failure, got %v", err)
	}
}

func TestDirectPay(t *testing.T) {
	fx := newFixture(t, alice, bob)
	fx.fund(t, bob, 50)

	id, err := fx.ledger.DirectPay(fx.tx.As(bob), alice, 20, "tip")
	if err != nil {
		t.Fatalf("DirectPay: %v", err)
	}
	req, ok := fx.ledger.Get(id)
	if !ok || req.Status != Paid || req.From != alice || req.To != bob || req.Amount != 20 {
		t.Fatalf("direct record: %+v", req)
	}
	if fx.tok.BalanceOf(alice) != 20 || fx.tok.BalanceOf(bob) != 30 {
		t.Fatalf("balances after direct pay")
	}
	if len(fx.ledger.Pending(bob)) != 0 || len(fx.ledger.Outgoing(alice)) != 0 {
		t.Fatalf("direct payments are never pending")
	}
	evs := fx.tx.Events()
	last, ok := evs[len(evs)-1].(events.PaymentCompleted)
	if !ok || !last.Direct || last.ID != id {
		t.Fatalf("last event: %+v", evs[len(evs)-1])
	}

	total := fx.ledger.Total()
	if _, err := fx.ledger.DirectPay(fx.tx.As(bob), alice, 31, ""); !errors.Is(err, protoerr.ErrTransferFailed) {
		t.Fatalf("overdraft: %v", err)
	}
	if fx.ledger.Total() != total {
		t.Fatalf("failed direct pay must not record")
	}
}

func TestRevertRestoresStatusAndIndex(t *testing.T) {
	fx := newFixture(t, alice, bob)
	fx.fund(t, bob, 10)
	id, _ := fx.ledger.Request(fx.tx.As(alice), bob, 10, "")

	tx := chain.NewTestTx(bob, epoch)
	if err := fx.ledger.Pay(tx.Tx, id); err != nil {
		t.Fatalf("Pay: %v", err)
	}
	tx.Revert()
	req, _ := fx.ledger.Get(id)
	if req.Status != Pending || !req.ResolvedAt.IsZero() {
		t.Fatalf("revert must restore Pending: %+v", req)
	}
	if got := fx.ledger.Pending(bob); len(got) != 1 || got[0] != id {
		t.Fatalf("revert must restore index: %v", got)
	}
	if got := fx.ledger.Outgoing(alice); len(got) != 1 {
		t.Fatalf("revert must restore outgoing index: %v", got)
	}
	if fx.tok.BalanceOf(bob) != 10 {
		t.Fatalf("revert must restore balance")
	}
}

// The pending index must equal the set defined by a full scan after any
// sequence of operations.
func TestPendingMatchesScan(t *testing.T) {
	parties := []identity.Address{alice, bob, carol}
	fx := newFixture(t, parties...)
	for _, p := range parties {
		fx.fund(t, p, 1000)
	}
	rng := rand.New(rand.NewSource(7))

	for step := 0; step < 300; step++ {
		a := parties[rng.Intn(3)]
		b := parties[rng.Intn(3)]
		switch rng.Intn(5) {
		case 0, 1:
			_, _ = fx.ledger.Request(fx.tx.As(a), b, uint64(rng.Intn(20)), "")
		case 2:
			if n := fx.ledger.Total(); n > 0 {
				_ = fx.ledger.Pay(fx.tx.As(a), uint64(rng.Int63n(int64(n))))
			}
		case 3:
			if n := fx.ledger.Total(); n > 0 {
				_ = fx.ledger.Reject(fx.tx.As(a), uint64(rng.Int63n(int64(n))))
			}
		case 4:
			if n := fx.ledger.Total(); n > 0 {
				_ = fx.ledger.Cancel(fx.tx.As(a), uint64(rng.Int63n(int64(n))))
			}
		}
	}

	var sum uint64
	for _, p := range parties {
		sum += fx.tok.BalanceOf(p)
		var want, wantOut []uint64
		for _, r := range fx.ledger.Range(0, 0) {
			if r.Status != Pending {
				continue
			}
			if r.To == p {
				want = append(want, r.ID)
			}
			if r.From == p {
				wantOut = append(wantOut, r.ID)
			}
		}
		if !equalIDs(fx.ledger.Pending(p), want) {
			t.Fatalf("Pending(%s): got %v want %v", p.Short(), fx.ledger.Pending(p), want)
		}
		if !equalIDs(fx.ledger.Outgoing(p), wantOut) {
			t.Fatalf("Outgoing(%s): got %v want %v", p.Short(), fx.ledger.Outgoing(p), wantOut)
		}
	}
	if sum != 3000 {
		t.Fatalf("value not conserved: %d", sum)
	}
}

func equalIDs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{Pending, Paid, Rejected, Cancelled} {
		b, _ := s.MarshalText()
		var back Status
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Fatalf("status %s: %v", s, err)
		}
	}
	if _, err := ParseStatus("Expired"); err == nil {
		t.Fatalf("expected error")
	}
}
