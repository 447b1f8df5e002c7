package registry

import (
	"errors"
	"math"
	"testing"
	"time"

	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
)

var (
	alice = identity.FromPublicKey([]byte("alice"))
	bob   = identity.FromPublicKey([]byte("bob"))
	epoch = time.Unix(1700000000, 0).UTC()
)

func TestLookupAfterRegister(t *testing.T) {
	r := New()
	tx := chain.NewTestTx(alice, epoch)
	if err := r.Register(tx.Tx, "Alice", []byte("pk-a")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec := r.Lookup(alice)
	if !rec.Active || rec.DisplayName != "Alice" || string(rec.PublicKey) != "pk-a" || !rec.RegisteredAt.Equal(epoch) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !r.IsRegistered(alice) || r.IsRegistered(bob) {
		t.Fatalf("IsRegistered mismatch")
	}
	evs := tx.Events()
	if len(evs) != 1 || evs[0].Kind() != events.KindIdentityRegistered {
		t.Fatalf("events: %+v", evs)
	}
}

func TestDoubleRegisterFails(t *testing.T) {
	r := New()
	tx := chain.NewTestTx(alice, epoch)
	_ = r.Register(tx.Tx, "Alice", nil)
	err := r.Register(tx.Tx, "Alice again", nil)
	if !errors.Is(err, protoerr.ErrAlreadyRegistered) {
		t.Fatalf("expected AlreadyRegistered, got %v", err)
	}
	if r.Lookup(alice).DisplayName != "Alice" {
		t.Fatalf("first record must be unchanged")
	}
}

func TestUpdateAndDeactivateRequireActive(t *testing.T) {
	r := New()
	tx := chain.NewTestTx(alice, epoch)
	if err := r.Update(tx.Tx, "x", nil); !errors.Is(err, protoerr.ErrNotRegistered) {
		t.Fatalf("Update unregistered: %v", err)
	}
	if err := r.Deactivate(tx.Tx); !errors.Is(err, protoerr.ErrNotRegistered) {
		t.Fatalf("Deactivate unregistered: %v", err)
	}

	_ = r.Register(tx.Tx, "Alice", []byte("k1"))
	if err := r.Update(tx.Tx, "Alice B.", []byte("k2")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec := r.Lookup(alice)
	if rec.DisplayName != "Alice B." || string(rec.PublicKey) != "k2" || !rec.RegisteredAt.Equal(epoch) {
		t.Fatalf("after update: %+v", rec)
	}
	if err := r.Deactivate(tx.Tx); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if r.IsRegistered(alice) {
		t.Fatalf("deactivated identity reported registered")
	}
	if err := r.Deactivate(tx.Tx); !errors.Is(err, protoerr.ErrNotRegistered) {
		t.Fatalf("second Deactivate: %v", err)
	}
	if err := r.Update(tx.Tx, "y", nil); !errors.Is(err, protoerr.ErrNotRegistered) {
		t.Fatalf("Update after deactivate: %v", err)
	}
}

func TestReRegisterAfterDeactivate(t *testing.T) {
	r := New()
	tx := chain.NewTestTx(alice, epoch)
	_ = r.Register(tx.Tx, "Alice", nil)
	_ = r.Register(tx.As(bob), "Bob", nil)
	_ = r.Deactivate(tx.Tx)

	later := chain.NewTestTx(alice, epoch.Add(time.Hour))
	if err := r.Register(later.Tx, "Alice v2", nil); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	rec := r.Lookup(alice)
	if !rec.Active || !rec.RegisteredAt.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("re-registered record: %+v", rec)
	}
	if r.TotalIdentities() != 2 {
		t.Fatalf("re-registration must not duplicate enumeration, got %d", r.TotalIdentities())
	}
	if id, _ := r.IdentityAt(0); id != alice {
		t.Fatalf("alice should keep position 0")
	}
}

func TestRevertUndoesRegistration(t *testing.T) {
	r := New()
	tx := chain.NewTestTx(alice, epoch)
	_ = r.Register(tx.Tx, "Alice", nil)
	tx.Revert()
	if r.IsRegistered(alice) || r.TotalIdentities() != 0 {
		t.Fatalf("revert left registration behind")
	}
	if rec := r.Lookup(alice); rec.Active || rec.DisplayName != "" {
		t.Fatalf("expected zero record, got %+v", rec)
	}
}

func TestZeroCallerRejected(t *testing.T) {
	r := New()
	tx := chain.NewTestTx(identity.Zero, epoch)
	if err := r.Register(tx.Tx, "nobody", nil); !errors.Is(err, protoerr.ErrInvalidAddress) {
		t.Fatalf("expected InvalidAddress, got %v", err)
	}
}

func TestEnumeration(t *testing.T) {
	r := New()
	var ids []identity.Address
	for i := 0; i < 5; i++ {
		id := identity.FromPublicKey([]byte{byte(i)})
		ids = append(ids, id)
		tx := chain.NewTestTx(id, epoch)
		if err := r.Register(tx.Tx, "agent", nil); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}
	if r.TotalIdentities() != 5 {
		t.Fatalf("TotalIdentities: %d", r.TotalIdentities())
	}
	page := r.Identities(1, 2)
	if len(page) != 2 || page[0] != ids[1] || page[1] != ids[2] {
		t.Fatalf("page: %v", page)
	}
	if rest := r.Identities(3, 0); len(rest) != 2 || rest[1] != ids[4] {
		t.Fatalf("rest: %v", rest)
	}
	if all := r.Identities(1, math.MaxInt); len(all) != 4 || all[3] != ids[4] {
		t.Fatalf("large limit: %v", all)
	}
	if r.Identities(5, 1) != nil {
		t.Fatalf("offset past end should be nil")
	}
	if _, ok := r.IdentityAt(5); ok {
		t.Fatalf("IdentityAt out of range")
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	r := New()
	tx := chain.NewTestTx(alice, epoch)
	_ = r.Register(tx.Tx, "Alice", []byte("key"))
	rec := r.Lookup(alice)
	rec.PublicKey[0] = 'X'
	if string(r.Lookup(alice).PublicKey) != "key" {
		t.Fatalf("Lookup must not alias stored key")
	}
}
