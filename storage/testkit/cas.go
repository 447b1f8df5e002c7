// Package testkit holds the conformance suite every storage.BlockStore
// implementation runs in its own tests.
package testkit

import (
	"bytes"
	"context"
	"testing"

	"github.com/ipfs/go-cid"

	"xdao.co/agentpay/cidutil"
	"xdao.co/agentpay/storage"
)

// NewStore constructs a fresh, empty store isolated from other tests.
type NewStore func(t *testing.T) storage.BlockStore

func RunConformance(t *testing.T, newStore NewStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		st := newStore(t)
		want := []byte(`{"seq":1,"method":"register"}`)

		id, err := st.Put(ctx, want)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		wantID, err := cidutil.Sum(want)
		if err != nil {
			t.Fatalf("Sum failed: %v", err)
		}
		if !id.Equals(wantID) {
			t.Fatalf("Put CID mismatch: got %s want %s", id, wantID)
		}

		got, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get bytes mismatch")
		}
	})

	t.Run("PutIdempotent", func(t *testing.T) {
		st := newStore(t)
		b := []byte("same bytes")

		id1, err := st.Put(ctx, b)
		if err != nil {
			t.Fatalf("Put(1) failed: %v", err)
		}
		id2, err := st.Put(ctx, b)
		if err != nil {
			t.Fatalf("Put(2) failed: %v", err)
		}
		if !id1.Equals(id2) {
			t.Fatalf("Put not idempotent: %s vs %s", id1, id2)
		}
	})

	t.Run("HasAndNotFound", func(t *testing.T) {
		st := newStore(t)
		b := []byte("missing")
		id, err := cidutil.Sum(b)
		if err != nil {
			t.Fatalf("Sum failed: %v", err)
		}

		if ok, err := st.Has(ctx, id); err != nil || ok {
			t.Fatalf("Has for missing CID: ok=%v err=%v", ok, err)
		}
		if _, err := st.Get(ctx, id); !storage.IsNotFound(err) {
			t.Fatalf("Get missing: got err=%v want ErrNotFound", err)
		}

		if _, err := st.Put(ctx, b); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if ok, err := st.Has(ctx, id); err != nil || !ok {
			t.Fatalf("Has after Put: ok=%v err=%v", ok, err)
		}
	})

	t.Run("RejectUndefCID", func(t *testing.T) {
		st := newStore(t)
		var undef cid.Cid
		if ok, _ := st.Has(ctx, undef); ok {
			t.Fatalf("Has should be false for undefined CID")
		}
		if _, err := st.Get(ctx, undef); err == nil {
			t.Fatalf("Get should fail for undefined CID")
		}
	})

	t.Run("ReturnedBytesAreCopies", func(t *testing.T) {
		st := newStore(t)
		b := []byte("immutable")
		id, err := st.Put(ctx, b)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		b[0] = 'X'
		got, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		got[0] = 'Y'
		again, _ := st.Get(ctx, id)
		if string(again) != "immutable" {
			t.Fatalf("stored block was mutated through a caller slice: %q", again)
		}
	})
}
