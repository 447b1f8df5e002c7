package memstore

import (
	"context"
	"testing"

	"xdao.co/agentpay/storage"
	"xdao.co/agentpay/storage/testkit"
)

func TestConformance(t *testing.T) {
	testkit.RunConformance(t, func(t *testing.T) storage.BlockStore { return New() })
}

func TestCancelledContext(t *testing.T) {
	st := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := st.Put(ctx, []byte("x")); err == nil {
		t.Fatalf("expected context error")
	}
	if st.Len() != 0 {
		t.Fatalf("nothing should be stored")
	}
}
