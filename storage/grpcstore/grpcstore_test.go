package grpcstore

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"xdao.co/agentpay/storage"
	"xdao.co/agentpay/storage/memstore"
	"xdao.co/agentpay/storage/testkit"
)

func newBufconnClient(t *testing.T, backing storage.BlockStore) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterBlockStoreServer(srv, &Server{Store: backing})
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, s string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close() })
	return NewClient(cc, 2*time.Second)
}

func TestConformanceOverGRPC(t *testing.T) {
	testkit.RunConformance(t, func(t *testing.T) storage.BlockStore {
		return newBufconnClient(t, memstore.New())
	})
}

func TestMissingStoreIsFailedPrecondition(t *testing.T) {
	client := newBufconnClient(t, nil)
	if _, err := client.Put(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected error from server without store")
	}
}
