package memstore

import (
	"context"

	"xdao.co/agentpay/storage"
	"xdao.co/agentpay/storage/backends"
)

func init() {
	backends.MustRegister(backends.Backend{
		Name:        "memory",
		Description: "In-memory block store (lost on exit)",
		Open: func(ctx context.Context, opts backends.Options) (storage.BlockStore, func() error, error) {
			return New(), nil, nil
		},
	})
}
