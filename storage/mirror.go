package storage

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"xdao.co/agentpay/cidutil"
)

// Named pairs a store with a stable backend name for error reporting.
type Named struct {
	Name  string
	Store BlockStore
}

// Mirror writes every block to all backends and reads from the first backend
// that has it, in slice order.
type Mirror struct {
	Backends []Named
}

var _ BlockStore = Mirror{}

func (m Mirror) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	want, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	if len(m.Backends) == 0 {
		return cid.Undef, fmt.Errorf("storage: mirror has no backends")
	}
	for _, b := range m.Backends {
		if b.Store == nil {
			return cid.Undef, fmt.Errorf("storage: nil store for backend %q", b.Name)
		}
		got, err := b.Store.Put(ctx, data)
		if err != nil {
			return cid.Undef, fmt.Errorf("storage: backend %q: %w", b.Name, err)
		}
		if !got.Equals(want) {
			return cid.Undef, fmt.Errorf("storage: backend %q: %w", b.Name, ErrCIDMismatch)
		}
	}
	return want, nil
}

func (m Mirror) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	for _, b := range m.Backends {
		if b.Store == nil {
			continue
		}
		out, err := b.Store.Get(ctx, id)
		if err == nil {
			return out, nil
		}
		if IsNotFound(err) {
			continue
		}
		return nil, fmt.Errorf("storage: backend %q: %w", b.Name, err)
	}
	return nil, ErrNotFound
}

func (m Mirror) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if !id.Defined() {
		return false, nil
	}
	for _, b := range m.Backends {
		if b.Store == nil {
			continue
		}
		ok, err := b.Store.Has(ctx, id)
		if err != nil {
			return false, fmt.Errorf("storage: backend %q: %w", b.Name, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
