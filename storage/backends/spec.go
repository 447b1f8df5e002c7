package backends

import (
	"context"
	"errors"
	"fmt"

	"xdao.co/agentpay/storage"
)

// Spec selects one or more backends. With several, blocks are mirrored to
// all of them and read from the first that has them.
//
//	{"backends": [
//	  {"name": "localfs", "options": {"dir": "/var/lib/agentpay/blocks"}},
//	  {"name": "grpc", "id": "archive", "options": {"target": "archive:7400"}}
//	]}
type Spec struct {
	Backends []BackendSpec `json:"backends"`
}

type BackendSpec struct {
	Name string `json:"name"`
	// ID distinguishes two instances of the same backend. Defaults to Name.
	ID      string  `json:"id,omitempty"`
	Options Options `json:"options,omitempty"`
}

func (b BackendSpec) id() string {
	if b.ID != "" {
		return b.ID
	}
	return b.Name
}

func (s Spec) Validate() error {
	if len(s.Backends) == 0 {
		return errors.New("backends: at least one backend is required")
	}
	seen := make(map[string]struct{}, len(s.Backends))
	for _, b := range s.Backends {
		if b.Name == "" {
			return errors.New("backends: backend name is required")
		}
		if _, ok := seen[b.id()]; ok {
			return fmt.Errorf("backends: duplicate backend id %q", b.id())
		}
		seen[b.id()] = struct{}{}
	}
	return nil
}

// Open opens every backend in order. The returned close function closes them
// in reverse order.
func (s Spec) Open(ctx context.Context) (storage.BlockStore, func() error, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	named := make([]storage.Named, 0, len(s.Backends))
	closers := make([]func() error, 0, len(s.Backends))
	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	for _, b := range s.Backends {
		st, closeFn, err := Open(ctx, b.Name, b.Options)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("backends: open %q: %w", b.id(), err)
		}
		named = append(named, storage.Named{Name: b.id(), Store: st})
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}
	if len(named) == 1 {
		return named[0].Store, closeAll, nil
	}
	return storage.Mirror{Backends: named}, closeAll, nil
}
