// Package storage defines the content-addressed block store the CAS journal
// writes to, and combinators over several stores.
package storage

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidCID  = errors.New("storage: invalid cid")
	ErrCIDMismatch = errors.New("storage: cid mismatch")
	ErrImmutable   = errors.New("storage: immutable object mismatch")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// BlockStore stores immutable blocks keyed by the CID of their bytes.
//
// Contract:
//   - Put is idempotent and returns cidutil.Sum(data).
//   - Blocks never change once written.
//   - Get returns ErrNotFound for absent blocks and never returns bytes that
//     do not hash to the requested CID.
type BlockStore interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Has(ctx context.Context, id cid.Cid) (bool, error)
}
