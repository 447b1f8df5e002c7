// Package journal records accepted submissions so a node can be rebuilt by
// re-executing them in order.
//
// Only committed calls are journaled. Entry sequence numbers are dense and
// start at 1; Append rejects any entry that does not extend the journal by
// exactly one.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"xdao.co/agentpay/identity"
)

var (
	ErrGap    = errors.New("journal: entry does not extend the journal")
	ErrClosed = errors.New("journal: closed")
)

// Entry is one committed call.
type Entry struct {
	Seq    uint64           `json:"seq"`
	Caller identity.Address `json:"caller"`
	Method string           `json:"method"`
	Args   json.RawMessage  `json:"args,omitempty"`
	// Nonce is the envelope nonce consumed by the call, 0 for calls that
	// were not submitted as signed envelopes.
	Nonce uint64    `json:"nonce,omitempty"`
	Time  time.Time `json:"time"`
}

// Journal is an append-only log of entries.
type Journal interface {
	Append(ctx context.Context, e Entry) error
	// Read returns up to limit entries with Seq > after, ascending. limit <= 0
	// means all.
	Read(ctx context.Context, after uint64, limit int) ([]Entry, error)
	Head(ctx context.Context) (uint64, error)
	Close() error
}

// CheckNext returns ErrGap unless e.Seq == head+1.
func CheckNext(head uint64, e Entry) error {
	if e.Seq != head+1 {
		return fmt.Errorf("%w: got seq %d after %d", ErrGap, e.Seq, head)
	}
	return nil
}

// Memory is an in-process Journal.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	closed  bool
}

var _ Journal = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(ctx context.Context, e Entry) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := CheckNext(uint64(len(m.entries)), e); err != nil {
		return err
	}
	e.Args = append(json.RawMessage(nil), e.Args...)
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) Read(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if after >= uint64(len(m.entries)) {
		return nil, nil
	}
	rest := m.entries[after:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	out := make([]Entry, len(rest))
	copy(out, rest)
	return out, nil
}

func (m *Memory) Head(ctx context.Context) (uint64, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries)), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// ForEach streams every entry after cursor to fn in pages.
func ForEach(ctx context.Context, j Journal, after uint64, fn func(Entry) error) error {
	const page = 256
	for {
		batch, err := j.Read(ctx, after, page)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
			after = e.Seq
		}
		if len(batch) < page {
			return nil
		}
	}
}
