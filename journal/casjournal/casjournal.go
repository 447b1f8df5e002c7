// Package casjournal stores the journal as a hash-linked chain of blocks in a
// content-addressed storage.BlockStore.
//
// Each entry is one JSON block carrying the CID of the previous block, so the
// head CID commits to the whole history. The head CID is the only state a
// caller needs to keep to reopen the journal.
package casjournal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"

	"xdao.co/agentpay/cidutil"
	"xdao.co/agentpay/journal"
	"xdao.co/agentpay/storage"
)

var ErrBrokenChain = errors.New("casjournal: broken chain")

const blockVersion = 1

type block struct {
	V     int           `json:"v"`
	Prev  string        `json:"prev,omitempty"`
	Entry journal.Entry `json:"entry"`
}

// Journal is a journal.Journal over a BlockStore. The seq to CID index is
// kept in memory and rebuilt by Open.
type Journal struct {
	mu     sync.RWMutex
	store  storage.BlockStore
	cids   []cid.Cid
	closed bool
	// OnHead, if set, is called with the new head CID after every append.
	OnHead func(cid.Cid)
}

var _ journal.Journal = (*Journal)(nil)

// New returns an empty journal writing to store.
func New(store storage.BlockStore) *Journal {
	return &Journal{store: store}
}

// Open walks the chain back from head and returns a journal positioned at
// it. An undefined head opens an empty journal.
func Open(ctx context.Context, store storage.BlockStore, head cid.Cid) (*Journal, error) {
	j := New(store)
	if !head.Defined() {
		return j, nil
	}
	var rev []cid.Cid
	next := head
	var wantSeq uint64
	for {
		b, err := j.load(ctx, next)
		if err != nil {
			return nil, err
		}
		if wantSeq != 0 && b.Entry.Seq != wantSeq {
			return nil, fmt.Errorf("%w: block %s has seq %d, want %d", ErrBrokenChain, next, b.Entry.Seq, wantSeq)
		}
		rev = append(rev, next)
		if b.Entry.Seq == 1 {
			if b.Prev != "" {
				return nil, fmt.Errorf("%w: first entry links to %s", ErrBrokenChain, b.Prev)
			}
			break
		}
		if b.Prev == "" || b.Entry.Seq == 0 {
			return nil, fmt.Errorf("%w: entry %d has no predecessor", ErrBrokenChain, b.Entry.Seq)
		}
		prev, err := cidutil.Parse(b.Prev)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBrokenChain, err)
		}
		wantSeq = b.Entry.Seq - 1
		next = prev
	}
	j.cids = make([]cid.Cid, len(rev))
	for i, c := range rev {
		j.cids[len(rev)-1-i] = c
	}
	return j, nil
}

func (j *Journal) load(ctx context.Context, id cid.Cid) (block, error) {
	data, err := j.store.Get(ctx, id)
	if err != nil {
		return block{}, fmt.Errorf("casjournal: get %s: %w", id, err)
	}
	if err := cidutil.Check(id, data); err != nil {
		return block{}, fmt.Errorf("casjournal: %s: %w", id, err)
	}
	var b block
	if err := json.Unmarshal(data, &b); err != nil {
		return block{}, fmt.Errorf("casjournal: decode %s: %w", id, err)
	}
	if b.V != blockVersion {
		return block{}, fmt.Errorf("casjournal: %s: unsupported block version %d", id, b.V)
	}
	return b, nil
}

// HeadCID returns the CID of the newest block, cid.Undef when empty.
func (j *Journal) HeadCID() cid.Cid {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.cids) == 0 {
		return cid.Undef
	}
	return j.cids[len(j.cids)-1]
}

// CID returns the block CID of the entry with the given seq.
func (j *Journal) CID(seq uint64) (cid.Cid, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if seq == 0 || seq > uint64(len(j.cids)) {
		return cid.Undef, false
	}
	return j.cids[seq-1], true
}

func (j *Journal) Append(ctx context.Context, e journal.Entry) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return journal.ErrClosed
	}
	if err := journal.CheckNext(uint64(len(j.cids)), e); err != nil {
		j.mu.Unlock()
		return err
	}
	b := block{V: blockVersion, Entry: e}
	if n := len(j.cids); n > 0 {
		b.Prev = j.cids[n-1].String()
	}
	data, err := json.Marshal(b)
	if err != nil {
		j.mu.Unlock()
		return fmt.Errorf("casjournal: encode %d: %w", e.Seq, err)
	}
	id, err := j.store.Put(ctx, data)
	if err != nil {
		j.mu.Unlock()
		return fmt.Errorf("casjournal: put %d: %w", e.Seq, err)
	}
	j.cids = append(j.cids, id)
	hook := j.OnHead
	j.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return nil
}

func (j *Journal) Read(ctx context.Context, after uint64, limit int) ([]journal.Entry, error) {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return nil, journal.ErrClosed
	}
	var ids []cid.Cid
	if after < uint64(len(j.cids)) {
		ids = j.cids[after:]
		if limit > 0 && limit < len(ids) {
			ids = ids[:limit]
		}
		ids = append([]cid.Cid(nil), ids...)
	}
	j.mu.RUnlock()

	out := make([]journal.Entry, 0, len(ids))
	for i, id := range ids {
		b, err := j.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if want := after + uint64(i) + 1; b.Entry.Seq != want {
			return nil, fmt.Errorf("%w: block %s has seq %d, want %d", ErrBrokenChain, id, b.Entry.Seq, want)
		}
		out = append(out, b.Entry)
	}
	return out, nil
}

func (j *Journal) Head(ctx context.Context) (uint64, error) {
	_ = ctx
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, journal.ErrClosed
	}
	return uint64(len(j.cids)), nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return nil
}

// Verify re-reads every block and checks the hash links from the head back
// to the first entry.
func (j *Journal) Verify(ctx context.Context) error {
	head := j.HeadCID()
	reopened, err := Open(ctx, j.store, head)
	if err != nil {
		return err
	}
	n, _ := j.Head(ctx)
	if got := uint64(len(reopened.cids)); got != n {
		return fmt.Errorf("%w: chain has %d entries, index has %d", ErrBrokenChain, got, n)
	}
	return nil
}
