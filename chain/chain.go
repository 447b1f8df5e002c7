// Package chain is an in-process, single-writer implementation of the ledger
// primitive the registry, account and payment components run on: atomic,
// serialized execution of each submitted operation plus an append-only event
// log.
//
// It does not replicate or reach consensus. Each call to Execute either
// commits all of its mutations and events or none of them.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
)

// Clock supplies block times.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock, truncated to whole seconds like a block
// timestamp.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Second) }

// ManualClock is a settable clock for tests and replay.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewManualClock(t time.Time) *ManualClock { return &ManualClock{t: t} }

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Call describes one submission.
type Call struct {
	Caller identity.Address
	Method string
	// Args is the encoded argument payload, passed through to commit hooks.
	Args json.RawMessage
	// Nonce is the envelope nonce authorizing the call, 0 if none.
	Nonce uint64
	// Time overrides the clock when non-zero. Replay uses it to reproduce
	// the original block times.
	Time time.Time
}

// Receipt describes a committed submission.
type Receipt struct {
	Seq    uint64
	Caller identity.Address
	Method string
	Args   json.RawMessage
	Nonce  uint64
	Time   time.Time
	Events []events.Event
}

// CommitHook runs after an operation succeeded and before its events are
// published, while the chain lock is held. A hook error reverts the
// operation. Events in the receipt do not have log sequence numbers yet.
type CommitHook func(ctx context.Context, r Receipt) error

type Options struct {
	Clock  Clock
	Logger *zerolog.Logger
	// OnCommit hooks run in order.
	OnCommit []CommitHook
}

// Chain serializes operations over shared component state.
type Chain struct {
	mu     sync.RWMutex
	seq    uint64
	clock  Clock
	log    *events.Log
	logger zerolog.Logger
	hooks  []CommitHook
}

func New(log *events.Log, opts Options) *Chain {
	if log == nil {
		log = events.NewLog()
	}
	c := &Chain{
		clock:  opts.Clock,
		log:    log,
		logger: zerolog.Nop(),
		hooks:  append([]CommitHook(nil), opts.OnCommit...),
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	if opts.Logger != nil {
		c.logger = opts.Logger.With().Str("component", "chain").Logger()
	}
	return c
}

// Events returns the chain's event log.
func (c *Chain) Events() *events.Log { return c.log }

// Seq returns the sequence number of the last committed submission.
func (c *Chain) Seq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}

// AddCommitHook appends a hook. Hooks added while operations run apply from
// the next operation on.
func (c *Chain) AddCommitHook(h CommitHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

// Execute runs fn as one atomic operation. While fn runs no other operation
// or view executes. If fn returns an error (or panics, or a commit hook
// fails) every mutation recorded with Tx.OnRevert is undone and no events are
// published.
func (c *Chain) Execute(ctx context.Context, call Call, fn func(tx *Tx) error) (rcpt Receipt, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if call.Method == "" {
		return Receipt{}, errors.New("chain: call has no method")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := call.Time
	if now.IsZero() {
		now = c.clock.Now()
	}
	st := &txState{ctx: ctx, seq: c.seq + 1, method: call.Method, now: now}
	tx := &Tx{caller: call.Caller, st: st}

	defer func() {
		if p := recover(); p != nil {
			st.revert()
			err = protoerr.New(protoerr.Internal, call.Method, "panic: %v", p)
			c.logger.Error().Uint64("seq", st.seq).Str("caller", call.Caller.Hex()).Str("method", call.Method).
				Interface("panic", p).Msg("operation panicked; reverted")
			rcpt = Receipt{}
		}
	}()

	if err := fn(tx); err != nil {
		st.revert()
		c.logger.Info().Uint64("seq", st.seq).Str("caller", call.Caller.Hex()).Str("method", call.Method).
			Str("code", string(protoerr.CodeOf(err))).Err(err).Msg("reverted")
		return Receipt{}, err
	}

	pending := make([]events.Event, len(st.events))
	for i, p := range st.events {
		pending[i] = events.Event{TxSeq: st.seq, Time: now, Payload: p}
	}
	rcpt = Receipt{
		Seq:    st.seq,
		Caller: call.Caller,
		Method: call.Method,
		Args:   call.Args,
		Nonce:  call.Nonce,
		Time:   now,
		Events: pending,
	}
	for _, h := range c.hooks {
		if err := h(ctx, rcpt); err != nil {
			st.revert()
			c.logger.Error().Uint64("seq", st.seq).Str("method", call.Method).Err(err).Msg("commit hook failed; reverted")
			return Receipt{}, protoerr.Wrap(protoerr.Internal, call.Method, err, "commit failed")
		}
	}

	c.seq = st.seq
	rcpt.Events = c.log.Append(pending...)
	c.logger.Debug().Uint64("seq", st.seq).Str("caller", call.Caller.Hex()).Str("method", call.Method).
		Int("events", len(rcpt.Events)).Msg("committed")
	return rcpt, nil
}

// View runs fn under the chain's read lock so it observes a consistent state
// between operations. fn must not mutate component state.
func (c *Chain) View(fn func()) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn()
}

// String is used in log lines.
func (r Receipt) String() string {
	return fmt.Sprintf("#%d %s by %s (%d events)", r.Seq, r.Method, r.Caller.Short(), len(r.Events))
}
