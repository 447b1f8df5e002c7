// Package node hosts the identity registry, account factory and payment
// ledger on one chain and exposes every operation as a typed method, as a
// signed-envelope submission and as a journal entry that can be replayed.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"xdao.co/agentpay/account"
	"xdao.co/agentpay/auth"
	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/journal"
	"xdao.co/agentpay/payments"
	"xdao.co/agentpay/protoerr"
	"xdao.co/agentpay/registry"
	"xdao.co/agentpay/token"
)

// Config wires a node. The zero value is a usable in-memory node with
// default derivation parameters and a USDC settlement token.
type Config struct {
	// Network is the tag envelopes must carry. Empty accepts any network.
	Network string
	// Params pins account address derivation. Zero means
	// account.DefaultParams().
	Params account.Params
	// Ledger is the payment ledger address. Zero means
	// payments.DeriveAddress().
	Ledger identity.Address
	// Token describes the settlement token. Zero means USDC at
	// token.DeriveAddress("USDC") with 6 decimals.
	Token token.Info
	// Minter may mint the settlement token. Zero disables minting.
	Minter identity.Address
	// Journal receives every committed call. Nil disables journaling.
	Journal journal.Journal
	Clock   chain.Clock
	Logger  *zerolog.Logger
}

// USDC is the default settlement token.
func USDC() token.Info {
	return token.Info{Address: token.DeriveAddress("USDC"), Symbol: "USDC", Decimals: token.USDCDecimals}
}

func (c Config) withDefaults() Config {
	if c.Params == (account.Params{}) {
		c.Params = account.DefaultParams()
	}
	if c.Ledger.IsZero() {
		c.Ledger = payments.DeriveAddress()
	}
	if c.Token.Address.IsZero() {
		def := USDC()
		if c.Token.Symbol != "" {
			def.Symbol = c.Token.Symbol
			def.Address = token.DeriveAddress(c.Token.Symbol)
			def.Decimals = c.Token.Decimals
		}
		c.Token = def
	}
	return c
}

// Node is safe for concurrent use; the chain serializes operations.
type Node struct {
	cfg    Config
	logger zerolog.Logger

	chain    *chain.Chain
	bank     *token.Bank
	usdc     *token.Token
	registry *registry.Registry
	factory  *account.Factory
	ledger   *payments.Ledger
	nonces   *auth.Nonces

	// replaying suppresses journaling while entries are re-executed.
	replaying atomic.Bool
}

func New(cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	n := &Node{cfg: cfg, logger: zerolog.Nop()}
	if cfg.Logger != nil {
		n.logger = cfg.Logger.With().Str("component", "node").Logger()
	}

	n.chain = chain.New(events.NewLog(), chain.Options{Clock: cfg.Clock, Logger: cfg.Logger})
	n.bank = token.NewBank()
	usdc, err := n.bank.Create(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("node: settlement token: %w", err)
	}
	n.usdc = usdc
	n.registry = registry.New()
	n.factory = account.NewFactory(cfg.Params, n.registry, n.bank)
	n.ledger = payments.New(cfg.Ledger, n.registry, usdc)
	n.nonces = auth.NewNonces()

	if cfg.Journal != nil {
		n.chain.AddCommitHook(n.journalCommit)
	}
	return n, nil
}

func (n *Node) journalCommit(ctx context.Context, r chain.Receipt) error {
	if n.replaying.Load() {
		return nil
	}
	return n.cfg.Journal.Append(ctx, journal.Entry{
		Seq:    r.Seq,
		Caller: r.Caller,
		Method: r.Method,
		Args:   r.Args,
		Nonce:  r.Nonce,
		Time:   r.Time,
	})
}

func (n *Node) Network() string                 { return n.cfg.Network }
func (n *Node) Params() account.Params          { return n.cfg.Params }
func (n *Node) LedgerAddress() identity.Address { return n.ledger.Address() }
func (n *Node) Token() token.Info               { return n.usdc.Info() }
func (n *Node) Events() *events.Log             { return n.chain.Events() }
func (n *Node) Seq() uint64                     { return n.chain.Seq() }

// Result is the outcome of a committed call. Value is the method's return
// value (an address or request id) or nil.
type Result struct {
	Receipt chain.Receipt  `json:"-"`
	Seq     uint64         `json:"seq"`
	Value   any            `json:"value,omitempty"`
	Events  []events.Event `json:"events"`
}

// Call executes method with raw JSON args as caller. nonce is 0 for calls
// that were not authorized by an envelope; otherwise it is consumed in the
// same operation.
func (n *Node) Call(ctx context.Context, caller identity.Address, method string, args json.RawMessage, nonce uint64) (*Result, error) {
	return n.execute(ctx, chain.Call{Caller: caller, Method: method, Args: args, Nonce: nonce})
}

func (n *Node) execute(ctx context.Context, call chain.Call) (*Result, error) {
	h, ok := handlers[call.Method]
	if !ok {
		return nil, protoerr.New(protoerr.UnknownMethod, "node.call", "unknown method %q", call.Method)
	}
	var value any
	rcpt, err := n.chain.Execute(ctx, call, func(tx *chain.Tx) error {
		if call.Nonce != 0 {
			if err := n.nonces.Consume(tx, call.Caller, call.Nonce); err != nil {
				return err
			}
		}
		v, err := h(n, tx, call.Args)
		value = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Receipt: rcpt, Seq: rcpt.Seq, Value: value, Events: rcpt.Events}, nil
}

// invoke marshals typed args and executes method without a nonce.
func (n *Node) invoke(ctx context.Context, caller identity.Address, method string, args any) (*Result, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, method, err, "encode args")
	}
	return n.Call(ctx, caller, method, raw, 0)
}

// Submit verifies a signed envelope and executes it. The envelope's nonce is
// consumed only if the operation commits.
func (n *Node) Submit(ctx context.Context, env *auth.Envelope) (*Result, error) {
	if err := auth.Verify(env); err != nil {
		return nil, err
	}
	if n.cfg.Network != "" && env.Network != n.cfg.Network {
		return nil, protoerr.New(protoerr.Unauthorized, "node.submit", "envelope for network %q, node serves %q", env.Network, n.cfg.Network)
	}
	if env.Nonce == 0 {
		return nil, protoerr.New(protoerr.ReplayedNonce, "node.submit", "nonce must start at 1")
	}
	res, err := n.Call(ctx, env.Caller, env.Method, env.Args, env.Nonce)
	if err != nil {
		n.logger.Debug().Str("caller", env.Caller.Hex()).Str("method", env.Method).Uint64("nonce", env.Nonce).
			Str("code", string(protoerr.CodeOf(err))).Msg("submission rejected")
		return nil, err
	}
	return res, nil
}

// NextNonce returns the nonce the caller's next envelope must carry.
func (n *Node) NextNonce(caller identity.Address) uint64 {
	var v uint64
	n.chain.View(func() { v = n.nonces.Next(caller) })
	return v
}

var ErrDiverged = errors.New("node: replay diverged from journal")

// Replay re-executes every entry of src after the node's current sequence
// number, with the recorded block times. Replayed calls are not journaled
// again. Any entry that fails or lands on a different sequence number stops
// the replay with ErrDiverged. Replay must not run concurrently with other
// calls on the node.
func (n *Node) Replay(ctx context.Context, src journal.Journal) error {
	n.replaying.Store(true)
	defer n.replaying.Store(false)

	start := n.Seq()
	count := 0
	err := journal.ForEach(ctx, src, start, func(e journal.Entry) error {
		res, err := n.execute(ctx, chain.Call{Caller: e.Caller, Method: e.Method, Args: e.Args, Nonce: e.Nonce, Time: e.Time})
		if err != nil {
			return fmt.Errorf("%w: entry %d (%s): %v", ErrDiverged, e.Seq, e.Method, err)
		}
		if res.Seq != e.Seq {
			return fmt.Errorf("%w: entry %d committed as %d", ErrDiverged, e.Seq, res.Seq)
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}
	n.logger.Info().Uint64("from", start).Uint64("head", n.Seq()).Int("entries", count).Msg("journal replayed")
	return nil
}

// Open builds a node and replays cfg.Journal into it.
func Open(ctx context.Context, cfg Config) (*Node, error) {
	n, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Journal != nil {
		if err := n.Replay(ctx, cfg.Journal); err != nil {
			return nil, err
		}
	}
	return n, nil
}
