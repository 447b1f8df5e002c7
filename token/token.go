// Package token provides the fungible-token transfer primitive the account and
// payment components settle against, and a reference in-process bank
// implementing it.
package token

import (
	"errors"
	"fmt"
	"sort"

	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
)

var (
	ErrInsufficientBalance   = errors.New("token: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrZeroAddress           = errors.New("token: zero address")
	ErrOverflow              = errors.New("token: balance overflow")
	ErrUnknownToken          = errors.New("token: unknown token")
	ErrDuplicateToken        = errors.New("token: token already exists")
)

// Primitive is an ERC-20 style transfer primitive. The acting party (sender,
// spender or approving owner) is tx.Caller().
type Primitive interface {
	Address() identity.Address
	Transfer(tx *chain.Tx, to identity.Address, amount uint64) error
	TransferFrom(tx *chain.Tx, from, to identity.Address, amount uint64) error
	Approve(tx *chain.Tx, spender identity.Address, amount uint64) error
	BalanceOf(owner identity.Address) uint64
	Allowance(owner, spender identity.Address) uint64
}

// Info describes a token.
type Info struct {
	Address  identity.Address `json:"address"`
	Symbol   string           `json:"symbol"`
	Decimals int32            `json:"decimals"`
}

// DeriveAddress returns the conventional address for a token symbol hosted by
// a Bank: keccak256("xdao-agentpay/token/" + symbol)[12:].
func DeriveAddress(symbol string) identity.Address {
	return identity.FromPublicKey([]byte("xdao-agentpay/token/" + symbol))
}

// CreditHook observes every credit (transfer or mint) after balances changed.
type CreditHook func(tx *chain.Tx, token, from, to identity.Address, amount uint64)

// Bank hosts any number of tokens. Mutations go through a chain.Tx and are
// reverted with it. Bank is not safe for concurrent use on its own; the chain
// serializes access.
type Bank struct {
	tokens  map[identity.Address]*Token
	credits []CreditHook
}

func NewBank() *Bank {
	return &Bank{tokens: make(map[identity.Address]*Token)}
}

// Create adds a token. It is a setup step, not a ledger operation.
func (b *Bank) Create(info Info) (*Token, error) {
	if info.Address.IsZero() {
		return nil, ErrZeroAddress
	}
	if _, ok := b.tokens[info.Address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, info.Address)
	}
	if info.Decimals < 0 || info.Decimals > 18 {
		return nil, fmt.Errorf("token: decimals out of range: %d", info.Decimals)
	}
	t := &Token{
		bank:       b,
		info:       info,
		balances:   make(map[identity.Address]uint64),
		allowances: make(map[allowanceKey]uint64),
	}
	b.tokens[info.Address] = t
	return t, nil
}

func (b *Bank) Token(addr identity.Address) (*Token, bool) {
	t, ok := b.tokens[addr]
	return t, ok
}

// Tokens lists hosted tokens ordered by symbol.
func (b *Bank) Tokens() []Info {
	out := make([]Info, 0, len(b.tokens))
	for _, t := range b.tokens {
		out = append(out, t.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OnCredit registers a hook called for every credit of every token.
func (b *Bank) OnCredit(h CreditHook) { b.credits = append(b.credits, h) }

type allowanceKey struct {
	owner, spender identity.Address
}

// Token is one fungible token hosted by a Bank.
type Token struct {
	bank       *Bank
	info       Info
	supply     uint64
	balances   map[identity.Address]uint64
	allowances map[allowanceKey]uint64
}

var _ Primitive = (*Token)(nil)

func (t *Token) Address() identity.Address { return t.info.Address }
func (t *Token) Info() Info                { return t.info }
func (t *Token) TotalSupply() uint64       { return t.supply }

func (t *Token) BalanceOf(owner identity.Address) uint64 { return t.balances[owner] }

func (t *Token) Allowance(owner, spender identity.Address) uint64 {
	return t.allowances[allowanceKey{owner, spender}]
}

func (t *Token) Transfer(tx *chain.Tx, to identity.Address, amount uint64) error {
	return t.move(tx, tx.Caller(), to, amount)
}

// TransferFrom moves amount from from to to, spending tx.Caller()'s allowance.
func (t *Token) TransferFrom(tx *chain.Tx, from, to identity.Address, amount uint64) error {
	spender := tx.Caller()
	key := allowanceKey{from, spender}
	allowed := t.allowances[key]
	if allowed < amount {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientAllowance, allowed, amount)
	}
	// Checked before touching the allowance so a failed move leaves nothing to undo.
	if t.balances[from] < amount {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientBalance, t.balances[from], amount)
	}
	t.setAllowance(tx, key, allowed-amount)
	return t.move(tx, from, to, amount)
}

func (t *Token) Approve(tx *chain.Tx, spender identity.Address, amount uint64) error {
	if spender.IsZero() {
		return ErrZeroAddress
	}
	owner := tx.Caller()
	t.setAllowance(tx, allowanceKey{owner, spender}, amount)
	tx.Emit(events.Approval{Token: t.info.Address, Owner: owner, Spender: spender, Amount: amount})
	return nil
}

// Mint creates amount new tokens for to. Authorization is the caller's concern.
func (t *Token) Mint(tx *chain.Tx, to identity.Address, amount uint64) error {
	if to.IsZero() {
		return ErrZeroAddress
	}
	if t.supply+amount < t.supply || t.balances[to]+amount < t.balances[to] {
		return ErrOverflow
	}
	prevSupply := t.supply
	t.supply += amount
	tx.OnRevert(func() { t.supply = prevSupply })
	t.setBalance(tx, to, t.balances[to]+amount)
	tx.Emit(events.Transfer{Token: t.info.Address, From: identity.Zero, To: to, Amount: amount})
	t.credited(tx, identity.Zero, to, amount)
	return nil
}

func (t *Token) move(tx *chain.Tx, from, to identity.Address, amount uint64) error {
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	fromBal := t.balances[from]
	if fromBal < amount {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientBalance, fromBal, amount)
	}
	if from != to {
		toBal := t.balances[to]
		if toBal+amount < toBal {
			return ErrOverflow
		}
		t.setBalance(tx, from, fromBal-amount)
		t.setBalance(tx, to, toBal+amount)
	}
	tx.Emit(events.Transfer{Token: t.info.Address, From: from, To: to, Amount: amount})
	t.credited(tx, from, to, amount)
	return nil
}

func (t *Token) credited(tx *chain.Tx, from, to identity.Address, amount uint64) {
	for _, h := range t.bank.credits {
		h(tx, t.info.Address, from, to, amount)
	}
}

func (t *Token) setBalance(tx *chain.Tx, owner identity.Address, v uint64) {
	prev, had := t.balances[owner]
	if v == 0 {
		delete(t.balances, owner)
	} else {
		t.balances[owner] = v
	}
	tx.OnRevert(func() {
		if had {
			t.balances[owner] = prev
		} else {
			delete(t.balances, owner)
		}
	})
}

func (t *Token) setAllowance(tx *chain.Tx, key allowanceKey, v uint64) {
	prev, had := t.allowances[key]
	if v == 0 {
		delete(t.allowances, key)
	} else {
		t.allowances[key] = v
	}
	tx.OnRevert(func() {
		if had {
			t.allowances[key] = prev
		} else {
			delete(t.allowances, key)
		}
	})
}

// Holders returns the addresses with a non-zero balance, in unspecified order.
func (t *Token) Holders() []identity.Address {
	out := make([]identity.Address, 0, len(t.balances))
	for a := range t.balances {
		out = append(out, a)
	}
	return out
}
