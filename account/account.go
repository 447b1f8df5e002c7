// Package account implements the deterministic account deriver and the
// accounts it materializes.
//
// Every identity has exactly one account address, computable before the
// account exists. Deploying the account makes it able to move the tokens held
// at that address; tokens sent to the address beforehand are already there.
package account

import (
	"time"

	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
	"xdao.co/agentpay/registry"
	"xdao.co/agentpay/token"
)

// Account is a materialized per-identity account. Balances live in the token
// primitive under Address.
type Account struct {
	Address    identity.Address `json:"address"`
	Owner      identity.Address `json:"owner"`
	Origin     identity.Address `json:"origin"`
	DeployedAt time.Time        `json:"deployedAt"`
}

// Factory derives and deploys accounts and executes owner-gated account
// capabilities.
type Factory struct {
	params   Params
	registry *registry.Registry
	bank     *token.Bank

	accounts map[identity.Address]*Account
}

// NewFactory wires a factory to the registry (for DeployAndRegister and the
// registration gate) and the bank (for account capabilities and inbound
// transfer notification).
func NewFactory(p Params, reg *registry.Registry, bank *token.Bank) *Factory {
	f := &Factory{
		params:   p,
		registry: reg,
		bank:     bank,
		accounts: make(map[identity.Address]*Account),
	}
	bank.OnCredit(f.onCredit)
	return f
}

func (f *Factory) Params() Params { return f.params }

// ComputeAddress returns the account address of id.
func (f *Factory) ComputeAddress(id identity.Address) identity.Address {
	return f.params.ComputeAddress(id)
}

// DeployAndRegister registers the caller in the identity registry and deploys
// its account in one operation.
func (f *Factory) DeployAndRegister(tx *chain.Tx, displayName string, publicKey []byte) (identity.Address, error) {
	if _, err := f.deploy(tx, "account.deployAndRegister"); err != nil {
		return identity.Zero, err
	}
	if err := f.registry.Register(tx, displayName, publicKey); err != nil {
		return identity.Zero, err
	}
	return f.ComputeAddress(tx.Caller()), nil
}

// Deploy materializes the caller's account. The caller must be registered.
func (f *Factory) Deploy(tx *chain.Tx) (identity.Address, error) {
	const op = "account.deploy"
	if err := f.registry.Require(op, tx.Caller()); err != nil {
		return identity.Zero, err
	}
	acct, err := f.deploy(tx, op)
	if err != nil {
		return identity.Zero, err
	}
	return acct.Address, nil
}

func (f *Factory) deploy(tx *chain.Tx, op string) (*Account, error) {
	caller := tx.Caller()
	if caller.IsZero() {
		return nil, protoerr.New(protoerr.InvalidAddress, op, "zero caller")
	}
	addr := f.ComputeAddress(caller)
	if _, ok := f.accounts[addr]; ok {
		return nil, protoerr.New(protoerr.AlreadyDeployed, op, "account %s of %s already deployed", addr, caller)
	}
	acct := &Account{Address: addr, Owner: caller, Origin: caller, DeployedAt: tx.Now()}
	f.accounts[addr] = acct
	tx.OnRevert(func() { delete(f.accounts, addr) })
	tx.Emit(events.AccountDeployed{Account: addr, Owner: caller})
	return acct, nil
}

// IsDeployed reports whether the account of identity id exists.
func (f *Factory) IsDeployed(id identity.Address) bool {
	_, ok := f.accounts[f.ComputeAddress(id)]
	return ok
}

// AccountOf returns the deployed account derived from identity id.
func (f *Factory) AccountOf(id identity.Address) (Account, bool) {
	return f.Get(f.ComputeAddress(id))
}

// Get returns the deployed account at addr.
func (f *Factory) Get(addr identity.Address) (Account, bool) {
	a, ok := f.accounts[addr]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Send moves amount of tok out of the account to to. Only the owner may send.
func (f *Factory) Send(tx *chain.Tx, acct, tok, to identity.Address, amount uint64, memo string) error {
	const op = "account.send"
	a, err := f.owned(tx, op, acct)
	if err != nil {
		return err
	}
	if to.IsZero() {
		return protoerr.New(protoerr.InvalidAddress, op, "zero recipient")
	}
	if amount == 0 {
		return protoerr.New(protoerr.InvalidAmount, op, "amount must be positive")
	}
	t, err := f.token(op, tok)
	if err != nil {
		return err
	}
	if err := t.Transfer(tx.As(a.Address), to, amount); err != nil {
		return protoerr.Wrap(protoerr.TransferFailed, op, err, "token transfer rejected")
	}
	tx.Emit(events.Sent{Account: a.Address, Token: tok, To: to, Amount: amount, Memo: memo})
	return nil
}

// Approve sets spender's allowance over the account's tok balance.
func (f *Factory) Approve(tx *chain.Tx, acct, tok, spender identity.Address, amount uint64) error {
	const op = "account.approve"
	a, err := f.owned(tx, op, acct)
	if err != nil {
		return err
	}
	if spender.IsZero() {
		return protoerr.New(protoerr.InvalidAddress, op, "zero spender")
	}
	t, err := f.token(op, tok)
	if err != nil {
		return err
	}
	if err := t.Approve(tx.As(a.Address), spender, amount); err != nil {
		return protoerr.Wrap(protoerr.TransferFailed, op, err, "approve rejected")
	}
	return nil
}

// BalanceOf returns the account's balance of tok. Unknown tokens have none.
func (f *Factory) BalanceOf(acct, tok identity.Address) uint64 {
	t, ok := f.bank.Token(tok)
	if !ok {
		return 0
	}
	return t.BalanceOf(acct)
}

// TransferOwnership hands control of the account to newOwner. The account
// address does not change.
func (f *Factory) TransferOwnership(tx *chain.Tx, acct, newOwner identity.Address) error {
	const op = "account.transferOwnership"
	a, err := f.owned(tx, op, acct)
	if err != nil {
		return err
	}
	if newOwner.IsZero() {
		return protoerr.New(protoerr.InvalidAddress, op, "zero new owner")
	}
	prev := a.Owner
	a.Owner = newOwner
	tx.OnRevert(func() { a.Owner = prev })
	tx.Emit(events.OwnershipTransferred{Account: a.Address, PreviousOwner: prev, NewOwner: newOwner})
	return nil
}

func (f *Factory) owned(tx *chain.Tx, op string, acct identity.Address) (*Account, error) {
	a, ok := f.accounts[acct]
	if !ok {
		return nil, protoerr.New(protoerr.InvalidAddress, op, "no account deployed at %s", acct)
	}
	if tx.Caller() != a.Owner {
		return nil, protoerr.New(protoerr.Unauthorized, op, "%s is not the owner of %s", tx.Caller(), acct)
	}
	return a, nil
}

func (f *Factory) token(op string, addr identity.Address) (*token.Token, error) {
	t, ok := f.bank.Token(addr)
	if !ok {
		return nil, protoerr.New(protoerr.InvalidAddress, op, "unknown token %s", addr)
	}
	return t, nil
}

func (f *Factory) onCredit(tx *chain.Tx, tok, from, to identity.Address, amount uint64) {
	if _, ok := f.accounts[to]; !ok {
		return
	}
	tx.Emit(events.Received{Account: to, Token: tok, From: from, Amount: amount})
}

// Accounts returns the number of deployed accounts.
func (f *Factory) Accounts() int { return len(f.accounts) }
