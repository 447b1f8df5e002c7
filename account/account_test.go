package account

import (
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
	"xdao.co/agentpay/registry"
	"xdao.co/agentpay/token"
)

var (
	alice  = identity.FromPublicKey([]byte("alice"))
	bob    = identity.FromPublicKey([]byte("bob"))
	minter = identity.FromPublicKey([]byte("minter"))
	usdc   = token.DeriveAddress("USDC")
	epoch  = time.Unix(1700000000, 0).UTC()
)

type fixture struct {
	reg  *registry.Registry
	bank *token.Bank
	tok  *token.Token
	f    *Factory
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := registry.New()
	bank := token.NewBank()
	tok, err := bank.Create(token.Info{Address: usdc, Symbol: "USDC", Decimals: token.USDCDecimals})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return fixture{reg: reg, bank: bank, tok: tok, f: NewFactory(DefaultParams(), reg, bank)}
}

// First example of EIP-1014: zero deployer, zero salt, init code 0x00.
func TestComputeAddressMatchesCreate2(t *testing.T) {
	var p Params
	copy(p.InitCodeHash[:], identity.Keccak256([]byte{0x00}))
	got := p.ComputeAddress(identity.Zero)
	want := identity.MustParse("0x4d1a2e2bb4f88f0250f26ffff098b0b30b26bf38")
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestComputeAddressDistinctAndPinned(t *testing.T) {
	p := DefaultParams()
	if p.ComputeAddress(alice) == p.ComputeAddress(bob) {
		t.Fatalf("distinct identities must derive distinct addresses")
	}
	other := p
	other.InitCodeHash[0] ^= 0xff
	if other.ComputeAddress(alice) == p.ComputeAddress(alice) {
		t.Fatalf("init code hash must be an input")
	}
	want := identity.Keccak256([]byte(DefaultInitCodeLabel))
	if hex.EncodeToString(p.InitCodeHash[:]) != hex.EncodeToString(want) {
		t.Fatalf("default init code hash mismatch")
	}
}

func TestAddressStableAcrossDeployment(t *testing.T) {
	fx := newFixture(t)
	before := fx.f.ComputeAddress(alice)
	if fx.f.IsDeployed(alice) {
		t.Fatalf("not deployed yet")
	}

	// Funds sent before deployment are already at the address.
	tx := chain.NewTestTx(minter, epoch)
	if err := fx.tok.Mint(tx.Tx, before, 25); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	got, err := fx.f.DeployAndRegister(tx.As(alice), "Alice", []byte("pk"))
	if err != nil {
		t.Fatalf("DeployAndRegister: %v", err)
	}
	if got != before || fx.f.ComputeAddress(alice) != before {
		t.Fatalf("address changed on deployment")
	}
	if !fx.f.IsDeployed(alice) || !fx.reg.IsRegistered(alice) {
		t.Fatalf("expected deployed and registered")
	}
	if fx.f.BalanceOf(before, usdc) != 25 {
		t.Fatalf("pre-deployment funds lost")
	}
	acct, ok := fx.f.AccountOf(alice)
	if !ok || acct.Owner != alice || acct.Origin != alice || !acct.DeployedAt.Equal(epoch) {
		t.Fatalf("account: %+v", acct)
	}
}

func TestDeployTwiceFails(t *testing.T) {
	fx := newFixture(t)
	tx := chain.NewTestTx(alice, epoch)
	if _, err := fx.f.DeployAndRegister(tx.Tx, "Alice", nil); err != nil {
		t.Fatalf("DeployAndRegister: %v", err)
	}
	if _, err := fx.f.Deploy(tx.Tx); !errors.Is(err, protoerr.ErrAlreadyDeployed) {
		t.Fatalf("expected AlreadyDeployed, got %v", err)
	}
	if _, err := fx.f.DeployAndRegister(tx.Tx, "Alice", nil); !errors.Is(err, protoerr.ErrAlreadyDeployed) {
		t.Fatalf("expected AlreadyDeployed, got %v", err)
	}
}

func TestDeployRequiresRegistration(t *testing.T) {
	fx := newFixture(t)
	tx := chain.NewTestTx(bob, epoch)
	if _, err := fx.f.Deploy(tx.Tx); !errors.Is(err, protoerr.ErrNotRegistered) {
		t.Fatalf("expected NotRegistered, got %v", err)
	}
	_ = fx.reg.Register(tx.Tx, "Bob", nil)
	addr, err := fx.f.Deploy(tx.Tx)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if addr != fx.f.ComputeAddress(bob) {
		t.Fatalf("deployed at wrong address")
	}
}

func TestSendOwnerGated(t *testing.T) {
	fx := newFixture(t)
	tx := chain.NewTestTx(alice, epoch)
	acct, _ := fx.f.DeployAndRegister(tx.Tx, "Alice", nil)
	_ = fx.tok.Mint(tx.As(minter), acct, 100)

	if err := fx.f.Send(tx.As(bob), acct, usdc, bob, 10, ""); !errors.Is(err, protoerr.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if err := fx.f.Send(tx.Tx, acct, usdc, identity.Zero, 10, ""); !errors.Is(err, protoerr.ErrInvalidAddress) {
		t.Fatalf("expected InvalidAddress, got %v", err)
	}
	if err := fx.f.Send(tx.Tx, acct, usdc, bob, 0, ""); !errors.Is(err, protoerr.ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	if err := fx.f.Send(tx.Tx, acct, usdc, bob, 101, ""); !errors.Is(err, protoerr.ErrTransferFailed) {
		t.Fatalf("expected TransferFailed, got %v", err)
	}
	if err := fx.f.Send(tx.Tx, acct, token.DeriveAddress("DAI"), bob, 1, ""); !errors.Is(err, protoerr.ErrInvalidAddress) {
		t.Fatalf("unknown token: %v", err)
	}
	if err := fx.f.Send(tx.Tx, acct, usdc, bob, 40, "coffee"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fx.f.BalanceOf(acct, usdc) != 60 || fx.tok.BalanceOf(bob) != 40 {
		t.Fatalf("balances after send")
	}
	if err := fx.f.Send(tx.Tx, fx.f.ComputeAddress(bob), usdc, alice, 1, ""); !errors.Is(err, protoerr.ErrInvalidAddress) {
		t.Fatalf("undeployed account: %v", err)
	}
}

func TestApproveLetsSpenderPull(t *testing.T) {
	fx := newFixture(t)
	tx := chain.NewTestTx(alice, epoch)
	acct, _ := fx.f.DeployAndRegister(tx.Tx, "Alice", nil)
	_ = fx.tok.Mint(tx.As(minter), acct, 50)
	if err := fx.f.Approve(tx.Tx, acct, usdc, bob, 30); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if fx.tok.Allowance(acct, bob) != 30 {
		t.Fatalf("allowance not set")
	}
	if err := fx.tok.TransferFrom(tx.As(bob), acct, bob, 30); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}
	if err := fx.f.Approve(tx.Tx, acct, usdc, identity.Zero, 1); !errors.Is(err, protoerr.ErrInvalidAddress) {
		t.Fatalf("zero spender: %v", err)
	}
}

func TestTransferOwnership(t *testing.T) {
	fx := newFixture(t)
	tx := chain.NewTestTx(alice, epoch)
	acct, _ := fx.f.DeployAndRegister(tx.Tx, "Alice", nil)
	_ = fx.tok.Mint(tx.As(minter), acct, 10)

	if err := fx.f.TransferOwnership(tx.As(bob), acct, bob); !errors.Is(err, protoerr.ErrUnauthorized) {
		t.Fatalf("non-owner transfer: %v", err)
	}
	if err := fx.f.TransferOwnership(tx.Tx, acct, identity.Zero); !errors.Is(err, protoerr.ErrInvalidAddress) {
		t.Fatalf("zero owner: %v", err)
	}
	if err := fx.f.TransferOwnership(tx.Tx, acct, bob); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}
	got, _ := fx.f.Get(acct)
	if got.Owner != bob || got.Address != acct || got.Origin != alice {
		t.Fatalf("after transfer: %+v", got)
	}
	if fx.f.ComputeAddress(alice) != acct {
		t.Fatalf("address must not change")
	}
	if err := fx.f.Send(tx.Tx, acct, usdc, alice, 1, ""); !errors.Is(err, protoerr.ErrUnauthorized) {
		t.Fatalf("previous owner must lose control: %v", err)
	}
	if err := fx.f.Send(tx.As(bob), acct, usdc, bob, 1, ""); err != nil {
		t.Fatalf("new owner Send: %v", err)
	}
}

func TestReceivedEmittedForDeployedAccounts(t *testing.T) {
	fx := newFixture(t)
	setup := chain.NewTestTx(alice, epoch)
	acct, _ := fx.f.DeployAndRegister(setup.Tx, "Alice", nil)

	tx := chain.NewTestTx(minter, epoch)
	_ = fx.tok.Mint(tx.Tx, bob, 10)
	_ = fx.tok.Mint(tx.Tx, acct, 7)

	var received []events.Received
	for _, p := range tx.Events() {
		if r, ok := p.(events.Received); ok {
			received = append(received, r)
		}
	}
	if len(received) != 1 || received[0].Account != acct || received[0].Amount != 7 || received[0].Token != usdc {
		t.Fatalf("received: %+v", received)
	}
}

func TestRevertUndoesDeployment(t *testing.T) {
	fx := newFixture(t)
	tx := chain.NewTestTx(alice, epoch)
	_, _ = fx.f.DeployAndRegister(tx.Tx, "Alice", nil)
	tx.Revert()
	if fx.f.IsDeployed(alice) || fx.reg.IsRegistered(alice) || fx.f.Accounts() != 0 {
		t.Fatalf("revert left state behind")
	}
}

func TestParseInitCodeHash(t *testing.T) {
	p := DefaultParams()
	s := "0x" + hex.EncodeToString(p.InitCodeHash[:])
	h, err := ParseInitCodeHash(s)
	if err != nil || h != p.InitCodeHash {
		t.Fatalf("ParseInitCodeHash: %v", err)
	}
	if _, err := ParseInitCodeHash("0x1234"); err == nil {
		t.Fatalf("expected error for short hash")
	}
}
