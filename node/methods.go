package node

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
	"xdao.co/agentpay/token"
)

// Method names accepted by Call, Submit and the journal.
const (
	MethodRegister          = "register"
	MethodUpdate            = "update"
	MethodDeactivate        = "deactivate"
	MethodDeploy            = "deploy"
	MethodDeployAndRegister = "deployAndRegister"
	MethodSend              = "send"
	MethodAccountApprove    = "accountApprove"
	MethodTransferOwnership = "transferOwnership"
	MethodRequest           = "request"
	MethodPay               = "pay"
	MethodReject            = "reject"
	MethodCancel            = "cancel"
	MethodDirectPay         = "directPay"
	MethodApprove           = "approve"
	MethodTransfer          = "transfer"
	MethodMint              = "mint"
)

type IdentityArgs struct {
	DisplayName string `json:"displayName"`
	PublicKey   []byte `json:"publicKey,omitempty"`
}

type SendArgs struct {
	Account identity.Address `json:"account"`
	// Token defaults to the settlement token when zero.
	Token  identity.Address `json:"token,omitempty"`
	To     identity.Address `json:"to"`
	Amount token.Amount     `json:"amount"`
	Memo   string           `json:"memo,omitempty"`
}

type AccountApproveArgs struct {
	Account identity.Address `json:"account"`
	Token   identity.Address `json:"token,omitempty"`
	Spender identity.Address `json:"spender"`
	Amount  token.Amount     `json:"amount"`
}

type TransferOwnershipArgs struct {
	Account  identity.Address `json:"account"`
	NewOwner identity.Address `json:"newOwner"`
}

// RequestArgs is shared by request and directPay. Amounts here and in the
// other argument types are a JSON number of smallest units or a string of
// whole tokens ("10.5") converted with the token's decimals.
type RequestArgs struct {
	To     identity.Address `json:"to"`
	Amount token.Amount     `json:"amount"`
	Memo   string           `json:"memo,omitempty"`
}

type IDArgs struct {
	ID uint64 `json:"id"`
}

// ApproveArgs and TransferArgs act on the caller's own settlement token
// balance.
type ApproveArgs struct {
	Spender identity.Address `json:"spender"`
	Amount  token.Amount     `json:"amount"`
}

type TransferArgs struct {
	To     identity.Address `json:"to"`
	Amount token.Amount     `json:"amount"`
}

type handler func(n *Node, tx *chain.Tx, args json.RawMessage) (any, error)

func decode[T any](method string, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		if errors.Is(err, token.ErrInvalidUnits) {
			return v, protoerr.Wrap(protoerr.InvalidAmount, method, err, "malformed amount")
		}
		return v, protoerr.Wrap(protoerr.InvalidAddress, method, err, "malformed arguments")
	}
	return v, nil
}

func (n *Node) tokenOr(addr identity.Address) identity.Address {
	if addr.IsZero() {
		return n.usdc.Address()
	}
	return addr
}

// units resolves a to smallest units of the token at addr.
func (n *Node) units(op string, addr identity.Address, a token.Amount) (uint64, error) {
	decimals := n.usdc.Info().Decimals
	if t, ok := n.bank.Token(addr); ok {
		decimals = t.Info().Decimals
	}
	v, err := a.Resolve(decimals)
	if err != nil {
		return 0, protoerr.Wrap(protoerr.InvalidAmount, op, err, "malformed amount")
	}
	return v, nil
}

var handlers = map[string]handler{
	MethodRegister: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[IdentityArgs](MethodRegister, raw)
		if err != nil {
			return nil, err
		}
		return nil, n.registry.Register(tx, a.DisplayName, a.PublicKey)
	},
	MethodUpdate: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[IdentityArgs](MethodUpdate, raw)
		if err != nil {
			return nil, err
		}
		return nil, n.registry.Update(tx, a.DisplayName, a.PublicKey)
	},
	MethodDeactivate: func(n *Node, tx *chain.Tx, _ json.RawMessage) (any, error) {
		return nil, n.registry.Deactivate(tx)
	},
	MethodDeploy: func(n *Node, tx *chain.Tx, _ json.RawMessage) (any, error) {
		addr, err := n.factory.Deploy(tx)
		if err != nil {
			return nil, err
		}
		return addr, nil
	},
	MethodDeployAndRegister: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[IdentityArgs](MethodDeployAndRegister, raw)
		if err != nil {
			return nil, err
		}
		addr, err := n.factory.DeployAndRegister(tx, a.DisplayName, a.PublicKey)
		if err != nil {
			return nil, err
		}
		return addr, nil
	},
	MethodSend: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[SendArgs](MethodSend, raw)
		if err != nil {
			return nil, err
		}
		tok := n.tokenOr(a.Token)
		amount, err := n.units(MethodSend, tok, a.Amount)
		if err != nil {
			return nil, err
		}
		return nil, n.factory.Send(tx, a.Account, tok, a.To, amount, a.Memo)
	},
	MethodAccountApprove: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[AccountApproveArgs](MethodAccountApprove, raw)
		if err != nil {
			return nil, err
		}
		tok := n.tokenOr(a.Token)
		amount, err := n.units(MethodAccountApprove, tok, a.Amount)
		if err != nil {
			return nil, err
		}
		return nil, n.factory.Approve(tx, a.Account, tok, a.Spender, amount)
	},
	MethodTransferOwnership: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[TransferOwnershipArgs](MethodTransferOwnership, raw)
		if err != nil {
			return nil, err
		}
		return nil, n.factory.TransferOwnership(tx, a.Account, a.NewOwner)
	},
	MethodRequest: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[RequestArgs](MethodRequest, raw)
		if err != nil {
			return nil, err
		}
		amount, err := n.units(MethodRequest, n.usdc.Address(), a.Amount)
		if err != nil {
			return nil, err
		}
		id, err := n.ledger.Request(tx, a.To, amount, a.Memo)
		if err != nil {
			return nil, err
		}
		return id, nil
	},
	MethodPay: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[IDArgs](MethodPay, raw)
		if err != nil {
			return nil, err
		}
		return nil, n.ledger.Pay(tx, a.ID)
	},
	MethodReject: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[IDArgs](MethodReject, raw)
		if err != nil {
			return nil, err
		}
		return nil, n.ledger.Reject(tx, a.ID)
	},
	MethodCancel: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[IDArgs](MethodCancel, raw)
		if err != nil {
			return nil, err
		}
		return nil, n.ledger.Cancel(tx, a.ID)
	},
	MethodDirectPay: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[RequestArgs](MethodDirectPay, raw)
		if err != nil {
			return nil, err
		}
		amount, err := n.units(MethodDirectPay, n.usdc.Address(), a.Amount)
		if err != nil {
			return nil, err
		}
		id, err := n.ledger.DirectPay(tx, a.To, amount, a.Memo)
		if err != nil {
			return nil, err
		}
		return id, nil
	},
	MethodApprove: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[ApproveArgs](MethodApprove, raw)
		if err != nil {
			return nil, err
		}
		if a.Spender.IsZero() {
			return nil, protoerr.New(protoerr.InvalidAddress, "token.approve", "zero spender")
		}
		amount, err := n.units(MethodApprove, n.usdc.Address(), a.Amount)
		if err != nil {
			return nil, err
		}
		if err := n.usdc.Approve(tx, a.Spender, amount); err != nil {
			return nil, protoerr.Wrap(protoerr.TransferFailed, "token.approve", err, "approve rejected")
		}
		return nil, nil
	},
	MethodTransfer: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		a, err := decode[TransferArgs](MethodTransfer, raw)
		if err != nil {
			return nil, err
		}
		if a.To.IsZero() {
			return nil, protoerr.New(protoerr.InvalidAddress, "token.transfer", "zero recipient")
		}
		amount, err := n.units(MethodTransfer, n.usdc.Address(), a.Amount)
		if err != nil {
			return nil, err
		}
		if amount == 0 {
			return nil, protoerr.New(protoerr.InvalidAmount, "token.transfer", "amount must be positive")
		}
		if err := n.usdc.Transfer(tx, a.To, amount); err != nil {
			return nil, protoerr.Wrap(protoerr.TransferFailed, "token.transfer", err, "transfer rejected")
		}
		return nil, nil
	},
	MethodMint: func(n *Node, tx *chain.Tx, raw json.RawMessage) (any, error) {
		const op = "token.mint"
		a, err := decode[TransferArgs](MethodMint, raw)
		if err != nil {
			return nil, err
		}
		if n.cfg.Minter.IsZero() || tx.Caller() != n.cfg.Minter {
			return nil, protoerr.New(protoerr.Unauthorized, op, "%s may not mint", tx.Caller())
		}
		if a.To.IsZero() {
			return nil, protoerr.New(protoerr.InvalidAddress, op, "zero recipient")
		}
		amount, err := n.units(op, n.usdc.Address(), a.Amount)
		if err != nil {
			return nil, err
		}
		if amount == 0 {
			return nil, protoerr.New(protoerr.InvalidAmount, op, "amount must be positive")
		}
		if err := n.usdc.Mint(tx, a.To, amount); err != nil {
			return nil, protoerr.Wrap(protoerr.TransferFailed, op, err, "mint rejected")
		}
		return nil, nil
	},
}

// Methods lists the method names a node executes, sorted.
func Methods() []string {
	out := make([]string, 0, len(handlers))
	for m := range handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (n *Node) Register(ctx context.Context, caller identity.Address, displayName string, publicKey []byte) error {
	_, err := n.invoke(ctx, caller, MethodRegister, IdentityArgs{DisplayName: displayName, PublicKey: publicKey})
	return err
}

func (n *Node) Update(ctx context.Context, caller identity.Address, displayName string, publicKey []byte) error {
	_, err := n.invoke(ctx, caller, MethodUpdate, IdentityArgs{DisplayName: displayName, PublicKey: publicKey})
	return err
}

func (n *Node) Deactivate(ctx context.Context, caller identity.Address) error {
	_, err := n.invoke(ctx, caller, MethodDeactivate, struct{}{})
	return err
}

// Deploy materializes the caller's account and returns its address.
func (n *Node) Deploy(ctx context.Context, caller identity.Address) (identity.Address, error) {
	res, err := n.invoke(ctx, caller, MethodDeploy, struct{}{})
	if err != nil {
		return identity.Zero, err
	}
	return res.Value.(identity.Address), nil
}

func (n *Node) DeployAndRegister(ctx context.Context, caller identity.Address, displayName string, publicKey []byte) (identity.Address, error) {
	res, err := n.invoke(ctx, caller, MethodDeployAndRegister, IdentityArgs{DisplayName: displayName, PublicKey: publicKey})
	if err != nil {
		return identity.Zero, err
	}
	return res.Value.(identity.Address), nil
}

func (n *Node) Send(ctx context.Context, caller identity.Address, args SendArgs) error {
	_, err := n.invoke(ctx, caller, MethodSend, args)
	return err
}

func (n *Node) AccountApprove(ctx context.Context, caller identity.Address, args AccountApproveArgs) error {
	_, err := n.invoke(ctx, caller, MethodAccountApprove, args)
	return err
}

func (n *Node) TransferOwnership(ctx context.Context, caller, acct, newOwner identity.Address) error {
	_, err := n.invoke(ctx, caller, MethodTransferOwnership, TransferOwnershipArgs{Account: acct, NewOwner: newOwner})
	return err
}

// Request records that caller is owed amount by to and returns the request
// id.
func (n *Node) Request(ctx context.Context, caller, to identity.Address, amount uint64, memo string) (uint64, error) {
	res, err := n.invoke(ctx, caller, MethodRequest, RequestArgs{To: to, Amount: token.RawAmount(amount), Memo: memo})
	if err != nil {
		return 0, err
	}
	return res.Value.(uint64), nil
}

func (n *Node) Pay(ctx context.Context, caller identity.Address, id uint64) error {
	_, err := n.invoke(ctx, caller, MethodPay, IDArgs{ID: id})
	return err
}

func (n *Node) Reject(ctx context.Context, caller identity.Address, id uint64) error {
	_, err := n.invoke(ctx, caller, MethodReject, IDArgs{ID: id})
	return err
}

func (n *Node) Cancel(ctx context.Context, caller identity.Address, id uint64) error {
	_, err := n.invoke(ctx, caller, MethodCancel, IDArgs{ID: id})
	return err
}

func (n *Node) DirectPay(ctx context.Context, caller, to identity.Address, amount uint64, memo string) (uint64, error) {
	res, err := n.invoke(ctx, caller, MethodDirectPay, RequestArgs{To: to, Amount: token.RawAmount(amount), Memo: memo})
	if err != nil {
		return 0, err
	}
	return res.Value.(uint64), nil
}

// Approve sets spender's allowance over the caller's settlement token
// balance. Payers approve LedgerAddress before paying requests.
func (n *Node) Approve(ctx context.Context, caller, spender identity.Address, amount uint64) error {
	_, err := n.invoke(ctx, caller, MethodApprove, ApproveArgs{Spender: spender, Amount: token.RawAmount(amount)})
	return err
}

func (n *Node) Transfer(ctx context.Context, caller, to identity.Address, amount uint64) error {
	_, err := n.invoke(ctx, caller, MethodTransfer, TransferArgs{To: to, Amount: token.RawAmount(amount)})
	return err
}

// Mint credits amount of the settlement token to to. Only the configured
// minter may mint.
func (n *Node) Mint(ctx context.Context, caller, to identity.Address, amount uint64) error {
	_, err := n.invoke(ctx, caller, MethodMint, TransferArgs{To: to, Amount: token.RawAmount(amount)})
	return err
}
