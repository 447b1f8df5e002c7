package events

import "xdao.co/agentpay/identity"

type IdentityRegistered struct {
	Identity    identity.Address `json:"identity"`
	DisplayName string           `json:"displayName"`
	PublicKey   []byte           `json:"publicKey"`
}

func (IdentityRegistered) Kind() Kind                    { return KindIdentityRegistered }
func (p IdentityRegistered) Parties() []identity.Address { return []identity.Address{p.Identity} }

type IdentityUpdated struct {
	Identity    identity.Address `json:"identity"`
	DisplayName string           `json:"displayName"`
	PublicKey   []byte           `json:"publicKey"`
}

func (IdentityUpdated) Kind() Kind                    { return KindIdentityUpdated }
func (p IdentityUpdated) Parties() []identity.Address { return []identity.Address{p.Identity} }

type IdentityDeactivated struct {
	Identity identity.Address `json:"identity"`
}

func (IdentityDeactivated) Kind() Kind                    { return KindIdentityDeactivated }
func (p IdentityDeactivated) Parties() []identity.Address { return []identity.Address{p.Identity} }

type AccountDeployed struct {
	Account identity.Address `json:"account"`
	Owner   identity.Address `json:"owner"`
}

func (AccountDeployed) Kind() Kind { return KindAccountDeployed }
func (p AccountDeployed) Parties() []identity.Address {
	return []identity.Address{p.Account, p.Owner}
}

type OwnershipTransferred struct {
	Account       identity.Address `json:"account"`
	PreviousOwner identity.Address `json:"previousOwner"`
	NewOwner      identity.Address `json:"newOwner"`
}

func (OwnershipTransferred) Kind() Kind { return KindOwnershipTransferred }
func (p OwnershipTransferred) Parties() []identity.Address {
	return []identity.Address{p.Account, p.PreviousOwner, p.NewOwner}
}

// Sent is emitted by an account when its owner sends tokens out of it.
type Sent struct {
	Account identity.Address `json:"account"`
	Token   identity.Address `json:"token"`
	To      identity.Address `json:"to"`
	Amount  uint64           `json:"amount"`
	Memo    string           `json:"memo,omitempty"`
}

func (Sent) Kind() Kind                    { return KindSent }
func (p Sent) Parties() []identity.Address { return []identity.Address{p.Account, p.To} }

// Received is emitted for every inbound credit to a deployed account.
type Received struct {
	Account identity.Address `json:"account"`
	Token   identity.Address `json:"token"`
	From    identity.Address `json:"from"`
	Amount  uint64           `json:"amount"`
}

func (Received) Kind() Kind                    { return KindReceived }
func (p Received) Parties() []identity.Address { return []identity.Address{p.Account, p.From} }

// PaymentRequested: From is the payee, To the payer.
type PaymentRequested struct {
	ID     uint64           `json:"id"`
	From   identity.Address `json:"from"`
	To     identity.Address `json:"to"`
	Amount uint64           `json:"amount"`
	Memo   string           `json:"memo,omitempty"`
}

func (PaymentRequested) Kind() Kind                    { return KindPaymentRequested }
func (p PaymentRequested) Parties() []identity.Address { return []identity.Address{p.From, p.To} }

// PaymentCompleted covers both paid requests and direct payments (Direct=true).
type PaymentCompleted struct {
	ID     uint64           `json:"id"`
	From   identity.Address `json:"from"`
	To     identity.Address `json:"to"`
	Amount uint64           `json:"amount"`
	Memo   string           `json:"memo,omitempty"`
	Direct bool             `json:"direct,omitempty"`
}

func (PaymentCompleted) Kind() Kind                    { return KindPaymentCompleted }
func (p PaymentCompleted) Parties() []identity.Address { return []identity.Address{p.From, p.To} }

type PaymentRejected struct {
	ID   uint64           `json:"id"`
	From identity.Address `json:"from"`
	To   identity.Address `json:"to"`
}

func (PaymentRejected) Kind() Kind                    { return KindPaymentRejected }
func (p PaymentRejected) Parties() []identity.Address { return []identity.Address{p.From, p.To} }

type PaymentCancelled struct {
	ID   uint64           `json:"id"`
	From identity.Address `json:"from"`
	To   identity.Address `json:"to"`
}

func (PaymentCancelled) Kind() Kind                    { return KindPaymentCancelled }
func (p PaymentCancelled) Parties() []identity.Address { return []identity.Address{p.From, p.To} }

// Transfer is emitted by the token primitive. Mints have a zero From.
type Transfer struct {
	Token  identity.Address `json:"token"`
	From   identity.Address `json:"from"`
	To     identity.Address `json:"to"`
	Amount uint64           `json:"amount"`
}

func (Transfer) Kind() Kind                    { return KindTransfer }
func (p Transfer) Parties() []identity.Address { return []identity.Address{p.From, p.To} }

type Approval struct {
	Token   identity.Address `json:"token"`
	Owner   identity.Address `json:"owner"`
	Spender identity.Address `json:"spender"`
	Amount  uint64           `json:"amount"`
}

func (Approval) Kind() Kind                    { return KindApproval }
func (p Approval) Parties() []identity.Address { return []identity.Address{p.Owner, p.Spender} }
