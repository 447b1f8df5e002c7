package account

import (
	"encoding/hex"
	"fmt"

	"xdao.co/agentpay/identity"
)

// DefaultInitCodeLabel is hashed into the default init code hash. Changing it
// changes every derived address.
const DefaultInitCodeLabel = "xdao-agentpay/account/v1"

// DefaultFactoryLabel is hashed into the default factory address.
const DefaultFactoryLabel = "xdao-agentpay/factory/v1"

// Params pins every input of address derivation. Two factories with equal
// Params derive identical addresses.
type Params struct {
	Factory      identity.Address
	InitCodeHash [32]byte
}

// DefaultParams returns the derivation inputs used when none are configured.
func DefaultParams() Params {
	var p Params
	p.Factory = identity.FromPublicKey([]byte(DefaultFactoryLabel))
	copy(p.InitCodeHash[:], identity.Keccak256([]byte(DefaultInitCodeLabel)))
	return p
}

// ComputeAddress derives the account address of id the way CREATE2 does:
//
//	keccak256(0xff ‖ factory ‖ leftpad32(id) ‖ initCodeHash)[12:]
//
// It is pure and does not depend on whether the account exists.
func (p Params) ComputeAddress(id identity.Address) identity.Address {
	salt := id.Word()
	var a identity.Address
	copy(a[:], identity.Keccak256([]byte{0xff}, p.Factory[:], salt[:], p.InitCodeHash[:])[12:])
	return a
}

// ParseInitCodeHash decodes a 0x-prefixed 32-byte hex string.
func ParseInitCodeHash(s string) ([32]byte, error) {
	var h [32]byte
	if len(s) == 66 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return h, fmt.Errorf("account: init code hash must be 32 bytes of hex")
	}
	copy(h[:], b)
	return h, nil
}
