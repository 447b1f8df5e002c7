// Package identity defines the fixed-width address agents are known by.
//
// An address is simultaneously the agent's identifier, the registry lookup key
// and the credential operations are authorized against. Text encoding follows
// EIP-55: "0x" followed by 40 hex digits whose letter casing carries a
// Keccak-256 checksum.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Length is the number of bytes in an Address.
const Length = 20

// Address identifies an agent. It is comparable and usable as a map key.
type Address [Length]byte

// Zero is the all-zero address. It never identifies an agent.
var Zero Address

var (
	ErrInvalidLength   = errors.New("identity: address must be 20 bytes")
	ErrInvalidEncoding = errors.New("identity: address must be 0x followed by 40 hex digits")
	ErrBadChecksum     = errors.New("identity: mixed-case address fails EIP-55 checksum")
)

// Keccak256 returns the legacy (pre-NIST) Keccak-256 digest of the concatenated inputs.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		_, _ = h.Write(d)
	}
	return h.Sum(nil)
}

// FromPublicKey derives the address controlled by a public key: the last 20
// bytes of keccak256(publicKey). The key encoding is opaque to this function.
func FromPublicKey(pub []byte) Address {
	var a Address
	copy(a[:], Keccak256(pub)[12:])
	return a
}

// FromBytes converts a 20-byte slice into an Address.
func FromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != Length {
		return a, ErrInvalidLength
	}
	copy(a[:], b)
	return a, nil
}

// Parse decodes the text form of an address. All-lower and all-upper hex are
// accepted as-is; mixed case must carry a valid EIP-55 checksum.
func Parse(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if len(s) != 2+2*Length || (s[:2] != "0x" && s[:2] != "0X") {
		return a, ErrInvalidEncoding
	}
	body := s[2:]
	raw, err := hex.DecodeString(body)
	if err != nil {
		return a, ErrInvalidEncoding
	}
	copy(a[:], raw)
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if a.Hex() != "0x"+body {
			return Address{}, ErrBadChecksum
		}
	}
	return a, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("identity: MustParse(%q): %v", s, err))
	}
	return a
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a == Zero }

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, Length)
	copy(out, a[:])
	return out
}

// Word returns the address left-padded to a 32-byte word.
func (a Address) Word() [32]byte {
	var w [32]byte
	copy(w[32-Length:], a[:])
	return w
}

// Hex returns the EIP-55 checksummed text form.
func (a Address) Hex() string {
	lower := hex.EncodeToString(a[:])
	sum := Keccak256([]byte(lower))
	out := make([]byte, 0, 2+len(lower))
	out = append(out, '0', 'x')
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' {
			nibble := sum[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c -= 'a' - 'A'
			}
		}
		out = append(out, c)
	}
	return string(out)
}

func (a Address) String() string { return a.Hex() }

// Short returns an abbreviated form for log lines, e.g. "0xAbCd…1234".
func (a Address) Short() string {
	h := a.Hex()
	return h[:6] + "…" + h[len(h)-4:]
}

func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
