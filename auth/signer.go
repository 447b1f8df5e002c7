package auth

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"xdao.co/agentpay/identity"
)

// Signer produces envelope signatures. Key custody belongs to the agent; the
// implementations here wrap keys the caller already holds.
type Signer interface {
	Alg() string
	PublicKey() []byte
	SignDigest(digest []byte) ([]byte, error)
}

// Address returns the identity controlled by s.
func Address(s Signer) identity.Address {
	return identity.FromPublicKey(s.PublicKey())
}

type Ed25519Signer struct {
	Key ed25519.PrivateKey
}

func (s Ed25519Signer) Alg() string { return AlgEd25519 }

func (s Ed25519Signer) PublicKey() []byte {
	return []byte(s.Key.Public().(ed25519.PublicKey))
}

func (s Ed25519Signer) SignDigest(digest []byte) ([]byte, error) {
	if len(s.Key) != ed25519.PrivateKeySize {
		return nil, errors.New("auth: invalid ed25519 private key")
	}
	return ed25519.Sign(s.Key, digest), nil
}

// NewEd25519Signer derives a signer from a 32-byte seed.
func NewEd25519Signer(seed []byte) (Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return Ed25519Signer{}, fmt.Errorf("auth: seed must be %d bytes", ed25519.SeedSize)
	}
	return Ed25519Signer{Key: ed25519.NewKeyFromSeed(seed)}, nil
}

type Dilithium3Signer struct {
	Key *mode3.PrivateKey
	Pub *mode3.PublicKey
}

func (s Dilithium3Signer) Alg() string { return AlgDilithium3 }

func (s Dilithium3Signer) PublicKey() []byte {
	if s.Pub == nil {
		return nil
	}
	b, _ := s.Pub.MarshalBinary()
	return b
}

func (s Dilithium3Signer) SignDigest(digest []byte) ([]byte, error) {
	if s.Key == nil {
		return nil, errors.New("auth: missing dilithium3 private key")
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.Key, digest, sig)
	return sig, nil
}

// GenerateDilithium3Signer returns a signer over a fresh keypair.
func GenerateDilithium3Signer(rand io.Reader) (Dilithium3Signer, error) {
	pub, priv, err := mode3.GenerateKey(rand)
	if err != nil {
		return Dilithium3Signer{}, err
	}
	return Dilithium3Signer{Key: priv, Pub: pub}, nil
}

// Seal builds and signs an envelope for method with args as the identity
// controlled by s. hashAlg defaults to sha256.
func Seal(s Signer, network, method string, args any, nonce uint64, hashAlg string) (*Envelope, error) {
	if hashAlg == "" {
		hashAlg = HashSHA256
	}
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("auth: encode args: %w", err)
		}
		raw = b
	}
	e := &Envelope{
		Network:   network,
		Caller:    Address(s),
		Method:    method,
		Args:      raw,
		Nonce:     nonce,
		Alg:       s.Alg(),
		HashAlg:   hashAlg,
		PublicKey: s.PublicKey(),
	}
	msg, err := e.SigningBytes()
	if err != nil {
		return nil, err
	}
	digest, err := digestFor(hashAlg, msg)
	if err != nil {
		return nil, err
	}
	sig, err := s.SignDigest(digest)
	if err != nil {
		return nil, err
	}
	e.Signature = sig
	return e, nil
}
