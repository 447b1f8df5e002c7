// Package auth authenticates submissions. A submission travels as an
// Envelope signed by the caller's key; the caller identity must be the
// address derived from that key, and each envelope carries a per-caller
// nonce so it executes at most once.
//
// Supported signature schemes are ed25519 and dilithium3 (post-quantum),
// signing a digest of the envelope's signing bytes under sha256, sha512 or
// sha3-256.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"strconv"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"

	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
)

const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"

	HashSHA256  = "sha256"
	HashSHA512  = "sha512"
	HashSHA3256 = "sha3-256"
)

const signingDomain = "xdao-agentpay/envelope/v1"

// Envelope is a signed request to run Method with Args as Caller.
type Envelope struct {
	Network   string           `json:"network"`
	Caller    identity.Address `json:"caller"`
	Method    string           `json:"method"`
	Args      json.RawMessage  `json:"args,omitempty"`
	Nonce     uint64           `json:"nonce"`
	Alg       string           `json:"alg"`
	HashAlg   string           `json:"hashAlg"`
	PublicKey []byte           `json:"publicKey"`
	Signature []byte           `json:"signature"`
}

// SigningBytes is the byte string the signature covers. Args are compacted
// so insignificant JSON whitespace does not change it.
func (e *Envelope) SigningBytes() ([]byte, error) {
	var args bytes.Buffer
	if len(e.Args) > 0 {
		if err := json.Compact(&args, e.Args); err != nil {
			return nil, protoerr.Wrap(protoerr.InvalidSignature, "auth.signingBytes", err, "args are not valid JSON")
		}
	}
	var b bytes.Buffer
	for _, part := range [][]byte{
		[]byte(signingDomain),
		[]byte(e.Network),
		[]byte(e.Caller.Hex()),
		[]byte(e.Method),
		[]byte(strconv.FormatUint(e.Nonce, 10)),
		[]byte(e.Alg),
		[]byte(e.HashAlg),
		args.Bytes(),
	} {
		b.Write(part)
		b.WriteByte(0)
	}
	return b.Bytes(), nil
}

func digestFor(hashAlg string, message []byte) ([]byte, error) {
	switch hashAlg {
	case HashSHA256:
		s := sha256.Sum256(message)
		return s[:], nil
	case HashSHA512:
		s := sha512.Sum512(message)
		return s[:], nil
	case HashSHA3256:
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, protoerr.New(protoerr.InvalidSignature, "auth.digest", "unsupported hash algorithm %q", hashAlg)
	}
}

// Verify checks that the envelope is signed by the key it carries and that
// the key controls Caller. It does not check the nonce.
func Verify(e *Envelope) error {
	const op = "auth.verify"
	if e == nil {
		return protoerr.New(protoerr.InvalidSignature, op, "nil envelope")
	}
	if e.Method == "" {
		return protoerr.New(protoerr.UnknownMethod, op, "missing method")
	}
	if len(e.PublicKey) == 0 || len(e.Signature) == 0 {
		return protoerr.New(protoerr.InvalidSignature, op, "missing public key or signature")
	}
	if identity.FromPublicKey(e.PublicKey) != e.Caller {
		return protoerr.New(protoerr.Unauthorized, op, "public key does not control %s", e.Caller)
	}
	msg, err := e.SigningBytes()
	if err != nil {
		return err
	}
	digest, err := digestFor(e.HashAlg, msg)
	if err != nil {
		return err
	}

	switch e.Alg {
	case AlgEd25519:
		if len(e.PublicKey) != ed25519.PublicKeySize {
			return protoerr.New(protoerr.InvalidSignature, op, "invalid ed25519 public key length")
		}
		if len(e.Signature) != ed25519.SignatureSize {
			return protoerr.New(protoerr.InvalidSignature, op, "invalid ed25519 signature length")
		}
		if !ed25519.Verify(ed25519.PublicKey(e.PublicKey), digest, e.Signature) {
			return protoerr.New(protoerr.InvalidSignature, op, "signature invalid")
		}
		return nil
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(e.PublicKey); err != nil {
			return protoerr.Wrap(protoerr.InvalidSignature, op, err, "invalid dilithium3 public key")
		}
		if len(e.Signature) != mode3.SignatureSize {
			return protoerr.New(protoerr.InvalidSignature, op, "invalid dilithium3 signature length")
		}
		if !mode3.Verify(&pk, digest, e.Signature) {
			return protoerr.New(protoerr.InvalidSignature, op, "signature invalid")
		}
		return nil
	default:
		return protoerr.New(protoerr.InvalidSignature, op, "unsupported signature algorithm %q", e.Alg)
	}
}
