package auth

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"xdao.co/agentpay/chain"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/protoerr"
)

type requestArgs struct {
	To     identity.Address `json:"to"`
	Amount uint64           `json:"amount"`
}

func testSigner(t *testing.T) Ed25519Signer {
	t.Helper()
	s, err := NewEd25519Signer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	return s
}

func TestSealVerifyEd25519(t *testing.T) {
	s := testSigner(t)
	for _, h := range []string{HashSHA256, HashSHA512, HashSHA3256} {
		env, err := Seal(s, "base-sepolia", "request", requestArgs{Amount: 5}, 1, h)
		if err != nil {
			t.Fatalf("Seal(%s): %v", h, err)
		}
		if env.Caller != Address(s) {
			t.Fatalf("caller must be derived from the key")
		}
		if err := Verify(env); err != nil {
			t.Fatalf("Verify(%s): %v", h, err)
		}
	}
}

func TestSealVerifyDilithium3(t *testing.T) {
	s, err := GenerateDilithium3Signer(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateDilithium3Signer: %v", err)
	}
	env, err := Seal(s, "base", "pay", map[string]uint64{"id": 3}, 1, HashSHA3256)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := Verify(env); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	env.Args = json.RawMessage(`{"id":4}`)
	if err := Verify(env); !errors.Is(err, protoerr.ErrInvalidSignature) {
		t.Fatalf("tampered args: %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := testSigner(t)
	base, err := Seal(s, "base", "request", requestArgs{Amount: 5}, 1, "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	cases := map[string]func(e *Envelope){
		"method":  func(e *Envelope) { e.Method = "directPay" },
		"nonce":   func(e *Envelope) { e.Nonce = 2 },
		"network": func(e *Envelope) { e.Network = "mainnet" },
		"args":    func(e *Envelope) { e.Args = json.RawMessage(`{"amount":6}`) },
		"hash":    func(e *Envelope) { e.HashAlg = HashSHA512 },
	}
	for name, mutate := range cases {
		env := *base
		mutate(&env)
		if err := Verify(&env); !errors.Is(err, protoerr.ErrInvalidSignature) {
			t.Fatalf("%s: expected InvalidSignature, got %v", name, err)
		}
	}

	env := *base
	env.Caller = identity.FromPublicKey([]byte("someone else"))
	if err := Verify(&env); !errors.Is(err, protoerr.ErrUnauthorized) {
		t.Fatalf("foreign caller: %v", err)
	}
	env = *base
	env.Alg = "rsa"
	if err := Verify(&env); !errors.Is(err, protoerr.ErrInvalidSignature) {
		t.Fatalf("unknown alg: %v", err)
	}
}

func TestArgsWhitespaceIsNotSigned(t *testing.T) {
	s := testSigner(t)
	env, _ := Seal(s, "base", "request", requestArgs{Amount: 5}, 1, "")
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, env.Args, "", "  "); err != nil {
		t.Fatalf("Indent: %v", err)
	}
	env.Args = pretty.Bytes()
	if err := Verify(env); err != nil {
		t.Fatalf("reformatted args should verify: %v", err)
	}
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	s := testSigner(t)
	env, _ := Seal(s, "base", "request", requestArgs{Amount: 5}, 9, "")
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := Verify(&back); err != nil {
		t.Fatalf("Verify after round trip: %v", err)
	}
}

func TestNoncesSequentialAndReverted(t *testing.T) {
	n := NewNonces()
	who := identity.FromPublicKey([]byte("agent"))
	tx := chain.NewTestTx(who, time.Unix(0, 0))

	if n.Next(who) != 1 {
		t.Fatalf("first nonce should be 1")
	}
	if err := n.Consume(tx.Tx, who, 2); !errors.Is(err, protoerr.ErrReplayedNonce) {
		t.Fatalf("skipping ahead: %v", err)
	}
	if err := n.Consume(tx.Tx, who, 1); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := n.Consume(tx.Tx, who, 1); !errors.Is(err, protoerr.ErrReplayedNonce) {
		t.Fatalf("replay: %v", err)
	}
	tx.Revert()
	if n.Next(who) != 1 {
		t.Fatalf("revert must restore the nonce, next=%d", n.Next(who))
	}
}
