package identity

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
)

// Vectors from EIP-55.
var checksumVectors = []string{
	"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
	"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
	"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
}

func TestKeccak256EmptyInput(t *testing.T) {
	got := hex.EncodeToString(Keccak256())
	const want = "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got != want {
		t.Fatalf("keccak256(\"\"): got %s want %s", got, want)
	}
}

func TestHexMatchesEIP55Vectors(t *testing.T) {
	for _, v := range checksumVectors {
		a, err := Parse(strings.ToLower(v))
		if err != nil {
			t.Fatalf("Parse(%s): %v", v, err)
		}
		if a.Hex() != v {
			t.Fatalf("Hex: got %s want %s", a.Hex(), v)
		}
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	v := checksumVectors[0]
	// Flip the case of one letter to break the checksum while keeping mixed case.
	bad := []byte(v)
	for i := 2; i < len(bad); i++ {
		if bad[i] >= 'a' && bad[i] <= 'f' {
			bad[i] -= 'a' - 'A'
			break
		}
	}
	if _, err := Parse(string(bad)); err != ErrBadChecksum {
		t.Fatalf("expected ErrBadChecksum, got %v", err)
	}
	if _, err := Parse(strings.ToUpper("0x" + v[2:])); err != nil {
		t.Fatalf("all-upper form should parse: %v", err)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"agentpay",
		"5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAe",
		"0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

func TestFromPublicKeyDeterministic(t *testing.T) {
	pub := []byte("agent public key bytes")
	a := FromPublicKey(pub)
	b := FromPublicKey(pub)
	if a != b {
		t.Fatalf("expected deterministic derivation")
	}
	if a == FromPublicKey([]byte("another key")) {
		t.Fatalf("expected different keys to derive different addresses")
	}
	if a.IsZero() {
		t.Fatalf("derived address should not be zero")
	}
}

func TestWordLeftPads(t *testing.T) {
	a := MustParse(checksumVectors[1])
	w := a.Word()
	for i := 0; i < 12; i++ {
		if w[i] != 0 {
			t.Fatalf("expected zero padding at %d", i)
		}
	}
	if string(w[12:]) != string(a[:]) {
		t.Fatalf("address bytes not in low-order position")
	}
}

func TestJSONRoundTripUsesChecksumText(t *testing.T) {
	a := MustParse(checksumVectors[2])
	b, err := json.Marshal(map[string]Address{"who": a})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"who":"`+checksumVectors[2]+`"}` {
		t.Fatalf("unexpected JSON: %s", b)
	}
	var back map[string]Address
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back["who"] != a {
		t.Fatalf("round trip mismatch")
	}
}
