// Package cidutil derives the content identifiers used for stored blocks:
// CIDv1 with the raw codec over a sha2-256 multihash.
package cidutil

import (
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrMismatch reports bytes that do not hash to the expected CID.
var ErrMismatch = errors.New("cidutil: bytes do not match cid")

// Sum returns the CIDv1 (raw, sha2-256) of data.
func Sum(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// String is Sum in text form, "" on failure. With SHA2_256 and default
// length Sum cannot fail for any input.
func String(data []byte) string {
	id, err := Sum(data)
	if err != nil {
		return ""
	}
	return id.String()
}

// Check returns ErrMismatch unless data hashes to id.
func Check(id cid.Cid, data []byte) error {
	got, err := Sum(data)
	if err != nil {
		return err
	}
	if !got.Equals(id) {
		return ErrMismatch
	}
	return nil
}

// Parse decodes a CID string and rejects undefined CIDs.
func Parse(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, err
	}
	if !id.Defined() {
		return cid.Undef, errors.New("cidutil: undefined cid")
	}
	return id, nil
}
