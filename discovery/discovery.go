// Package discovery encodes and decodes the agentpay: URI agents share to be
// paid, e.g.
//
//	agentpay:0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed?name=Alice&chain=base
//
// Rendering the URI as a QR code is left to the caller.
package discovery

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"xdao.co/agentpay/identity"
)

const Scheme = "agentpay"

// Defaults applied by Parse when a parameter is missing.
const (
	DefaultName    = "Unknown"
	DefaultNetwork = "base"
)

var ErrInvalidURI = errors.New("discovery: invalid agentpay uri")

var uriPattern = regexp.MustCompile(`^agentpay:(0x[a-fA-F0-9]{40})\??(.*)$`)

// Payload is what an agent publishes about itself.
// Its text and JSON form is the URI.
type Payload struct {
	Identity    identity.Address
	DisplayName string
	Network     string
}

// String renders the URI with the identity in checksum form.
func (p Payload) String() string {
	q := url.Values{}
	if p.DisplayName != "" {
		q.Set("name", p.DisplayName)
	}
	if p.Network != "" {
		q.Set("chain", p.Network)
	}
	s := Scheme + ":" + p.Identity.Hex()
	if enc := q.Encode(); enc != "" {
		s += "?" + enc
	}
	return s
}

func (p Payload) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Payload) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Parse decodes an agentpay URI. Unknown parameters are ignored; missing
// name and chain take DefaultName and DefaultNetwork.
func Parse(uri string) (Payload, error) {
	m := uriPattern.FindStringSubmatch(strings.TrimSpace(uri))
	if m == nil {
		return Payload{}, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	id, err := identity.Parse(m[1])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	q, err := url.ParseQuery(m[2])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	p := Payload{Identity: id, DisplayName: q.Get("name"), Network: q.Get("chain")}
	if p.DisplayName == "" {
		p.DisplayName = DefaultName
	}
	if p.Network == "" {
		p.Network = DefaultNetwork
	}
	return p, nil
}
