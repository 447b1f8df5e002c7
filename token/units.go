package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// USDCDecimals is the precision of the settlement token.
const USDCDecimals int32 = 6

var ErrInvalidUnits = errors.New("token: invalid amount")

var maxUint64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ParseUnits converts a human amount such as "10.5" into smallest units for a
// token with the given decimals. More fractional digits than decimals, negative
// values and values beyond uint64 are rejected.
func ParseUnits(s string, decimals int32) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidUnits
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUnits, s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %q", ErrInvalidUnits, s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidUnits, s, decimals)
	}
	if scaled.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidUnits, s)
	}
	return scaled.BigInt().Uint64(), nil
}

// FormatUnits renders smallest units as a human amount with exactly decimals
// fractional digits, e.g. FormatUnits(10500000, 6) == "10.500000".
func FormatUnits(amount uint64, decimals int32) string {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals)
	return d.StringFixed(decimals)
}

// Amount is a quantity as it appears in call arguments: a JSON number of
// smallest units, or a JSON string holding whole tokens such as "10.5" that
// Resolve converts with the token's decimals.
type Amount struct {
	units uint64
	text  string
}

// RawAmount is an amount already in smallest units.
func RawAmount(units uint64) Amount { return Amount{units: units} }

// DecimalAmount is an amount in whole tokens, e.g. "2.5".
func DecimalAmount(s string) Amount { return Amount{text: s} }

func (a Amount) Resolve(decimals int32) (uint64, error) {
	if a.text == "" {
		return a.units, nil
	}
	return ParseUnits(a.text, decimals)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.text != "" {
		return json.Marshal(a.text)
	}
	return []byte(strconv.FormatUint(a.units, 10)), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*a = Amount{}
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty amount", ErrInvalidUnits)
		}
		*a = Amount{text: s}
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidUnits, b)
	}
	*a = Amount{units: v}
	return nil
}
