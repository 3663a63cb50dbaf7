package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// weiPerETH is 10^18.
var weiPerETH = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ParseETH converts a decimal ETH string to integer wei. It rejects anything
// that would lose precision: more than 18 fractional digits, negative values,
// and non-numeric input. All internal arithmetic is on wei; decimals exist
// only at this boundary.
func ParseETH(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, ErrInvalidInput("amount", "not a decimal number")
	}
	if d.Sign() < 0 {
		return nil, ErrInvalidInput("amount", "must not be negative")
	}
	if d.Exponent() < -18 {
		return nil, ErrInvalidInput("amount", "more than 18 decimal places")
	}
	wei := d.Shift(18)
	if !wei.IsInteger() {
		return nil, ErrInvalidInput("amount", "sub-wei precision")
	}
	return wei.BigInt(), nil
}

// FormatWei renders wei as a decimal ETH string without precision loss.
func FormatWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// ParseWei parses a base-10 wei string into a non-negative big.Int.
func ParseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ErrInvalidInput("amount_wei", "not a base-10 integer")
	}
	if v.Sign() < 0 {
		return nil, ErrInvalidInput("amount_wei", "must not be negative")
	}
	return v, nil
}

// WeiString renders a wei amount for wire payloads. Nil renders as "0".
func WeiString(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return wei.String()
}

// CmpWei compares two wei amounts, treating nil as zero.
func CmpWei(a, b *big.Int) int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b)
}

// WeiPerETH returns a copy of 10^18.
func WeiPerETH() *big.Int { return new(big.Int).Set(weiPerETH) }
