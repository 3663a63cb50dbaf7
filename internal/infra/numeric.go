package infra

import (
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

// NumericToBigInt converts a pgtype.Numeric (from a numeric(78,0) column) to a
// non-negative big.Int. Returns an error if the value is NULL, negative, or
// carries fractional digits. Balances and wei amounts are whole integers by
// schema, so any of those means a corrupted row.
func NumericToBigInt(n pgtype.Numeric) (*big.Int, error) {
	if !n.Valid {
		return nil, fmt.Errorf("numeric value is NULL")
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil, fmt.Errorf("numeric value is not finite")
	}

	// pgtype.Numeric stores value as Int * 10^Exp.
	bi := new(big.Int).Set(n.Int)
	if n.Exp > 0 {
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil)
		bi.Mul(bi, mul)
	} else if n.Exp < 0 {
		return nil, fmt.Errorf("numeric value %se%d has fractional digits", n.Int, n.Exp)
	}

	if bi.Sign() < 0 {
		return nil, fmt.Errorf("numeric value %s is negative", bi)
	}
	return bi, nil
}

// BigIntToNumeric converts a big.Int to pgtype.Numeric for a numeric(78,0)
// column. Nil is stored as zero.
func BigIntToNumeric(v *big.Int) pgtype.Numeric {
	if v == nil {
		v = new(big.Int)
	}
	return pgtype.Numeric{
		Int:              new(big.Int).Set(v),
		Exp:              0,
		NaN:              false,
		InfinityModifier: pgtype.Finite,
		Valid:            true,
	}
}
