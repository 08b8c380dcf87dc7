package settle

import (
	"math/big"
	"sync"
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Truncate toward zero
	RoundHalfUp                   // Ties round away from zero
)

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// Operands are non-negative in this ledger (amounts and totals).
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	if roundingMode == RoundHalfUp {
		// 2*remainder >= denominator: round up
		doubled := getInt128()
		doubled.Lsh(remainder, 1)
		if doubled.Cmp(denom) >= 0 {
			result++
		}
		putInt128(doubled)
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / c without intermediate overflow.
func MulDiv(a, b, c int64, roundingMode RoundingMode) int64 {
	numerator := MultiplyInt128(a, b)
	result := DivideInt128(numerator, c, roundingMode)
	putInt128(numerator)
	return result
}
