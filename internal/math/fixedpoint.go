package math

import "math/big"

// Numeric conventions: ratios and NAV values are fixed-point scaled by 1e18;
// stable-reserve fields use the collateral's native decimals and are bounded
// to 96 bits. Intermediate products use math/big so a*b never overflows.

var (
	// One is 1.0 in 1e18 fixed point.
	One = big.NewInt(1_000_000_000_000_000_000)

	// MaxUint96 is the upper bound for reserve fields (2^96 - 1).
	MaxUint96 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))

	oneInt = big.NewInt(1)
)

// Parity returns a fresh copy of the 1e18 representation of 1.0.
func Parity() *big.Int {
	return new(big.Int).Set(One)
}

// FitsUint96 reports whether v lies in [0, 2^96-1].
func FitsUint96(v *big.Int) bool {
	return v.Sign() >= 0 && v.Cmp(MaxUint96) <= 0
}

// MulDivFloor computes a*b/d with floor rounding. d must be non-zero.
func MulDivFloor(a, b, d *big.Int) *big.Int {
	num := new(big.Int).Mul(a, b)
	return num.Quo(num, d)
}

// MulDivCeil computes a*b/d rounded up. d must be non-zero.
// Used where the engine must never under-count a liability.
func MulDivCeil(a, b, d *big.Int) *big.Int {
	num := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(num, d, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, oneInt)
	}
	return quo
}

// Min returns a fresh copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Clone returns a defensive copy of v, treating nil as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
