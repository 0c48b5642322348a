// Package fixedpoint implements 18-decimal ("wad") fixed-point arithmetic
// over 256-bit integers with explicit overflow detection. All results are
// exact integer arithmetic: multiplication and division truncate toward
// zero, so any two implementations agree byte for byte.
package fixedpoint

import (
	"errors"
	"math/big"
)

// WadDecimals is the number of decimal places carried by every amount,
// price, and rate in the system.
const WadDecimals = 18

var (
	// Wad is the fixed-point scale, 10^18.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(WadDecimals), nil)

	maxInt256  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

var (
	ErrOverflow = errors.New("fixedpoint: 256-bit overflow")
	ErrDivZero  = errors.New("fixedpoint: division by zero")
	ErrNegative = errors.New("fixedpoint: negative value in unsigned operation")
)

func checkSigned(v *big.Int) (*big.Int, error) {
	if v.Cmp(maxInt256) > 0 || v.Cmp(minInt256) < 0 {
		return nil, ErrOverflow
	}
	return v, nil
}

func checkUnsigned(v *big.Int) (*big.Int, error) {
	if v.Sign() < 0 {
		return nil, ErrNegative
	}
	if v.Cmp(maxUint256) > 0 {
		return nil, ErrOverflow
	}
	return v, nil
}

// Add returns a+b with signed 256-bit bounds.
func Add(a, b *big.Int) (*big.Int, error) {
	return checkSigned(new(big.Int).Add(a, b))
}

// Sub returns a-b with signed 256-bit bounds.
func Sub(a, b *big.Int) (*big.Int, error) {
	return checkSigned(new(big.Int).Sub(a, b))
}

// Mul returns a*b/1e18, truncated toward zero, with signed 256-bit bounds.
// The intermediate product is unbounded (math/big), so only the final
// result can overflow.
func Mul(a, b *big.Int) (*big.Int, error) {
	p := new(big.Int).Mul(a, b)
	return checkSigned(p.Quo(p, Wad))
}

// Div returns a*1e18/b, truncated toward zero, with signed 256-bit bounds.
func Div(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrDivZero
	}
	n := new(big.Int).Mul(a, Wad)
	return checkSigned(n.Quo(n, b))
}

// UAdd returns a+b with unsigned 256-bit bounds.
func UAdd(a, b *big.Int) (*big.Int, error) {
	return checkUnsigned(new(big.Int).Add(a, b))
}

// USub returns a-b, rejecting negative results.
func USub(a, b *big.Int) (*big.Int, error) {
	return checkUnsigned(new(big.Int).Sub(a, b))
}

// UMul returns a*b/1e18 with unsigned 256-bit bounds.
func UMul(a, b *big.Int) (*big.Int, error) {
	if a.Sign() < 0 || b.Sign() < 0 {
		return nil, ErrNegative
	}
	p := new(big.Int).Mul(a, b)
	return checkUnsigned(p.Quo(p, Wad))
}

// UDiv returns a*1e18/b with unsigned 256-bit bounds.
func UDiv(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrDivZero
	}
	if a.Sign() < 0 || b.Sign() < 0 {
		return nil, ErrNegative
	}
	n := new(big.Int).Mul(a, Wad)
	return checkUnsigned(n.Quo(n, b))
}

// FromInt converts a whole-unit count into wad scale.
func FromInt(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), Wad)
}

// Min returns the smaller of a and b as a fresh value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns the larger of a and b as a fresh value.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Clone returns a defensive copy. Nil is treated as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
