// Package fixedmath implements deterministic fixed-point arithmetic over
// 256-bit unsigned integers. All values carry an implicit scale of 10^18, so
// one whole unit is represented by One. Results truncate toward zero to stay
// bit-exact with on-chain consumers of the same math.
package fixedmath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow indicates an intermediate product exceeded 256 bits.
	ErrOverflow = errors.New("fixedmath: overflow")
	// ErrDivideByZero indicates a division by zero was attempted.
	ErrDivideByZero = errors.New("fixedmath: divide by zero")
	// ErrNegativeValue indicates a signed input below zero was supplied.
	ErrNegativeValue = errors.New("fixedmath: negative value")
)

const (
	// Decimals is the canonical fractional precision.
	Decimals = 18
)

var (
	// One is the fixed-point representation of 1.0 (10^18).
	One = uint256.NewInt(1_000_000_000_000_000_000)
	// sqrtOne is sqrt(10^18) = 10^9, exact because One is a perfect square.
	sqrtOne = uint256.NewInt(1_000_000_000)
	two     = uint256.NewInt(2)
)

// Mul returns a*b/One, truncating. The full product is checked for 256-bit
// overflow before rescaling. Zero operands short-circuit to zero.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	if a == nil || b == nil || a.IsZero() || b.IsZero() {
		return new(uint256.Int), nil
	}
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return product.Div(product, One), nil
}

// Div returns a*One/b, truncating.
func Div(a, b *uint256.Int) (*uint256.Int, error) {
	if b == nil || b.IsZero() {
		return nil, ErrDivideByZero
	}
	if a == nil || a.IsZero() {
		return new(uint256.Int), nil
	}
	scaled, overflow := new(uint256.Int).MulOverflow(a, One)
	if overflow {
		return nil, ErrOverflow
	}
	return scaled.Div(scaled, b), nil
}

// Sqrt returns the fixed-point square root of x using the Babylonian method.
// The raw integer root is computed first, then rescaled by sqrt(One) so the
// result stays in the 10^18 domain. The loop runs while the next estimate is
// strictly smaller than the current one, yielding the floor of the true root.
func Sqrt(x *uint256.Int) *uint256.Int {
	if x == nil || x.IsZero() {
		return new(uint256.Int)
	}
	if x.LtUint64(4) {
		return new(uint256.Int).Set(sqrtOne)
	}
	z := x.Clone()
	y := new(uint256.Int).Div(x, two)
	y.AddUint64(y, 1)
	tmp := new(uint256.Int)
	for y.Lt(z) {
		z.Set(y)
		tmp.Div(x, y)
		y.Add(y, tmp)
		y.Div(y, two)
	}
	// Root of a 256-bit value fits in 128 bits; rescaling cannot overflow.
	return z.Mul(z, sqrtOne)
}

// Normalize rescales value from sourceDecimals fractional digits to the
// canonical 18-digit scale. Scaling up multiplies by a power of ten and fails
// with ErrOverflow when the result exceeds 256 bits; scaling down divides with
// truncation. Negative inputs are rejected.
func Normalize(value *big.Int, sourceDecimals uint8) (*uint256.Int, error) {
	if value == nil {
		return new(uint256.Int), nil
	}
	if value.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	raw, overflow := uint256.FromBig(value)
	if overflow {
		return nil, ErrOverflow
	}
	switch {
	case sourceDecimals == Decimals:
		return raw, nil
	case sourceDecimals < Decimals:
		scaled, overflow := new(uint256.Int).MulOverflow(raw, pow10(Decimals-sourceDecimals))
		if overflow {
			return nil, ErrOverflow
		}
		return scaled, nil
	default:
		return raw.Div(raw, pow10(sourceDecimals-Decimals)), nil
	}
}

func pow10(n uint8) *uint256.Int {
	out := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

// FromDecimal parses a decimal string ("199.549") into the fixed-point domain.
// At most 18 fractional digits are accepted.
func FromDecimal(s string) (*uint256.Int, error) {
	whole, frac, ok := splitDecimal(s)
	if !ok {
		return nil, errors.New("fixedmath: invalid decimal literal")
	}
	wholePart, parsed := new(big.Int).SetString(whole, 10)
	if !parsed {
		return nil, errors.New("fixedmath: invalid decimal literal")
	}
	scaled := new(big.Int).Mul(wholePart, new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil))
	if frac != "" {
		for len(frac) < Decimals {
			frac += "0"
		}
		fracPart, parsed := new(big.Int).SetString(frac, 10)
		if !parsed {
			return nil, errors.New("fixedmath: invalid decimal literal")
		}
		scaled.Add(scaled, fracPart)
	}
	out, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// ToDecimal renders the fixed-point value as a decimal string with up to
// 18 fractional digits, trimming trailing zeros.
func ToDecimal(v *uint256.Int) string {
	if v == nil || v.IsZero() {
		return "0"
	}
	quo := new(uint256.Int).Div(v, One)
	rem := new(uint256.Int).Mod(v, One)
	if rem.IsZero() {
		return quo.Dec()
	}
	frac := rem.Dec()
	for len(frac) < Decimals {
		frac = "0" + frac
	}
	for len(frac) > 1 && frac[len(frac)-1] == '0' {
		frac = frac[:len(frac)-1]
	}
	return quo.Dec() + "." + frac
}

func splitDecimal(s string) (whole, frac string, ok bool) {
	if s == "" {
		return "", "", false
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			whole, frac = s[:i], s[i+1:]
			if whole == "" || frac == "" || len(frac) > Decimals {
				return "", "", false
			}
			return whole, frac, true
		}
	}
	return s, "", true
}
