// Package fixedpoint implements signed 17.14 fixed-point arithmetic.
//
// Values are plain 32-bit integers reinterpreted as reals with a 2^14
// denominator. Real-by-real products and quotients (Mul, Div) widen to 64
// bits, so the usual overflow pitfalls of naive fixed-point multiply/divide
// do not apply to them; the integer forms (FromInt, AddInt, SubInt, MulInt,
// DivInt) compute in the native integer width. The only consumer is the 4.4BSD scheduler math; nothing else should
// expose Real to its callers.
package fixedpoint

// F is the fixed-point denominator, 2^14.
const F = 1 << 14

// Real is a signed fixed-point number in 17.14 format.
type Real int32

// FromInt converts an integer to fixed-point.
func FromInt(n int) Real {
	return Real(n * F)
}

// Int converts x to an integer, rounding half away from zero.
func (x Real) Int() int {
	if x >= 0 {
		return int((x + F/2) / F)
	}
	return int((x - F/2) / F)
}

// Trunc converts x to an integer, rounding toward zero.
func (x Real) Trunc() int {
	return int(x / F)
}

// Add returns x + y.
func (x Real) Add(y Real) Real { return x + y }

// Sub returns x - y.
func (x Real) Sub(y Real) Real { return x - y }

// AddInt returns x + n.
func (x Real) AddInt(n int) Real { return x + Real(n*F) }

// SubInt returns x - n.
func (x Real) SubInt(n int) Real { return x - Real(n*F) }

// Mul returns x * y.
func (x Real) Mul(y Real) Real {
	return Real(int64(x) * int64(y) / F)
}

// MulInt returns x * n.
func (x Real) MulInt(n int) Real { return x * Real(n) }

// Div returns x / y.
func (x Real) Div(y Real) Real {
	return Real(int64(x) * F / int64(y))
}

// DivInt returns x / n.
func (x Real) DivInt(n int) Real { return x / Real(n) }
