// Package fixedpoint implements the engine's 18-decimal fixed-point integer
// type ("wei"): a signed 256-bit quantity used for every price, size, margin,
// and PnL value in the matching and perpetual engines. Floating point never
// appears on this path; external decimal strings are converted to/from Wei
// at the I/O boundary only (FromDecimalString / String).
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrOverflow is returned when an operation's result does not fit in 256 bits.
var ErrOverflow = errors.New("fixedpoint: overflow")

// ErrDivByZero is returned by DivWei when the divisor is zero.
var ErrDivByZero = errors.New("fixedpoint: division by zero")

// ErrInvalidDecimal is returned when a decimal string cannot be parsed.
var ErrInvalidDecimal = errors.New("fixedpoint: invalid decimal string")

// Scale is 10^18, the fixed-point denominator ("one wei-unit" of scale).
var scale = decimal.New(1, 18)

// Wei is a signed fixed-point integer scaled by 10^18, stored as a sign flag
// plus a 256-bit unsigned magnitude. Zero value is a valid zero.
type Wei struct {
	neg bool
	mag uint256.Int
}

// Zero returns the additive identity.
func Zero() Wei { return Wei{} }

// FromInt64 builds a Wei equal to v (not v scaled — callers that already have
// a wei-scaled integer, e.g. from a test fixture, use this directly).
func FromInt64(v int64) Wei {
	if v == 0 {
		return Zero()
	}
	neg := v < 0
	u := v
	if neg {
		u = -u
	}
	return Wei{neg: neg, mag: *uint256.NewInt(uint64(u))}
}

// FromDecimalString parses an external decimal string (e.g. "1.25", "-3")
// into a Wei, scaling by 10^18 and truncating any precision beyond 18
// decimal places toward zero.
func FromDecimalString(s string) (Wei, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero(), ErrInvalidDecimal
	}
	scaled := d.Mul(scale).Truncate(0)
	bi := scaled.BigInt()
	return fromBigInt(bi)
}

// MustFromDecimalString is FromDecimalString but panics on error; intended
// for constructing compile-time-known constants (market parameters, test
// fixtures), never for untrusted input.
func MustFromDecimalString(s string) Wei {
	w, err := FromDecimalString(s)
	if err != nil {
		panic(err)
	}
	return w
}

func fromBigInt(bi *big.Int) (Wei, error) {
	neg := bi.Sign() < 0
	abs := new(big.Int).Abs(bi)
	mag, overflow := uint256.FromBig(abs)
	if overflow {
		return Zero(), ErrOverflow
	}
	if mag.IsZero() {
		neg = false
	}
	return Wei{neg: neg, mag: *mag}, nil
}

func (w Wei) toBigInt() *big.Int {
	bi := w.mag.ToBig()
	if w.neg {
		bi.Neg(bi)
	}
	return bi
}

// String renders the Wei as a decimal string with up to 18 fractional digits.
func (w Wei) String() string {
	d := decimal.NewFromBigInt(w.toBigInt(), -18)
	return d.String()
}

// MarshalJSON renders w as its decimal string, so Wei fields round-trip
// through JSON (used by the write-through store) without exposing the
// internal sign+magnitude representation.
func (w Wei) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.String() + `"`), nil
}

// UnmarshalJSON parses a decimal string produced by MarshalJSON.
func (w *Wei) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromDecimalString(s)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// IsZero reports whether w is the additive identity.
func (w Wei) IsZero() bool { return w.mag.IsZero() }

// IsNeg reports whether w is strictly negative.
func (w Wei) IsNeg() bool { return w.neg && !w.mag.IsZero() }

// IsPos reports whether w is strictly positive.
func (w Wei) IsPos() bool { return !w.neg && !w.mag.IsZero() }

// Sign returns -1, 0, or 1.
func (w Wei) Sign() int {
	switch {
	case w.mag.IsZero():
		return 0
	case w.neg:
		return -1
	default:
		return 1
	}
}

// Neg returns -w.
func (w Wei) Neg() Wei {
	if w.mag.IsZero() {
		return w
	}
	return Wei{neg: !w.neg, mag: w.mag}
}

// Abs returns |w|.
func (w Wei) Abs() Wei {
	return Wei{neg: false, mag: w.mag}
}

// Cmp returns -1, 0, or 1 per a compared to b.
func (a Wei) Cmp(b Wei) int {
	switch {
	case a.neg && !b.neg && (!a.mag.IsZero() || !b.mag.IsZero()):
		return -1
	case !a.neg && b.neg && (!a.mag.IsZero() || !b.mag.IsZero()):
		return 1
	case !a.neg && !b.neg:
		return a.mag.Cmp(&b.mag)
	default: // both negative
		return -a.mag.Cmp(&b.mag)
	}
}

// Add returns a+b.
func Add(a, b Wei) (Wei, error) {
	if a.neg == b.neg {
		sum, overflow := new(uint256.Int).AddOverflow(&a.mag, &b.mag)
		if overflow {
			return Zero(), ErrOverflow
		}
		return Wei{neg: a.neg && !sum.IsZero(), mag: *sum}, nil
	}
	// opposite signs: subtract smaller magnitude from larger
	if a.mag.Cmp(&b.mag) >= 0 {
		diff := new(uint256.Int).Sub(&a.mag, &b.mag)
		return Wei{neg: a.neg && !diff.IsZero(), mag: *diff}, nil
	}
	diff := new(uint256.Int).Sub(&b.mag, &a.mag)
	return Wei{neg: b.neg && !diff.IsZero(), mag: *diff}, nil
}

// Sub returns a-b.
func Sub(a, b Wei) (Wei, error) {
	return Add(a, b.Neg())
}

// MulWei returns a*b/1e18, the fixed-point product of two wei-scaled values.
func MulWei(a, b Wei) (Wei, error) {
	if a.mag.IsZero() || b.mag.IsZero() {
		return Zero(), nil
	}
	prod, overflow := new(uint256.Int).MulOverflow(&a.mag, &b.mag)
	if overflow {
		return Zero(), ErrOverflow
	}
	quot := new(uint256.Int).Div(prod, oneE18())
	neg := a.neg != b.neg
	return Wei{neg: neg && !quot.IsZero(), mag: *quot}, nil
}

// DivWei returns a*1e18/b, the fixed-point quotient of two wei-scaled
// values. Division truncates toward zero. Returns ErrDivByZero if b is zero.
func DivWei(a, b Wei) (Wei, error) {
	if b.mag.IsZero() {
		return Zero(), ErrDivByZero
	}
	if a.mag.IsZero() {
		return Zero(), nil
	}
	num, overflow := new(uint256.Int).MulOverflow(&a.mag, oneE18())
	if overflow {
		return Zero(), ErrOverflow
	}
	quot := new(uint256.Int).Div(num, &b.mag)
	neg := a.neg != b.neg
	return Wei{neg: neg && !quot.IsZero(), mag: *quot}, nil
}

// Fee returns ceil(amount*bps/10000), the basis-point fee on amount rounded
// up — against the user — so the house never under-collects by a wei.
// A negative bps (maker rebate) rounds the rebate itself up in magnitude;
// callers crediting a rebate to a user's balance should floor it instead by
// negating the ceiling of the positive-bps fee.
func Fee(amount Wei, bps int64) (Wei, error) {
	if amount.mag.IsZero() || bps == 0 {
		return Zero(), nil
	}
	absBps := bps
	negBps := bps < 0
	if negBps {
		absBps = -bps
	}
	bpsU := uint256.NewInt(uint64(absBps))
	num, overflow := new(uint256.Int).MulOverflow(&amount.mag, bpsU)
	if overflow {
		return Zero(), ErrOverflow
	}
	ten := tenThousand()
	rem := new(uint256.Int)
	quot := new(uint256.Int).DivMod(num, ten, rem)
	if !rem.IsZero() {
		quot = new(uint256.Int).AddUint64(quot, 1)
	}
	neg := (amount.neg != negBps) && !quot.IsZero()
	return Wei{neg: neg, mag: *quot}, nil
}

func oneE18() *uint256.Int {
	// 10^18, recomputed each call to keep Wei free of shared mutable state.
	v, _ := uint256.FromDecimal("1000000000000000000")
	return v
}

func tenThousand() *uint256.Int {
	return uint256.NewInt(10000)
}
