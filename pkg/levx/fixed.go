package levx

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// All amounts, prices and rates in this package are wads: 18-decimal
// fixed-point integers carried in *big.Int. Truncation rounds toward zero.

var (
	WadOne  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	wadZero = big.NewInt(0)

	// maxWad bounds every intermediate result. big.Int never wraps, but a
	// value past 2^255 means an upstream input was garbage.
	maxWad = new(big.Int).Lsh(big.NewInt(1), 255)

	// maxExpInput is the largest exponent ExpWad accepts, as e^136 already
	// exceeds any sane rate.
	maxExpInput = new(big.Int).Mul(big.NewInt(135), WadOne)
)

func wad() *big.Int { return new(big.Int) }

// W builds a wad from a float. Test and config convenience only; ledger
// math never round-trips through floats.
func W(f float64) *big.Int {
	d := decimal.NewFromFloat(f)
	return WadFromDecimal(d)
}

// WadFromDecimal converts a decimal amount into a wad, truncating any
// precision past 18 places.
func WadFromDecimal(d decimal.Decimal) *big.Int {
	return d.Shift(18).Truncate(0).BigInt()
}

// WadToDecimal renders a wad as a decimal for boundary output.
func WadToDecimal(w *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(w, -18)
}

// FromRaw normalizes a raw asset amount with the given native decimals
// into a wad.
func FromRaw(raw *big.Int, decimals uint8) *big.Int {
	if decimals == 18 {
		return new(big.Int).Set(raw)
	}
	if decimals < 18 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
		return new(big.Int).Mul(raw, scale)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil)
	return new(big.Int).Quo(raw, scale)
}

// ToRaw converts a wad back to a raw amount at the asset's native
// decimals, truncating toward zero.
func ToRaw(w *big.Int, decimals uint8) *big.Int {
	if decimals == 18 {
		return new(big.Int).Set(w)
	}
	if decimals < 18 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
		return new(big.Int).Quo(w, scale)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil)
	return new(big.Int).Mul(w, scale)
}

func checkWad(v *big.Int) *big.Int {
	if v.CmpAbs(maxWad) > 0 {
		panic(&ArithmeticError{Op: "overflow"})
	}
	return v
}

// WadMul multiplies two wads, truncating toward zero. Panics with
// ArithmeticError on overflow; engine entry points recover it into an
// ordinary error return.
func WadMul(a, b *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return checkWad(p.Quo(p, WadOne))
}

// WadDiv divides two wads, truncating toward zero. Panics with
// ArithmeticError on division by zero or overflow.
func WadDiv(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		panic(&ArithmeticError{Op: "division by zero"})
	}
	p := new(big.Int).Mul(a, WadOne)
	return checkWad(p.Quo(p, b))
}

// ln2 as a wad, for the range reduction in ExpWad.
var ln2Wad = big.NewInt(693_147_180_559_945_309)

// ExpWad computes e^x for a wad x in pure integer arithmetic: range
// reduction x = q*ln2 + r with r in [0, ln2), so e^x = 2^q * e^r, then a
// Taylor expansion of e^r that runs until the term truncates to zero.
// Inputs past maxExpInput fail with ArithmeticError rather than
// saturating.
func ExpWad(x *big.Int) (*big.Int, error) {
	if x.Cmp(maxExpInput) > 0 {
		return nil, &ArithmeticError{Op: "exp overflow"}
	}
	q, r := new(big.Int), new(big.Int)
	q.DivMod(x, ln2Wad, r)

	// The result underflows the wad long before the shift gets this deep.
	if q.Cmp(big.NewInt(-64)) < 0 {
		return wad(), nil
	}

	sum := new(big.Int).Set(WadOne)
	term := new(big.Int).Set(WadOne)
	for n := int64(1); term.Sign() != 0; n++ {
		term.Mul(term, r)
		term.Quo(term, new(big.Int).Mul(big.NewInt(n), WadOne))
		sum.Add(sum, term)
	}

	if q.Sign() < 0 {
		return sum.Rsh(sum, uint(-q.Int64())), nil
	}
	v := sum.Lsh(sum, uint(q.Int64()))
	if v.CmpAbs(maxWad) > 0 {
		return nil, &ArithmeticError{Op: "exp overflow"}
	}
	return v, nil
}

// roundDownToLot truncates size to a whole number of lots. Lot size zero
// means no rounding.
func roundDownToLot(size, lot *big.Int) *big.Int {
	if lot.Sign() == 0 {
		return new(big.Int).Set(size)
	}
	r := new(big.Int).Quo(size, lot)
	return r.Mul(r, lot)
}
