package levx

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWadConstruction(t *testing.T) {
	assert.Equal(t, "1000000000000000000", W(1).String())
	assert.Equal(t, "500000000000000000", W(0.5).String())
	assert.Equal(t, "-2500000000000000000", W(-2.5).String())
	assert.Equal(t, "0", W(0).String())
}

func TestWadDecimalRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("1234.56789")
	w := WadFromDecimal(d)
	assert.True(t, d.Equal(WadToDecimal(w)))

	// Precision past 18 places truncates.
	tiny := decimal.New(15, -19) // 1.5e-18
	assert.Equal(t, "1", WadFromDecimal(tiny).String())
}

func TestWadMulTruncatesTowardZero(t *testing.T) {
	// 1/3 * 3 loses the repeating tail.
	third := WadDiv(W(1), W(3))
	assert.Equal(t, "333333333333333333", third.String())
	back := WadMul(third, W(3))
	assert.Equal(t, "999999999999999999", back.String())

	// Negative results truncate toward zero, not -inf.
	v := WadMul(W(-1), third)
	assert.Equal(t, "-333333333333333333", v.String())
}

func TestWadDivByZeroPanics(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		ae, ok := r.(*ArithmeticError)
		require.True(t, ok)
		assert.Contains(t, ae.Error(), "division by zero")
	}()
	WadDiv(W(1), W(0))
}

func TestWadOverflowPanics(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 250)
	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(*ArithmeticError)
		require.True(t, ok)
	}()
	WadMul(huge, huge)
}

func TestExpWad(t *testing.T) {
	one, err := ExpWad(W(0))
	require.NoError(t, err)
	assert.Equal(t, W(1), one)

	e1, err := ExpWad(W(1))
	require.NoError(t, err)
	assert.InDelta(t, 2.718281828, float64(e1.Int64())/1e18, 1e-6)

	// Negative exponents: e^-6 is the fee curve's floor term.
	en, err := ExpWad(W(-6))
	require.NoError(t, err)
	assert.InDelta(t, 0.0024787521766, float64(en.Int64())/1e18, 1e-9)

	// Deeply negative exponents underflow to zero, not to an error.
	deep, err := ExpWad(W(-100))
	require.NoError(t, err)
	assert.Zero(t, deep.Sign())

	// Inputs past the guard fail fast instead of saturating.
	_, err = ExpWad(W(136))
	require.Error(t, err)
	var ae *ArithmeticError
	require.ErrorAs(t, err, &ae)
}

func TestFromRawToRaw(t *testing.T) {
	// 6-decimal asset: 1_500_000 raw = 1.5 wad
	raw := big.NewInt(1_500_000)
	w := FromRaw(raw, 6)
	assert.Equal(t, W(1.5), w)
	assert.Equal(t, raw, ToRaw(w, 6))

	// 18-decimal asset passes through.
	assert.Equal(t, W(2), FromRaw(W(2), 18))

	// ToRaw truncates sub-unit dust.
	dusty := new(big.Int).Add(W(1), big.NewInt(999_999_999_999))
	assert.Equal(t, big.NewInt(1_000_000), ToRaw(dusty, 6))
}

func TestRoundDownToLot(t *testing.T) {
	lot := W(0.0001)
	assert.Equal(t, W(7.5013), roundDownToLot(W(7.50139), lot))
	assert.Equal(t, W(7.5013), roundDownToLot(W(7.5013), lot))
	// Zero lot size means no rounding.
	assert.Equal(t, W(7.50139), roundDownToLot(W(7.50139), W(0)))
}
