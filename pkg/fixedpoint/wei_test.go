package fixedpoint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDecimalStringRoundTrip(t *testing.T) {
	w, err := FromDecimalString("1.25")
	require.NoError(t, err)
	assert.Equal(t, "1.25", w.String())

	w, err = FromDecimalString("-3")
	require.NoError(t, err)
	assert.True(t, w.IsNeg())
	assert.Equal(t, "-3", w.String())
}

func TestFromDecimalStringTruncatesBeyond18Decimals(t *testing.T) {
	w, err := FromDecimalString("0.1234567890123456789")
	require.NoError(t, err)
	assert.Equal(t, "0.123456789012345678", w.String())
}

func TestMulWei(t *testing.T) {
	price := MustFromDecimalString("1.25")
	qty := MustFromDecimalString("40")
	notional, err := MulWei(price, qty)
	require.NoError(t, err)
	assert.Equal(t, "50", notional.String())
}

func TestDivWei(t *testing.T) {
	a := MustFromDecimalString("10")
	b := MustFromDecimalString("4")
	q, err := DivWei(a, b)
	require.NoError(t, err)
	assert.Equal(t, "2.5", q.String())
}

func TestDivWeiByZero(t *testing.T) {
	_, err := DivWei(MustFromDecimalString("1"), Zero())
	assert.ErrorIs(t, err, ErrDivByZero)
}

func TestFeeRoundsUpAgainstUser(t *testing.T) {
	// 50 notional at 10 bps maker: 50 * 10 / 10000 = 0.05 exactly, no rounding needed.
	fee, err := Fee(MustFromDecimalString("50"), 10)
	require.NoError(t, err)
	assert.Equal(t, "0.05", fee.String())

	// A case that does not divide evenly must round up, not down.
	fee, err = Fee(MustFromDecimalString("0.00000000000000001"), 1)
	require.NoError(t, err)
	assert.False(t, fee.IsZero(), "fee on a dust notional must round up to at least 1 wei")
}

func TestAddSub(t *testing.T) {
	a := MustFromDecimalString("5")
	b := MustFromDecimalString("3")
	sum, err := Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, "8", sum.String())

	diff, err := Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, "2", diff.String())

	diff, err = Sub(b, a)
	require.NoError(t, err)
	assert.Equal(t, "-2", diff.String())
}

func TestCmp(t *testing.T) {
	a := MustFromDecimalString("1")
	b := MustFromDecimalString("-1")
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(a))
}

func TestOverflowDetected(t *testing.T) {
	huge := "1" + stringsRepeat("0", 40) // 1e40 fits in 256 bits; its square does not
	a := MustFromDecimalString(huge)
	_, err := MulWei(a, a)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestJSONRoundTrip(t *testing.T) {
	w := MustFromDecimalString("-12.5")
	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.Equal(t, `"-12.5"`, string(data))

	var out Wei
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, w.String(), out.String())
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
