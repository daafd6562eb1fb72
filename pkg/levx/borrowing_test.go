package levx

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBorrowingRateEmptyPool(t *testing.T) {
	pool := testPool("a", W(1_000_000), false, false)

	rate, err := borrowingRate(pool, "ETH-LONG", W(0))
	require.NoError(t, err)
	assert.Equal(t, W(0.02), rate, "empty pool pays base APY only")
}

func TestBorrowingRateGrowsWithUtilization(t *testing.T) {
	pool := testPool("a", W(1_000_000), false, false)
	aum := W(100_000)

	var prev *big.Int
	for _, size := range []*big.Int{W(1), W(10), W(40)} {
		state := pool.marketState("ETH-LONG")
		state.TotalSize = size
		state.AverageEntryPrice = W(2500)

		rate, err := borrowingRate(pool, "ETH-LONG", aum)
		require.NoError(t, err)
		assert.True(t, rate.Cmp(pool.Config.BaseAPY) > 0)
		if prev != nil {
			assert.True(t, rate.Cmp(prev) > 0, "rate must rise with exposure")
		}
		prev = rate
	}
}

func TestBorrowingRateExtremeUtilizationFails(t *testing.T) {
	pool := testPool("a", W(1_000_000), false, false)
	pool.Config.CurveK = W(100_000)
	state := pool.marketState("ETH-LONG")
	state.TotalSize = W(1000)
	state.AverageEntryPrice = W(2500)

	_, err := borrowingRate(pool, "ETH-LONG", W(1))
	require.Error(t, err)
	var ae *ArithmeticError
	assert.ErrorAs(t, err, &ae)
}

func TestAccrueBorrowingFirstTouch(t *testing.T) {
	pool := testPool("a", W(1_000_000), false, false)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rate, err := accrueBorrowing(pool, "ETH-LONG", W(100_000), now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, W(0), rate, "first touch only arms the clock")

	state := pool.marketState("ETH-LONG")
	assert.Equal(t, now, state.LastAccrualTime)
	assert.Equal(t, W(0), state.CumulatedBorrowingPerUsd)
}

func TestAccrueBorrowingDiscretizesToInterval(t *testing.T) {
	pool := testPool("a", W(1_000_000), false, false)
	marketID := "ETH-LONG"
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := accrueBorrowing(pool, marketID, W(100_000), t0, time.Hour)
	require.NoError(t, err)
	state := pool.marketState(marketID)

	// 90 minutes later: only one whole hour accrues, the 30-minute tail
	// stays pending.
	_, err = accrueBorrowing(pool, marketID, W(100_000), t0.Add(90*time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), state.LastAccrualTime)

	afterOne := new(big.Int).Set(state.CumulatedBorrowingPerUsd)
	assert.True(t, afterOne.Sign() > 0)

	// One hour of base APY (pool has no exposure, rate = baseAPY + e^-B).
	rate, err := borrowingRate(pool, marketID, W(100_000))
	require.NoError(t, err)
	want := new(big.Int).Mul(rate, big.NewInt(3600))
	want.Quo(want, big.NewInt(secondsPerYear))
	assert.Equal(t, want, afterOne)

	// Sub-interval elapse accrues nothing.
	_, err = accrueBorrowing(pool, marketID, W(100_000), t0.Add(119*time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, afterOne, state.CumulatedBorrowingPerUsd)
	assert.Equal(t, t0.Add(time.Hour), state.LastAccrualTime)
}

func TestAccrueBorrowingMonotone(t *testing.T) {
	pool := testPool("a", W(1_000_000), false, false)
	marketID := "ETH-LONG"
	state := pool.marketState(marketID)
	state.TotalSize = W(10)
	state.AverageEntryPrice = W(2500)

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := accrueBorrowing(pool, marketID, W(100_000), t0, time.Hour)
	require.NoError(t, err)

	prev := new(big.Int).Set(state.CumulatedBorrowingPerUsd)
	for h := 1; h <= 24; h++ {
		_, err := accrueBorrowing(pool, marketID, W(100_000), t0.Add(time.Duration(h)*time.Hour), time.Hour)
		require.NoError(t, err)
		assert.True(t, state.CumulatedBorrowingPerUsd.Cmp(prev) >= 0, "index must never decrease")
		prev.Set(state.CumulatedBorrowingPerUsd)
	}
}

func TestSettleBorrowing(t *testing.T) {
	state := newPoolMarketState()
	state.CumulatedBorrowingPerUsd = W(0.003)
	alloc := &PoolAllocation{
		PoolID:               "a",
		Size:                 W(4),
		EntryPrice:           W(2500),
		EntryBorrowingPerUsd: W(0.001),
	}

	fee := settleBorrowing(alloc, state)
	// 4 * (0.003 - 0.001) = 0.008
	assert.Equal(t, W(0.008), fee)
	assert.Equal(t, W(0.003), alloc.EntryBorrowingPerUsd, "snapshot advances on settle")

	// Settling again immediately charges nothing.
	assert.Equal(t, W(0), settleBorrowing(alloc, state))
}
