package levx

import (
	"math/big"
	"time"
)

const secondsPerYear = 365 * 86400

// borrowingRate evaluates the pool-market fee curve
//
//	rate = baseAPY + exp(K * reservedUsd/aum - B)
//
// with reservedUsd = exposure * reserveRate. An empty pool pays baseAPY.
// The exponent is guarded: extreme utilization fails with ArithmeticError
// instead of wrapping or saturating.
func borrowingRate(pool *CollateralPool, marketID string, aumUsd *big.Int) (*big.Int, error) {
	base := new(big.Int).Set(pool.Config.BaseAPY)
	if aumUsd.Sign() == 0 {
		return base, nil
	}
	reservedUsd := WadMul(pool.marketState(marketID).exposureUsd(), pool.Config.ReserveRate)
	util := WadDiv(reservedUsd, aumUsd)
	x := new(big.Int).Sub(WadMul(pool.Config.CurveK, util), pool.Config.CurveB)
	e, err := ExpWad(x)
	if err != nil {
		return nil, err
	}
	return base.Add(base, e), nil
}

// accrueBorrowing integrates the borrowing rate since the pool-market's
// last accrual into cumulatedBorrowingPerUsd. Elapsed time is discretized
// to the accrual interval; the sub-interval tail stays pending and is
// never retroactively re-rated.
func accrueBorrowing(pool *CollateralPool, marketID string, aumUsd *big.Int, now time.Time, interval time.Duration) (*big.Int, error) {
	state := pool.marketState(marketID)
	if state.LastAccrualTime.IsZero() {
		state.LastAccrualTime = now
		return wad(), nil
	}
	elapsed := now.Sub(state.LastAccrualTime)
	if interval > 0 {
		elapsed = elapsed.Truncate(interval)
	}
	if elapsed <= 0 {
		return wad(), nil
	}

	rate, err := borrowingRate(pool, marketID, aumUsd)
	if err != nil {
		return nil, err
	}

	secs := big.NewInt(int64(elapsed / time.Second))
	delta := new(big.Int).Mul(rate, secs)
	delta.Quo(delta, big.NewInt(secondsPerYear))

	state.CumulatedBorrowingPerUsd.Add(state.CumulatedBorrowingPerUsd, delta)
	state.LastAccrualTime = state.LastAccrualTime.Add(elapsed)
	return rate, nil
}

// settleBorrowing charges the fee accrued on one allocation since its
// entry snapshot and re-snapshots it. Returns the fee in USD; the caller
// converts and deducts it from the position's collateral.
func settleBorrowing(alloc *PoolAllocation, state *PoolMarketState) *big.Int {
	growth := new(big.Int).Sub(state.CumulatedBorrowingPerUsd, alloc.EntryBorrowingPerUsd)
	if growth.Sign() <= 0 {
		alloc.EntryBorrowingPerUsd = new(big.Int).Set(state.CumulatedBorrowingPerUsd)
		return wad()
	}
	feeUsd := WadMul(alloc.Size, growth)
	alloc.EntryBorrowingPerUsd = new(big.Int).Set(state.CumulatedBorrowingPerUsd)
	return feeUsd
}
