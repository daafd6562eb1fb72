package levx

import "math/big"

// Reallocate moves part of a position's exposure from one backing pool to
// another without changing aggregate size. Borrowing owed on both sides is
// settled up to the reallocation instant, and the unrealized P&L riding on
// the moved slice is transferred between the two pools' own asset
// balances: the receiving pool inherits the trader's claim at its carried
// entry price, so the paying side compensates it and no value leaks to or
// from the trader.
func (e *Engine) Reallocate(auth Auth, account AccountID, marketID, fromPool, toPool string, amount *big.Int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	if err := e.requireRole(RoleRebalancer, auth.Caller); err != nil {
		return err
	}
	m, ok := e.markets[marketID]
	if !ok {
		return errValidation("unknown market %q", marketID)
	}
	if fromPool == toPool {
		return errValidation("source and destination pool are the same")
	}
	src, ok := e.pools[fromPool]
	if !ok {
		return errValidation("unknown pool %q", fromPool)
	}
	dst, ok := e.pools[toPool]
	if !ok {
		return errValidation("unknown pool %q", toPool)
	}
	if !backsMarket(m, fromPool) || !backsMarket(m, toPool) {
		return errValidation("pool does not back market %q", marketID)
	}
	if dst.Config.IsDraining {
		return errCapacity("destination pool %s is draining", toPool)
	}
	if amount == nil || amount.Sign() <= 0 {
		return errValidation("amount must be positive")
	}

	pos := e.led.position(account, marketID)
	if pos == nil || pos.Size.Sign() == 0 {
		return errValidation("no open position on market %q", marketID)
	}
	srcAlloc := pos.allocation(fromPool)
	if srcAlloc == nil || srcAlloc.Size.Cmp(amount) < 0 {
		return errCapacity("allocation in pool %s smaller than %s", fromPool, amount)
	}

	price, err := e.priceOf(m.OracleID, false)
	if err != nil {
		return err
	}
	assetPrice, err := e.assetPrice(pos.CollateralAsset)
	if err != nil {
		return err
	}

	// Destination headroom at the current price. A zero cap is uncapped.
	dstState := dst.marketState(marketID)
	if cap := dst.Config.LiquidityCapUsd; cap != nil && cap.Sign() > 0 {
		head := new(big.Int).Sub(cap, dstState.exposureUsd())
		if head.Cmp(WadMul(amount, price)) < 0 {
			return errCapacity("destination pool %s headroom short", toPool)
		}
	}

	if err := e.accrueMarket(m); err != nil {
		return err
	}

	// Plan the pool-to-pool P&L transfer before touching any balance so a
	// funding shortfall aborts with nothing moved.
	srcState := src.marketState(marketID)
	move := new(big.Int).Sub(price, srcAlloc.EntryPrice)
	pnlUsd := new(big.Int).Mul(WadMul(amount, move), big.NewInt(m.directionSign()))
	pnlAsset := WadDiv(new(big.Int).Abs(pnlUsd), assetPrice)
	payer, payee := src, dst
	if pnlUsd.Sign() < 0 {
		payer, payee = dst, src
	}
	if pnlUsd.Sign() != 0 {
		payerBal, ok := payer.Balances[pos.CollateralAsset]
		if !ok || payerBal.Cmp(pnlAsset) < 0 {
			return errCapacity("pool %s cannot fund reallocation P&L", payer.ID)
		}
	}

	// Borrowing settles against the trader's collateral; the P&L transfer
	// is strictly pool-to-pool.
	borrowUsd := settleBorrowing(srcAlloc, srcState)
	dstAlloc := pos.allocation(toPool)
	if dstAlloc != nil {
		borrowUsd.Add(borrowUsd, settleBorrowing(dstAlloc, dstState))
	}
	if borrowUsd.Sign() > 0 {
		bal := e.led.account(account).balance(pos.CollateralAsset)
		bal.Sub(bal, WadDiv(borrowUsd, assetPrice))
	}

	if pnlUsd.Sign() != 0 {
		payeeBal, ok := payee.Balances[pos.CollateralAsset]
		if !ok {
			payeeBal = wad()
			payee.Balances[pos.CollateralAsset] = payeeBal
		}
		payer.Balances[pos.CollateralAsset].Sub(payer.Balances[pos.CollateralAsset], pnlAsset)
		payeeBal.Add(payeeBal, pnlAsset)
	}

	// Move the slice at its carried entry price; aggregate size and the
	// position's average entry are untouched.
	entry := new(big.Int).Set(srcAlloc.EntryPrice)
	srcAlloc.Size.Sub(srcAlloc.Size, amount)
	srcState.TotalSize.Sub(srcState.TotalSize, amount)

	if dstAlloc == nil {
		dstAlloc = &PoolAllocation{
			PoolID:               toPool,
			Size:                 wad(),
			EntryPrice:           wad(),
			EntryBorrowingPerUsd: new(big.Int).Set(dstState.CumulatedBorrowingPerUsd),
		}
		pos.Allocations = append(pos.Allocations, dstAlloc)
	}
	dstAlloc.EntryPrice = weightedEntry(dstAlloc.Size, dstAlloc.EntryPrice, amount, entry)
	dstAlloc.Size.Add(dstAlloc.Size, amount)
	dstState.AverageEntryPrice = weightedEntry(dstState.TotalSize, dstState.AverageEntryPrice, amount, entry)
	dstState.TotalSize.Add(dstState.TotalSize, amount)

	if srcAlloc.Size.Sign() == 0 {
		pos.Allocations = removeAllocation(pos.Allocations, fromPool)
	}

	e.emit(ReallocatePositionEvent{
		Account: account, Market: marketID,
		FromPool: fromPool, ToPool: toPool, Size: amount,
	})
	e.logger.Info("position reallocated",
		"account", account.String(), "market", marketID,
		"from", fromPool, "to", toPool, "size", amount.String())
	return nil
}

func backsMarket(m *Market, poolID string) bool {
	for _, p := range m.Pools {
		if p == poolID {
			return true
		}
	}
	return false
}

func removeAllocation(allocs []*PoolAllocation, poolID string) []*PoolAllocation {
	for i, a := range allocs {
		if a.PoolID == poolID {
			return append(allocs[:i], allocs[i+1:]...)
		}
	}
	return allocs
}
