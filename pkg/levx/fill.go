package levx

import "math/big"

// beginFill runs the checks shared by all four fill paths: broker role,
// order existence and kind, Pending status, fill window.
func (e *Engine) beginFill(auth Auth, id uint64, kind OrderKind) (*Order, error) {
	if err := e.requireRole(RoleBroker, auth.Caller); err != nil {
		return nil, err
	}
	o := e.book.get(id)
	if o == nil {
		return nil, ErrOrderNotFound
	}
	if o.Kind != kind {
		return nil, errValidation("order %d is a %s order", id, o.Kind)
	}
	if o.Status != Pending {
		return nil, errState("order " + o.Status.String())
	}
	if e.clock.Now().After(e.timing.fillDeadline(o)) {
		return nil, errState("order expired")
	}
	return o, nil
}

// completeFill transitions the order to Filled and pays the prepaid
// execution fee to whoever executed it.
func (e *Engine) completeFill(o *Order, filler Address) {
	if o.ExecutionFee.Sign() > 0 {
		bal := e.led.account(AccountID{Owner: filler, SubID: 0}).balance(e.cfg.GasAsset)
		bal.Add(bal, o.ExecutionFee)
	}
	o.Status = Filled
	e.persistOrder(o)
	e.emit(OrderFilledEvent{OrderID: o.ID, Filler: filler})
	e.logger.Info("order filled", "id", o.ID, "kind", o.Kind.String(), "filler", filler)
}

// pendingBorrowingUsd is the read-only companion of settleBorrowing: the
// fee the position owes across its allocations if settled now.
func pendingBorrowingUsd(pos *Position, pools map[string]*CollateralPool) *big.Int {
	total := wad()
	for _, a := range pos.Allocations {
		state := pools[a.PoolID].marketState(pos.MarketID)
		growth := new(big.Int).Sub(state.CumulatedBorrowingPerUsd, a.EntryBorrowingPerUsd)
		if growth.Sign() > 0 {
			total.Add(total, WadMul(a.Size, growth))
		}
	}
	return total
}

func resetBorrowingSnapshots(pos *Position, pools map[string]*CollateralPool) {
	for _, a := range pos.Allocations {
		state := pools[a.PoolID].marketState(pos.MarketID)
		a.EntryBorrowingPerUsd = new(big.Int).Set(state.CumulatedBorrowingPerUsd)
	}
}

// limitSatisfied decides whether the oracle price honors a limit order.
// Opening in the market direction is a "buy": fill at or under the limit.
// Closing is the mirror. A stop-loss close inverts the comparison.
func limitSatisfied(m *Market, p *PositionOrderPayload, price *big.Int) bool {
	wantAtOrBelow := p.IsOpen == m.IsLong
	if p.IsStopLoss {
		wantAtOrBelow = !wantAtOrBelow
	}
	if wantAtOrBelow {
		return price.Cmp(p.LimitPrice) <= 0
	}
	return price.Cmp(p.LimitPrice) >= 0
}

// FillPositionOrder settles a pending position order against the market's
// backing pools at the current oracle price. Allocation, borrowing
// settlement, ledger update and fee distribution commit as one unit.
func (e *Engine) FillPositionOrder(auth Auth, id uint64) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	o, err := e.beginFill(auth, id, PositionOrder)
	if err != nil {
		return err
	}
	p := o.Position
	m := e.markets[p.Market]

	// A close against nothing is rejected before any price gating so an
	// orphaned trigger order fails the same way at every quote.
	if !p.IsOpen {
		if pos := e.led.position(p.Account, m.ID); pos == nil || pos.Size.Sign() == 0 {
			return errValidation("no open position on market %q", m.ID)
		}
	}

	price, err := e.priceOf(m.OracleID, false)
	if err != nil {
		return err
	}
	if !p.IsMarketOrder && !limitSatisfied(m, p, price) {
		return errPrice("limit %s not met at %s", p.LimitPrice, price)
	}

	// Borrowing accrual is a market-wide, monotone update; it commits even
	// if the order-specific part fails below.
	if err := e.accrueMarket(m); err != nil {
		return err
	}

	if p.IsOpen {
		err = e.fillOpen(o, m, price)
	} else {
		err = e.fillClose(o, m, price)
	}
	if err != nil {
		return err
	}
	e.completeFill(o, auth.Caller)

	if p.IsOpen {
		e.spawnTriggerOrders(o)
	}
	return nil
}

func (e *Engine) fillOpen(o *Order, m *Market, price *big.Int) error {
	p := o.Position
	assetPrice, err := e.assetPrice(p.CollateralAsset)
	if err != nil {
		return err
	}

	entries, err := allocateOpen(m, e.marketPools(m), p.Size, price)
	if err != nil {
		return err
	}
	sizeUsd := WadMul(p.Size, price)

	if cap := m.Config.OpenInterestCapUsd; cap != nil && cap.Sign() > 0 {
		oi := wad()
		for _, pool := range e.marketPools(m) {
			oi.Add(oi, pool.marketState(m.ID).exposureUsd())
		}
		if oi.Add(oi, sizeUsd).Cmp(cap) > 0 {
			return errCapacity("market %s open interest cap reached", m.ID)
		}
	}

	pos := e.led.ensurePosition(p.Account, m.ID, p.CollateralAsset)
	if pos.CollateralAsset != p.CollateralAsset {
		return errValidation("position on %s is collateralized in %s", m.ID, pos.CollateralAsset)
	}

	borrowUsd := pendingBorrowingUsd(pos, e.pools)
	feeUsd := WadMul(sizeUsd, m.Config.FeeRate)
	borrowAsset := WadDiv(borrowUsd, assetPrice)
	feeAsset := WadDiv(feeUsd, assetPrice)

	// Margin check on the post-fill state.
	bal := e.led.account(p.Account).balance(p.CollateralAsset)
	newBal := new(big.Int).Add(bal, p.CollateralAmount)
	newBal.Sub(newBal, borrowAsset)
	newBal.Sub(newBal, feeAsset)
	equityUsd := WadMul(newBal, assetPrice)
	if pos.Size.Sign() > 0 {
		move := new(big.Int).Sub(price, pos.AverageEntry)
		upnl := new(big.Int).Mul(WadMul(pos.Size, move), big.NewInt(m.directionSign()))
		equityUsd.Add(equityUsd, upnl)
	}
	newSizeUsd := WadMul(new(big.Int).Add(pos.Size, p.Size), price)
	if equityUsd.Cmp(WadMul(newSizeUsd, m.Config.InitialMarginRate)) < 0 {
		return errValidation("insufficient margin")
	}

	// Commit.
	bal.Add(bal, p.CollateralAmount)
	bal.Sub(bal, borrowAsset)
	bal.Sub(bal, feeAsset)
	resetBorrowingSnapshots(pos, e.pools)
	e.led.increasePosition(pos, e.pools, entries, price)
	e.distributeFee(p.CollateralAsset, feeAsset, p.Account, p.ReferralCode, entries)

	e.emit(CollectFeeEvent{Asset: p.CollateralAsset, Amount: feeAsset, Payer: o.Owner})
	e.emit(OpenPositionEvent{Account: p.Account, Market: m.ID, Size: p.Size, Price: price})
	return nil
}

// payoutLeg is one pool asset debit that pays trader profit.
type payoutLeg struct {
	asset  string
	amount *big.Int
}

// planPoolPayout picks which pool assets fund a trader gain, preferring
// the position's collateral asset. Fails with CapacityError when the pool
// cannot cover the gain.
func (e *Engine) planPoolPayout(pool *CollateralPool, gainUsd *big.Int, preferredAsset string) ([]payoutLeg, error) {
	remaining := new(big.Int).Set(gainUsd)
	var legs []payoutLeg

	tryAsset := func(assetID string) error {
		if remaining.Sign() == 0 {
			return nil
		}
		bal, ok := pool.Balances[assetID]
		if !ok || bal.Sign() == 0 {
			return nil
		}
		price, err := e.assetPrice(assetID)
		if err != nil {
			return err
		}
		need := WadDiv(remaining, price)
		if need.Cmp(bal) > 0 {
			need = new(big.Int).Set(bal)
		}
		legs = append(legs, payoutLeg{asset: assetID, amount: need})
		remaining.Sub(remaining, WadMul(need, price))
		return nil
	}

	if err := tryAsset(preferredAsset); err != nil {
		return nil, err
	}
	for _, a := range pool.Assets {
		if a == preferredAsset {
			continue
		}
		if err := tryAsset(a); err != nil {
			return nil, err
		}
	}
	if remaining.Sign() > 0 {
		return nil, errCapacity("pool %s cannot cover %s USD of trader P&L", pool.ID, gainUsd)
	}
	return legs, nil
}

func (e *Engine) fillClose(o *Order, m *Market, price *big.Int) error {
	p := o.Position
	pos := e.led.position(p.Account, m.ID)
	if pos == nil || pos.Size.Sign() == 0 {
		return errValidation("no open position on market %q", m.ID)
	}
	if pos.CollateralAsset != p.CollateralAsset {
		return errValidation("position on %s is collateralized in %s", m.ID, pos.CollateralAsset)
	}
	assetPrice, err := e.assetPrice(p.CollateralAsset)
	if err != nil {
		return err
	}

	entries, err := allocateClose(pos, p.Size)
	if err != nil {
		return err
	}

	borrowUsd := pendingBorrowingUsd(pos, e.pools)
	sizeUsd := WadMul(p.Size, price)
	feeUsd := WadMul(sizeUsd, m.Config.FeeRate)
	borrowAsset := WadDiv(borrowUsd, assetPrice)
	feeAsset := WadDiv(feeUsd, assetPrice)

	// Plan profit payouts before mutating so a pool liquidity shortfall
	// aborts cleanly. Losses never fail: the account balance may go
	// negative, which is the liquidation signal.
	sign := big.NewInt(m.directionSign())
	type poolPlan struct {
		poolID string
		pnlUsd *big.Int
		legs   []payoutLeg
	}
	plans := make([]poolPlan, 0, len(entries))
	for _, en := range entries {
		alloc := pos.allocation(en.PoolID)
		move := new(big.Int).Sub(price, alloc.EntryPrice)
		pnl := new(big.Int).Mul(WadMul(en.Size, move), sign)
		plan := poolPlan{poolID: en.PoolID, pnlUsd: pnl}
		if pnl.Sign() > 0 {
			legs, err := e.planPoolPayout(e.pools[en.PoolID], pnl, p.CollateralAsset)
			if err != nil {
				return err
			}
			plan.legs = legs
		}
		plans = append(plans, plan)
	}

	// Commit.
	bal := e.led.account(p.Account).balance(p.CollateralAsset)
	bal.Sub(bal, borrowAsset)
	bal.Sub(bal, feeAsset)
	resetBorrowingSnapshots(pos, e.pools)
	pnls := e.led.decreasePosition(pos, e.pools, entries, price, m.directionSign())

	totalPnl := wad()
	acct := e.led.account(p.Account)
	for i, plan := range plans {
		totalPnl.Add(totalPnl, pnls[i].PnlUsd)
		pool := e.pools[plan.poolID]
		if plan.pnlUsd.Sign() > 0 {
			for _, leg := range plan.legs {
				pool.Balances[leg.asset].Sub(pool.Balances[leg.asset], leg.amount)
				acct.balance(leg.asset).Add(acct.balance(leg.asset), leg.amount)
			}
		} else if plan.pnlUsd.Sign() < 0 {
			lossAsset := WadDiv(new(big.Int).Neg(plan.pnlUsd), assetPrice)
			acct.balance(p.CollateralAsset).Sub(acct.balance(p.CollateralAsset), lossAsset)
			poolBal, ok := pool.Balances[p.CollateralAsset]
			if !ok {
				poolBal = wad()
				pool.Balances[p.CollateralAsset] = poolBal
			}
			poolBal.Add(poolBal, lossAsset)
		}
	}
	e.distributeFee(p.CollateralAsset, feeAsset, p.Account, p.ReferralCode, entries)

	e.emit(CollectFeeEvent{Asset: p.CollateralAsset, Amount: feeAsset, Payer: o.Owner})
	e.emit(ClosePositionEvent{Account: p.Account, Market: m.ID, Size: p.Size, Price: price, PnlUsd: totalPnl})
	return nil
}

// spawnTriggerOrders places the derived take-profit / stop-loss close
// orders after an open fill. Derived orders carry no execution fee of
// their own.
func (e *Engine) spawnTriggerOrders(parent *Order) {
	p := parent.Position
	mk := func(limit *big.Int, stopLoss bool) {
		child := &Order{
			Kind:         PositionOrder,
			Owner:        parent.Owner,
			ExecutionFee: wad(),
			Position: &PositionOrderPayload{
				Account:          p.Account,
				Market:           p.Market,
				CollateralAsset:  p.CollateralAsset,
				CollateralAmount: wad(),
				Size:             new(big.Int).Set(p.Size),
				LimitPrice:       new(big.Int).Set(limit),
				IsOpen:           false,
				IsStopLoss:       stopLoss,
				TakeProfitPrice:  wad(),
				StopLossPrice:    wad(),
				ReferralCode:     p.ReferralCode,
			},
		}
		e.finishPlace(child)
	}
	if p.TakeProfitPrice.Sign() > 0 {
		mk(p.TakeProfitPrice, false)
	}
	if p.StopLossPrice.Sign() > 0 {
		mk(p.StopLossPrice, true)
	}
}

// distributeFee routes a collected fee amount (in asset units) through the
// waterfall. The LP leg is split across the affected pools pro-rata by
// allocated size, remainder to the last pool, so no dust leaks.
func (e *Engine) distributeFee(assetID string, amount *big.Int, payer AccountID, referralCode string, weights []allocEntry) {
	if amount.Sign() == 0 {
		return
	}
	split := splitFee(amount, e.refs.lookup(referralCode), e.cfg.ProtocolLpRatio)

	if split.Discount.Sign() > 0 {
		bal := e.led.account(payer).balance(assetID)
		bal.Add(bal, split.Discount)
		e.emit(FeeDistributedEvent{Leg: FeeLegDiscount, Asset: assetID, Amount: split.Discount})
	}
	if split.Rebate.Sign() > 0 {
		bal := e.led.account(AccountID{Owner: split.RebateRecipient, SubID: 0}).balance(assetID)
		bal.Add(bal, split.Rebate)
		e.emit(FeeDistributedEvent{Leg: FeeLegRebate, Asset: assetID, Amount: split.Rebate})
	}

	if split.LP.Sign() > 0 {
		totalSize := wad()
		for _, w := range weights {
			totalSize.Add(totalSize, w.Size)
		}
		remaining := new(big.Int).Set(split.LP)
		for i, w := range weights {
			var part *big.Int
			if i == len(weights)-1 {
				part = remaining
			} else {
				part = WadDiv(WadMul(split.LP, w.Size), totalSize)
			}
			if part.Sign() == 0 {
				continue
			}
			pool := e.pools[w.PoolID]
			bal, ok := pool.Balances[assetID]
			if !ok {
				bal = wad()
				pool.Balances[assetID] = bal
			}
			bal.Add(bal, part)
			remaining = new(big.Int).Sub(remaining, part)
		}
		e.emit(FeeDistributedEvent{Leg: FeeLegLP, Asset: assetID, Amount: split.LP})
	}

	if split.Protocol.Sign() > 0 {
		pot, ok := e.protocolRevenue[assetID]
		if !ok {
			pot = wad()
			e.protocolRevenue[assetID] = pot
		}
		pot.Add(pot, split.Protocol)
		e.persistPot(assetID)
		e.emit(FeeDistributedEvent{Leg: FeeLegProtocol, Asset: assetID, Amount: split.Protocol})
	}
}

// FillLiquidityOrder settles a pending add or remove against the pool at
// share net-asset value.
func (e *Engine) FillLiquidityOrder(auth Auth, id uint64) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	o, err := e.beginFill(auth, id, LiquidityOrder)
	if err != nil {
		return err
	}
	p := o.Liquidity
	pool := e.pools[p.Pool]

	assetPrice, err := e.assetPrice(p.Asset)
	if err != nil {
		return err
	}
	aum, err := e.poolAUM(pool)
	if err != nil {
		return err
	}
	supply := e.shares.TotalSupply(p.Pool)

	if p.IsAdding {
		fee := WadMul(p.Amount, e.cfg.LiquidityFeeRate)
		net := new(big.Int).Sub(p.Amount, fee)
		netUsd := WadMul(net, assetPrice)

		if cap := pool.Config.LiquidityCapUsd; cap != nil && cap.Sign() > 0 {
			if new(big.Int).Add(aum, netUsd).Cmp(cap) > 0 {
				return errCapacity("pool %s liquidity cap reached", p.Pool)
			}
		}

		var sharesOut *big.Int
		if supply.Sign() == 0 || aum.Sign() == 0 {
			sharesOut = netUsd
		} else {
			sharesOut = new(big.Int).Mul(netUsd, supply)
			sharesOut.Quo(sharesOut, aum)
		}

		bal, ok := pool.Balances[p.Asset]
		if !ok {
			bal = wad()
			pool.Balances[p.Asset] = bal
		}
		bal.Add(bal, net)
		e.shares.Mint(p.Pool, o.Owner, sharesOut)
		e.distributeFee(p.Asset, fee, AccountID{Owner: o.Owner, SubID: 0}, "", []allocEntry{{PoolID: p.Pool, Size: WadOne}})

		e.emit(CollectFeeEvent{Asset: p.Asset, Amount: fee, Payer: o.Owner})
		e.emit(AddLiquidityEvent{Pool: p.Pool, Asset: p.Asset, Amount: net, Shares: sharesOut, Owner: o.Owner})
	} else {
		if supply.Sign() == 0 {
			return errCapacity("pool %s has no shares outstanding", p.Pool)
		}
		amountUsd := new(big.Int).Mul(p.Amount, aum)
		amountUsd.Quo(amountUsd, supply)
		amountAsset := WadDiv(amountUsd, assetPrice)

		bal, ok := pool.Balances[p.Asset]
		if !ok || bal.Cmp(amountAsset) < 0 {
			return errCapacity("pool %s lacks %s liquidity", p.Pool, p.Asset)
		}

		fee := WadMul(amountAsset, e.cfg.LiquidityFeeRate)
		payout := new(big.Int).Sub(amountAsset, fee)

		if err := e.shares.Burn(p.Pool, escrowAddr, p.Amount); err != nil {
			return err
		}
		bal.Sub(bal, amountAsset)
		acctBal := e.led.account(AccountID{Owner: o.Owner, SubID: 0}).balance(p.Asset)
		acctBal.Add(acctBal, payout)
		e.distributeFee(p.Asset, fee, AccountID{Owner: o.Owner, SubID: 0}, "", []allocEntry{{PoolID: p.Pool, Size: WadOne}})

		e.emit(CollectFeeEvent{Asset: p.Asset, Amount: fee, Payer: o.Owner})
		e.emit(RemoveLiquidityEvent{Pool: p.Pool, Asset: p.Asset, Amount: amountAsset, Shares: p.Amount, Owner: o.Owner})
	}

	e.completeFill(o, auth.Caller)
	return nil
}

// FillWithdrawalOrder settles a pending collateral withdrawal, re-checking
// margin across the account's open positions at fill time.
func (e *Engine) FillWithdrawalOrder(auth Auth, id uint64) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	o, err := e.beginFill(auth, id, WithdrawalOrder)
	if err != nil {
		return err
	}
	p := o.Withdrawal

	bal := e.led.account(p.Account).balance(p.Asset)
	if bal.Cmp(p.Amount) < 0 {
		return errCapacity("insufficient %s balance", p.Asset)
	}
	assetPrice, err := e.assetPrice(p.Asset)
	if err != nil {
		return err
	}

	equity, margin, err := e.accountEquityUsd(p.Account)
	if err != nil {
		return err
	}
	withdrawUsd := WadMul(p.Amount, assetPrice)
	if new(big.Int).Sub(equity, withdrawUsd).Cmp(margin) < 0 {
		return errValidation("withdrawal would breach initial margin")
	}

	bal.Sub(bal, p.Amount)
	e.emit(WithdrawCollateralEvent{Account: p.Account, Asset: p.Asset, Amount: p.Amount})
	e.completeFill(o, auth.Caller)
	return nil
}

// accountEquityUsd values an account: collateral at oracle prices plus
// unrealized P&L, against the summed initial-margin requirement.
func (e *Engine) accountEquityUsd(id AccountID) (equity, margin *big.Int, err error) {
	equity, margin = wad(), wad()
	acct := e.led.account(id)
	for assetID, bal := range acct.Collateral {
		if bal.Sign() == 0 {
			continue
		}
		p, err := e.assetPrice(assetID)
		if err != nil {
			return nil, nil, err
		}
		equity.Add(equity, WadMul(bal, p))
	}
	for key, pos := range e.led.positions {
		if key.Account != id || pos.Size.Sign() == 0 {
			continue
		}
		m := e.markets[pos.MarketID]
		price, err := e.priceOf(m.OracleID, false)
		if err != nil {
			return nil, nil, err
		}
		move := new(big.Int).Sub(price, pos.AverageEntry)
		upnl := new(big.Int).Mul(WadMul(pos.Size, move), big.NewInt(m.directionSign()))
		equity.Add(equity, upnl)
		margin.Add(margin, WadMul(WadMul(pos.Size, price), m.Config.InitialMarginRate))
	}
	return equity, margin, nil
}

// FillRebalanceOrder executes a pool asset swap through the router. The
// pool balance is debited before the router runs so a reentrant call
// cannot see stale holdings; a router failure restores it. A missing
// route degrades to a no-op conversion.
func (e *Engine) FillRebalanceOrder(auth Auth, id uint64) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	o, err := e.beginFill(auth, id, RebalanceOrder)
	if err != nil {
		return err
	}
	p := o.Rebalance
	pool := e.pools[p.Pool]

	inBal, ok := pool.Balances[p.TokenIn]
	if !ok || inBal.Cmp(p.AmountIn) < 0 {
		return errCapacity("pool %s lacks %s balance", p.Pool, p.TokenIn)
	}

	inBal.Sub(inBal, p.AmountIn)
	out, converted, err := e.router.Swap(p.TokenIn, p.AmountIn, p.TokenOut, p.MinOut)
	if err != nil {
		inBal.Add(inBal, p.AmountIn)
		return errPrice("swap: %v", err)
	}

	if !converted {
		// No route configured: the amount comes back in tokenIn units.
		inBal.Add(inBal, out)
	} else {
		outBal, ok := pool.Balances[p.TokenOut]
		if !ok {
			outBal = wad()
			pool.Balances[p.TokenOut] = outBal
		}
		outBal.Add(outBal, out)
	}

	e.emit(RebalancePoolEvent{
		Pool: p.Pool, TokenIn: p.TokenIn, TokenOut: p.TokenOut,
		AmountIn: p.AmountIn, AmountOut: out, Routed: converted,
	})
	e.completeFill(o, auth.Caller)
	return nil
}
