package levx

import "math/big"

type positionKey struct {
	Account AccountID
	Market  string
}

// activeIndex is a dense set of positions with nonzero aggregate size.
// Insert and remove are O(1): removal swaps the victim with the last slot
// and truncates. Liquidation sweeps iterate the dense slice directly.
type activeIndex struct {
	keys  []positionKey
	index map[positionKey]int
}

func newActiveIndex() *activeIndex {
	return &activeIndex{index: make(map[positionKey]int)}
}

func (a *activeIndex) add(k positionKey) {
	if _, ok := a.index[k]; ok {
		return
	}
	a.index[k] = len(a.keys)
	a.keys = append(a.keys, k)
}

func (a *activeIndex) remove(k positionKey) {
	i, ok := a.index[k]
	if !ok {
		return
	}
	last := len(a.keys) - 1
	if i != last {
		a.keys[i] = a.keys[last]
		a.index[a.keys[i]] = i
	}
	a.keys = a.keys[:last]
	delete(a.index, k)
}

func (a *activeIndex) contains(k positionKey) bool {
	_, ok := a.index[k]
	return ok
}

func (a *activeIndex) list() []positionKey {
	out := make([]positionKey, len(a.keys))
	copy(out, a.keys)
	return out
}

// ledger owns account collateral and position records.
type ledger struct {
	accounts  map[AccountID]*Account
	positions map[positionKey]*Position
	active    *activeIndex
}

func newLedger() *ledger {
	return &ledger{
		accounts:  make(map[AccountID]*Account),
		positions: make(map[positionKey]*Position),
		active:    newActiveIndex(),
	}
}

func (l *ledger) account(id AccountID) *Account {
	a, ok := l.accounts[id]
	if !ok {
		a = &Account{ID: id, Collateral: make(map[string]*big.Int)}
		l.accounts[id] = a
	}
	return a
}

func (l *ledger) position(id AccountID, marketID string) *Position {
	return l.positions[positionKey{Account: id, Market: marketID}]
}

func (l *ledger) ensurePosition(id AccountID, marketID, collateralAsset string) *Position {
	k := positionKey{Account: id, Market: marketID}
	p, ok := l.positions[k]
	if !ok {
		p = &Position{
			Account:         id,
			MarketID:        marketID,
			CollateralAsset: collateralAsset,
			Size:            wad(),
			AverageEntry:    wad(),
		}
		l.positions[k] = p
	}
	return p
}

// weightedEntry merges addSize at price into an existing (size, entry)
// pair: (oldSize*oldEntry + addSize*price) / (oldSize+addSize).
func weightedEntry(oldSize, oldEntry, addSize, price *big.Int) *big.Int {
	total := new(big.Int).Add(oldSize, addSize)
	if total.Sign() == 0 {
		return wad()
	}
	num := new(big.Int).Add(WadMul(oldSize, oldEntry), WadMul(addSize, price))
	return WadDiv(num, total)
}

// increasePosition applies an open allocation to the position and to each
// pool's market aggregate, recomputing size-weighted entry prices on both
// sides. The position joins the active index the first time its size
// becomes nonzero.
func (l *ledger) increasePosition(pos *Position, pools map[string]*CollateralPool, entries []allocEntry, price *big.Int) {
	for _, e := range entries {
		pool := pools[e.PoolID]
		state := pool.marketState(pos.MarketID)

		alloc := pos.allocation(e.PoolID)
		if alloc == nil {
			alloc = &PoolAllocation{
				PoolID:               e.PoolID,
				Size:                 wad(),
				EntryPrice:           wad(),
				EntryBorrowingPerUsd: new(big.Int).Set(state.CumulatedBorrowingPerUsd),
			}
			pos.Allocations = append(pos.Allocations, alloc)
		}

		alloc.EntryPrice = weightedEntry(alloc.Size, alloc.EntryPrice, e.Size, price)
		alloc.Size.Add(alloc.Size, e.Size)

		state.AverageEntryPrice = weightedEntry(state.TotalSize, state.AverageEntryPrice, e.Size, price)
		state.TotalSize.Add(state.TotalSize, e.Size)

		pos.AverageEntry = weightedEntry(pos.Size, pos.AverageEntry, e.Size, price)
		pos.Size.Add(pos.Size, e.Size)
	}

	if pos.Size.Sign() > 0 {
		l.active.add(positionKey{Account: pos.Account, Market: pos.MarketID})
	}
}

// poolPnl is the trader P&L realized against one pool on a close.
type poolPnl struct {
	PoolID string
	PnlUsd *big.Int // positive: trader gain, pool pays
}

// decreasePosition applies a close allocation: per pool, realized P&L is
// size*(price-entry)*direction. Entry prices are untouched by a partial
// close. When the aggregate size reaches zero the record is dropped
// from the ledger along with its active-index entry.
func (l *ledger) decreasePosition(pos *Position, pools map[string]*CollateralPool, entries []allocEntry, price *big.Int, dirSign int64) []poolPnl {
	sign := big.NewInt(dirSign)
	pnls := make([]poolPnl, 0, len(entries))

	for _, e := range entries {
		pool := pools[e.PoolID]
		state := pool.marketState(pos.MarketID)
		alloc := pos.allocation(e.PoolID)

		move := new(big.Int).Sub(price, alloc.EntryPrice)
		pnl := new(big.Int).Mul(WadMul(e.Size, move), sign)
		pnls = append(pnls, poolPnl{PoolID: e.PoolID, PnlUsd: pnl})

		alloc.Size.Sub(alloc.Size, e.Size)
		state.TotalSize.Sub(state.TotalSize, e.Size)
		pos.Size.Sub(pos.Size, e.Size)
	}

	if pos.Size.Sign() == 0 {
		k := positionKey{Account: pos.Account, Market: pos.MarketID}
		l.active.remove(k)
		delete(l.positions, k)
	}
	return pnls
}
