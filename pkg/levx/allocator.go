package levx

import "math/big"

// allocEntry is one pool's slice of an open or close.
type allocEntry struct {
	PoolID string
	Size   *big.Int
}

// allocateOpen splits an opening size across a market's backing pools.
// A high-priority, non-draining pool with headroom fills first; the spill
// is distributed over the remaining non-draining pools pro-rata by their
// own headroom. Every part is rounded down to the market's lot size and
// the rounding remainder lands on the last pool, so the parts always sum
// exactly to size.
func allocateOpen(market *Market, pools []*CollateralPool, size, price *big.Int) ([]allocEntry, error) {
	sizeUsd := WadMul(size, price)
	lot := market.Config.LotSize

	type candidate struct {
		pool        *CollateralPool
		headroomUsd *big.Int
	}
	var priority *candidate
	var rest []*candidate
	totalHeadroomUsd := wad()

	for _, p := range pools {
		if p.Config.IsDraining {
			continue
		}
		// A zero cap is uncapped: the pool can absorb the whole open.
		head := new(big.Int).Set(sizeUsd)
		if cap := p.Config.LiquidityCapUsd; cap != nil && cap.Sign() > 0 {
			state := p.marketState(market.ID)
			head = new(big.Int).Sub(cap, state.exposureUsd())
			if head.Sign() < 0 {
				head.SetInt64(0)
			}
		}
		c := &candidate{pool: p, headroomUsd: head}
		totalHeadroomUsd.Add(totalHeadroomUsd, head)
		if p.Config.IsHighPriority && priority == nil {
			priority = c
		} else {
			rest = append(rest, c)
		}
	}

	if priority == nil && len(rest) == 0 {
		return nil, errCapacity("market %s has no eligible backing pool", market.ID)
	}
	if totalHeadroomUsd.Cmp(sizeUsd) < 0 {
		return nil, errCapacity("market %s headroom %s short of requested %s",
			market.ID, totalHeadroomUsd, sizeUsd)
	}

	var entries []allocEntry
	remaining := new(big.Int).Set(size)

	if priority != nil && priority.headroomUsd.Sign() > 0 {
		take := roundDownToLot(WadDiv(priority.headroomUsd, price), lot)
		if take.Cmp(remaining) > 0 {
			take.Set(remaining)
		}
		if take.Sign() > 0 {
			entries = append(entries, allocEntry{PoolID: priority.pool.ID, Size: take})
			remaining.Sub(remaining, take)
		}
	}

	if remaining.Sign() > 0 {
		var spillable []*candidate
		spillHeadroom := wad()
		for _, c := range rest {
			if c.headroomUsd.Sign() > 0 {
				spillable = append(spillable, c)
				spillHeadroom.Add(spillHeadroom, c.headroomUsd)
			}
		}
		if len(spillable) == 0 {
			if len(entries) == 0 {
				return nil, errCapacity("market %s has no pool with headroom", market.ID)
			}
			// Lot rounding left a sliver the priority pool absorbs.
			entries[len(entries)-1].Size.Add(entries[len(entries)-1].Size, remaining)
			remaining.SetInt64(0)
		} else {
			spill := new(big.Int).Set(remaining)
			for i, c := range spillable {
				var part *big.Int
				if i == len(spillable)-1 {
					part = new(big.Int).Set(remaining)
				} else {
					part = roundDownToLot(WadDiv(WadMul(spill, c.headroomUsd), spillHeadroom), lot)
					if part.Cmp(remaining) > 0 {
						part.Set(remaining)
					}
				}
				if part.Sign() == 0 {
					continue
				}
				entries = append(entries, allocEntry{PoolID: c.pool.ID, Size: part})
				remaining.Sub(remaining, part)
			}
		}
	}

	return entries, nil
}

// allocateClose releases size proportionally to each pool's current share
// of the position. The truncation remainder goes to the last nonzero pool
// so the released parts sum exactly to size.
func allocateClose(position *Position, size *big.Int) ([]allocEntry, error) {
	if size.Cmp(position.Size) > 0 {
		return nil, errCapacity("close size %s exceeds position size %s", size, position.Size)
	}

	if position.Size.Sign() == 0 {
		return nil, errCapacity("position has no allocation to close")
	}

	// Floored proportional parts first, then the truncation remainder is
	// pushed onto the rearmost pools that still have share left.
	parts := make([]*big.Int, len(position.Allocations))
	assigned := wad()
	for i, a := range position.Allocations {
		parts[i] = wad()
		if a.Size.Sign() == 0 {
			continue
		}
		parts[i] = WadDiv(WadMul(size, a.Size), position.Size)
		if parts[i].Cmp(a.Size) > 0 {
			parts[i].Set(a.Size)
		}
		assigned.Add(assigned, parts[i])
	}

	remainder := new(big.Int).Sub(size, assigned)
	for i := len(position.Allocations) - 1; i >= 0 && remainder.Sign() > 0; i-- {
		room := new(big.Int).Sub(position.Allocations[i].Size, parts[i])
		if room.Sign() <= 0 {
			continue
		}
		if room.Cmp(remainder) > 0 {
			room.Set(remainder)
		}
		parts[i].Add(parts[i], room)
		remainder.Sub(remainder, room)
	}

	var entries []allocEntry
	for i, a := range position.Allocations {
		if parts[i].Sign() == 0 {
			continue
		}
		entries = append(entries, allocEntry{PoolID: a.PoolID, Size: parts[i]})
	}
	return entries, nil
}
