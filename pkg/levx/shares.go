package levx

import "math/big"

// ShareToken is the fungible liquidity-share claim issued per pool.
// Standard balance/transfer semantics; the default in-memory ledger is
// enough for a single-node deployment, an external token can be plugged in.
type ShareToken interface {
	BalanceOf(pool string, owner Address) *big.Int
	TotalSupply(pool string) *big.Int
	Mint(pool string, to Address, amount *big.Int)
	Burn(pool string, from Address, amount *big.Int) error
	Transfer(pool string, from, to Address, amount *big.Int) error
}

type shareLedger struct {
	balances map[string]map[Address]*big.Int
	supply   map[string]*big.Int
}

// NewShareLedger returns the in-memory ShareToken implementation.
func NewShareLedger() ShareToken {
	return &shareLedger{
		balances: make(map[string]map[Address]*big.Int),
		supply:   make(map[string]*big.Int),
	}
}

func (l *shareLedger) poolBalances(pool string) map[Address]*big.Int {
	m, ok := l.balances[pool]
	if !ok {
		m = make(map[Address]*big.Int)
		l.balances[pool] = m
	}
	return m
}

func (l *shareLedger) BalanceOf(pool string, owner Address) *big.Int {
	if b, ok := l.poolBalances(pool)[owner]; ok {
		return new(big.Int).Set(b)
	}
	return wad()
}

func (l *shareLedger) TotalSupply(pool string) *big.Int {
	if s, ok := l.supply[pool]; ok {
		return new(big.Int).Set(s)
	}
	return wad()
}

func (l *shareLedger) Mint(pool string, to Address, amount *big.Int) {
	m := l.poolBalances(pool)
	b, ok := m[to]
	if !ok {
		b = wad()
		m[to] = b
	}
	b.Add(b, amount)
	s, ok := l.supply[pool]
	if !ok {
		s = wad()
		l.supply[pool] = s
	}
	s.Add(s, amount)
}

func (l *shareLedger) Burn(pool string, from Address, amount *big.Int) error {
	m := l.poolBalances(pool)
	b, ok := m[from]
	if !ok || b.Cmp(amount) < 0 {
		return errCapacity("insufficient shares in pool %s", pool)
	}
	b.Sub(b, amount)
	l.supply[pool].Sub(l.supply[pool], amount)
	return nil
}

func (l *shareLedger) Transfer(pool string, from, to Address, amount *big.Int) error {
	m := l.poolBalances(pool)
	b, ok := m[from]
	if !ok || b.Cmp(amount) < 0 {
		return errCapacity("insufficient shares in pool %s", pool)
	}
	b.Sub(b, amount)
	tb, ok := m[to]
	if !ok {
		tb = wad()
		m[to] = tb
	}
	tb.Add(tb, amount)
	return nil
}
