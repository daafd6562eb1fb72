package levx

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	admin    = Address("admin")
	broker   = Address("broker")
	rebal    = Address("rebalancer")
	alice    = Address("alice")
	bob      = Address("bob")
	lpAddr   = Address("lp")
	referrer = Address("referrer")
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeOracle stamps quotes with the fake clock so freshness tracks test
// time. Setting fixedAt pins the quote timestamp to simulate staleness.
type fakeOracle struct {
	clock   *fakeClock
	prices  map[string]*big.Int
	fixedAt *time.Time
}

func (o *fakeOracle) Price(id string) (*big.Int, time.Time, error) {
	p, ok := o.prices[id]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("no quote for %s", id)
	}
	at := o.clock.Now()
	if o.fixedAt != nil {
		at = *o.fixedAt
	}
	return new(big.Int).Set(p), at, nil
}

func (o *fakeOracle) set(id string, p *big.Int) { o.prices[id] = p }

type routerFunc func(tokenIn string, amountIn *big.Int, tokenOut string, minOut *big.Int) (*big.Int, bool, error)

func (f routerFunc) Swap(tokenIn string, amountIn *big.Int, tokenOut string, minOut *big.Int) (*big.Int, bool, error) {
	return f(tokenIn, amountIn, tokenOut, minOut)
}

func noRoute(_ string, amountIn *big.Int, _ string, _ *big.Int) (*big.Int, bool, error) {
	return new(big.Int).Set(amountIn), false, nil
}

type testEnv struct {
	t      *testing.T
	eng    *Engine
	clock  *fakeClock
	oracle *fakeOracle
}

// newTestEnv builds an engine on a fake clock with USDC, LUX and WETH
// registered. The liquidity fee is zeroed so pool seeding stays exact;
// tests that exercise the liquidity fee opt back in through mutate.
func newTestEnv(t *testing.T, mutate ...func(*EngineConfig)) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	oracle := &fakeOracle{clock: clock, prices: map[string]*big.Int{"eth": W(2500)}}

	cfg := DefaultEngineConfig()
	cfg.LiquidityFeeRate = wad()
	for _, f := range mutate {
		f(&cfg)
	}

	level, _ := log.ToLevel("error")
	eng := NewEngine(cfg, oracle, routerFunc(noRoute), StaticRoles{
		RoleAdmin:      {admin},
		RoleBroker:     {broker},
		RoleRebalancer: {rebal},
	}, log.NewTestLogger(level))
	eng.SetClock(clock)

	env := &testEnv{t: t, eng: eng, clock: clock, oracle: oracle}
	env.register(Asset{ID: "USDC", Symbol: "USDC", Decimals: 6, IsStable: true})
	env.register(Asset{ID: "LUX", Symbol: "LUX", Decimals: 18, IsStable: true})
	env.register(Asset{ID: "WETH", Symbol: "WETH", Decimals: 18, OracleID: "eth"})
	return env
}

// newTradingEnv extends newTestEnv with the usual fixture: pool "main"
// (USDC+WETH, uncapped) backing long market "ETH-LONG" at a 0.1% fee,
// seeded with 100k USDC.
func newTradingEnv(t *testing.T, mutate ...func(*EngineConfig)) *testEnv {
	env := newTestEnv(t, mutate...)
	env.addPool("main", nil, "USDC", "WETH")
	env.addMarket("ETH-LONG", "eth", true, W(0.001), "main")
	env.seedPool("main", "USDC", W(100_000))
	return env
}

func (env *testEnv) register(a Asset) {
	env.t.Helper()
	require.NoError(env.t, env.eng.RegisterAsset(Auth{Caller: admin}, a))
}

func (env *testEnv) addPool(id string, capUsd *big.Int, assets ...string) {
	env.t.Helper()
	require.NoError(env.t, env.eng.AddPool(Auth{Caller: admin}, id, assets, PoolConfig{
		CurveK:          W(50),
		CurveB:          W(6),
		BaseAPY:         W(0.02),
		LiquidityCapUsd: capUsd,
		ReserveRate:     W(0.1),
		ADLTriggerRate:  W(0.9),
		ADLMaxPnlRate:   W(0.5),
	}))
}

func (env *testEnv) addMarket(id, oracleID string, long bool, feeRate *big.Int, pools ...string) {
	env.t.Helper()
	require.NoError(env.t, env.eng.AddMarket(Auth{Caller: admin}, Market{
		ID:       id,
		OracleID: oracleID,
		IsLong:   long,
		Pools:    pools,
		Config: MarketConfig{
			FeeRate:               feeRate,
			InitialMarginRate:     W(0.05),
			MaintenanceMarginRate: W(0.02),
			LotSize:               W(0.0001),
			MaxLeverage:           W(50),
		},
	}))
}

// fund deposits a wad amount, converting to the asset's raw decimals at
// the boundary the way a transfer hook would.
func (env *testEnv) fund(acct AccountID, assetID string, amount *big.Int) {
	env.t.Helper()
	dec := uint8(18)
	if assetID == "USDC" {
		dec = 6
	}
	require.NoError(env.t, env.eng.DepositCollateral(acct, assetID, ToRaw(amount, dec)))
}

func (env *testEnv) seedPool(pool, asset string, amount *big.Int) {
	env.t.Helper()
	env.fund(AccountID{Owner: lpAddr}, asset, amount)
	env.fund(AccountID{Owner: lpAddr}, "LUX", W(1))
	id, err := env.eng.PlaceLiquidityOrder(Auth{Caller: lpAddr}, LiquidityOrderPayload{
		Pool: pool, Asset: asset, Amount: amount, IsAdding: true,
	})
	require.NoError(env.t, err)
	require.NoError(env.t, env.eng.FillLiquidityOrder(Auth{Caller: broker}, id))
}

// fundTrader gives a trader collateral on sub-account 1 and gas on the
// primary account.
func (env *testEnv) fundTrader(owner Address, usdc *big.Int) AccountID {
	env.t.Helper()
	acct := AccountID{Owner: owner, SubID: 1}
	env.fund(acct, "USDC", usdc)
	env.fund(AccountID{Owner: owner}, "LUX", W(1))
	return acct
}

func (env *testEnv) placeOpen(owner Address, acct AccountID, size, collateral *big.Int) uint64 {
	env.t.Helper()
	id, err := env.eng.PlacePositionOrder(Auth{Caller: owner}, PositionOrderPayload{
		Account:          acct,
		Market:           "ETH-LONG",
		CollateralAsset:  "USDC",
		CollateralAmount: collateral,
		Size:             size,
		IsOpen:           true,
		IsMarketOrder:    true,
	})
	require.NoError(env.t, err)
	return id
}

func (env *testEnv) placeClose(owner Address, acct AccountID, size *big.Int) uint64 {
	env.t.Helper()
	id, err := env.eng.PlacePositionOrder(Auth{Caller: owner}, PositionOrderPayload{
		Account:         acct,
		Market:          "ETH-LONG",
		CollateralAsset: "USDC",
		Size:            size,
		IsOpen:          false,
		IsMarketOrder:   true,
	})
	require.NoError(env.t, err)
	return id
}

func (env *testEnv) fill(id uint64) {
	env.t.Helper()
	require.NoError(env.t, env.eng.FillPositionOrder(Auth{Caller: broker}, id))
}

// ---- placement ----

func TestPlacePositionOrderValidation(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))

	base := PositionOrderPayload{
		Account:          acct,
		Market:           "ETH-LONG",
		CollateralAsset:  "USDC",
		CollateralAmount: W(500),
		Size:             W(1),
		IsOpen:           true,
		IsMarketOrder:    true,
	}

	cases := []struct {
		name   string
		caller Address
		mutate func(*PositionOrderPayload)
		want   string
	}{
		{"zero account", alice, func(p *PositionOrderPayload) { p.Account = AccountID{} }, "zero account"},
		{"unknown market", alice, func(p *PositionOrderPayload) { p.Market = "BTC-LONG" }, "unknown market"},
		{"unknown asset", alice, func(p *PositionOrderPayload) { p.CollateralAsset = "DAI" }, "unknown collateral asset"},
		{"ineligible collateral", alice, func(p *PositionOrderPayload) { p.CollateralAsset = "LUX" }, "not accepted as collateral"},
		{"zero size", alice, func(p *PositionOrderPayload) { p.Size = wad() }, "size must be positive"},
		{"lot violation", alice, func(p *PositionOrderPayload) { p.Size = W(0.00005) }, "not a multiple of lot"},
		{"limit without price", alice, func(p *PositionOrderPayload) { p.IsMarketOrder = false }, "needs a limit price"},
		{"trigger flags on close", alice, func(p *PositionOrderPayload) {
			p.IsOpen = false
			p.CollateralAmount = wad()
			p.TakeProfitPrice = W(3000)
		}, "only apply to opens"},
		{"close without position", alice, func(p *PositionOrderPayload) {
			p.IsOpen = false
			p.CollateralAmount = wad()
		}, "no open position"},
		{"leverage above cap", alice, func(p *PositionOrderPayload) { p.Size = W(50) }, "leverage above market cap"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			_, err := env.eng.PlacePositionOrder(Auth{Caller: tc.caller}, p)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.ErrorContains(t, err, tc.want)
		})
	}

	t.Run("caller is not the owner", func(t *testing.T) {
		_, err := env.eng.PlacePositionOrder(Auth{Caller: bob}, base)
		var aerr *AuthorizationError
		require.ErrorAs(t, err, &aerr)
	})

	t.Run("insufficient collateral", func(t *testing.T) {
		p := base
		p.CollateralAmount = W(5000)
		_, err := env.eng.PlacePositionOrder(Auth{Caller: alice}, p)
		var cerr *CapacityError
		require.ErrorAs(t, err, &cerr)
	})
}

func TestExecutionFeeEscrowAndRollback(t *testing.T) {
	env := newTradingEnv(t)
	acct := AccountID{Owner: alice, SubID: 1}
	env.fund(acct, "USDC", W(1000))
	// No LUX funded yet: the fee escrow must fail and roll the collateral
	// escrow back.
	_, err := env.eng.PlacePositionOrder(Auth{Caller: alice}, PositionOrderPayload{
		Account:          acct,
		Market:           "ETH-LONG",
		CollateralAsset:  "USDC",
		CollateralAmount: W(500),
		Size:             W(1),
		IsOpen:           true,
		IsMarketOrder:    true,
	})
	var cerr *CapacityError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorContains(t, err, "execution fee")
	assert.Equal(t, W(1000), env.eng.CollateralBalance(acct, "USDC"))

	env.fund(AccountID{Owner: alice}, "LUX", W(1))
	env.placeOpen(alice, acct, W(1), W(500))
	assert.Equal(t, W(500), env.eng.CollateralBalance(acct, "USDC"))
	assert.Equal(t, W(0.99), env.eng.CollateralBalance(AccountID{Owner: alice}, "LUX"))
}

// ---- cancellation ----

func TestOwnerCancelCoolDown(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))
	id := env.placeOpen(alice, acct, W(1), W(500))

	err := env.eng.CancelOrder(Auth{Caller: alice}, id)
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.ErrorContains(t, err, "cool down")

	env.clock.advance(61 * time.Second)
	require.NoError(t, env.eng.CancelOrder(Auth{Caller: alice}, id))

	// Collateral and execution fee both come back.
	assert.Equal(t, W(1000), env.eng.CollateralBalance(acct, "USDC"))
	assert.Equal(t, W(1), env.eng.CollateralBalance(AccountID{Owner: alice}, "LUX"))

	o, err := env.eng.GetOrder(id)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, o.Status)

	// Terminal orders stay terminal.
	err = env.eng.CancelOrder(Auth{Caller: alice}, id)
	require.ErrorAs(t, err, &serr)
}

func TestBrokerCancelWindow(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))
	id := env.placeOpen(alice, acct, W(1), W(500))

	// A market order is broker-cancellable only once its fill window has
	// lapsed.
	env.clock.advance(61 * time.Second)
	err := env.eng.CancelOrder(Auth{Caller: broker}, id)
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.ErrorContains(t, err, "not expired")

	env.clock.advance(60 * time.Second)
	require.NoError(t, env.eng.CancelOrder(Auth{Caller: broker}, id))
	assert.Equal(t, W(1000), env.eng.CollateralBalance(acct, "USDC"))
}

func TestCancelUnauthorized(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))
	id := env.placeOpen(alice, acct, W(1), W(500))

	err := env.eng.CancelOrder(Auth{Caller: bob}, id)
	var aerr *AuthorizationError
	require.ErrorAs(t, err, &aerr)

	require.ErrorIs(t, env.eng.CancelOrder(Auth{Caller: alice}, 999), ErrOrderNotFound)
}

// ---- fills ----

func TestFillGuards(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))
	id := env.placeOpen(alice, acct, W(1), W(500))

	var aerr *AuthorizationError
	require.ErrorAs(t, env.eng.FillPositionOrder(Auth{Caller: alice}, id), &aerr)

	require.ErrorIs(t, env.eng.FillPositionOrder(Auth{Caller: broker}, 999), ErrOrderNotFound)

	// Kind mismatch.
	var verr *ValidationError
	require.ErrorAs(t, env.eng.FillLiquidityOrder(Auth{Caller: broker}, id), &verr)

	env.fill(id)
	var serr *StateError
	require.ErrorAs(t, env.eng.FillPositionOrder(Auth{Caller: broker}, id), &serr)
}

func TestMarketOrderExpires(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))
	id := env.placeOpen(alice, acct, W(1), W(500))

	env.clock.advance(3 * time.Minute)
	err := env.eng.FillPositionOrder(Auth{Caller: broker}, id)
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.ErrorContains(t, err, "expired")
}

func TestStaleOracleQuoteRejected(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))
	id := env.placeOpen(alice, acct, W(1), W(500))

	at := env.clock.Now()
	env.oracle.fixedAt = &at
	env.clock.advance(90 * time.Second) // inside the fill window, past MaxPriceAge

	err := env.eng.FillPositionOrder(Auth{Caller: broker}, id)
	var perr *PriceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorContains(t, err, "stale")
}

func TestOpenCloseRoundTripNoFees(t *testing.T) {
	env := newTestEnv(t, func(cfg *EngineConfig) { cfg.ExecutionFee = wad() })
	env.addPool("main", nil, "USDC", "WETH")
	env.addMarket("ETH-LONG", "eth", true, wad(), "main")
	env.seedPool("main", "USDC", W(100_000))

	acct := AccountID{Owner: alice, SubID: 1}
	env.fund(acct, "USDC", W(1000))

	env.fill(env.placeOpen(alice, acct, W(1), W(500)))
	pos, ok := env.eng.GetPosition(acct, "ETH-LONG")
	require.True(t, ok)
	assert.Equal(t, W(1), pos.Size)
	assert.Equal(t, W(2500), pos.AverageEntry)

	// Same price, same instant: closing must restore the account exactly.
	env.fill(env.placeClose(alice, acct, W(1)))
	assert.Equal(t, W(1000), env.eng.CollateralBalance(acct, "USDC"))
	assert.Equal(t, W(100_000), env.eng.PoolBalance("main", "USDC"))
	_, ok = env.eng.GetPosition(acct, "ETH-LONG")
	assert.False(t, ok)
	assert.Empty(t, env.eng.ActivePositions())
}

func TestCloseRealizesProfitFromPool(t *testing.T) {
	env := newTestEnv(t, func(cfg *EngineConfig) { cfg.ExecutionFee = wad() })
	env.addPool("main", nil, "USDC", "WETH")
	env.addMarket("ETH-LONG", "eth", true, wad(), "main")
	env.seedPool("main", "USDC", W(100_000))

	acct := AccountID{Owner: alice, SubID: 1}
	env.fund(acct, "USDC", W(1000))
	env.fill(env.placeOpen(alice, acct, W(1), W(500)))

	env.oracle.set("eth", W(2600))
	env.fill(env.placeClose(alice, acct, W(1)))

	assert.Equal(t, W(1100), env.eng.CollateralBalance(acct, "USDC"))
	assert.Equal(t, W(99_900), env.eng.PoolBalance("main", "USDC"))
}

func TestFillOpenFeeWaterfall(t *testing.T) {
	env := newTradingEnv(t)
	require.NoError(t, env.eng.SetReferralTier(Auth{Caller: admin}, ReferralTier{
		Code:            "vip",
		DiscountRate:    W(0.04),
		RebateRate:      W(0.06),
		RebateRecipient: referrer,
	}))

	acct := env.fundTrader(alice, W(1000))
	id, err := env.eng.PlacePositionOrder(Auth{Caller: alice}, PositionOrderPayload{
		Account:          acct,
		Market:           "ETH-LONG",
		CollateralAsset:  "USDC",
		CollateralAmount: W(500),
		Size:             W(1),
		IsOpen:           true,
		IsMarketOrder:    true,
		ReferralCode:     "vip",
	})
	require.NoError(t, err)
	env.fill(id)

	// Fee 2.5 USDC on 2500 notional: discount 0.1 back to the payer,
	// rebate 0.15 to the referrer, LP 1.6875, protocol 0.5625.
	assert.Equal(t, W(997.6), env.eng.CollateralBalance(acct, "USDC"))
	assert.Equal(t, W(0.15), env.eng.CollateralBalance(AccountID{Owner: referrer}, "USDC"))
	assert.Equal(t, W(100_001.6875), env.eng.PoolBalance("main", "USDC"))
	assert.Equal(t, W(0.5625), env.eng.ProtocolRevenue("USDC"))

	// The broker earned the prepaid execution fees: one for seeding the
	// pool, one for this fill.
	assert.Equal(t, W(0.02), env.eng.CollateralBalance(AccountID{Owner: broker}, "LUX"))
}

func TestFillOpenInsufficientMargin(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(60))
	id := env.placeOpen(alice, acct, W(1), W(60))

	// 2500 notional at 5% IMR needs 125 USD of equity; 60 minus the fee is
	// nowhere close.
	err := env.eng.FillPositionOrder(Auth{Caller: broker}, id)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "insufficient margin")

	// The order survives the failed fill; cancelling returns the escrow.
	env.clock.advance(61 * time.Second)
	require.NoError(t, env.eng.CancelOrder(Auth{Caller: alice}, id))
	assert.Equal(t, W(60), env.eng.CollateralBalance(acct, "USDC"))
}

func TestFillOpenInterestCap(t *testing.T) {
	env := newTradingEnv(t)
	require.NoError(t, env.eng.AddMarket(Auth{Caller: admin}, Market{
		ID:       "ETH-CAPPED",
		OracleID: "eth",
		IsLong:   true,
		Pools:    []string{"main"},
		Config: MarketConfig{
			FeeRate:               wad(),
			InitialMarginRate:     W(0.05),
			MaintenanceMarginRate: W(0.02),
			LotSize:               W(0.0001),
			OpenInterestCapUsd:    W(2000),
		},
	}))

	acct := env.fundTrader(alice, W(1000))
	id, err := env.eng.PlacePositionOrder(Auth{Caller: alice}, PositionOrderPayload{
		Account:          acct,
		Market:           "ETH-CAPPED",
		CollateralAsset:  "USDC",
		CollateralAmount: W(500),
		Size:             W(1),
		IsOpen:           true,
		IsMarketOrder:    true,
	})
	require.NoError(t, err)

	fillErr := env.eng.FillPositionOrder(Auth{Caller: broker}, id)
	var cerr *CapacityError
	require.ErrorAs(t, fillErr, &cerr)
	assert.ErrorContains(t, fillErr, "open interest cap")
}

func TestLimitOrderPriceGate(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))

	id, err := env.eng.PlacePositionOrder(Auth{Caller: alice}, PositionOrderPayload{
		Account:          acct,
		Market:           "ETH-LONG",
		CollateralAsset:  "USDC",
		CollateralAmount: W(500),
		Size:             W(1),
		LimitPrice:       W(2400),
		IsOpen:           true,
	})
	require.NoError(t, err)

	fillErr := env.eng.FillPositionOrder(Auth{Caller: broker}, id)
	var perr *PriceError
	require.ErrorAs(t, fillErr, &perr)

	env.oracle.set("eth", W(2400))
	env.fill(id)
	pos, ok := env.eng.GetPosition(acct, "ETH-LONG")
	require.True(t, ok)
	assert.Equal(t, W(2400), pos.AverageEntry)
}

func TestLimitSatisfied(t *testing.T) {
	long := &Market{IsLong: true}
	short := &Market{IsLong: false}
	limit := W(2500)

	cases := []struct {
		name     string
		m        *Market
		open     bool
		stopLoss bool
		price    *big.Int
		want     bool
	}{
		{"long open below limit", long, true, false, W(2400), true},
		{"long open above limit", long, true, false, W(2600), false},
		{"long close above limit", long, false, false, W(2600), true},
		{"long close below limit", long, false, false, W(2400), false},
		{"long stop-loss below limit", long, false, true, W(2400), true},
		{"long stop-loss above limit", long, false, true, W(2600), false},
		{"short open above limit", short, true, false, W(2600), true},
		{"short close below limit", short, false, false, W(2400), true},
		{"short stop-loss above limit", short, false, true, W(2600), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &PositionOrderPayload{IsOpen: tc.open, IsStopLoss: tc.stopLoss, LimitPrice: limit}
			assert.Equal(t, tc.want, limitSatisfied(tc.m, p, tc.price))
		})
	}
}

func TestTriggerOrdersSpawnOnOpenFill(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))

	id, err := env.eng.PlacePositionOrder(Auth{Caller: alice}, PositionOrderPayload{
		Account:          acct,
		Market:           "ETH-LONG",
		CollateralAsset:  "USDC",
		CollateralAmount: W(500),
		Size:             W(1),
		IsOpen:           true,
		IsMarketOrder:    true,
		TakeProfitPrice:  W(3000),
		StopLossPrice:    W(2000),
	})
	require.NoError(t, err)
	env.fill(id)

	orders := env.eng.GetOrdersOf(alice, 1, 10)
	require.Len(t, orders, 3)

	tp, sl := orders[1], orders[2]
	require.False(t, tp.Position.IsStopLoss)
	require.True(t, sl.Position.IsStopLoss)
	for _, o := range []Order{tp, sl} {
		assert.Equal(t, Pending, o.Status)
		assert.False(t, o.Position.IsOpen)
		assert.Equal(t, W(1), o.Position.Size)
		assert.Zero(t, o.ExecutionFee.Sign())
	}
	assert.Equal(t, W(3000), tp.Position.LimitPrice)
	assert.Equal(t, W(2000), sl.Position.LimitPrice)

	// The take-profit fires once the market trades through it …
	env.oracle.set("eth", W(3000))
	env.fill(tp.ID)
	_, ok := env.eng.GetPosition(acct, "ETH-LONG")
	assert.False(t, ok)

	// … and the orphaned stop-loss can no longer fill.
	err = env.eng.FillPositionOrder(Auth{Caller: broker}, sl.ID)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "no open position")
}

// ---- liquidity ----

func TestLiquidityAddRemove(t *testing.T) {
	env := newTestEnv(t)
	env.addPool("main", nil, "USDC")

	env.fund(AccountID{Owner: lpAddr}, "USDC", W(1000))
	env.fund(AccountID{Owner: lpAddr}, "LUX", W(1))

	id, err := env.eng.PlaceLiquidityOrder(Auth{Caller: lpAddr}, LiquidityOrderPayload{
		Pool: "main", Asset: "USDC", Amount: W(1000), IsAdding: true,
	})
	require.NoError(t, err)
	require.NoError(t, env.eng.FillLiquidityOrder(Auth{Caller: broker}, id))

	// First add into an empty pool mints one share per USD.
	assert.Equal(t, W(1000), env.eng.shares.BalanceOf("main", lpAddr))
	assert.Equal(t, W(1000), env.eng.PoolBalance("main", "USDC"))
	assert.Zero(t, env.eng.CollateralBalance(AccountID{Owner: lpAddr}, "USDC").Sign())

	id, err = env.eng.PlaceLiquidityOrder(Auth{Caller: lpAddr}, LiquidityOrderPayload{
		Pool: "main", Asset: "USDC", Amount: W(400), IsAdding: false,
	})
	require.NoError(t, err)
	require.NoError(t, env.eng.FillLiquidityOrder(Auth{Caller: broker}, id))

	assert.Equal(t, W(600), env.eng.shares.BalanceOf("main", lpAddr))
	assert.Equal(t, W(600), env.eng.shares.TotalSupply("main"))
	assert.Equal(t, W(600), env.eng.PoolBalance("main", "USDC"))
	assert.Equal(t, W(400), env.eng.CollateralBalance(AccountID{Owner: lpAddr}, "USDC"))
}

func TestLiquidityFeeCharged(t *testing.T) {
	env := newTestEnv(t, func(cfg *EngineConfig) { cfg.LiquidityFeeRate = W(0.001) })
	env.addPool("main", nil, "USDC")

	env.fund(AccountID{Owner: lpAddr}, "USDC", W(1000))
	env.fund(AccountID{Owner: lpAddr}, "LUX", W(1))
	id, err := env.eng.PlaceLiquidityOrder(Auth{Caller: lpAddr}, LiquidityOrderPayload{
		Pool: "main", Asset: "USDC", Amount: W(1000), IsAdding: true,
	})
	require.NoError(t, err)
	require.NoError(t, env.eng.FillLiquidityOrder(Auth{Caller: broker}, id))

	// 1 USDC fee: 0.75 back to the pool as the LP leg, 0.25 to protocol.
	assert.Equal(t, W(999), env.eng.shares.BalanceOf("main", lpAddr))
	assert.Equal(t, W(999.75), env.eng.PoolBalance("main", "USDC"))
	assert.Equal(t, W(0.25), env.eng.ProtocolRevenue("USDC"))
}

func TestLiquidityCapEnforced(t *testing.T) {
	env := newTestEnv(t)
	env.addPool("small", W(500), "USDC")

	env.fund(AccountID{Owner: lpAddr}, "USDC", W(1000))
	env.fund(AccountID{Owner: lpAddr}, "LUX", W(1))
	id, err := env.eng.PlaceLiquidityOrder(Auth{Caller: lpAddr}, LiquidityOrderPayload{
		Pool: "small", Asset: "USDC", Amount: W(1000), IsAdding: true,
	})
	require.NoError(t, err)

	fillErr := env.eng.FillLiquidityOrder(Auth{Caller: broker}, id)
	var cerr *CapacityError
	require.ErrorAs(t, fillErr, &cerr)
	assert.ErrorContains(t, fillErr, "liquidity cap")
}

func TestLiquidityDrainingPoolRejectsAdds(t *testing.T) {
	env := newTestEnv(t)
	env.addPool("main", nil, "USDC")
	env.seedPool("main", "USDC", W(1000))
	require.NoError(t, env.eng.SetPoolDraining(Auth{Caller: admin}, "main", true))

	_, err := env.eng.PlaceLiquidityOrder(Auth{Caller: lpAddr}, LiquidityOrderPayload{
		Pool: "main", Asset: "USDC", Amount: W(100), IsAdding: true,
	})
	var cerr *CapacityError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorContains(t, err, "draining")

	// Removal stays open on a draining pool.
	id, err := env.eng.PlaceLiquidityOrder(Auth{Caller: lpAddr}, LiquidityOrderPayload{
		Pool: "main", Asset: "USDC", Amount: W(100), IsAdding: false,
	})
	require.NoError(t, err)
	require.NoError(t, env.eng.FillLiquidityOrder(Auth{Caller: broker}, id))
}

func TestLiquidityRemoveWithoutShares(t *testing.T) {
	env := newTestEnv(t)
	env.addPool("main", nil, "USDC")
	env.fund(AccountID{Owner: bob}, "LUX", W(1))

	_, err := env.eng.PlaceLiquidityOrder(Auth{Caller: bob}, LiquidityOrderPayload{
		Pool: "main", Asset: "USDC", Amount: W(100), IsAdding: false,
	})
	require.Error(t, err)
}

// ---- withdrawals ----

func TestWithdrawalFlow(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))

	id, err := env.eng.PlaceWithdrawalOrder(Auth{Caller: alice}, WithdrawalOrderPayload{
		Account: acct, Asset: "USDC", Amount: W(300),
	})
	require.NoError(t, err)
	require.NoError(t, env.eng.FillWithdrawalOrder(Auth{Caller: broker}, id))
	assert.Equal(t, W(700), env.eng.CollateralBalance(acct, "USDC"))
}

func TestWithdrawalMarginGate(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))
	env.fill(env.placeOpen(alice, acct, W(1), W(500)))

	// Equity 997.5 against a 125 USD margin floor: 900 breaches, 500
	// clears.
	id, err := env.eng.PlaceWithdrawalOrder(Auth{Caller: alice}, WithdrawalOrderPayload{
		Account: acct, Asset: "USDC", Amount: W(900),
	})
	require.NoError(t, err)
	fillErr := env.eng.FillWithdrawalOrder(Auth{Caller: broker}, id)
	var verr *ValidationError
	require.ErrorAs(t, fillErr, &verr)
	assert.ErrorContains(t, fillErr, "breach")

	id, err = env.eng.PlaceWithdrawalOrder(Auth{Caller: alice}, WithdrawalOrderPayload{
		Account: acct, Asset: "USDC", Amount: W(500),
	})
	require.NoError(t, err)
	require.NoError(t, env.eng.FillWithdrawalOrder(Auth{Caller: broker}, id))
	assert.Equal(t, W(497.5), env.eng.CollateralBalance(acct, "USDC"))
}

// ---- rebalancing ----

func TestRebalanceRequiresRole(t *testing.T) {
	env := newTradingEnv(t)
	_, err := env.eng.PlaceRebalanceOrder(Auth{Caller: alice}, RebalanceOrderPayload{
		Pool: "main", TokenIn: "USDC", TokenOut: "WETH", AmountIn: W(1000),
	})
	var aerr *AuthorizationError
	require.ErrorAs(t, err, &aerr)
}

func TestRebalanceNoRouteRestoresBalance(t *testing.T) {
	env := newTradingEnv(t)
	env.fund(AccountID{Owner: rebal}, "LUX", W(1))

	id, err := env.eng.PlaceRebalanceOrder(Auth{Caller: rebal}, RebalanceOrderPayload{
		Pool: "main", TokenIn: "USDC", TokenOut: "WETH", AmountIn: W(1000),
	})
	require.NoError(t, err)
	require.NoError(t, env.eng.FillRebalanceOrder(Auth{Caller: broker}, id))

	// Without a route the amount returns in tokenIn units; nothing moved.
	assert.Equal(t, W(100_000), env.eng.PoolBalance("main", "USDC"))
	assert.Zero(t, env.eng.PoolBalance("main", "WETH").Sign())
}

func TestRebalanceRoutedSwap(t *testing.T) {
	env := newTradingEnv(t)
	env.fund(AccountID{Owner: rebal}, "LUX", W(1))
	env.eng.router = routerFunc(func(_ string, _ *big.Int, _ string, _ *big.Int) (*big.Int, bool, error) {
		return W(0.4), true, nil
	})

	id, err := env.eng.PlaceRebalanceOrder(Auth{Caller: rebal}, RebalanceOrderPayload{
		Pool: "main", TokenIn: "USDC", TokenOut: "WETH", AmountIn: W(1000),
	})
	require.NoError(t, err)
	require.NoError(t, env.eng.FillRebalanceOrder(Auth{Caller: broker}, id))

	assert.Equal(t, W(99_000), env.eng.PoolBalance("main", "USDC"))
	assert.Equal(t, W(0.4), env.eng.PoolBalance("main", "WETH"))
}

func TestRebalanceRouterFailureRollsBack(t *testing.T) {
	env := newTradingEnv(t)
	env.fund(AccountID{Owner: rebal}, "LUX", W(1))
	env.eng.router = routerFunc(func(_ string, _ *big.Int, _ string, _ *big.Int) (*big.Int, bool, error) {
		return nil, false, fmt.Errorf("slippage exceeded")
	})

	id, err := env.eng.PlaceRebalanceOrder(Auth{Caller: rebal}, RebalanceOrderPayload{
		Pool: "main", TokenIn: "USDC", TokenOut: "WETH", AmountIn: W(1000),
	})
	require.NoError(t, err)

	fillErr := env.eng.FillRebalanceOrder(Auth{Caller: broker}, id)
	var perr *PriceError
	require.ErrorAs(t, fillErr, &perr)
	assert.Equal(t, W(100_000), env.eng.PoolBalance("main", "USDC"))

	o, err := env.eng.GetOrder(id)
	require.NoError(t, err)
	assert.Equal(t, Pending, o.Status)
}

func TestRebalanceTokenOutMustBePoolAsset(t *testing.T) {
	env := newTradingEnv(t)
	env.fund(AccountID{Owner: rebal}, "LUX", W(1))

	_, err := env.eng.PlaceRebalanceOrder(Auth{Caller: rebal}, RebalanceOrderPayload{
		Pool: "main", TokenIn: "USDC", TokenOut: "LUX", AmountIn: W(1000),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "does not settle")
}

// ---- borrowing maintenance and sweeps ----

func TestUpdateBorrowingFeePermissionless(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))
	env.fill(env.placeOpen(alice, acct, W(1), W(500)))

	env.clock.advance(2 * time.Hour)
	require.NoError(t, env.eng.UpdateBorrowingFee("ETH-LONG"))

	state, ok := env.eng.PoolMarket("main", "ETH-LONG")
	require.True(t, ok)
	assert.Positive(t, state.CumulatedBorrowingPerUsd.Sign())

	var verr *ValidationError
	require.ErrorAs(t, env.eng.UpdateBorrowingFee("BTC-LONG"), &verr)
}

func TestIsADLTriggered(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))
	env.fill(env.placeOpen(alice, acct, W(1), W(500)))

	// Reserved P&L budget is 10% of 2500 exposure; the 90% trigger arms at
	// a 225 USD gain.
	env.oracle.set("eth", W(2600))
	hot, err := env.eng.IsADLTriggered("main", "ETH-LONG")
	require.NoError(t, err)
	assert.False(t, hot)

	env.oracle.set("eth", W(2750))
	hot, err = env.eng.IsADLTriggered("main", "ETH-LONG")
	require.NoError(t, err)
	assert.True(t, hot)

	_, err = env.eng.IsADLTriggered("nope", "ETH-LONG")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

// ---- protocol revenue ----

func TestClaimProtocolRevenue(t *testing.T) {
	env := newTradingEnv(t)
	acct := env.fundTrader(alice, W(1000))
	env.fill(env.placeOpen(alice, acct, W(1), W(500)))

	// 2.5 USDC fee, no referral: 0.625 lands in the protocol pot.
	require.Equal(t, W(0.625), env.eng.ProtocolRevenue("USDC"))

	treasury := AccountID{Owner: Address("treasury")}
	_, err := env.eng.ClaimProtocolRevenue(Auth{Caller: bob}, "USDC", treasury)
	var aerr *AuthorizationError
	require.ErrorAs(t, err, &aerr)

	claimed, err := env.eng.ClaimProtocolRevenue(Auth{Caller: admin}, "USDC", treasury)
	require.NoError(t, err)
	assert.Equal(t, W(0.625), claimed)
	assert.Equal(t, W(0.625), env.eng.CollateralBalance(treasury, "USDC"))
	assert.Zero(t, env.eng.ProtocolRevenue("USDC").Sign())

	claimed, err = env.eng.ClaimProtocolRevenue(Auth{Caller: admin}, "USDC", treasury)
	require.NoError(t, err)
	assert.Zero(t, claimed.Sign())
}

// ---- queries ----

func TestGetOrdersPagination(t *testing.T) {
	env := newTradingEnv(t) // seeding placed order 1 for lpAddr
	acct := env.fundTrader(alice, W(1000))
	env.placeOpen(alice, acct, W(1), W(100))
	env.placeOpen(alice, acct, W(1), W(100))

	env.fund(AccountID{Owner: bob}, "LUX", W(1))
	_, err := env.eng.PlaceWithdrawalOrder(Auth{Caller: bob}, WithdrawalOrderPayload{
		Account: AccountID{Owner: bob}, Asset: "LUX", Amount: W(0.5),
	})
	require.NoError(t, err)

	all := env.eng.GetOrders(1, 10)
	require.Len(t, all, 4)
	for i, o := range all {
		assert.Equal(t, uint64(i+1), o.ID)
	}

	page := env.eng.GetOrders(2, 2)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].ID)
	assert.Equal(t, uint64(3), page[1].ID)

	mine := env.eng.GetOrdersOf(alice, 1, 10)
	require.Len(t, mine, 2)
	for _, o := range mine {
		assert.Equal(t, alice, o.Owner)
	}

	assert.Empty(t, env.eng.GetOrders(5, 10))
}
