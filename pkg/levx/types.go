package levx

import (
	"fmt"
	"math/big"
	"time"
)

// Address identifies an external party: trader, broker, rebalancer,
// referrer. Authentication happens upstream; here it is an opaque id.
type Address string

// AccountID is an owner plus a sub-account index. Each account carries its
// own collateral balances and positions.
type AccountID struct {
	Owner Address `json:"owner"`
	SubID uint32  `json:"subId"`
}

func (a AccountID) String() string { return fmt.Sprintf("%s#%d", a.Owner, a.SubID) }

func (a AccountID) IsZero() bool { return a.Owner == "" }

// Role names a capability checked through the RoleRegistry collaborator.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleBroker     Role = "broker"
	RoleRebalancer Role = "rebalancer"
)

// Auth is the capability context passed into every state-changing
// operation. Role checks are evaluated per call, never cached.
type Auth struct {
	Caller Address
}

// Asset is a registered collateral or settlement asset. Decimals are fixed
// at registration and used only for raw-amount conversion at the boundary.
type Asset struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	OracleID string `json:"oracleId"`
	// Stable assets price at exactly one USD without an oracle round trip.
	IsStable bool `json:"isStable"`
}

// MarketConfig is the per-market static configuration.
type MarketConfig struct {
	FeeRate               *big.Int // trading fee, fraction of notional
	InitialMarginRate     *big.Int
	MaintenanceMarginRate *big.Int
	LotSize               *big.Int
	OpenInterestCapUsd    *big.Int // zero means uncapped
	MaxLeverage           *big.Int
}

// Market is a tradeable instrument backed by an ordered list of collateral
// pools. Direction is fixed per market: a long market and a short market on
// the same underlying are distinct instruments.
type Market struct {
	ID       string
	OracleID string
	IsLong   bool
	Pools    []string // backing pool ids, allocation order
	Config   MarketConfig
}

func (m *Market) directionSign() int64 {
	if m.IsLong {
		return 1
	}
	return -1
}

// PoolConfig is the per-pool static configuration, including the borrowing
// curve parameters.
type PoolConfig struct {
	CurveK          *big.Int
	CurveB          *big.Int
	BaseAPY         *big.Int
	LiquidityCapUsd *big.Int
	ReserveRate     *big.Int
	ADLTriggerRate  *big.Int
	ADLMaxPnlRate   *big.Int
	IsHighPriority  bool
	IsDraining      bool
}

// PoolMarketState is a pool's aggregate exposure to one market.
// cumulatedBorrowingPerUsd is monotone non-decreasing.
type PoolMarketState struct {
	TotalSize                *big.Int
	AverageEntryPrice        *big.Int
	CumulatedBorrowingPerUsd *big.Int
	LastAccrualTime          time.Time
}

func newPoolMarketState() *PoolMarketState {
	return &PoolMarketState{
		TotalSize:                wad(),
		AverageEntryPrice:        wad(),
		CumulatedBorrowingPerUsd: wad(),
	}
}

// CollateralPool holds settlement assets, issues a fungible share claim,
// and backs one or more markets.
type CollateralPool struct {
	ID       string
	Assets   []string            // settlement asset ids, deterministic order
	Balances map[string]*big.Int // asset id -> wad balance
	Markets  map[string]*PoolMarketState
	Config   PoolConfig
}

func (p *CollateralPool) marketState(marketID string) *PoolMarketState {
	s, ok := p.Markets[marketID]
	if !ok {
		s = newPoolMarketState()
		p.Markets[marketID] = s
	}
	return s
}

func (p *CollateralPool) holdsAsset(assetID string) bool {
	for _, a := range p.Assets {
		if a == assetID {
			return true
		}
	}
	return false
}

// exposureUsd is the pool's open exposure to a market valued at the
// aggregate entry price.
func (s *PoolMarketState) exposureUsd() *big.Int {
	return WadMul(s.TotalSize, s.AverageEntryPrice)
}

// PoolAllocation is a position's slice held against one backing pool.
type PoolAllocation struct {
	PoolID               string
	Size                 *big.Int
	EntryPrice           *big.Int
	EntryBorrowingPerUsd *big.Int
}

// Position aggregates one account's exposure to one market across pools.
// Invariant: the allocation sizes always sum to Size.
type Position struct {
	Account         AccountID
	MarketID        string
	CollateralAsset string
	Size            *big.Int
	AverageEntry    *big.Int
	Allocations     []*PoolAllocation
}

func (p *Position) allocation(poolID string) *PoolAllocation {
	for _, a := range p.Allocations {
		if a.PoolID == poolID {
			return a
		}
	}
	return nil
}

// Account holds free collateral per asset. Balances may go negative after
// borrowing-fee settlement; a negative balance is the liquidation signal.
type Account struct {
	ID         AccountID
	Collateral map[string]*big.Int // asset id -> wad, normalized
}

func (a *Account) balance(assetID string) *big.Int {
	b, ok := a.Collateral[assetID]
	if !ok {
		b = wad()
		a.Collateral[assetID] = b
	}
	return b
}

// ReferralTier maps a referral code to its fee treatment.
type ReferralTier struct {
	Code            string
	DiscountRate    *big.Int
	RebateRate      *big.Int
	RebateRecipient Address
}

// PriceOracle supplies authenticated prices. Verification happens
// upstream; quotes older than the engine's staleness bound are rejected
// here with PriceError.
type PriceOracle interface {
	Price(oracleID string) (price *big.Int, at time.Time, err error)
}

// SwapRouter attempts an asset exchange during pool rebalancing. A missing
// route is a soft failure: the router reports converted=false and the
// amount comes back in tokenIn units. Slippage violations are hard errors.
type SwapRouter interface {
	Swap(tokenIn string, amountIn *big.Int, tokenOut string, minOut *big.Int) (out *big.Int, converted bool, err error)
}

// RoleRegistry answers per-call capability checks.
type RoleRegistry interface {
	HasRole(role Role, caller Address) bool
}

// StaticRoles is a fixed in-memory RoleRegistry.
type StaticRoles map[Role][]Address

func (s StaticRoles) HasRole(role Role, caller Address) bool {
	for _, a := range s[role] {
		if a == caller {
			return true
		}
	}
	return false
}

// Clock is the single monotonic time source shared by accrual and expiry.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }
