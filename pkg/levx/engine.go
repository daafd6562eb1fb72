package levx

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// escrowAddr holds order-escrowed pool shares until fill or cancel.
const escrowAddr = Address("levx:escrow")

// EngineConfig is the engine-wide static configuration.
type EngineConfig struct {
	GasAsset         string
	ExecutionFee     *big.Int // prepaid per order, wad of GasAsset
	ProtocolLpRatio  *big.Int // LP share of the post-discount/rebate remainder
	LiquidityFeeRate *big.Int

	AccrualInterval  time.Duration
	MaxPriceAge      time.Duration
	MarketFillWindow time.Duration
	LimitFillWindow  time.Duration
	CancelCoolDown   time.Duration
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		GasAsset:         "LUX",
		ExecutionFee:     W(0.01),
		ProtocolLpRatio:  W(0.75),
		LiquidityFeeRate: W(0.001),
		AccrualInterval:  time.Hour,
		MaxPriceAge:      time.Minute,
		MarketFillWindow: 2 * time.Minute,
		LimitFillWindow:  24 * time.Hour,
		CancelCoolDown:   time.Minute,
	}
}

// Engine is the accounting core: accounts, positions, pools, orders, fees.
// Execution is single-writer: one mutex serializes every call, each call
// commits entirely or returns an error having changed nothing. Internal
// state always updates before any collaborator interaction.
type Engine struct {
	mu  sync.Mutex
	cfg EngineConfig

	logger log.Logger
	clock  Clock
	oracle PriceOracle
	router SwapRouter
	roles  RoleRegistry
	shares ShareToken
	store  *Store

	assets  map[string]*Asset
	markets map[string]*Market
	pools   map[string]*CollateralPool

	led  *ledger
	book *orderBook
	refs *referralBook

	protocolRevenue map[string]*big.Int

	timing orderTiming
	events chan Event
}

// NewEngine wires the engine with its collaborators. The share ledger
// defaults to the in-memory implementation; replace it with SetShareToken
// before any liquidity operation.
func NewEngine(cfg EngineConfig, oracle PriceOracle, router SwapRouter, roles RoleRegistry, logger log.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger,
		clock:  WallClock{},
		oracle: oracle,
		router: router,
		roles:  roles,
		shares: NewShareLedger(),

		assets:  make(map[string]*Asset),
		markets: make(map[string]*Market),
		pools:   make(map[string]*CollateralPool),

		led:  newLedger(),
		book: newOrderBook(),
		refs: newReferralBook(),

		protocolRevenue: make(map[string]*big.Int),

		timing: orderTiming{
			MarketFillWindow: cfg.MarketFillWindow,
			LimitFillWindow:  cfg.LimitFillWindow,
			CancelCoolDown:   cfg.CancelCoolDown,
		},
		events: make(chan Event, 1024),
	}
}

// SetClock swaps the time source. Test hook; call before use.
func (e *Engine) SetClock(c Clock) { e.clock = c }

// SetShareToken replaces the pool-share ledger.
func (e *Engine) SetShareToken(s ShareToken) { e.shares = s }

// SetStore attaches order persistence. Existing orders are loaded
// immediately.
func (e *Engine) SetStore(s *Store) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = s
	return s.load(e.book, e.protocolRevenue)
}

// Events is the settled-change feed consumed by the websocket hub and the
// NATS publisher.
func (e *Engine) Events() <-chan Event { return e.events }

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event dropped, subscriber too slow", "event", ev.Name())
	}
}

func (e *Engine) requireRole(role Role, caller Address) error {
	if !e.roles.HasRole(role, caller) {
		return &AuthorizationError{Role: role, Caller: caller}
	}
	return nil
}

// priceOf reads the oracle for an asset or market oracle id, enforcing the
// staleness bound. Stable assets price at one USD.
func (e *Engine) priceOf(oracleID string, stable bool) (*big.Int, error) {
	if stable {
		return new(big.Int).Set(WadOne), nil
	}
	p, at, err := e.oracle.Price(oracleID)
	if err != nil {
		return nil, errPrice("oracle %s: %v", oracleID, err)
	}
	if e.cfg.MaxPriceAge > 0 && e.clock.Now().Sub(at) > e.cfg.MaxPriceAge {
		return nil, errPrice("oracle %s quote stale", oracleID)
	}
	if p.Sign() <= 0 {
		return nil, errPrice("oracle %s returned non-positive price", oracleID)
	}
	return p, nil
}

func (e *Engine) assetPrice(assetID string) (*big.Int, error) {
	a, ok := e.assets[assetID]
	if !ok {
		return nil, errValidation("unknown asset %q", assetID)
	}
	return e.priceOf(a.OracleID, a.IsStable)
}

// poolAUM values a pool's asset balances at oracle prices, in USD.
func (e *Engine) poolAUM(pool *CollateralPool) (*big.Int, error) {
	aum := wad()
	for assetID, bal := range pool.Balances {
		if bal.Sign() == 0 {
			continue
		}
		p, err := e.assetPrice(assetID)
		if err != nil {
			return nil, err
		}
		aum.Add(aum, WadMul(bal, p))
	}
	return aum, nil
}

func (e *Engine) marketPools(m *Market) []*CollateralPool {
	out := make([]*CollateralPool, 0, len(m.Pools))
	for _, id := range m.Pools {
		out = append(out, e.pools[id])
	}
	return out
}

// ---- administration (RoleAdmin) ----

func (e *Engine) RegisterAsset(auth Auth, a Asset) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireRole(RoleAdmin, auth.Caller); err != nil {
		return err
	}
	if a.ID == "" {
		return errValidation("asset id must be set")
	}
	if _, exists := e.assets[a.ID]; exists {
		return errValidation("asset %q already registered", a.ID)
	}
	cp := a
	e.assets[a.ID] = &cp
	e.logger.Info("asset registered", "asset", a.ID, "decimals", a.Decimals)
	return nil
}

func (e *Engine) AddPool(auth Auth, id string, assets []string, cfg PoolConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireRole(RoleAdmin, auth.Caller); err != nil {
		return err
	}
	if id == "" {
		return errValidation("pool id must be set")
	}
	if _, exists := e.pools[id]; exists {
		return errValidation("pool %q already exists", id)
	}
	for _, a := range assets {
		if _, ok := e.assets[a]; !ok {
			return errValidation("pool asset %q not registered", a)
		}
	}
	e.pools[id] = &CollateralPool{
		ID:       id,
		Assets:   append([]string(nil), assets...),
		Balances: make(map[string]*big.Int),
		Markets:  make(map[string]*PoolMarketState),
		Config:   cfg,
	}
	e.logger.Info("pool added", "pool", id, "highPriority", cfg.IsHighPriority)
	return nil
}

func (e *Engine) AddMarket(auth Auth, m Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireRole(RoleAdmin, auth.Caller); err != nil {
		return err
	}
	if m.ID == "" || len(m.Pools) == 0 {
		return errValidation("market needs an id and at least one backing pool")
	}
	if _, exists := e.markets[m.ID]; exists {
		return errValidation("market %q already exists", m.ID)
	}
	for _, p := range m.Pools {
		if _, ok := e.pools[p]; !ok {
			return errValidation("backing pool %q not found", p)
		}
	}
	cp := m
	e.markets[m.ID] = &cp
	e.logger.Info("market added", "market", m.ID, "long", m.IsLong, "pools", len(m.Pools))
	return nil
}

func (e *Engine) SetPoolDraining(auth Auth, poolID string, draining bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireRole(RoleAdmin, auth.Caller); err != nil {
		return err
	}
	p, ok := e.pools[poolID]
	if !ok {
		return errValidation("unknown pool %q", poolID)
	}
	p.Config.IsDraining = draining
	return nil
}

func (e *Engine) SetReferralTier(auth Auth, t ReferralTier) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireRole(RoleAdmin, auth.Caller); err != nil {
		return err
	}
	if t.Code == "" {
		return errValidation("referral code must be set")
	}
	e.refs.set(t)
	return nil
}

// ClaimProtocolRevenue drains the protocol pot for one asset into an
// account.
func (e *Engine) ClaimProtocolRevenue(auth Auth, assetID string, to AccountID) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireRole(RoleAdmin, auth.Caller); err != nil {
		return nil, err
	}
	pot, ok := e.protocolRevenue[assetID]
	if !ok || pot.Sign() == 0 {
		return wad(), nil
	}
	claimed := new(big.Int).Set(pot)
	e.led.account(to).balance(assetID).Add(e.led.account(to).balance(assetID), claimed)
	pot.SetInt64(0)
	e.persistPot(assetID)
	return claimed, nil
}

// ---- collateral boundary ----

// DepositCollateral credits a raw asset amount, normalized to wad at the
// asset's registered decimals. The inbound transfer itself is the caller's
// concern.
func (e *Engine) DepositCollateral(account AccountID, assetID string, rawAmount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if account.IsZero() {
		return errValidation("zero account")
	}
	a, ok := e.assets[assetID]
	if !ok {
		return errValidation("unknown asset %q", assetID)
	}
	if rawAmount.Sign() <= 0 {
		return errValidation("deposit must be positive")
	}
	amt := FromRaw(rawAmount, a.Decimals)
	bal := e.led.account(account).balance(assetID)
	bal.Add(bal, amt)
	return nil
}

// CollateralBalance reads one account balance in wad.
func (e *Engine) CollateralBalance(account AccountID, assetID string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.led.account(account).balance(assetID))
}

// ---- order placement ----

func (e *Engine) escrowExecutionFee(owner Address) (AccountID, error) {
	gasAcct := AccountID{Owner: owner, SubID: 0}
	if e.cfg.ExecutionFee.Sign() == 0 {
		return gasAcct, nil
	}
	bal := e.led.account(gasAcct).balance(e.cfg.GasAsset)
	if bal.Cmp(e.cfg.ExecutionFee) < 0 {
		return gasAcct, errCapacity("insufficient %s for execution fee", e.cfg.GasAsset)
	}
	bal.Sub(bal, e.cfg.ExecutionFee)
	return gasAcct, nil
}

func (e *Engine) refundExecutionFee(o *Order) {
	if o.ExecutionFee.Sign() == 0 {
		return
	}
	gasAcct := AccountID{Owner: o.Owner, SubID: 0}
	bal := e.led.account(gasAcct).balance(e.cfg.GasAsset)
	bal.Add(bal, o.ExecutionFee)
}

func (e *Engine) finishPlace(o *Order) uint64 {
	o.ID = e.book.allocateID()
	o.Status = Pending
	o.CreatedAt = e.clock.Now()
	e.book.add(o)
	e.persistOrder(o)
	e.emit(NewOrderEvent{Kind: o.Kind, OrderID: o.ID, Owner: o.Owner, At: o.CreatedAt})
	e.logger.Info("order placed", "id", o.ID, "kind", o.Kind.String(), "owner", o.Owner)
	return o.ID
}

func (e *Engine) PlacePositionOrder(auth Auth, p PositionOrderPayload) (id uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	if p.Account.IsZero() {
		return 0, errValidation("zero account")
	}
	if auth.Caller != p.Account.Owner {
		return 0, &AuthorizationError{Caller: auth.Caller}
	}
	m, ok := e.markets[p.Market]
	if !ok {
		return 0, errValidation("unknown market %q", p.Market)
	}
	asset, ok := e.assets[p.CollateralAsset]
	if !ok {
		return 0, errValidation("unknown collateral asset %q", p.CollateralAsset)
	}
	if !e.collateralEligible(m, asset.ID) {
		return 0, errValidation("asset %q not accepted as collateral for market %q", asset.ID, m.ID)
	}
	if p.Size == nil || p.Size.Sign() <= 0 {
		return 0, errValidation("size must be positive")
	}
	if lot := m.Config.LotSize; lot.Sign() > 0 && new(big.Int).Rem(p.Size, lot).Sign() != 0 {
		return 0, errValidation("size %s not a multiple of lot %s", p.Size, lot)
	}
	if !p.IsMarketOrder && (p.LimitPrice == nil || p.LimitPrice.Sign() <= 0) {
		return 0, errValidation("limit order needs a limit price")
	}
	if p.CollateralAmount == nil {
		p.CollateralAmount = wad()
	}
	if p.TakeProfitPrice == nil {
		p.TakeProfitPrice = wad()
	}
	if p.StopLossPrice == nil {
		p.StopLossPrice = wad()
	}
	if !p.IsOpen && (p.TakeProfitPrice.Sign() > 0 || p.StopLossPrice.Sign() > 0) {
		return 0, errValidation("take-profit/stop-loss flags only apply to opens")
	}

	if p.IsOpen {
		if err := e.checkLeverage(m, &p); err != nil {
			return 0, err
		}
		if p.CollateralAmount.Sign() > 0 {
			bal := e.led.account(p.Account).balance(asset.ID)
			if bal.Cmp(p.CollateralAmount) < 0 {
				return 0, errCapacity("insufficient %s collateral", asset.ID)
			}
			bal.Sub(bal, p.CollateralAmount)
		}
	} else if pos := e.led.position(p.Account, m.ID); pos == nil || pos.Size.Sign() == 0 {
		return 0, errValidation("no open position on market %q", m.ID)
	}

	if _, err := e.escrowExecutionFee(auth.Caller); err != nil {
		// Roll the collateral escrow back; nothing else moved yet.
		if p.IsOpen && p.CollateralAmount.Sign() > 0 {
			e.led.account(p.Account).balance(asset.ID).Add(e.led.account(p.Account).balance(asset.ID), p.CollateralAmount)
		}
		return 0, err
	}

	o := &Order{
		Kind:         PositionOrder,
		Owner:        auth.Caller,
		ExecutionFee: new(big.Int).Set(e.cfg.ExecutionFee),
		Position:     &p,
	}
	return e.finishPlace(o), nil
}

// collateralEligible accepts an asset when some backing pool settles it.
func (e *Engine) collateralEligible(m *Market, assetID string) bool {
	for _, p := range e.marketPools(m) {
		if p.holdsAsset(assetID) {
			return true
		}
	}
	return false
}

// checkLeverage bounds notional against collateral at placement time. The
// margin check at fill time is authoritative; this rejects obvious
// nonsense early.
func (e *Engine) checkLeverage(m *Market, p *PositionOrderPayload) error {
	maxLev := m.Config.MaxLeverage
	if maxLev == nil || maxLev.Sign() == 0 {
		return nil
	}
	ref := p.LimitPrice
	if p.IsMarketOrder {
		mp, err := e.priceOf(m.OracleID, false)
		if err != nil {
			return err
		}
		ref = mp
	}
	assetPrice, err := e.assetPrice(p.CollateralAsset)
	if err != nil {
		return err
	}
	held := e.led.account(p.Account).balance(p.CollateralAsset)
	collateral := new(big.Int).Add(held, p.CollateralAmount)
	collateralUsd := WadMul(collateral, assetPrice)
	notional := WadMul(p.Size, ref)
	if notional.Cmp(WadMul(collateralUsd, maxLev)) > 0 {
		return errValidation("leverage above market cap")
	}
	return nil
}

func (e *Engine) PlaceLiquidityOrder(auth Auth, p LiquidityOrderPayload) (id uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	if auth.Caller == "" {
		return 0, errValidation("zero caller")
	}
	pool, ok := e.pools[p.Pool]
	if !ok {
		return 0, errValidation("unknown pool %q", p.Pool)
	}
	if !pool.holdsAsset(p.Asset) {
		return 0, errValidation("pool %q does not settle asset %q", p.Pool, p.Asset)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return 0, errValidation("amount must be positive")
	}
	if p.IsAdding && pool.Config.IsDraining {
		return 0, errCapacity("pool %q is draining", p.Pool)
	}

	acct := AccountID{Owner: auth.Caller, SubID: 0}
	if p.IsAdding {
		bal := e.led.account(acct).balance(p.Asset)
		if bal.Cmp(p.Amount) < 0 {
			return 0, errCapacity("insufficient %s balance", p.Asset)
		}
		bal.Sub(bal, p.Amount)
	} else {
		if err := e.shares.Transfer(p.Pool, auth.Caller, escrowAddr, p.Amount); err != nil {
			return 0, err
		}
	}

	if _, err := e.escrowExecutionFee(auth.Caller); err != nil {
		if p.IsAdding {
			e.led.account(acct).balance(p.Asset).Add(e.led.account(acct).balance(p.Asset), p.Amount)
		} else {
			_ = e.shares.Transfer(p.Pool, escrowAddr, auth.Caller, p.Amount)
		}
		return 0, err
	}

	o := &Order{
		Kind:         LiquidityOrder,
		Owner:        auth.Caller,
		ExecutionFee: new(big.Int).Set(e.cfg.ExecutionFee),
		Liquidity:    &p,
	}
	return e.finishPlace(o), nil
}

func (e *Engine) PlaceWithdrawalOrder(auth Auth, p WithdrawalOrderPayload) (id uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	if p.Account.IsZero() {
		return 0, errValidation("zero account")
	}
	if auth.Caller != p.Account.Owner {
		return 0, &AuthorizationError{Caller: auth.Caller}
	}
	if _, ok := e.assets[p.Asset]; !ok {
		return 0, errValidation("unknown asset %q", p.Asset)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return 0, errValidation("amount must be positive")
	}
	if _, err := e.escrowExecutionFee(auth.Caller); err != nil {
		return 0, err
	}

	o := &Order{
		Kind:         WithdrawalOrder,
		Owner:        auth.Caller,
		ExecutionFee: new(big.Int).Set(e.cfg.ExecutionFee),
		Withdrawal:   &p,
	}
	return e.finishPlace(o), nil
}

func (e *Engine) PlaceRebalanceOrder(auth Auth, p RebalanceOrderPayload) (id uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	if err := e.requireRole(RoleRebalancer, auth.Caller); err != nil {
		return 0, err
	}
	pool, ok := e.pools[p.Pool]
	if !ok {
		return 0, errValidation("unknown pool %q", p.Pool)
	}
	if _, ok := e.assets[p.TokenIn]; !ok {
		return 0, errValidation("unknown asset %q", p.TokenIn)
	}
	if _, ok := e.assets[p.TokenOut]; !ok {
		return 0, errValidation("unknown asset %q", p.TokenOut)
	}
	if !pool.holdsAsset(p.TokenOut) {
		return 0, errValidation("pool %q does not settle asset %q", p.Pool, p.TokenOut)
	}
	if p.AmountIn == nil || p.AmountIn.Sign() <= 0 {
		return 0, errValidation("amountIn must be positive")
	}
	if p.MinOut == nil {
		p.MinOut = wad()
	}
	if _, err := e.escrowExecutionFee(auth.Caller); err != nil {
		return 0, err
	}

	o := &Order{
		Kind:         RebalanceOrder,
		Owner:        auth.Caller,
		ExecutionFee: new(big.Int).Set(e.cfg.ExecutionFee),
		Rebalance:    &p,
	}
	return e.finishPlace(o), nil
}

// ---- cancellation ----

// CancelOrder refunds escrow and the prepaid execution fee. The owner may
// cancel after the cool down; a broker may cancel once the order's fill
// window has lapsed.
func (e *Engine) CancelOrder(auth Auth, id uint64) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	o := e.book.get(id)
	if o == nil {
		return ErrOrderNotFound
	}
	if o.Status != Pending {
		return errState("order " + o.Status.String())
	}

	now := e.clock.Now()
	switch {
	case auth.Caller == o.Owner:
		if now.Before(e.timing.ownerCancelAt(o)) {
			return errState("cool down")
		}
	case e.roles.HasRole(RoleBroker, auth.Caller):
		if now.Before(e.timing.brokerCancelAt(o)) {
			return errState("not expired")
		}
	default:
		return &AuthorizationError{Caller: auth.Caller}
	}

	e.refundEscrow(o)
	e.refundExecutionFee(o)
	o.Status = Cancelled
	e.persistOrder(o)
	e.emit(OrderCancelledEvent{OrderID: o.ID, By: auth.Caller})
	e.logger.Info("order cancelled", "id", o.ID, "by", auth.Caller)
	return nil
}

func (e *Engine) refundEscrow(o *Order) {
	switch o.Kind {
	case PositionOrder:
		p := o.Position
		if p.IsOpen && p.CollateralAmount.Sign() > 0 {
			bal := e.led.account(p.Account).balance(p.CollateralAsset)
			bal.Add(bal, p.CollateralAmount)
		}
	case LiquidityOrder:
		p := o.Liquidity
		if p.IsAdding {
			acct := AccountID{Owner: o.Owner, SubID: 0}
			bal := e.led.account(acct).balance(p.Asset)
			bal.Add(bal, p.Amount)
		} else {
			_ = e.shares.Transfer(p.Pool, escrowAddr, o.Owner, p.Amount)
		}
	}
	// Withdrawal and rebalance orders escrow nothing beyond the execution
	// fee.
}

// ---- queries ----

func (e *Engine) GetOrder(id uint64) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.book.get(id)
	if o == nil {
		return Order{}, ErrOrderNotFound
	}
	return *o, nil
}

// GetOrders pages through all orders by ascending id, starting at begin.
func (e *Engine) GetOrders(begin uint64, limit int) []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyOrders(e.book.page(begin, limit, nil))
}

// GetOrdersOf pages through one owner's orders.
func (e *Engine) GetOrdersOf(owner Address, begin uint64, limit int) []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyOrders(e.book.page(begin, limit, &owner))
}

func copyOrders(in []*Order) []Order {
	out := make([]Order, len(in))
	for i, o := range in {
		out[i] = *o
	}
	return out
}

// GetPosition returns a copy of one position, or false.
func (e *Engine) GetPosition(account AccountID, marketID string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.led.position(account, marketID)
	if p == nil {
		return Position{}, false
	}
	return *p, true
}

// ActivePositions snapshots the dense active-position index, the scan set
// for liquidation sweeps.
func (e *Engine) ActivePositions() []AccountID {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := e.led.active.list()
	out := make([]AccountID, len(keys))
	for i, k := range keys {
		out[i] = k.Account
	}
	return out
}

// ProtocolRevenue reads the claimable pot for one asset.
func (e *Engine) ProtocolRevenue(assetID string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pot, ok := e.protocolRevenue[assetID]; ok {
		return new(big.Int).Set(pot)
	}
	return wad()
}

// PoolBalance reads one pool asset balance.
func (e *Engine) PoolBalance(poolID, assetID string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[poolID]
	if !ok {
		return wad()
	}
	if b, ok := p.Balances[assetID]; ok {
		return new(big.Int).Set(b)
	}
	return wad()
}

// PoolMarket reads a copy of one pool-market aggregate.
func (e *Engine) PoolMarket(poolID, marketID string) (PoolMarketState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[poolID]
	if !ok {
		return PoolMarketState{}, false
	}
	s, ok := p.Markets[marketID]
	if !ok {
		return PoolMarketState{}, false
	}
	return PoolMarketState{
		TotalSize:                new(big.Int).Set(s.TotalSize),
		AverageEntryPrice:        new(big.Int).Set(s.AverageEntryPrice),
		CumulatedBorrowingPerUsd: new(big.Int).Set(s.CumulatedBorrowingPerUsd),
		LastAccrualTime:          s.LastAccrualTime,
	}, true
}

// ---- borrowing maintenance ----

// UpdateBorrowingFee accrues the borrowing fee on every backing pool of a
// market up to now. Permissionless: accrual is monotone and anyone may
// pay the gas to keep it current.
func (e *Engine) UpdateBorrowingFee(marketID string) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer trapArithmetic(&err)

	m, ok := e.markets[marketID]
	if !ok {
		return errValidation("unknown market %q", marketID)
	}
	return e.accrueMarket(m)
}

func (e *Engine) accrueMarket(m *Market) error {
	now := e.clock.Now()
	for _, pool := range e.marketPools(m) {
		aum, err := e.poolAUM(pool)
		if err != nil {
			return err
		}
		rate, err := accrueBorrowing(pool, m.ID, aum, now, e.cfg.AccrualInterval)
		if err != nil {
			return err
		}
		if rate.Sign() != 0 {
			state := pool.marketState(m.ID)
			e.emit(UpdateMarketBorrowingEvent{
				Pool:                     pool.ID,
				Market:                   m.ID,
				RateAPY:                  rate,
				CumulatedBorrowingPerUsd: new(big.Int).Set(state.CumulatedBorrowingPerUsd),
			})
		}
	}
	return nil
}

// IsADLTriggered flags a pool-market whose reserved-P&L ratio crossed the
// auto-deleverage trigger. Execution of the deleverage is out of scope;
// this is the sweep predicate.
func (e *Engine) IsADLTriggered(poolID, marketID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, ok := e.pools[poolID]
	if !ok {
		return false, errValidation("unknown pool %q", poolID)
	}
	m, ok := e.markets[marketID]
	if !ok {
		return false, errValidation("unknown market %q", marketID)
	}
	state := pool.marketState(marketID)
	if state.TotalSize.Sign() == 0 {
		return false, nil
	}
	price, err := e.priceOf(m.OracleID, false)
	if err != nil {
		return false, err
	}
	move := new(big.Int).Sub(price, state.AverageEntryPrice)
	pnl := new(big.Int).Mul(WadMul(state.TotalSize, move), big.NewInt(m.directionSign()))
	if pnl.Sign() <= 0 {
		return false, nil
	}
	reserved := WadMul(state.exposureUsd(), pool.Config.ReserveRate)
	if reserved.Sign() == 0 {
		return true, nil
	}
	ratio := WadDiv(pnl, reserved)
	return ratio.Cmp(pool.Config.ADLTriggerRate) >= 0, nil
}

func (e *Engine) persistOrder(o *Order) {
	if e.store == nil {
		return
	}
	if err := e.store.saveOrder(o); err != nil {
		e.logger.Error("order persistence failed", "id", o.ID, "error", err)
	}
}

func (e *Engine) persistPot(assetID string) {
	if e.store == nil {
		return
	}
	if err := e.store.savePot(assetID, e.protocolRevenue[assetID]); err != nil {
		e.logger.Error("pot persistence failed", "asset", assetID, "error", err)
	}
}
