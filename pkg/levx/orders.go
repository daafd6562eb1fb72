package levx

import (
	"math/big"
	"sort"
	"time"
)

// OrderKind discriminates the four order variants. All four share one
// place/fill/cancel state machine and differ only in payload validation
// and settlement effect.
type OrderKind int

const (
	PositionOrder OrderKind = iota
	LiquidityOrder
	WithdrawalOrder
	RebalanceOrder
)

func (k OrderKind) String() string {
	switch k {
	case PositionOrder:
		return "Position"
	case LiquidityOrder:
		return "Liquidity"
	case WithdrawalOrder:
		return "Withdrawal"
	case RebalanceOrder:
		return "Rebalance"
	}
	return "Unknown"
}

// OrderStatus is the lifecycle state. Filled and Cancelled are terminal;
// an order never reopens.
type OrderStatus int

const (
	Pending OrderStatus = iota
	Filled
	Cancelled
)

func (s OrderStatus) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Filled:
		return "Filled"
	case Cancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// PositionOrderPayload opens or closes market exposure.
type PositionOrderPayload struct {
	Account          AccountID `json:"account"`
	Market           string    `json:"market"`
	CollateralAsset  string    `json:"collateralAsset"`
	CollateralAmount *big.Int  `json:"collateralAmount"` // escrowed on open orders
	Size             *big.Int  `json:"size"`
	LimitPrice       *big.Int  `json:"limitPrice"` // zero for market orders
	IsOpen           bool      `json:"isOpen"`
	IsMarketOrder    bool      `json:"isMarketOrder"`
	TakeProfitPrice  *big.Int  `json:"takeProfitPrice,omitempty"`
	StopLossPrice    *big.Int  `json:"stopLossPrice,omitempty"`
	// IsStopLoss flips the limit comparison: a stop-loss close triggers on
	// adverse moves, a plain limit close on favorable ones.
	IsStopLoss   bool   `json:"isStopLoss,omitempty"`
	ReferralCode string `json:"referralCode,omitempty"`
}

// LiquidityOrderPayload adds or removes pool liquidity. Amount is an asset
// amount when adding and a share amount when removing.
type LiquidityOrderPayload struct {
	Pool     string   `json:"pool"`
	Asset    string   `json:"asset"`
	Amount   *big.Int `json:"amount"`
	IsAdding bool     `json:"isAdding"`
}

// WithdrawalOrderPayload requests a collateral withdrawal, margin-checked
// at fill time.
type WithdrawalOrderPayload struct {
	Account AccountID `json:"account"`
	Asset   string    `json:"asset"`
	Amount  *big.Int  `json:"amount"`
}

// RebalanceOrderPayload swaps one pool settlement asset for another
// through the swap router.
type RebalanceOrderPayload struct {
	Pool     string   `json:"pool"`
	TokenIn  string   `json:"tokenIn"`
	TokenOut string   `json:"tokenOut"`
	AmountIn *big.Int `json:"amountIn"`
	MinOut   *big.Int `json:"minOut"`
}

// Order is one lifecycle record. Exactly one payload pointer is set,
// matching Kind.
type Order struct {
	ID           uint64      `json:"id"`
	Kind         OrderKind   `json:"kind"`
	Owner        Address     `json:"owner"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
	ExecutionFee *big.Int    `json:"executionFee"`

	Position   *PositionOrderPayload   `json:"position,omitempty"`
	Liquidity  *LiquidityOrderPayload  `json:"liquidity,omitempty"`
	Withdrawal *WithdrawalOrderPayload `json:"withdrawal,omitempty"`
	Rebalance  *RebalanceOrderPayload  `json:"rebalance,omitempty"`
}

func (o *Order) isMarketStyle() bool {
	return o.Kind == PositionOrder && o.Position.IsMarketOrder
}

// orderBook stores every order ever placed, id-ordered for pagination.
// Ids are assigned monotonically and terminal orders are kept for reads.
type orderBook struct {
	nextID uint64
	orders map[uint64]*Order
	ids    []uint64
}

func newOrderBook() *orderBook {
	return &orderBook{nextID: 1, orders: make(map[uint64]*Order)}
}

func (b *orderBook) add(o *Order) {
	b.orders[o.ID] = o
	b.ids = append(b.ids, o.ID)
	if o.ID >= b.nextID {
		b.nextID = o.ID + 1
	}
}

func (b *orderBook) allocateID() uint64 {
	id := b.nextID
	b.nextID++
	return id
}

func (b *orderBook) get(id uint64) *Order { return b.orders[id] }

// page returns up to limit orders with id >= begin, optionally filtered by
// owner, in id order.
func (b *orderBook) page(begin uint64, limit int, owner *Address) []*Order {
	if limit <= 0 {
		return nil
	}
	start := sort.Search(len(b.ids), func(i int) bool { return b.ids[i] >= begin })
	out := make([]*Order, 0, limit)
	for _, id := range b.ids[start:] {
		o := b.orders[id]
		if owner != nil && o.Owner != *owner {
			continue
		}
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out
}

// orderTiming bundles the lifecycle windows. Market orders must fill fast
// and become broker-cancellable just as fast; limit and the non-position
// kinds live longer. The owner may always cancel after the cool down.
type orderTiming struct {
	MarketFillWindow time.Duration
	LimitFillWindow  time.Duration
	CancelCoolDown   time.Duration
}

func (t orderTiming) fillDeadline(o *Order) time.Time {
	if o.isMarketStyle() {
		return o.CreatedAt.Add(t.MarketFillWindow)
	}
	return o.CreatedAt.Add(t.LimitFillWindow)
}

func (t orderTiming) ownerCancelAt(o *Order) time.Time {
	return o.CreatedAt.Add(t.CancelCoolDown)
}

// brokerCancelAt mirrors fillDeadline: once an order can no longer fill,
// an authorized broker may sweep it.
func (t orderTiming) brokerCancelAt(o *Order) time.Time {
	return t.fillDeadline(o)
}
