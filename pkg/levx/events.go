package levx

import (
	"math/big"
	"time"
)

// Event is a settled state change announced to subscribers (websocket
// stream, NATS publisher). Events are emitted only after the owning call
// has committed.
type Event interface {
	Name() string
}

type NewOrderEvent struct {
	Kind    OrderKind `json:"kind"`
	OrderID uint64    `json:"orderId"`
	Owner   Address   `json:"owner"`
	At      time.Time `json:"at"`
}

func (e NewOrderEvent) Name() string { return "New" + e.Kind.String() + "Order" }

type OrderFilledEvent struct {
	OrderID uint64  `json:"orderId"`
	Filler  Address `json:"filler"`
}

func (e OrderFilledEvent) Name() string { return "OrderFilled" }

type OrderCancelledEvent struct {
	OrderID uint64  `json:"orderId"`
	By      Address `json:"by"`
}

func (e OrderCancelledEvent) Name() string { return "OrderCancelled" }

type OpenPositionEvent struct {
	Account AccountID `json:"account"`
	Market  string    `json:"market"`
	Size    *big.Int  `json:"size"`
	Price   *big.Int  `json:"price"`
}

func (e OpenPositionEvent) Name() string { return "OpenPosition" }

type ClosePositionEvent struct {
	Account AccountID `json:"account"`
	Market  string    `json:"market"`
	Size    *big.Int  `json:"size"`
	Price   *big.Int  `json:"price"`
	PnlUsd  *big.Int  `json:"pnlUsd"`
}

func (e ClosePositionEvent) Name() string { return "ClosePosition" }

type ReallocatePositionEvent struct {
	Account  AccountID `json:"account"`
	Market   string    `json:"market"`
	FromPool string    `json:"fromPool"`
	ToPool   string    `json:"toPool"`
	Size     *big.Int  `json:"size"`
}

func (e ReallocatePositionEvent) Name() string { return "ReallocatePosition" }

type UpdateMarketBorrowingEvent struct {
	Pool                     string   `json:"pool"`
	Market                   string   `json:"market"`
	RateAPY                  *big.Int `json:"rateApy"`
	CumulatedBorrowingPerUsd *big.Int `json:"cumulatedBorrowingPerUsd"`
}

func (e UpdateMarketBorrowingEvent) Name() string { return "UpdateMarketBorrowing" }

type CollectFeeEvent struct {
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
	Payer  Address  `json:"payer"`
}

func (e CollectFeeEvent) Name() string { return "CollectFee" }

// FeeLeg identifies one branch of the fee waterfall.
type FeeLeg string

const (
	FeeLegLP       FeeLeg = "LP"
	FeeLegProtocol FeeLeg = "Protocol"
	FeeLegDiscount FeeLeg = "Discount"
	FeeLegRebate   FeeLeg = "Rebate"
)

type FeeDistributedEvent struct {
	Leg    FeeLeg   `json:"leg"`
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
}

func (e FeeDistributedEvent) Name() string { return "FeeDistributedTo" + string(e.Leg) }

type AddLiquidityEvent struct {
	Pool   string   `json:"pool"`
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
	Shares *big.Int `json:"shares"`
	Owner  Address  `json:"owner"`
}

func (e AddLiquidityEvent) Name() string { return "AddLiquidity" }

type RemoveLiquidityEvent struct {
	Pool   string   `json:"pool"`
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
	Shares *big.Int `json:"shares"`
	Owner  Address  `json:"owner"`
}

func (e RemoveLiquidityEvent) Name() string { return "RemoveLiquidity" }

type WithdrawCollateralEvent struct {
	Account AccountID `json:"account"`
	Asset   string    `json:"asset"`
	Amount  *big.Int  `json:"amount"`
}

func (e WithdrawCollateralEvent) Name() string { return "WithdrawCollateral" }

type RebalancePoolEvent struct {
	Pool      string   `json:"pool"`
	TokenIn   string   `json:"tokenIn"`
	TokenOut  string   `json:"tokenOut"`
	AmountIn  *big.Int `json:"amountIn"`
	AmountOut *big.Int `json:"amountOut"`
	// Routed is false when the swap router had no path and the amount came
	// back unconverted.
	Routed bool `json:"routed"`
}

func (e RebalancePoolEvent) Name() string { return "RebalancePool" }
