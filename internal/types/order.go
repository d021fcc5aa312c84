package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side 表示订单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid 校验方向取值。
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Sign 返回带符号的方向：买 +1，卖 -1。
func (s Side) Sign() int {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite 返回对手方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 表示订单类型（目前支持市价/限价）。
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid 校验订单类型取值。
func (t OrderType) Valid() bool { return t == OrderTypeMarket || t == OrderTypeLimit }

// OrderStatus 表示订单生命周期状态。FILLED/CANCELLED/REJECTED 为终态。
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Terminal 报告状态是否为终态。
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order 表示一笔待执行订单。由策略上下文创建；只有风控（拒单）与
// 撮合/模拟器（成交）允许修改它。
type Order struct {
	ID        string
	Symbol    string
	Side      Side
	Type      OrderType
	Quantity  decimal.Decimal
	Price     decimal.Decimal // 限价单必填；市价单为零值
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal // 仅在 FilledQty > 0 时有意义
	CreatedAt time.Time
}

// NewOrder 创建一笔订单并做边界校验：数量必须为正，限价单必须带正的限价。
func NewOrder(symbol string, side Side, typ OrderType, qty, price decimal.Decimal, ts time.Time) (*Order, error) {
	if symbol == "" {
		return nil, fmt.Errorf("order: symbol 不能为空")
	}
	if !side.Valid() {
		return nil, fmt.Errorf("order: invalid side %q", side)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("order: invalid type %q", typ)
	}
	if qty.Sign() <= 0 {
		return nil, fmt.Errorf("order: quantity must be positive, got %s", qty)
	}
	if typ == OrderTypeLimit && price.Sign() <= 0 {
		return nil, fmt.Errorf("order: limit order requires a positive price, got %s", price)
	}
	if typ == OrderTypeMarket && price.Sign() != 0 {
		return nil, fmt.Errorf("order: market order must not carry a price")
	}
	return &Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Quantity:  qty,
		Price:     price,
		Status:    StatusNew,
		CreatedAt: ts,
	}, nil
}

// Remaining 返回未成交数量。
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Fill 记录一笔成交并推进均价与状态。成交量不得超过剩余量。
func (o *Order) Fill(qty, price decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return fmt.Errorf("order %s: fill quantity must be positive", o.ID)
	}
	if qty.GreaterThan(o.Remaining()) {
		return fmt.Errorf("order %s: fill %s exceeds remaining %s", o.ID, qty, o.Remaining())
	}
	total := o.AvgPrice.Mul(o.FilledQty).Add(price.Mul(qty))
	o.FilledQty = o.FilledQty.Add(qty)
	o.AvgPrice = total.Div(o.FilledQty)
	if o.FilledQty.GreaterThanOrEqual(o.Quantity) {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	return nil
}

// Reject 将订单置为 REJECTED（终态），只允许从 NEW 进入。
func (o *Order) Reject() {
	if o.Status == StatusNew {
		o.Status = StatusRejected
	}
}

// Cancel 将订单置为 CANCELLED。已终态的订单保持不变。
func (o *Order) Cancel() {
	if !o.Status.Terminal() {
		o.Status = StatusCancelled
	}
}

// Trade 表示一笔不可变的成交记录。只由执行模拟器或订单簿撮合生成。
type Trade struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// NewTrade 构造成交记录并校验数量与价格为正。
func NewTrade(orderID, symbol string, side Side, qty, price decimal.Decimal, ts time.Time) (Trade, error) {
	if qty.Sign() <= 0 {
		return Trade{}, fmt.Errorf("trade: quantity must be positive, got %s", qty)
	}
	if price.Sign() <= 0 {
		return Trade{}, fmt.Errorf("trade: price must be positive, got %s", price)
	}
	return Trade{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Timestamp: ts,
	}, nil
}

// Notional 返回成交金额（数量 × 价格）。
func (t Trade) Notional() decimal.Decimal { return t.Quantity.Mul(t.Price) }

// SignedQty 返回带符号数量：买正卖负。
func (t Trade) SignedQty() decimal.Decimal {
	if t.Side == SideSell {
		return t.Quantity.Neg()
	}
	return t.Quantity
}
