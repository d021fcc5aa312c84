package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType 表示订单事件日志中的生命周期节点。
type EventType string

const (
	EventSent        EventType = "SENT"
	EventPartialFill EventType = "PARTIAL_FILL"
	EventFilled      EventType = "FILLED"
	EventCancelled   EventType = "CANCELLED"
	EventRejected    EventType = "REJECTED"
)

// OrderEvent 是订单事件日志的一条追加记录，每次生命周期跃迁产生一条。
type OrderEvent struct {
	Timestamp time.Time       `json:"ts"`
	Context   string          `json:"context"`
	Type      EventType       `json:"event_type"`
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	OrderType OrderType       `json:"order_type"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Status    OrderStatus     `json:"status"`
	FilledQty decimal.Decimal `json:"filled_quantity"`
	AvgPrice  decimal.Decimal `json:"average_fill_price"`
	Message   string          `json:"message,omitempty"`
}

// EquityPoint 是资金曲线上的一个采样点，由调用方决定采样节奏。
type EquityPoint struct {
	Timestamp time.Time       `json:"ts"`
	Context   string          `json:"context"`
	Equity    decimal.Decimal `json:"equity"`
}

// ContextSummary 汇总单个策略上下文的最终表现。
type ContextSummary struct {
	Context       string          `json:"context"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Equity        decimal.Decimal `json:"equity"`
	TradeCount    int             `json:"trade_count"`
	WinRate       float64         `json:"win_rate"`
	Weight        float64         `json:"weight"`
	Suspended     bool            `json:"suspended"`
}
