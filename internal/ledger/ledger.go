// Package ledger 维护单个策略上下文的资金、持仓与盈亏。
//
// 所有金额运算走 decimal：持仓成本在几百万次增量更新后仍须和逐笔对账
// 完全一致，浮点累积误差在这里属于设计期就要排除的故障模式。
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradesim/internal/types"
)

// Position 记录单 symbol 的带符号持仓。AvgCost 仅在 Quantity 非零时有意义；
// RealizedPnL 只在平仓方向的成交上调整；UnrealizedPnL 只由 Mark 重算，
// 从不作为事实来源持久化。
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgCost       decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastMark      decimal.Decimal
}

// Notional 返回按最近标记价计的持仓市值（带符号）。
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.LastMark)
}

// EquitySample 是资金曲线上的一个点。
type EquitySample struct {
	Timestamp time.Time
	Equity    decimal.Decimal
}

// Ledger 是单上下文的账本。非并发安全；协调器保证每个 tick 串行处理。
type Ledger struct {
	initialCash decimal.Decimal
	cash        decimal.Decimal
	positions   map[string]*Position

	tradeCount int
	wins       int
	closes     int

	curve []EquitySample
	peak  decimal.Decimal
	maxDD decimal.Decimal
}

// New 创建账本，初始资金必须为正。
func New(initialCash decimal.Decimal) (*Ledger, error) {
	if initialCash.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: initial cash must be positive, got %s", initialCash)
	}
	return &Ledger{
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[string]*Position),
		peak:        initialCash,
	}, nil
}

// Cash 返回当前现金。
func (l *Ledger) Cash() decimal.Decimal { return l.cash }

// InitialCash 返回初始资金。
func (l *Ledger) InitialCash() decimal.Decimal { return l.initialCash }

// Position 返回指定 symbol 的持仓（可能为 nil）。
func (l *Ledger) Position(symbol string) *Position { return l.positions[symbol] }

// PositionQty 返回带符号持仓数量，无持仓时为零。
func (l *Ledger) PositionQty(symbol string) decimal.Decimal {
	if p, ok := l.positions[symbol]; ok {
		return p.Quantity
	}
	return decimal.Zero
}

// Positions 返回 symbol → 带符号数量 的快照，供风控做敞口计算。
func (l *Ledger) Positions() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(l.positions))
	for sym, p := range l.positions {
		if p.Quantity.Sign() != 0 {
			out[sym] = p.Quantity
		}
	}
	return out
}

// Marks 返回 symbol → 最近标记价 的快照。
func (l *Ledger) Marks() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(l.positions))
	for sym, p := range l.positions {
		if p.LastMark.Sign() > 0 {
			out[sym] = p.LastMark
		}
	}
	return out
}

// ProcessTrade 按开仓/加仓/减仓/反手四种情形推进持仓与现金：
//   - 开仓：数量取带符号成交量，成本取成交价；
//   - 加仓（同向）：成本按数量加权平均；
//   - 减仓（反向且不超过现有仓位）：按 (成交价 − 成本) × 平掉数量 × 原方向
//     落实已实现盈亏，成本不变；
//   - 反手（反向且超过现有仓位）：先对旧仓全部落实盈亏，再以成交价开出
//     剩余方向的新仓。
func (l *Ledger) ProcessTrade(t types.Trade) error {
	if t.Quantity.Sign() <= 0 {
		return fmt.Errorf("ledger: trade quantity must be positive, got %s", t.Quantity)
	}
	if t.Price.Sign() <= 0 {
		return fmt.Errorf("ledger: trade price must be positive, got %s", t.Price)
	}

	p, ok := l.positions[t.Symbol]
	if !ok {
		p = &Position{Symbol: t.Symbol}
		l.positions[t.Symbol] = p
	}

	delta := t.SignedQty()
	switch {
	case p.Quantity.Sign() == 0:
		p.Quantity = delta
		p.AvgCost = t.Price

	case p.Quantity.Sign() == delta.Sign():
		total := p.Quantity.Mul(p.AvgCost).Add(delta.Mul(t.Price))
		p.Quantity = p.Quantity.Add(delta)
		p.AvgCost = total.Div(p.Quantity)

	case delta.Abs().LessThanOrEqual(p.Quantity.Abs()):
		closed := delta.Abs()
		realized := t.Price.Sub(p.AvgCost).Mul(closed).Mul(sign(p.Quantity))
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.Quantity = p.Quantity.Add(delta)
		if p.Quantity.Sign() == 0 {
			p.AvgCost = decimal.Zero
			p.UnrealizedPnL = decimal.Zero
		}
		l.countClose(realized)

	default: // 反手
		closed := p.Quantity.Abs()
		realized := t.Price.Sub(p.AvgCost).Mul(closed).Mul(sign(p.Quantity))
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.Quantity = p.Quantity.Add(delta) // 剩余部分换边
		p.AvgCost = t.Price
		p.UnrealizedPnL = decimal.Zero
		l.countClose(realized)
	}

	if t.Side == types.SideBuy {
		l.cash = l.cash.Sub(t.Notional())
	} else {
		l.cash = l.cash.Add(t.Notional())
	}
	if p.LastMark.Sign() == 0 {
		p.LastMark = t.Price
	}
	l.tradeCount++
	return nil
}

// Mark 以最新价重算指定 symbol 的未实现盈亏。不触碰现金与已实现盈亏。
func (l *Ledger) Mark(symbol string, price decimal.Decimal) error {
	if price.Sign() <= 0 {
		return fmt.Errorf("ledger: mark price must be positive, got %s", price)
	}
	p, ok := l.positions[symbol]
	if !ok {
		return nil
	}
	p.LastMark = price
	if p.Quantity.Sign() == 0 {
		p.UnrealizedPnL = decimal.Zero
		return nil
	}
	p.UnrealizedPnL = price.Sub(p.AvgCost).Mul(p.Quantity)
	return nil
}

// TotalEquity 返回现金加上按最近标记价计的全部持仓市值。
// 恒等式 TotalEquity == 初始资金 + Σ已实现 + Σ未实现 是账本的对账基准。
func (l *Ledger) TotalEquity() decimal.Decimal {
	total := l.cash
	for _, p := range l.positions {
		total = total.Add(p.Notional())
	}
	return total
}

// RealizedPnL 返回全部持仓的已实现盈亏之和。
func (l *Ledger) RealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.RealizedPnL)
	}
	return total
}

// UnrealizedPnL 返回全部持仓的未实现盈亏之和。
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}

// RecordSnapshot 追加一个资金曲线采样点，节奏由调用方控制（绝不逐 tick）。
func (l *Ledger) RecordSnapshot(ts time.Time) EquitySample {
	eq := l.TotalEquity()
	if eq.GreaterThan(l.peak) {
		l.peak = eq
	} else if l.peak.Sign() > 0 {
		dd := l.peak.Sub(eq).Div(l.peak)
		if dd.GreaterThan(l.maxDD) {
			l.maxDD = dd
		}
	}
	sample := EquitySample{Timestamp: ts, Equity: eq}
	l.curve = append(l.curve, sample)
	return sample
}

// Curve 返回资金曲线采样。
func (l *Ledger) Curve() []EquitySample { return l.curve }

// TradeCount 返回已处理成交笔数。
func (l *Ledger) TradeCount() int { return l.tradeCount }

// WinRate 返回平仓方向成交中盈利的比例；尚无平仓时为 0。
func (l *Ledger) WinRate() float64 {
	if l.closes == 0 {
		return 0
	}
	return float64(l.wins) / float64(l.closes)
}

// MaxDrawdown 返回基于采样点的最大回撤比例。
func (l *Ledger) MaxDrawdown() decimal.Decimal { return l.maxDD }

func (l *Ledger) countClose(realized decimal.Decimal) {
	l.closes++
	if realized.Sign() > 0 {
		l.wins++
	}
}

func sign(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}
