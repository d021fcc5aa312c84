package coordinator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradesim/internal/ledger"
	"tradesim/internal/risk"
	"tradesim/internal/strategy"
	"tradesim/internal/types"
)

// ContextSpec 描述一个策略上下文的装配参数。
type ContextSpec struct {
	Name        string
	Symbol      string
	Strategy    strategy.Strategy
	Limits      risk.Limits
	InitialCash decimal.Decimal
	// BaseQty 是满仓权重(1.0)下的单次下单数量，实际数量按当前权重缩放。
	BaseQty decimal.Decimal
	// Guard 配置止损与熔断，全零值表示停用。
	Guard risk.GuardConfig
}

// Context 将策略、风控与账本捆绑为一个隔离单元。上下文之间不共享
// 任何可变状态，一个上下文的故障不会影响其余上下文。
type Context struct {
	name      string
	symbol    string
	strat     strategy.Strategy
	validator *risk.Validator
	guard     *risk.Guard
	led       *ledger.Ledger

	baseQty decimal.Decimal

	closes    []float64
	seen      int
	faults    int
	suspended bool
	weight    float64
	open      string // 簿上在挂限价单的 ID，无则为空
}

func newContext(spec ContextSpec) (*Context, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("coordinator: context name 不能为空")
	}
	if spec.Symbol == "" {
		return nil, fmt.Errorf("coordinator: context %q 缺少 symbol", spec.Name)
	}
	if spec.Strategy == nil {
		return nil, fmt.Errorf("coordinator: context %q 缺少策略", spec.Name)
	}
	if spec.BaseQty.Sign() <= 0 {
		return nil, fmt.Errorf("coordinator: context %q 的 BaseQty 必须为正", spec.Name)
	}
	led, err := ledger.New(spec.InitialCash)
	if err != nil {
		return nil, fmt.Errorf("coordinator: context %q: %w", spec.Name, err)
	}
	ctx := &Context{
		name:      spec.Name,
		symbol:    spec.Symbol,
		strat:     spec.Strategy,
		validator: risk.NewValidator(spec.Limits),
		led:       led,
		baseQty:   spec.BaseQty,
	}
	if spec.Guard.Enabled() {
		ctx.guard = risk.NewGuard(spec.Guard, spec.InitialCash)
	}
	return ctx, nil
}

// Name 返回上下文名。
func (c *Context) Name() string { return c.name }

// Symbol 返回上下文订阅的 symbol。
func (c *Context) Symbol() string { return c.symbol }

// Weight 返回当前资金权重。
func (c *Context) Weight() float64 { return c.weight }

// Suspended 报告上下文是否已因连续故障被停用。
func (c *Context) Suspended() bool { return c.suspended }

// Ledger 返回上下文账本（只读用途）。
func (c *Context) Ledger() *ledger.Ledger { return c.led }

func (c *Context) observe(price float64, limit int) {
	c.seen++
	c.closes = append(c.closes, price)
	if limit > 0 && len(c.closes) > limit {
		c.closes = c.closes[len(c.closes)-limit:]
	}
}

// evaluate 在恢复 panic 的保护下调用策略，把崩溃折算成普通错误。
func (c *Context) evaluate() (sig strategy.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			sig = strategy.SignalFlat
			err = fmt.Errorf("strategy %s panic: %v", c.strat.Name(), r)
		}
	}()
	return c.strat.Evaluate(c.closes)
}

// guardViews 把账本持仓折算成守卫需要的视图。
func (c *Context) guardViews() []risk.PositionView {
	var out []risk.PositionView
	for sym := range c.led.Positions() {
		p := c.led.Position(sym)
		out = append(out, risk.PositionView{
			Symbol:   sym,
			Quantity: p.Quantity,
			AvgCost:  p.AvgCost,
			Mark:     p.LastMark,
		})
	}
	return out
}

func (c *Context) riskSnapshot() risk.Snapshot {
	return risk.Snapshot{
		Cash:      c.led.Cash(),
		Positions: c.led.Positions(),
		Marks:     c.led.Marks(),
	}
}

// summary 汇总上下文当前表现。
func (c *Context) summary() types.ContextSummary {
	return types.ContextSummary{
		Context:       c.name,
		RealizedPnL:   c.led.RealizedPnL(),
		UnrealizedPnL: c.led.UnrealizedPnL(),
		Equity:        c.led.TotalEquity(),
		TradeCount:    c.led.TradeCount(),
		WinRate:       c.led.WinRate(),
		Weight:        c.weight,
		Suspended:     c.suspended,
	}
}
