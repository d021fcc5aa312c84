package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// GuardConfig 是仓位止损与组合级熔断的参数，百分数计（2.0 = 2%）。
// 全零值表示完全停用。
type GuardConfig struct {
	PositionStopPct  float64 // 距开仓价的固定止损
	TrailingStopPct  float64 // 距最优价的移动止损
	UseTrailingStops bool    // 新仓位默认挂移动止损而非固定止损
	PortfolioStopPct float64 // 单日亏损熔断阈值
	MaxDrawdownPct   float64 // 距高水位回撤熔断阈值
	CircuitBreaker   bool    // 是否启用组合级熔断
}

// DefaultGuardConfig 返回与上游系统一致的默认参数。
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		PositionStopPct:  2.0,
		TrailingStopPct:  3.0,
		PortfolioStopPct: 5.0,
		MaxDrawdownPct:   10.0,
		CircuitBreaker:   true,
	}
}

// Enabled 报告配置是否启用了至少一个止损/熔断维度。
func (c GuardConfig) Enabled() bool {
	return c.PositionStopPct > 0 || c.TrailingStopPct > 0 ||
		(c.CircuitBreaker && (c.PortfolioStopPct > 0 || c.MaxDrawdownPct > 0))
}

// PositionView 是 Guard 检查时刻的一条持仓视图。
type PositionView struct {
	Symbol   string
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal
	Mark     decimal.Decimal
}

type positionStop struct {
	stop     decimal.Decimal
	best     decimal.Decimal // 多头为最高价，空头为最低价
	trailing bool
}

// Guard 盯住一个上下文的持仓与权益：逐仓位维护止损线（固定或移动），
// 并在单日亏损或距高水位回撤越限时熔断。熔断一旦触发在本次运行内不再
// 复位；日内统计按 tick 时间戳的自然日滚动。
type Guard struct {
	cfg   GuardConfig
	stops map[string]*positionStop

	dailyStart decimal.Decimal
	highWater  decimal.Decimal
	day        time.Time
	tripped    bool
}

// NewGuard 创建守卫，initialEquity 同时作为首日起点与高水位。
func NewGuard(cfg GuardConfig, initialEquity decimal.Decimal) *Guard {
	return &Guard{
		cfg:        cfg,
		stops:      make(map[string]*positionStop),
		dailyStart: initialEquity,
		highWater:  initialEquity,
	}
}

// Tripped 报告熔断是否已触发。
func (g *Guard) Tripped() bool { return g.tripped }

// Check 检查全部止损与熔断条件，返回需要平仓的 symbol 与熔断标志。
// 熔断触发时返回全部持仓 symbol；否则仅返回止损被击穿的仓位。
func (g *Guard) Check(now time.Time, equity decimal.Decimal, positions []PositionView) (exits []string, breaker bool) {
	g.rollDay(now, equity)

	if g.checkBreaker(equity) {
		for _, p := range positions {
			if p.Quantity.Sign() != 0 {
				exits = append(exits, p.Symbol)
			}
			delete(g.stops, p.Symbol)
		}
		return exits, true
	}

	for _, p := range positions {
		if p.Quantity.Sign() == 0 || p.Mark.Sign() <= 0 {
			delete(g.stops, p.Symbol)
			continue
		}
		st, ok := g.stops[p.Symbol]
		if !ok {
			st = g.newStop(p)
			if st == nil {
				continue
			}
			g.stops[p.Symbol] = st
		}
		if st.trailing {
			g.trail(st, p)
		}
		if triggered(st, p) {
			exits = append(exits, p.Symbol)
			delete(g.stops, p.Symbol)
		}
	}
	return exits, false
}

// rollDay 在自然日切换时重置单日亏损起点。
func (g *Guard) rollDay(now time.Time, equity decimal.Decimal) {
	day := now.Truncate(24 * time.Hour)
	if g.day.IsZero() {
		g.day = day
		return
	}
	if day.After(g.day) {
		g.day = day
		g.dailyStart = equity
	}
}

func (g *Guard) checkBreaker(equity decimal.Decimal) bool {
	if !g.cfg.CircuitBreaker {
		return false
	}
	if g.tripped {
		return true
	}
	if equity.GreaterThan(g.highWater) {
		g.highWater = equity
	}
	if g.cfg.PortfolioStopPct > 0 && g.dailyStart.Sign() > 0 {
		loss := g.dailyStart.Sub(equity).Div(g.dailyStart).Mul(decimal.NewFromInt(100))
		if loss.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.PortfolioStopPct)) {
			g.tripped = true
			return true
		}
	}
	if g.cfg.MaxDrawdownPct > 0 && g.highWater.Sign() > 0 {
		dd := g.highWater.Sub(equity).Div(g.highWater).Mul(decimal.NewFromInt(100))
		if dd.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.MaxDrawdownPct)) {
			g.tripped = true
			return true
		}
	}
	return false
}

// newStop 按开仓均价挂初始止损线：多头在下方，空头在上方。
func (g *Guard) newStop(p PositionView) *positionStop {
	pct := g.cfg.PositionStopPct
	trailing := false
	if g.cfg.UseTrailingStops && g.cfg.TrailingStopPct > 0 {
		pct = g.cfg.TrailingStopPct
		trailing = true
	}
	if pct <= 0 {
		return nil
	}
	offset := decimal.NewFromFloat(pct / 100)
	var stop decimal.Decimal
	if p.Quantity.Sign() > 0 {
		stop = p.AvgCost.Mul(decimal.NewFromInt(1).Sub(offset))
	} else {
		stop = p.AvgCost.Mul(decimal.NewFromInt(1).Add(offset))
	}
	return &positionStop{stop: stop, best: p.AvgCost, trailing: trailing}
}

// trail 在仓位向有利方向走时抬升（多）或压低（空）止损线，绝不回撤。
func (g *Guard) trail(st *positionStop, p PositionView) {
	offset := decimal.NewFromFloat(g.cfg.TrailingStopPct / 100)
	if p.Quantity.Sign() > 0 {
		if p.Mark.GreaterThan(st.best) {
			st.best = p.Mark
			st.stop = decimal.Max(st.stop, p.Mark.Mul(decimal.NewFromInt(1).Sub(offset)))
		}
		return
	}
	if p.Mark.LessThan(st.best) {
		st.best = p.Mark
		st.stop = decimal.Min(st.stop, p.Mark.Mul(decimal.NewFromInt(1).Add(offset)))
	}
}

func triggered(st *positionStop, p PositionView) bool {
	if p.Quantity.Sign() > 0 {
		return p.Mark.LessThanOrEqual(st.stop)
	}
	return p.Mark.GreaterThanOrEqual(st.stop)
}
