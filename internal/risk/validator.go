// Package risk 实现下单前的风控校验：频率、资金、仓位、总敞口。
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"tradesim/internal/types"
)

// Reason 表示拒单原因，空值表示通过。
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonRateLimit        Reason = "RATE_LIMIT"
	ReasonSymbolRateLimit  Reason = "SYMBOL_RATE_LIMIT"
	ReasonInsufficientCash Reason = "INSUFFICIENT_CASH"
	ReasonPositionSize     Reason = "POSITION_SIZE"
	ReasonPositionValue    Reason = "POSITION_VALUE"
	ReasonTotalExposure    Reason = "TOTAL_EXPOSURE"
)

// rateWindow 是频率限制的滑动窗口长度。
const rateWindow = 60 * time.Second

// Limits 是风控参数。零值字段视为不限制对应维度。
type Limits struct {
	MaxOrdersPerWindow       int             // 全局每 60s 订单数上限
	MaxSymbolOrdersPerWindow int             // 单 symbol 每 60s 订单数上限
	MinCashBuffer            decimal.Decimal // 买单后必须保留的现金
	MaxPositionSize          decimal.Decimal // 单 symbol 持仓数量上限（绝对值）
	MaxPositionValue         decimal.Decimal // 单 symbol 持仓市值上限
	MaxTotalExposure         decimal.Decimal // 全部持仓市值之和上限
}

// DefaultLimits 返回与上游系统一致的默认风控参数。
func DefaultLimits() Limits {
	return Limits{
		MaxOrdersPerWindow:       100,
		MaxSymbolOrdersPerWindow: 20,
		MinCashBuffer:            decimal.NewFromInt(1000),
		MaxPositionSize:          decimal.NewFromInt(1000),
		MaxPositionValue:         decimal.NewFromInt(100_000),
		MaxTotalExposure:         decimal.NewFromInt(500_000),
	}
}

// Snapshot 是校验时刻的上下文状态视图：可用现金、带符号持仓、最近标记价。
type Snapshot struct {
	Cash      decimal.Decimal
	Positions map[string]decimal.Decimal
	Marks     map[string]decimal.Decimal
}

// Validator 针对单个策略上下文做风控。Validate 无副作用；订单真正提交后
// 必须恰好调用一次 Record 推进频率窗口——提前或重复调用会重复计数，属于
// 使用方错误而非受保护的状态。
type Validator struct {
	limits Limits

	stamps       []time.Time
	symbolStamps map[string][]time.Time
}

// NewValidator 创建风控器。
func NewValidator(limits Limits) *Validator {
	return &Validator{
		limits:       limits,
		symbolStamps: make(map[string][]time.Time),
	}
}

// Validate 按固定顺序执行检查，遇到第一个失败立即返回：
// 频率 → 资金 → 仓位数量/市值 → 总敞口。对相同输入重复调用结果一致。
func (v *Validator) Validate(o *types.Order, ref decimal.Decimal, st Snapshot, now time.Time) (bool, Reason) {
	if r := v.checkRate(o.Symbol, now); r != ReasonNone {
		return false, r
	}
	if o.Side == types.SideBuy {
		cost := o.Quantity.Mul(ref)
		if cost.GreaterThan(st.Cash.Sub(v.limits.MinCashBuffer)) {
			return false, ReasonInsufficientCash
		}
	}
	after := st.Positions[o.Symbol].Add(signedQty(o))
	if v.limits.MaxPositionSize.Sign() > 0 && after.Abs().GreaterThan(v.limits.MaxPositionSize) {
		return false, ReasonPositionSize
	}
	if v.limits.MaxPositionValue.Sign() > 0 && after.Abs().Mul(ref).GreaterThan(v.limits.MaxPositionValue) {
		return false, ReasonPositionValue
	}
	if v.limits.MaxTotalExposure.Sign() > 0 {
		if v.exposureAfter(o.Symbol, after, ref, st).GreaterThan(v.limits.MaxTotalExposure) {
			return false, ReasonTotalExposure
		}
	}
	return true, ReasonNone
}

// Record 在订单提交成功后推进频率窗口，并顺手剪掉窗口外的旧时间戳。
func (v *Validator) Record(o *types.Order, now time.Time) {
	cut := now.Add(-rateWindow)
	v.stamps = prune(append(v.stamps, now), cut)
	v.symbolStamps[o.Symbol] = prune(append(v.symbolStamps[o.Symbol], now), cut)
}

func (v *Validator) checkRate(symbol string, now time.Time) Reason {
	cut := now.Add(-rateWindow)
	if v.limits.MaxOrdersPerWindow > 0 && countAfter(v.stamps, cut) >= v.limits.MaxOrdersPerWindow {
		return ReasonRateLimit
	}
	if v.limits.MaxSymbolOrdersPerWindow > 0 &&
		countAfter(v.symbolStamps[symbol], cut) >= v.limits.MaxSymbolOrdersPerWindow {
		return ReasonSymbolRateLimit
	}
	return ReasonNone
}

// exposureAfter 计算假设本单全部成交后的总敞口（各持仓市值绝对值之和）。
func (v *Validator) exposureAfter(symbol string, after, ref decimal.Decimal, st Snapshot) decimal.Decimal {
	total := after.Abs().Mul(ref)
	for sym, qty := range st.Positions {
		if sym == symbol {
			continue
		}
		mark, ok := st.Marks[sym]
		if !ok {
			continue
		}
		total = total.Add(qty.Abs().Mul(mark))
	}
	return total
}

func signedQty(o *types.Order) decimal.Decimal {
	if o.Side == types.SideSell {
		return o.Quantity.Neg()
	}
	return o.Quantity
}

func countAfter(stamps []time.Time, cut time.Time) int {
	n := 0
	for _, ts := range stamps {
		if ts.After(cut) {
			n++
		}
	}
	return n
}

func prune(stamps []time.Time, cut time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cut) {
		i++
	}
	return stamps[i:]
}
