package coordinator

import (
	"math"

	"tradesim/internal/logger"
)

// Method 是上下文表现的打分方法，闭集枚举。
type Method string

const (
	MethodPnL     Method = "pnl"      // 累计盈亏（已实现 + 未实现）
	MethodSharpe  Method = "sharpe"   // 资金曲线夏普比率
	MethodWinRate Method = "win_rate" // 平仓胜率
)

// Valid 报告方法是否属于闭集。
func (m Method) Valid() bool {
	switch m {
	case MethodPnL, MethodSharpe, MethodWinRate:
		return true
	}
	return false
}

// Rebalance 按配置方法给活跃上下文打分并重算权重：负分归零后按比例
// 分配，所有分数都 ≤ 0 时退回均权；权重裁剪到 [min, max] 后重新归一。
// 权重只影响此后新订单的数量，从不强平已有持仓。停用的上下文权重归零。
func (c *Coordinator) Rebalance() {
	active := make([]*Context, 0, len(c.contexts))
	for _, ctx := range c.contexts {
		if ctx.suspended {
			ctx.weight = 0
			continue
		}
		active = append(active, ctx)
	}
	if len(active) == 0 {
		return
	}
	if len(active) == 1 {
		active[0].weight = 1
		return
	}

	scores := make([]float64, len(active))
	positive := 0.0
	for i, ctx := range active {
		s := c.score(ctx)
		if s > 0 {
			scores[i] = s
			positive += s
		}
	}

	weights := make([]float64, len(active))
	if positive == 0 {
		for i := range weights {
			weights[i] = 1.0 / float64(len(active))
		}
	} else {
		for i := range weights {
			weights[i] = scores[i] / positive
		}
	}
	clipNormalize(weights, c.cfg.MinAllocation, c.cfg.MaxAllocation)

	for i, ctx := range active {
		ctx.weight = weights[i]
	}
	logger.Debugf("第 %d 个 tick 重新分配权重(%s): %v", c.ticks, c.cfg.Method, weights)
}

func (c *Coordinator) score(ctx *Context) float64 {
	switch c.cfg.Method {
	case MethodSharpe:
		return ctx.led.Sharpe()
	case MethodWinRate:
		return ctx.led.WinRate()
	default:
		pnl, _ := ctx.led.RealizedPnL().Add(ctx.led.UnrealizedPnL()).Float64()
		return pnl
	}
}

func equalWeights(contexts []*Context) {
	if len(contexts) == 0 {
		return
	}
	w := 1.0 / float64(len(contexts))
	for _, ctx := range contexts {
		ctx.weight = w
	}
}

// clipNormalize 原地把权重裁剪到 [lo, hi] 并保持总和为 1：先整体夹进
// 区间，再把与 1 的差额按各项到边界的余量等比例摊回去，摊完后总和精确
// 为 1 且不越界。区间对当前上下文数不可行时（n×lo > 1 或 n×hi < 1）
// 退化为均权。
func clipNormalize(w []float64, lo, hi float64) {
	n := float64(len(w))
	if lo*n > 1 || hi*n < 1 {
		for i := range w {
			w[i] = 1.0 / n
		}
		return
	}

	for round := 0; round <= len(w); round++ {
		sum := 0.0
		for i := range w {
			w[i] = math.Min(math.Max(w[i], lo), hi)
			sum += w[i]
		}
		diff := 1 - sum
		if math.Abs(diff) < 1e-12 {
			return
		}
		if diff > 0 {
			head := 0.0
			for i := range w {
				head += hi - w[i]
			}
			for i := range w {
				w[i] += diff * (hi - w[i]) / head
			}
		} else {
			slack := 0.0
			for i := range w {
				slack += w[i] - lo
			}
			for i := range w {
				w[i] += diff * (w[i] - lo) / slack
			}
		}
	}
}
