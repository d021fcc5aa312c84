package ledger

import "math"

// Sharpe 基于资金曲线相邻采样的收益率计算年化前的夏普比率
// （均值 / 标准差，无风险利率按 0 处理）。采样不足两点或波动为零时返回 0。
// 比率只用于排序与展示，这里用 float64 即可，不参与对账。
func (l *Ledger) Sharpe() float64 {
	if len(l.curve) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(l.curve)-1)
	for i := 1; i < len(l.curve); i++ {
		prev, _ := l.curve[i-1].Equity.Float64()
		cur, _ := l.curve[i].Equity.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, cur/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std
}
