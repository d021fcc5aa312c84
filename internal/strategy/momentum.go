package strategy

import "fmt"

// Momentum 比较当前收盘价与 lookback 根之前的收盘价：涨幅超过阈值做多，
// 跌幅超过阈值做空，其余观望。
type Momentum struct {
	lookback  int
	threshold float64
}

type momentumParams struct {
	Lookback  int     `mapstructure:"lookback"`
	Threshold float64 `mapstructure:"threshold"`
}

// NewMomentum 构造动量策略，默认 lookback=10、threshold=0.02。
func NewMomentum(params map[string]any) (Strategy, error) {
	p := momentumParams{Lookback: 10, Threshold: 0.02}
	if err := decodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("momentum: 参数解析失败: %w", err)
	}
	if p.Lookback < 1 {
		return nil, fmt.Errorf("momentum: lookback 必须 ≥ 1, got %d", p.Lookback)
	}
	if p.Threshold <= 0 {
		return nil, fmt.Errorf("momentum: threshold 必须为正, got %v", p.Threshold)
	}
	return &Momentum{lookback: p.Lookback, threshold: p.Threshold}, nil
}

func (m *Momentum) Name() string { return fmt.Sprintf("momentum(%d)", m.lookback) }

func (m *Momentum) Warmup() int { return m.lookback + 1 }

func (m *Momentum) Evaluate(closes []float64) (Signal, error) {
	if len(closes) < m.Warmup() {
		return SignalFlat, fmt.Errorf("momentum: 历史不足, need %d got %d", m.Warmup(), len(closes))
	}
	cur := closes[len(closes)-1]
	ref := closes[len(closes)-1-m.lookback]
	if ref == 0 {
		return SignalFlat, nil
	}
	change := cur/ref - 1
	switch {
	case change > m.threshold:
		return SignalLong, nil
	case change < -m.threshold:
		return SignalShort, nil
	default:
		return SignalFlat, nil
	}
}
