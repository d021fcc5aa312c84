package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"
)

// RSI 超卖做多、超买做空：最新 RSI 低于 oversold 给 LONG，高于 overbought
// 给 SHORT。
type RSI struct {
	period     int
	oversold   float64
	overbought float64
}

type rsiParams struct {
	Period     int     `mapstructure:"period"`
	Oversold   float64 `mapstructure:"oversold"`
	Overbought float64 `mapstructure:"overbought"`
}

// NewRSI 构造 RSI 策略，默认 period=14、oversold=30、overbought=70。
func NewRSI(params map[string]any) (Strategy, error) {
	p := rsiParams{Period: 14, Oversold: 30, Overbought: 70}
	if err := decodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("rsi: 参数解析失败: %w", err)
	}
	if p.Period < 2 {
		return nil, fmt.Errorf("rsi: period 必须 ≥ 2, got %d", p.Period)
	}
	if p.Oversold >= p.Overbought {
		return nil, fmt.Errorf("rsi: oversold(%v) 必须小于 overbought(%v)", p.Oversold, p.Overbought)
	}
	return &RSI{period: p.Period, oversold: p.Oversold, overbought: p.Overbought}, nil
}

func (r *RSI) Name() string { return fmt.Sprintf("rsi(%d)", r.period) }

func (r *RSI) Warmup() int { return r.period + 1 }

func (r *RSI) Evaluate(closes []float64) (Signal, error) {
	if len(closes) < r.Warmup() {
		return SignalFlat, fmt.Errorf("rsi: 历史不足, need %d got %d", r.Warmup(), len(closes))
	}
	values := talib.Rsi(closes, r.period)
	last := values[len(values)-1]
	switch {
	case last < r.oversold:
		return SignalLong, nil
	case last > r.overbought:
		return SignalShort, nil
	default:
		return SignalFlat, nil
	}
}
