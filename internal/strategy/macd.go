package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"
)

// MACD 看柱状图翻转：hist 由负转正给 LONG，由正转负给 SHORT，其余观望。
type MACD struct {
	fast   int
	slow   int
	signal int
}

type macdParams struct {
	Fast   int `mapstructure:"fast"`
	Slow   int `mapstructure:"slow"`
	Signal int `mapstructure:"signal"`
}

// NewMACD 构造 MACD 策略，默认 12/26/9。
func NewMACD(params map[string]any) (Strategy, error) {
	p := macdParams{Fast: 12, Slow: 26, Signal: 9}
	if err := decodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("macd: 参数解析失败: %w", err)
	}
	if p.Fast < 1 || p.Slow < 1 || p.Signal < 1 {
		return nil, fmt.Errorf("macd: 周期必须为正, got %d/%d/%d", p.Fast, p.Slow, p.Signal)
	}
	if p.Fast >= p.Slow {
		return nil, fmt.Errorf("macd: fast(%d) 必须小于 slow(%d)", p.Fast, p.Slow)
	}
	return &MACD{fast: p.Fast, slow: p.Slow, signal: p.Signal}, nil
}

func (m *MACD) Name() string { return fmt.Sprintf("macd(%d,%d,%d)", m.fast, m.slow, m.signal) }

func (m *MACD) Warmup() int { return m.slow + m.signal + 1 }

func (m *MACD) Evaluate(closes []float64) (Signal, error) {
	if len(closes) < m.Warmup() {
		return SignalFlat, fmt.Errorf("macd: 历史不足, need %d got %d", m.Warmup(), len(closes))
	}
	_, _, hist := talib.Macd(closes, m.fast, m.slow, m.signal)
	cur := hist[len(hist)-1]
	prev := hist[len(hist)-2]
	switch {
	case prev <= 0 && cur > 0:
		return SignalLong, nil
	case prev >= 0 && cur < 0:
		return SignalShort, nil
	default:
		return SignalFlat, nil
	}
}
