// Package exec 将已通过风控的订单推演为零或多笔成交。
package exec

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"tradesim/internal/types"
)

// Config 控制成交结果分布、滑点与交易成本。三个概率之和必须约等于 1。
// 成本模型全部折进有效成交价（买贵卖贱），账本端不需要单独的费用字段。
type Config struct {
	FillProbability    float64 // 全部成交概率
	PartialProbability float64 // 部分成交概率（比例取 [0.5, 0.9)）
	CancelProbability  float64 // 撤单概率
	MarketImpact       float64 // 市价单滑点上限，如 0.0002 = 0.02%
	Seed               int64   // 随机种子；0 表示按时间取种（回测不可复现）

	SpreadBps             float64 // 买卖价差（基点），市价单承受半个价差
	CommissionPerShare    float64 // 每股佣金
	CommissionMin         float64 // 单笔最低佣金
	SECFeeRate            float64 // SEC 交易费率，仅对卖出收取
	LiquidityImpactFactor float64 // 每 10 万美元名义额追加的滑点
}

// DefaultConfig 返回与上游系统一致的默认分布与成本参数。
func DefaultConfig() Config {
	return Config{
		FillProbability:    0.85,
		PartialProbability: 0.10,
		CancelProbability:  0.05,
		MarketImpact:       0.0002,

		SpreadBps:             5,
		SECFeeRate:            0.0000278,
		LiquidityImpactFactor: 0.0001,
	}
}

// Validate 校验概率配置。
func (c Config) Validate() error {
	for name, p := range map[string]float64{
		"fill_probability":    c.FillProbability,
		"partial_probability": c.PartialProbability,
		"cancel_probability":  c.CancelProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("exec: %s must be in [0,1], got %v", name, p)
		}
	}
	total := c.FillProbability + c.PartialProbability + c.CancelProbability
	if math.Abs(total-1) > 0.01 {
		return fmt.Errorf("exec: probabilities must sum to 1.0, got %v", total)
	}
	for name, v := range map[string]float64{
		"market_impact":           c.MarketImpact,
		"spread_bps":              c.SpreadBps,
		"commission_per_share":    c.CommissionPerShare,
		"commission_min":          c.CommissionMin,
		"sec_fee_rate":            c.SECFeeRate,
		"liquidity_impact_factor": c.LiquidityImpactFactor,
	} {
		if v < 0 {
			return fmt.Errorf("exec: %s must not be negative, got %v", name, v)
		}
	}
	return nil
}

// Simulator 按配置的分布抽取一次成交结果。所有价格/数量运算走 decimal，
// 避免增量更新里的浮点累积误差。
type Simulator struct {
	cfg Config
	rng *rand.Rand
}

// NewSimulator 创建模拟器。Seed 为 0 时用当前纳秒取种。
func NewSimulator(cfg Config) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}, nil
}

// Execute 对一笔订单抽取一次结果：全部成交 / 部分成交 / 撤单。
// 市价单承受滑点（买方向上、卖方向下）；限价单的滑点被限价截断，
// 永远不会劣于限价成交。ref 必须为正，否则在进入算术前拒绝。
func (s *Simulator) Execute(o *types.Order, ref decimal.Decimal, ts time.Time) ([]types.Trade, error) {
	if ref.Sign() <= 0 {
		return nil, fmt.Errorf("exec: reference price must be positive, got %s", ref)
	}
	if o.Status.Terminal() {
		return nil, fmt.Errorf("exec: order %s already terminal (%s)", o.ID, o.Status)
	}

	qty := o.Remaining()
	switch s.outcome() {
	case outcomeCancel:
		o.Cancel()
		return nil, nil
	case outcomePartial:
		frac := 0.5 + s.rng.Float64()*0.4
		qty = qty.Mul(decimal.NewFromFloat(frac))
		if qty.Sign() <= 0 {
			o.Cancel()
			return nil, nil
		}
	}

	price := s.fillPrice(o, ref, qty)
	trade, err := types.NewTrade(o.ID, o.Symbol, o.Side, qty, price, ts)
	if err != nil {
		return nil, err
	}
	if err := o.Fill(qty, price); err != nil {
		return nil, err
	}
	return []types.Trade{trade}, nil
}

type outcome int

const (
	outcomeFill outcome = iota
	outcomePartial
	outcomeCancel
)

func (s *Simulator) outcome() outcome {
	r := s.rng.Float64()
	switch {
	case r < s.cfg.FillProbability:
		return outcomeFill
	case r < s.cfg.FillProbability+s.cfg.PartialProbability:
		return outcomePartial
	default:
		return outcomeCancel
	}
}

// fillPrice 计算有效成交价，交易成本全部折进每股价格：市价单从基准价
// 的对侧半价差出发，叠加随机滑点与按名义额递增的流动性冲击；限价单
// 以限价为界截断，成本照常折算。买方向上、卖方向下。
func (s *Simulator) fillPrice(o *types.Order, ref, qty decimal.Decimal) decimal.Decimal {
	slip := s.rng.Float64() * s.cfg.MarketImpact
	price := ref
	if o.Type == types.OrderTypeMarket && s.cfg.SpreadBps > 0 {
		half := ref.Mul(decimal.NewFromFloat(s.cfg.SpreadBps / 20000))
		if o.Side == types.SideBuy {
			price = ref.Add(half)
		} else {
			price = ref.Sub(half)
		}
	}
	impact := slip + s.liquidityImpact(qty, ref)
	price = price.Mul(decimal.NewFromFloat(1 + float64(o.Side.Sign())*impact))
	if o.Type == types.OrderTypeLimit {
		if o.Side == types.SideBuy {
			price = decimal.Min(price, o.Price)
		} else {
			price = decimal.Max(price, o.Price)
		}
	}
	return s.applyCosts(o.Side, price, qty)
}

// liquidityImpact 按名义额换算的追加滑点：每 10 万美元加一个因子。
func (s *Simulator) liquidityImpact(qty, ref decimal.Decimal) float64 {
	if s.cfg.LiquidityImpactFactor == 0 {
		return 0
	}
	notional, _ := qty.Mul(ref).Float64()
	return notional / 100_000 * s.cfg.LiquidityImpactFactor
}

// applyCosts 把佣金（含单笔最低额）折算到每股价格；卖出另扣 SEC 费。
func (s *Simulator) applyCosts(side types.Side, price, qty decimal.Decimal) decimal.Decimal {
	if qty.Sign() <= 0 {
		return price
	}
	commission := qty.Mul(decimal.NewFromFloat(s.cfg.CommissionPerShare))
	if min := decimal.NewFromFloat(s.cfg.CommissionMin); commission.LessThan(min) {
		commission = min
	}
	if side == types.SideBuy {
		return price.Add(commission.Div(qty))
	}
	secFee := qty.Mul(price).Mul(decimal.NewFromFloat(s.cfg.SECFeeRate))
	return price.Sub(commission.Add(secFee).Div(qty))
}
