// Package config 负责引擎配置的加载、默认值与校验。配置为单文件 YAML，
// 用 viper 读取、mapstructure 解码。
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tradesim/internal/coordinator"
	"tradesim/internal/exec"
	"tradesim/internal/risk"
	"tradesim/internal/types"
)

// Config 是引擎的全量配置。
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Feed       FeedConfig       `yaml:"feed"`
	Store      StoreConfig      `yaml:"store"`
	API        APIConfig        `yaml:"api"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Allocation AllocationConfig `yaml:"allocation"`
	Engine     EngineConfig     `yaml:"engine"`
	Contexts   []ContextConfig  `yaml:"contexts"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type FeedConfig struct {
	// CSV 数据文件路径，表头 timestamp,symbol,price,volume。
	CSV string `yaml:"csv"`
}

type StoreConfig struct {
	// Root 为空时不落盘。
	Root string `yaml:"root"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type ExecutionConfig struct {
	// Mode 为 simulator（概率成交）或 book（真实撮合簿）。
	Mode         string  `yaml:"mode"`
	Fill         float64 `yaml:"fill_probability"`
	Partial      float64 `yaml:"partial_probability"`
	Cancel       float64 `yaml:"cancel_probability"`
	MarketImpact float64 `yaml:"market_impact"`
	// Seed 固定随机种子以复现回测，0 表示按时间播种。
	Seed int64 `yaml:"seed"`

	// 交易成本模型，全部折进有效成交价。
	SpreadBps             float64 `yaml:"spread_bps"`
	CommissionPerShare    float64 `yaml:"commission_per_share"`
	CommissionMin         float64 `yaml:"commission_min"`
	SECFeeRate            float64 `yaml:"sec_fee_rate"`
	LiquidityImpactFactor float64 `yaml:"liquidity_impact_factor"`
}

type AllocationConfig struct {
	Period int     `yaml:"period"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Method string  `yaml:"method"`
}

type EngineConfig struct {
	FaultThreshold int `yaml:"fault_threshold"`
	SnapshotEvery  int `yaml:"snapshot_every"`
	HistorySize    int `yaml:"history_size"`
}

type ContextConfig struct {
	Name        string         `yaml:"name"`
	Symbol      string         `yaml:"symbol"`
	Strategy    string         `yaml:"strategy"`
	Params      map[string]any `yaml:"params"`
	InitialCash float64        `yaml:"initial_cash"`
	BaseQty     float64        `yaml:"base_qty"`
	Risk        RiskConfig     `yaml:"risk"`
}

type RiskConfig struct {
	MaxOrdersPerMinute       int     `yaml:"max_orders_per_minute"`
	MaxSymbolOrdersPerMinute int     `yaml:"max_symbol_orders_per_minute"`
	MinCashBuffer            float64 `yaml:"min_cash_buffer"`
	MaxPositionSize          float64 `yaml:"max_position_size"`
	MaxPositionValue         float64 `yaml:"max_position_value"`
	MaxTotalExposure         float64 `yaml:"max_total_exposure"`

	Stops StopsConfig `yaml:"stops"`
}

// StopsConfig 配置止损与组合级熔断，enabled 为 false 时整段停用。
// 未填的阈值取与上游一致的默认值（2/3/5/10）。
type StopsConfig struct {
	Enabled          bool    `yaml:"enabled"`
	PositionStopPct  float64 `yaml:"position_stop_pct"`
	TrailingStopPct  float64 `yaml:"trailing_stop_pct"`
	UseTrailing      bool    `yaml:"use_trailing"`
	PortfolioStopPct float64 `yaml:"portfolio_stop_pct"`
	MaxDrawdownPct   float64 `yaml:"max_drawdown_pct"`
	NoCircuitBreaker bool    `yaml:"no_circuit_breaker"`
}

// Load 读取并校验配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: 路径不能为空")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	applyDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: 读取 %s 失败: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("config: 解析失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("api.addr", ":9980")
	v.SetDefault("execution.mode", "simulator")
	v.SetDefault("execution.fill_probability", 0.85)
	v.SetDefault("execution.partial_probability", 0.10)
	v.SetDefault("execution.cancel_probability", 0.05)
	v.SetDefault("execution.market_impact", 0.0002)
	v.SetDefault("execution.spread_bps", 5)
	v.SetDefault("execution.sec_fee_rate", 0.0000278)
	v.SetDefault("execution.liquidity_impact_factor", 0.0001)
	v.SetDefault("allocation.period", 360)
	v.SetDefault("allocation.min", 0.05)
	v.SetDefault("allocation.max", 0.40)
	v.SetDefault("allocation.method", "pnl")
	v.SetDefault("engine.fault_threshold", 3)
	v.SetDefault("engine.snapshot_every", 60)
	v.SetDefault("engine.history_size", 512)
}

// Dump 输出合并默认值后的生效配置，排障时打印用。
func (c *Config) Dump() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: dump 失败: %v", err)
	}
	return string(out)
}

// Validate 逐段校验配置。
func (c *Config) Validate() error {
	if c.Execution.Mode != "simulator" && c.Execution.Mode != "book" {
		return fmt.Errorf("config: execution.mode 只支持 simulator/book, got %q", c.Execution.Mode)
	}
	if err := c.ExecConfig().Validate(); err != nil {
		return fmt.Errorf("config: execution: %w", err)
	}
	if err := c.CoordinatorConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(c.Contexts) == 0 {
		return fmt.Errorf("config: 至少需要一个 context")
	}
	seen := make(map[string]bool, len(c.Contexts))
	for i, ctx := range c.Contexts {
		if ctx.Name == "" {
			return fmt.Errorf("config: contexts[%d] 缺少 name", i)
		}
		if seen[ctx.Name] {
			return fmt.Errorf("config: context name %q 重复", ctx.Name)
		}
		seen[ctx.Name] = true
		if ctx.Symbol == "" {
			return fmt.Errorf("config: context %q 缺少 symbol", ctx.Name)
		}
		if ctx.Strategy == "" {
			return fmt.Errorf("config: context %q 缺少 strategy", ctx.Name)
		}
		if ctx.InitialCash <= 0 {
			return fmt.Errorf("config: context %q 的 initial_cash 必须为正", ctx.Name)
		}
		if ctx.BaseQty <= 0 {
			return fmt.Errorf("config: context %q 的 base_qty 必须为正", ctx.Name)
		}
	}
	return nil
}

// ExecConfig 折算为执行模拟器配置。
func (c *Config) ExecConfig() exec.Config {
	return exec.Config{
		FillProbability:       c.Execution.Fill,
		PartialProbability:    c.Execution.Partial,
		CancelProbability:     c.Execution.Cancel,
		MarketImpact:          c.Execution.MarketImpact,
		Seed:                  c.Execution.Seed,
		SpreadBps:             c.Execution.SpreadBps,
		CommissionPerShare:    c.Execution.CommissionPerShare,
		CommissionMin:         c.Execution.CommissionMin,
		SECFeeRate:            c.Execution.SECFeeRate,
		LiquidityImpactFactor: c.Execution.LiquidityImpactFactor,
	}
}

// CoordinatorConfig 折算为协调器配置。book 模式下发限价单挂簿，否则市价单。
func (c *Config) CoordinatorConfig() coordinator.Config {
	orderType := types.OrderTypeMarket
	if c.Execution.Mode == "book" {
		orderType = types.OrderTypeLimit
	}
	return coordinator.Config{
		OrderType:       orderType,
		RebalancePeriod: c.Allocation.Period,
		MinAllocation:   c.Allocation.Min,
		MaxAllocation:   c.Allocation.Max,
		Method:          coordinator.Method(c.Allocation.Method),
		FaultThreshold:  c.Engine.FaultThreshold,
		SnapshotEvery:   c.Engine.SnapshotEvery,
		HistorySize:     c.Engine.HistorySize,
	}
}

// GuardConfig 折算为止损/熔断配置。未启用时返回零值（即不挂载 guard）。
func (r RiskConfig) GuardConfig() risk.GuardConfig {
	if !r.Stops.Enabled {
		return risk.GuardConfig{}
	}
	cfg := risk.DefaultGuardConfig()
	if r.Stops.PositionStopPct > 0 {
		cfg.PositionStopPct = r.Stops.PositionStopPct
	}
	if r.Stops.TrailingStopPct > 0 {
		cfg.TrailingStopPct = r.Stops.TrailingStopPct
	}
	cfg.UseTrailingStops = r.Stops.UseTrailing
	if r.Stops.PortfolioStopPct > 0 {
		cfg.PortfolioStopPct = r.Stops.PortfolioStopPct
	}
	if r.Stops.MaxDrawdownPct > 0 {
		cfg.MaxDrawdownPct = r.Stops.MaxDrawdownPct
	}
	cfg.CircuitBreaker = !r.Stops.NoCircuitBreaker
	return cfg
}

// Limits 折算为风控限额，未填字段取默认值。
func (r RiskConfig) Limits() risk.Limits {
	limits := risk.DefaultLimits()
	if r.MaxOrdersPerMinute > 0 {
		limits.MaxOrdersPerWindow = r.MaxOrdersPerMinute
	}
	if r.MaxSymbolOrdersPerMinute > 0 {
		limits.MaxSymbolOrdersPerWindow = r.MaxSymbolOrdersPerMinute
	}
	if r.MinCashBuffer > 0 {
		limits.MinCashBuffer = decimal.NewFromFloat(r.MinCashBuffer)
	}
	if r.MaxPositionSize > 0 {
		limits.MaxPositionSize = decimal.NewFromFloat(r.MaxPositionSize)
	}
	if r.MaxPositionValue > 0 {
		limits.MaxPositionValue = decimal.NewFromFloat(r.MaxPositionValue)
	}
	if r.MaxTotalExposure > 0 {
		limits.MaxTotalExposure = decimal.NewFromFloat(r.MaxTotalExposure)
	}
	return limits
}
