package coordinator

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/book"
	"tradesim/internal/exec"
	"tradesim/internal/risk"
	"tradesim/internal/store"
	"tradesim/internal/strategy"
	"tradesim/internal/types"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// stubStrategy 是可编排的测试策略。
type stubStrategy struct {
	sig    strategy.Signal
	warmup int
	fail   bool
	panics bool
	calls  int
}

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) Warmup() int {
	if s.warmup > 0 {
		return s.warmup
	}
	return 1
}

func (s *stubStrategy) Evaluate([]float64) (strategy.Signal, error) {
	s.calls++
	if s.panics {
		panic("boom")
	}
	if s.fail {
		return strategy.SignalFlat, fmt.Errorf("signal generation failed")
	}
	return s.sig, nil
}

func deterministicSim(t *testing.T) *exec.Simulator {
	t.Helper()
	sim, err := exec.NewSimulator(exec.Config{FillProbability: 1, Seed: 1})
	require.NoError(t, err)
	return sim
}

func newCoordinator(t *testing.T, cfg Config, rec Recorder) *Coordinator {
	t.Helper()
	c, err := New(cfg, deterministicSim(t), rec)
	require.NoError(t, err)
	return c
}

func spec(name string, strat strategy.Strategy) ContextSpec {
	return ContextSpec{
		Name:        name,
		Symbol:      "BTCUSDT",
		Strategy:    strat,
		Limits:      risk.DefaultLimits(),
		InitialCash: decimal.NewFromInt(100000),
		BaseQty:     decimal.NewFromInt(10),
	}
}

func tick(price int64, at time.Time) types.Tick {
	return types.Tick{Timestamp: at, Symbol: "BTCUSDT", Price: decimal.NewFromInt(price), Volume: decimal.NewFromInt(1)}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MinAllocation = 0.5
	bad.MaxAllocation = 0.4
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Method = "vibes"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.FaultThreshold = 0
	assert.Error(t, bad.Validate())
}

func TestRejectsAnomalousTick(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), nil)
	bad := types.Tick{Timestamp: t0, Symbol: "", Price: decimal.NewFromInt(1)}
	assert.Error(t, c.OnTick(bad))
}

func TestWarmupGatesStrategy(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), nil)
	stub := &stubStrategy{warmup: 5}
	_, err := c.AddContext(spec("a", stub))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.OnTick(tick(100, t0.Add(time.Duration(i)*time.Second))))
	}
	assert.Equal(t, 6, stub.calls, "前 4 个 tick 只积累历史")
}

func TestSymbolSubscriptionFiltersTicks(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), nil)
	stub := &stubStrategy{}
	_, err := c.AddContext(spec("a", stub))
	require.NoError(t, err)

	eth := types.Tick{Timestamp: t0, Symbol: "ETHUSDT", Price: decimal.NewFromInt(100)}
	require.NoError(t, c.OnTick(eth))
	assert.Zero(t, stub.calls)
}

func TestSignalDrivesPositionAndReallocationScalesSizing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotEvery = 0
	cfg.RebalancePeriod = 0
	c := newCoordinator(t, cfg, nil)
	ctx, err := c.AddContext(spec("solo", &stubStrategy{sig: strategy.SignalLong}))
	require.NoError(t, err)

	require.NoError(t, c.OnTick(tick(100, t0)))
	// 单上下文权重 1.0，目标仓位 = BaseQty。
	assert.True(t, ctx.Ledger().PositionQty("BTCUSDT").Equal(decimal.NewFromInt(10)))

	// 已达目标仓位后不再追加。
	require.NoError(t, c.OnTick(tick(100, t0.Add(time.Second))))
	assert.Equal(t, 1, ctx.Ledger().TradeCount())
}

func TestFlatSignalClosesPosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 0
	c := newCoordinator(t, cfg, nil)
	stub := &stubStrategy{sig: strategy.SignalLong}
	ctx, err := c.AddContext(spec("a", stub))
	require.NoError(t, err)

	require.NoError(t, c.OnTick(tick(100, t0)))
	require.True(t, ctx.Ledger().PositionQty("BTCUSDT").Sign() > 0)

	stub.sig = strategy.SignalFlat
	require.NoError(t, c.OnTick(tick(110, t0.Add(time.Second))))
	assert.True(t, ctx.Ledger().PositionQty("BTCUSDT").IsZero())
	assert.True(t, ctx.Ledger().RealizedPnL().Equal(decimal.NewFromInt(100)), "(110-100)×10")
}

func TestShortSignalReversesPosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 0
	c := newCoordinator(t, cfg, nil)
	stub := &stubStrategy{sig: strategy.SignalLong}
	ctx, err := c.AddContext(spec("a", stub))
	require.NoError(t, err)

	require.NoError(t, c.OnTick(tick(100, t0)))
	stub.sig = strategy.SignalShort
	require.NoError(t, c.OnTick(tick(100, t0.Add(time.Second))))
	assert.True(t, ctx.Ledger().PositionQty("BTCUSDT").Equal(decimal.NewFromInt(-10)))
}

func TestStrategyFaultSuspendsOnlyThatContext(t *testing.T) {
	run := func(second strategy.Strategy) (types.ContextSummary, *Context) {
		cfg := DefaultConfig()
		cfg.FaultThreshold = 3
		cfg.RebalancePeriod = 0
		c := newCoordinator(t, cfg, nil)
		_, err := c.AddContext(spec("victim", second))
		require.NoError(t, err)
		healthy, err := c.AddContext(spec("healthy", &stubStrategy{sig: strategy.SignalLong}))
		require.NoError(t, err)

		var faulty *Context
		for _, ctx := range c.Contexts() {
			if ctx.Name() == "victim" {
				faulty = ctx
			}
		}
		for i := 0; i < 20; i++ {
			require.NoError(t, c.OnTick(tick(100+int64(i), t0.Add(time.Duration(i)*time.Second))))
		}
		return healthy.summary(), faulty
	}

	withPanics, faulty := run(&stubStrategy{panics: true})
	assert.True(t, faulty.Suspended())
	assert.Zero(t, faulty.Ledger().TradeCount())

	withErrors, faulty := run(&stubStrategy{fail: true})
	assert.True(t, faulty.Suspended())

	// 隔离契约：旁边上下文的结果与故障形态无关。
	withBenign, _ := run(&stubStrategy{sig: strategy.SignalFlat})
	assert.Equal(t, withBenign.TradeCount, withPanics.TradeCount)
	assert.True(t, withBenign.Equity.Equal(withPanics.Equity))
	assert.Equal(t, withBenign.TradeCount, withErrors.TradeCount)
	assert.True(t, withBenign.Equity.Equal(withErrors.Equity))
}

func TestConsecutiveFaultCounterResetsOnSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FaultThreshold = 3
	cfg.RebalancePeriod = 0
	c := newCoordinator(t, cfg, nil)
	stub := &stubStrategy{fail: true}
	ctx, err := c.AddContext(spec("a", stub))
	require.NoError(t, err)

	require.NoError(t, c.OnTick(tick(100, t0)))
	require.NoError(t, c.OnTick(tick(100, t0.Add(time.Second))))
	stub.fail = false
	stub.sig = strategy.SignalFlat
	require.NoError(t, c.OnTick(tick(100, t0.Add(2*time.Second))))
	stub.fail = true
	require.NoError(t, c.OnTick(tick(100, t0.Add(3*time.Second))))
	require.NoError(t, c.OnTick(tick(100, t0.Add(4*time.Second))))

	assert.False(t, ctx.Suspended(), "中间成功一次应清零计数")
	require.NoError(t, c.OnTick(tick(100, t0.Add(5*time.Second))))
	assert.True(t, ctx.Suspended())
}

func TestRejectedOrderLogged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 0
	rec := store.NewMemory()
	c, err := New(cfg, deterministicSim(t), rec)
	require.NoError(t, err)

	sp := spec("a", &stubStrategy{sig: strategy.SignalLong})
	sp.Limits.MinCashBuffer = decimal.NewFromInt(100000) // 现金全是缓冲，必拒
	_, err = c.AddContext(sp)
	require.NoError(t, err)

	require.NoError(t, c.OnTick(tick(100, t0)))
	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventRejected, events[0].Type)
	assert.Equal(t, string(risk.ReasonInsufficientCash), events[0].Message)
	assert.Equal(t, types.StatusRejected, events[0].Status)
}

func TestEventLogCoversLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 0
	cfg.SnapshotEvery = 1
	rec := store.NewMemory()
	c, err := New(cfg, deterministicSim(t), rec)
	require.NoError(t, err)
	_, err = c.AddContext(spec("a", &stubStrategy{sig: strategy.SignalLong}))
	require.NoError(t, err)

	require.NoError(t, c.OnTick(tick(100, t0)))

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, types.EventSent, events[0].Type)
	assert.Equal(t, types.EventFilled, events[1].Type)
	assert.Len(t, rec.Equity(), 1)

	require.NoError(t, c.Flush(t0.Add(time.Second)))
	sum, ok := rec.Summary("a")
	require.True(t, ok)
	assert.Equal(t, 1, sum.TradeCount)
}

func TestRebalanceBoundsAndSum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 0
	c := newCoordinator(t, cfg, nil)

	for i := 0; i < 5; i++ {
		_, err := c.AddContext(spec(fmt.Sprintf("ctx-%d", i), &stubStrategy{}))
		require.NoError(t, err)
	}
	// 用差异极大的盈亏分布逼出裁剪。
	pnls := []string{"9000", "100", "50", "-200", "0"}
	for i, ctx := range c.Contexts() {
		tr, err := types.NewTrade("o", "BTCUSDT", types.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), t0)
		require.NoError(t, err)
		require.NoError(t, ctx.Ledger().ProcessTrade(tr))
		mark := decimal.NewFromInt(100).Add(decimal.RequireFromString(pnls[i]).Div(decimal.NewFromInt(10)))
		require.NoError(t, ctx.Ledger().Mark("BTCUSDT", mark))
	}

	c.Rebalance()

	sum := 0.0
	for _, ctx := range c.Contexts() {
		w := ctx.Weight()
		assert.GreaterOrEqual(t, w, cfg.MinAllocation-1e-12)
		assert.LessOrEqual(t, w, cfg.MaxAllocation+1e-12)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	// 最强上下文顶到上限；非正分的两个上下文权重一致。
	assert.InDelta(t, cfg.MaxAllocation, c.Contexts()[0].Weight(), 1e-9)
	assert.InDelta(t, c.Contexts()[4].Weight(), c.Contexts()[3].Weight(), 1e-9)
}

func TestRebalanceEqualWeightFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 0
	c := newCoordinator(t, cfg, nil)
	for i := 0; i < 4; i++ {
		_, err := c.AddContext(spec(fmt.Sprintf("ctx-%d", i), &stubStrategy{}))
		require.NoError(t, err)
	}

	// 没有任何正分：全部均权。
	c.Rebalance()
	for _, ctx := range c.Contexts() {
		assert.InDelta(t, 0.25, ctx.Weight(), 1e-9)
	}
}

func TestRebalanceSkipsSuspendedContexts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FaultThreshold = 1
	cfg.RebalancePeriod = 0
	c := newCoordinator(t, cfg, nil)
	_, err := c.AddContext(spec("broken", &stubStrategy{panics: true}))
	require.NoError(t, err)
	_, err = c.AddContext(spec("a", &stubStrategy{}))
	require.NoError(t, err)
	_, err = c.AddContext(spec("b", &stubStrategy{}))
	require.NoError(t, err)

	require.NoError(t, c.OnTick(tick(100, t0)))
	c.Rebalance()

	weights := make(map[string]float64)
	for _, ctx := range c.Contexts() {
		weights[ctx.Name()] = ctx.Weight()
	}
	assert.Zero(t, weights["broken"])
	assert.InDelta(t, 0.5, weights["a"], 1e-9)
	assert.InDelta(t, 0.5, weights["b"], 1e-9)
}

func TestRebalancePeriodTriggersAutomatically(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 10
	cfg.SnapshotEvery = 0
	c := newCoordinator(t, cfg, nil)
	ctxA, err := c.AddContext(spec("a", &stubStrategy{}))
	require.NoError(t, err)
	ctxB, err := c.AddContext(spec("b", &stubStrategy{}))
	require.NoError(t, err)
	_, err = c.AddContext(spec("c", &stubStrategy{}))
	require.NoError(t, err)

	// 给 a 造一段正盈亏，b/c 保持为零。
	tr, err := types.NewTrade("o", "BTCUSDT", types.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), t0)
	require.NoError(t, err)
	require.NoError(t, ctxA.Ledger().ProcessTrade(tr))
	require.NoError(t, ctxA.Ledger().Mark("BTCUSDT", decimal.NewFromInt(120)))

	for i := 0; i < 10; i++ {
		require.NoError(t, c.OnTick(tick(100, t0.Add(time.Duration(i)*time.Second))))
	}
	assert.Greater(t, ctxA.Weight(), ctxB.Weight())
}

func TestClipNormalizeInfeasibleBoundsFallsBack(t *testing.T) {
	w := []float64{0.9, 0.05, 0.05}
	clipNormalize(w, 0.4, 1.0) // 3×0.4 > 1
	for _, x := range w {
		assert.InDelta(t, 1.0/3.0, x, 1e-9)
	}

	w = []float64{1, 0, 0}
	clipNormalize(w, 0.1, 0.5)
	sum := 0.0
	for _, x := range w {
		assert.GreaterOrEqual(t, x, 0.1-1e-12)
		assert.LessOrEqual(t, x, 0.5+1e-12)
		sum += x
	}
	assert.False(t, math.IsNaN(sum))
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func bookConfig() Config {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 0
	cfg.SnapshotEvery = 0
	cfg.OrderType = types.OrderTypeLimit
	return cfg
}

func TestBookModeMatchesOpposingContexts(t *testing.T) {
	rec := store.NewMemory()
	c, err := New(bookConfig(), exec.NewBookExecutor(), rec)
	require.NoError(t, err)
	buyer, err := c.AddContext(spec("longside", &stubStrategy{sig: strategy.SignalLong}))
	require.NoError(t, err)
	seller, err := c.AddContext(spec("shortside", &stubStrategy{sig: strategy.SignalShort}))
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		require.NoError(t, c.OnTick(tick(100, t0.Add(time.Duration(i)*time.Second))))
	}

	// 先注册的上下文挂买单，后来的卖单吃掉它：两侧都必须成交。
	assert.Greater(t, buyer.Ledger().TradeCount(), 0, "挂单方要收到被动成交")
	assert.Greater(t, seller.Ledger().TradeCount(), 0)
	assert.True(t, buyer.Ledger().PositionQty("BTCUSDT").Equal(decimal.NewFromInt(5)),
		"双上下文均权，目标 = 10 × 0.5")
	assert.True(t, seller.Ledger().PositionQty("BTCUSDT").Equal(decimal.NewFromInt(-5)))

	// 被动成交进的是挂单方自己的账本与事件流。
	filled := map[string]bool{}
	for _, ev := range rec.Events() {
		if ev.Type == types.EventFilled {
			filled[ev.Context] = true
		}
	}
	assert.True(t, filled["longside"])
	assert.True(t, filled["shortside"])

	// 价格不动、按挂单价互为对手成交：两本账的权益合计守恒。
	total := buyer.Ledger().TotalEquity().Add(seller.Ledger().TotalEquity())
	assert.True(t, total.Equal(decimal.NewFromInt(200000)), "got %s", total)
}

func TestBookModeReplacesRestingQuote(t *testing.T) {
	ex := exec.NewBookExecutor()
	rec := store.NewMemory()
	c, err := New(bookConfig(), ex, rec)
	require.NoError(t, err)
	_, err = c.AddContext(spec("solo", &stubStrategy{sig: strategy.SignalLong}))
	require.NoError(t, err)

	// 没有对手方：每个 tick 撤旧单再挂新单，簿上始终只有一张。
	for i := 0; i < 5; i++ {
		require.NoError(t, c.OnTick(tick(100+int64(i), t0.Add(time.Duration(i)*time.Second))))
	}
	bids, asks := ex.Book("BTCUSDT").Depth()
	assert.Equal(t, 1, bids)
	assert.Zero(t, asks)

	cancels := 0
	for _, ev := range rec.Events() {
		if ev.Type == types.EventCancelled {
			cancels++
		}
	}
	assert.Equal(t, 4, cancels)
}

// brokenExecutor 在指定 symbol 上永远报撮合簿失效，其余 symbol 全量成交。
type brokenExecutor struct {
	broken string
}

func (e *brokenExecutor) Execute(o *types.Order, ref decimal.Decimal, ts time.Time) ([]types.Trade, error) {
	if o.Symbol == e.broken {
		return nil, fmt.Errorf("matching halted: %w", book.ErrBookBroken)
	}
	qty := o.Remaining()
	tr, err := types.NewTrade(o.ID, o.Symbol, o.Side, qty, ref, ts)
	if err != nil {
		return nil, err
	}
	if err := o.Fill(qty, ref); err != nil {
		return nil, err
	}
	return []types.Trade{tr}, nil
}

func TestBrokenBookSuspendsOnlyItsSymbol(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 0
	c, err := New(cfg, &brokenExecutor{broken: "BTCUSDT"}, nil)
	require.NoError(t, err)
	btc, err := c.AddContext(spec("btc", &stubStrategy{sig: strategy.SignalLong}))
	require.NoError(t, err)
	ethSpec := spec("eth", &stubStrategy{sig: strategy.SignalLong})
	ethSpec.Symbol = "ETHUSDT"
	eth, err := c.AddContext(ethSpec)
	require.NoError(t, err)

	// 簿失效不让整次运行中断，只停掉该 symbol 的上下文。
	require.NoError(t, c.OnTick(tick(100, t0)))
	assert.True(t, btc.Suspended())
	assert.Zero(t, btc.Ledger().TradeCount())

	ethTick := types.Tick{Timestamp: t0.Add(time.Second), Symbol: "ETHUSDT",
		Price: decimal.NewFromInt(50), Volume: decimal.NewFromInt(1)}
	require.NoError(t, c.OnTick(ethTick))
	assert.False(t, eth.Suspended())
	assert.Greater(t, eth.Ledger().TradeCount(), 0)
}

func TestStopLossFlattensPosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 0
	c := newCoordinator(t, cfg, nil)
	stub := &stubStrategy{sig: strategy.SignalLong}
	sp := spec("guarded", stub)
	sp.Guard = risk.GuardConfig{PositionStopPct: 2}
	ctx, err := c.AddContext(sp)
	require.NoError(t, err)

	require.NoError(t, c.OnTick(tick(100, t0)))
	require.True(t, ctx.Ledger().PositionQty("BTCUSDT").Equal(decimal.NewFromInt(10)))

	// 均价 100 的止损线在 98，97 的 tick 先触发平仓再走策略。
	stub.sig = strategy.SignalFlat
	require.NoError(t, c.OnTick(tick(97, t0.Add(time.Second))))
	assert.True(t, ctx.Ledger().PositionQty("BTCUSDT").IsZero())
	assert.True(t, ctx.Ledger().RealizedPnL().Equal(decimal.NewFromInt(-30)), "(97-100)×10")
	assert.False(t, ctx.Suspended(), "止损只平仓，不停用上下文")
}

func TestCircuitBreakerSuspendsContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalancePeriod = 0
	c := newCoordinator(t, cfg, nil)
	stub := &stubStrategy{sig: strategy.SignalLong}
	sp := spec("guarded", stub)
	sp.InitialCash = decimal.NewFromInt(3000)
	sp.Guard = risk.GuardConfig{PortfolioStopPct: 5, CircuitBreaker: true}
	ctx, err := c.AddContext(sp)
	require.NoError(t, err)

	require.NoError(t, c.OnTick(tick(100, t0)))
	require.True(t, ctx.Ledger().PositionQty("BTCUSDT").Equal(decimal.NewFromInt(10)))

	// 权益从 3000 跌到 2840（-5.3%）：熔断清仓并停用。
	require.NoError(t, c.OnTick(tick(84, t0.Add(time.Second))))
	assert.True(t, ctx.Suspended())
	assert.True(t, ctx.Ledger().PositionQty("BTCUSDT").IsZero())
	assert.True(t, ctx.Ledger().TotalEquity().Equal(decimal.NewFromInt(2840)))

	// 熔断后的 tick 不再产生任何交易。
	require.NoError(t, c.OnTick(tick(100, t0.Add(2*time.Second))))
	assert.Equal(t, 2, ctx.Ledger().TradeCount())
}

func TestDuplicateContextName(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), nil)
	_, err := c.AddContext(spec("a", &stubStrategy{}))
	require.NoError(t, err)
	_, err = c.AddContext(spec("a", &stubStrategy{}))
	assert.Error(t, err)
}
