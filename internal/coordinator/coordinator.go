// Package coordinator 将一路 tick 流扇出到 N 个相互隔离的策略上下文，
// 并按周期在上下文之间重新分配资金权重。
//
// 参考模型是单线程逐 tick：一个 tick 在全部上下文上处理完毕后才取下
// 一个，因此上下文内部不需要任何锁。唯一的阻塞点在上游取 tick 处。
package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradesim/internal/book"
	"tradesim/internal/logger"
	"tradesim/internal/strategy"
	"tradesim/internal/types"
)

// Executor 执行一笔已通过风控的订单并返回成交。exec.Simulator 与
// exec.BookExecutor 都满足该接口。共享撮合簿的执行器可能返回属于其它
// 订单的被动成交，协调器按 Trade.OrderID 归账。
type Executor interface {
	Execute(o *types.Order, ref decimal.Decimal, ts time.Time) ([]types.Trade, error)
}

// Canceller 由支持撤掉在场挂单的执行器实现（撮合簿模式）。
type Canceller interface {
	Cancel(symbol, id string) error
}

// Recorder 接收协调器产出的三类记录。store.SQLStore 与 store.Memory
// 都满足该接口。
type Recorder interface {
	RecordEvent(ev types.OrderEvent) error
	RecordEquity(p types.EquityPoint) error
	RecordSummary(s types.ContextSummary) error
}

// Config 是协调器的运行参数。
type Config struct {
	RebalancePeriod int     // 每多少个 tick 重新分配一次权重
	MinAllocation   float64 // 单上下文权重下限
	MaxAllocation   float64 // 单上下文权重上限
	Method          Method  // 打分方法
	FaultThreshold  int     // 连续故障多少次后停用上下文
	SnapshotEvery   int     // 每多少个 tick 采样一次资金曲线
	HistorySize     int     // 每个上下文保留的收盘价窗口
	// OrderType 是信号换算订单时用的类型。撮合簿模式用限价单：余量
	// 挂簿成为对手方流动性，下个信号到来前先撤旧单再报新单。空值等
	// 同于市价单。
	OrderType types.OrderType
}

// DefaultConfig 返回默认运行参数。
func DefaultConfig() Config {
	return Config{
		RebalancePeriod: 360,
		MinAllocation:   0.05,
		MaxAllocation:   0.40,
		Method:          MethodPnL,
		FaultThreshold:  3,
		SnapshotEvery:   60,
		HistorySize:     512,
	}
}

// Validate 检查参数自洽。
func (c Config) Validate() error {
	if c.RebalancePeriod < 0 {
		return fmt.Errorf("coordinator: rebalance period 不能为负, got %d", c.RebalancePeriod)
	}
	if c.MinAllocation < 0 || c.MaxAllocation > 1 || c.MinAllocation > c.MaxAllocation {
		return fmt.Errorf("coordinator: allocation 区间非法 [%v, %v]", c.MinAllocation, c.MaxAllocation)
	}
	if !c.Method.Valid() {
		return fmt.Errorf("coordinator: 未知打分方法 %q", c.Method)
	}
	if c.FaultThreshold < 1 {
		return fmt.Errorf("coordinator: fault threshold 必须 ≥ 1, got %d", c.FaultThreshold)
	}
	if c.OrderType != "" && !c.OrderType.Valid() {
		return fmt.Errorf("coordinator: 非法订单类型 %q", c.OrderType)
	}
	return nil
}

// Coordinator 持有固定注册顺序的上下文列表。非并发安全；调用方按
// 单线程逐 tick 驱动。
type Coordinator struct {
	cfg      Config
	contexts []*Context
	exec     Executor
	rec      Recorder
	ticks    int

	// live 记录可能再收到成交的订单归属：簿上挂单，以及正在执行中的
	// 进场单。被动成交按 Trade.OrderID 在这里找回所属上下文。
	live map[string]liveOrder
}

type liveOrder struct {
	ctx *Context
	o   *types.Order
}

// New 创建协调器。rec 可为 nil（不落任何记录）。
func New(cfg Config, ex Executor, rec Recorder) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ex == nil {
		return nil, fmt.Errorf("coordinator: executor 不能为 nil")
	}
	return &Coordinator{cfg: cfg, exec: ex, rec: rec, live: make(map[string]liveOrder)}, nil
}

// AddContext 按调用顺序注册上下文，该顺序即每个 tick 的处理顺序。
func (c *Coordinator) AddContext(spec ContextSpec) (*Context, error) {
	for _, existing := range c.contexts {
		if existing.name == spec.Name {
			return nil, fmt.Errorf("coordinator: context %q 已注册", spec.Name)
		}
	}
	ctx, err := newContext(spec)
	if err != nil {
		return nil, err
	}
	c.contexts = append(c.contexts, ctx)
	// 新上下文加入后按均权重置，保证权重之和为 1。
	equalWeights(c.contexts)
	return ctx, nil
}

// Contexts 按注册顺序返回全部上下文。
func (c *Coordinator) Contexts() []*Context { return c.contexts }

// Ticks 返回已处理的 tick 总数。
func (c *Coordinator) Ticks() int { return c.ticks }

// OnTick 把一个 tick 依注册顺序送入每个订阅了该 symbol 的上下文。
// tick 校验失败属于数据异常，在进入任何算术之前拒绝。
func (c *Coordinator) OnTick(t types.Tick) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("coordinator: 异常 tick: %w", err)
	}
	c.ticks++

	price, _ := t.Price.Float64()
	for _, ctx := range c.contexts {
		if ctx.symbol != t.Symbol {
			continue
		}
		ctx.observe(price, c.cfg.HistorySize)
		if err := ctx.led.Mark(t.Symbol, t.Price); err != nil {
			return err
		}
		if ctx.suspended {
			continue
		}
		if ctx.guard != nil {
			if err := c.guardCheck(ctx, t); err != nil {
				return err
			}
			if ctx.suspended {
				continue
			}
		}
		if ctx.seen < ctx.strat.Warmup() {
			continue
		}

		sig, err := ctx.evaluate()
		if err != nil {
			c.fault(ctx, err)
			continue
		}
		ctx.faults = 0

		o := c.orderFor(ctx, sig, t)
		if o == nil {
			// 目标仓位已达成，撤掉还挂在簿上的旧单，避免被动成交越过目标。
			if ctx.open != "" {
				if err := c.cancelOpen(ctx, t); err != nil {
					return err
				}
			}
			continue
		}
		if err := c.submit(ctx, o, t); err != nil {
			return err
		}
	}

	if c.cfg.SnapshotEvery > 0 && c.ticks%c.cfg.SnapshotEvery == 0 {
		if err := c.snapshot(t.Timestamp); err != nil {
			return err
		}
	}
	if c.cfg.RebalancePeriod > 0 && c.ticks%c.cfg.RebalancePeriod == 0 {
		c.Rebalance()
	}
	return nil
}

// fault 记录一次策略故障；达到阈值后仅停用该上下文，不影响其它上下文。
func (c *Coordinator) fault(ctx *Context, err error) {
	ctx.faults++
	logger.Warnf("context %s 策略故障(%d/%d): %v", ctx.name, ctx.faults, c.cfg.FaultThreshold, err)
	if ctx.faults >= c.cfg.FaultThreshold {
		ctx.suspended = true
		logger.Errorf("context %s 连续故障 %d 次，已停用", ctx.name, ctx.faults)
	}
}

// orderFor 把方向信号换算成一笔订单：目标仓位 = 权重缩放后的基准数量
// 乘信号方向，下单数量为目标与当前持仓之差。差为零则不下单。订单类型
// 由配置决定：撮合簿模式用以当前价为限价的限价单，余量留簿提供流动性。
func (c *Coordinator) orderFor(ctx *Context, sig strategy.Signal, t types.Tick) *types.Order {
	scaled := ctx.baseQty.Mul(decimal.NewFromFloat(ctx.weight))
	var target decimal.Decimal
	switch sig {
	case strategy.SignalLong:
		target = scaled
	case strategy.SignalShort:
		target = scaled.Neg()
	default:
		target = decimal.Zero
	}

	delta := target.Sub(ctx.led.PositionQty(t.Symbol))
	if delta.Sign() == 0 {
		return nil
	}
	side := types.SideBuy
	if delta.Sign() < 0 {
		side = types.SideSell
	}
	typ := c.cfg.OrderType
	if typ == "" {
		typ = types.OrderTypeMarket
	}
	price := decimal.Zero
	if typ == types.OrderTypeLimit {
		price = t.Price
	}
	o, err := types.NewOrder(t.Symbol, side, typ, delta.Abs(), price, t.Timestamp)
	if err != nil {
		// 构造失败只可能来自上面的数量取绝对值之外的边界，按故障计。
		c.fault(ctx, err)
		return nil
	}
	return o
}

// submit 驱动订单走完 撤旧单 → 风控 → 执行 → 归账 → 事件日志 的完整
// 链路。共享簿返回的成交可能属于别的上下文的挂单，按 OrderID 归到各自
// 账本并补记事件。
func (c *Coordinator) submit(ctx *Context, o *types.Order, t types.Tick) error {
	if ctx.open != "" {
		if err := c.cancelOpen(ctx, t); err != nil {
			return err
		}
	}

	ok, reason := ctx.validator.Validate(o, t.Price, ctx.riskSnapshot(), t.Timestamp)
	if !ok {
		o.Reject()
		logger.Debugf("context %s 订单被拒: %s %s", ctx.name, o.ID, reason)
		return c.record(ctx, o, t, types.EventRejected, string(reason))
	}

	ctx.validator.Record(o, t.Timestamp)
	if err := c.record(ctx, o, t, types.EventSent, ""); err != nil {
		return err
	}

	c.live[o.ID] = liveOrder{ctx: ctx, o: o}
	trades, err := c.exec.Execute(o, t.Price, t.Timestamp)
	if err != nil {
		delete(c.live, o.ID)
		if errors.Is(err, book.ErrBookBroken) {
			c.haltSymbol(o.Symbol, err)
			return nil
		}
		return fmt.Errorf("coordinator: context %s 执行失败: %w", ctx.name, err)
	}
	for _, tr := range trades {
		owner, ok := c.live[tr.OrderID]
		if !ok {
			owner = liveOrder{ctx: ctx, o: o}
		}
		if err := owner.ctx.led.ProcessTrade(tr); err != nil {
			return err
		}
		if owner.ctx == ctx {
			continue
		}
		// 被动成交：给挂单方补事件，并在其订单终结时清掉归属记录。
		typ := types.EventPartialFill
		if owner.o.Status == types.StatusFilled {
			typ = types.EventFilled
		}
		if err := c.record(owner.ctx, owner.o, t, typ, ""); err != nil {
			return err
		}
		if owner.o.Status.Terminal() {
			if owner.ctx.open == owner.o.ID {
				owner.ctx.open = ""
			}
			delete(c.live, tr.OrderID)
		}
	}

	switch {
	case o.Status.Terminal():
		delete(c.live, o.ID)
	case o.Type == types.OrderTypeLimit:
		ctx.open = o.ID // 余量挂簿，等对手方
	default:
		// 市价余量不会再有后续成交。
		delete(c.live, o.ID)
	}

	switch o.Status {
	case types.StatusFilled:
		return c.record(ctx, o, t, types.EventFilled, "")
	case types.StatusPartial:
		return c.record(ctx, o, t, types.EventPartialFill, "")
	case types.StatusCancelled:
		return c.record(ctx, o, t, types.EventCancelled, "")
	default:
		// 限价余量仍在簿上挂着，不产生额外事件。
		return nil
	}
}

// cancelOpen 撤掉上下文在簿上的旧挂单（若执行器支持撤单）。订单已被
// 对手方吃掉或早已离场时按既成事实处理。
func (c *Coordinator) cancelOpen(ctx *Context, t types.Tick) error {
	id := ctx.open
	ctx.open = ""
	lo, ok := c.live[id]
	if !ok {
		return nil
	}
	canc, ok := c.exec.(Canceller)
	if !ok {
		delete(c.live, id)
		return nil
	}
	delete(c.live, id)
	if err := canc.Cancel(lo.o.Symbol, id); err != nil {
		if errors.Is(err, book.ErrOrderNotFound) {
			return nil
		}
		if errors.Is(err, book.ErrBookBroken) {
			c.haltSymbol(lo.o.Symbol, err)
			return nil
		}
		return err
	}
	return c.record(ctx, lo.o, t, types.EventCancelled, "")
}

// haltSymbol 在撮合簿自检失败后只停掉该 symbol 上的上下文，其余 symbol
// 的上下文照常运行。
func (c *Coordinator) haltSymbol(symbol string, cause error) {
	logger.Errorf("symbol %s 的撮合簿已停止服务: %v", symbol, cause)
	for _, ctx := range c.contexts {
		if ctx.symbol == symbol && !ctx.suspended {
			ctx.suspended = true
			logger.Errorf("context %s 因撮合簿故障停用", ctx.name)
		}
	}
}

// guardCheck 执行止损与熔断检查：被击穿的仓位立即市价平掉；熔断触发
// 则清仓并停用该上下文（只影响它自己）。
func (c *Coordinator) guardCheck(ctx *Context, t types.Tick) error {
	exits, breaker := ctx.guard.Check(t.Timestamp, ctx.led.TotalEquity(), ctx.guardViews())
	if breaker {
		logger.Errorf("context %s 触发熔断，清仓并停用", ctx.name)
		ctx.suspended = true
	}
	for _, sym := range exits {
		if sym != t.Symbol {
			// 没有该 symbol 的当前价，等它自己的 tick 再平。
			continue
		}
		qty := ctx.led.PositionQty(sym)
		if qty.Sign() == 0 {
			continue
		}
		side := types.SideSell
		if qty.Sign() < 0 {
			side = types.SideBuy
		}
		o, err := types.NewOrder(sym, side, types.OrderTypeMarket, qty.Abs(), decimal.Zero, t.Timestamp)
		if err != nil {
			return err
		}
		logger.Warnf("context %s 止损平仓 %s %s@%s", ctx.name, sym, qty, t.Price)
		if err := c.submit(ctx, o, t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) record(ctx *Context, o *types.Order, t types.Tick, typ types.EventType, msg string) error {
	if c.rec == nil {
		return nil
	}
	return c.rec.RecordEvent(types.OrderEvent{
		Timestamp: t.Timestamp,
		Context:   ctx.name,
		Type:      typ,
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		OrderType: o.Type,
		Quantity:  o.Quantity,
		Price:     o.Price,
		Status:    o.Status,
		FilledQty: o.FilledQty,
		AvgPrice:  o.AvgPrice,
		Message:   msg,
	})
}

func (c *Coordinator) snapshot(ts time.Time) error {
	for _, ctx := range c.contexts {
		sample := ctx.led.RecordSnapshot(ts)
		if c.rec == nil {
			continue
		}
		err := c.rec.RecordEquity(types.EquityPoint{Timestamp: sample.Timestamp, Context: ctx.name, Equity: sample.Equity})
		if err != nil {
			return err
		}
	}
	return nil
}

// Summaries 按注册顺序返回全部上下文的当前汇总。
func (c *Coordinator) Summaries() []types.ContextSummary {
	out := make([]types.ContextSummary, 0, len(c.contexts))
	for _, ctx := range c.contexts {
		out = append(out, ctx.summary())
	}
	return out
}

// Flush 在停机时落一次最终资金快照与各上下文汇总。
func (c *Coordinator) Flush(ts time.Time) error {
	if err := c.snapshot(ts); err != nil {
		return err
	}
	if c.rec == nil {
		return nil
	}
	for _, s := range c.Summaries() {
		if err := c.rec.RecordSummary(s); err != nil {
			return err
		}
	}
	return nil
}
