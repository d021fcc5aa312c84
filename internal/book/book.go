// Package book 实现单 symbol 的价格-时间优先订单簿。
//
// 存储采用 arena + 索引堆：订单保存在一段连续的 arena 里，买卖两侧的堆只持有
// arena 下标；撤单只打 tombstone（O(1)），真正的删除延迟到下次弹堆触碰该槽位，
// tombstone 积累过多时整体压缩一次。同价位用单调递增的到达序号做 FIFO
// tie-break，不依赖墙钟。
package book

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradesim/internal/types"
)

var (
	// ErrBookBroken 表示订单簿曾检测到交叉（best bid ≥ best ask），已停止服务。
	ErrBookBroken = errors.New("book: invariant violated, book is halted")
	// ErrOrderNotFound 表示撤单目标不存在或已离场。
	ErrOrderNotFound = errors.New("book: order not found")
	// ErrSymbolMismatch 表示订单 symbol 与订单簿不符。
	ErrSymbolMismatch = errors.New("book: symbol mismatch")
)

// compactThreshold 控制 tombstone 压缩时机：墓碑数超过在场订单数且不少于该值时触发。
const compactThreshold = 64

type entry struct {
	order *types.Order
	seq   uint64
	dead  bool
}

// Result 是一次 Add 的结果。Trades 以进场订单视角记录；每笔撮合同时在
// Maker 里留下被动方视角的成交，供持有挂单的一方记账。市价单吃不完
// 流动性时余量如实上报；限价单余量不会出现在这里，而是挂进簿里。
type Result struct {
	Trades   []types.Trade
	Maker    []types.Trade
	Unfilled decimal.Decimal
	Posted   bool // 限价余量是否已挂入订单簿
}

// OrderBook 维护一个 symbol 的双侧簿。非并发安全；多上下文共享同一实例时
// 由持有方串行化访问。
type OrderBook struct {
	symbol string

	arena []entry
	slots map[string]int // order id -> arena 下标

	bids levelHeap // 价高优先
	asks levelHeap // 价低优先

	seq    uint64
	dead   int // 当前 tombstone 数
	broken bool
}

// New 创建指定 symbol 的订单簿。
func New(symbol string) *OrderBook {
	b := &OrderBook{
		symbol: symbol,
		slots:  make(map[string]int),
	}
	b.bids.max = true
	return b
}

// Symbol 返回订单簿对应的 symbol。
func (b *OrderBook) Symbol() string { return b.symbol }

// Broken 报告订单簿是否因不变量破坏而停止服务。
func (b *OrderBook) Broken() bool { return b.broken }

// Add 接收一笔订单并执行撮合。只要对侧最优价仍可成交（限价交叉，或市价单
// 且仍有流动性），就按 min(进场余量, 挂单余量) 在挂单价成交。吃不完的市价
// 余量如实上报，绝不挂簿；限价余量挂入本侧。
func (b *OrderBook) Add(o *types.Order, ts time.Time) (Result, error) {
	var res Result
	if b.broken {
		return res, ErrBookBroken
	}
	if o.Symbol != b.symbol {
		return res, fmt.Errorf("%w: got %s want %s", ErrSymbolMismatch, o.Symbol, b.symbol)
	}

	opp := &b.asks
	if o.Side == types.SideSell {
		opp = &b.bids
	}

	for o.Remaining().Sign() > 0 {
		rest := b.peek(opp)
		if rest == nil {
			break
		}
		if o.Type == types.OrderTypeLimit && !crosses(o, rest.order) {
			break
		}
		qty := decimal.Min(o.Remaining(), rest.order.Remaining())
		price := rest.order.Price // 被动方定价

		trade, err := types.NewTrade(o.ID, b.symbol, o.Side, qty, price, ts)
		if err != nil {
			return res, err
		}
		maker, err := types.NewTrade(rest.order.ID, b.symbol, rest.order.Side, qty, price, ts)
		if err != nil {
			return res, err
		}
		if err := o.Fill(qty, price); err != nil {
			return res, err
		}
		if err := rest.order.Fill(qty, price); err != nil {
			return res, err
		}
		res.Trades = append(res.Trades, trade)
		res.Maker = append(res.Maker, maker)

		if rest.order.Remaining().Sign() == 0 {
			b.remove(opp)
		}
		// 部分成交的挂单留在原位，保持时间优先级。
	}

	switch {
	case o.Remaining().Sign() == 0:
		// 完全成交，无需挂簿。
	case o.Type == types.OrderTypeMarket:
		res.Unfilled = o.Remaining()
	default:
		b.post(o)
		res.Posted = true
	}

	if err := b.checkUncrossed(); err != nil {
		return res, err
	}
	return res, nil
}

// Cancel 以 O(1) 撤单：仅打 tombstone，堆内槽位延迟回收。
func (b *OrderBook) Cancel(id string) error {
	if b.broken {
		return ErrBookBroken
	}
	slot, ok := b.slots[id]
	if !ok || b.arena[slot].dead {
		return ErrOrderNotFound
	}
	b.arena[slot].dead = true
	b.arena[slot].order.Cancel()
	delete(b.slots, id)
	b.dead++
	b.maybeCompact()
	return nil
}

// BestBid 返回当前最高买价；簿空时第二个返回值为 false。
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	e := b.peek(&b.bids)
	if e == nil {
		return decimal.Zero, false
	}
	return e.order.Price, true
}

// BestAsk 返回当前最低卖价；簿空时第二个返回值为 false。
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	e := b.peek(&b.asks)
	if e == nil {
		return decimal.Zero, false
	}
	return e.order.Price, true
}

// Depth 返回双侧在场（未 tombstone）订单数。
func (b *OrderBook) Depth() (bids, asks int) {
	for _, it := range b.bids.items {
		if !b.arena[it.slot].dead {
			bids++
		}
	}
	for _, it := range b.asks.items {
		if !b.arena[it.slot].dead {
			asks++
		}
	}
	return bids, asks
}

func crosses(incoming, resting *types.Order) bool {
	if incoming.Side == types.SideBuy {
		return incoming.Price.GreaterThanOrEqual(resting.Price)
	}
	return incoming.Price.LessThanOrEqual(resting.Price)
}

func (b *OrderBook) post(o *types.Order) {
	b.seq++
	slot := len(b.arena)
	b.arena = append(b.arena, entry{order: o, seq: b.seq})
	b.slots[o.ID] = slot
	side := &b.bids
	if o.Side == types.SideSell {
		side = &b.asks
	}
	heap.Push(side, level{price: o.Price, seq: b.seq, slot: slot})
}

// peek 返回一侧的最优在场挂单，顺手弹掉堆顶的 tombstone。
func (b *OrderBook) peek(side *levelHeap) *entry {
	for side.Len() > 0 {
		top := side.items[0]
		e := &b.arena[top.slot]
		if e.dead {
			heap.Pop(side)
			b.dead--
			continue
		}
		return e
	}
	return nil
}

// remove 弹出一侧堆顶对应的挂单（已完全成交）。
func (b *OrderBook) remove(side *levelHeap) {
	top := heap.Pop(side).(level)
	delete(b.slots, b.arena[top.slot].order.ID)
	b.arena[top.slot].dead = true
}

// checkUncrossed 校验撮合后的簿不交叉。交叉意味着撮合循环有编程错误，
// 该簿立即停止服务而不是带病继续。
func (b *OrderBook) checkUncrossed() error {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if okB && okA && bid.GreaterThanOrEqual(ask) {
		b.broken = true
		return fmt.Errorf("%w: best bid %s >= best ask %s", ErrBookBroken, bid, ask)
	}
	return nil
}

// maybeCompact 在墓碑占比过高时重建 arena 与双堆，回收空间并保持原有次序。
func (b *OrderBook) maybeCompact() {
	live := len(b.slots)
	if b.dead < compactThreshold || b.dead <= live {
		return
	}
	arena := make([]entry, 0, live)
	slots := make(map[string]int, live)
	var bids, asks levelHeap
	bids.max = true
	for _, e := range b.arena {
		if e.dead {
			continue
		}
		slot := len(arena)
		arena = append(arena, e)
		slots[e.order.ID] = slot
		it := level{price: e.order.Price, seq: e.seq, slot: slot}
		if e.order.Side == types.SideBuy {
			bids.items = append(bids.items, it)
		} else {
			asks.items = append(asks.items, it)
		}
	}
	heap.Init(&bids)
	heap.Init(&asks)
	b.arena, b.slots, b.bids, b.asks, b.dead = arena, slots, bids, asks, 0
}
