package exec

import (
	"time"

	"github.com/shopspring/decimal"

	"tradesim/internal/book"
	"tradesim/internal/types"
)

// BookExecutor 用逐 symbol 的撮合簿处理订单：可成交部分按价格时间
// 优先撮合，限价余量挂簿等待对手方，市价余量直接报未成交。
// 与概率模拟不同，这里的成交完全由簿内流动性决定。
type BookExecutor struct {
	books map[string]*book.OrderBook
}

// NewBookExecutor 创建空簿执行器，簿按 symbol 惰性创建。
func NewBookExecutor() *BookExecutor {
	return &BookExecutor{books: make(map[string]*book.OrderBook)}
}

// Book 返回指定 symbol 的撮合簿（可能为 nil）。
func (e *BookExecutor) Book(symbol string) *book.OrderBook { return e.books[symbol] }

// Execute 将订单送入对应 symbol 的簿。ref 仅为接口兼容，撮合价取挂单价。
// 返回的成交同时包含进场方与被动方两个视角，调用方按 OrderID 归账。
func (e *BookExecutor) Execute(o *types.Order, _ decimal.Decimal, ts time.Time) ([]types.Trade, error) {
	b, ok := e.books[o.Symbol]
	if !ok {
		b = book.New(o.Symbol)
		e.books[o.Symbol] = b
	}
	res, err := b.Add(o, ts)
	if err != nil {
		return nil, err
	}
	return append(res.Trades, res.Maker...), nil
}

// Cancel 撤掉指定 symbol 簿上的挂单。订单已成交或已离场时返回
// book.ErrOrderNotFound。
func (e *BookExecutor) Cancel(symbol, id string) error {
	b, ok := e.books[symbol]
	if !ok {
		return book.ErrOrderNotFound
	}
	return b.Cancel(id)
}
