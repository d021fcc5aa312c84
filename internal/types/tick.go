package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tick 表示一条行情数据。同一 symbol 的时间戳保证非递减（由上游保证，
// 引擎在边界处再校验一次）。
type Tick struct {
	Timestamp time.Time
	Symbol    string
	Price     decimal.Decimal
	Volume    decimal.Decimal
}

// Validate 在进入任何算术之前拒绝非法行情：空 symbol、非正价格、负成交量。
func (t Tick) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("tick: symbol 不能为空")
	}
	if t.Price.Sign() <= 0 {
		return fmt.Errorf("tick %s: price must be positive, got %s", t.Symbol, t.Price)
	}
	if t.Volume.Sign() < 0 {
		return fmt.Errorf("tick %s: volume must not be negative, got %s", t.Symbol, t.Volume)
	}
	return nil
}
