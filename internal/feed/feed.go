// Package feed 抽象 tick 来源。实盘传输不在本仓库范围内，这里提供
// 内存回放与 CSV 两种离线来源，保证引擎端到端可运行。
package feed

import (
	"context"
	"errors"

	"tradesim/internal/types"
)

// ErrExhausted 表示来源已经给完全部 tick。
var ErrExhausted = errors.New("feed: 数据已耗尽")

// Source 逐个产出 tick。同一 symbol 的时间戳必须非递减，由数据源保证。
// Next 在上游无数据可给时返回 ErrExhausted；ctx 取消时返回 ctx.Err()。
type Source interface {
	Next(ctx context.Context) (types.Tick, error)
}

// Replay 按序回放一组内存 tick，主要用于测试与确定性基准。
type Replay struct {
	ticks []types.Tick
	pos   int
}

// NewReplay 创建回放来源，不复制底层切片。
func NewReplay(ticks []types.Tick) *Replay {
	return &Replay{ticks: ticks}
}

// Next 返回下一个 tick。
func (r *Replay) Next(ctx context.Context) (types.Tick, error) {
	if err := ctx.Err(); err != nil {
		return types.Tick{}, err
	}
	if r.pos >= len(r.ticks) {
		return types.Tick{}, ErrExhausted
	}
	t := r.ticks[r.pos]
	r.pos++
	return t, nil
}

// Remaining 返回尚未回放的 tick 数。
func (r *Replay) Remaining() int { return len(r.ticks) - r.pos }
