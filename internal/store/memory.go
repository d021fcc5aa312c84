package store

import (
	"sync"

	"tradesim/internal/types"
)

// Memory 把三类记录留在内存里，测试用。
type Memory struct {
	mu        sync.Mutex
	events    []types.OrderEvent
	equity    []types.EquityPoint
	summaries map[string]types.ContextSummary
}

// NewMemory 创建内存记录器。
func NewMemory() *Memory {
	return &Memory{summaries: make(map[string]types.ContextSummary)}
}

func (m *Memory) RecordEvent(ev types.OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) RecordEquity(p types.EquityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = append(m.equity, p)
	return nil
}

func (m *Memory) RecordSummary(s types.ContextSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[s.Context] = s
	return nil
}

// Events 返回事件副本。
func (m *Memory) Events() []types.OrderEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.OrderEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Equity 返回资金曲线副本。
func (m *Memory) Equity() []types.EquityPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.EquityPoint, len(m.equity))
	copy(out, m.equity)
	return out
}

// Summary 返回指定上下文的汇总。
func (m *Memory) Summary(name string) (types.ContextSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[name]
	return s, ok
}
