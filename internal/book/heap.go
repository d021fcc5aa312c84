package book

import "github.com/shopspring/decimal"

// level 是堆内元素：价格 + 到达序号 + arena 槽位。
type level struct {
	price decimal.Decimal
	seq   uint64
	slot  int
}

// levelHeap 实现 container/heap。max=true 时价高优先（买侧），否则价低优先
// （卖侧）；同价按到达序号先到先得。
type levelHeap struct {
	items []level
	max   bool
}

func (h *levelHeap) Len() int { return len(h.items) }

func (h *levelHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	cmp := a.price.Cmp(b.price)
	if cmp != 0 {
		if h.max {
			return cmp > 0
		}
		return cmp < 0
	}
	return a.seq < b.seq
}

func (h *levelHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *levelHeap) Push(x any) { h.items = append(h.items, x.(level)) }

func (h *levelHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}
