package orderbook

import "github.com/omnidex-labs/matchcore/pkg/fixedpoint"

// bidHeap is a max-heap over price (highest bid on top), used for O(1) best
// bid lookup. Mirrors the teacher's MaxPriceHeap, generalized from int64 to
// fixedpoint.Wei via Wei.Cmp.
type bidHeap []fixedpoint.Wei

func (h bidHeap) Len() int            { return len(h) }
func (h bidHeap) Less(i, j int) bool  { return h[i].Cmp(h[j]) > 0 }
func (h bidHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *bidHeap) Push(x interface{}) { *h = append(*h, x.(fixedpoint.Wei)) }
func (h *bidHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
func (h bidHeap) Peek() (fixedpoint.Wei, bool) {
	if len(h) == 0 {
		return fixedpoint.Zero(), false
	}
	return h[0], true
}

// askHeap is a min-heap over price (lowest ask on top).
type askHeap []fixedpoint.Wei

func (h askHeap) Len() int            { return len(h) }
func (h askHeap) Less(i, j int) bool  { return h[i].Cmp(h[j]) < 0 }
func (h askHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *askHeap) Push(x interface{}) { *h = append(*h, x.(fixedpoint.Wei)) }
func (h *askHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
func (h askHeap) Peek() (fixedpoint.Wei, bool) {
	if len(h) == 0 {
		return fixedpoint.Zero(), false
	}
	return h[0], true
}
