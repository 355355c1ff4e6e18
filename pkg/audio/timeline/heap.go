package timeline

// entry wraps a scheduled chunk with its start position on the sample clock.
// The seq field provides FIFO ordering for chunks that start on the same
// sample.
type entry struct {
	start   int64 // first sample position on the clock
	samples []float32
	seq     uint64 // monotonic insertion order for FIFO tie-breaking
}

// end returns the sample position one past the last sample of e.
func (e entry) end() int64 { return e.start + int64(len(e.samples)) }

// entryHeap implements [container/heap.Interface] as a min-heap ordered by
// start position (ascending), with FIFO tie-breaking on seq (ascending).
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

// Less reports whether element i starts before element j.
// Equal starts fall back to insertion order.
func (h entryHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
