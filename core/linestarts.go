package pipeline

import (
	"container/heap"
	"time"
)

// LineStart announces that a line's audio begins at At on the device clock.
type LineStart struct {
	Index int
	Text  string
	// Offset is the sample offset of the line within the session audio.
	Offset int
	At     time.Duration
}

// lineStartQueue is a min-heap of pending line starts ordered by sample
// offset, then by line index.
type lineStartQueue []LineStart

var _ heap.Interface = (*lineStartQueue)(nil)

func (q lineStartQueue) Len() int { return len(q) }

func (q lineStartQueue) Less(i, j int) bool {
	if q[i].Offset != q[j].Offset {
		return q[i].Offset < q[j].Offset
	}
	return q[i].Index < q[j].Index
}

func (q lineStartQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *lineStartQueue) Push(x any) { *q = append(*q, x.(LineStart)) }

func (q *lineStartQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q lineStartQueue) peek() (LineStart, bool) {
	if len(q) == 0 {
		return LineStart{}, false
	}
	return q[0], true
}
