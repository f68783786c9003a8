package index

// Candidate is a slot paired with its internal distance to a query.
type Candidate struct {
	Slot uint32
	Dist float32
}

// nearer orders by distance, then slot, so results are deterministic.
func nearer(a, b Candidate) bool {
	if a.Dist != b.Dist {
		return a.Dist < b.Dist
	}
	return a.Slot < b.Slot
}

// queue is a binary heap of candidates. A max queue keeps the farthest
// candidate on top; a min queue the nearest.
type queue struct {
	isMax bool
	items []Candidate
}

func newMinQueue(capacity int) *queue {
	return &queue{items: make([]Candidate, 0, capacity)}
}

func newMaxQueue(capacity int) *queue {
	return &queue{isMax: true, items: make([]Candidate, 0, capacity)}
}

func (q *queue) Len() int {
	return len(q.items)
}

func (q *queue) Top() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	return q.items[0], true
}

func (q *queue) less(i, j int) bool {
	if q.isMax {
		return nearer(q.items[j], q.items[i])
	}
	return nearer(q.items[i], q.items[j])
}

func (q *queue) Push(c Candidate) {
	q.items = append(q.items, c)
	q.siftUp(len(q.items) - 1)
}

// PushBounded keeps at most limit candidates in a max queue, evicting the
// farthest. It reports whether c was kept.
func (q *queue) PushBounded(c Candidate, limit int) bool {
	if len(q.items) < limit {
		q.Push(c)
		return true
	}
	if !nearer(c, q.items[0]) {
		return false
	}
	q.items[0] = c
	q.siftDown(0)
	return true
}

func (q *queue) Pop() (Candidate, bool) {
	n := len(q.items)
	if n == 0 {
		return Candidate{}, false
	}
	top := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]
	if len(q.items) > 0 {
		q.siftDown(0)
	}
	return top, true
}

// Sorted drains the queue and returns its candidates nearest first.
func (q *queue) Sorted() []Candidate {
	out := make([]Candidate, len(q.items))
	if q.isMax {
		for i := len(out) - 1; i >= 0; i-- {
			out[i], _ = q.Pop()
		}
		return out
	}
	for i := range out {
		out[i], _ = q.Pop()
	}
	return out
}

func (q *queue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			break
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *queue) siftDown(i int) {
	n := len(q.items)
	for {
		best := i
		left, right := 2*i+1, 2*i+2
		if left < n && q.less(left, best) {
			best = left
		}
		if right < n && q.less(right, best) {
			best = right
		}
		if best == i {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
