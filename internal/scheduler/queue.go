package scheduler

import "container/heap"

// queueItem is one admission candidate. Ordering: priority desc, then seq
// asc (seq encodes arrival order; Prioritize moves an item to the front of
// its priority class by assigning a seq below all existing ones).
type queueItem struct {
	modelID  string
	priority int
	seq      int64
	// per-request admission flags
	force           bool
	allowPreemption bool
	// last Failed decision reason, to avoid re-logging the same failure
	// every tick while the model waits
	failReason string
	index      int // heap index
}

type admissionQueue struct {
	items []*queueItem
	byID  map[string]*queueItem
}

func newAdmissionQueue() *admissionQueue {
	return &admissionQueue{byID: make(map[string]*queueItem)}
}

func (q *admissionQueue) Len() int { return len(q.items) }

func (q *admissionQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (q *admissionQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *admissionQueue) Push(x any) {
	it := x.(*queueItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
}

func (q *admissionQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return it
}

// add inserts or replaces the entry for a model.
func (q *admissionQueue) add(it *queueItem) {
	if old, ok := q.byID[it.modelID]; ok {
		q.removeItem(old)
	}
	q.byID[it.modelID] = it
	heap.Push(q, it)
}

// remove deletes a model's entry if present.
func (q *admissionQueue) remove(modelID string) bool {
	it, ok := q.byID[modelID]
	if !ok {
		return false
	}
	q.removeItem(it)
	return true
}

func (q *admissionQueue) removeItem(it *queueItem) {
	heap.Remove(q, it.index)
	delete(q.byID, it.modelID)
}

// fix restores heap order after an item's priority or seq changed.
func (q *admissionQueue) fix(it *queueItem) {
	heap.Fix(q, it.index)
}

func (q *admissionQueue) get(modelID string) (*queueItem, bool) {
	it, ok := q.byID[modelID]
	return it, ok
}

// ordered returns all candidates best-first without disturbing the heap.
func (q *admissionQueue) ordered() []*queueItem {
	out := make([]*queueItem, len(q.items))
	copy(out, q.items)
	// small n; sort by the same ordering the heap uses
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if a.priority > b.priority || (a.priority == b.priority && a.seq < b.seq) {
				break
			}
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
