package queue

import (
	"container/heap"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"scanweld/internal/domain"
)

// entry is one heap slot. Removal is lazy: a replaced or drained entry
// is flagged removed and skipped when it reaches the root, instead of
// restructuring the heap.
type entry struct {
	sequence uint64
	priority int
	hash     string
	item     *domain.PrioritizedItem
	removed  bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority == h[j].priority {
		return h[i].sequence < h[j].sequence
	}
	return h[i].priority < h[j].priority
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Config holds the tuning of one queue instance.
type Config struct {
	ID                   string
	MaxSize              int // 0 = unbounded
	ItemType             string
	AllowReplace         bool
	AllowUpdates         bool
	AllowPriorityUpdates bool
}

// PriorityQueue is a bounded, deduplicating priority-ordered container
// of pending items. Items with equal priority are served FIFO via a
// monotonic insertion sequence. At most one live entry exists per
// content hash; the finder index maps hash to that entry.
type PriorityQueue struct {
	mu sync.Mutex

	id       string
	maxSize  int
	itemType string

	allowReplace         bool
	allowUpdates         bool
	allowPriorityUpdates bool

	enabled      bool
	seq          uint64
	heap         entryHeap
	finder       map[string]*entry
	lastActivity time.Time
}

func New(cfg Config) *PriorityQueue {
	q := &PriorityQueue{
		id:                   cfg.ID,
		maxSize:              cfg.MaxSize,
		itemType:             cfg.ItemType,
		allowReplace:         cfg.AllowReplace,
		allowUpdates:         cfg.AllowUpdates,
		allowPriorityUpdates: cfg.AllowPriorityUpdates,
		enabled:              true,
		finder:               make(map[string]*entry),
	}
	heap.Init(&q.heap)
	return q
}

func (q *PriorityQueue) ID() string { return q.id }

// Push admits an item, applying the duplicate-hash admission policy.
// The item's hash is computed from its payload when absent. The
// returned bool reports whether this call placed the item on the
// queue; an idempotent resubmission returns false so the caller knows
// there is nothing of its own to roll back.
func (q *PriorityQueue) Push(item *domain.PrioritizedItem) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.enabled {
		return false, ErrNotAllowed
	}
	if item == nil || !json.Valid(item.Data) {
		return false, ErrInvalidItemType
	}
	item.EnsureHash()

	existing, onQueue := q.finder[item.Hash]
	if !onQueue {
		if q.maxSize > 0 && len(q.finder) >= q.maxSize {
			return false, ErrQueueFull
		}
		q.insert(item)
		return true, nil
	}

	itemChanged := !domain.DataEqual(existing.item.Data, item.Data)
	priorityChanged := existing.item.Priority != item.Priority

	switch {
	case q.allowReplace:
		q.replace(existing, item)
	case !itemChanged && !priorityChanged && existing.item.ID == item.ID:
		// Idempotent resubmission of the very same item.
		return false, nil
	case !itemChanged && !priorityChanged:
		return false, ErrReplaceNotAllowed
	case itemChanged && !q.allowUpdates:
		return false, ErrUpdateNotAllowed
	case priorityChanged && !q.allowPriorityUpdates:
		return false, ErrPriorityUpdateNotAllowed
	default:
		q.replace(existing, item)
	}
	return true, nil
}

func (q *PriorityQueue) insert(item *domain.PrioritizedItem) {
	q.seq++
	e := &entry{
		sequence: q.seq,
		priority: item.Priority,
		hash:     item.Hash,
		item:     item,
	}
	heap.Push(&q.heap, e)
	q.finder[item.Hash] = e
	q.lastActivity = time.Now().UTC()
}

func (q *PriorityQueue) replace(old *entry, item *domain.PrioritizedItem) {
	old.removed = true
	delete(q.finder, old.hash)
	q.insert(item)
}

// Pop removes and returns the highest-priority live item matching all
// filters. An empty queue (or no match) returns (nil, nil); that is
// not an error. Flagged-removed entries encountered on the way are
// reclaimed here.
func (q *PriorityQueue) Pop(filters ...domain.FieldFilter) (*domain.PrioritizedItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*entry
	var found *entry
	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		if e.removed {
			continue
		}
		if !matches(e.item, filters) {
			skipped = append(skipped, e)
			continue
		}
		found = e
		break
	}
	for _, e := range skipped {
		heap.Push(&q.heap, e)
	}
	if found == nil {
		return nil, nil
	}
	delete(q.finder, found.hash)
	q.lastActivity = time.Now().UTC()
	return found.item, nil
}

func matches(item *domain.PrioritizedItem, filters []domain.FieldFilter) bool {
	for _, f := range filters {
		if !f.Match(item.Data) {
			return false
		}
	}
	return true
}

// Remove flags the live entry for hash as removed. Used to roll back
// an admission whose persistence failed.
func (q *PriorityQueue) Remove(hash string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.finder[hash]; ok {
		e.removed = true
		delete(q.finder, hash)
	}
}

// Drain removes every live item, in heap order, and returns them.
func (q *PriorityQueue) Drain() []*domain.PrioritizedItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var items []*domain.PrioritizedItem
	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		if e.removed {
			continue
		}
		items = append(items, e.item)
	}
	q.finder = make(map[string]*entry)
	return items
}

// Peek returns the i-th live item in priority order without mutating
// the queue, or nil when i is out of range.
func (q *PriorityQueue) Peek(i int) *domain.PrioritizedItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	live := make([]*entry, 0, len(q.finder))
	for _, e := range q.heap {
		if !e.removed {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(a, b int) bool {
		if live[a].priority == live[b].priority {
			return live[a].sequence < live[b].sequence
		}
		return live[a].priority < live[b].priority
	})
	if i < 0 || i >= len(live) {
		return nil
	}
	return live[i].item
}

// QSize is the number of live entries; flagged-removed slots are never
// counted.
func (q *PriorityQueue) QSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.finder)
}

func (q *PriorityQueue) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// Disable freezes the queue: every subsequent Push fails with
// ErrNotAllowed. The flag flips under the same lock Push takes, so no
// in-flight push can land once Disable returns.
func (q *PriorityQueue) Disable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enabled = false
}

func (q *PriorityQueue) Enable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enabled = true
}

func (q *PriorityQueue) SetMaxSize(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxSize = n
}

func (q *PriorityQueue) SetAllowReplace(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.allowReplace = v
}

func (q *PriorityQueue) SetAllowUpdates(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.allowUpdates = v
}

func (q *PriorityQueue) SetAllowPriorityUpdates(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.allowPriorityUpdates = v
}

// Info snapshots the queue descriptor.
func (q *PriorityQueue) Info() domain.SchedulerInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.SchedulerInfo{
		ID:                   q.id,
		Enabled:              q.enabled,
		Size:                 len(q.finder),
		MaxSize:              q.maxSize,
		ItemType:             q.itemType,
		AllowReplace:         q.allowReplace,
		AllowUpdates:         q.allowUpdates,
		AllowPriorityUpdates: q.allowPriorityUpdates,
		LastActivity:         q.lastActivity,
	}
}
