package buffer

import (
	"sync"
)

// Growable is a thread-safe FIFO ring buffer that automatically doubles
// its capacity when it reaches 70% full.
//
// A Growable created with NewBounded holds at most limit items; sending into a
// full buffer evicts the oldest item first.
type Growable[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int // 0 = unbounded
	onEvict  func(T)
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	evicted       int64
	resizeCount   int
}

// New creates an unbounded buffer with the given initial capacity.
func New[T any](initialCapacity int) *Growable[T] {
	return NewBounded[T](initialCapacity, 0, nil)
}

// NewBounded creates a buffer that never holds more than limit items.
// onEvict, if non-nil, is called with each item dropped to make room. It runs
// with the buffer lock held and must not call back into the buffer.
func NewBounded[T any](initialCapacity, limit int, onEvict func(T)) *Growable[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit < 0 {
		limit = 0
	}
	b := &Growable[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
		onEvict:  onEvict,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send adds an item to the tail. Returns false if the buffer is closed.
func (b *Growable[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	if b.limit > 0 && b.count >= b.limit {
		old := b.popLocked()
		b.evicted++
		if b.onEvict != nil {
			b.onEvict(old)
		}
	}

	b.growIfNeeded()

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++

	b.cond.Signal()
	return true
}

// PushFront puts an item back at the head so it is the next one received.
// It is meant for returning an item that could not be processed and never
// evicts, so a bounded buffer may briefly hold limit+1 items.
func (b *Growable[T]) PushFront(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	b.growIfNeeded()

	b.head = (b.head - 1 + b.capacity) % b.capacity
	b.buf[b.head] = item
	b.count++

	b.cond.Signal()
	return true
}

// Receive removes and returns the head item.
// Blocks until an item is available or the buffer is closed.
// Returns the item and true, or zero value and false if closed and empty.
func (b *Growable[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 && b.closed {
		var zero T
		return zero, false
	}

	return b.popLocked(), true
}

// TryReceive attempts to receive without blocking.
func (b *Growable[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// Close closes the buffer. After closing, Send returns false.
// Receivers will get remaining items then receive closed signal.
func (b *Growable[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Reset discards every buffered item and returns how many were dropped.
// Dropped items are not passed to onEvict.
func (b *Growable[T]) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	return n
}

// Len returns the current number of items in the buffer.
func (b *Growable[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *Growable[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:         b.count,
		Capacity:      b.capacity,
		Limit:         b.limit,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		Evicted:       b.evicted,
		ResizeCount:   b.resizeCount,
	}
}

// Stats contains buffer statistics.
type Stats struct {
	Count         int
	Capacity      int
	Limit         int
	TotalReceived int64
	TotalSent     int64
	Evicted       int64
	ResizeCount   int
}

// DrainTo removes up to max items (all when max <= 0) and returns them in order.
func (b *Growable[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = b.popLocked()
	}
	return result
}

// popLocked removes the head item. Must be called with lock held and count > 0.
func (b *Growable[T]) popLocked() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalSent++
	return item
}

// growIfNeeded doubles capacity once the buffer would reach 70% full after
// adding one item. Must be called with lock held.
func (b *Growable[T]) growIfNeeded() {
	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 < threshold && b.count < b.capacity {
		return
	}

	newCapacity := b.capacity * 2
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
