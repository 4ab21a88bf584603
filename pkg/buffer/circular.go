package buffer

import (
	"fmt"
	"sync"

	"github.com/obinexus/gov-clock/errors"
)

type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	stats    *Statistics
	opts     *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: capacity %d", errors.ErrInvalidConfig, capacity),
			"buffer", "NewCircularBuffer", "validate capacity")
	}
	if opts.overflowPolicy != DropOldest && opts.overflowPolicy != DropNewest {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: overflow policy %s", errors.ErrInvalidConfig, opts.overflowPolicy),
			"buffer", "NewCircularBuffer", "validate overflow policy")
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     opts,
	}, nil
}

// tail is the index of the oldest item. Caller holds mu.
func (cb *circularBuffer[T]) tail() int {
	return (cb.head - cb.size + cb.capacity) % cb.capacity
}

func (cb *circularBuffer[T]) Write(item T) error {
	dropped, ok := cb.write(item)
	if ok && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return nil
}

func (cb *circularBuffer[T]) write(item T) (dropped T, didDrop bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == cb.capacity {
		cb.stats.Overflow()
		cb.stats.Drop()

		if cb.opts.overflowPolicy == DropNewest {
			return item, true
		}

		oldest := cb.tail()
		dropped, didDrop = cb.items[oldest], true
		cb.size--
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	return dropped, didDrop
}

func (cb *circularBuffer[T]) Snapshot() []T {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	out := make([]T, cb.size)
	start := cb.tail()
	for i := 0; i < cb.size; i++ {
		out[i] = cb.items[(start+i)%cb.capacity]
	}
	return out
}

func (cb *circularBuffer[T]) Last() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}
	return cb.items[(cb.head-1+cb.capacity)%cb.capacity], true
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == cb.capacity
}

func (cb *circularBuffer[T]) Clear() {
	dropped := cb.clear()
	if cb.opts.dropCallback == nil {
		return
	}
	for _, item := range dropped {
		cb.opts.dropCallback(item)
	}
}

func (cb *circularBuffer[T]) clear() []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	dropped := make([]T, 0, cb.size)
	start := cb.tail()
	for i := 0; i < cb.size; i++ {
		idx := (start + i) % cb.capacity
		dropped = append(dropped, cb.items[idx])
		cb.items[idx] = zero
	}

	cb.head = 0
	cb.size = 0
	cb.stats.UpdateSize(0)
	return dropped
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}
