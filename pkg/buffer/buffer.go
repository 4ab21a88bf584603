// Package buffer provides a generic, thread-safe fixed-capacity buffer with
// configurable overflow policies.
package buffer

// Buffer is a bounded, ordered sequence of items.
type Buffer[T any] interface {
	// Write appends an item. When the buffer is full the overflow policy
	// decides whether the oldest item or the new one is dropped.
	Write(item T) error

	// Snapshot returns a copy of the contents, oldest first.
	Snapshot() []T

	// Last returns the most recently written item.
	Last() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool

	// Clear removes all items, invoking the drop callback for each.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the new item when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each dropped item.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// Capacity must be positive.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
