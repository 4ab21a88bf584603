// Package buffer provides a generic fixed-capacity circular buffer.
//
// The evolution tracker keeps each component's swap history in a
// DropOldest buffer, so once the buffer is full every append evicts the
// oldest entry:
//
//	history, err := buffer.NewCircularBuffer[Transition](64,
//	    buffer.WithDropCallback(func(t Transition) { evicted++ }),
//	)
//	_ = history.Write(t)
//	all := history.Snapshot() // oldest first
//
// DropNewest keeps the first entries instead. Drop callbacks run after the
// buffer lock is released, so they may call back into the buffer.
package buffer
