// Package events carries runtime notifications (manifest registrations, swap
// outcomes, breaker transitions) to interested parties: NATS subscribers,
// the admin websocket hub, or both.
//
// Publishing is best effort. Callers log a publish error and carry on; an
// event that cannot be delivered never fails the operation it describes.
package events

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
)

// Kind names an event type. It is the second subject token on NATS.
type Kind string

const (
	KindRegistered   Kind = "registered"
	KindUnregistered Kind = "unregistered"
	KindSwap         Kind = "swap"
	KindBreaker      Kind = "breaker"
	KindHealth       Kind = "health"
)

// Event is one runtime notification.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	ComponentID string    `json:"component_id"`
	Timestamp   time.Time `json:"timestamp"`

	// Swap and registration fields.
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Source    string `json:"source,omitempty"`
	Result    string `json:"result,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Automatic bool   `json:"automatic,omitempty"`
	Error     string `json:"error,omitempty"`
	SwapID    string `json:"swap_id,omitempty"`

	// Breaker and health fields.
	State string `json:"state,omitempty"`
}

// New returns an event with a fresh id and the current UTC time.
func New(kind Kind, componentID string) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		ComponentID: componentID,
		Timestamp:   time.Now().UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher. All publishers are attempted;
// their errors are joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
