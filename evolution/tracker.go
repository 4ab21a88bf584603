package evolution

import (
	"slices"
	"sync"
	"time"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/version"
)

// Tracker owns the evolution records of every tracked component.
type Tracker struct {
	capacity int
	now      func() time.Time

	mu      sync.RWMutex
	records map[string]*Evolution
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithCapacity sets the per-component history capacity.
func WithCapacity(n int) TrackerOption {
	return func(t *Tracker) { t.capacity = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		capacity: DefaultHistoryCapacity,
		now:      time.Now,
		records:  make(map[string]*Evolution),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.capacity <= 0 {
		t.capacity = DefaultHistoryCapacity
	}
	return t
}

// Track returns the record for id, creating it at v with contractHash on
// first use. Later calls return the existing record unchanged.
func (t *Tracker) Track(id string, v version.ExtendedVersion, contractHash string) (*Evolution, error) {
	if err := manifest.ValidateID(id); err != nil {
		return nil, errors.Wrap(err, "Tracker", "Track", "validate id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ev, ok := t.records[id]; ok {
		return ev, nil
	}
	ev, err := newEvolution(id, v, contractHash, t.capacity, t.now)
	if err != nil {
		return nil, errors.Wrap(err, "Tracker", "Track", "create history")
	}
	t.records[id] = ev
	return ev, nil
}

// Get returns the record for id.
func (t *Tracker) Get(id string) (*Evolution, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ev, ok := t.records[id]
	return ev, ok
}

// IDs returns the tracked component ids in sorted order.
func (t *Tracker) IDs() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
