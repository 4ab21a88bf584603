// Package source feeds manifests into a registry from outside the process:
// a watched directory of manifest documents and a NATS KV bucket.
//
// Each source remembers which manifest every origin (a file path or a KV
// key) contributed, so rewriting an origin replaces its manifest and deleting
// it unregisters the manifest.
package source

import (
	"log/slog"
	"sync"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/metric"
)

// Registry is the manifest store a source feeds.
type Registry interface {
	Register(m manifest.Manifest, src manifest.Source) error
	Unregister(id, versionKey string) bool
}

// Outcome labels recorded on the source events metric.
const (
	OutcomeRegistered   = "registered"
	OutcomeReplaced     = "replaced"
	OutcomeUnregistered = "unregistered"
	OutcomeRejected     = "rejected"
	OutcomeUnchanged    = "unchanged"
)

// origins tracks the manifest registered for each origin.
type origins struct {
	name     string
	registry Registry
	tier     manifest.Source
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	current map[string]manifest.Manifest
}

func newOrigins(name string, registry Registry, tier manifest.Source, metrics *metric.Metrics, logger *slog.Logger) *origins {
	return &origins{
		name:     name,
		registry: registry,
		tier:     tier,
		metrics:  metrics,
		logger:   logger,
		current:  make(map[string]manifest.Manifest),
	}
}

// apply registers m for origin, replacing what the origin held before. If
// the new manifest is rejected the previous one is restored.
func (o *origins) apply(origin string, m manifest.Manifest) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev, had := o.current[origin]
	if had && prev.ComponentID == m.ComponentID && prev.Version.Key() == m.Version.Key() &&
		prev.Integrity.Checksum == m.Integrity.Checksum && prev.Integrity.Checksum != "" {
		o.record(origin, OutcomeUnchanged, m, nil)
		return OutcomeUnchanged, nil
	}

	if had {
		o.registry.Unregister(prev.ComponentID, prev.Version.Key())
	}

	if err := o.registry.Register(m, o.tier); err != nil {
		if had {
			if rerr := o.registry.Register(prev, o.tier); rerr != nil {
				delete(o.current, origin)
				o.logger.Error("Failed to restore previous manifest", "origin", origin,
					"manifest", prev.String(), "error", rerr)
			}
		}
		wrapped := errors.Wrap(err, "source", o.name, "register "+origin)
		o.record(origin, OutcomeRejected, m, wrapped)
		return OutcomeRejected, wrapped
	}

	o.current[origin] = m
	outcome := OutcomeRegistered
	if had {
		outcome = OutcomeReplaced
	}
	o.record(origin, outcome, m, nil)
	return outcome, nil
}

// forget unregisters whatever origin contributed.
func (o *origins) forget(origin string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev, had := o.current[origin]
	if !had {
		return false
	}
	delete(o.current, origin)
	removed := o.registry.Unregister(prev.ComponentID, prev.Version.Key())
	o.record(origin, OutcomeUnregistered, prev, nil)
	return removed
}

// reject counts a document that could not be decoded.
func (o *origins) reject(origin string, err error) {
	o.metrics.RecordSourceEvent(o.name, OutcomeRejected)
	o.logger.Warn("Rejected manifest document", "source", o.name, "origin", origin, "error", err)
}

func (o *origins) record(origin, outcome string, m manifest.Manifest, err error) {
	o.metrics.RecordSourceEvent(o.name, outcome)
	if err != nil {
		o.logger.Warn("Rejected manifest", "source", o.name, "origin", origin,
			"manifest", m.String(), "error", err)
		return
	}
	o.logger.Debug("Manifest source event", "source", o.name, "origin", origin,
		"manifest", m.String(), "outcome", outcome)
}

// Len returns the number of origins currently contributing a manifest.
func (o *origins) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.current)
}
