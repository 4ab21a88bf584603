// Package manifest defines the component manifest: the immutable description
// of one version of a component that the store indexes, the resolver selects
// and the swap orchestrator installs.
package manifest

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/version"
)

const (
	// MaxIDLength bounds a component id in bytes.
	MaxIDLength = 128
	// MaxDependencies bounds the dependency list of one manifest.
	MaxDependencies = 32
)

// Manifest describes one registered version of a component.
type Manifest struct {
	ComponentID   string                  `json:"component_id" yaml:"component_id"`
	ComponentName string                  `json:"component_name,omitempty" yaml:"component_name,omitempty"`
	Version       version.ExtendedVersion `json:"version" yaml:"version"`
	TaxonomyClass string                  `json:"taxonomy_class,omitempty" yaml:"taxonomy_class,omitempty"`
	IsolationTier IsolationTier           `json:"isolation_tier" yaml:"isolation_tier"`

	Dependencies   []DependencyConstraint `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Runtime        RuntimeRequirements    `json:"runtime" yaml:"runtime"`
	FaultTolerance FaultTolerance         `json:"fault_tolerance" yaml:"fault_tolerance"`
	Integrity      Integrity              `json:"integrity" yaml:"integrity"`
}

// DependencyConstraint names another component this one needs at runtime.
// A zero MaxVersion means no upper bound.
type DependencyConstraint struct {
	DependencyID string                  `json:"dependency_id" yaml:"dependency_id"`
	MinVersion   version.ExtendedVersion `json:"min_version" yaml:"min_version"`
	MaxVersion   version.ExtendedVersion `json:"max_version" yaml:"max_version"`
	Optional     bool                    `json:"optional,omitempty" yaml:"optional,omitempty"`
	Strategy     version.Strategy        `json:"strategy" yaml:"strategy"`
}

// Allows reports whether v falls inside the constraint's bounds.
func (d DependencyConstraint) Allows(v version.ExtendedVersion) bool {
	if version.Compare(v, d.MinVersion) == version.Less {
		return false
	}
	if d.MaxVersion != (version.ExtendedVersion{}) && version.Compare(v, d.MaxVersion) == version.Greater {
		return false
	}
	return true
}

// RuntimeRequirements are scheduling hints. They are carried, not enforced.
type RuntimeRequirements struct {
	MemoryFootprintKB      uint32 `json:"memory_footprint_kb,omitempty" yaml:"memory_footprint_kb,omitempty"`
	CPUCores               uint8  `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	RequiresNetwork        bool   `json:"requires_network,omitempty" yaml:"requires_network,omitempty"`
	RequiresFilesystem     bool   `json:"requires_filesystem,omitempty" yaml:"requires_filesystem,omitempty"`
	MaxConcurrentInstances uint32 `json:"max_concurrent_instances,omitempty" yaml:"max_concurrent_instances,omitempty"`
}

// FaultTolerance carries reliability figures and the fallback component the
// resolver walks to when no version of this one is acceptable.
type FaultTolerance struct {
	MTBFHours                   uint32 `json:"mtbf_hours,omitempty" yaml:"mtbf_hours,omitempty"`
	RecoveryTimeMs              uint32 `json:"recovery_time_ms,omitempty" yaml:"recovery_time_ms,omitempty"`
	RedundancyFactor            uint8  `json:"redundancy_factor,omitempty" yaml:"redundancy_factor,omitempty"`
	SupportsGracefulDegradation bool   `json:"supports_graceful_degradation,omitempty" yaml:"supports_graceful_degradation,omitempty"`
	FallbackComponentID         string `json:"fallback_component_id,omitempty" yaml:"fallback_component_id,omitempty"`
}

// Integrity is the tamper evidence attached to a manifest. Checksum is the
// hex SHA-256 of the manifest with this block zeroed; Signature is an
// Ed25519 signature over the checksum string.
type Integrity struct {
	Signature []byte    `json:"signature,omitempty" yaml:"signature,omitempty"`
	Checksum  string    `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// IsolationTier describes how far a component is sandboxed from its peers.
type IsolationTier int

const (
	Isolated IsolationTier = iota
	Closed
	Open
)

var tierNames = map[IsolationTier]string{
	Isolated: "isolated",
	Closed:   "closed",
	Open:     "open",
}

func (t IsolationTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (t IsolationTier) MarshalText() ([]byte, error) {
	name, ok := tierNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown isolation tier %d", int(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *IsolationTier) UnmarshalText(text []byte) error {
	want := strings.ToLower(strings.TrimSpace(string(text)))
	for tier, name := range tierNames {
		if name == want {
			*t = tier
			return nil
		}
	}
	return fmt.Errorf("unknown isolation tier %q", string(text))
}

// ValidateID checks a component id: non-empty, at most MaxIDLength bytes,
// free of whitespace and control characters.
func ValidateID(id string) error {
	if id == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty", errors.ErrInvalidID), "manifest", "ValidateID", "check id")
	}
	if len(id) > MaxIDLength {
		return errors.WrapInvalid(fmt.Errorf("%w: %d bytes exceeds %d", errors.ErrInvalidID, len(id), MaxIDLength),
			"manifest", "ValidateID", "check id length")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar {
			return errors.WrapInvalid(fmt.Errorf("%w: %q contains %U", errors.ErrInvalidID, id, r),
				"manifest", "ValidateID", "check id characters")
		}
	}
	return nil
}

// Validate checks identity, version bounds and the dependency list.
func (m Manifest) Validate() error {
	if err := ValidateID(m.ComponentID); err != nil {
		return err
	}
	if err := m.Version.Validate(); err != nil {
		return errors.Wrap(err, "Manifest", "Validate", "validate version of "+m.ComponentID)
	}
	if _, ok := tierNames[m.IsolationTier]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: isolation tier %d", errors.ErrInvalidData, int(m.IsolationTier)),
			"Manifest", "Validate", "check isolation tier")
	}
	if m.TaxonomyClass != "" {
		for _, seg := range strings.Split(m.TaxonomyClass, ".") {
			if seg == "" {
				return errors.WrapInvalid(fmt.Errorf("%w: taxonomy class %q has an empty segment", errors.ErrInvalidData, m.TaxonomyClass),
					"Manifest", "Validate", "check taxonomy class")
			}
		}
	}
	if len(m.Dependencies) > MaxDependencies {
		return errors.WrapInvalid(fmt.Errorf("%w: %d dependencies exceeds %d", errors.ErrInvalidData, len(m.Dependencies), MaxDependencies),
			"Manifest", "Validate", "check dependencies")
	}
	for _, dep := range m.Dependencies {
		if err := ValidateID(dep.DependencyID); err != nil {
			return errors.Wrap(err, "Manifest", "Validate", "validate dependency id")
		}
		if !dep.Strategy.Valid() {
			return errors.WrapInvalid(fmt.Errorf("%w: dependency %s strategy %d", errors.ErrInvalidData, dep.DependencyID, int(dep.Strategy)),
				"Manifest", "Validate", "check dependency strategy")
		}
		if dep.MaxVersion != (version.ExtendedVersion{}) && version.Compare(dep.MinVersion, dep.MaxVersion) == version.Greater {
			return errors.WrapInvalid(fmt.Errorf("%w: dependency %s min %s above max %s", errors.ErrInvalidData,
				dep.DependencyID, dep.MinVersion, dep.MaxVersion), "Manifest", "Validate", "check dependency bounds")
		}
	}
	if fb := m.FaultTolerance.FallbackComponentID; fb != "" {
		if err := ValidateID(fb); err != nil {
			return errors.Wrap(err, "Manifest", "Validate", "validate fallback id")
		}
		if fb == m.ComponentID {
			return errors.WrapInvalid(fmt.Errorf("%w: %s falls back to itself", errors.ErrInvalidData, fb),
				"Manifest", "Validate", "check fallback")
		}
	}
	return nil
}

// MatchesTaxonomy reports whether the manifest's class equals filter or sits
// beneath it in the dotted hierarchy. An empty filter matches everything.
func (m Manifest) MatchesTaxonomy(filter string) bool {
	if filter == "" {
		return true
	}
	if m.TaxonomyClass == filter {
		return true
	}
	return strings.HasPrefix(m.TaxonomyClass, filter+".")
}

// String identifies the manifest in logs.
func (m Manifest) String() string {
	return m.ComponentID + "@" + m.Version.String()
}
