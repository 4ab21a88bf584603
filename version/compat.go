package version

import (
	"cmp"
	"fmt"
	"strings"
)

// Ordering is the result of Compare.
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

// String returns the ordering name.
func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return "unknown"
	}
}

// Strategy selects how a requested version is matched against candidates.
type Strategy int

const (
	// ExactMatch requires the four numeric fields and the prerelease to match.
	ExactMatch Strategy = iota
	// Compatible requires the same major, a version not older than the
	// request, and the same ABI signature.
	Compatible
	// LatestStable accepts any stable version.
	LatestStable
	// Experimental accepts any version.
	Experimental
	// FallbackChain matches like Compatible; the resolver walks fallbacks.
	FallbackChain
)

var strategyNames = map[Strategy]string{
	ExactMatch:    "exact_match",
	Compatible:    "compatible",
	LatestStable:  "latest_stable",
	Experimental:  "experimental",
	FallbackChain: "fallback_chain",
}

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether s is one of the five strategies.
func (s Strategy) Valid() bool {
	_, ok := strategyNames[s]
	return ok
}

// ParseStrategy maps a configuration name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for s, n := range strategyNames {
		if n == normalized {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown resolution strategy %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown resolution strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Compare orders two versions by (major, minor, patch, hotfix). Labels do
// not participate.
func Compare(a, b ExtendedVersion) Ordering {
	c := cmp.Or(
		cmp.Compare(a.Major, b.Major),
		cmp.Compare(a.Minor, b.Minor),
		cmp.Compare(a.Patch, b.Patch),
		cmp.Compare(a.Hotfix, b.Hotfix),
	)
	return Ordering(c)
}

// ABICompatible reports whether two versions share an ABI signature.
func ABICompatible(a, b ExtendedVersion) bool {
	return a.ABISignature == b.ABISignature
}

// IsCompatible reports whether provided satisfies required under strategy.
// Malformed input is never compatible.
func IsCompatible(required, provided ExtendedVersion, strategy Strategy) bool {
	if provided.Validate() != nil {
		return false
	}

	switch strategy {
	case ExactMatch:
		if required.Validate() != nil {
			return false
		}
		return Compare(required, provided) == Equal && required.Prerelease == provided.Prerelease

	case Compatible, FallbackChain:
		if required.Validate() != nil {
			return false
		}
		if provided.Major != required.Major {
			return false
		}
		if cmp.Or(cmp.Compare(provided.Minor, required.Minor), cmp.Compare(provided.Patch, required.Patch)) < 0 {
			return false
		}
		return ABICompatible(required, provided)

	case LatestStable:
		return provided.IsStable()

	case Experimental:
		return true

	default:
		return false
	}
}
