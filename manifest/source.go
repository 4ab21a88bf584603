package manifest

import (
	"fmt"
	"strings"
)

// Source is the trust tier a manifest was obtained from. Resolution prefers
// tiers in the order configured by preferred_sources.
type Source int

const (
	ObinexusDirect Source = iota
	VendorCertified
	CommunityContrib
	LocalCache
	NexusMinion
	FederatedNetwork
)

var sourceNames = [...]string{
	ObinexusDirect:   "obinexus_direct",
	VendorCertified:  "vendor_certified",
	CommunityContrib: "community_contrib",
	LocalCache:       "local_cache",
	NexusMinion:      "nexus_minion",
	FederatedNetwork: "federated_network",
}

// DefaultSourcePreference is the ranking used when none is configured.
var DefaultSourcePreference = []Source{
	ObinexusDirect, VendorCertified, LocalCache, CommunityContrib, NexusMinion, FederatedNetwork,
}

func (s Source) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return "unknown"
	}
	return sourceNames[s]
}

// ParseSource maps a configuration name to a Source.
func ParseSource(name string) (Source, error) {
	want := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for i, n := range sourceNames {
		if n == want {
			return Source(i), nil
		}
	}
	return 0, fmt.Errorf("unknown manifest source %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(sourceNames) {
		return nil, fmt.Errorf("unknown manifest source %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(text []byte) error {
	parsed, err := ParseSource(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Rank returns the position of s in preference, or len(preference) when it
// is not listed. Lower ranks win.
func (s Source) Rank(preference []Source) int {
	for i, p := range preference {
		if p == s {
			return i
		}
	}
	return len(preference)
}
