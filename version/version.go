// Package version implements extended semantic versions and the
// compatibility rules used to resolve component manifests.
package version

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/obinexus/gov-clock/errors"
)

// MaxLabelLength bounds the prerelease, build metadata and governance tag.
const MaxLabelLength = 64

// DependencyHashLength is the length of a hex-encoded dependency digest.
const DependencyHashLength = 64

// ExtendedVersion is a semantic version extended with a hotfix number and
// the hot-swap metadata a component declares for itself.
type ExtendedVersion struct {
	Major  uint32 `json:"major" yaml:"major"`
	Minor  uint32 `json:"minor" yaml:"minor"`
	Patch  uint32 `json:"patch" yaml:"patch"`
	Hotfix uint32 `json:"hotfix,omitempty" yaml:"hotfix,omitempty"`

	Prerelease    string `json:"prerelease,omitempty" yaml:"prerelease,omitempty"`
	BuildMetadata string `json:"build_metadata,omitempty" yaml:"build_metadata,omitempty"`
	GovernanceTag string `json:"governance_tag,omitempty" yaml:"governance_tag,omitempty"`

	HotSwappable    bool   `json:"hot_swappable" yaml:"hot_swappable"`
	RequiresQuiesce bool   `json:"requires_quiesce" yaml:"requires_quiesce"`
	SwapDurationMs  uint32 `json:"swap_duration_ms,omitempty" yaml:"swap_duration_ms,omitempty"`

	ABISignature    uint64 `json:"abi_signature" yaml:"abi_signature"`
	ProtocolVersion uint32 `json:"protocol_version,omitempty" yaml:"protocol_version,omitempty"`
	DependencyHash  string `json:"dependency_hash,omitempty" yaml:"dependency_hash,omitempty"`
}

// New returns a version with the given numeric triple.
func New(major, minor, patch uint32) ExtendedVersion {
	return ExtendedVersion{Major: major, Minor: minor, Patch: patch}
}

// IsStable reports whether the version carries no prerelease label.
func (v ExtendedVersion) IsStable() bool {
	return v.Prerelease == ""
}

// String renders the version as major.minor.patch[.hotfix][-pre][+build].
func (v ExtendedVersion) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Hotfix > 0 {
		fmt.Fprintf(&b, ".%d", v.Hotfix)
	}
	if v.Prerelease != "" {
		b.WriteString("-")
		b.WriteString(v.Prerelease)
	}
	if v.BuildMetadata != "" {
		b.WriteString("+")
		b.WriteString(v.BuildMetadata)
	}
	return b.String()
}

// Key identifies the version for registration uniqueness. Two manifests of
// one component may not share a key.
func (v ExtendedVersion) Key() string {
	return v.String()
}

// Validate checks the field bounds.
func (v ExtendedVersion) Validate() error {
	for name, label := range map[string]string{
		"prerelease":     v.Prerelease,
		"build_metadata": v.BuildMetadata,
		"governance_tag": v.GovernanceTag,
	} {
		if len(label) > MaxLabelLength {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s exceeds %d bytes", errors.ErrInvalidData, name, MaxLabelLength),
				"version", "Validate", "check label length")
		}
	}
	if v.DependencyHash != "" {
		if len(v.DependencyHash) != DependencyHashLength {
			return errors.WrapInvalid(
				fmt.Errorf("%w: dependency_hash must be %d hex characters", errors.ErrInvalidData, DependencyHashLength),
				"version", "Validate", "check dependency hash")
		}
		if _, err := hex.DecodeString(v.DependencyHash); err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("%w: dependency_hash: %v", errors.ErrInvalidData, err),
				"version", "Validate", "decode dependency hash")
		}
	}
	return nil
}

// Parse reads "1.2.3", "v1.2.3-rc.1+build.5" or the four-part "1.2.3.4"
// (hotfix) form. Only the numeric and label fields are populated.
func Parse(s string) (ExtendedVersion, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return ExtendedVersion{}, errors.WrapInvalid(
			fmt.Errorf("%w: empty version", errors.ErrParsingFailed), "version", "Parse", "read version")
	}
	if !strings.HasPrefix(raw, "v") {
		raw = "v" + raw
	}

	core, build, _ := strings.Cut(raw, "+")
	core, pre, _ := strings.Cut(core, "-")

	var hotfix uint32
	parts := strings.Split(strings.TrimPrefix(core, "v"), ".")
	if len(parts) == 4 {
		h, err := strconv.ParseUint(parts[3], 10, 32)
		if err != nil {
			return ExtendedVersion{}, errors.WrapInvalid(
				fmt.Errorf("%w: hotfix %q", errors.ErrParsingFailed, parts[3]), "version", "Parse", "read hotfix")
		}
		hotfix = uint32(h)
		core = "v" + strings.Join(parts[:3], ".")
	}

	canonical := core
	if pre != "" {
		canonical += "-" + pre
	}
	if build != "" {
		canonical += "+" + build
	}
	if !semver.IsValid(canonical) || len(parts) < 3 {
		return ExtendedVersion{}, errors.WrapInvalid(
			fmt.Errorf("%w: %q is not a semantic version", errors.ErrParsingFailed, s), "version", "Parse", "validate")
	}

	nums := strings.Split(strings.TrimPrefix(core, "v"), ".")
	var out [3]uint32
	for i, n := range nums {
		u, err := strconv.ParseUint(n, 10, 32)
		if err != nil {
			return ExtendedVersion{}, errors.WrapInvalid(
				fmt.Errorf("%w: %q", errors.ErrParsingFailed, n), "version", "Parse", "read numeric field")
		}
		out[i] = uint32(u)
	}

	v := ExtendedVersion{
		Major:         out[0],
		Minor:         out[1],
		Patch:         out[2],
		Hotfix:        hotfix,
		Prerelease:    pre,
		BuildMetadata: build,
	}
	if err := v.Validate(); err != nil {
		return ExtendedVersion{}, err
	}
	return v, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) ExtendedVersion {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}
