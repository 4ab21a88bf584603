package nexus

import (
	"fmt"
	"slices"

	"github.com/obinexus/gov-clock/config"
	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
)

// GovernanceValidator decides whether a registration or a swap is allowed
// under the configured governance policy. The policy is passed through
// untouched from config.
type GovernanceValidator interface {
	ValidateRegistration(policy map[string]any, m manifest.Manifest, src manifest.Source) error
	ValidateSwap(policy map[string]any, from, to manifest.Manifest, force bool) error
}

// Policy keys understood by PolicyGovernance.
const (
	PolicyAllowedSources       = "allowed_sources"
	PolicyRequireGovernanceTag = "require_governance_tag"
	PolicyForbidPrerelease     = "forbid_prerelease"
	PolicyAllowForcedSwaps     = "allow_forced_swaps"
	PolicyMaxMajorJump         = "max_major_jump"
)

// PolicyGovernance enforces the Policy* keys. Unknown keys are ignored.
//
//	allowed_sources        []string  trust tiers a manifest may come from
//	require_governance_tag bool      manifests must carry a governance tag
//	forbid_prerelease      bool      prerelease versions are rejected
//	allow_forced_swaps     bool      forced swaps are allowed (default true)
//	max_major_jump         int       largest major increase per swap, -1 = any
type PolicyGovernance struct{}

// ValidateRegistration implements GovernanceValidator.
func (PolicyGovernance) ValidateRegistration(policy map[string]any, m manifest.Manifest, src manifest.Source) error {
	if allowed := config.GetStringSlice(policy, PolicyAllowedSources, nil); len(allowed) > 0 {
		if !slices.Contains(allowed, src.String()) {
			return violation("ValidateRegistration", "%s from source %s not allowed", m.ComponentID, src)
		}
	}
	if config.GetBool(policy, PolicyRequireGovernanceTag, false) && m.Version.GovernanceTag == "" {
		return violation("ValidateRegistration", "%s@%s has no governance tag", m.ComponentID, m.Version)
	}
	if config.GetBool(policy, PolicyForbidPrerelease, false) && m.Version.Prerelease != "" {
		return violation("ValidateRegistration", "%s@%s is a prerelease", m.ComponentID, m.Version)
	}
	return nil
}

// ValidateSwap implements GovernanceValidator.
func (PolicyGovernance) ValidateSwap(policy map[string]any, from, to manifest.Manifest, force bool) error {
	if force && !config.GetBool(policy, PolicyAllowForcedSwaps, true) {
		return violation("ValidateSwap", "forced swap of %s not allowed", from.ComponentID)
	}
	if limit := config.GetInt(policy, PolicyMaxMajorJump, -1); limit >= 0 && to.Version.Major > from.Version.Major {
		if jump := to.Version.Major - from.Version.Major; int(jump) > limit {
			return violation("ValidateSwap", "%s major jump %d exceeds %d", from.ComponentID, jump, limit)
		}
	}
	return nil
}

func violation(method, format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrPolicyViolation}, args...)...),
		"PolicyGovernance", method, "apply policy")
}
