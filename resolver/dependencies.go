package resolver

import (
	"context"
	"fmt"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/store"
	"github.com/obinexus/gov-clock/version"
)

// ResolveDependencies resolves every dependency of m. Each dependency is
// matched against its MinVersion under its own strategy and must fall inside
// its bounds. Optional dependencies that cannot be satisfied are skipped.
func (e *Engine) ResolveDependencies(ctx context.Context, m manifest.Manifest) (map[string]manifest.Manifest, error) {
	out := make(map[string]manifest.Manifest, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "Engine", "ResolveDependencies", "check context")
		}

		recs, ok := e.records.Records(dep.DependencyID)
		if !ok {
			if dep.Optional {
				continue
			}
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s requires %s", errors.ErrNotFound, m, dep.DependencyID),
				"Engine", "ResolveDependencies", "lookup dependency")
		}

		var bounded []store.Record
		for _, r := range filter(recs, dep.MinVersion, dep.Strategy) {
			if dep.Allows(r.Manifest.Version) {
				bounded = append(bounded, r)
			}
		}
		if len(bounded) == 0 {
			if dep.Optional {
				continue
			}
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s requires %s %s under %s", errors.ErrIncompatible, m, dep.DependencyID, boundsString(dep), dep.Strategy),
				"Engine", "ResolveDependencies", "filter dependency")
		}
		out[dep.DependencyID] = e.best(bounded).Manifest
	}
	return out, nil
}

func boundsString(dep manifest.DependencyConstraint) string {
	if dep.MaxVersion == (version.ExtendedVersion{}) {
		return ">= " + dep.MinVersion.String()
	}
	return fmt.Sprintf("[%s, %s]", dep.MinVersion, dep.MaxVersion)
}
