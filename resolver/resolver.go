// Package resolver maps a component id and a version request to one
// registered manifest, walking fault-tolerance fallbacks when asked to.
package resolver

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/metric"
	"github.com/obinexus/gov-clock/store"
	"github.com/obinexus/gov-clock/version"
)

// DefaultMaxFallbackDepth bounds how many fallback hops a resolution takes.
const DefaultMaxFallbackDepth = 4

// Records is the store surface the engine reads.
type Records interface {
	Records(id string) ([]store.Record, bool)
}

// Config configures an Engine.
type Config struct {
	// PreferredSources ranks manifest sources for equal-version tie breaks.
	PreferredSources []manifest.Source
	// MaxFallbackDepth bounds fallback hops. Zero means DefaultMaxFallbackDepth.
	MaxFallbackDepth int
}

// Resolution is a successful resolution with its provenance.
type Resolution struct {
	Manifest manifest.Manifest
	Source   manifest.Source
	// Chain lists the ids visited, requested id first. Its last element is
	// the id of Manifest.
	Chain    []string
	Fallback bool
	Latency  time.Duration
}

// Stats are cumulative resolution counters.
type Stats struct {
	Total          uint64        `json:"total"`
	Successful     uint64        `json:"successful"`
	Failed         uint64        `json:"failed"`
	Fallback       uint64        `json:"fallback"`
	AverageLatency time.Duration `json:"average_latency_ns"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics reports resolutions to m.
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer("govclock.resolver") }
}

// Engine resolves manifests from a store. Safe for concurrent use.
type Engine struct {
	records Records
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	tracer  trace.Tracer

	mu    sync.Mutex
	stats Stats
}

// New creates an engine reading from records.
func New(records Records, cfg Config, opts ...Option) *Engine {
	if cfg.MaxFallbackDepth <= 0 {
		cfg.MaxFallbackDepth = DefaultMaxFallbackDepth
	}
	if len(cfg.PreferredSources) == 0 {
		cfg.PreferredSources = manifest.DefaultSourcePreference
	}
	e := &Engine{
		records: records,
		cfg:     cfg,
		logger:  slog.Default(),
		tracer:  otel.Tracer("govclock.resolver"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Resolve returns the best manifest for id under strategy. FallbackChain
// walks fault-tolerance fallbacks when nothing under id is compatible.
func (e *Engine) Resolve(ctx context.Context, id string, requested version.ExtendedVersion, strategy version.Strategy) (manifest.Manifest, error) {
	res, err := e.ResolveDetailed(ctx, id, requested, strategy)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return res.Manifest, nil
}

// ResolveWithFallback is Resolve with the fallback walk enabled for any
// strategy. Callers use it to retry after a failed plain resolution.
func (e *Engine) ResolveWithFallback(ctx context.Context, id string, requested version.ExtendedVersion, strategy version.Strategy) (Resolution, error) {
	return e.resolve(ctx, id, requested, strategy, true)
}

// ResolveDetailed is Resolve returning the full Resolution.
func (e *Engine) ResolveDetailed(ctx context.Context, id string, requested version.ExtendedVersion, strategy version.Strategy) (Resolution, error) {
	return e.resolve(ctx, id, requested, strategy, strategy == version.FallbackChain)
}

func (e *Engine) resolve(ctx context.Context, id string, requested version.ExtendedVersion, strategy version.Strategy, fallback bool) (Resolution, error) {
	ctx, span := e.tracer.Start(ctx, "resolver.Resolve",
		trace.WithAttributes(
			attribute.String("component.id", id),
			attribute.String("version.requested", requested.String()),
			attribute.String("resolver.strategy", strategy.String()),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := e.lookup(ctx, id, requested, strategy, fallback)
	elapsed := time.Since(start)

	e.record(err, res.Fallback, elapsed)
	e.metrics.RecordResolution(strategy.String(), errors.Kind(err), res.Fallback, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug("Resolution failed",
			"component", id, "requested", requested.String(), "strategy", strategy.String(), "error", err)
		return Resolution{}, err
	}

	res.Latency = elapsed
	span.SetAttributes(
		attribute.String("version.resolved", res.Manifest.Version.String()),
		attribute.Bool("resolver.fallback", res.Fallback),
	)
	span.SetStatus(codes.Ok, "")
	if res.Fallback {
		e.logger.Info("Resolved through fallback",
			"component", id, "resolved", res.Manifest.String(), "chain", strings.Join(res.Chain, " -> "))
	}
	return res, nil
}

func (e *Engine) lookup(ctx context.Context, id string, requested version.ExtendedVersion, strategy version.Strategy, fallback bool) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, errors.Wrap(err, "Engine", "Resolve", "check context")
	}
	if !strategy.Valid() {
		return Resolution{}, errors.WrapInvalid(fmt.Errorf("%w: strategy %d", errors.ErrInvalidConfig, int(strategy)),
			"Engine", "Resolve", "check strategy")
	}

	recs, ok := e.records.Records(id)
	if !ok {
		return Resolution{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNotFound, id),
			"Engine", "Resolve", "lookup component")
	}

	candidates := filter(recs, requested, strategy)
	if len(candidates) > 1 && strategy == version.ExactMatch {
		return Resolution{}, errors.WrapInvalid(
			fmt.Errorf("%w: %d manifests of %s match %s exactly", errors.ErrAmbiguous, len(candidates), id, requested),
			"Engine", "Resolve", "select exact match")
	}
	if len(candidates) > 0 {
		best := e.best(candidates)
		return Resolution{Manifest: best.Manifest, Source: best.Source, Chain: []string{id}}, nil
	}

	if !fallback {
		if strategy == version.ExactMatch {
			return Resolution{}, errors.WrapInvalid(fmt.Errorf("%w: %s@%s", errors.ErrNotFound, id, requested),
				"Engine", "Resolve", "select exact match")
		}
		return Resolution{}, errors.WrapInvalid(
			fmt.Errorf("%w: no manifest of %s satisfies %s under %s", errors.ErrIncompatible, id, requested, strategy),
			"Engine", "Resolve", "filter candidates")
	}

	visited := map[string]bool{id: true}
	res, err := e.walkFallbacks(recs, []string{id}, visited, 1)
	if err != nil {
		return Resolution{}, errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrExhaustedFallback, id, err),
			"Engine", "Resolve", "walk fallback chain")
	}
	res.Fallback = true
	return res, nil
}

// walkFallbacks tries the distinct fallback ids of recs, newest manifest
// first. Each fallback id resolves with LatestStable; when it has no stable
// version its own fallbacks are tried.
func (e *Engine) walkFallbacks(recs []store.Record, chain []string, visited map[string]bool, depth int) (Resolution, error) {
	var ids []string
	for _, r := range recs {
		fb := r.Manifest.FaultTolerance.FallbackComponentID
		if fb != "" && !slices.Contains(ids, fb) {
			ids = append(ids, fb)
		}
	}
	if len(ids) == 0 {
		return Resolution{}, fmt.Errorf("%s declares no fallback", chain[len(chain)-1])
	}
	if depth > e.cfg.MaxFallbackDepth {
		return Resolution{}, fmt.Errorf("fallback depth %d exceeded", e.cfg.MaxFallbackDepth)
	}

	var lastErr error
	for _, fb := range ids {
		if visited[fb] {
			lastErr = fmt.Errorf("fallback cycle at %s", fb)
			continue
		}
		visited[fb] = true
		path := append(slices.Clone(chain), fb)

		fbRecs, ok := e.records.Records(fb)
		if !ok {
			lastErr = fmt.Errorf("fallback %s is not registered", fb)
			continue
		}
		if candidates := filter(fbRecs, version.ExtendedVersion{}, version.LatestStable); len(candidates) > 0 {
			best := e.best(candidates)
			return Resolution{Manifest: best.Manifest, Source: best.Source, Chain: path}, nil
		}

		res, err := e.walkFallbacks(fbRecs, path, visited, depth+1)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return Resolution{}, lastErr
}

func filter(recs []store.Record, requested version.ExtendedVersion, strategy version.Strategy) []store.Record {
	var out []store.Record
	for _, r := range recs {
		if version.IsCompatible(requested, r.Manifest.Version, strategy) {
			out = append(out, r)
		}
	}
	return out
}

// best picks the greatest version. Equal versions prefer a stable release,
// then the better-ranked source, then the later registration.
func (e *Engine) best(candidates []store.Record) store.Record {
	return slices.MaxFunc(candidates, func(a, b store.Record) int {
		return cmp.Or(
			int(version.Compare(a.Manifest.Version, b.Manifest.Version)),
			boolCmp(a.Manifest.Version.IsStable(), b.Manifest.Version.IsStable()),
			-cmp.Compare(a.Source.Rank(e.cfg.PreferredSources), b.Source.Rank(e.cfg.PreferredSources)),
			cmp.Compare(a.Sequence(), b.Sequence()),
		)
	})
}

func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}

func (e *Engine) record(err error, fallback bool, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Total++
	if err != nil {
		e.stats.Failed++
		return
	}
	e.stats.Successful++
	if fallback {
		e.stats.Fallback++
	}
	// cumulative moving average over successful resolutions
	n := time.Duration(e.stats.Successful)
	e.stats.AverageLatency += (elapsed - e.stats.AverageLatency) / n
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
