package nexus

import (
	"context"
	"crypto/ed25519"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/obinexus/gov-clock/breaker"
	"github.com/obinexus/gov-clock/config"
	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/events"
	"github.com/obinexus/gov-clock/evolution"
	"github.com/obinexus/gov-clock/health"
	"github.com/obinexus/gov-clock/loader"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/metric"
	"github.com/obinexus/gov-clock/resolver"
	"github.com/obinexus/gov-clock/store"
	"github.com/obinexus/gov-clock/swap"
	"github.com/obinexus/gov-clock/version"
)

// Option configures a Context.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	metrics    *metric.Metrics
	publisher  events.Publisher
	loader     loader.Loader
	governance GovernanceValidator
	tracer     trace.TracerProvider
	now        func() time.Time
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics reports runtime metrics to m.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithPublisher delivers runtime events to p.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLoader sets the unit loader. The default is an empty loader.Static
// reachable through Context.Units.
func WithLoader(l loader.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithGovernance installs a governance validator.
func WithGovernance(v GovernanceValidator) Option {
	return func(o *options) { o.governance = v }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithClock overrides the time source of the breakers, the tracker and the
// orchestrator.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Context is the process-wide runtime. Safe for concurrent use.
type Context struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metric.Metrics
	publisher  events.Publisher
	governance GovernanceValidator
	now        func() time.Time

	store        *store.Store
	resolver     *resolver.Engine
	tracker      *evolution.Tracker
	verifier     manifest.IntegrityVerifier
	units        *loader.Static
	loader       loader.Loader
	orchestrator *swap.Orchestrator
	monitor      *health.Monitor
	prober       *health.Prober

	mu        sync.RWMutex
	instances map[string]*swap.Instance
	group     singleflight.Group
}

// Initialize validates cfg and builds a Context from it.
func Initialize(cfg config.Config, opts ...Option) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapFatal(err, "Context", "Initialize", "validate config")
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.publisher == nil {
		o.publisher = events.Nop{}
	}
	if o.governance == nil && len(cfg.Resolution.GovernancePolicy) > 0 {
		o.governance = PolicyGovernance{}
	}

	keys := make([]ed25519.PublicKey, 0, len(cfg.Manifests.TrustedKeys))
	for _, k := range cfg.Manifests.TrustedKeys {
		pub, err := manifest.ParsePublicKey(k)
		if err != nil {
			return nil, errors.WrapFatal(err, "Context", "Initialize", "parse trusted key")
		}
		keys = append(keys, pub)
	}

	c := &Context{
		cfg:        cfg,
		logger:     o.logger.With("component", "nexus"),
		metrics:    o.metrics,
		publisher:  o.publisher,
		governance: o.governance,
		now:        o.now,
		store:      store.New(store.WithClock(o.now)),
		tracker: evolution.NewTracker(
			evolution.WithCapacity(cfg.Evolution.HistoryCapacity),
			evolution.WithClock(o.now),
		),
		verifier: manifest.IntegrityVerifier{
			RequireChecksum: cfg.Manifests.RequireChecksum,
			TrustedKeys:     keys,
		},
		monitor:   health.NewMonitor(o.metrics),
		instances: make(map[string]*swap.Instance),
	}
	c.prober = health.NewProber(c.monitor, o.logger)

	resolverOpts := []resolver.Option{resolver.WithLogger(o.logger), resolver.WithMetrics(o.metrics)}
	swapOpts := []swap.Option{
		swap.WithLogger(o.logger),
		swap.WithMetrics(o.metrics),
		swap.WithPublisher(o.publisher),
		swap.WithVerifier(c.verifier),
		swap.WithClock(o.now),
	}
	if o.tracer != nil {
		resolverOpts = append(resolverOpts, resolver.WithTracerProvider(o.tracer))
		swapOpts = append(swapOpts, swap.WithTracerProvider(o.tracer))
	}

	c.resolver = resolver.New(c.store, resolver.Config{
		PreferredSources: cfg.Resolution.PreferredSources,
		MaxFallbackDepth: cfg.Resolution.MaxFallbackDepth,
	}, resolverOpts...)

	c.loader = o.loader
	if c.loader == nil {
		c.units = loader.NewStatic()
		c.loader = c.units
	}
	if n := cfg.Resolution.MaxRetryAttempts; n > 0 {
		backoff := cfg.Resolution.RetryBackoff()
		c.loader = loader.WithRetry(c.loader, errors.RetryConfig{
			MaxRetries:    n,
			InitialDelay:  backoff,
			MaxDelay:      backoff << n,
			BackoffFactor: 2.0,
		}, o.logger)
	}

	c.orchestrator = swap.New(c.loader, swap.Config{
		QuiesceTimeout: cfg.Swap.QuiesceTimeout.Std(),
		DefaultBudget:  cfg.Swap.DefaultBudget.Std(),
		AutomaticRate:  cfg.Swap.AutomaticRate,
		AutomaticBurst: cfg.Swap.AutomaticBurst,
	}, swapOpts...)

	c.logger.Info("Runtime initialized",
		"default_strategy", cfg.Resolution.DefaultStrategy.String(),
		"max_retry_attempts", cfg.Resolution.MaxRetryAttempts,
		"circuit_breaker", cfg.Breaker.Enabled,
		"governance", c.governance != nil)
	return c, nil
}

// Config returns the configuration the Context was built from.
func (c *Context) Config() config.Config { return c.cfg }

// Units returns the default in-process loader, or nil when WithLoader
// replaced it.
func (c *Context) Units() *loader.Static { return c.units }

// Monitor returns the health monitor.
func (c *Context) Monitor() *health.Monitor { return c.monitor }

// Metrics returns the metrics sink, possibly nil.
func (c *Context) Metrics() *metric.Metrics { return c.metrics }

// Register adds a manifest from src. The manifest must pass integrity
// verification and the governance policy.
func (c *Context) Register(m manifest.Manifest, src manifest.Source) error {
	if err := c.verifier.Verify(m); err != nil {
		return errors.Wrap(err, "Context", "Register", "verify integrity")
	}
	if c.governance != nil {
		if err := c.governance.ValidateRegistration(c.cfg.Resolution.GovernancePolicy, m, src); err != nil {
			return errors.Wrap(err, "Context", "Register", "governance check")
		}
	}
	if err := c.store.Register(m, src); err != nil {
		return errors.Wrap(err, "Context", "Register", "store manifest")
	}
	c.metrics.SetRegisteredManifests(c.store.Len())

	ev := events.New(events.KindRegistered, m.ComponentID)
	ev.To = m.Version.String()
	ev.Source = src.String()
	c.publish(ev)

	c.logger.Debug("Manifest registered",
		"component_id", m.ComponentID, "version", m.Version.String(), "source", src.String())
	return nil
}

// Unregister removes one manifest version and reports whether it existed.
func (c *Context) Unregister(id, versionKey string) bool {
	if !c.store.Unregister(id, versionKey) {
		return false
	}
	c.metrics.SetRegisteredManifests(c.store.Len())

	ev := events.New(events.KindUnregistered, id)
	ev.From = versionKey
	c.publish(ev)
	return true
}

// Manifests returns the records registered under id, newest first.
func (c *Context) Manifests(id string) ([]store.Record, bool) {
	return c.store.Records(id)
}

// ComponentIDs returns every id with at least one manifest, sorted.
func (c *Context) ComponentIDs() []string {
	return c.store.IDs()
}

// Resolve returns the best manifest for id under strategy. The first
// successful resolution of a component starts its evolution record.
func (c *Context) Resolve(ctx context.Context, id string, v version.ExtendedVersion, strategy version.Strategy) (manifest.Manifest, error) {
	res, err := c.ResolveDetailed(ctx, id, v, strategy)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return res.Manifest, nil
}

// ResolveDefault resolves with the configured default strategy.
func (c *Context) ResolveDefault(ctx context.Context, id string, v version.ExtendedVersion) (manifest.Manifest, error) {
	return c.Resolve(ctx, id, v, c.cfg.Resolution.DefaultStrategy)
}

// ResolveDetailed is Resolve that also reports the source and the fallback
// chain walked.
func (c *Context) ResolveDetailed(ctx context.Context, id string, v version.ExtendedVersion, strategy version.Strategy) (resolver.Resolution, error) {
	res, err := c.resolver.ResolveDetailed(ctx, id, v, strategy)
	if err != nil {
		return resolver.Resolution{}, err
	}
	if _, err := c.tracker.Track(res.Manifest.ComponentID, res.Manifest.Version, ""); err != nil {
		c.logger.Warn("Evolution tracking failed", "component_id", res.Manifest.ComponentID, "error", err)
	}
	return res, nil
}

// ResolverStats returns the cumulative resolution counters.
func (c *Context) ResolverStats() resolver.Stats {
	return c.resolver.Stats()
}

// Search returns up to maxResults manifests whose id starts with prefix and
// whose taxonomy class matches taxonomy. An empty taxonomy matches
// everything; maxResults of zero or less means no limit.
func (c *Context) Search(prefix, taxonomy string, maxResults int) []manifest.Manifest {
	return slices.Collect(c.store.SearchByPrefix(prefix, taxonomy, maxResults))
}

// TrackEvolution returns the evolution record of id.
func (c *Context) TrackEvolution(id string) (*evolution.Evolution, bool) {
	return c.tracker.Get(id)
}

// Evolutions returns a snapshot of every evolution record keyed by id.
func (c *Context) Evolutions() map[string]evolution.Snapshot {
	out := make(map[string]evolution.Snapshot)
	for _, id := range c.tracker.IDs() {
		if ev, ok := c.tracker.Get(id); ok {
			out[id] = ev.Snapshot()
		}
	}
	return out
}

// ValidateContract reports whether ev still carries hash.
func ValidateContract(ev *evolution.Evolution, hash string) bool {
	return evolution.ValidateContract(ev, hash)
}

// Instance returns the running instance of id.
func (c *Context) Instance(id string) (*swap.Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instances[id]
	return inst, ok
}

// Instances returns the running instances ordered by component id.
func (c *Context) Instances() []*swap.Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*swap.Instance, 0, len(c.instances))
	for _, id := range slices.Sorted(maps.Keys(c.instances)) {
		out = append(out, c.instances[id])
	}
	return out
}

// Start begins periodic health probing.
func (c *Context) Start(ctx context.Context) error {
	if err := c.prober.Start(ctx); err != nil {
		return errors.Wrap(err, "Context", "Start", "start health prober")
	}
	return nil
}

// Close stops health probing and releases every running instance.
func (c *Context) Close(_ context.Context) error {
	c.prober.Stop()

	c.mu.Lock()
	instances := c.instances
	c.instances = make(map[string]*swap.Instance)
	c.mu.Unlock()

	var errs []error
	for id, inst := range instances {
		if err := inst.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "Context", "Close", "release instances")
	}
	return nil
}

func (c *Context) newBreaker(id string) *breaker.Breaker {
	b := c.cfg.Breaker
	return breaker.New(id, breaker.Config{
		FailureThreshold: b.Threshold,
		SuccessThreshold: b.SuccessThreshold,
		OpenBackoff:      b.OpenBackoff.Std(),
		HalfOpenBackoff:  b.HalfOpenBackoff.Std(),
		Disabled:         !b.Enabled,
	},
		breaker.WithClock(c.now),
		breaker.WithStateChange(func(componentID string, from, to breaker.State) {
			c.metrics.RecordBreakerState(componentID, int(to))
			c.logger.Info("Circuit breaker state changed",
				"component_id", componentID, "from", from.String(), "to", to.String())

			ev := events.New(events.KindBreaker, componentID)
			ev.State = to.String()
			c.publish(ev)
		}),
	)
}

// publish delivers ev without failing the caller.
func (c *Context) publish(ev events.Event) {
	if err := c.publisher.Publish(context.Background(), ev); err != nil {
		c.logger.Debug("Event not published", "kind", ev.Kind, "component_id", ev.ComponentID, "error", err)
	}
}
