package nexus

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obinexus/gov-clock/config"
	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/events"
	"github.com/obinexus/gov-clock/health"
	"github.com/obinexus/gov-clock/loader"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/metric"
	"github.com/obinexus/gov-clock/swap"
	"github.com/obinexus/gov-clock/version"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// sink records published events.
type sink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *sink) Publish(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) kinds(kind events.Kind) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func clock(v string) manifest.Manifest {
	ev := version.MustParse(v)
	ev.ABISignature = 0xAA
	ev.HotSwappable = true
	return manifest.Manifest{ComponentID: "svc.clock", Version: ev, TaxonomyClass: "time.clock"}
}

type harness struct {
	ctx     *Context
	sink    *sink
	metrics *metric.Metrics
}

func newHarness(t *testing.T, mutate func(*config.Config), opts ...Option) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Resolution.MaxRetryAttempts = 0
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{sink: &sink{}, metrics: metric.NewMetrics()}
	opts = append([]Option{
		WithPublisher(h.sink),
		WithMetrics(h.metrics),
		WithClock(func() time.Time { return epoch }),
	}, opts...)

	var err error
	h.ctx, err = Initialize(*cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.ctx.Close(context.Background()) })
	return h
}

// unit registers a function-backed unit for m and counts factory calls.
func (h *harness) unit(t *testing.T, m manifest.Manifest, fns loader.Funcs, mutate ...func(*loader.Registration)) *atomic.Int32 {
	t.Helper()
	var loads atomic.Int32
	reg := loader.Registration{
		ComponentID: m.ComponentID,
		Version:     m.Version,
		Factory: func(context.Context, version.ExtendedVersion) (loader.Implementation, error) {
			loads.Add(1)
			return fns, nil
		},
	}
	for _, fn := range mutate {
		fn(&reg)
	}
	require.NoError(t, h.ctx.Units().Register(reg))
	return &loads
}

func noop() loader.Funcs {
	ok := func(context.Context) error { return nil }
	return loader.Funcs{UpdateFunc: ok, ValidateFunc: ok, QuiesceFunc: ok, ResumeFunc: ok}
}

func TestInitialize_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Resolution.MaxRetryAttempts = 11

	_, err := Initialize(*cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsFatal(err))
}

func TestInitialize_CustomLoaderHasNoUnits(t *testing.T) {
	cfg := config.Default()
	c, err := Initialize(*cfg, WithLoader(loader.NewStatic()))
	require.NoError(t, err)
	assert.Nil(t, c.Units())
}

func TestRegisterAndResolve(t *testing.T) {
	h := newHarness(t, nil)
	c := h.ctx

	require.NoError(t, c.Register(clock("1.0.0"), manifest.LocalCache))
	require.NoError(t, c.Register(clock("1.2.0"), manifest.LocalCache))

	err := c.Register(clock("1.2.0"), manifest.VendorCertified)
	assert.ErrorIs(t, err, errors.ErrAlreadyRegistered)

	req := version.MustParse("1.0.0")
	req.ABISignature = 0xAA
	m, err := c.Resolve(context.Background(), "svc.clock", req, version.Compatible)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", m.Version.String())

	ev, ok := c.TrackEvolution("svc.clock")
	require.True(t, ok, "first resolution starts the evolution record")
	assert.Equal(t, "1.2.0", ev.OriginalVersion.String())

	_, err = c.Resolve(context.Background(), "svc.missing", req, version.Compatible)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, ok = c.TrackEvolution("svc.missing")
	assert.False(t, ok)

	registered := h.sink.kinds(events.KindRegistered)
	require.Len(t, registered, 2)
	assert.Equal(t, "1.0.0", registered[0].To)
	assert.Equal(t, "local_cache", registered[0].Source)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.RegisteredManifests))
	assert.Equal(t, []string{"svc.clock"}, c.ComponentIDs())
}

func TestResolveDefault_UsesConfiguredStrategy(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Resolution.DefaultStrategy = version.LatestStable
	})
	require.NoError(t, h.ctx.Register(clock("1.0.0"), manifest.LocalCache))
	require.NoError(t, h.ctx.Register(clock("2.0.0"), manifest.LocalCache))

	m, err := h.ctx.ResolveDefault(context.Background(), "svc.clock", version.New(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", m.Version.String())
}

func TestUnregister(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctx.Register(clock("1.0.0"), manifest.LocalCache))

	assert.True(t, h.ctx.Unregister("svc.clock", "1.0.0"))
	assert.False(t, h.ctx.Unregister("svc.clock", "1.0.0"))

	removed := h.sink.kinds(events.KindUnregistered)
	require.Len(t, removed, 1)
	assert.Equal(t, "1.0.0", removed[0].From)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.RegisteredManifests))
}

func TestRegister_Integrity(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Manifests.RequireChecksum = true
		cfg.Manifests.TrustedKeys = []string{hex.EncodeToString(pub)}
	})

	err = h.ctx.Register(clock("1.0.0"), manifest.LocalCache)
	assert.ErrorIs(t, err, errors.ErrChecksumFailed)

	sealed, err := manifest.Seal(clock("1.0.0"), priv)
	require.NoError(t, err)
	require.NoError(t, h.ctx.Register(sealed, manifest.LocalCache))
}

func TestSearch(t *testing.T) {
	h := newHarness(t, nil)
	for _, m := range []manifest.Manifest{
		clock("1.0.0"),
		{ComponentID: "svc.clock.backup", Version: version.New(1, 0, 0), TaxonomyClass: "time.clock.backup"},
		{ComponentID: "svc.calendar", Version: version.New(1, 0, 0), TaxonomyClass: "time.calendar"},
	} {
		require.NoError(t, h.ctx.Register(m, manifest.LocalCache))
	}

	var ids []string
	for _, m := range h.ctx.Search("svc.c", "time.clock", 0) {
		ids = append(ids, m.ComponentID)
	}
	assert.ElementsMatch(t, []string{"svc.clock", "svc.clock.backup"}, ids)
	assert.Len(t, h.ctx.Search("svc.", "", 1), 1)
	assert.Empty(t, h.ctx.Search("db.", "", 0))
}

func TestInstantiate(t *testing.T) {
	h := newHarness(t, nil)
	m := clock("1.0.0")
	require.NoError(t, h.ctx.Register(m, manifest.LocalCache))

	var calls []string
	var mu sync.Mutex
	record := func(op string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, op)
			return nil
		}
	}
	loads := h.unit(t, m, loader.Funcs{
		UpdateFunc:   record("update"),
		ValidateFunc: record("validate"),
		QuiesceFunc:  record("quiesce"),
		ResumeFunc:   record("resume"),
	}, func(r *loader.Registration) { r.ContractHash = "cbf43926" })

	inst, err := h.ctx.Instantiate(context.Background(), "svc.clock", m.Version, version.ExactMatch, nil)
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", inst.Version().String())
	assert.True(t, inst.Gate().Accessible())
	assert.Equal(t, []string{"validate", "resume"}, calls)
	assert.True(t, ValidateContract(inst.Evolution(), "cbf43926"))

	again, err := h.ctx.Instantiate(context.Background(), "svc.clock", m.Version, version.ExactMatch, nil)
	require.NoError(t, err)
	assert.Same(t, inst, again)
	assert.Equal(t, int32(1), loads.Load())

	got, ok := h.ctx.Instance("svc.clock")
	require.True(t, ok)
	assert.Same(t, inst, got)
	assert.Len(t, h.ctx.Instances(), 1)
}

func TestInstantiate_AfterResolvingAnotherVersion(t *testing.T) {
	h := newHarness(t, nil)
	v1, v2 := clock("1.0.0"), clock("1.2.0")
	require.NoError(t, h.ctx.Register(v1, manifest.LocalCache))
	require.NoError(t, h.ctx.Register(v2, manifest.LocalCache))
	h.unit(t, v1, noop())
	h.unit(t, v2, noop())

	resolved, err := h.ctx.Resolve(context.Background(), "svc.clock", v1.Version, version.Compatible)
	require.NoError(t, err)
	require.Equal(t, "1.2.0", resolved.Version.String())

	inst, err := h.ctx.Instantiate(context.Background(), "svc.clock", v1.Version, version.ExactMatch, nil)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", inst.Version().String())

	ev, ok := h.ctx.TrackEvolution("svc.clock")
	require.True(t, ok)
	assert.Same(t, inst.Evolution(), ev)
	assert.Equal(t, "1.0.0", ev.CurrentVersion().String())
	assert.Equal(t, "1.0.0", h.ctx.Evolutions()["svc.clock"].CurrentVersion.String())
	assert.Equal(t, uint64(0), ev.TotalSwaps())
}

func TestInstantiate_ConcurrentCallsShareOneLoad(t *testing.T) {
	h := newHarness(t, nil)
	m := clock("1.0.0")
	require.NoError(t, h.ctx.Register(m, manifest.LocalCache))
	loads := h.unit(t, m, noop())

	var wg sync.WaitGroup
	results := make([]*swap.Instance, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := h.ctx.Instantiate(context.Background(), "svc.clock", m.Version, version.ExactMatch, nil)
			assert.NoError(t, err)
			results[i] = inst
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	for _, inst := range results {
		assert.Same(t, results[0], inst)
	}
}

func TestInstantiate_MissingDependency(t *testing.T) {
	h := newHarness(t, nil)
	m := clock("1.0.0")
	m.Dependencies = []manifest.DependencyConstraint{{
		DependencyID: "svc.tz",
		MinVersion:   version.New(1, 0, 0),
		Strategy:     version.LatestStable,
	}}
	require.NoError(t, h.ctx.Register(m, manifest.LocalCache))
	loads := h.unit(t, m, noop())

	_, err := h.ctx.Instantiate(context.Background(), "svc.clock", m.Version, version.ExactMatch, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLibraryLoadFailed)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, swap.FailedDependency, swap.CodeFor(err))
	assert.Equal(t, int32(0), loads.Load())
	_, ok := h.ctx.Instance("svc.clock")
	assert.False(t, ok)
}

func TestInstantiate_ABIMismatchReleasesUnit(t *testing.T) {
	h := newHarness(t, nil)
	m := clock("1.0.0")
	require.NoError(t, h.ctx.Register(m, manifest.LocalCache))

	var released atomic.Int32
	h.unit(t, m, noop(), func(r *loader.Registration) {
		r.ABISignature = 0xBB
		r.Release = func(loader.Implementation) error { released.Add(1); return nil }
	})

	_, err := h.ctx.Instantiate(context.Background(), "svc.clock", m.Version, version.ExactMatch, nil)
	assert.ErrorIs(t, err, errors.ErrABIMismatch)
	assert.Equal(t, int32(1), released.Load())
}

func TestInstantiate_ValidationFailure(t *testing.T) {
	h := newHarness(t, nil)
	m := clock("1.0.0")
	require.NoError(t, h.ctx.Register(m, manifest.LocalCache))
	fns := noop()
	fns.ValidateFunc = func(context.Context) error { return stderrors.New("self check failed") }
	h.unit(t, m, fns)

	_, err := h.ctx.Instantiate(context.Background(), "svc.clock", m.Version, version.ExactMatch, nil)
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
	assert.Equal(t, swap.FailedValidation, swap.CodeFor(err))
}

func TestHotSwap(t *testing.T) {
	h := newHarness(t, nil)
	v1, v2 := clock("1.0.0"), clock("1.2.0")
	require.NoError(t, h.ctx.Register(v1, manifest.LocalCache))
	require.NoError(t, h.ctx.Register(v2, manifest.LocalCache))
	h.unit(t, v1, noop())
	h.unit(t, v2, noop(), func(r *loader.Registration) { r.ContractHash = "deadbeef" })

	inst, err := h.ctx.Instantiate(context.Background(), "svc.clock", v1.Version, version.ExactMatch, nil)
	require.NoError(t, err)

	res, err := h.ctx.HotSwapWithReason(context.Background(), inst, v2.Version, false, "upgrade")
	require.NoError(t, err)
	assert.Equal(t, swap.Success, res.Code)
	assert.Equal(t, "1.2.0", inst.Version().String())

	ev, ok := h.ctx.TrackEvolution("svc.clock")
	require.True(t, ok)
	assert.Same(t, inst.Evolution(), ev)
	assert.Equal(t, uint64(1), ev.TotalSwaps())
	assert.Equal(t, "deadbeef", ev.ContractHash())
	require.Len(t, ev.History(), 1)
	assert.Equal(t, "upgrade", ev.History()[0].Reason)

	swaps := h.sink.kinds(events.KindSwap)
	require.Len(t, swaps, 1)
	assert.Equal(t, "success", swaps[0].Result)
}

func TestHotSwap_UnknownVersion(t *testing.T) {
	h := newHarness(t, nil)
	v1 := clock("1.0.0")
	require.NoError(t, h.ctx.Register(v1, manifest.LocalCache))
	h.unit(t, v1, noop())
	inst, err := h.ctx.Instantiate(context.Background(), "svc.clock", v1.Version, version.ExactMatch, nil)
	require.NoError(t, err)

	res, err := h.ctx.HotSwap(context.Background(), inst, version.MustParse("9.9.9"), true)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, swap.FailedRuntime, res.Code)
	assert.False(t, res.Committed())
	assert.Equal(t, "1.0.0", inst.Version().String())
}

func TestGovernance(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Resolution.GovernancePolicy = map[string]any{
			"allowed_sources":    []any{"obinexus_direct", "local_cache"},
			"forbid_prerelease":  true,
			"max_major_jump":     0,
			"allow_forced_swaps": false,
		}
	})
	c := h.ctx

	err := c.Register(clock("1.0.0"), manifest.FederatedNetwork)
	assert.ErrorIs(t, err, errors.ErrPolicyViolation)
	assert.True(t, errors.IsInvalid(err))

	err = c.Register(clock("1.1.0-beta"), manifest.LocalCache)
	assert.ErrorIs(t, err, errors.ErrPolicyViolation)

	v1, v2, v11 := clock("1.0.0"), clock("2.0.0"), clock("1.1.0")
	for _, m := range []manifest.Manifest{v1, v2, v11} {
		require.NoError(t, c.Register(m, manifest.LocalCache))
		h.unit(t, m, noop())
	}
	inst, err := c.Instantiate(context.Background(), "svc.clock", v1.Version, version.ExactMatch, nil)
	require.NoError(t, err)

	_, err = c.HotSwap(context.Background(), inst, v2.Version, false)
	assert.ErrorIs(t, err, errors.ErrPolicyViolation, "major jump")

	_, err = c.HotSwap(context.Background(), inst, v11.Version, true)
	assert.ErrorIs(t, err, errors.ErrPolicyViolation, "forced swap")

	res, err := c.HotSwap(context.Background(), inst, v11.Version, false)
	require.NoError(t, err)
	assert.True(t, res.Committed())
}

func TestPolicyGovernance_Defaults(t *testing.T) {
	var g PolicyGovernance
	m := clock("1.0.0-rc1")
	assert.NoError(t, g.ValidateRegistration(nil, m, manifest.FederatedNetwork))
	assert.NoError(t, g.ValidateSwap(nil, clock("1.0.0"), clock("5.0.0"), true))

	tagged := map[string]any{"require_governance_tag": true}
	assert.ErrorIs(t, g.ValidateRegistration(tagged, clock("1.0.0"), manifest.LocalCache), errors.ErrPolicyViolation)
	m = clock("1.0.0")
	m.Version.GovernanceTag = "gov.audited"
	assert.NoError(t, g.ValidateRegistration(tagged, m, manifest.LocalCache))
}

func TestCheckHealth(t *testing.T) {
	h := newHarness(t, nil)
	c := h.ctx

	st := c.CheckHealth(context.Background(), "svc.clock", health.CheckConfig{
		Check: func(context.Context) error { return nil },
	})
	assert.True(t, st.IsHealthy())

	st = c.CheckHealth(context.Background(), "svc.clock", health.CheckConfig{
		Check: func(context.Context) error { return stderrors.New("drift exceeded") },
	})
	assert.True(t, st.IsUnhealthy())
	assert.Equal(t, "drift exceeded", st.Message)

	// same verdict again publishes nothing new
	c.CheckHealth(context.Background(), "svc.clock", health.CheckConfig{
		Check: func(context.Context) error { return stderrors.New("drift exceeded") },
	})

	published := h.sink.kinds(events.KindHealth)
	require.Len(t, published, 2)
	assert.Equal(t, health.StatusHealthy, published[0].State)
	assert.Equal(t, health.StatusUnhealthy, published[1].State)
	assert.Equal(t, "drift exceeded", published[1].Error)

	assert.True(t, c.Health().IsUnhealthy())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.HealthStatus.WithLabelValues("svc.clock")))
}

func TestCheckHealthAll(t *testing.T) {
	h := newHarness(t, nil)
	c := h.ctx

	got := c.CheckHealthAll(context.Background(), map[string]health.CheckConfig{
		"svc.clock": {Check: func(context.Context) error { return nil }},
		"svc.tz": {
			Check:    func(context.Context) error { return stderrors.New("tzdata stale") },
			Interval: time.Hour,
		},
	})
	require.Len(t, got, 2)
	assert.True(t, got["svc.clock"].IsHealthy())
	assert.True(t, got["svc.tz"].IsUnhealthy())

	st, ok := c.Monitor().Get("svc.tz")
	require.True(t, ok)
	assert.Equal(t, "tzdata stale", st.Message)
	assert.Len(t, h.sink.kinds(events.KindHealth), 2)
	assert.True(t, c.Health().IsUnhealthy())
}

func TestCheckHealth_Periodic(t *testing.T) {
	h := newHarness(t, nil)
	c := h.ctx

	st := c.CheckHealth(context.Background(), "svc.clock", health.CheckConfig{
		Check:    func(context.Context) error { return nil },
		Interval: 10 * time.Millisecond,
	})
	assert.True(t, st.IsUnknown())

	require.NoError(t, c.Start(context.Background()))
	assert.Eventually(t, func() bool {
		s, ok := c.Monitor().Get("svc.clock")
		return ok && s.IsHealthy()
	}, 2*time.Second, 10*time.Millisecond)

	c.StopHealthCheck("svc.clock")
	_, ok := c.Monitor().Get("svc.clock")
	assert.False(t, ok)
}

func TestClose_ReleasesInstances(t *testing.T) {
	h := newHarness(t, nil)
	m := clock("1.0.0")
	require.NoError(t, h.ctx.Register(m, manifest.LocalCache))

	var released atomic.Int32
	h.unit(t, m, noop(), func(r *loader.Registration) {
		r.Release = func(loader.Implementation) error { released.Add(1); return nil }
	})
	_, err := h.ctx.Instantiate(context.Background(), "svc.clock", m.Version, version.ExactMatch, nil)
	require.NoError(t, err)

	require.NoError(t, h.ctx.Close(context.Background()))
	assert.Equal(t, int32(1), released.Load())
	assert.Empty(t, h.ctx.Instances())
}
