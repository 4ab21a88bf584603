package swap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/time/rate"

	"github.com/obinexus/gov-clock/breaker"
	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/events"
	"github.com/obinexus/gov-clock/evolution"
	"github.com/obinexus/gov-clock/loader"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/metric"
	"github.com/obinexus/gov-clock/version"
)

type mockLoader struct {
	mock.Mock
}

func (m *mockLoader) Load(ctx context.Context, id string, v version.ExtendedVersion) (*loader.Handle, error) {
	args := m.Called(ctx, id, v)
	h, _ := args.Get(0).(*loader.Handle)
	return h, args.Error(1)
}

// recorder collects implementation calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) impl(name string, fail map[string]error) loader.Funcs {
	op := func(op string) func(context.Context) error {
		return func(context.Context) error {
			r.add(name + "." + op)
			return fail[op]
		}
	}
	return loader.Funcs{
		UpdateFunc:   op("update"),
		ValidateFunc: op("validate"),
		QuiesceFunc:  op("quiesce"),
		ResumeFunc:   op("resume"),
	}
}

func clockManifest(v string) manifest.Manifest {
	ev := version.MustParse(v)
	ev.ABISignature = 0xAA
	ev.HotSwappable = true
	return manifest.Manifest{ComponentID: "svc.clock", Version: ev, TaxonomyClass: "time.clock"}
}

type fixture struct {
	inst     *Instance
	loader   *mockLoader
	rec      *recorder
	gate     *Switch
	released atomic.Int32
}

func newFixture(t *testing.T, current manifest.Manifest) *fixture {
	t.Helper()
	f := &fixture{loader: &mockLoader{}, rec: &recorder{}, gate: &Switch{}}

	ev, err := evolution.NewTracker().Track(current.ComponentID, current.Version, "cbf43926")
	require.NoError(t, err)

	h := loader.NewHandle(current.ComponentID, current.Version, f.rec.impl("old", nil),
		loader.WithRelease(func() error { f.released.Add(1); return nil }))
	f.inst, err = NewInstance(InstanceConfig{
		Manifest:  current,
		Handle:    h,
		Breaker:   breaker.New(current.ComponentID, breaker.DefaultConfig()),
		Evolution: ev,
		Gate:      f.gate,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) newHandle(m manifest.Manifest, fail map[string]error, opts ...loader.HandleOption) *loader.Handle {
	return loader.NewHandle(m.ComponentID, m.Version, f.rec.impl("new", fail), opts...)
}

func TestHotSwap_Success(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	target := clockManifest("1.2.0")
	var newReleased atomic.Int32
	h := f.newHandle(target, nil,
		loader.WithContractHash("deadbeef"),
		loader.WithRelease(func() error { newReleased.Add(1); return nil }))
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).Return(h, nil).Once()

	var published []events.Event
	m := metric.NewMetrics()
	o := New(f.loader, DefaultConfig(),
		WithMetrics(m),
		WithPublisher(events.PublisherFunc(func(_ context.Context, ev events.Event) error {
			published = append(published, ev)
			return nil
		})))

	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target, Reason: "upgrade"})
	require.NoError(t, err)
	f.loader.AssertExpectations(t)

	assert.Equal(t, Success, res.Code)
	assert.True(t, res.Committed())
	assert.False(t, res.RolledBack)
	assert.Empty(t, res.FailedPhase)
	assert.NotEmpty(t, res.SwapID)
	assert.Equal(t, "1.0.0", res.From.String())
	assert.Equal(t, "1.2.0", res.To.String())

	assert.Equal(t, "1.2.0", f.inst.Version().String())
	assert.Same(t, h, f.inst.Handle())
	assert.Equal(t, Idle, f.inst.Phase())
	assert.Equal(t, int32(1), f.released.Load(), "replaced unit released")
	assert.Equal(t, int32(0), newReleased.Load())

	ev := f.inst.Evolution()
	assert.Equal(t, uint64(1), ev.TotalSwaps())
	assert.Equal(t, "1.2.0", ev.CurrentVersion().String())
	assert.Equal(t, "deadbeef", ev.ContractHash())
	history := ev.History()
	require.Len(t, history, 1)
	assert.Equal(t, "upgrade", history[0].Reason)
	assert.True(t, history[0].WasAutomatic)

	stats := f.inst.Breaker().Stats()
	assert.Equal(t, uint64(1), stats.TotalSuccesses)
	assert.Equal(t, 0, stats.FailureCount)

	// No quiesce requested: the old unit is untouched, the new one is
	// validated and started.
	assert.Equal(t, []string{"new.validate", "new.resume"}, f.rec.list())
	assert.Zero(t, res.Downtime)

	require.Len(t, published, 1)
	assert.Equal(t, events.KindSwap, published[0].Kind)
	assert.Equal(t, "success", published[0].Result)
	assert.Equal(t, res.SwapID, published[0].SwapID)
	assert.Empty(t, published[0].Error)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HotSwaps.WithLabelValues("svc.clock", "success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.BreakerState.WithLabelValues("svc.clock")))
}

func TestHotSwap_ResumeFailureRollsBack(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	oldHandle := f.inst.Handle()
	target := clockManifest("1.2.0")
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).
		Return(f.newHandle(target, map[string]error{"resume": fmt.Errorf("cannot start")}), nil).Once()

	o := New(f.loader, DefaultConfig())
	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.True(t, res.RolledBack)
	assert.Equal(t, "resuming", res.FailedPhase)

	assert.Equal(t, "1.0.0", f.inst.Version().String())
	assert.Same(t, oldHandle, f.inst.Handle())
	// the old unit was never quiesced, so it is not resumed either
	assert.Equal(t, []string{"new.validate", "new.resume"}, f.rec.list())
	assert.Equal(t, 1, f.inst.Breaker().Stats().FailureCount)
}

func TestHotSwap_FailingValidateKeepsVersion(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	oldHandle := f.inst.Handle()
	target := clockManifest("1.2.0")

	var newReleased atomic.Int32
	h := f.newHandle(target, map[string]error{"validate": fmt.Errorf("self check failed")},
		loader.WithRelease(func() error { newReleased.Add(1); return nil }))
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).Return(h, nil).Once()

	o := New(f.loader, DefaultConfig())
	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
	assert.True(t, errors.IsInvalid(err))

	assert.Equal(t, FailedValidation, res.Code)
	assert.True(t, res.RolledBack)
	assert.Equal(t, "committing", res.FailedPhase)

	assert.Equal(t, "1.0.0", f.inst.Version().String())
	assert.Same(t, oldHandle, f.inst.Handle())
	assert.Equal(t, 1, f.inst.Breaker().Stats().FailureCount)
	assert.Empty(t, f.inst.Evolution().History())
	assert.Equal(t, uint64(0), f.inst.Evolution().TotalSwaps())
	assert.Equal(t, int32(1), newReleased.Load(), "rejected unit released")
	assert.Equal(t, int32(0), f.released.Load(), "current unit kept")
}

func TestHotSwap_BreakerOpensAfterFiveFailures(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	target := clockManifest("1.2.0")
	h := f.newHandle(target, map[string]error{"validate": fmt.Errorf("self check failed")})
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).Return(h, nil)

	o := New(f.loader, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := o.HotSwap(ctx, f.inst, Request{Target: target})
		require.ErrorIs(t, err, errors.ErrValidationFailed, "attempt %d", i+1)
	}
	assert.Equal(t, breaker.Open, f.inst.Breaker().State())

	res, err := o.HotSwap(ctx, f.inst, Request{Target: target})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, FailedRuntime, res.Code)
	assert.Equal(t, "idle", res.FailedPhase)
	f.loader.AssertNumberOfCalls(t, "Load", 5)
	assert.Equal(t, "1.0.0", f.inst.Version().String())
}

func TestHotSwap_LoadFailureLeavesBreaker(t *testing.T) {
	current := clockManifest("1.0.0")
	current.Version.RequiresQuiesce = true
	f := newFixture(t, current)
	target := clockManifest("1.2.0")
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).
		Return(nil, fmt.Errorf("unit not found")).Once()

	o := New(f.loader, DefaultConfig())
	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLibraryLoadFailed)
	assert.Equal(t, FailedDependency, res.Code)
	assert.Equal(t, "loading", res.FailedPhase)

	assert.Equal(t, 0, f.inst.Breaker().Stats().FailureCount)
	assert.Equal(t, uint64(0), f.inst.Breaker().Stats().TotalFailures)
	assert.Equal(t, "1.0.0", f.inst.Version().String())
	// the quiesce is undone
	assert.Equal(t, []string{"old.quiesce", "old.resume"}, f.rec.list())
}

func TestHotSwap_Incompatible(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	target := clockManifest("2.0.0")
	var newReleased atomic.Int32
	h := f.newHandle(target, nil, loader.WithRelease(func() error { newReleased.Add(1); return nil }))
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).Return(h, nil).Once()

	o := New(f.loader, DefaultConfig())
	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIncompatible)
	assert.Equal(t, FailedRuntime, res.Code)
	assert.Equal(t, "validating", res.FailedPhase)
	assert.Equal(t, "1.0.0", f.inst.Version().String())
	assert.Equal(t, 1, f.inst.Breaker().Stats().FailureCount)
	assert.Equal(t, int32(1), newReleased.Load())
}

func TestHotSwap_ForceDowngradesIncompatible(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	target := clockManifest("2.0.0")
	target.Version.HotSwappable = false
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).Return(f.newHandle(target, nil), nil).Once()

	o := New(f.loader, DefaultConfig())
	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target, Force: true, Reason: "operator"})
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Equal(t, "2.0.0", f.inst.Version().String())

	history := f.inst.Evolution().History()
	require.Len(t, history, 1)
	assert.False(t, history[0].WasAutomatic)
}

func TestHotSwap_ABIMismatchNotForceable(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	target := clockManifest("1.2.0")
	h := f.newHandle(target, nil, loader.WithABISignature(0xBB))
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).Return(h, nil).Once()

	o := New(f.loader, DefaultConfig())
	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target, Force: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
	assert.ErrorIs(t, err, errors.ErrABIMismatch)
	assert.Equal(t, FailedValidation, res.Code)
	assert.Equal(t, "1.0.0", f.inst.Version().String())
}

func TestHotSwap_IntegrityVerification(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	target := clockManifest("1.2.0")
	target.Integrity.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).Return(f.newHandle(target, nil), nil).Once()

	o := New(f.loader, DefaultConfig(), WithVerifier(manifest.IntegrityVerifier{RequireChecksum: true}))
	_, err := o.HotSwap(context.Background(), f.inst, Request{Target: target, Force: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
	assert.ErrorIs(t, err, errors.ErrChecksumFailed)
	assert.Equal(t, "1.0.0", f.inst.Version().String())
}

func TestHotSwap_GateClosed(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	f.gate.Set(GateIsolated)
	target := clockManifest("1.2.0")

	o := New(f.loader, DefaultConfig())
	_, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrGateClosed)
	f.loader.AssertNotCalled(t, "Load", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, f.inst.Breaker().Stats().FailureCount)

	// Force bypasses the gate.
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).Return(f.newHandle(target, nil), nil).Once()
	_, err = o.HotSwap(context.Background(), f.inst, Request{Target: target, Force: true})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", f.inst.Version().String())
}

func TestHotSwap_TargetMustMatchInstance(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	target := clockManifest("1.2.0")
	target.ComponentID = "svc.alarm"

	o := New(f.loader, DefaultConfig())
	_, err := o.HotSwap(context.Background(), f.inst, Request{Target: target, Force: true})
	assert.ErrorIs(t, err, errors.ErrIncompatible)
	f.loader.AssertNotCalled(t, "Load", mock.Anything, mock.Anything, mock.Anything)
}

func TestHotSwap_QuiesceOrder(t *testing.T) {
	current := clockManifest("1.0.0")
	current.Version.RequiresQuiesce = true
	f := newFixture(t, current)
	target := clockManifest("1.2.0")
	target.Version.RequiresQuiesce = true
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).
		Run(func(mock.Arguments) { f.rec.add("load") }).
		Return(f.newHandle(target, nil), nil).Once()

	o := New(f.loader, DefaultConfig())
	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
	require.NoError(t, err)
	assert.Equal(t, []string{"old.quiesce", "load", "new.validate", "new.resume"}, f.rec.list())
	assert.GreaterOrEqual(t, res.Downtime, time.Duration(0))
	assert.Equal(t, res.Downtime, f.inst.Evolution().History()[0].Downtime)
}

func TestHotSwap_QuiesceFailure(t *testing.T) {
	current := clockManifest("1.0.0")
	current.Version.RequiresQuiesce = true
	f := newFixture(t, current)
	f.inst.handle = f.newHandle(current, map[string]error{"quiesce": fmt.Errorf("busy")})
	target := clockManifest("1.2.0")

	o := New(f.loader, DefaultConfig())
	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQuiesceFailed)
	assert.Equal(t, FailedRuntime, res.Code)
	assert.Equal(t, "quiescing", res.FailedPhase)
	assert.Equal(t, 1, f.inst.Breaker().Stats().FailureCount)
	f.loader.AssertNotCalled(t, "Load", mock.Anything, mock.Anything, mock.Anything)

	// Force continues past a failed quiesce.
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).Return(f.newHandle(target, nil), nil).Once()
	_, err = o.HotSwap(context.Background(), f.inst, Request{Target: target, Force: true})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", f.inst.Version().String())
}

func TestHotSwap_QuiesceTimeout(t *testing.T) {
	current := clockManifest("1.0.0")
	current.Version.RequiresQuiesce = true
	f := newFixture(t, current)
	f.inst.handle = loader.NewHandle("svc.clock", current.Version, loader.Funcs{
		UpdateFunc:   func(context.Context) error { return nil },
		ValidateFunc: func(context.Context) error { return nil },
		QuiesceFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		ResumeFunc: func(context.Context) error { return nil },
	})

	o := New(f.loader, Config{QuiesceTimeout: 20 * time.Millisecond})
	_, err := o.HotSwap(context.Background(), f.inst, Request{Target: clockManifest("1.2.0")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQuiesceFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHotSwap_SwapBudget(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	target := clockManifest("1.2.0")
	target.Version.SwapDurationMs = 20
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	o := New(f.loader, DefaultConfig())
	start := time.Now()
	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLibraryLoadFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, FailedDependency, res.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHotSwap_RollbackFailure(t *testing.T) {
	current := clockManifest("1.0.0")
	current.Version.RequiresQuiesce = true
	f := newFixture(t, current)
	// the old unit quiesces but cannot resume
	f.inst.handle = loader.NewHandle("svc.clock", current.Version, f.rec.impl("old", map[string]error{"resume": fmt.Errorf("stuck")}))
	target := clockManifest("1.2.0")
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).
		Return(f.newHandle(target, map[string]error{"validate": fmt.Errorf("bad")}), nil).Once()

	o := New(f.loader, DefaultConfig())
	res, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
	assert.ErrorIs(t, err, errors.ErrRollbackFailed)
	assert.Equal(t, FailedRollback, res.Code)
	assert.Equal(t, "1.0.0", f.inst.Version().String())
	assert.Equal(t, 1, f.inst.Breaker().Stats().FailureCount)
}

// openBreaker fails five swaps against f and moves the breaker clock past
// the open backoff, so the next Allow would go half-open.
func openBreaker(t *testing.T, f *fixture, o *Orchestrator) *time.Time {
	t.Helper()
	clock := time.Now()
	f.inst.breaker = breaker.New("svc.clock", breaker.DefaultConfig(),
		breaker.WithClock(func() time.Time { return clock }))

	bad := clockManifest("1.2.0")
	f.loader.On("Load", mock.Anything, "svc.clock", bad.Version).
		Return(f.newHandle(bad, map[string]error{"validate": fmt.Errorf("self check failed")}), nil).Times(5)
	for i := 0; i < 5; i++ {
		_, err := o.HotSwap(context.Background(), f.inst, Request{Target: bad})
		require.ErrorIs(t, err, errors.ErrValidationFailed)
	}
	require.Equal(t, breaker.Open, f.inst.Breaker().State())

	clock = clock.Add(breaker.DefaultConfig().OpenBackoff + time.Second)
	return &clock
}

func TestHotSwap_ClosedGateLeavesBreakerOpen(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	o := New(f.loader, DefaultConfig())
	openBreaker(t, f, o)

	good := clockManifest("1.3.0")
	f.gate.Set(GateIsolated)
	_, err := o.HotSwap(context.Background(), f.inst, Request{Target: good})
	require.ErrorIs(t, err, errors.ErrGateClosed)
	assert.Equal(t, breaker.Open, f.inst.Breaker().State(), "rejected call is not a probe")

	f.gate.Set(GateOpen)
	f.loader.On("Load", mock.Anything, "svc.clock", good.Version).Return(f.newHandle(good, nil), nil).Once()
	_, err = o.HotSwap(context.Background(), f.inst, Request{Target: good})
	require.NoError(t, err)

	assert.Equal(t, breaker.HalfOpen, f.inst.Breaker().State())
	assert.Equal(t, uint64(1), f.inst.Breaker().Stats().TotalSuccesses)
	assert.Equal(t, "1.3.0", f.inst.Version().String())
}

func TestHotSwap_RateLimitLeavesBreakerOpen(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	o := New(f.loader, DefaultConfig())
	openBreaker(t, f, o)
	o.limiter = rate.NewLimiter(rate.Limit(0.001), 1)
	require.True(t, o.limiter.Allow())

	_, err := o.HotSwap(context.Background(), f.inst, Request{Target: clockManifest("1.3.0")})
	require.ErrorIs(t, err, errors.ErrRateLimited)
	assert.Equal(t, breaker.Open, f.inst.Breaker().State())
}

func TestHotSwap_BreakerRejectionKeepsRateToken(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	o := New(f.loader, DefaultConfig())
	clock := openBreaker(t, f, o)
	*clock = clock.Add(-time.Hour)
	o.limiter = rate.NewLimiter(rate.Limit(0.001), 1)

	_, err := o.HotSwap(context.Background(), f.inst, Request{Target: clockManifest("1.3.0")})
	require.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.True(t, o.limiter.Allow(), "token returned after breaker rejection")
}

func TestTryHotSwap_InProgress(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	o := New(f.loader, DefaultConfig())

	f.inst.lock.Lock()
	res, err := o.TryHotSwap(context.Background(), f.inst, Request{Target: clockManifest("1.2.0")})
	f.inst.lock.Unlock()

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSwapInProgress)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, FailedRuntime, res.Code)
	f.loader.AssertNotCalled(t, "Load", mock.Anything, mock.Anything, mock.Anything)
}

func TestHotSwap_AutomaticRateLimit(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	first, second := clockManifest("1.2.0"), clockManifest("1.3.0")
	f.loader.On("Load", mock.Anything, "svc.clock", first.Version).Return(f.newHandle(first, nil), nil).Once()
	f.loader.On("Load", mock.Anything, "svc.clock", second.Version).Return(f.newHandle(second, nil), nil).Once()

	o := New(f.loader, Config{AutomaticRate: 0.001, AutomaticBurst: 1})
	ctx := context.Background()

	_, err := o.HotSwap(ctx, f.inst, Request{Target: first})
	require.NoError(t, err)

	_, err = o.HotSwap(ctx, f.inst, Request{Target: second})
	assert.ErrorIs(t, err, errors.ErrRateLimited)

	// Forced swaps are not rate limited.
	_, err = o.HotSwap(ctx, f.inst, Request{Target: second, Force: true})
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", f.inst.Version().String())
}

func TestHotSwap_SerializesWithUpdate(t *testing.T) {
	f := newFixture(t, clockManifest("1.0.0"))
	target := clockManifest("1.2.0")
	release := make(chan struct{})
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).
		Run(func(mock.Arguments) { <-release }).
		Return(f.newHandle(target, nil), nil).Once()

	o := New(f.loader, DefaultConfig())
	swapDone := make(chan error, 1)
	go func() {
		_, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
		swapDone <- err
	}()
	require.Eventually(t, func() bool { return f.inst.Phase() == Loading }, time.Second, time.Millisecond)

	var updated atomic.Bool
	go func() {
		_ = f.inst.Update(context.Background())
		updated.Store(true)
	}()

	// Reads do not wait for the swap.
	assert.Equal(t, "1.0.0", f.inst.Version().String())
	assert.Never(t, updated.Load, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-swapDone)
	require.Eventually(t, updated.Load, time.Second, time.Millisecond)

	// The update ran against the committed unit.
	assert.Contains(t, f.rec.list(), "new.update")
}

func TestHotSwap_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	f := newFixture(t, clockManifest("1.0.0"))
	target := clockManifest("1.2.0")
	f.loader.On("Load", mock.Anything, "svc.clock", target.Version).
		Return(f.newHandle(target, map[string]error{"validate": fmt.Errorf("bad")}), nil).Once()

	o := New(f.loader, DefaultConfig(), WithTracerProvider(tp))
	_, err := o.HotSwap(context.Background(), f.inst, Request{Target: target})
	require.Error(t, err)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range rec.Ended() {
		byName[s.Name()] = s
	}
	require.Contains(t, byName, "swap.HotSwap")
	require.Contains(t, byName, "swap.load")
	require.Contains(t, byName, "swap.validate")
	assert.Equal(t, codes.Error, byName["swap.HotSwap"].Status().Code)
	assert.Equal(t, codes.Error, byName["swap.validate"].Status().Code)
	assert.Equal(t, byName["swap.HotSwap"].SpanContext().TraceID(), byName["swap.load"].SpanContext().TraceID())

	var phases []string
	for _, e := range byName["swap.HotSwap"].Events() {
		phases = append(phases, e.Name)
	}
	assert.Equal(t, []string{"loading", "validating", "committing", "rolling_back", "idle"}, phases)
}

func TestCanTransition(t *testing.T) {
	legal := [][2]Phase{
		{Idle, Quiescing}, {Idle, Loading}, {Quiescing, Loading}, {Quiescing, Idle},
		{Loading, Validating}, {Validating, Committing}, {Committing, Resuming},
		{Resuming, Idle}, {Loading, RollingBack}, {Validating, RollingBack},
		{Committing, RollingBack}, {RollingBack, Idle},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]Phase{
		{Idle, Committing}, {Loading, Committing}, {Idle, RollingBack},
		{RollingBack, Committing}, {Resuming, Loading}, {Quiescing, RollingBack},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
		assert.Error(t, checkTransition(tr[0], tr[1]))
	}
	assert.Equal(t, "unknown", Phase(42).String())
}

func TestCodeFor(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("x: %w", err) }
	assert.Equal(t, Success, CodeFor(nil))
	assert.Equal(t, FailedValidation, CodeFor(wrap(errors.ErrValidationFailed)))
	assert.Equal(t, FailedDependency, CodeFor(wrap(errors.ErrLibraryLoadFailed)))
	assert.Equal(t, FailedRuntime, CodeFor(wrap(errors.ErrCircuitOpen)))
	assert.Equal(t, FailedRuntime, CodeFor(wrap(errors.ErrQuiesceFailed)))
	assert.Equal(t, FailedRollback, CodeFor(fmt.Errorf("%w and %w", errors.ErrValidationFailed, errors.ErrRollbackFailed)))
}

func TestGate(t *testing.T) {
	sw := NewSwitch(GateClosed)
	assert.False(t, sw.Accessible())
	assert.Equal(t, "closed", sw.State().String())
	sw.Set(GateOpen)
	assert.True(t, sw.Accessible())
	assert.False(t, GateIsolated.Accessible())
	assert.True(t, GateFunc(func() bool { return true }).Accessible())
}

func TestNewInstance_Validation(t *testing.T) {
	_, err := NewInstance(InstanceConfig{Manifest: clockManifest("1.0.0")})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	m := clockManifest("1.0.0")
	m.ComponentID = ""
	_, err = NewInstance(InstanceConfig{Manifest: m, Handle: loader.NewHandle("", m.Version, loader.Funcs{})})
	assert.ErrorIs(t, err, errors.ErrInvalidID)

	inst, err := NewInstance(InstanceConfig{
		Manifest: clockManifest("1.0.0"),
		Handle:   loader.NewHandle("svc.clock", clockManifest("1.0.0").Version, loader.Funcs{}),
	})
	require.NoError(t, err)
	status := inst.Status()
	assert.Equal(t, "svc.clock", status.ComponentID)
	assert.Equal(t, "idle", status.Phase)
	assert.True(t, status.Accessible)
	assert.Equal(t, "closed", status.Breaker.State)
	assert.Nil(t, status.Evolution)
}
