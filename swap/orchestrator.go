// Package swap replaces the implementation of a running component without
// restarting the process.
//
// A swap walks the protocol Idle -> Quiescing -> Loading -> Validating ->
// Committing -> Resuming -> Idle. Any failure after Loading is entered goes
// through RollingBack, which restores the previous unit and resumes it.
// CanTransition encodes the legal steps.
//
// The instance's circuit breaker gates unforced swaps and is told the
// outcome of every attempt that reached the loader, except load failures.
// Committed swaps are recorded in the instance's evolution record.
package swap

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/events"
	"github.com/obinexus/gov-clock/evolution"
	"github.com/obinexus/gov-clock/loader"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/metric"
	"github.com/obinexus/gov-clock/version"
)

const tracerName = "govclock.swap"

// Config bounds the swap protocol.
type Config struct {
	// QuiesceTimeout bounds quiesce and resume calls. Default: 5s
	QuiesceTimeout time.Duration

	// DefaultBudget bounds load plus post-commit validation when the target
	// version declares no SwapDurationMs. Default: 10s
	DefaultBudget time.Duration

	// AutomaticRate limits unforced swaps per second across all instances.
	// Zero disables the limit.
	AutomaticRate float64

	// AutomaticBurst is the limiter burst. Default: 1
	AutomaticBurst int
}

// DefaultConfig returns the default timeouts with no rate limit.
func DefaultConfig() Config {
	return Config{
		QuiesceTimeout: 5 * time.Second,
		DefaultBudget:  10 * time.Second,
		AutomaticBurst: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QuiesceTimeout <= 0 {
		c.QuiesceTimeout = d.QuiesceTimeout
	}
	if c.DefaultBudget <= 0 {
		c.DefaultBudget = d.DefaultBudget
	}
	if c.AutomaticBurst <= 0 {
		c.AutomaticBurst = d.AutomaticBurst
	}
	return c
}

// Request asks for the instance to run Target.
type Request struct {
	Target manifest.Manifest
	// Force bypasses the breaker, the gate and the rate limit, and downgrades
	// quiesce and compatibility failures to warnings.
	Force  bool
	Reason string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records swap outcomes and breaker state.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher emits a swap event per attempt.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithVerifier sets the pre-commit manifest integrity check.
func WithVerifier(v manifest.Verifier) Option {
	return func(o *Orchestrator) {
		if v != nil {
			o.verifier = v
		}
	}
}

// WithTracerProvider sets the tracer provider; the global one is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs hot swaps. One orchestrator serves every instance.
type Orchestrator struct {
	loader    loader.Loader
	cfg       Config
	limiter   *rate.Limiter
	verifier  manifest.Verifier
	publisher events.Publisher
	metrics   *metric.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates an orchestrator loading units through l.
func New(l loader.Loader, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		loader:    l,
		cfg:       cfg,
		verifier:  manifest.IntegrityVerifier{},
		publisher: events.Nop{},
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	if cfg.AutomaticRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.AutomaticRate), cfg.AutomaticBurst)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HotSwap replaces the running unit of inst with req.Target. It waits for
// any swap or Update already running on inst.
//
// On failure the previous unit and version stay current and the returned
// Result carries the failure code.
func (o *Orchestrator) HotSwap(ctx context.Context, inst *Instance, req Request) (Result, error) {
	inst.lock.Lock()
	defer inst.lock.Unlock()
	return o.swap(ctx, inst, req)
}

// TryHotSwap is HotSwap that fails with ErrSwapInProgress instead of
// waiting for the instance lock.
func (o *Orchestrator) TryHotSwap(ctx context.Context, inst *Instance, req Request) (Result, error) {
	if !inst.lock.TryLock() {
		r := o.newRun(inst, req)
		err := errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrSwapInProgress, inst.id),
			"Orchestrator", "TryHotSwap", "acquire instance lock")
		r.res.Code = CodeFor(err)
		return r.res, err
	}
	defer inst.lock.Unlock()
	return o.swap(ctx, inst, req)
}

// run is the state of one swap attempt.
type run struct {
	o    *Orchestrator
	inst *Instance
	req  Request
	res  Result

	phase       Phase
	started     time.Time
	oldManifest manifest.Manifest
	oldHandle   *loader.Handle
	newHandle   *loader.Handle
	quiesced    bool
	quiescedAt  time.Time
	committed   bool

	// admitted is set once preconditions pass.
	admitted bool
	// loadFailed marks the one aborted path that leaves the breaker alone.
	loadFailed bool
}

func (o *Orchestrator) newRun(inst *Instance, req Request) *run {
	from := inst.Version()
	return &run{
		o:       o,
		inst:    inst,
		req:     req,
		started: o.now(),
		res: Result{
			SwapID:      uuid.NewString(),
			ComponentID: inst.id,
			From:        from,
			To:          req.Target.Version,
			Forced:      req.Force,
		},
	}
}

func (o *Orchestrator) swap(ctx context.Context, inst *Instance, req Request) (Result, error) {
	r := o.newRun(inst, req)

	ctx, span := o.tracer.Start(ctx, "swap.HotSwap", trace.WithAttributes(
		attribute.String("component.id", inst.id),
		attribute.String("version.from", r.res.From.String()),
		attribute.String("version.to", r.res.To.String()),
		attribute.Bool("swap.force", req.Force),
		attribute.String("swap.id", r.res.SwapID),
	))
	defer span.End()

	err := r.execute(ctx, span)
	return o.finish(ctx, span, r, err)
}

func (r *run) advance(span trace.Span, to Phase) error {
	if err := checkTransition(r.phase, to); err != nil {
		return err
	}
	r.phase = to
	r.inst.setPhase(to)
	span.AddEvent(to.String())
	return nil
}

func (r *run) execute(ctx context.Context, span trace.Span) error {
	o, inst, req := r.o, r.inst, r.req

	if req.Target.ComponentID != inst.id {
		return errors.WrapInvalid(fmt.Errorf("%w: target %s is not %s", errors.ErrIncompatible, req.Target.ComponentID, inst.id),
			"Orchestrator", "HotSwap", "check target")
	}
	if !req.Force {
		// The breaker goes last: Allow may move it to half-open, and the
		// probe it admits must reach an outcome.
		if !inst.gate.Accessible() {
			return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrGateClosed, inst.id),
				"Orchestrator", "HotSwap", "check gate")
		}
		if o.limiter != nil && o.limiter.Tokens() < 1 {
			return errors.WrapTransient(fmt.Errorf("%w: automatic swap of %s", errors.ErrRateLimited, inst.id),
				"Orchestrator", "HotSwap", "check swap rate")
		}
		if err := inst.breaker.Allow(); err != nil {
			return errors.Wrap(err, "Orchestrator", "HotSwap", "check breaker")
		}
		// Spent only once admitted. A concurrent swap of another instance
		// may take the last token first; this one still runs.
		if o.limiter != nil && !o.limiter.Allow() {
			o.logger.Debug("Swap rate token already taken", "component", inst.id)
		}
	}
	r.admitted = true
	r.oldManifest = inst.Manifest()
	r.oldHandle = inst.Handle()

	if r.oldManifest.Version.RequiresQuiesce {
		if err := r.advance(span, Quiescing); err != nil {
			return r.fail(ctx, span, err)
		}
		r.quiescedAt = o.now()
		if err := o.step(ctx, "quiesce", o.cfg.QuiesceTimeout, r.oldHandle.Impl.Quiesce); err != nil {
			qerr := errors.WrapTransient(fmt.Errorf("%w: %s: %w", errors.ErrQuiesceFailed, inst.id, err),
				"Orchestrator", "HotSwap", "quiesce")
			if !req.Force {
				return r.fail(ctx, span, qerr)
			}
			o.logger.Warn("Quiesce failed, forcing swap", "component", inst.id, "error", err)
		}
		r.quiesced = true
	}

	if err := r.advance(span, Loading); err != nil {
		return r.fail(ctx, span, err)
	}
	budgetCtx, cancel := context.WithTimeout(ctx, o.budget(req.Target.Version))
	defer cancel()

	h, err := o.load(budgetCtx, inst.id, req.Target.Version)
	if err != nil {
		r.loadFailed = true
		return r.fail(ctx, span, err)
	}
	r.newHandle = h

	if err := r.advance(span, Validating); err != nil {
		return r.fail(ctx, span, err)
	}
	if err := checkCompatible(r.oldManifest.Version, req.Target.Version); err != nil {
		if !req.Force {
			return r.fail(ctx, span, err)
		}
		o.logger.Warn("Incompatible target, forcing swap", "component", inst.id, "error", err)
	}
	if err := o.verify(req.Target, h); err != nil {
		return r.fail(ctx, span, err)
	}

	if err := r.advance(span, Committing); err != nil {
		return r.fail(ctx, span, err)
	}
	inst.commit(req.Target, h)
	r.committed = true

	if err := o.step(budgetCtx, "validate", 0, h.Impl.Validate); err != nil {
		return r.fail(ctx, span, errors.WrapInvalid(fmt.Errorf("%w: %s %s: %w", errors.ErrValidationFailed, inst.id, req.Target.Version, err),
			"Orchestrator", "HotSwap", "post-commit validate"))
	}

	if err := r.advance(span, Resuming); err != nil {
		return r.fail(ctx, span, err)
	}
	if err := o.step(context.WithoutCancel(ctx), "resume", o.cfg.QuiesceTimeout, h.Impl.Resume); err != nil {
		return r.fail(ctx, span, errors.WrapTransient(fmt.Errorf("resume %s %s: %w", inst.id, req.Target.Version, err),
			"Orchestrator", "HotSwap", "resume"))
	}
	if r.quiesced {
		r.res.Downtime = o.now().Sub(r.quiescedAt)
	}
	if err := r.advance(span, Idle); err != nil {
		return r.fail(ctx, span, err)
	}
	r.committed = false

	if err := r.oldHandle.Release(); err != nil {
		o.logger.Warn("Release of replaced unit failed", "component", inst.id, "version", r.oldManifest.Version.String(), "error", err)
	}

	if ev := inst.evolution; ev != nil {
		ev.Record(evolution.Transition{
			From:         r.oldManifest.Version,
			To:           req.Target.Version,
			Timestamp:    o.now(),
			Reason:       req.Reason,
			WasAutomatic: !req.Force,
			Downtime:     r.res.Downtime,
			ContractHash: h.ContractHash,
		})
	}
	return nil
}

// fail records where the swap stopped and undoes whatever it changed.
func (r *run) fail(ctx context.Context, span trace.Span, err error) error {
	if r.res.FailedPhase == "" {
		r.res.FailedPhase = r.phase.String()
	}

	switch r.phase {
	case Idle:
		return err
	case Quiescing:
		// nothing loaded yet; undo a partial quiesce
		if rerr := r.o.step(context.WithoutCancel(ctx), "resume", r.o.cfg.QuiesceTimeout, r.oldHandle.Impl.Resume); rerr != nil {
			r.o.logger.Warn("Resume after failed quiesce failed", "component", r.inst.id, "error", rerr)
		}
		_ = r.advance(span, Idle)
		return err
	}

	if rbErr := r.rollback(ctx, span); rbErr != nil {
		return stderrors.Join(err, rbErr)
	}
	return err
}

func (r *run) rollback(ctx context.Context, span trace.Span) error {
	if err := r.advance(span, RollingBack); err != nil {
		return err
	}
	r.res.RolledBack = true
	defer func() { _ = r.advance(span, Idle) }()

	if r.committed {
		r.inst.commit(r.oldManifest, r.oldHandle)
		r.committed = false
	}
	if r.newHandle != nil {
		if err := r.newHandle.Release(); err != nil {
			r.o.logger.Warn("Release of rejected unit failed", "component", r.inst.id, "error", err)
		}
		r.newHandle = nil
	}
	if r.quiesced {
		if err := r.o.step(context.WithoutCancel(ctx), "resume", r.o.cfg.QuiesceTimeout, r.oldHandle.Impl.Resume); err != nil {
			return errors.WrapFatal(fmt.Errorf("%w: resume %s %s: %w", errors.ErrRollbackFailed, r.inst.id, r.oldManifest.Version, err),
				"Orchestrator", "HotSwap", "rollback")
		}
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, r *run, err error) (Result, error) {
	inst := r.inst
	inst.setPhase(Idle)

	r.res.Duration = o.now().Sub(r.started)
	r.res.Code = CodeFor(err)

	if r.admitted {
		switch {
		case err == nil:
			inst.breaker.RecordSuccess()
		case r.loadFailed && !stderrors.Is(err, errors.ErrRollbackFailed):
		default:
			inst.breaker.RecordFailure()
		}
	}

	o.metrics.RecordHotSwap(inst.id, string(r.res.Code), r.res.Duration)
	o.metrics.RecordBreakerState(inst.id, int(inst.breaker.State()))

	span.SetAttributes(attribute.String("swap.result", string(r.res.Code)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("Hot swap failed",
			"component", inst.id, "swap_id", r.res.SwapID,
			"from", r.res.From.String(), "to", r.res.To.String(),
			"result", r.res.Code, "phase", r.res.FailedPhase, "error", err)
	} else {
		span.SetStatus(codes.Ok, "")
		o.logger.Info("Hot swap committed",
			"component", inst.id, "swap_id", r.res.SwapID,
			"from", r.res.From.String(), "to", r.res.To.String(),
			"duration", r.res.Duration, "downtime", r.res.Downtime)
	}

	ev := events.New(events.KindSwap, inst.id)
	ev.SwapID = r.res.SwapID
	ev.From = r.res.From.String()
	ev.To = r.res.To.String()
	ev.Result = string(r.res.Code)
	ev.Reason = r.req.Reason
	ev.Automatic = !r.req.Force
	if err != nil {
		ev.Error = errors.Kind(err)
	}
	if perr := o.publisher.Publish(context.WithoutCancel(ctx), ev); perr != nil {
		o.logger.Debug("Swap event not published", "component", inst.id, "error", perr)
	}

	return r.res, err
}

func (o *Orchestrator) budget(v version.ExtendedVersion) time.Duration {
	if v.SwapDurationMs > 0 {
		return time.Duration(v.SwapDurationMs) * time.Millisecond
	}
	return o.cfg.DefaultBudget
}

// step runs one implementation call in a child span, bounded by timeout
// when positive and always by ctx.
func (o *Orchestrator) step(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "swap."+name)
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := bounded(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// bounded returns when fn does or ctx ends, whichever is first. A call that
// ignores ctx keeps running after the deadline; its result is discarded.
func bounded(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) load(ctx context.Context, id string, v version.ExtendedVersion) (*loader.Handle, error) {
	ctx, span := o.tracer.Start(ctx, "swap.load", trace.WithAttributes(
		attribute.String("component.id", id),
		attribute.String("version", v.String()),
	))
	defer span.End()

	type loaded struct {
		h   *loader.Handle
		err error
	}
	done := make(chan loaded, 1)
	go func() {
		h, err := o.loader.Load(ctx, id, v)
		done <- loaded{h, err}
	}()

	var (
		h   *loader.Handle
		err error
	)
	select {
	case l := <-done:
		h, err = l.h, l.err
		if err == nil && (h == nil || h.Impl == nil) {
			err = fmt.Errorf("loader returned no implementation")
		}
	case <-ctx.Done():
		err = ctx.Err()
		// a late handle is nobody's; release it
		go func() {
			if l := <-done; l.h != nil {
				_ = l.h.Release()
			}
		}()
	}

	if err != nil {
		if !stderrors.Is(err, errors.ErrLibraryLoadFailed) {
			err = fmt.Errorf("%w: %w", errors.ErrLibraryLoadFailed, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.Wrap(err, "Orchestrator", "HotSwap", "load "+id+"@"+v.String())
	}
	return h, nil
}

func checkCompatible(current, target version.ExtendedVersion) error {
	if !target.HotSwappable {
		return errors.WrapInvalid(fmt.Errorf("%w: %s is not hot-swappable", errors.ErrIncompatible, target),
			"Orchestrator", "HotSwap", "check compatibility")
	}
	if !version.IsCompatible(current, target, version.Compatible) {
		return errors.WrapInvalid(fmt.Errorf("%w: %s -> %s", errors.ErrIncompatible, current, target),
			"Orchestrator", "HotSwap", "check compatibility")
	}
	return nil
}

// verify is the pre-commit integrity check. Force does not skip it.
func (o *Orchestrator) verify(target manifest.Manifest, h *loader.Handle) error {
	if err := o.verifier.Verify(target); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrValidationFailed, err),
			"Orchestrator", "HotSwap", "verify manifest integrity")
	}
	if h.ABISignature != target.Version.ABISignature {
		return errors.WrapInvalid(fmt.Errorf("%w: %w: unit %#x, manifest %#x",
			errors.ErrValidationFailed, errors.ErrABIMismatch, h.ABISignature, target.Version.ABISignature),
			"Orchestrator", "HotSwap", "verify ABI signature")
	}
	return nil
}
