package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/obinexus/gov-clock/errors"
)

// DefaultProbeInterval is used for checks registered without an Interval.
const DefaultProbeInterval = 30 * time.Second

// Prober runs registered checks on their intervals and writes the results
// into a Monitor.
type Prober struct {
	monitor *Monitor
	logger  *slog.Logger

	mu      sync.Mutex
	checks  map[string]CheckConfig
	cancels map[string]context.CancelFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProber creates a prober writing into monitor.
func NewProber(monitor *Monitor, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		monitor: monitor,
		logger:  logger.With("component", "health-prober"),
		checks:  make(map[string]CheckConfig),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Register adds or replaces the check for component. The component is
// reported unknown until its first run. If the prober is running the check
// starts immediately.
func (p *Prober) Register(component string, cfg CheckConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.cancels[component]; ok {
		cancel()
		delete(p.cancels, component)
	}
	p.checks[component] = cfg
	p.monitor.Update(component, NewUnknown(component, "Awaiting first health check"))

	if p.ctx != nil {
		p.spawn(component, cfg)
	}
}

// Unregister stops probing component and removes it from the monitor.
func (p *Prober) Unregister(component string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.cancels[component]; ok {
		cancel()
		delete(p.cancels, component)
	}
	delete(p.checks, component)
	p.monitor.Remove(component)
}

// CheckNow runs the check for component once and records the result.
func (p *Prober) CheckNow(ctx context.Context, component string) (Status, error) {
	p.mu.Lock()
	cfg, ok := p.checks[component]
	p.mu.Unlock()
	if !ok {
		return Status{}, errors.WrapInvalid(errors.ErrNotFound, "Prober", "CheckNow",
			"lookup check for "+component)
	}

	status := cfg.Run(ctx, component)
	p.monitor.Update(component, status)
	return status, nil
}

// Start begins probing every registered check.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Prober", "Start", "start prober")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for component, cfg := range p.checks {
		p.spawn(component, cfg)
	}
	p.logger.Debug("Health prober started", "checks", len(p.checks))
	return nil
}

// Stop cancels all probes and waits for in-flight checks to return.
func (p *Prober) Stop() {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.ctx, p.cancel = nil, nil
	clear(p.cancels)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("Health prober stopped")
}

// spawn must be called with p.mu held.
func (p *Prober) spawn(component string, cfg CheckConfig) {
	ctx, cancel := context.WithCancel(p.ctx)
	p.cancels[component] = cancel

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		consecutive := 0
		var lastSuccess time.Time
		for {
			status := cfg.Run(ctx, component)
			if ctx.Err() != nil {
				return
			}
			if status.IsHealthy() {
				consecutive = 0
				lastSuccess = status.Timestamp
			} else {
				consecutive++
				p.logger.Warn("Health check failed", "component", component,
					"status", status.Status, "message", status.Message, "consecutive", consecutive)
			}
			if status.Metrics != nil {
				status.Metrics.ConsecutiveFailures = consecutive
				status.Metrics.LastSuccess = lastSuccess
			}
			// a cancelled probe must not resurrect a removed component
			p.mu.Lock()
			if ctx.Err() == nil {
				p.monitor.Update(component, status)
			}
			p.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
