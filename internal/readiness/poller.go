// Package readiness polls the installed service until it is observably
// serving traffic and its node is schedulable, or a deadline passes.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fenio/setup-kubesolo/internal/logging"
	"github.com/fenio/setup-kubesolo/internal/sentinel"
)

// ErrTimeout is returned when the deadline elapses before all stages pass.
const ErrTimeout = sentinel.Error("service did not become ready before the timeout")

// DefaultInterval is the pause between poll iterations.
const DefaultInterval = 5 * time.Second

// Probes are the ordered readiness predicates. Within one iteration each
// predicate gates the next: a false answer short-circuits the remainder of
// the iteration. No stage result is cached across iterations — every
// iteration re-checks from ServiceActive, so a transient regression (service
// restart, port flap) naturally pushes the poller back to the failing stage.
type Probes interface {
	// ServiceActive reports whether the service unit is active.
	ServiceActive(ctx context.Context) bool

	// PortListening reports whether the API port accepts TCP connections.
	PortListening(ctx context.Context) bool

	// CredentialFilePresent reports whether the admin kubeconfig exists.
	// Implementations also relax its permissions to world-readable on
	// every true answer; the chmod is idempotent.
	CredentialFilePresent(ctx context.Context) bool

	// APIReachable reports whether a node list against the credential
	// file succeeds and returns at least one node.
	APIReachable(ctx context.Context) bool

	// NodeReady reports whether at least one node has a ready condition.
	NodeReady(ctx context.Context) bool
}

// Poller runs the staged readiness loop.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	Probes   Probes

	// Diagnostics is invoked exactly once, before returning ErrTimeout.
	// Optional; diagnostics failures are the collector's problem and are
	// never escalated here.
	Diagnostics func(ctx context.Context)

	Log *slog.Logger

	// now and sleep are overridable for tests. sleep must honor ctx.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a Poller with the default interval.
func NewPoller(timeout time.Duration, probes Probes, log *slog.Logger) *Poller {
	if log == nil {
		log = logging.Logger()
	}
	return &Poller{
		Interval: DefaultInterval,
		Timeout:  timeout,
		Probes:   probes,
		Log:      log,
	}
}

// SetClockForTesting overrides the time source and sleeper.
func (p *Poller) SetClockForTesting(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	p.now = now
	p.sleep = sleep
}

// Wait blocks until every stage passes within a single iteration, the
// timeout elapses, or the context is canceled. The deadline comparison is
// strictly greater-than: an iteration that begins exactly at the timeout
// still runs.
func (p *Poller) Wait(ctx context.Context) error {
	if p.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", p.Interval)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %v", p.Timeout)
	}

	now := p.now
	if now == nil {
		now = time.Now
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	start := now()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("readiness wait canceled: %w", err)
		}

		elapsed := now().Sub(start)
		if elapsed > p.Timeout {
			p.Log.Error("readiness wait timed out",
				"elapsed", elapsed, "timeout", p.Timeout, "attempts", attempt-1)
			if p.Diagnostics != nil {
				p.Diagnostics(ctx)
			}
			return fmt.Errorf("after %v (timeout %v): %w", elapsed.Round(time.Second), p.Timeout, ErrTimeout)
		}

		stage, ready := p.runStages(ctx)
		if ready {
			p.Log.Info("service is ready",
				"elapsed", now().Sub(start).Round(time.Second), "attempts", attempt)
			return nil
		}
		p.Log.Debug("not ready yet", "attempt", attempt, "waiting_for", stage)

		if err := sleep(ctx, p.Interval); err != nil {
			return fmt.Errorf("readiness wait canceled: %w", err)
		}
	}
}

// runStages evaluates the probe chain for one iteration. It returns the
// name of the first failing stage, or ready=true when all five passed.
func (p *Poller) runStages(ctx context.Context) (stage string, ready bool) {
	if !p.Probes.ServiceActive(ctx) {
		return "service-active", false
	}
	if !p.Probes.PortListening(ctx) {
		return "port-listening", false
	}
	if !p.Probes.CredentialFilePresent(ctx) {
		return "credential-file", false
	}
	if !p.Probes.APIReachable(ctx) {
		return "api-reachable", false
	}
	if !p.Probes.NodeReady(ctx) {
		return "node-ready", false
	}
	return "", true
}

// sleepContext pauses for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
