package readiness

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeClock advances only when the poller sleeps, so elapsed time is fully
// determined by the iteration count.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.t = c.t.Add(d)
	return nil
}

// scriptedProbes passes each stage once the fake clock has moved past the
// stage's threshold. A negative threshold never passes. Every probe call is
// recorded in order.
type scriptedProbes struct {
	clock *fakeClock
	start time.Time

	activeAt time.Duration
	portAt   time.Duration
	credAt   time.Duration
	apiAt    time.Duration
	readyAt  time.Duration

	calls []string
}

func (s *scriptedProbes) stage(name string, threshold time.Duration) bool {
	s.calls = append(s.calls, name)
	if threshold < 0 {
		return false
	}
	return s.clock.now().Sub(s.start) >= threshold
}

func (s *scriptedProbes) ServiceActive(context.Context) bool {
	return s.stage("service-active", s.activeAt)
}

func (s *scriptedProbes) PortListening(context.Context) bool {
	return s.stage("port-listening", s.portAt)
}

func (s *scriptedProbes) CredentialFilePresent(context.Context) bool {
	return s.stage("credential-file", s.credAt)
}

func (s *scriptedProbes) APIReachable(context.Context) bool {
	return s.stage("api-reachable", s.apiAt)
}

func (s *scriptedProbes) NodeReady(context.Context) bool {
	return s.stage("node-ready", s.readyAt)
}

func (s *scriptedProbes) count(name string) int {
	n := 0
	for _, c := range s.calls {
		if c == name {
			n++
		}
	}
	return n
}

// newScriptedPoller wires a poller to a fake clock and scripted probes.
func newScriptedPoller(timeout time.Duration, probes *scriptedProbes) (*Poller, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	probes.clock = clock
	probes.start = clock.t

	p := NewPoller(timeout, probes, nil)
	p.SetClockForTesting(clock.now, clock.sleep)
	return p, clock
}

func TestPoller_StageOrderAndGating(t *testing.T) {
	t.Parallel()

	t.Run("all stages run in order when everything passes", func(t *testing.T) {
		t.Parallel()
		probes := &scriptedProbes{}
		p, _ := newScriptedPoller(time.Minute, probes)

		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := []string{"service-active", "port-listening", "credential-file", "api-reachable", "node-ready"}
		if len(probes.calls) != len(want) {
			t.Fatalf("calls = %v, want %v", probes.calls, want)
		}
		for i, name := range want {
			if probes.calls[i] != name {
				t.Errorf("call %d = %q, want %q", i, probes.calls[i], name)
			}
		}
	})

	t.Run("failing stage short-circuits the rest of the iteration", func(t *testing.T) {
		t.Parallel()
		probes := &scriptedProbes{portAt: -1}
		p, _ := newScriptedPoller(10*time.Second, probes)

		err := p.Wait(context.Background())
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("error = %v, want ErrTimeout", err)
		}
		if probes.count("credential-file") != 0 || probes.count("api-reachable") != 0 || probes.count("node-ready") != 0 {
			t.Errorf("stages after the failing one must not run, calls = %v", probes.calls)
		}
		if probes.count("service-active") != probes.count("port-listening") {
			t.Errorf("every iteration must re-check from the first stage, calls = %v", probes.calls)
		}
	})
}

func TestPoller_SucceedsOnceAllStagesPass(t *testing.T) {
	t.Parallel()

	// Stages come up at different times; the poller must succeed on the
	// first iteration where the whole chain passes, at 20s elapsed.
	probes := &scriptedProbes{
		activeAt: 10 * time.Second,
		portAt:   12 * time.Second,
		credAt:   15 * time.Second,
		apiAt:    15 * time.Second,
		readyAt:  20 * time.Second,
	}
	p, clock := newScriptedPoller(time.Minute, probes)
	start := clock.t

	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := clock.t.Sub(start); elapsed != 20*time.Second {
		t.Errorf("succeeded at %v elapsed, want 20s", elapsed)
	}
	// Iterations at 0s and 5s fail on the first stage, 10s fails on the
	// port, 15s fails on node readiness, 20s passes everything.
	if got := probes.count("service-active"); got != 5 {
		t.Errorf("service-active checked %d times, want 5", got)
	}
	if got := probes.count("node-ready"); got != 2 {
		t.Errorf("node-ready checked %d times, want 2", got)
	}
}

func TestPoller_Timeout(t *testing.T) {
	t.Parallel()

	t.Run("deadline is exclusive and diagnostics run exactly once", func(t *testing.T) {
		t.Parallel()
		probes := &scriptedProbes{activeAt: -1}
		p, _ := newScriptedPoller(10*time.Second, probes)

		diagnostics := 0
		p.Diagnostics = func(context.Context) { diagnostics++ }

		err := p.Wait(context.Background())
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("error = %v, want ErrTimeout", err)
		}
		// Iterations start at 0s, 5s, and 10s; the 10s one still runs
		// because elapsed equals the timeout. The 15s iteration trips it.
		if got := probes.count("service-active"); got != 3 {
			t.Errorf("service-active checked %d times, want 3", got)
		}
		if diagnostics != 1 {
			t.Errorf("diagnostics ran %d times, want exactly 1", diagnostics)
		}
	})

	t.Run("timeout without a diagnostics hook still returns ErrTimeout", func(t *testing.T) {
		t.Parallel()
		probes := &scriptedProbes{activeAt: -1}
		p, _ := newScriptedPoller(5*time.Second, probes)

		if err := p.Wait(context.Background()); !errors.Is(err, ErrTimeout) {
			t.Errorf("error = %v, want ErrTimeout", err)
		}
	})
}

func TestPoller_Validation(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		interval time.Duration
		timeout  time.Duration
		wantText string
	}{
		"zero interval":    {interval: 0, timeout: time.Minute, wantText: "interval must be positive"},
		"negative timeout": {interval: time.Second, timeout: -time.Second, wantText: "timeout must be positive"},
	}

	for name, tc := range tests {
		name, tc := name, tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := NewPoller(tc.timeout, &scriptedProbes{clock: &fakeClock{}}, nil)
			p.Interval = tc.interval

			err := p.Wait(context.Background())
			if err == nil || !strings.Contains(err.Error(), tc.wantText) {
				t.Errorf("error = %v, want it to contain %q", err, tc.wantText)
			}
		})
	}
}

func TestPoller_ContextCancellation(t *testing.T) {
	t.Parallel()

	probes := &scriptedProbes{activeAt: -1}
	p, _ := newScriptedPoller(time.Minute, probes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(probes.calls) != 0 {
		t.Errorf("no probes may run after cancellation, calls = %v", probes.calls)
	}
}
