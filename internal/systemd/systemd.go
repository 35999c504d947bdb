// Package systemd wraps the systemctl verbs the action needs behind a small
// manager so service manipulation is testable against a scripted runner.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fenio/setup-kubesolo/internal/execx"
	"github.com/fenio/setup-kubesolo/internal/logging"
)

// Manager issues systemctl commands through an execx.Runner.
type Manager struct {
	runner execx.Runner
	log    *slog.Logger
}

// NewManager creates a Manager. Panics if runner is nil; a nil logger falls
// back to logging.Logger().
func NewManager(runner execx.Runner, log *slog.Logger) *Manager {
	if runner == nil {
		panic("systemd: runner must not be nil")
	}
	if log == nil {
		log = logging.Logger()
	}
	return &Manager{runner: runner, log: log}
}

// IsActive reports whether the unit is currently active. systemctl is-active
// exits non-zero for every non-active state, so the error is folded into the
// boolean rather than returned.
func (m *Manager) IsActive(ctx context.Context, unit string) bool {
	_, err := m.runner.Run(ctx, "systemctl", "is-active", "--quiet", unit)
	return err == nil
}

// IsEnabled reports whether the unit is enabled.
func (m *Manager) IsEnabled(ctx context.Context, unit string) bool {
	_, err := m.runner.Run(ctx, "systemctl", "is-enabled", "--quiet", unit)
	return err == nil
}

// Start starts the unit and classifies the result.
func (m *Manager) Start(ctx context.Context, unit string) execx.Outcome {
	return m.verb(ctx, "start", unit)
}

// Stop stops the unit and classifies the result.
func (m *Manager) Stop(ctx context.Context, unit string) execx.Outcome {
	return m.verb(ctx, "stop", unit)
}

// Enable enables the unit without starting it.
func (m *Manager) Enable(ctx context.Context, unit string) execx.Outcome {
	return m.verb(ctx, "enable", unit)
}

// EnableNow enables and starts the unit in one step. Unlike the best-effort
// verbs, a failure here is returned as an error: it is only used for the
// installed target unit, where failure to activate is a hard error.
func (m *Manager) EnableNow(ctx context.Context, unit string) error {
	res, err := m.runner.Run(ctx, "systemctl", "enable", "--now", unit)
	if err != nil {
		return fmt.Errorf("enable --now %s: %w (stderr: %s)", unit, err, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Disable disables the unit.
func (m *Manager) Disable(ctx context.Context, unit string) execx.Outcome {
	return m.verb(ctx, "disable", unit)
}

// Mask masks the unit so it cannot be started, surviving reboots.
func (m *Manager) Mask(ctx context.Context, unit string) execx.Outcome {
	return m.verb(ctx, "mask", unit)
}

// Unmask reverses Mask.
func (m *Manager) Unmask(ctx context.Context, unit string) execx.Outcome {
	return m.verb(ctx, "unmask", unit)
}

// Kill sends the given signal to all processes of the unit's control group.
func (m *Manager) Kill(ctx context.Context, unit, signal string) execx.Outcome {
	res, err := m.runner.Run(ctx, "systemctl", "kill", "-s", signal, unit)
	return m.classify("kill", unit, res, err)
}

// DaemonReload reloads the systemd manager configuration.
func (m *Manager) DaemonReload(ctx context.Context) execx.Outcome {
	res, err := m.runner.Run(ctx, "systemctl", "daemon-reload")
	return m.classify("daemon-reload", "", res, err)
}

func (m *Manager) verb(ctx context.Context, verb, unit string) execx.Outcome {
	res, err := m.runner.Run(ctx, "systemctl", verb, unit)
	return m.classify(verb, unit, res, err)
}

// classify maps a systemctl result to a tri-state outcome and logs the
// non-OK cases. Absent is logged at debug level since missing units are
// expected on clean hosts; Failed is a warning because all callers of the
// tri-state verbs are best-effort by contract.
func (m *Manager) classify(verb, unit string, res execx.Result, err error) execx.Outcome {
	outcome := execx.Classify(res, err)
	switch outcome {
	case execx.Absent:
		m.log.Debug("systemctl target absent", "verb", verb, "unit", unit)
	case execx.Failed:
		m.log.Warn("systemctl command failed",
			"verb", verb,
			"unit", unit,
			"exit_code", res.ExitCode,
			"stderr", strings.TrimSpace(res.Stderr))
	case execx.OK:
	}
	return outcome
}
