// Package controller orchestrates the two phases of the action: setup
// installs and readies the service, cleanup tears it down and restores the
// host. The packages below it do the work; this one owns the ordering and
// the handoff between the phases.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fenio/setup-kubesolo/internal/cleanup"
	"github.com/fenio/setup-kubesolo/internal/config"
	"github.com/fenio/setup-kubesolo/internal/diag"
	"github.com/fenio/setup-kubesolo/internal/execx"
	"github.com/fenio/setup-kubesolo/internal/ghaction"
	"github.com/fenio/setup-kubesolo/internal/install"
	"github.com/fenio/setup-kubesolo/internal/logging"
	"github.com/fenio/setup-kubesolo/internal/readiness"
	"github.com/fenio/setup-kubesolo/internal/runtimes"
	"github.com/fenio/setup-kubesolo/internal/state"
	"github.com/fenio/setup-kubesolo/internal/systemd"
)

// handoffStateKey is the key under which setup mirrors the handoff flag into
// the runner's per-job state, backing up the on-disk flag.
const handoffStateKey = "setup_started"

// Controller wires the phase implementations together for one invocation.
type Controller struct {
	cfg   config.Config
	log   *slog.Logger
	store *state.Store

	systemd     *systemd.Manager
	neutralizer *runtimes.Neutralizer
	installer   *install.Installer

	// waitReady and checkDNS are overridable for tests; the defaults build
	// the real poller and DNS check against the installed layout.
	waitReady func(ctx context.Context, timeout time.Duration) error
	checkDNS  func(ctx context.Context) error

	// tuneCleanup, when set, adjusts the full-restore strategy after
	// construction. Test use only.
	tuneCleanup func(*cleanup.FullRestoreCleanup)
}

// New creates a Controller for the given configuration. A nil runner
// defaults to the real command executor; a nil logger falls back to
// logging.Logger().
func New(cfg config.Config, runner execx.Runner, log *slog.Logger) *Controller {
	if runner == nil {
		runner = &execx.ExecRunner{}
	}
	if log == nil {
		log = logging.Logger()
	}

	store := state.NewStore("", log)
	sd := systemd.NewManager(runner, log)
	installer := install.NewInstaller(runner, sd, store, log)
	if cfg.LocalStorageSharedPath != "" {
		installer.ExtraFlags = append(installer.ExtraFlags,
			"--local-storage-shared-path="+cfg.LocalStorageSharedPath)
	}

	c := &Controller{
		cfg:         cfg,
		log:         log,
		store:       store,
		systemd:     sd,
		neutralizer: runtimes.NewNeutralizer(sd, store, log),
		installer:   installer,
	}

	kubeconfig := install.KubeconfigPath(installer.DataDir)
	probes := readiness.NewServiceProbes(sd, install.ServiceName, kubeconfig, log)
	collector := diag.NewCollector(runner, install.ServiceName, filepath.Dir(kubeconfig), log)

	c.waitReady = func(ctx context.Context, timeout time.Duration) error {
		poller := readiness.NewPoller(timeout, probes, log)
		poller.Diagnostics = collector.Collect
		return poller.Wait(ctx)
	}
	c.checkDNS = func(ctx context.Context) error {
		client, err := probes.Client()
		if err != nil {
			return fmt.Errorf("build client for dns check: %w", err)
		}
		return readiness.NewDNSCheck(client, log).Run(ctx)
	}

	return c
}

// Setup runs the install phase: record the handoff, neutralize conflicting
// runtimes, install and activate the service, optionally wait for readiness
// and verify DNS, and publish the kubeconfig to the job.
//
// The handoff must be durable before the first destructive step, so a setup
// that dies halfway still gets cleaned up. It is recorded twice: on disk for
// same-host reads, and in the runner's job state, which survives even if the
// state directory is wiped between steps.
func (c *Controller) Setup(ctx context.Context) error {
	if err := c.store.MarkSetupStarted(ctx); err != nil {
		return fmt.Errorf("persist handoff flag: %w", err)
	}
	if err := ghaction.SaveState(c.log, handoffStateKey, "true"); err != nil {
		c.log.Warn("mirror handoff flag to job state", "error", err)
	}

	if err := c.neutralizer.Neutralize(ctx); err != nil {
		return err
	}

	if err := c.installer.Install(ctx, c.cfg.Version); err != nil {
		return err
	}

	// The kubeconfig is published even when readiness later fails, so a
	// workflow that tolerates an unready cluster can still reach it.
	defer c.publishKubeconfig()

	if !c.cfg.WaitForReady {
		c.log.Info("not waiting for readiness as configured")
		return nil
	}

	if err := c.waitReady(ctx, c.cfg.Timeout); err != nil {
		return err
	}

	if c.cfg.DNSReadiness {
		if err := c.checkDNS(ctx); err != nil {
			return err
		}
	} else {
		c.log.Info("skipping dns verification as configured")
	}

	return nil
}

// publishKubeconfig exposes the admin kubeconfig as a step output and as
// KUBECONFIG for subsequent steps. The file may not exist yet when readiness
// was skipped or timed out; the path is published regardless, with its
// permissions relaxed when it is already there.
func (c *Controller) publishKubeconfig() {
	path := install.KubeconfigPath(c.installer.DataDir)

	if _, err := os.Stat(path); err == nil {
		if err := os.Chmod(path, 0o644); err != nil {
			c.log.Warn("relax kubeconfig permissions", "path", path, "error", err)
		}
	}

	if err := ghaction.SetOutput(c.log, "kubeconfig", path); err != nil {
		c.log.Warn("publish kubeconfig output", "error", err)
	}
	if err := ghaction.ExportEnv(c.log, "KUBECONFIG", path); err != nil {
		c.log.Warn("export KUBECONFIG", "error", err)
	}
	c.log.Info("kubeconfig published", "path", path)
}

// Cleanup runs the teardown phase. The strategy choice is the only branch:
// when neither the on-disk flag nor the mirrored job state says setup ran,
// nothing is touched. Cleanup itself never fails; a broken teardown must not
// fail an otherwise green job.
func (c *Controller) Cleanup(ctx context.Context) error {
	started := c.store.SetupStarted() || ghaction.State(handoffStateKey) == "true"

	if !started {
		return (&cleanup.NullCleanup{Log: c.log}).Run(ctx)
	}

	full := cleanup.NewFullRestoreCleanup(
		c.systemd, c.neutralizer, c.store,
		install.ServiceName, c.installer.UnitPath, c.installer.BinaryPath, c.installer.DataDir,
		readiness.APIPort, c.log)
	if c.tuneCleanup != nil {
		c.tuneCleanup(full)
	}
	return full.Run(ctx)
}

// SetPhasesForTesting overrides the readiness and DNS hooks.
func (c *Controller) SetPhasesForTesting(waitReady func(context.Context, time.Duration) error, checkDNS func(context.Context) error) {
	if waitReady != nil {
		c.waitReady = waitReady
	}
	if checkDNS != nil {
		c.checkDNS = checkDNS
	}
}

// SetCleanupTuningForTesting installs a hook that adjusts the full-restore
// strategy before it runs.
func (c *Controller) SetCleanupTuningForTesting(tune func(*cleanup.FullRestoreCleanup)) {
	c.tuneCleanup = tune
}

// Installer exposes the wired installer so tests can redirect its layout and
// endpoints.
func (c *Controller) Installer() *install.Installer {
	return c.installer
}

// Neutralizer exposes the wired neutralizer so tests can shrink its target
// lists.
func (c *Controller) Neutralizer() *runtimes.Neutralizer {
	return c.neutralizer
}
