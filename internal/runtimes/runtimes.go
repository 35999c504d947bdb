// Package runtimes neutralizes container runtimes that conflict with the
// installed KubeSolo service, and restores them afterwards.
//
// KubeSolo manages its own embedded containerd; a host-level dockerd or
// containerd fights it over cgroups, iptables chains and the CNI state.
// Neutralize stops and masks the known daemons, renames their executables
// aside, and removes their sockets. Every sub-step is best-effort: the
// guarantee is "as neutral as this host allows", never all-or-nothing.
package runtimes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fenio/setup-kubesolo/internal/execx"
	"github.com/fenio/setup-kubesolo/internal/logging"
	"github.com/fenio/setup-kubesolo/internal/state"
	"github.com/fenio/setup-kubesolo/internal/systemd"
)

// BackupSuffix is appended to a conflicting executable's path when it is
// moved aside. Presence of a <path>.bak file implies setup ran and has not
// been cleaned up yet; at most one of {path, path.bak} exists at a time.
const BackupSuffix = ".bak"

// ConflictingServices are the units stopped and masked during setup and
// unconditionally revived during cleanup. Sockets are listed before their
// services so a stop cannot be undone by socket activation.
var ConflictingServices = []string{
	"docker.socket",
	"docker.service",
	"containerd.service",
}

// ConflictingBinaries are host executables renamed aside during setup.
var ConflictingBinaries = []string{
	"/usr/bin/containerd",
	"/usr/bin/containerd-shim-runc-v2",
	"/usr/bin/dockerd",
}

// runtimeSockets are socket files removed during setup so stale clients
// cannot resurrect a neutralized daemon.
var runtimeSockets = []string{
	"/var/run/docker.sock",
	"/run/containerd/containerd.sock",
}

// Neutralizer performs the neutralization and its reversal.
type Neutralizer struct {
	systemd *systemd.Manager
	store   *state.Store
	log     *slog.Logger

	// services and binaries default to the package-level lists; tests
	// override them.
	services []string
	binaries []string
	sockets  []string
}

// NewNeutralizer creates a Neutralizer using the package-level service and
// binary lists. A nil logger falls back to logging.Logger().
func NewNeutralizer(sd *systemd.Manager, store *state.Store, log *slog.Logger) *Neutralizer {
	if sd == nil {
		panic("runtimes: systemd manager must not be nil")
	}
	if store == nil {
		panic("runtimes: state store must not be nil")
	}
	if log == nil {
		log = logging.Logger()
	}
	return &Neutralizer{
		systemd:  sd,
		store:    store,
		log:      log,
		services: ConflictingServices,
		binaries: ConflictingBinaries,
		sockets:  runtimeSockets,
	}
}

// Neutralize stops and masks every known conflicting service, renames every
// known conflicting executable aside, and removes known runtime sockets.
// Each sub-step's outcome is classified and logged; none of them fails the
// overall run, so Neutralize never returns an error for per-item problems.
// Calling it twice in a row is safe: already-masked units mask again
// harmlessly and already-renamed binaries are skipped.
func (n *Neutralizer) Neutralize(ctx context.Context) error {
	for _, svc := range n.services {
		stopOutcome := n.systemd.Stop(ctx, svc)
		maskOutcome := n.systemd.Mask(ctx, svc)
		n.log.Info("neutralized conflicting service",
			"service", svc, "stop", stopOutcome.String(), "mask", maskOutcome.String())

		if maskOutcome == execx.OK {
			if err := n.store.UpdateInventory(ctx, func(inv *state.Inventory) {
				inv.MaskedServices = appendUnique(inv.MaskedServices, svc)
			}); err != nil {
				n.log.Warn("record masked service", "service", svc, "error", err)
			}
		}
	}

	for _, bin := range n.binaries {
		n.backupBinary(ctx, bin)
	}

	for _, sock := range n.sockets {
		if err := os.Remove(sock); err != nil && !errors.Is(err, os.ErrNotExist) {
			n.log.Warn("remove runtime socket", "socket", sock, "error", err)
		}
	}

	return nil
}

// backupBinary renames bin to bin.bak. Idempotent: a pre-existing backup
// means a previous run already moved it, so the original (if any, e.g.
// reinstalled by a package manager in between) is left alone rather than
// clobbering the saved copy.
func (n *Neutralizer) backupBinary(ctx context.Context, bin string) {
	backup := bin + BackupSuffix

	if _, err := os.Stat(backup); err == nil {
		n.log.Debug("binary already backed up", "binary", bin)
		return
	}
	if _, err := os.Stat(bin); errors.Is(err, os.ErrNotExist) {
		n.log.Debug("conflicting binary absent", "binary", bin)
		return
	}

	if err := os.Rename(bin, backup); err != nil {
		n.log.Warn("back up conflicting binary", "binary", bin, "error", err)
		return
	}
	n.log.Info("backed up conflicting binary", "binary", bin, "backup", backup)

	if err := n.store.UpdateInventory(ctx, func(inv *state.Inventory) {
		if inv.BackedUpBinaries == nil {
			inv.BackedUpBinaries = make(map[string]string)
		}
		inv.BackedUpBinaries[bin] = backup
	}); err != nil {
		n.log.Warn("record binary backup", "binary", bin, "error", err)
	}
}

// RestoreBinaries moves every existing backup back to its original path.
// Idempotent: a missing backup is a silent no-op. The second restore after
// a successful first one changes nothing. Failures are warnings; the
// cleanup phase never escalates.
func (n *Neutralizer) RestoreBinaries() {
	for _, bin := range n.binaries {
		backup := bin + BackupSuffix

		if _, err := os.Stat(backup); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.Rename(backup, bin); err != nil {
			n.log.Warn("restore backed-up binary", "binary", bin, "error", err)
			continue
		}
		n.log.Info("restored binary", "binary", bin)
	}
}

// Revive unmasks and starts every known conflicting service, then verifies
// each is active. It deliberately does not consult any record of which
// services were running before setup: the setup phase keeps no such record,
// so a service that was intentionally stopped beforehand will be started
// here. Harmless on ephemeral runners; callers on long-lived hosts should
// know. A unit that does not exist on this host and one that fails to start
// both produce a warning, nothing more.
func (n *Neutralizer) Revive(ctx context.Context) {
	for _, svc := range n.services {
		unmaskOutcome := n.systemd.Unmask(ctx, svc)
		startOutcome := n.systemd.Start(ctx, svc)

		switch {
		case startOutcome == execx.Absent || unmaskOutcome == execx.Absent:
			n.log.Warn("conflicting service not present on this host", "service", svc)
		case startOutcome == execx.Failed:
			n.log.Warn("conflicting service failed to start", "service", svc)
		case !n.systemd.IsActive(ctx, svc):
			n.log.Warn("conflicting service started but is not active", "service", svc)
		default:
			n.log.Info("revived conflicting service", "service", svc)
		}
	}
}

// appendUnique appends s to list if not already present.
func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// SetListsForTesting overrides the service, binary, and socket lists. Test
// use only; pass nil to keep a list unchanged.
func (n *Neutralizer) SetListsForTesting(services, binaries, sockets []string) {
	if services != nil {
		n.services = services
	}
	if binaries != nil {
		n.binaries = binaries
	}
	if sockets != nil {
		n.sockets = sockets
	}
}

// Describe returns a short human-readable summary of what Neutralize
// targets, for log lines and diagnostics.
func (n *Neutralizer) Describe() string {
	return fmt.Sprintf("%d services, %d binaries, %d sockets",
		len(n.services), len(n.binaries), len(n.sockets))
}
