// Package cleanup dismantles an installed KubeSolo service and restores the
// container runtimes that setup neutralized.
//
// The cleanup phase runs in the job's post step, where a non-zero exit would
// mark an otherwise green job as failed. Every step here is therefore
// best-effort: problems are logged as warnings and the strategy's Run always
// returns nil. The only decision point is whether to act at all, driven by
// the durable handoff flag the setup phase wrote.
package cleanup

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/fenio/setup-kubesolo/internal/execx"
	"github.com/fenio/setup-kubesolo/internal/logging"
	"github.com/fenio/setup-kubesolo/internal/runtimes"
	"github.com/fenio/setup-kubesolo/internal/state"
	"github.com/fenio/setup-kubesolo/internal/systemd"
)

// Strategy is one cleanup behavior. Implementations never return an error
// for per-step problems; the error return exists for contract symmetry and
// future strategies, and current implementations always return nil.
type Strategy interface {
	Run(ctx context.Context) error
}

// NullCleanup is selected when the handoff flag is absent: the setup phase
// never ran on this host, so there is nothing to undo and nothing may be
// touched.
type NullCleanup struct {
	Log *slog.Logger
}

// Run implements Strategy by doing nothing beyond an explanatory log line.
func (n *NullCleanup) Run(context.Context) error {
	log := n.Log
	if log == nil {
		log = logging.Logger()
	}
	log.Info("setup never ran on this host, skipping cleanup")
	return nil
}

// Port-release bounds: after the service is killed the API port should free
// up almost immediately; the wait exists for the kernel's FIN handling and a
// slow-dying child holding the socket.
const (
	portReleaseInterval = time.Second
	portReleaseTimeout  = 30 * time.Second
)

// extraCleanupDirs are removed in addition to the recorded install layout.
// KubeSolo populates CNI configuration and plugins outside its data
// directory.
var extraCleanupDirs = []string{
	"/etc/cni/net.d",
	"/opt/cni/bin",
}

// FullRestoreCleanup tears the service down, removes everything the
// installer created, and brings the neutralized runtimes back.
type FullRestoreCleanup struct {
	Systemd     *systemd.Manager
	Neutralizer *runtimes.Neutralizer
	Store       *state.Store
	Log         *slog.Logger

	// Install layout to remove.
	ServiceName string
	UnitPath    string
	BinaryPath  string
	DataDir     string

	// Port is probed until released after the service dies.
	Port int

	// ExtraDirs are removed in addition to the install layout. Defaults to
	// the CNI directories KubeSolo populates outside its data directory.
	ExtraDirs []string

	// mountsFile, unmount, and dial are overridable for tests.
	mountsFile string
	unmount    func(target string, flags int) error
	dial       func(ctx context.Context, addr string) bool
}

// NewFullRestoreCleanup creates a FullRestoreCleanup for the given layout.
func NewFullRestoreCleanup(sd *systemd.Manager, n *runtimes.Neutralizer, store *state.Store,
	serviceName, unitPath, binaryPath, dataDir string, port int, log *slog.Logger,
) *FullRestoreCleanup {
	if sd == nil {
		panic("cleanup: systemd manager must not be nil")
	}
	if n == nil {
		panic("cleanup: neutralizer must not be nil")
	}
	if store == nil {
		panic("cleanup: state store must not be nil")
	}
	if log == nil {
		log = logging.Logger()
	}
	return &FullRestoreCleanup{
		Systemd:     sd,
		Neutralizer: n,
		Store:       store,
		Log:         log,
		ServiceName: serviceName,
		UnitPath:    unitPath,
		BinaryPath:  binaryPath,
		DataDir:     dataDir,
		Port:        port,
		ExtraDirs:   extraCleanupDirs,
		mountsFile:  "/proc/self/mounts",
		unmount:     unix.Unmount,
		dial:        dialSucceeds,
	}
}

// Run implements Strategy. The order matters: the service must be fully dead
// before its mounts and files go away, and the runtimes come back only after
// the install layout is gone so a reviving dockerd does not see half of a
// competing kubelet.
func (c *FullRestoreCleanup) Run(ctx context.Context) error {
	c.stopService(ctx)
	c.waitForPortRelease(ctx)
	c.unmountDataDir()
	c.removeInstallLayout(ctx)
	c.Neutralizer.RestoreBinaries()
	c.Neutralizer.Revive(ctx)
	c.reportInventory()

	if err := c.Store.Clear(); err != nil {
		c.Log.Warn("clear handoff state", "error", err)
	}

	c.Log.Info("cleanup finished")
	return nil
}

// stopService stops, disables, and finally kills the unit. The kill is
// unconditional: a stop that reported OK can still leave a wedged child in
// the control group.
func (c *FullRestoreCleanup) stopService(ctx context.Context) {
	stopOutcome := c.Systemd.Stop(ctx, c.ServiceName)
	disableOutcome := c.Systemd.Disable(ctx, c.ServiceName)
	killOutcome := c.Systemd.Kill(ctx, c.ServiceName, "SIGKILL")
	c.Log.Info("service shut down",
		"service", c.ServiceName,
		"stop", stopOutcome.String(),
		"disable", disableOutcome.String(),
		"kill", killOutcome.String())
}

// waitForPortRelease polls until nothing accepts connections on the API port
// or the bound expires. Expiry is a warning: file removal works regardless,
// and a lingering listener is the next job's problem only on a persistent
// runner.
func (c *FullRestoreCleanup) waitForPortRelease(ctx context.Context) {
	if c.Port <= 0 {
		return
	}
	addr := fmt.Sprintf("127.0.0.1:%d", c.Port)

	err := wait.PollUntilContextTimeout(ctx, portReleaseInterval, portReleaseTimeout, true,
		func(pollCtx context.Context) (bool, error) {
			return !c.dial(pollCtx, addr), nil
		})
	if err != nil {
		c.Log.Warn("api port still in use after shutdown wait", "port", c.Port)
		return
	}
	c.Log.Debug("api port released", "port", c.Port)
}

// unmountDataDir unmounts every mount point at or below the data directory,
// deepest first. KubeSolo's embedded containerd leaves overlay and shm
// mounts behind when killed; RemoveAll fails with EBUSY until they are gone.
func (c *FullRestoreCleanup) unmountDataDir() {
	mounts, err := c.mountsUnder(c.DataDir)
	if err != nil {
		c.Log.Warn("enumerate mounts", "error", err)
		return
	}

	for _, target := range mounts {
		if err := c.unmount(target, 0); err != nil {
			c.Log.Warn("unmount", "target", target, "error", err)
			continue
		}
		c.Log.Debug("unmounted", "target", target)
	}
}

// mountsUnder parses the mounts file and returns mount points equal to or
// below root, deepest first so nested mounts release before their parents.
func (c *FullRestoreCleanup) mountsUnder(root string) ([]string, error) {
	f, err := os.Open(c.mountsFile)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.mountsFile, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var targets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		target := unescapeMountPath(fields[1])
		if target == root || strings.HasPrefix(target, root+"/") {
			targets = append(targets, target)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", c.mountsFile, err)
	}

	sort.Slice(targets, func(i, j int) bool {
		return strings.Count(targets[i], "/") > strings.Count(targets[j], "/")
	})
	return targets, nil
}

// removeInstallLayout deletes the unit file, the binary, the data directory,
// and the CNI directories, then reloads the service manager so the deleted
// unit disappears from its view.
func (c *FullRestoreCleanup) removeInstallLayout(ctx context.Context) {
	paths := []string{c.UnitPath, c.BinaryPath, c.DataDir}
	paths = append(paths, c.ExtraDirs...)

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			c.Log.Warn("remove", "path", path, "error", err)
			continue
		}
		c.Log.Debug("removed", "path", path)
	}

	if outcome := c.Systemd.DaemonReload(ctx); outcome != execx.OK {
		c.Log.Warn("daemon-reload after unit removal", "outcome", outcome.String())
	}
}

// reportInventory logs anything the recorded inventory says should have been
// undone but still exists. Reporting only; the restore steps already worked
// from the filesystem, not the inventory.
func (c *FullRestoreCleanup) reportInventory() {
	inv, err := c.Store.ReadInventory()
	if err != nil {
		c.Log.Warn("read inventory", "error", err)
		return
	}

	for original, backup := range inv.BackedUpBinaries {
		if _, err := os.Stat(backup); err == nil {
			c.Log.Warn("backup still present after restore", "binary", original, "backup", backup)
		}
	}
	for _, path := range inv.CreatedPaths {
		if _, err := os.Stat(path); err == nil {
			c.Log.Warn("created path still present after removal", "path", path)
		}
	}
}

// SetProbesForTesting overrides the mounts file, unmount syscall, and port
// dialer.
func (c *FullRestoreCleanup) SetProbesForTesting(mountsFile string, unmount func(string, int) error, dial func(context.Context, string) bool) {
	if mountsFile != "" {
		c.mountsFile = mountsFile
	}
	if unmount != nil {
		c.unmount = unmount
	}
	if dial != nil {
		c.dial = dial
	}
}

// dialSucceeds reports whether a TCP connection to addr can be established.
func dialSucceeds(ctx context.Context, addr string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// unescapeMountPath decodes the octal escapes the kernel uses for spaces and
// other special characters in mount paths.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			var code int
			if _, err := fmt.Sscanf(s[i+1:i+4], "%o", &code); err == nil {
				b.WriteByte(byte(code))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// SelectStrategy returns the strategy matching the durable handoff state:
// FullRestoreCleanup when setup marked itself started, NullCleanup
// otherwise.
func SelectStrategy(store *state.Store, full *FullRestoreCleanup, log *slog.Logger) Strategy {
	if store.SetupStarted() {
		return full
	}
	return &NullCleanup{Log: log}
}
