// Package install resolves, downloads, and installs the KubeSolo release as
// a systemd service.
package install

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/buildkite/roko"
	"github.com/mholt/archiver/v3"

	"github.com/fenio/setup-kubesolo/internal/execx"
	"github.com/fenio/setup-kubesolo/internal/fileutil"
	"github.com/fenio/setup-kubesolo/internal/logging"
	"github.com/fenio/setup-kubesolo/internal/state"
	"github.com/fenio/setup-kubesolo/internal/systemd"
)

// Fixed installation layout. The kubeconfig path under the data directory is
// produced by KubeSolo itself and is part of the action's output contract.
const (
	DefaultBinaryPath = "/usr/local/bin/kubesolo"
	DefaultDataDir    = "/var/lib/kubesolo"
	DefaultUnitPath   = "/etc/systemd/system/kubesolo.service"
	ServiceName       = "kubesolo"

	// DefaultRepo is the GitHub repository releases are fetched from.
	DefaultRepo = "portainer/kubesolo"

	defaultReleaseAPIBase  = "https://api.github.com"
	defaultDownloadURLBase = "https://github.com"
)

// KubeconfigPath returns the admin kubeconfig location under dataDir.
func KubeconfigPath(dataDir string) string {
	return filepath.Join(dataDir, "pki", "admin", "admin.kubeconfig")
}

// downloadAttempts and downloadRetryDelay bound the retried artifact fetch.
const (
	downloadAttempts   = 3
	downloadRetryDelay = 5 * time.Second
)

// Installer performs the install sequence. The zero value is not usable;
// construct with NewInstaller.
type Installer struct {
	runner     execx.Runner
	systemd    *systemd.Manager
	store      *state.Store
	httpClient *http.Client
	log        *slog.Logger

	repo            string
	releaseAPIBase  string
	downloadURLBase string

	// Overridable layout, for tests.
	BinaryPath string
	DataDir    string
	UnitPath   string

	// ExtraFlags are appended to the service's ExecStart line.
	ExtraFlags []string
}

// NewInstaller creates an Installer with the default layout.
func NewInstaller(runner execx.Runner, sd *systemd.Manager, store *state.Store, log *slog.Logger) *Installer {
	if runner == nil {
		panic("install: runner must not be nil")
	}
	if sd == nil {
		panic("install: systemd manager must not be nil")
	}
	if store == nil {
		panic("install: state store must not be nil")
	}
	if log == nil {
		log = logging.Logger()
	}
	return &Installer{
		runner:          runner,
		systemd:         sd,
		store:           store,
		httpClient:      &http.Client{Timeout: 5 * time.Minute},
		log:             log,
		repo:            DefaultRepo,
		releaseAPIBase:  defaultReleaseAPIBase,
		downloadURLBase: defaultDownloadURLBase,
		BinaryPath:      DefaultBinaryPath,
		DataDir:         DefaultDataDir,
		UnitPath:        DefaultUnitPath,
	}
}

// SetEndpointsForTesting redirects the release API and download hosts.
func (i *Installer) SetEndpointsForTesting(apiBase, downloadBase string, client *http.Client) {
	i.releaseAPIBase = apiBase
	i.downloadURLBase = downloadBase
	if client != nil {
		i.httpClient = client
	}
}

// downloadURL builds the deterministic artifact URL for a version and arch.
func (i *Installer) downloadURL(version, arch string) string {
	return fmt.Sprintf("%s/%s/releases/download/%s/kubesolo-%s.tar.gz",
		i.downloadURLBase, i.repo, version, arch)
}

// Install runs the full chain: resolve version, detect architecture, fetch
// and extract the artifact, place the binary, create the data directory,
// write and activate the unit. Every failure is a hard error that aborts
// setup; nothing in this chain is best-effort.
func (i *Installer) Install(ctx context.Context, version string) error {
	resolved, err := i.ResolveVersion(ctx, version)
	if err != nil {
		return fmt.Errorf("resolve version: %w", err)
	}

	arch, err := i.hostArch(ctx)
	if err != nil {
		return err
	}

	binarySrc, err := i.downloadAndExtract(ctx, resolved, arch)
	if err != nil {
		return err
	}

	if err := fileutil.CopyFile(binarySrc, i.BinaryPath, 0o755); err != nil {
		return fmt.Errorf("install binary to %s: %w", i.BinaryPath, err)
	}
	if err := fileutil.EnsureDir(i.DataDir); err != nil {
		return err
	}

	unit := systemd.Unit{
		Description:      "KubeSolo single-node Kubernetes",
		After:            "network-online.target",
		Wants:            "network-online.target",
		ExecStart:        i.execStart(),
		WorkingDirectory: i.DataDir,
		Restart:          "on-failure",
		RestartSec:       5,
		LimitNOFILE:      "1048576",
		LimitNPROC:       "infinity",
		TasksMax:         "infinity",
	}
	if err := systemd.WriteUnit(i.UnitPath, unit); err != nil {
		return fmt.Errorf("install unit: %w", err)
	}

	if err := i.store.UpdateInventory(ctx, func(inv *state.Inventory) {
		inv.CreatedPaths = append(inv.CreatedPaths, i.BinaryPath, i.DataDir, i.UnitPath)
	}); err != nil {
		i.log.Warn("record created paths", "error", err)
	}

	if outcome := i.systemd.DaemonReload(ctx); outcome != execx.OK {
		return fmt.Errorf("daemon-reload after unit install: %s", outcome)
	}
	if err := i.systemd.EnableNow(ctx, ServiceName); err != nil {
		return fmt.Errorf("activate %s: %w", ServiceName, err)
	}

	i.log.Info("installed kubesolo",
		"version", resolved, "arch", arch, "binary", i.BinaryPath, "data_dir", i.DataDir)
	return nil
}

// execStart builds the service command line: the binary, the mandatory
// --path flag, then any extra flags.
func (i *Installer) execStart() string {
	line := i.BinaryPath + " --path=" + i.DataDir
	for _, flag := range i.ExtraFlags {
		line += " " + flag
	}
	return line
}

// downloadAndExtract fetches the release tarball into a temp directory,
// extracts it, and returns the path of the kubesolo binary inside.
func (i *Installer) downloadAndExtract(ctx context.Context, version, arch string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "kubesolo-download-")
	if err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	url := i.downloadURL(version, arch)
	archivePath := filepath.Join(tmpDir, "kubesolo.tar.gz")

	err = roko.NewRetrier(
		roko.WithMaxAttempts(downloadAttempts),
		roko.WithStrategy(roko.Constant(downloadRetryDelay)),
	).DoWithContext(ctx, func(_ *roko.Retrier) error {
		return i.fetchArtifact(ctx, url, archivePath)
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}

	extractDir := filepath.Join(tmpDir, "extracted")
	if err := archiver.Unarchive(archivePath, extractDir); err != nil {
		return "", fmt.Errorf("extract %s: %w", archivePath, err)
	}

	binary, err := findBinary(extractDir, "kubesolo")
	if err != nil {
		return "", err
	}
	return binary, nil
}

// fetchArtifact streams one GET response to disk.
func (i *Installer) fetchArtifact(ctx context.Context, url, dst string) (retErr error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side is what matters

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch artifact: unexpected status %s", resp.Status)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("close archive file: %w", closeErr)
		}
	}()

	if _, err := f.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

// findBinary locates a regular file named name anywhere under root. Release
// tarballs have carried the binary both at the top level and under a
// versioned subdirectory, so the search walks the whole tree.
func findBinary(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan extracted archive: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("binary %q not found in extracted archive %s", name, root)
	}
	return found, nil
}
