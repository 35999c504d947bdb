// Package diag collects troubleshooting output when readiness polling gives
// up, so the job log explains what the service was doing at the deadline.
package diag

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/fenio/setup-kubesolo/internal/execx"
	"github.com/fenio/setup-kubesolo/internal/logging"
)

// Collector gathers service, log, and network state. Every step is
// best-effort: a diagnostics failure must never mask the readiness failure
// that triggered collection.
type Collector struct {
	runner execx.Runner
	log    *slog.Logger

	// ServiceName and CredentialDir identify what to inspect.
	ServiceName   string
	CredentialDir string
}

// NewCollector creates a Collector for the given unit and credential
// directory.
func NewCollector(runner execx.Runner, serviceName, credentialDir string, log *slog.Logger) *Collector {
	if runner == nil {
		panic("diag: runner must not be nil")
	}
	if log == nil {
		log = logging.Logger()
	}
	return &Collector{
		runner:        runner,
		log:           log,
		ServiceName:   serviceName,
		CredentialDir: credentialDir,
	}
}

// Collect runs every diagnostic and logs the results. It never fails.
func (c *Collector) Collect(ctx context.Context) {
	c.log.Info("collecting diagnostics", "service", c.ServiceName)

	c.command(ctx, "service status", "systemctl", "status", c.ServiceName, "--no-pager")
	c.command(ctx, "service journal", "journalctl", "-u", c.ServiceName, "-n", "50", "--no-pager")
	c.credentialListing()
	c.command(ctx, "listening sockets", "ss", "-tlnp")
	c.command(ctx, "network interfaces", "ip", "addr")
}

// command runs one diagnostic command and logs whatever came back. Failed
// commands still log their output: systemctl status exits non-zero for a
// failed unit, and that output is exactly what we want to see.
func (c *Collector) command(ctx context.Context, label, name string, args ...string) {
	res, err := c.runner.Run(ctx, name, args...)
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		out = strings.TrimSpace(res.Stderr)
	}
	if err != nil && out == "" {
		c.log.Warn("diagnostic unavailable", "diagnostic", label, "error", err)
		return
	}
	c.log.Info("diagnostic", "diagnostic", label, "output", out)
}

// credentialListing logs the contents of the credential directory, or why it
// could not be read.
func (c *Collector) credentialListing() {
	entries, err := os.ReadDir(c.CredentialDir)
	if err != nil {
		c.log.Warn("diagnostic unavailable", "diagnostic", "credential directory", "path", c.CredentialDir, "error", err)
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	c.log.Info("diagnostic", "diagnostic", "credential directory", "path", c.CredentialDir, "entries", names)
}
