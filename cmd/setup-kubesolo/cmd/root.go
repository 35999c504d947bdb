// Package cmd implements the setup-kubesolo CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fenio/setup-kubesolo/internal/config"
	"github.com/fenio/setup-kubesolo/internal/logging"
)

var (
	cfgFile   string
	debugFlag bool
)

// Build info set from main.
var (
	buildVersion = "dev"
	buildCommit  = "none"
)

// SetVersionInfo sets the version info from build-time ldflags.
func SetVersionInfo(version, commit string) {
	buildVersion = version
	buildCommit = commit
	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("setup-kubesolo version {{.Version}}\ncommit: %s\n", buildCommit))
}

var rootCmd = &cobra.Command{
	Use:   "setup-kubesolo",
	Short: "setup-kubesolo installs KubeSolo on a CI runner",
	Long: "setup-kubesolo provisions a single-node KubeSolo Kubernetes cluster on a\n" +
		"GitHub Actions runner: it neutralizes conflicting container runtimes,\n" +
		"installs KubeSolo as a systemd service, waits for the cluster to become\n" +
		"ready, and publishes the admin kubeconfig to the job. The cleanup command\n" +
		"reverses all of it in the job's post step.",
	SilenceUsage: true,
	// No Run function — prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig assembles the effective configuration: defaults, then action
// inputs from the environment, then the optional config file, then explicit
// CLI flags, highest priority last.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.FromEnvironment()
	if err != nil {
		return config.Config{}, err
	}

	if cfgFile != "" {
		if err := cfg.ApplyFile(cfgFile); err != nil {
			return config.Config{}, err
		}
	}

	applyFlags(cmd, &cfg)

	if debugFlag {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogger configures the process-wide structured logger and returns it.
func setupLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With("component", "setup-kubesolo")
	slog.SetDefault(slog.New(handler))
	logging.SetLogger(logger)
	return logger
}
