package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenio/setup-kubesolo/internal/config"
	"github.com/fenio/setup-kubesolo/internal/controller"
	"github.com/fenio/setup-kubesolo/internal/ghaction"
)

var (
	versionFlag      string
	waitForReadyFlag bool
	timeoutFlag      int
	dnsReadinessFlag bool
	storagePathFlag  string
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Install KubeSolo and wait for the cluster to become ready",
	Long: "Install KubeSolo as a systemd service on this host. Conflicting container\n" +
		"runtimes are stopped and moved aside first, and the admin kubeconfig is\n" +
		"published as a step output and as KUBECONFIG once the install completes.",
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().StringVar(&versionFlag, "version", config.DefaultVersion, "KubeSolo release to install, or \"latest\"")
	setupCmd.Flags().BoolVar(&waitForReadyFlag, "wait-for-ready", config.DefaultWaitForReady, "block until the cluster is ready")
	setupCmd.Flags().IntVar(&timeoutFlag, "timeout", int(config.DefaultTimeout/time.Second), "readiness timeout in seconds")
	setupCmd.Flags().BoolVar(&dnsReadinessFlag, "dns-readiness", config.DefaultDNSReadiness, "verify in-cluster DNS after the cluster is ready")
	setupCmd.Flags().StringVar(&storagePathFlag, "local-storage-shared-path", "", "shared path for KubeSolo's local storage provisioner")
	rootCmd.AddCommand(setupCmd)
}

// applyFlags overlays explicitly set CLI flags onto cfg. Flags left at their
// defaults do not override action inputs or the config file.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("version") {
		cfg.Version = versionFlag
	}
	if cmd.Flags().Changed("wait-for-ready") {
		cfg.WaitForReady = waitForReadyFlag
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout = time.Duration(timeoutFlag) * time.Second
	}
	if cmd.Flags().Changed("dns-readiness") {
		cfg.DNSReadiness = dnsReadinessFlag
	}
	if cmd.Flags().Changed("local-storage-shared-path") {
		cfg.LocalStorageSharedPath = storagePathFlag
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		ghaction.Errorf("setup-kubesolo: %v", err)
		return err
	}
	logger := setupLogger(cfg.Debug)

	logger.Info("starting setup",
		"version", cfg.Version,
		"wait_for_ready", cfg.WaitForReady,
		"timeout", cfg.Timeout,
		"binary_version", buildVersion)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := controller.New(cfg, nil, logger).Setup(ctx); err != nil {
		ghaction.Errorf("setup-kubesolo: %v", err)
		return err
	}
	return nil
}
