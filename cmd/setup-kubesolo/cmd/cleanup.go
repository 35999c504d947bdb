package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fenio/setup-kubesolo/internal/config"
	"github.com/fenio/setup-kubesolo/internal/controller"
	"github.com/fenio/setup-kubesolo/internal/ghaction"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove KubeSolo and restore the host",
	Long: "Remove the KubeSolo service, binary, and data, and restore the container\n" +
		"runtimes that setup moved aside. Does nothing when setup never ran on\n" +
		"this host. Runs in the job's post step and never fails the job: every\n" +
		"problem is reported as a warning.",
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	// A broken configuration must not stop the teardown; fall back to
	// defaults and keep going.
	cfg, err := loadConfig(cmd)
	if err != nil {
		ghaction.Warningf("setup-kubesolo cleanup: using defaults: %v", err)
		cfg = config.Default()
	}
	logger := setupLogger(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := controller.New(cfg, nil, logger).Cleanup(ctx); err != nil {
		ghaction.Warningf("setup-kubesolo cleanup: %v", err)
	}
	return nil
}
