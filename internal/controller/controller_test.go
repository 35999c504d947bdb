package controller

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fenio/setup-kubesolo/internal/cleanup"
	"github.com/fenio/setup-kubesolo/internal/config"
	"github.com/fenio/setup-kubesolo/internal/execx"
	"github.com/fenio/setup-kubesolo/internal/state"
)

// newTestController builds a controller with a fake runner, a temp state
// dir, a temp install layout, and release servers serving a valid artifact.
func newTestController(t *testing.T, cfg config.Config) (*Controller, *execx.FakeRunner) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SETUP_KUBESOLO_STATE_DIR", filepath.Join(dir, "state"))

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("#!/bin/true\n")
	if err := tw.WriteHeader(&tar.Header{Name: "kubesolo", Mode: 0o755, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "releases/latest") {
			_, _ = w.Write([]byte(`{"tag_name": "v1.0.5"}`))
			return
		}
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)

	f := &execx.FakeRunner{}
	f.Script("uname -m", execx.FakeResponse{Result: execx.Result{Stdout: "x86_64\n"}})

	c := New(cfg, f, nil)
	inst := c.Installer()
	inst.BinaryPath = filepath.Join(dir, "bin", "kubesolo")
	inst.DataDir = filepath.Join(dir, "data")
	inst.UnitPath = filepath.Join(dir, "system", "kubesolo.service")
	inst.SetEndpointsForTesting(srv.URL, srv.URL, nil)
	c.Neutralizer().SetListsForTesting([]string{"docker.service"}, []string{}, []string{})
	c.SetCleanupTuningForTesting(func(full *cleanup.FullRestoreCleanup) {
		full.ExtraDirs = nil
		full.Port = 0
	})
	return c, f
}

func TestSetup_FullSequence(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "output")
	envFile := filepath.Join(t.TempDir(), "env")
	stateFile := filepath.Join(t.TempDir(), "ghstate")
	t.Setenv("GITHUB_OUTPUT", outputFile)
	t.Setenv("GITHUB_ENV", envFile)
	t.Setenv("GITHUB_STATE", stateFile)

	c, f := newTestController(t, config.Default())

	var waited, dnsChecked bool
	c.SetPhasesForTesting(
		func(context.Context, time.Duration) error { waited = true; return nil },
		func(context.Context) error { dnsChecked = true; return nil })

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !waited {
		t.Error("readiness wait did not run")
	}
	if !dnsChecked {
		t.Error("dns check did not run")
	}

	// Handoff recorded on disk and mirrored to job state.
	store := state.NewStore("", nil)
	if !store.SetupStarted() {
		t.Error("handoff flag not persisted")
	}
	ghState, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(ghState), "setup_started=true") {
		t.Errorf("job state missing handoff mirror: %q", ghState)
	}

	// Conflicting runtime neutralized, service installed and activated.
	if f.CallCount("systemctl mask docker.service") != 1 {
		t.Error("conflicting service not masked")
	}
	if f.CallCount("systemctl enable --now kubesolo") != 1 {
		t.Error("service not activated")
	}

	// Kubeconfig published as output and exported as KUBECONFIG.
	wantPath := filepath.Join(c.Installer().DataDir, "pki", "admin", "admin.kubeconfig")
	output, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(output), "kubeconfig="+wantPath) {
		t.Errorf("output file missing kubeconfig: %q", output)
	}
	env, err := os.ReadFile(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(env), "KUBECONFIG="+wantPath) {
		t.Errorf("env file missing KUBECONFIG: %q", env)
	}
}

func TestSetup_SkipsReadinessWhenDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.WaitForReady = false
	c, _ := newTestController(t, cfg)

	c.SetPhasesForTesting(
		func(context.Context, time.Duration) error { t.Error("readiness wait must not run"); return nil },
		func(context.Context) error { t.Error("dns check must not run"); return nil })

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSetup_SkipsDNSWhenDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.DNSReadiness = false
	c, _ := newTestController(t, cfg)

	c.SetPhasesForTesting(
		func(context.Context, time.Duration) error { return nil },
		func(context.Context) error { t.Error("dns check must not run"); return nil })

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSetup_PublishesKubeconfigEvenWhenReadinessFails(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "output")
	t.Setenv("GITHUB_OUTPUT", outputFile)

	c, _ := newTestController(t, config.Default())

	wantErr := errors.New("never became ready")
	c.SetPhasesForTesting(
		func(context.Context, time.Duration) error { return wantErr },
		func(context.Context) error { t.Error("dns check must not run after a readiness failure"); return nil })

	if err := c.Setup(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want the readiness failure", err)
	}

	output, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(output), "kubeconfig=") {
		t.Error("kubeconfig output must be published despite the readiness failure")
	}
}

func TestSetup_PassesStorageFlagToInstaller(t *testing.T) {
	cfg := config.Default()
	cfg.LocalStorageSharedPath = "/mnt/shared"
	c, _ := newTestController(t, cfg)

	found := false
	for _, flag := range c.Installer().ExtraFlags {
		if flag == "--local-storage-shared-path=/mnt/shared" {
			found = true
		}
	}
	if !found {
		t.Errorf("installer flags = %v, want the storage flag", c.Installer().ExtraFlags)
	}
}

func TestCleanup_StrategySelection(t *testing.T) {
	t.Run("nothing runs without the handoff", func(t *testing.T) {
		c, f := newTestController(t, config.Default())

		if err := c.Cleanup(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n := f.CallCount("systemctl stop kubesolo"); n != 0 {
			t.Errorf("service stopped %d times without a handoff flag", n)
		}
	})

	t.Run("on-disk flag triggers the full restore", func(t *testing.T) {
		c, f := newTestController(t, config.Default())
		if err := state.NewStore("", nil).MarkSetupStarted(context.Background()); err != nil {
			t.Fatal(err)
		}

		if err := c.Cleanup(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.CallCount("systemctl stop kubesolo") != 1 {
			t.Error("full restore did not stop the service")
		}
	})

	t.Run("mirrored job state alone triggers the full restore", func(t *testing.T) {
		c, f := newTestController(t, config.Default())
		t.Setenv("STATE_setup_started", "true")

		if err := c.Cleanup(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.CallCount("systemctl stop kubesolo") != 1 {
			t.Error("full restore did not stop the service")
		}
	})
}
