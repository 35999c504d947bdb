package runtimes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fenio/setup-kubesolo/internal/execx"
	"github.com/fenio/setup-kubesolo/internal/state"
	"github.com/fenio/setup-kubesolo/internal/systemd"
)

// newTestNeutralizer wires a Neutralizer against a fake runner and temp-dir
// state, with binary and socket lists rooted in the test's temp dir.
func newTestNeutralizer(t *testing.T, f *execx.FakeRunner) (*Neutralizer, string) {
	t.Helper()
	dir := t.TempDir()
	n := NewNeutralizer(
		systemd.NewManager(f, nil),
		state.NewStore(filepath.Join(dir, "state"), nil),
		nil,
	)
	n.SetListsForTesting(
		[]string{"docker.service"},
		[]string{filepath.Join(dir, "containerd")},
		[]string{filepath.Join(dir, "docker.sock")},
	)
	return n, dir
}

func TestNeutralize_BacksUpExistingBinary(t *testing.T) {
	t.Parallel()

	f := &execx.FakeRunner{}
	n, dir := newTestNeutralizer(t, f)
	bin := filepath.Join(dir, "containerd")
	if err := os.WriteFile(bin, []byte("#!/bin/true"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := n.Neutralize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(bin); !errors.Is(err, os.ErrNotExist) {
		t.Error("original binary should be gone after backup")
	}
	if _, err := os.Stat(bin + BackupSuffix); err != nil {
		t.Errorf("backup should exist: %v", err)
	}
}

func TestNeutralize_Idempotent(t *testing.T) {
	t.Parallel()

	f := &execx.FakeRunner{}
	n, dir := newTestNeutralizer(t, f)
	bin := filepath.Join(dir, "containerd")
	if err := os.WriteFile(bin, []byte("#!/bin/true"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := n.Neutralize(context.Background()); err != nil {
		t.Fatalf("first neutralize: %v", err)
	}
	if err := n.Neutralize(context.Background()); err != nil {
		t.Fatalf("second neutralize: %v", err)
	}

	// Exactly one backup, and the original stays gone.
	if _, err := os.Stat(bin + BackupSuffix); err != nil {
		t.Errorf("backup should still exist: %v", err)
	}
	if _, err := os.Stat(bin); !errors.Is(err, os.ErrNotExist) {
		t.Error("original should not be resurrected by a second run")
	}
}

func TestNeutralize_ContinuesPastServiceFailures(t *testing.T) {
	t.Parallel()

	f := &execx.FakeRunner{}
	f.Script("systemctl stop docker.service", execx.FakeResponse{
		Result: execx.Result{ExitCode: 1, Stderr: "Job canceled"},
		Err:    errors.New("exit status 1"),
	})
	f.Script("systemctl mask docker.service", execx.FakeResponse{
		Result: execx.Result{ExitCode: 5, Stderr: "Unit docker.service could not be found."},
		Err:    errors.New("exit status 5"),
	})
	n, _ := newTestNeutralizer(t, f)

	if err := n.Neutralize(context.Background()); err != nil {
		t.Fatalf("best-effort neutralize must not fail: %v", err)
	}
}

func TestNeutralize_RemovesSockets(t *testing.T) {
	t.Parallel()

	f := &execx.FakeRunner{}
	n, dir := newTestNeutralizer(t, f)
	sock := filepath.Join(dir, "docker.sock")
	if err := os.WriteFile(sock, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := n.Neutralize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(sock); !errors.Is(err, os.ErrNotExist) {
		t.Error("socket should be removed")
	}
}

func TestRestoreBinaries(t *testing.T) {
	t.Parallel()

	t.Run("round trip restores the original path", func(t *testing.T) {
		t.Parallel()
		f := &execx.FakeRunner{}
		n, dir := newTestNeutralizer(t, f)
		bin := filepath.Join(dir, "containerd")
		if err := os.WriteFile(bin, []byte("#!/bin/true"), 0o755); err != nil {
			t.Fatal(err)
		}

		if err := n.Neutralize(context.Background()); err != nil {
			t.Fatal(err)
		}
		n.RestoreBinaries()

		if _, err := os.Stat(bin); err != nil {
			t.Errorf("binary should be back at its original path: %v", err)
		}
		if _, err := os.Stat(bin + BackupSuffix); !errors.Is(err, os.ErrNotExist) {
			t.Error("no .bak file may remain after restore")
		}
	})

	t.Run("second restore is a no-op", func(t *testing.T) {
		t.Parallel()
		f := &execx.FakeRunner{}
		n, dir := newTestNeutralizer(t, f)
		bin := filepath.Join(dir, "containerd")
		if err := os.WriteFile(bin, []byte("#!/bin/true"), 0o755); err != nil {
			t.Fatal(err)
		}

		if err := n.Neutralize(context.Background()); err != nil {
			t.Fatal(err)
		}
		n.RestoreBinaries()
		n.RestoreBinaries()

		if _, err := os.Stat(bin); err != nil {
			t.Errorf("binary should remain at its original path: %v", err)
		}
	})

	t.Run("restore without backup is a no-op", func(t *testing.T) {
		t.Parallel()
		f := &execx.FakeRunner{}
		n, _ := newTestNeutralizer(t, f)
		n.RestoreBinaries()
	})
}

func TestRevive_StartsAllKnownServices(t *testing.T) {
	t.Parallel()

	f := &execx.FakeRunner{}
	n, _ := newTestNeutralizer(t, f)

	n.Revive(context.Background())

	for _, want := range []string{
		"systemctl unmask docker.service",
		"systemctl start docker.service",
		"systemctl is-active --quiet docker.service",
	} {
		found := false
		for _, call := range f.Calls() {
			if call == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected call %q, got %v", want, f.Calls())
		}
	}
}

func TestRevive_MissingUnitIsWarningOnly(t *testing.T) {
	t.Parallel()

	f := &execx.FakeRunner{}
	f.Script("systemctl start docker.service", execx.FakeResponse{
		Result: execx.Result{ExitCode: 5, Stderr: "Unit docker.service could not be found."},
		Err:    errors.New("exit status 5"),
	})
	n, _ := newTestNeutralizer(t, f)

	// Must not panic or escalate; the warning path is the contract.
	n.Revive(context.Background())
}

func TestNeutralize_RecordsInventory(t *testing.T) {
	t.Parallel()

	f := &execx.FakeRunner{}
	dir := t.TempDir()
	store := state.NewStore(filepath.Join(dir, "state"), nil)
	n := NewNeutralizer(systemd.NewManager(f, nil), store, nil)
	bin := filepath.Join(dir, "containerd")
	n.SetListsForTesting([]string{"docker.service"}, []string{bin}, []string{})
	if err := os.WriteFile(bin, []byte("#!/bin/true"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := n.Neutralize(context.Background()); err != nil {
		t.Fatal(err)
	}

	inv, err := store.ReadInventory()
	if err != nil {
		t.Fatal(err)
	}
	if inv.BackedUpBinaries[bin] != bin+BackupSuffix {
		t.Errorf("inventory missing binary backup: %+v", inv)
	}
	if len(inv.MaskedServices) != 1 || inv.MaskedServices[0] != "docker.service" {
		t.Errorf("inventory masked services = %v", inv.MaskedServices)
	}
}
