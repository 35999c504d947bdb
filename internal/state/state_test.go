package state

import (
	"context"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestStore_HandoffFlag(t *testing.T) {
	t.Parallel()

	t.Run("flag absent before setup", func(t *testing.T) {
		t.Parallel()
		s := NewStore(t.TempDir(), nil)
		if s.SetupStarted() {
			t.Error("SetupStarted() should be false on a fresh store")
		}
	})

	t.Run("flag survives a second store on the same dir", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()

		setup := NewStore(dir, nil)
		if err := setup.MarkSetupStarted(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// A separate Store models the independent cleanup invocation.
		cleanup := NewStore(dir, nil)
		if !cleanup.SetupStarted() {
			t.Error("SetupStarted() should be true after MarkSetupStarted in another store")
		}
	})

	t.Run("marking twice is idempotent", func(t *testing.T) {
		t.Parallel()
		s := NewStore(t.TempDir(), nil)
		if err := s.MarkSetupStarted(context.Background()); err != nil {
			t.Fatalf("first mark: %v", err)
		}
		if err := s.MarkSetupStarted(context.Background()); err != nil {
			t.Fatalf("second mark: %v", err)
		}
		if !s.SetupStarted() {
			t.Error("flag should remain set")
		}
	})
}

func TestStore_Inventory(t *testing.T) {
	t.Parallel()

	t.Run("zero inventory before any update", func(t *testing.T) {
		t.Parallel()
		s := NewStore(t.TempDir(), nil)
		inv, err := s.ReadInventory()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(inv.BackedUpBinaries) != 0 || len(inv.MaskedServices) != 0 {
			t.Errorf("expected zero inventory, got %+v", inv)
		}
	})

	t.Run("updates accumulate across stores", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()

		s := NewStore(dir, nil)
		err := s.UpdateInventory(context.Background(), func(inv *Inventory) {
			inv.BackedUpBinaries = map[string]string{"/usr/bin/containerd": "/usr/bin/containerd.bak"}
		})
		if err != nil {
			t.Fatalf("first update: %v", err)
		}
		err = s.UpdateInventory(context.Background(), func(inv *Inventory) {
			inv.MaskedServices = append(inv.MaskedServices, "docker.service")
		})
		if err != nil {
			t.Fatalf("second update: %v", err)
		}

		inv, err := NewStore(dir, nil).ReadInventory()
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if inv.BackedUpBinaries["/usr/bin/containerd"] != "/usr/bin/containerd.bak" {
			t.Errorf("binary backup lost: %+v", inv)
		}
		if len(inv.MaskedServices) != 1 || inv.MaskedServices[0] != "docker.service" {
			t.Errorf("masked services = %v", inv.MaskedServices)
		}
	})

	t.Run("concurrent updates are serialized by the lock", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()

		const writers = 8
		g, ctx := errgroup.WithContext(context.Background())
		for i := 0; i < writers; i++ {
			i := i
			g.Go(func() error {
				s := NewStore(dir, nil)
				return s.UpdateInventory(ctx, func(inv *Inventory) {
					inv.MaskedServices = append(inv.MaskedServices, fmt.Sprintf("unit-%d.service", i))
				})
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		inv, err := NewStore(dir, nil).ReadInventory()
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if len(inv.MaskedServices) != writers {
			t.Errorf("got %d entries, want %d (lost update)", len(inv.MaskedServices), writers)
		}
	})
}

func TestStore_Clear(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	if err := s.MarkSetupStarted(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.SetupStarted() {
		t.Error("flag should be gone after Clear")
	}
}
