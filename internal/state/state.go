// Package state persists the handoff between the setup and cleanup
// invocations of the action.
//
// The two invocations are separate process lifetimes that share no memory;
// everything cleanup may rely on must live on disk. The store keeps two
// artifacts in its directory: a bare flag file recording that setup ran, and
// a JSON inventory of the mutations setup performed. Mutating operations are
// serialized through a flock on a companion lock file, so a setup process
// that overlaps an unrelated invocation (e.g. a manual run next to a
// workflow) cannot interleave writes.
//
// Cleanup uses the flag to decide whether to act at all, and the inventory
// only for reporting: the restore steps rediscover the actual facts (backup
// files present, unit file present) from the filesystem and service manager.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/fenio/setup-kubesolo/internal/fileutil"
	"github.com/fenio/setup-kubesolo/internal/logging"
)

// DefaultDir is the state directory used when SETUP_KUBESOLO_STATE_DIR is
// unset.
const DefaultDir = "/var/lib/setup-kubesolo-state"

// lockRetryInterval is the interval between lock acquisition attempts.
const lockRetryInterval = 50 * time.Millisecond

const (
	flagFileName      = "setup-started"
	inventoryFileName = "inventory.json"
	lockFileName      = "state.lock"
)

// Inventory records what the setup phase touched, for cleanup reporting.
type Inventory struct {
	// BackedUpBinaries maps original executable paths to their backup paths.
	BackedUpBinaries map[string]string `json:"backed_up_binaries,omitempty"`

	// MaskedServices lists conflicting units that were stopped and masked.
	MaskedServices []string `json:"masked_services,omitempty"`

	// CreatedPaths lists files and directories created by the installer.
	CreatedPaths []string `json:"created_paths,omitempty"`
}

// Store reads and writes durable handoff state rooted at a directory.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore creates a Store rooted at dir. An empty dir selects
// SETUP_KUBESOLO_STATE_DIR, falling back to DefaultDir. A nil logger falls
// back to logging.Logger().
func NewStore(dir string, log *slog.Logger) *Store {
	if dir == "" {
		dir = os.Getenv("SETUP_KUBESOLO_STATE_DIR")
	}
	if dir == "" {
		dir = DefaultDir
	}
	if log == nil {
		log = logging.Logger()
	}
	return &Store{dir: dir, log: log}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// MarkSetupStarted durably records that the setup phase has begun. Setup
// calls this before its first destructive step, so a later cleanup always
// acts even when setup failed partway.
func (s *Store) MarkSetupStarted(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		path := filepath.Join(s.dir, flagFileName)
		if err := os.WriteFile(path, []byte("true\n"), 0o644); err != nil {
			return fmt.Errorf("write handoff flag %s: %w", path, err)
		}
		return nil
	})
}

// SetupStarted reports whether a previous invocation marked setup as
// started. A missing state directory reads as false.
func (s *Store) SetupStarted() bool {
	_, err := os.Stat(filepath.Join(s.dir, flagFileName))
	return err == nil
}

// UpdateInventory applies fn to the current inventory under the lock and
// persists the result. The zero Inventory is passed to fn when none has been
// written yet.
func (s *Store) UpdateInventory(ctx context.Context, fn func(*Inventory)) error {
	return s.withLock(ctx, func() error {
		inv, err := s.readInventory()
		if err != nil {
			return err
		}
		fn(inv)

		data, err := json.MarshalIndent(inv, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal inventory: %w", err)
		}
		path := filepath.Join(s.dir, inventoryFileName)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write inventory %s: %w", path, err)
		}
		return nil
	})
}

// ReadInventory returns the persisted inventory, or a zero Inventory when
// none exists.
func (s *Store) ReadInventory() (*Inventory, error) {
	return s.readInventory()
}

func (s *Store) readInventory() (*Inventory, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, inventoryFileName))
	if errors.Is(err, os.ErrNotExist) {
		return &Inventory{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var inv Inventory
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	return &inv, nil
}

// Clear removes the state directory. Called at the end of a successful
// cleanup so a later job on a persistent runner starts from a clean slate.
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove state dir %s: %w", s.dir, err)
	}
	return nil
}

// withLock runs fn while holding an exclusive flock on the store's lock
// file. The lock file is left on disk after release: removing it would race
// with another process that just acquired a lock on the same inode.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	if err := fileutil.EnsureDir(s.dir); err != nil {
		return err
	}

	lockPath := filepath.Join(s.dir, lockFileName)
	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquire state lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("acquire state lock %s: lock not acquired", lockPath)
	}
	defer func() {
		if closeErr := fl.Close(); closeErr != nil {
			s.log.Debug("release state lock", "path", lockPath, "error", closeErr)
		}
	}()

	return fn()
}
