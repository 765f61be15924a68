package hypervisor

import (
	"context"
	"fmt"
	"os"

	"github.com/noidhq/noid/noiderr"
)

// Pause transitions a running VM to Paused via PATCH /vm.
func (c *Client) Pause(ctx context.Context) error {
	return c.Patch(ctx, "/vm", map[string]any{"state": "Paused"})
}

// Resume transitions a paused VM back to Running via PATCH /vm.
func (c *Client) Resume(ctx context.Context) error {
	return c.Patch(ctx, "/vm", map[string]any{"state": "Resumed"})
}

// CreateSnapshot issues PUT /snapshot/create, writing the paused VM's full
// memory and device/CPU state to the given paths (spec.md §4.5).
func (c *Client) CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string) error {
	return c.Put(ctx, "/snapshot/create", map[string]any{
		"snapshot_type": "Full",
		"snapshot_path": snapshotPath,
		"mem_file_path": memFilePath,
	})
}

// LoadSnapshot issues PUT /snapshot/load on a freshly spawned hypervisor,
// using the mem_backend object form (not a flat mem_file_path) per
// SPEC_FULL.md's resolution of spec §9's first open question, grounded on
// original_source/crates/noid-core/src/vm.rs::load_fc_snapshot.
func (c *Client) LoadSnapshot(ctx context.Context, snapshotPath, memFilePath string) error {
	return c.Put(ctx, "/snapshot/load", map[string]any{
		"snapshot_path": snapshotPath,
		"mem_backend": map[string]any{
			"backend_path": memFilePath,
			"backend_type": "File",
		},
		"enable_diff_snapshots": false,
		"resume_vm":             true,
	})
}

// EnsureRootfsBackingFile makes backingPath exist by symlinking it to
// actualRootfsPath when it does not, so a snapshot load whose embedded
// drive path names a missing file can open something. The symlink is only
// created inside a directory that still exists: when backingPath's parent
// directory is gone too (the template VM's whole directory was deleted),
// the symlink fails and an ErrStorage error is returned. Callers rebind
// the drive with PatchRootfsDrive after the load (spec.md §4.5).
func EnsureRootfsBackingFile(backingPath, actualRootfsPath string) error {
	if _, err := os.Stat(backingPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat backing file %s: %w", backingPath, noiderr.ErrStorage)
	}

	if err := os.Symlink(actualRootfsPath, backingPath); err != nil {
		return fmt.Errorf("alias backing file %s -> %s: %w", backingPath, actualRootfsPath, noiderr.ErrStorage)
	}
	return nil
}
