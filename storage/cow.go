package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/noidhq/noid/noiderr"
)

// cowStorage is the copy-on-write backend: VM and checkpoint directories
// are btrfs subvolumes, and cloning is a reflink or subvolume snapshot
// instead of a byte copy (spec.md §4.2, grounded on original_source's
// storage.rs).
type cowStorage struct{}

var _ Storage = (*cowStorage)(nil)

func (s *cowStorage) CreateVMDir(ctx context.Context, vmDir string) error {
	if _, err := os.Stat(vmDir); err == nil {
		return nil // already exists: idempotent
	}
	if err := mkdirIdempotent(filepath.Dir(vmDir)); err != nil {
		return err
	}
	return runCmd(ctx, "btrfs", "subvolume", "create", vmDir)
}

func (s *cowStorage) CloneRootfsFromBase(ctx context.Context, baseRootfs, vmDir string) error {
	dest := filepath.Join(vmDir, "rootfs")
	return runCmd(ctx, "cp", "--reflink=auto", baseRootfs, dest)
}

func (s *cowStorage) MakeNamedPipe(ctx context.Context, path string) error {
	return makeNamedPipe(ctx, path)
}

func (s *cowStorage) SnapshotVMDir(ctx context.Context, vmDir, checkpointDir string) error {
	if err := mkdirIdempotent(filepath.Dir(checkpointDir)); err != nil {
		return err
	}
	if err := ensureAbsent(checkpointDir); err != nil {
		return err
	}
	return runCmd(ctx, "btrfs", "subvolume", "snapshot", "-r", vmDir, checkpointDir)
}

func (s *cowStorage) CloneCheckpointDir(ctx context.Context, checkpointDir, vmDir string) error {
	if err := mkdirIdempotent(filepath.Dir(vmDir)); err != nil {
		return err
	}
	if err := ensureAbsent(vmDir); err != nil {
		return err
	}
	return runCmd(ctx, "btrfs", "subvolume", "snapshot", checkpointDir, vmDir)
}

func (s *cowStorage) DeleteVMDir(ctx context.Context, vmDir string) error {
	return deleteSubvolume(ctx, vmDir)
}

func (s *cowStorage) DeleteCheckpointDir(ctx context.Context, checkpointDir string) error {
	return deleteSubvolume(ctx, checkpointDir)
}

func deleteSubvolume(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := runCmd(ctx, "btrfs", "subvolume", "delete", path); err != nil {
		return fmt.Errorf("delete subvolume %s: %w", path, noiderr.ErrStorage)
	}
	return nil
}
