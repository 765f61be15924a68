package storage

import (
	"context"
	"path/filepath"
)

// plainStorage is the fallback backend for filesystems without
// copy-on-write support: directories are normal directories, clones are
// whole-file/recursive copies (spec.md §4.2).
type plainStorage struct{}

var _ Storage = (*plainStorage)(nil)

func (s *plainStorage) CreateVMDir(ctx context.Context, vmDir string) error {
	return mkdirIdempotent(vmDir)
}

func (s *plainStorage) CloneRootfsFromBase(ctx context.Context, baseRootfs, vmDir string) error {
	dest := filepath.Join(vmDir, "rootfs")
	return runCmd(ctx, "cp", baseRootfs, dest)
}

func (s *plainStorage) MakeNamedPipe(ctx context.Context, path string) error {
	return makeNamedPipe(ctx, path)
}

func (s *plainStorage) SnapshotVMDir(ctx context.Context, vmDir, checkpointDir string) error {
	if err := mkdirIdempotent(filepath.Dir(checkpointDir)); err != nil {
		return err
	}
	if err := ensureAbsent(checkpointDir); err != nil {
		return err
	}
	return runCmd(ctx, "cp", "-a", vmDir, checkpointDir)
}

func (s *plainStorage) CloneCheckpointDir(ctx context.Context, checkpointDir, vmDir string) error {
	if err := mkdirIdempotent(filepath.Dir(vmDir)); err != nil {
		return err
	}
	if err := ensureAbsent(vmDir); err != nil {
		return err
	}
	return runCmd(ctx, "cp", "-a", checkpointDir, vmDir)
}

func (s *plainStorage) DeleteVMDir(ctx context.Context, vmDir string) error {
	return deleteDirIdempotent(vmDir)
}

func (s *plainStorage) DeleteCheckpointDir(ctx context.Context, checkpointDir string) error {
	return deleteDirIdempotent(checkpointDir)
}
