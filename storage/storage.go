// Package storage manages the on-disk layout for VM and checkpoint
// directories (spec.md §4.2): two interchangeable backends selected by a
// one-time filesystem probe, copy-on-write where the host supports btrfs
// and whole-file copies everywhere else.
package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/projecteru2/core/log"
	"golang.org/x/sys/unix"

	"github.com/noidhq/noid/noiderr"
)

// Storage is the directory-management surface the backend facade (C7)
// drives. Every destructive operation must be idempotent: an absent target
// is success, not an error (spec.md §4.2).
type Storage interface {
	// CreateVMDir creates the empty persistent directory for a new VM.
	CreateVMDir(ctx context.Context, vmDir string) error
	// CloneRootfsFromBase places a writable rootfs image at
	// filepath.Join(vmDir, "rootfs") derived from baseRootfs.
	CloneRootfsFromBase(ctx context.Context, baseRootfs, vmDir string) error
	// MakeNamedPipe creates the serial.in FIFO at path.
	MakeNamedPipe(ctx context.Context, path string) error
	// SnapshotVMDir captures the whole of vmDir (rootfs, snapshot files and
	// all) into a freshly created checkpointDir.
	SnapshotVMDir(ctx context.Context, vmDir, checkpointDir string) error
	// CloneCheckpointDir materializes a writable VM directory holding a copy
	// of the whole checkpoint directory.
	CloneCheckpointDir(ctx context.Context, checkpointDir, vmDir string) error
	// DeleteVMDir removes a VM directory and everything under it.
	DeleteVMDir(ctx context.Context, vmDir string) error
	// DeleteCheckpointDir removes a checkpoint directory and everything
	// under it.
	DeleteCheckpointDir(ctx context.Context, checkpointDir string) error
}

// Probe inspects root's filesystem type and returns the appropriate
// backend. The probe runs once at process start and its result is cached
// by the caller; it is not re-checked per operation (spec.md's §4.2
// supplement in SPEC_FULL.md).
func Probe(root string) Storage {
	if isBtrfsMounted(root) && btrfsAvailable() {
		return &cowStorage{}
	}
	return &plainStorage{}
}

func btrfsAvailable() bool {
	return exec.Command("btrfs", "--version").Run() == nil //nolint:gosec
}

// isBtrfsMounted runs `stat -f -c %T <root>` and checks for "btrfs",
// matching original_source's storage.rs::is_btrfs_mounted exactly.
func isBtrfsMounted(root string) bool {
	out, err := exec.Command("stat", "-f", "-c", "%T", root).Output() //nolint:gosec
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "btrfs"
}

func runCmd(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(string(out)), noiderr.ErrStorage)
	}
	return nil
}

func ensureAbsent(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, noiderr.ErrStorage)
	}
	return nil
}

func mkdirIdempotent(path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, noiderr.ErrStorage)
	}
	return nil
}

func makeNamedPipe(ctx context.Context, path string) error {
	logger := log.WithFunc("storage.MakeNamedPipe")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale fifo %s: %w", path, noiderr.ErrStorage)
	}
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, noiderr.ErrStorage)
	}
	logger.Infof(ctx, "created named pipe %s", path)
	return nil
}

func deleteDirIdempotent(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete %s: %w", path, noiderr.ErrStorage)
	}
	return nil
}
