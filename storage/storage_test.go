package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// The copy-on-write backend requires an actual btrfs filesystem and is not
// exercised here; these tests cover the plain backend, which Probe selects
// whenever the storage root isn't btrfs (the common case in CI and in most
// single-disk deployments).

func TestPlainBackendVMLifecycle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := &plainStorage{}

	base := filepath.Join(root, "base-rootfs")
	if err := os.WriteFile(base, []byte("base image bytes"), 0o600); err != nil {
		t.Fatalf("write base rootfs: %v", err)
	}

	vmDir := filepath.Join(root, "vm")
	if err := s.CreateVMDir(ctx, vmDir); err != nil {
		t.Fatalf("create vm dir: %v", err)
	}
	if err := s.CloneRootfsFromBase(ctx, base, vmDir); err != nil {
		t.Fatalf("clone rootfs: %v", err)
	}

	rootfsPath := filepath.Join(vmDir, "rootfs")
	data, err := os.ReadFile(rootfsPath)
	if err != nil {
		t.Fatalf("read cloned rootfs: %v", err)
	}
	if string(data) != "base image bytes" {
		t.Fatalf("unexpected rootfs contents: %q", data)
	}

	fifoPath := filepath.Join(vmDir, "serial.in")
	if err := s.MakeNamedPipe(ctx, fifoPath); err != nil {
		t.Fatalf("make named pipe: %v", err)
	}
	info, err := os.Stat(fifoPath)
	if err != nil {
		t.Fatalf("stat fifo: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("expected named pipe at %s, got mode %v", fifoPath, info.Mode())
	}

	if err := s.DeleteVMDir(ctx, vmDir); err != nil {
		t.Fatalf("delete vm dir: %v", err)
	}
	if _, err := os.Stat(vmDir); !os.IsNotExist(err) {
		t.Fatalf("expected vm dir removed, stat err = %v", err)
	}

	// Idempotent: deleting again must succeed.
	if err := s.DeleteVMDir(ctx, vmDir); err != nil {
		t.Fatalf("delete vm dir again: %v", err)
	}
}

func TestPlainBackendCheckpointRoundtrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := &plainStorage{}

	vmDir := filepath.Join(root, "vm")
	if err := s.CreateVMDir(ctx, vmDir); err != nil {
		t.Fatalf("create vm dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(vmDir, "rootfs"), []byte("rootfs-bytes"), 0o600); err != nil {
		t.Fatalf("seed rootfs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(vmDir, "memory.snap"), []byte("mem"), 0o600); err != nil {
		t.Fatalf("seed memory.snap: %v", err)
	}
	if err := os.WriteFile(filepath.Join(vmDir, "vmstate.snap"), []byte("vmstate"), 0o600); err != nil {
		t.Fatalf("seed vmstate.snap: %v", err)
	}

	ckptDir := filepath.Join(root, "checkpoints", "c1")
	if err := s.SnapshotVMDir(ctx, vmDir, ckptDir); err != nil {
		t.Fatalf("snapshot vm dir: %v", err)
	}
	for _, name := range []string{"rootfs", "memory.snap", "vmstate.snap"} {
		if _, err := os.Stat(filepath.Join(ckptDir, name)); err != nil {
			t.Fatalf("expected %s in checkpoint dir: %v", name, err)
		}
	}

	restoredDir := filepath.Join(root, "restored-vm")
	if err := s.CloneCheckpointDir(ctx, ckptDir, restoredDir); err != nil {
		t.Fatalf("clone checkpoint dir: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(restoredDir, "rootfs"))
	if err != nil {
		t.Fatalf("read restored rootfs: %v", err)
	}
	if string(data) != "rootfs-bytes" {
		t.Fatalf("unexpected restored rootfs: %q", data)
	}

	if err := s.DeleteCheckpointDir(ctx, ckptDir); err != nil {
		t.Fatalf("delete checkpoint dir: %v", err)
	}
	if err := s.DeleteCheckpointDir(ctx, ckptDir); err != nil {
		t.Fatalf("delete checkpoint dir again: %v", err)
	}
}
