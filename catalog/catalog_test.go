package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/noidhq/noid/noiderr"
	"github.com/noidhq/noid/types"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	cat, err := Open(context.Background(), filepath.Join(dir, "catalog.lock"), filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	return cat
}

func TestVMCreateListDestroy(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	t.Cleanup(func() { _ = cat.Close(ctx) })

	vm := &types.VM{
		UserID: "u1", Name: "alpha", CPUs: 1, MemMiB: 128,
		KernelPath: "/k", RootfsPath: "/r", SocketPath: "/run/noid/u1/alpha/firecracker.sock",
		State: types.VMStateCreating, CreatedAt: time.Now(),
	}
	if err := cat.InsertVM(ctx, vm); err != nil {
		t.Fatalf("insert vm: %v", err)
	}

	list, err := cat.ListVMs(ctx, "u1")
	if err != nil {
		t.Fatalf("list vms: %v", err)
	}
	if len(list) != 1 || list[0].Name != "alpha" {
		t.Fatalf("unexpected list: %+v", list)
	}

	idx := 0
	if err := cat.UpdateVMNetwork(ctx, "u1", "alpha", idx, "noid0", "172.16.0.2", "172.16.0.1", "aa:fc:00:00:00:00"); err != nil {
		t.Fatalf("update network: %v", err)
	}
	if err := cat.UpdateVMRuntime(ctx, "u1", "alpha", 4242, vm.SocketPath, types.VMStateRunning); err != nil {
		t.Fatalf("update runtime: %v", err)
	}

	got, err := cat.GetVM(ctx, "u1", "alpha")
	if err != nil {
		t.Fatalf("get vm: %v", err)
	}
	if got.State != types.VMStateRunning || got.PID != 4242 || got.TapName != "noid0" {
		t.Fatalf("unexpected vm after updates: %+v", got)
	}
	if got.NetIndex == nil || *got.NetIndex != 0 {
		t.Fatalf("unexpected net index: %+v", got.NetIndex)
	}

	if err := cat.DeleteVM(ctx, "u1", "alpha"); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	list, err = cat.ListVMs(ctx, "u1")
	if err != nil {
		t.Fatalf("list after destroy: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %+v", list)
	}
}

func TestVMNameConflict(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	t.Cleanup(func() { _ = cat.Close(ctx) })

	vm := &types.VM{UserID: "u1", Name: "alpha", CPUs: 1, MemMiB: 128, SocketPath: "/sock", State: types.VMStateCreating, CreatedAt: time.Now()}
	if err := cat.InsertVM(ctx, vm); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := cat.InsertVM(ctx, vm); !errors.Is(err, noiderr.ErrNameConflict) {
		t.Fatalf("expected ErrNameConflict, got %v", err)
	}
}

func TestDestroyIdempotentNotFound(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	t.Cleanup(func() { _ = cat.Close(ctx) })

	if err := cat.DeleteVM(ctx, "u1", "ghost"); !errors.Is(err, noiderr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMultiTenantIsolation(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	t.Cleanup(func() { _ = cat.Close(ctx) })

	for _, user := range []string{"u1", "u2"} {
		vm := &types.VM{UserID: user, Name: "x", CPUs: 1, MemMiB: 128, SocketPath: "/sock", State: types.VMStateCreating, CreatedAt: time.Now()}
		if err := cat.InsertVM(ctx, vm); err != nil {
			t.Fatalf("insert vm for %s: %v", user, err)
		}
	}

	list, err := cat.ListVMs(ctx, "u1")
	if err != nil {
		t.Fatalf("list u1: %v", err)
	}
	if len(list) != 1 || list[0].UserID != "u1" {
		t.Fatalf("expected only u1's vm, got %+v", list)
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	t.Cleanup(func() { _ = cat.Close(ctx) })

	vm := &types.VM{UserID: "u1", Name: "alpha", CPUs: 1, MemMiB: 128, SocketPath: "/sock", State: types.VMStateRunning, CreatedAt: time.Now()}
	if err := cat.InsertVM(ctx, vm); err != nil {
		t.Fatalf("insert vm: %v", err)
	}

	ckpt := &types.Checkpoint{ID: "c1", UserID: "u1", VMName: "alpha", Label: "L", SnapshotDir: "/ck/c1", CreatedAt: time.Now()}
	if err := cat.InsertCheckpoint(ctx, ckpt); err != nil {
		t.Fatalf("insert checkpoint: %v", err)
	}

	list, err := cat.ListCheckpoints(ctx, "u1", "alpha")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(list) != 1 || list[0].ID != "c1" {
		t.Fatalf("unexpected checkpoints: %+v", list)
	}

	got, err := cat.GetCheckpoint(ctx, "u1", "alpha", "c1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if got.Label != "L" {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
}

func TestReopenAppliesNoDuplicateMigrations(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "catalog.lock")
	dbPath := filepath.Join(dir, "catalog.db")

	ctx := context.Background()
	cat, err := Open(ctx, lockPath, dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := cat.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	cat2, err := Open(ctx, lockPath, dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer cat2.Close(ctx) //nolint:errcheck
}

func TestConcurrentOpenFails(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "catalog.lock")
	dbPath := filepath.Join(dir, "catalog.db")

	ctx := context.Background()
	cat, err := Open(ctx, lockPath, dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	defer cat.Close(ctx) //nolint:errcheck

	if _, err := Open(ctx, lockPath, dbPath); err == nil {
		t.Fatalf("expected second open to fail while first holds the lock")
	}
}
