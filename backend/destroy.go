package backend

import (
	"context"
	"errors"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/noidhq/noid/noiderr"
)

// Destroy implements spec.md §4.7's destroy operation. Idempotent: a
// second call after the VM record is gone returns ErrNotFound, never a
// storage error (spec.md §8's idempotent-destroy invariant).
func (b *Backend) Destroy(ctx context.Context, userID, name string) error {
	return b.locks.withVMLockBlocking(userID, name, func() error {
		return b.destroyLocked(ctx, userID, name)
	})
}

// destroyLocked assumes the caller already holds the (userID, name) lock.
// It is also used by in-place Restore to tear down the old VM before
// recreating it under the same name.
func (b *Backend) destroyLocked(ctx context.Context, userID, name string) error {
	logger := log.WithFunc("backend.Destroy")

	vm, err := b.catalog.GetVM(ctx, userID, name)
	if err != nil {
		return err
	}

	if vm.PID != 0 && b.isAlive(vm.PID) {
		if err := b.shutdown(vm.PID, b.cfg.ShutdownGrace); err != nil {
			logger.Warnf(ctx, "destroy %s/%s: shutdown pid %d: %v", userID, name, vm.PID, err)
		}
	}

	if vm.NetIndex != nil {
		if err := b.netd.TeardownTap(ctx, *vm.NetIndex); err != nil {
			logger.Warnf(ctx, "destroy %s/%s: teardown tap: %v", userID, name, err)
		}
	}

	if err := b.storage.DeleteVMDir(ctx, b.cfg.VMDir(userID, name)); err != nil {
		return err
	}
	if err := os.RemoveAll(b.cfg.VMRunDir(userID, name)); err != nil {
		logger.Warnf(ctx, "destroy %s/%s: remove run dir: %v", userID, name, err)
	}

	if err := b.catalog.DeleteVM(ctx, userID, name); err != nil && !errors.Is(err, noiderr.ErrNotFound) {
		return err
	}
	return nil
}
