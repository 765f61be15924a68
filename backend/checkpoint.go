package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/noidhq/noid/noiderr"
	"github.com/noidhq/noid/types"
)

// Checkpoint implements spec.md §4.7's checkpoint sequence: pause, snapshot
// to a staging path inside the VM directory, copy the whole directory to
// the checkpoint directory, resume, record. Resume is always attempted
// before returning an error once pause has succeeded, so a failed
// checkpoint never leaves the VM paused (spec.md §8).
func (b *Backend) Checkpoint(ctx context.Context, userID, name, label string) (types.CheckpointInfo, error) {
	var result types.CheckpointInfo
	err := b.locks.withVMLockBusy(userID, name, func() error {
		r, err := b.checkpointLocked(ctx, userID, name, label)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (b *Backend) checkpointLocked(ctx context.Context, userID, name, label string) (types.CheckpointInfo, error) {
	logger := log.WithFunc("backend.Checkpoint")

	vm, err := b.catalog.GetVM(ctx, userID, name)
	if err != nil {
		return types.CheckpointInfo{}, err
	}
	if vm.State != types.VMStateRunning {
		return types.CheckpointInfo{}, fmt.Errorf("vm %s/%s: %w", userID, name, noiderr.ErrNotRunning)
	}

	hv := b.newHVClient(vm.SocketPath)
	if err := hv.Pause(ctx); err != nil {
		return types.CheckpointInfo{}, fmt.Errorf("checkpoint %s/%s: pause: %w", userID, name, err)
	}
	if err := b.catalog.UpdateVMState(ctx, userID, name, types.VMStatePaused); err != nil {
		b.resumeBestEffort(ctx, hv, userID, name)
		return types.CheckpointInfo{}, err
	}

	vmDir := b.cfg.VMDir(userID, name)
	memPath := filepath.Join(vmDir, "memory.snap")
	statePath := filepath.Join(vmDir, "vmstate.snap")

	fail := func(stage string, cause error) (types.CheckpointInfo, error) {
		b.resumeBestEffort(ctx, hv, userID, name)
		return types.CheckpointInfo{}, fmt.Errorf("checkpoint %s/%s: %s: %w", userID, name, stage, cause)
	}

	if err := hv.CreateSnapshot(ctx, statePath, memPath); err != nil {
		return fail("create snapshot", err)
	}

	ckptID := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	ckptDir := b.cfg.CheckpointDir(userID, name, ckptID)
	if err := b.storage.SnapshotVMDir(ctx, vmDir, ckptDir); err != nil {
		return fail("snapshot vm directory", err)
	}

	for _, staged := range []string{memPath, statePath} {
		if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
			logger.Warnf(ctx, "checkpoint %s/%s: remove staged %s: %v", userID, name, staged, err)
		}
	}

	if err := hv.Resume(ctx); err != nil {
		return types.CheckpointInfo{}, fmt.Errorf("checkpoint %s/%s: resume after snapshot: %w", userID, name, err)
	}
	if err := b.catalog.UpdateVMState(ctx, userID, name, types.VMStateRunning); err != nil {
		return types.CheckpointInfo{}, err
	}

	ckpt := &types.Checkpoint{
		ID: ckptID, UserID: userID, VMName: name, Label: label,
		SnapshotDir: ckptDir, CreatedAt: time.Now().UTC(),
	}
	if err := b.catalog.InsertCheckpoint(ctx, ckpt); err != nil {
		return types.CheckpointInfo{}, err
	}
	return types.CheckpointInfoFromCheckpoint(ckpt), nil
}

func (b *Backend) resumeBestEffort(ctx context.Context, hv hypervisorClient, userID, name string) {
	logger := log.WithFunc("backend.Checkpoint")
	if err := hv.Resume(ctx); err != nil {
		logger.Errorf(ctx, err, "checkpoint %s/%s: resume after failed snapshot", userID, name)
		return
	}
	if err := b.catalog.UpdateVMState(ctx, userID, name, types.VMStateRunning); err != nil {
		logger.Errorf(ctx, "checkpoint %s/%s: record resumed state: %v", userID, name, err)
	}
}
