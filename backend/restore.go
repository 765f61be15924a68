package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/noidhq/noid/addressing"
	"github.com/noidhq/noid/hypervisor"
	"github.com/noidhq/noid/noiderr"
	"github.com/noidhq/noid/types"
	"github.com/noidhq/noid/utils"
)

// Restore implements spec.md §4.7's restore operation. With asName, it
// clones: a fresh net index/tap/IP is allocated and the source VM (which
// may still be running) is untouched. Without asName, the current VM is
// destroyed in place first and restored under the same name.
func (b *Backend) Restore(ctx context.Context, userID, sourceVMName, ckptID, asName string) (types.VmInfo, error) {
	targetName := asName
	isClone := asName != ""
	if !isClone {
		targetName = sourceVMName
	}

	var result types.VmInfo
	err := b.locks.withVMLockBlocking(userID, targetName, func() error {
		ckpt, err := b.catalog.GetCheckpoint(ctx, userID, sourceVMName, ckptID)
		if err != nil {
			return err
		}

		if isClone {
			if _, err := b.catalog.GetVM(ctx, userID, targetName); err == nil {
				return fmt.Errorf("vm %s/%s: %w", userID, targetName, noiderr.ErrNameConflict)
			} else if !errors.Is(err, noiderr.ErrNotFound) {
				return err
			}
		} else if err := b.destroyLocked(ctx, userID, targetName); err != nil && !errors.Is(err, noiderr.ErrNotFound) {
			return err
		}

		r, err := b.restoreInto(ctx, userID, targetName, sourceVMName, ckpt)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (b *Backend) restoreInto(ctx context.Context, userID, name, sourceVMName string, ckpt *types.Checkpoint) (types.VmInfo, error) {
	logger := log.WithFunc("backend.Restore")

	used, err := b.catalog.UsedNetIndexes(ctx)
	if err != nil {
		return types.VmInfo{}, err
	}
	lease, err := addressing.Allocate(used)
	if err != nil {
		return types.VmInfo{}, err
	}

	vm := &types.VM{
		UserID: userID, Name: name,
		NetIndex: &lease.Index, TapName: lease.TapName, GuestIP: lease.GuestIP,
		HostIP: lease.HostIP, MAC: lease.MAC,
		State: types.VMStateCreating, CreatedAt: time.Now().UTC(),
	}
	// cpus/mem/kernel/rootfs are descriptive only here — the snapshot
	// itself governs what the guest actually runs — but carrying them
	// over from the source record keeps list/info output sensible.
	if src, err := b.catalog.GetVM(ctx, userID, sourceVMName); err == nil {
		vm.CPUs, vm.MemMiB, vm.KernelPath, vm.RootfsPath = src.CPUs, src.MemMiB, src.KernelPath, src.RootfsPath
	}

	if err := b.catalog.InsertVM(ctx, vm); err != nil {
		return types.VmInfo{}, err
	}

	var rollbacks []func()
	fail := func(stage string, cause error) (types.VmInfo, error) {
		logger.Warnf(ctx, "restore %s/%s: rollback after %s: %v", userID, name, stage, cause)
		for i := len(rollbacks) - 1; i >= 0; i-- {
			rollbacks[i]()
		}
		if delErr := b.catalog.DeleteVM(ctx, userID, name); delErr != nil {
			logger.Errorf(ctx, "restore %s/%s: cleanup catalog record after failed %s: %v", userID, name, stage, delErr)
		}
		return types.VmInfo{}, fmt.Errorf("restore %s/%s: %s: %w", userID, name, stage, cause)
	}

	vmDir := b.cfg.VMDir(userID, name)
	if err := b.storage.CloneCheckpointDir(ctx, ckpt.SnapshotDir, vmDir); err != nil {
		return fail("clone checkpoint directory", err)
	}
	rollbacks = append(rollbacks, func() { _ = b.storage.DeleteVMDir(ctx, vmDir) })

	fifoPath := b.cfg.SerialInPath(userID, name)
	if err := b.storage.MakeNamedPipe(ctx, fifoPath); err != nil {
		return fail("recreate named pipe", err)
	}

	networked := true
	tapName, err := b.netd.SetupTap(ctx, lease.Index, userID, name)
	if err != nil {
		logger.Warnf(ctx, "restore %s/%s: netd unreachable, proceeding without networking: %v", userID, name, err)
		networked = false
	} else if tapName != "" && tapName != lease.TapName {
		if err := b.catalog.UpdateVMNetwork(ctx, userID, name, lease.Index, tapName, lease.GuestIP, lease.HostIP, lease.MAC); err != nil {
			logger.Warnf(ctx, "restore %s/%s: record helper-confirmed tap %s: %v", userID, name, tapName, err)
		}
	}
	if networked {
		rollbacks = append(rollbacks, func() { _ = b.netd.TeardownTap(ctx, lease.Index) })
	}

	if err := utils.EnsureDirs(b.cfg.VMRunDir(userID, name)); err != nil {
		return fail("create run dir", err)
	}

	socketPath := b.cfg.VMSocketPath(userID, name)
	pid, err := b.spawn(ctx, hypervisor.SpawnSpec{
		BinaryPath:    b.cfg.FirecrackerBinary,
		SocketPath:    socketPath,
		PIDFile:       b.cfg.VMPIDFile(userID, name),
		LogPath:       b.cfg.VMHypervisorLog(userID, name),
		SerialLogPath: b.cfg.SerialLogPath(userID, name),
		SerialInPath:  fifoPath,
		SocketTimeout: b.cfg.SocketReadyTimeout,
	})
	if err != nil {
		return fail("spawn hypervisor", err)
	}
	rollbacks = append(rollbacks, func() { _ = b.shutdown(pid, b.cfg.ShutdownGrace) })

	hv := b.newHVClient(socketPath)

	// The snapshot's embedded rootfs drive path is the source VM's own
	// rootfs file at the time it was checkpointed. Alias it to this
	// clone's own copy if the source has since been destroyed, so the
	// load can open something; PatchRootfsDrive below then rebinds the
	// drive to the clone's real file regardless (spec §4.5's restore
	// compatibility path, recorded in DESIGN.md's open-question decisions).
	originalRootfsPath := filepath.Join(b.cfg.VMDir(userID, sourceVMName), "rootfs")
	actualRootfsPath := filepath.Join(vmDir, "rootfs")
	if err := hypervisor.EnsureRootfsBackingFile(originalRootfsPath, actualRootfsPath); err != nil {
		return fail("alias rootfs backing file", err)
	}

	memPath := filepath.Join(vmDir, "memory.snap")
	statePath := filepath.Join(vmDir, "vmstate.snap")
	if err := hv.LoadSnapshot(ctx, statePath, memPath); err != nil {
		return fail("load snapshot", err)
	}
	if err := hv.PatchRootfsDrive(ctx, actualRootfsPath); err != nil {
		logger.Warnf(ctx, "restore %s/%s: rebind rootfs drive to own copy: %v", userID, name, err)
	}

	if err := b.catalog.UpdateVMRuntime(ctx, userID, name, pid, socketPath, types.VMStateRunning); err != nil {
		return fail("record runtime state", err)
	}

	b.repairAfterRestore(ctx, fifoPath, b.cfg.SerialLogPath(userID, name), lease.GuestIP, lease.HostIP)

	vm.PID = pid
	vm.SocketPath = socketPath
	vm.State = types.VMStateRunning
	return types.VMInfoFromVM(vm), nil
}
