package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/noidhq/noid/addressing"
	"github.com/noidhq/noid/hypervisor"
	"github.com/noidhq/noid/noiderr"
	"github.com/noidhq/noid/types"
	"github.com/noidhq/noid/utils"
)

// goldenTemplate describes an eligible host-level boot template, per
// spec.md §4.7's golden-start optimization.
type goldenTemplate struct {
	Dir                string
	SnapshotRootfsPath string
}

// Create implements the transactional create sequence of spec.md §4.7
// step 1-5, taking the per-VM lock for the entire transition.
func (b *Backend) Create(ctx context.Context, userID, name string, cpus, memMiB int, kernelPath, rootfsPath string) (types.VmInfo, error) {
	var result types.VmInfo
	err := b.locks.withVMLockBlocking(userID, name, func() error {
		r, err := b.createLocked(ctx, userID, name, cpus, memMiB, kernelPath, rootfsPath)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (b *Backend) createLocked(ctx context.Context, userID, name string, cpus, memMiB int, kernelPath, rootfsPath string) (types.VmInfo, error) {
	logger := log.WithFunc("backend.Create")

	if _, err := b.catalog.GetVM(ctx, userID, name); err == nil {
		return types.VmInfo{}, fmt.Errorf("vm %s/%s: %w", userID, name, noiderr.ErrNameConflict)
	} else if !errors.Is(err, noiderr.ErrNotFound) {
		return types.VmInfo{}, err
	}

	used, err := b.catalog.UsedNetIndexes(ctx)
	if err != nil {
		return types.VmInfo{}, err
	}
	lease, err := addressing.Allocate(used)
	if err != nil {
		return types.VmInfo{}, err
	}

	vm := &types.VM{
		UserID: userID, Name: name, CPUs: cpus, MemMiB: memMiB,
		KernelPath: kernelPath, RootfsPath: rootfsPath,
		NetIndex: &lease.Index, TapName: lease.TapName, GuestIP: lease.GuestIP,
		HostIP: lease.HostIP, MAC: lease.MAC,
		State: types.VMStateCreating, CreatedAt: time.Now().UTC(),
	}
	if err := b.catalog.InsertVM(ctx, vm); err != nil {
		return types.VmInfo{}, err
	}

	var rollbacks []func()
	fail := func(stage string, cause error) (types.VmInfo, error) {
		logger.Warnf(ctx, "create %s/%s: rollback after %s: %v", userID, name, stage, cause)
		for i := len(rollbacks) - 1; i >= 0; i-- {
			rollbacks[i]()
		}
		if delErr := b.catalog.DeleteVM(ctx, userID, name); delErr != nil {
			logger.Errorf(ctx, "create %s/%s: cleanup catalog record after failed %s: %v", userID, name, stage, delErr)
		}
		return types.VmInfo{}, fmt.Errorf("create %s/%s: %s: %w", userID, name, stage, cause)
	}

	vmDir := b.cfg.VMDir(userID, name)
	golden := b.checkGoldenTemplate(cpus, memMiB)

	if golden != nil {
		if err := b.storage.CloneCheckpointDir(ctx, golden.Dir, vmDir); err != nil {
			return fail("clone golden template", err)
		}
	} else {
		if err := b.storage.CreateVMDir(ctx, vmDir); err != nil {
			return fail("create vm dir", err)
		}
		if err := b.storage.CloneRootfsFromBase(ctx, rootfsPath, vmDir); err != nil {
			return fail("clone rootfs", err)
		}
	}
	rollbacks = append(rollbacks, func() { _ = b.storage.DeleteVMDir(ctx, vmDir) })

	fifoPath := b.cfg.SerialInPath(userID, name)
	if err := b.storage.MakeNamedPipe(ctx, fifoPath); err != nil {
		return fail("create named pipe", err)
	}

	networked := true
	tapName, err := b.netd.SetupTap(ctx, lease.Index, userID, name)
	if err != nil {
		logger.Warnf(ctx, "create %s/%s: netd unreachable, proceeding without networking: %v", userID, name, err)
		networked = false
	} else if tapName != "" && tapName != lease.TapName {
		if err := b.catalog.UpdateVMNetwork(ctx, userID, name, lease.Index, tapName, lease.GuestIP, lease.HostIP, lease.MAC); err != nil {
			logger.Warnf(ctx, "create %s/%s: record helper-confirmed tap %s: %v", userID, name, tapName, err)
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

	if golden != nil {
		actualRootfsPath := filepath.Join(vmDir, "rootfs")
		if err := hypervisor.EnsureRootfsBackingFile(golden.SnapshotRootfsPath, actualRootfsPath); err != nil {
			return fail("alias golden rootfs backing file", err)
		}
		if err := hv.LoadSnapshot(ctx, filepath.Join(vmDir, "vmstate.snap"), filepath.Join(vmDir, "memory.snap")); err != nil {
			return fail("load golden snapshot", err)
		}
		if err := hv.PatchRootfsDrive(ctx, actualRootfsPath); err != nil {
			logger.Warnf(ctx, "create %s/%s: rebind golden-start rootfs drive: %v", userID, name, err)
		}
		b.repairAfterRestore(ctx, fifoPath, b.cfg.SerialLogPath(userID, name), lease.GuestIP, lease.HostIP)
	} else {
		bootCfg := hypervisor.BootConfig{
			CPUs: cpus, MemMiB: memMiB, KernelPath: kernelPath,
			RootfsPath: filepath.Join(vmDir, "rootfs"),
		}
		if networked {
			bootCfg.Net = &hypervisor.NetAttachment{TapName: lease.TapName, MAC: lease.MAC, KernelParam: lease.KernelIPParam()}
		}
		if err := hv.ConfigureAndStart(ctx, bootCfg); err != nil {
			return fail("configure and start", err)
		}
	}

	if err := b.catalog.UpdateVMRuntime(ctx, userID, name, pid, socketPath, types.VMStateRunning); err != nil {
		return fail("record runtime state", err)
	}

	vm.PID = pid
	vm.SocketPath = socketPath
	vm.State = types.VMStateRunning
	return types.VMInfoFromVM(vm), nil
}

// checkGoldenTemplate returns the golden template when it exists and its
// recorded cpus/mem_mib match the request exactly, per spec.md §4.7's
// golden-start optimization. Any read or parse failure is treated as
// "not eligible" rather than an error — the template is a pure optimization.
func (b *Backend) checkGoldenTemplate(cpus, memMiB int) *goldenTemplate {
	dir := b.cfg.GoldenTemplateDir()
	data, err := os.ReadFile(b.cfg.GoldenConfigFile()) //nolint:gosec
	if err != nil {
		return nil
	}
	var cfg struct {
		CPUs               int    `json:"cpus"`
		MemMiB             int    `json:"mem_mib"`
		SnapshotRootfsPath string `json:"snapshot_rootfs_path"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	if cfg.CPUs != cpus || cfg.MemMiB != memMiB {
		return nil
	}
	for _, required := range []string{"memory.snap", "vmstate.snap", "rootfs"} {
		if !utils.ValidFile(filepath.Join(dir, required)) {
			return nil
		}
	}
	return &goldenTemplate{Dir: dir, SnapshotRootfsPath: cfg.SnapshotRootfsPath}
}
