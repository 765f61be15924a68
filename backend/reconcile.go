package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noidhq/noid/gc"
	"github.com/noidhq/noid/lock"
	"github.com/noidhq/noid/types"
	"github.com/noidhq/noid/utils"
)

// noopLocker satisfies lock.Locker for reconciliation modules that guard
// no shared resource of their own — each module's actual consistency comes
// from reading the catalog, which serializes itself internally.
type noopLocker struct{}

func (noopLocker) Lock(context.Context) error           { return nil }
func (noopLocker) Unlock(context.Context) error         { return nil }
func (noopLocker) TryLock(context.Context) (bool, error) { return true, nil }

var _ lock.Locker = noopLocker{}

// Reconcile runs the orphan-resource sweep: three independent modules —
// PID liveness, tap ownership, and on-disk directories — registered on a
// gc.Orchestrator in a lock→snapshot→resolve→collect shape.
func (b *Backend) Reconcile(ctx context.Context) error {
	orch := gc.New()
	gc.Register(orch, b.pidModule())
	gc.Register(orch, b.tapModule())
	gc.Register(orch, b.directoryModule())
	return orch.Run(ctx)
}

func (b *Backend) pidModule() gc.Module[[]*types.VM] {
	return gc.Module[[]*types.VM]{
		Name:   "pid",
		Locker: noopLocker{},
		ReadDB: func(ctx context.Context) ([]*types.VM, error) {
			all, err := b.catalog.ListAllVMs(ctx)
			if err != nil {
				return nil, err
			}
			live := all[:0]
			for _, vm := range all {
				if vm.State == types.VMStateRunning || vm.State == types.VMStatePaused {
					live = append(live, vm)
				}
			}
			return live, nil
		},
		Resolve: func(self []*types.VM, _ map[string]any) []string {
			var dead []string
			for _, vm := range self {
				if vm.PID == 0 || !b.isAlive(vm.PID) {
					dead = append(dead, vmKey(vm.UserID, vm.Name))
				}
			}
			return dead
		},
		Collect: func(ctx context.Context, ids []string) error {
			var errs []string
			for _, id := range ids {
				userID, name, ok := splitVMKey(id)
				if !ok {
					continue
				}
				if err := b.catalog.UpdateVMState(ctx, userID, name, types.VMStateDead); err != nil {
					errs = append(errs, fmt.Sprintf("%s: %v", id, err))
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("mark dead: %s", strings.Join(errs, "; "))
			}
			return nil
		},
	}
}

type tapSnapshot struct {
	live map[string]struct{}
	all  []string
}

func (b *Backend) tapModule() gc.Module[tapSnapshot] {
	return gc.Module[tapSnapshot]{
		Name:   "tap",
		Locker: noopLocker{},
		ReadDB: func(ctx context.Context) (tapSnapshot, error) {
			var vms []*types.VM
			var allTaps []string

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				v, err := b.catalog.ListAllVMs(gctx)
				vms = v
				return err
			})
			g.Go(func() error {
				t, err := b.netd.ListOrphans(gctx)
				allTaps = t
				return err
			})
			if err := g.Wait(); err != nil {
				return tapSnapshot{}, err
			}

			live := make(map[string]struct{}, len(vms))
			for _, vm := range vms {
				if vm.TapName != "" {
					live[vm.TapName] = struct{}{}
				}
			}
			return tapSnapshot{live: live, all: allTaps}, nil
		},
		Resolve: func(self tapSnapshot, _ map[string]any) []string {
			var orphans []string
			for _, tap := range self.all {
				if _, ok := self.live[tap]; !ok {
					orphans = append(orphans, tap)
				}
			}
			return orphans
		},
		Collect: func(ctx context.Context, ids []string) error {
			var errs []string
			for _, tap := range ids {
				idx, ok := tapIndex(tap)
				if !ok {
					continue
				}
				if err := b.netd.TeardownTap(ctx, idx); err != nil {
					errs = append(errs, fmt.Sprintf("%s: %v", tap, err))
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("teardown orphan taps: %s", strings.Join(errs, "; "))
			}
			return nil
		},
	}
}

func (b *Backend) directoryModule() gc.Module[[]string] {
	return gc.Module[[]string]{
		Name:   "directory",
		Locker: noopLocker{},
		ReadDB: func(ctx context.Context) ([]string, error) {
			return b.scanOrphanDirs(ctx)
		},
		Resolve: func(self []string, _ map[string]any) []string { return self },
		Collect: func(_ context.Context, ids []string) error {
			var errs []string
			suffix := fmt.Sprintf(".orphan-%d", time.Now().Unix())
			for _, path := range ids {
				if err := os.Rename(path, path+suffix); err != nil && !os.IsNotExist(err) {
					errs = append(errs, fmt.Sprintf("%s: %v", path, err))
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("quarantine orphan directories: %s", strings.Join(errs, "; "))
			}
			return nil
		},
	}
}

// scanOrphanDirs walks every user's vms/ and checkpoints/ trees and
// returns the paths with no matching catalog record, per spec.md §4.8's
// directory reconciliation (quarantine, never delete).
func (b *Backend) scanOrphanDirs(ctx context.Context) ([]string, error) {
	var orphans []string

	for _, userID := range utils.ScanSubdirs(b.cfg.UsersDir()) {
		vmsOnDisk := utils.ScanSubdirs(filepath.Join(b.cfg.UserDir(userID), "vms"))
		knownVMs, err := b.catalog.ListVMs(ctx, userID)
		if err != nil {
			return nil, err
		}
		knownVMNames := make(map[string]struct{}, len(knownVMs))
		for _, vm := range knownVMs {
			knownVMNames[vm.Name] = struct{}{}
		}
		for _, name := range vmsOnDisk {
			if _, ok := knownVMNames[name]; !ok {
				orphans = append(orphans, b.cfg.VMDir(userID, name))
			}
		}

		for _, vmName := range utils.ScanSubdirs(b.cfg.CheckpointsDir(userID, "")) {
			ckptsOnDisk := utils.ScanSubdirs(b.cfg.CheckpointsDir(userID, vmName))
			knownCkpts, err := b.catalog.ListCheckpoints(ctx, userID, vmName)
			if err != nil {
				return nil, err
			}
			knownCkptIDs := make(map[string]struct{}, len(knownCkpts))
			for _, c := range knownCkpts {
				knownCkptIDs[c.ID] = struct{}{}
			}
			for _, id := range ckptsOnDisk {
				if _, ok := knownCkptIDs[id]; !ok {
					orphans = append(orphans, b.cfg.CheckpointDir(userID, vmName, id))
				}
			}
		}
	}
	return orphans, nil
}

func splitVMKey(id string) (userID, name string, ok bool) {
	idx := strings.IndexByte(id, '/')
	if idx < 0 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

// tapIndex recovers the net index addressing.Derive encoded into a tap
// name ("noid<index>"), the inverse of addressing.Lease.TapName.
func tapIndex(tapName string) (int, bool) {
	const prefix = "noid"
	if !strings.HasPrefix(tapName, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(tapName, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}
