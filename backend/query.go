package backend

import (
	"context"

	"github.com/noidhq/noid/types"
)

// List implements spec.md §4.7's list operation. Read-only; it does not
// take the per-VM lock.
func (b *Backend) List(ctx context.Context, userID string) ([]types.VmInfo, error) {
	vms, err := b.catalog.ListVMs(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]types.VmInfo, len(vms))
	for i, vm := range vms {
		out[i] = types.VMInfoFromVM(vm)
	}
	return out, nil
}

// Info implements spec.md §4.7's info operation.
func (b *Backend) Info(ctx context.Context, userID, name string) (types.VmInfo, error) {
	vm, err := b.catalog.GetVM(ctx, userID, name)
	if err != nil {
		return types.VmInfo{}, err
	}
	return types.VMInfoFromVM(vm), nil
}

// ListCheckpoints implements spec.md §4.7's list_checkpoints operation.
func (b *Backend) ListCheckpoints(ctx context.Context, userID, name string) ([]types.CheckpointInfo, error) {
	ckpts, err := b.catalog.ListCheckpoints(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	out := make([]types.CheckpointInfo, len(ckpts))
	for i, c := range ckpts {
		out[i] = types.CheckpointInfoFromCheckpoint(c)
	}
	return out, nil
}
