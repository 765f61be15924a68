package gc

import (
	"context"

	"github.com/noidhq/noid/lock"
)

// Module describes one reconciliation source registered with an
// Orchestrator. S is the module's snapshot type: whatever readSnapshot
// captures under lock, for Resolve to compare against the other modules'
// snapshots.
type Module[S any] struct {
	// Name identifies the module in logs and in the cross-module snapshot map
	// passed to Resolve.
	Name string
	// Locker guards the resource this module reconciles. Held for the whole
	// GC cycle, not just ReadDB.
	Locker lock.Locker
	// ReadDB captures a point-in-time view of what this module believes
	// exists on disk or in the process table.
	ReadDB func(ctx context.Context) (S, error)
	// Resolve compares this module's own snapshot against every module's
	// snapshot (keyed by Name) and returns the IDs it wants collected.
	Resolve func(self S, all map[string]any) []string
	// Collect removes the resources named by ids.
	Collect func(ctx context.Context, ids []string) error
}

// moduleRunner adapts a Module[S] to the package-private runner interface so
// Orchestrator can hold heterogeneous modules in one slice.
type moduleRunner[S any] struct {
	m Module[S]
}

func (r moduleRunner[S]) getName() string        { return r.m.Name }
func (r moduleRunner[S]) getLocker() lock.Locker { return r.m.Locker }

func (r moduleRunner[S]) readSnapshot(ctx context.Context) (any, error) {
	return r.m.ReadDB(ctx)
}

func (r moduleRunner[S]) resolveTargets(snap any, others map[string]any) []string {
	typed, ok := snap.(S)
	if !ok {
		return nil
	}
	return r.m.Resolve(typed, others)
}

func (r moduleRunner[S]) collect(ctx context.Context, ids []string) error {
	return r.m.Collect(ctx, ids)
}
