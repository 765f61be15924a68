// Package backend implements the single operation surface external
// callers drive (spec.md §4.7): create, destroy, list, info, exec,
// console_attach, checkpoint, list_checkpoints, restore, plus the
// orphan-sweep reconciliation pass. It is the one package that wires
// together the catalog, storage, addressing, netd client, and hypervisor
// driver into transactional, per-VM-locked operations.
package backend

import (
	"context"
	"time"

	"github.com/noidhq/noid/catalog"
	"github.com/noidhq/noid/config"
	"github.com/noidhq/noid/hypervisor"
	"github.com/noidhq/noid/storage"
)

// netdClient is the subset of netd.Client the facade drives. Narrowed to
// an interface so tests can substitute a fake helper.
type netdClient interface {
	SetupTap(ctx context.Context, index int, userID, vmName string) (string, error)
	TeardownTap(ctx context.Context, index int) error
	ListOrphans(ctx context.Context) ([]string, error)
}

// hypervisorClient is the subset of hypervisor.Client the facade drives.
type hypervisorClient interface {
	ConfigureAndStart(ctx context.Context, cfg hypervisor.BootConfig) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string) error
	LoadSnapshot(ctx context.Context, snapshotPath, memFilePath string) error
	PatchRootfsDrive(ctx context.Context, pathOnHost string) error
}

var _ hypervisorClient = (*hypervisor.Client)(nil)

// Backend wires the catalog and the four domain drivers into the
// transactional operations of spec.md §4.7. Every field that talks to an
// external process or helper is swappable so tests can run without a real
// Firecracker binary or netd helper.
type Backend struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	storage storage.Storage
	netd    netdClient
	locks   *lockMap

	spawn       func(ctx context.Context, spec hypervisor.SpawnSpec) (int, error)
	newHVClient func(socketPath string) hypervisorClient
	isAlive     func(pid int) bool
	shutdown    func(pid int, grace time.Duration) error
}

// New returns a Backend wired to the real hypervisor driver, using store
// as the storage backend selected by storage.Probe and netd as the
// network helper client.
func New(cfg *config.Config, cat *catalog.Catalog, store storage.Storage, netd netdClient) *Backend {
	return &Backend{
		cfg:     cfg,
		catalog: cat,
		storage: store,
		netd:    netd,
		locks:   newLockMap(),

		spawn: hypervisor.Spawn,
		newHVClient: func(socketPath string) hypervisorClient {
			return hypervisor.NewClient(socketPath)
		},
		isAlive:  hypervisor.IsAlive,
		shutdown: hypervisor.Shutdown,
	}
}
