package types

import "time"

// VMState is the lifecycle state of a VM record, per spec.md §3.
type VMState string

const (
	VMStateCreating VMState = "creating"
	VMStateRunning  VMState = "running"
	VMStatePaused   VMState = "paused"
	VMStateDead     VMState = "dead"
)

// VM is the catalog's record for a single microVM.
type VM struct {
	UserID     string
	Name       string
	CPUs       int
	MemMiB     int
	KernelPath string
	RootfsPath string

	// NetIndex is nil when the VM has no networking (helper unreachable at
	// create time, or addressing exhausted and create proceeded anyway only
	// when the caller chose to — in practice create always requires one
	// unless the netd helper is unreachable, per spec.md §4.4).
	NetIndex *int
	TapName  string
	GuestIP  string
	HostIP   string
	MAC      string

	PID        int
	SocketPath string

	State     VMState
	CreatedAt time.Time
}

// Checkpoint is the catalog's record for a single VM snapshot.
type Checkpoint struct {
	ID          string
	UserID      string
	VMName      string
	Label       string
	SnapshotDir string
	CreatedAt   time.Time
}

// User is the catalog's record for a tenant. Users are created by admin
// operations outside the core; the core treats UserID as an opaque scoping
// key everywhere else.
type User struct {
	ID          string
	Name        string
	TokenDigest string
	CreatedAt   time.Time
}

// VmInfo is the facade-level read model returned to callers, per spec.md §4.7.
type VmInfo struct {
	Name       string
	State      VMState
	CPUs       int
	MemMiB     int
	NetIndex   *int
	TapName    string
	GuestIP    string
	HostIP     string
	MAC        string
	SocketPath string
	CreatedAt  time.Time
}

// CheckpointInfo is the facade-level read model for a checkpoint.
type CheckpointInfo struct {
	ID        string
	VMName    string
	Label     string
	CreatedAt time.Time
}

// ExecResult is the facade-level result of a command execution over the
// serial channel, per spec.md §4.6.
type ExecResult struct {
	Stdout   string
	ExitCode int
	TimedOut bool
}

func VMInfoFromVM(v *VM) VmInfo {
	return VmInfo{
		Name:       v.Name,
		State:      v.State,
		CPUs:       v.CPUs,
		MemMiB:     v.MemMiB,
		NetIndex:   v.NetIndex,
		TapName:    v.TapName,
		GuestIP:    v.GuestIP,
		HostIP:     v.HostIP,
		MAC:        v.MAC,
		SocketPath: v.SocketPath,
		CreatedAt:  v.CreatedAt,
	}
}

func CheckpointInfoFromCheckpoint(c *Checkpoint) CheckpointInfo {
	return CheckpointInfo{
		ID:        c.ID,
		VMName:    c.VMName,
		Label:     c.Label,
		CreatedAt: c.CreatedAt,
	}
}
