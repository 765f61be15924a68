package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/noidhq/noid/noiderr"
	"github.com/noidhq/noid/types"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// InsertVM inserts a new VM record, typically in VMStateCreating, per the
// transactional create sequence in spec.md §4.7 step 1.
func (c *Catalog) InsertVM(ctx context.Context, vm *types.VM) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO vms (user_id, name, cpus, mem_mib, kernel_path, rootfs_path,
			net_index, tap_name, guest_ip, host_ip, mac, pid, socket_path, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vm.UserID, vm.Name, vm.CPUs, vm.MemMiB, vm.KernelPath, vm.RootfsPath,
		nullableInt(vm.NetIndex), nullableString(vm.TapName), nullableString(vm.GuestIP),
		nullableString(vm.HostIP), nullableString(vm.MAC), nullableIntVal(vm.PID),
		vm.SocketPath, string(vm.State), vm.CreatedAt.UTC().Format(time.RFC3339Nano))
	if isUniqueViolation(err) {
		return fmt.Errorf("vm %s/%s: %w", vm.UserID, vm.Name, noiderr.ErrNameConflict)
	}
	if err != nil {
		return fmt.Errorf("insert vm: %w", err)
	}
	return nil
}

// GetVM looks up a single VM by (user_id, name).
func (c *Catalog) GetVM(ctx context.Context, userID, name string) (*types.VM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRowContext(ctx, vmSelectCols+` FROM vms WHERE user_id = ? AND name = ?`, userID, name)
	vm, err := scanVM(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vm %s/%s: %w", userID, name, noiderr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get vm: %w", err)
	}
	return vm, nil
}

// ListVMs returns every VM record owned by userID, ordered by creation time.
func (c *Catalog) ListVMs(ctx context.Context, userID string) ([]*types.VM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, vmSelectCols+` FROM vms WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanVMRows(rows)
}

// ListAllVMs returns every VM record across all tenants. Used by the
// orphan-sweep reconciliation pass (spec.md §9), which needs a host-wide
// view, not a per-user one.
func (c *Catalog) ListAllVMs(ctx context.Context) ([]*types.VM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, vmSelectCols+` FROM vms ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all vms: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanVMRows(rows)
}

// UsedNetIndexes returns the set of net indexes currently assigned to any
// VM record, for the addressing allocator (spec.md §4.3) to scan against.
func (c *Catalog) UsedNetIndexes(ctx context.Context) (map[int]struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `SELECT net_index FROM vms WHERE net_index IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list used net indexes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	used := make(map[int]struct{})
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan net_index: %w", err)
		}
		used[idx] = struct{}{}
	}
	return used, rows.Err()
}

// UpdateVMNetwork records the tap/IP/MAC assignment made during create,
// per spec.md §4.7 step 5.
func (c *Catalog) UpdateVMNetwork(ctx context.Context, userID, name string, netIndex int, tapName, guestIP, hostIP, mac string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`UPDATE vms SET net_index = ?, tap_name = ?, guest_ip = ?, host_ip = ?, mac = ? WHERE user_id = ? AND name = ?`,
		netIndex, tapName, guestIP, hostIP, mac, userID, name)
	return requireRowsAffected(res, err, "update vm network", userID, name)
}

// UpdateVMRuntime records the spawned process's PID, control socket path,
// and resulting lifecycle state.
func (c *Catalog) UpdateVMRuntime(ctx context.Context, userID, name string, pid int, socketPath string, state types.VMState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`UPDATE vms SET pid = ?, socket_path = ?, state = ? WHERE user_id = ? AND name = ?`,
		pid, socketPath, string(state), userID, name)
	return requireRowsAffected(res, err, "update vm runtime", userID, name)
}

// UpdateVMState transitions a VM's lifecycle state in place, used by the
// checkpoint pause/resume cycle and by reconciliation marking dead VMs.
func (c *Catalog) UpdateVMState(ctx context.Context, userID, name string, state types.VMState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`UPDATE vms SET state = ? WHERE user_id = ? AND name = ?`, string(state), userID, name)
	return requireRowsAffected(res, err, "update vm state", userID, name)
}

// DeleteVM removes a VM record and, per spec.md §4.1's application-level
// cascade, every checkpoint recorded against it.
func (c *Catalog) DeleteVM(ctx context.Context, userID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete vm: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE user_id = ? AND vm_name = ?`, userID, name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("cascade delete checkpoints: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM vms WHERE user_id = ? AND name = ?`, userID, name)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete vm: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete vm rows affected: %w", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		return fmt.Errorf("vm %s/%s: %w", userID, name, noiderr.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete vm: %w", err)
	}
	return nil
}

func requireRowsAffected(res sql.Result, err error, op, userID, name string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("vm %s/%s: %w", userID, name, noiderr.ErrNotFound)
	}
	return nil
}

const vmSelectCols = `SELECT user_id, name, cpus, mem_mib, kernel_path, rootfs_path,
	net_index, tap_name, guest_ip, host_ip, mac, pid, socket_path, state, created_at`

func scanVM(row rowScanner) (*types.VM, error) {
	var (
		vm         types.VM
		netIndex   sql.NullInt64
		tapName    sql.NullString
		guestIP    sql.NullString
		hostIP     sql.NullString
		mac        sql.NullString
		pid        sql.NullInt64
		createdAt  string
		stateRaw   string
	)
	if err := row.Scan(&vm.UserID, &vm.Name, &vm.CPUs, &vm.MemMiB, &vm.KernelPath, &vm.RootfsPath,
		&netIndex, &tapName, &guestIP, &hostIP, &mac, &pid, &vm.SocketPath, &stateRaw, &createdAt); err != nil {
		return nil, err
	}
	vm.State = types.VMState(stateRaw)
	vm.TapName = tapName.String
	vm.GuestIP = guestIP.String
	vm.HostIP = hostIP.String
	vm.MAC = mac.String
	vm.PID = int(pid.Int64)
	if netIndex.Valid {
		idx := int(netIndex.Int64)
		vm.NetIndex = &idx
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	vm.CreatedAt = t
	return &vm, nil
}

func scanVMRows(rows *sql.Rows) ([]*types.VM, error) {
	var out []*types.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vm: %w", err)
		}
		out = append(out, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vms: %w", err)
	}
	return out, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntVal(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
