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

const checkpointSelectCols = `SELECT id, user_id, vm_name, label, snapshot_dir, created_at`

// InsertCheckpoint records a completed checkpoint, per spec.md §4.7's
// checkpoint sequence final step.
func (c *Catalog) InsertCheckpoint(ctx context.Context, ckpt *types.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, user_id, vm_name, label, snapshot_dir, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ckpt.ID, ckpt.UserID, ckpt.VMName, nullableString(ckpt.Label), ckpt.SnapshotDir,
		ckpt.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint looks up a single checkpoint by ID, scoped to its owning
// user and VM name.
func (c *Catalog) GetCheckpoint(ctx context.Context, userID, vmName, id string) (*types.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRowContext(ctx,
		checkpointSelectCols+` FROM checkpoints WHERE user_id = ? AND vm_name = ? AND id = ?`, userID, vmName, id)
	ckpt, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, noiderr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return ckpt, nil
}

// ListCheckpoints returns every checkpoint recorded for (userID, vmName).
func (c *Catalog) ListCheckpoints(ctx context.Context, userID, vmName string) ([]*types.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx,
		checkpointSelectCols+` FROM checkpoints WHERE user_id = ? AND vm_name = ? ORDER BY created_at ASC`, userID, vmName)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*types.Checkpoint
	for rows.Next() {
		ckpt, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, ckpt)
	}
	return out, rows.Err()
}

// DeleteCheckpoint removes a single checkpoint record.
func (c *Catalog) DeleteCheckpoint(ctx context.Context, userID, vmName, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE user_id = ? AND vm_name = ? AND id = ?`, userID, vmName, id)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete checkpoint rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("checkpoint %s: %w", id, noiderr.ErrNotFound)
	}
	return nil
}

func scanCheckpoint(row rowScanner) (*types.Checkpoint, error) {
	var (
		ckpt      types.Checkpoint
		label     sql.NullString
		createdAt string
	)
	if err := row.Scan(&ckpt.ID, &ckpt.UserID, &ckpt.VMName, &label, &ckpt.SnapshotDir, &createdAt); err != nil {
		return nil, err
	}
	ckpt.Label = label.String
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	ckpt.CreatedAt = t
	return &ckpt, nil
}
