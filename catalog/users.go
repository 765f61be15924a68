package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/noidhq/noid/noiderr"
	"github.com/noidhq/noid/types"
)

// InsertUser creates a new tenant record.
func (c *Catalog) InsertUser(ctx context.Context, u *types.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO users (id, name, token_digest, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.TokenDigest, u.CreatedAt.UTC().Format(time.RFC3339Nano))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Name, noiderr.ErrNameConflict)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByTokenDigest looks up a user by the SHA-256 digest of their bearer
// token with a single query, mirroring original_source's db.rs
// authenticate_user. The users table has no index on token_digest.
func (c *Catalog) GetUserByTokenDigest(ctx context.Context, digest string) (*types.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRowContext(ctx,
		`SELECT id, name, token_digest, created_at FROM users WHERE token_digest = ?`, digest)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user: %w", noiderr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by token: %w", err)
	}
	return u, nil
}

func scanUser(row *sql.Row) (*types.User, error) {
	var u types.User
	var createdAt string
	if err := row.Scan(&u.ID, &u.Name, &u.TokenDigest, &createdAt); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	u.CreatedAt = t
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
