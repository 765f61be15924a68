// Package netd is the client side of the privileged network helper
// protocol (spec.md §4.4, §6): one JSON object per request and response,
// newline-delimited, over a Unix stream socket. The helper itself is out
// of scope — it runs as a separate, more privileged process.
package netd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/noidhq/noid/noiderr"
)

// Client dials the helper socket fresh for every call; the helper is
// expected to handle many short-lived connections from one host process.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New returns a Client targeting the helper's well-known socket path.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 5 * time.Second}
}

type request struct {
	Op    string `json:"op"`
	Index *int   `json:"index,omitempty"`
	User  string `json:"user,omitempty"`
	VM    string `json:"vm,omitempty"`
}

type response struct {
	OK   bool     `json:"ok"`
	Tap  string   `json:"tap,omitempty"`
	Taps []string `json:"taps,omitempty"`
	Err  string   `json:"err,omitempty"`
}

// SetupTap asks the helper to create and configure the tap device for
// index, scoped to (userID, vmName) for the helper's own bookkeeping.
func (c *Client) SetupTap(ctx context.Context, index int, userID, vmName string) (tapName string, err error) {
	resp, err := c.roundTrip(ctx, request{Op: "setup", Index: &index, User: userID, VM: vmName})
	if err != nil {
		return "", err
	}
	return resp.Tap, nil
}

// TeardownTap asks the helper to remove the tap device for index. Callers
// treat a failure here as a warning, not a fatal error (spec.md §4.4).
func (c *Client) TeardownTap(ctx context.Context, index int) error {
	_, err := c.roundTrip(ctx, request{Op: "teardown", Index: &index})
	return err
}

// ListOrphans asks the helper for every tap device it currently manages,
// for the directory/tap reconciliation sweep (spec.md §4.8).
func (c *Client) ListOrphans(ctx context.Context) ([]string, error) {
	resp, err := c.roundTrip(ctx, request{Op: "list_orphans"})
	if err != nil {
		return nil, err
	}
	return resp.Taps, nil
}

func (c *Client) roundTrip(ctx context.Context, req request) (*response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial netd at %s: %w", c.socketPath, noiderr.ErrNetwork)
	}
	defer conn.Close() //nolint:errcheck

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal netd request: %w", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return nil, fmt.Errorf("write netd request: %w", noiderr.ErrNetwork)
	}

	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read netd response: %w", noiderr.ErrNetwork)
	}

	var resp response
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		return nil, fmt.Errorf("parse netd response: %w", noiderr.ErrNetwork)
	}
	if !resp.OK {
		return nil, fmt.Errorf("netd %s: %s: %w", req.Op, resp.Err, noiderr.ErrNetwork)
	}
	return &resp, nil
}
