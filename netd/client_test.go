package netd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/noidhq/noid/noiderr"
)

// startFakeHelper runs a minimal line-JSON echo server implementing handler
// for one connection at a time, standing in for the privileged helper.
func startFakeHelper(t *testing.T, handler func(req map[string]any) map[string]any) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "netd.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close() //nolint:errcheck
				reader := bufio.NewReader(conn)
				line, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				var req map[string]any
				if err := json.Unmarshal([]byte(line), &req); err != nil {
					return
				}
				resp := handler(req)
				data, _ := json.Marshal(resp)
				data = append(data, '\n')
				_, _ = conn.Write(data)
			}()
		}
	}()
	return sockPath
}

func TestSetupTap(t *testing.T) {
	sockPath := startFakeHelper(t, func(req map[string]any) map[string]any {
		if req["op"] != "setup" {
			t.Fatalf("unexpected op: %v", req["op"])
		}
		return map[string]any{"ok": true, "tap": "noid0"}
	})

	c := New(sockPath)
	tap, err := c.SetupTap(context.Background(), 0, "u1", "alpha")
	if err != nil {
		t.Fatalf("setup tap: %v", err)
	}
	if tap != "noid0" {
		t.Fatalf("unexpected tap: %s", tap)
	}
}

func TestTeardownTapFailure(t *testing.T) {
	sockPath := startFakeHelper(t, func(req map[string]any) map[string]any {
		return map[string]any{"ok": false, "err": "no such tap"}
	})

	c := New(sockPath)
	err := c.TeardownTap(context.Background(), 99)
	if !errors.Is(err, noiderr.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestListOrphans(t *testing.T) {
	sockPath := startFakeHelper(t, func(req map[string]any) map[string]any {
		return map[string]any{"ok": true, "taps": []string{"noid1", "noid2"}}
	})

	c := New(sockPath)
	taps, err := c.ListOrphans(context.Background())
	if err != nil {
		t.Fatalf("list orphans: %v", err)
	}
	if len(taps) != 2 || taps[0] != "noid1" {
		t.Fatalf("unexpected taps: %v", taps)
	}
}

func TestUnreachableHelper(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "nonexistent.sock"))
	_, err := c.SetupTap(context.Background(), 0, "u1", "alpha")
	if !errors.Is(err, noiderr.ErrNetwork) {
		t.Fatalf("expected ErrNetwork for unreachable helper, got %v", err)
	}
}
