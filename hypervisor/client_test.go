package hypervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/noidhq/noid/noiderr"
)

// startFakeSocket runs a minimal HTTP/1.1-over-Unix-socket server that
// always replies with the given status and body, standing in for a real
// Firecracker control socket.
func startFakeSocket(t *testing.T, status int, body string) (socketPath string, lastRequest *string) {
	t.Helper()
	socketPath = filepath.Join(t.TempDir(), "fc.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	captured := new(string)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close() //nolint:errcheck
				reader := bufio.NewReader(conn)
				requestLine, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				*captured = requestLine
				for {
					line, err := reader.ReadString('\n')
					if err != nil || line == "\r\n" {
						break
					}
				}
				resp := fmt.Sprintf("HTTP/1.1 %d OK\r\nContent-Length: %d\r\n\r\n%s", status, len(body), body)
				_, _ = conn.Write([]byte(resp))
			}()
		}
	}()
	return socketPath, captured
}

func TestClientPutSuccess(t *testing.T) {
	sockPath, captured := startFakeSocket(t, 204, "")
	c := NewClient(sockPath)
	if err := c.Put(context.Background(), "/machine-config", map[string]any{"vcpu_count": 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if captured == nil || *captured == "" {
		t.Fatalf("expected request to reach fake socket")
	}
}

func TestClientPutNonTwoXX(t *testing.T) {
	sockPath, _ := startFakeSocket(t, 500, `{"fault_message":"boom"}`)
	c := NewClient(sockPath)
	err := c.Put(context.Background(), "/machine-config", map[string]any{"vcpu_count": 1})
	if !errors.Is(err, noiderr.ErrHypervisor) {
		t.Fatalf("expected ErrHypervisor, got %v", err)
	}
}

func TestConfigureAndStartSequenceSucceeds(t *testing.T) {
	sockPath, _ := startFakeSocket(t, 204, "")
	c := NewClient(sockPath)
	err := c.ConfigureAndStart(context.Background(), BootConfig{
		CPUs: 1, MemMiB: 128, KernelPath: "/k", RootfsPath: "/r",
		Net: &NetAttachment{TapName: "noid0", MAC: "AA:FC:00:00:00:00", KernelParam: "ip=172.16.0.2::172.16.0.1:255.255.255.252::eth0:off"},
	})
	if err != nil {
		t.Fatalf("configure and start: %v", err)
	}
}

func TestEnsureRootfsBackingFileCreatesAlias(t *testing.T) {
	dir := t.TempDir()
	actual := filepath.Join(dir, "real-rootfs")
	if err := os.WriteFile(actual, []byte("x"), 0o600); err != nil {
		t.Fatalf("write actual rootfs: %v", err)
	}

	missing := filepath.Join(dir, "stale-template-rootfs")
	if err := EnsureRootfsBackingFile(missing, actual); err != nil {
		t.Fatalf("ensure backing file: %v", err)
	}
	if _, err := os.Stat(missing); err != nil {
		t.Fatalf("expected alias to resolve: %v", err)
	}
}

func TestEnsureRootfsBackingFileNoopWhenPresent(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "rootfs")
	if err := os.WriteFile(present, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := EnsureRootfsBackingFile(present, "/irrelevant"); err != nil {
		t.Fatalf("ensure backing file: %v", err)
	}
}
