package serial

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// setupFIFO creates a real named pipe and returns its path plus a reader
// goroutine's captured lines, standing in for the hypervisor's stdin.
func setupFIFO(t *testing.T) (fifoPath string, received chan string) {
	t.Helper()
	fifoPath = filepath.Join(t.TempDir(), "serial.in")
	if err := unix.Mkfifo(fifoPath, 0o666); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}

	received = make(chan string, 16)
	go func() {
		for {
			f, err := os.OpenFile(fifoPath, os.O_RDONLY, 0) //nolint:gosec
			if err != nil {
				return
			}
			buf := make([]byte, 4096)
			n, err := f.Read(buf)
			f.Close() //nolint:errcheck
			if n > 0 {
				received <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return fifoPath, received
}

func TestExecRoundtrip(t *testing.T) {
	fifoPath, received := setupFIFO(t)
	logPath := filepath.Join(t.TempDir(), "serial.log")
	if err := os.WriteFile(logPath, nil, 0o600); err != nil {
		t.Fatalf("create log: %v", err)
	}

	go func() {
		cmdLine := <-received
		nonce := extractStart(cmdLine)
		appendMarkers(t, logPath, nonce, "hello", 0)
	}()

	res, err := Exec(context.Background(), fifoPath, logPath, []string{"/bin/echo", "hello"}, nil, time.Second)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Stdout != "hello" || res.ExitCode != 0 || res.TimedOut {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecExitCodePropagation(t *testing.T) {
	fifoPath, received := setupFIFO(t)
	logPath := filepath.Join(t.TempDir(), "serial.log")
	if err := os.WriteFile(logPath, nil, 0o600); err != nil {
		t.Fatalf("create log: %v", err)
	}

	go func() {
		cmdLine := <-received
		nonce := extractStart(cmdLine)
		appendMarkers(t, logPath, nonce, "", 7)
	}()

	res, err := Exec(context.Background(), fifoPath, logPath, []string{"/bin/sh", "-c", "exit 7"}, nil, time.Second)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", res.ExitCode)
	}
}

func TestExecTimeout(t *testing.T) {
	fifoPath, _ := setupFIFO(t)
	logPath := filepath.Join(t.TempDir(), "serial.log")
	if err := os.WriteFile(logPath, nil, 0o600); err != nil {
		t.Fatalf("create log: %v", err)
	}

	res, err := Exec(context.Background(), fifoPath, logPath, []string{"/bin/sleep", "600"}, nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !res.TimedOut || res.ExitCode != 124 {
		t.Fatalf("expected timeout with exit code 124, got %+v", res)
	}
}

func extractStart(cmdLine string) string {
	const prefix = "echo '"
	idx := strings.Index(cmdLine, prefix)
	if idx < 0 {
		return ""
	}
	rest := cmdLine[idx+len(prefix):]
	end := strings.Index(rest, "'")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func appendMarkers(t *testing.T, logPath, start, stdout string, exitCode int) {
	t.Helper()
	end := start + "_END"
	data := "\r\n" + start + "\r\n" + stdout
	if stdout != "" {
		data += "\r\n"
	}
	data += "\r\n" + end + " " + strconv.Itoa(exitCode) + "\r\n"

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec
	if err != nil {
		t.Fatalf("open log for append: %v", err)
	}
	defer f.Close() //nolint:errcheck
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("append log: %v", err)
	}
}
