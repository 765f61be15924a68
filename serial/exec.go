package serial

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/noidhq/noid/noiderr"
	"github.com/noidhq/noid/types"
)

// DefaultExecTimeout is used when a caller specifies no timeout, per
// spec.md §4.6 step 7.
const DefaultExecTimeout = 30 * time.Second

const pollInterval = 100 * time.Millisecond

// Exec runs argv over the serial console and returns its captured output
// and exit code, implementing the marker protocol of spec.md §4.6.
//
// Only one Exec may run against a given VM's FIFO/log pair at a time; the
// caller (the backend facade's per-VM lock) is responsible for that
// serialization — this function assumes it already holds the lock.
func Exec(ctx context.Context, fifoPath, logPath string, argv []string, env map[string]string, timeout time.Duration) (types.ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	nonce := uuid.New().String()[:8]
	start := "NOID_EXEC_" + nonce
	end := start + "_END"

	l0, err := LogSize(logPath)
	if err != nil {
		return types.ExecResult{}, err
	}

	for name, value := range env {
		line, err := ExportLine(name, value)
		if err != nil {
			return types.ExecResult{}, err
		}
		if err := WriteLine(fifoPath, line); err != nil {
			return types.ExecResult{}, err
		}
	}

	cmdLine := fmt.Sprintf(`echo '%s'; %s; _RC=$?; echo "%s $_RC"`, start, JoinArgv(argv), end)
	if err := WriteLine(fifoPath, cmdLine); err != nil {
		return types.ExecResult{}, err
	}

	startMarker := []byte("\r\n" + start + "\r\n")
	endMarker := []byte("\r\n" + end + " ")

	deadline := time.Now().Add(timeout)
	var buf []byte
	for {
		if err := ctx.Err(); err != nil {
			return types.ExecResult{}, err
		}

		chunk, err := readLogFrom(logPath, l0)
		if err != nil {
			return types.ExecResult{}, err
		}
		buf = chunk

		if stdout, exitCode, ok := parseExecOutput(buf, startMarker, endMarker); ok {
			return types.ExecResult{Stdout: stdout, ExitCode: exitCode, TimedOut: false}, nil
		}

		if time.Now().After(deadline) {
			partial, _, _ := parseExecOutput(buf, startMarker, nil)
			return types.ExecResult{Stdout: partial, ExitCode: 124, TimedOut: true}, nil
		}

		select {
		case <-ctx.Done():
			return types.ExecResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// parseExecOutput locates the anchored start/end markers in buf (which
// begins at L0) and extracts the captured output and exit code. If
// endMarker is nil, it returns everything after startMarker as partial
// output (used for timed-out execs).
func parseExecOutput(buf, startMarker, endMarker []byte) (stdout string, exitCode int, ok bool) {
	startIdx := bytes.Index(buf, startMarker)
	if startIdx < 0 {
		return "", 0, false
	}
	outputStart := startIdx + len(startMarker)

	if endMarker == nil {
		return trimTrailingCRLF(buf[outputStart:]), 0, false
	}

	endIdx := bytes.Index(buf[outputStart:], endMarker)
	if endIdx < 0 {
		return "", 0, false
	}
	endIdx += outputStart

	captured := trimTrailingCRLF(buf[outputStart:endIdx])

	rest := buf[endIdx+len(endMarker):]
	crlfIdx := bytes.Index(rest, []byte("\r\n"))
	var codeBytes []byte
	if crlfIdx >= 0 {
		codeBytes = rest[:crlfIdx]
	} else {
		codeBytes = rest
	}
	code, err := strconv.Atoi(string(bytes.TrimSpace(codeBytes)))
	if err != nil {
		return "", 0, false
	}
	return captured, code, true
}

func trimTrailingCRLF(b []byte) string {
	b = bytes.TrimSuffix(b, []byte("\r\n"))
	return string(b)
}

func readLogFrom(logPath string, offset int64) ([]byte, error) {
	f, err := os.Open(logPath) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", logPath, noiderr.ErrStorage)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, fmt.Errorf("seek %s: %w", logPath, noiderr.ErrStorage)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("read %s: %w", logPath, noiderr.ErrStorage)
	}
	return buf.Bytes(), nil
}
