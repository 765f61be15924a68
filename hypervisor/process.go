package hypervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/noidhq/noid/noiderr"
	"github.com/noidhq/noid/utils"
)

// SpawnSpec holds everything Spawn needs to launch one Firecracker process.
type SpawnSpec struct {
	BinaryPath    string
	SocketPath    string
	PIDFile       string
	LogPath       string
	SerialLogPath string
	SerialInPath  string
	SocketTimeout time.Duration
}

// Spawn starts the hypervisor with its console stdin bound to the serial
// FIFO's read end and its guest console stdout redirected to SerialLogPath,
// then blocks until the control socket is connectable. Firecracker's own
// --log-path diagnostics go to LogPath, kept separate from the guest
// console stream per spec.md §4.5.
//
// Per spec.md §4.5 and §9's sentinel-writer invariant, the parent must hold
// an open write descriptor on the FIFO before the child ever reads from it,
// and that descriptor must be inherited by the child — otherwise the pipe
// drops to zero writers the moment a caller disconnects, the guest sees EOF
// on its console, and every later exec attempt hangs. openSentinelPair sets
// this up; the sentinel fd travels to the child via ExtraFiles so it stays
// open for the hypervisor's entire lifetime, never touched by either side.
func Spawn(ctx context.Context, spec SpawnSpec) (pid int, err error) {
	_ = os.Remove(spec.SocketPath)

	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("open hypervisor log %s: %w", spec.LogPath, noiderr.ErrStorage)
	}
	defer logFile.Close() //nolint:errcheck

	serialLogFile, err := os.OpenFile(spec.SerialLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("open serial log %s: %w", spec.SerialLogPath, noiderr.ErrStorage)
	}
	defer serialLogFile.Close() //nolint:errcheck

	stdinFD, sentinelFD, err := openSentinelPair(spec.SerialInPath)
	if err != nil {
		return 0, err
	}
	defer stdinFD.Close()   //nolint:errcheck
	defer sentinelFD.Close() //nolint:errcheck

	cmd := exec.Command(spec.BinaryPath, //nolint:gosec
		"--api-sock", spec.SocketPath,
		"--log-path", spec.LogPath,
		"--level", "Warning",
	)
	cmd.Stdin = stdinFD
	cmd.Stdout = serialLogFile
	cmd.Stderr = logFile
	cmd.ExtraFiles = []*os.File{sentinelFD}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start hypervisor: %w", noiderr.ErrHypervisor)
	}

	if err := utils.WritePIDFile(spec.PIDFile, cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		return 0, fmt.Errorf("write pid file: %w", err)
	}

	client := NewClient(spec.SocketPath)
	timeout := spec.SocketTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if err := utils.WaitFor(ctx, timeout, 25*time.Millisecond, func() (bool, error) {
		if !utils.IsProcessAlive(cmd.Process.Pid) {
			return false, fmt.Errorf("hypervisor exited during startup: %w", noiderr.ErrHypervisor)
		}
		return client.CheckSocket(ctx) == nil, nil
	}); err != nil {
		_ = cmd.Process.Kill()
		return 0, fmt.Errorf("wait for control socket: %w", err)
	}

	// The spawned process outlives this call; subsequent operations reopen
	// the control socket by path (spec.md §4.5's orphan-the-handle note).
	if err := cmd.Process.Release(); err != nil {
		return 0, fmt.Errorf("release hypervisor process handle: %w", err)
	}
	return cmd.Process.Pid, nil
}

// openSentinelPair opens the existing serial.in FIFO (created beforehand by
// storage.MakeNamedPipe): its read end for the child's stdin, then opens a second, independent write-end fd
// that the child inherits but never reads — the sentinel that keeps the
// pipe's writer count above zero for the process's lifetime.
func openSentinelPair(fifoPath string) (readFD, sentinelWriteFD *os.File, err error) {
	readRaw, err := unix.Open(fifoPath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open fifo %s for read: %w", fifoPath, noiderr.ErrStorage)
	}
	readFD = os.NewFile(uintptr(readRaw), fifoPath)

	sentinelRaw, err := unix.Open(fifoPath, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		readFD.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("open fifo %s sentinel write end: %w", fifoPath, noiderr.ErrStorage)
	}
	sentinelWriteFD = os.NewFile(uintptr(sentinelRaw), fifoPath)

	// Clear O_NONBLOCK on the read end now that a writer exists, so the
	// hypervisor's blocking stdin reads behave normally.
	if err := unix.SetNonblock(readRaw, false); err != nil {
		readFD.Close()         //nolint:errcheck
		sentinelWriteFD.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("clear nonblock on fifo read end: %w", noiderr.ErrStorage)
	}
	return readFD, sentinelWriteFD, nil
}

// IsAlive reports whether pid still refers to a running process.
func IsAlive(pid int) bool {
	return utils.IsProcessAlive(pid)
}

// Shutdown sends SIGTERM, waits up to gracePeriod, then SIGKILL — spec.md
// §4.5's process shutdown sequence.
func Shutdown(pid int, gracePeriod time.Duration) error {
	return utils.TerminateProcess(pid, gracePeriod)
}
