package serial

import (
	"fmt"
	"os"

	"github.com/noidhq/noid/noiderr"
)

// WriteLine opens the serial.in FIFO, writes line followed by a CR LF, and
// closes. While the hypervisor runs, its stdin holds the FIFO's read end,
// so the open does not wait; with no process holding a read end, the open
// blocks until one appears.
func WriteLine(fifoPath, line string) error {
	f, err := os.OpenFile(fifoPath, os.O_WRONLY, 0) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open %s for write: %w", fifoPath, noiderr.ErrStorage)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("write %s: %w", fifoPath, noiderr.ErrStorage)
	}
	return nil
}

// LogSize returns the current byte length of serial.log, used as L0 in the
// exec protocol (spec.md §4.6 step 2).
func LogSize(logPath string) (int64, error) {
	info, err := os.Stat(logPath)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", logPath, noiderr.ErrStorage)
	}
	return info.Size(), nil
}
