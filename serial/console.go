package serial

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/noidhq/noid/noiderr"
)

const tailPollInterval = 50 * time.Millisecond

// Attach relays an interactive session on the serial line: bytes typed
// into in are written to the FIFO, and bytes appended to serial.log from
// its current end-of-file are forwarded to out (spec.md §4.6's two
// concurrent console roles). Attach returns when ctx is cancelled — the
// caller's out-of-band detach signal — or either direction errors; the VM
// itself is unaffected by detach.
func Attach(ctx context.Context, fifoPath, logPath string, in io.Reader, out io.Writer) error {
	errCh := make(chan error, 2)

	go func() { errCh <- relayInput(ctx, fifoPath, in) }()
	go func() { errCh <- tailLog(ctx, logPath, out) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func relayInput(ctx context.Context, fifoPath string, in io.Reader) error {
	f, err := os.OpenFile(fifoPath, os.O_WRONLY, 0) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open %s for write: %w", fifoPath, noiderr.ErrStorage)
	}
	defer f.Close() //nolint:errcheck

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write to %s: %w", fifoPath, noiderr.ErrStorage)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func tailLog(ctx context.Context, logPath string, out io.Writer) error {
	f, err := os.Open(logPath) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open %s: %w", logPath, noiderr.ErrStorage)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek %s to end: %w", logPath, noiderr.ErrStorage)
	}

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("read %s: %w", logPath, noiderr.ErrStorage)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tailPollInterval):
			}
		}
	}
}
