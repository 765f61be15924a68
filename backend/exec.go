package backend

import (
	"context"
	"io"
	"time"

	"github.com/noidhq/noid/serial"
	"github.com/noidhq/noid/types"
)

// Exec implements spec.md §4.7's exec operation, holding the per-VM lock
// for its entire duration via a non-blocking attempt — a caller racing
// against a concurrent exec, checkpoint, or console_attach on the same VM
// gets ErrBusy immediately rather than queuing (spec.md §7).
func (b *Backend) Exec(ctx context.Context, userID, name string, argv []string, env map[string]string, timeout time.Duration) (types.ExecResult, error) {
	var result types.ExecResult
	err := b.locks.withVMLockBusy(userID, name, func() error {
		if _, err := b.catalog.GetVM(ctx, userID, name); err != nil {
			return err
		}
		if timeout <= 0 {
			timeout = b.cfg.ExecDefaultTimeout
		}
		r, err := serial.Exec(ctx, b.cfg.SerialInPath(userID, name), b.cfg.SerialLogPath(userID, name), argv, env, timeout)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// ConsoleAttach implements spec.md §4.7's console_attach operation,
// relaying an interactive session until ctx is cancelled.
func (b *Backend) ConsoleAttach(ctx context.Context, userID, name string, in io.Reader, out io.Writer) error {
	return b.locks.withVMLockBusy(userID, name, func() error {
		if _, err := b.catalog.GetVM(ctx, userID, name); err != nil {
			return err
		}
		return serial.Attach(ctx, b.cfg.SerialInPath(userID, name), b.cfg.SerialLogPath(userID, name), in, out)
	})
}
