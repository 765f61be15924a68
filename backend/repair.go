package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/noidhq/noid/serial"
)

const repairExecTimeout = 5 * time.Second

// repairAfterRestore issues the two best-effort guest commands documented
// in spec.md §9's "Restore network skew" note and resolved by
// SPEC_FULL.md's §4.2-4.7 supplement: a memory image restored from
// snapshot still believes it owns the snapshotter's wall clock and IP.
// Failures are logged, never returned — both the golden-start and
// checkpoint-restore paths treat this as cosmetic repair, not a
// correctness requirement.
func (b *Backend) repairAfterRestore(ctx context.Context, fifoPath, logPath, guestIP, hostIP string) {
	logger := log.WithFunc("backend.repairAfterRestore")

	clockCmd := []string{"/bin/sh", "-c", fmt.Sprintf("date -s @%d", time.Now().Unix())}
	if _, err := serial.Exec(ctx, fifoPath, logPath, clockCmd, nil, repairExecTimeout); err != nil {
		logger.Warnf(ctx, "reset guest clock: %v", err)
	}

	netCmd := []string{"/bin/sh", "-c", fmt.Sprintf(
		"ip addr flush dev eth0 && ip addr add %s/30 dev eth0 && ip route add default via %s", guestIP, hostIP)}
	if _, err := serial.Exec(ctx, fifoPath, logPath, netCmd, nil, repairExecTimeout); err != nil {
		logger.Warnf(ctx, "reconfigure guest network: %v", err)
	}
}
