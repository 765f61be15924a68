// Package addressing derives per-VM network identity — tap name, /30
// subnet, MAC — deterministically from an integer index, and allocates
// indexes against the set the Catalog reports in use (spec.md §4.3).
package addressing

import (
	"fmt"

	"github.com/noidhq/noid/noiderr"
)

// MaxIndex is the exclusive upper bound of the index domain. 16384 indexes
// fit exactly in the /16 this derivation carves into /30s.
const MaxIndex = 16384

// Lease is the full network identity derived from one index.
type Lease struct {
	Index   int
	TapName string
	HostIP  string
	GuestIP string
	MAC     string
}

// Derive computes the fixed tap/IP/MAC tuple for index, per spec.md §4.3.
// It does not validate liveness or allocation state — callers that need an
// unused index should go through Allocate.
func Derive(index int) (Lease, error) {
	if index < 0 || index >= MaxIndex {
		return Lease{}, fmt.Errorf("index %d out of range [0, %d): %w", index, MaxIndex, noiderr.ErrInvalidArgument)
	}

	thirdOctet := index >> 6
	fourthBase := (index & 0x3f) << 2

	return Lease{
		Index:   index,
		TapName: fmt.Sprintf("noid%d", index),
		HostIP:  fmt.Sprintf("172.16.%d.%d", thirdOctet, fourthBase+1),
		GuestIP: fmt.Sprintf("172.16.%d.%d", thirdOctet, fourthBase+2),
		MAC:     fmt.Sprintf("AA:FC:00:00:%02x:%02x", (index>>8)&0xff, index&0xff),
	}, nil
}

// KernelIPParam renders the boot-parameter fragment Firecracker's guest
// kernel uses to configure eth0 statically, per spec.md §4.3.
func (l Lease) KernelIPParam() string {
	return fmt.Sprintf("ip=%s::%s:255.255.255.252::eth0:off", l.GuestIP, l.HostIP)
}

// Allocate returns the lowest index in [0, MaxIndex) not present in used,
// matching original_source's first-unused scan. Returns ErrResourceExhausted
// once every index in the domain is occupied.
func Allocate(used map[int]struct{}) (Lease, error) {
	for i := 0; i < MaxIndex; i++ {
		if _, taken := used[i]; taken {
			continue
		}
		return Derive(i)
	}
	return Lease{}, fmt.Errorf("no free net index in [0, %d): %w", MaxIndex, noiderr.ErrResourceExhausted)
}
