package addressing

import (
	"errors"
	"testing"

	"github.com/noidhq/noid/noiderr"
)

func TestDeriveKnownValues(t *testing.T) {
	l, err := Derive(0)
	if err != nil {
		t.Fatalf("derive 0: %v", err)
	}
	if l.TapName != "noid0" || l.HostIP != "172.16.0.1" || l.GuestIP != "172.16.0.2" || l.MAC != "AA:FC:00:00:00:00" {
		t.Fatalf("unexpected lease for index 0: %+v", l)
	}

	l, err = Derive(65)
	if err != nil {
		t.Fatalf("derive 65: %v", err)
	}
	// index 65 = 1<<6 + 1: third octet 1, fourth base (1<<2)=4.
	if l.TapName != "noid65" || l.HostIP != "172.16.1.5" || l.GuestIP != "172.16.1.6" {
		t.Fatalf("unexpected lease for index 65: %+v", l)
	}
}

func TestDeriveOutOfRange(t *testing.T) {
	if _, err := Derive(-1); !errors.Is(err, noiderr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for -1, got %v", err)
	}
	if _, err := Derive(MaxIndex); !errors.Is(err, noiderr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for MaxIndex, got %v", err)
	}
}

// TestDerivationBijection checks that distinct indexes across a sampled
// range never collide on tap name, IP pair, or MAC — the bijection property
// from spec.md §8.
func TestDerivationBijection(t *testing.T) {
	seenTap := make(map[string]int)
	seenIP := make(map[string]int)
	seenMAC := make(map[string]int)

	for i := 0; i < MaxIndex; i += 7 { // sampled stride, not exhaustive
		l, err := Derive(i)
		if err != nil {
			t.Fatalf("derive %d: %v", i, err)
		}
		if prev, ok := seenTap[l.TapName]; ok {
			t.Fatalf("tap collision between index %d and %d: %s", prev, i, l.TapName)
		}
		seenTap[l.TapName] = i

		ipPair := l.HostIP + "/" + l.GuestIP
		if prev, ok := seenIP[ipPair]; ok {
			t.Fatalf("IP collision between index %d and %d: %s", prev, i, ipPair)
		}
		seenIP[ipPair] = i

		if prev, ok := seenMAC[l.MAC]; ok {
			t.Fatalf("MAC collision between index %d and %d: %s", prev, i, l.MAC)
		}
		seenMAC[l.MAC] = i
	}
}

func TestKernelIPParam(t *testing.T) {
	l, _ := Derive(0)
	want := "ip=172.16.0.2::172.16.0.1:255.255.255.252::eth0:off"
	if got := l.KernelIPParam(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestAllocateSkipsUsed(t *testing.T) {
	used := map[int]struct{}{0: {}, 1: {}}
	l, err := Allocate(used)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if l.Index != 2 {
		t.Fatalf("expected index 2, got %d", l.Index)
	}
}

func TestAllocateExhausted(t *testing.T) {
	used := make(map[int]struct{}, MaxIndex)
	for i := 0; i < MaxIndex; i++ {
		used[i] = struct{}{}
	}
	if _, err := Allocate(used); !errors.Is(err, noiderr.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}
