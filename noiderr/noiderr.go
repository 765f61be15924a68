// Package noiderr defines the flat error taxonomy exposed by the backend
// facade (spec.md §7). Callers outside the core — the omitted HTTP
// frontend — map a returned error to a status code via Kind, without the
// core importing any HTTP vocabulary.
package noiderr

import "errors"

var (
	// ErrNotFound is returned for a missing VM or checkpoint. The message
	// wrapped around it distinguishes which, per spec.md §7.
	ErrNotFound = errors.New("not found")
	// ErrNameConflict is returned when a VM name already exists for the user.
	ErrNameConflict = errors.New("name conflict")
	// ErrResourceExhausted is returned when the net index domain is exhausted.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrNotRunning is returned when an operation requires a running VM.
	ErrNotRunning = errors.New("not running")
	// ErrBusy is returned when another caller holds the per-VM lock.
	ErrBusy = errors.New("busy")
	// ErrInvalidArgument is returned for malformed caller input (bad env
	// var names, invalid VM names, etc).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrTimeout is returned when a control-socket readiness probe exceeds
	// its deadline. An exec that runs out of time is not an error: it returns
	// an ExecResult with TimedOut set and exit code 124.
	ErrTimeout = errors.New("timeout")
	// ErrNetwork is returned for netd helper failures.
	ErrNetwork = errors.New("network error")
	// ErrStorage is returned for filesystem failures.
	ErrStorage = errors.New("storage error")
	// ErrHypervisor is returned for non-2xx control-socket responses or
	// unexpected process exit.
	ErrHypervisor = errors.New("hypervisor error")
	// ErrSystem is the catch-all for everything else.
	ErrSystem = errors.New("system error")
)

// Kind returns the taxonomy sentinel err is wrapped around, or ErrSystem
// if err matches none of them, so a frontend can map any error to a status
// code by comparing the result against this package's sentinels.
func Kind(err error) error {
	for _, kind := range []error{
		ErrNotFound, ErrNameConflict, ErrResourceExhausted, ErrNotRunning,
		ErrBusy, ErrInvalidArgument, ErrTimeout, ErrNetwork, ErrStorage,
		ErrHypervisor, ErrSystem,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrSystem
}
