// Package psci wraps the PSCI firmware interface: power-state queries, CPU
// power-on, and system reset/shutdown issued through a secure-monitor call
// conduit.
package psci

import (
	"errors"
	"fmt"
)

// PSCI function identifiers (SMC64 where the call takes 64-bit arguments).
const (
	FnVersion      uint32 = 0x8400_0000
	FnCPUOff       uint32 = 0x8400_0002
	FnCPUOn        uint32 = 0xC400_0003
	FnAffinityInfo uint32 = 0xC400_0004
	FnSystemOff    uint32 = 0x8400_0008
	FnSystemReset  uint32 = 0x8400_0009
)

// PSCI return codes.
const (
	RetSuccess       int64 = 0
	RetNotSupported  int64 = -1
	RetInvalidParams int64 = -2
	RetDenied        int64 = -3
	RetAlreadyOn     int64 = -4
	RetOnPending     int64 = -5
	RetInternalFail  int64 = -6
	RetNotPresent    int64 = -7
	RetDisabled      int64 = -8
	RetInvalidAddr   int64 = -9
)

// AffinityState is the result of an AFFINITY_INFO query.
type AffinityState int64

const (
	AffinityOn AffinityState = iota
	AffinityOff
	AffinityOnPending
)

var (
	// ErrCallFailed wraps any non-success firmware return code.
	ErrCallFailed = errors.New("firmware call failed")

	// ErrReturned marks a reset/shutdown call that came back: on success
	// these calls do not return, so reaching the error path at all means
	// the firmware refused the request.
	ErrReturned = errors.New("no-return firmware call returned")
)

// Conduit issues one secure-monitor call using the standard calling
// convention (function identifier plus up to three arguments) and returns
// the firmware's result register.
type Conduit interface {
	Call(fn uint32, arg0, arg1, arg2 uint64) int64
}

// Bridge is the thin power/lifecycle wrapper consulted by the bring-up
// sequencer and by top-level fatal handling. Calls are one-shot: the bridge
// never retries, callers decide retry policy.
type Bridge struct {
	conduit Conduit
}

// NewBridge wraps a conduit.
func NewBridge(conduit Conduit) *Bridge {
	return &Bridge{conduit: conduit}
}

// Version performs the PSCI_VERSION power-state query.
func (b *Bridge) Version() (major, minor uint16) {
	v := b.conduit.Call(FnVersion, 0, 0, 0)
	return uint16(v >> 16), uint16(v)
}

// Reset requests a system reset. On success the call does not return; an
// error therefore always means the request was refused.
func (b *Bridge) Reset() error {
	ret := b.conduit.Call(FnSystemReset, 0, 0, 0)
	return fmt.Errorf("psci: SYSTEM_RESET returned %d: %w", ret, ErrReturned)
}

// Shutdown requests an orderly power-off. On success the call does not
// return.
func (b *Bridge) Shutdown() error {
	ret := b.conduit.Call(FnSystemOff, 0, 0, 0)
	return fmt.Errorf("psci: SYSTEM_OFF returned %d: %w", ret, ErrReturned)
}

// CPUOn powers on the given core at the given entry point.
func (b *Bridge) CPUOn(core, entryPoint uint64) error {
	ret := b.conduit.Call(FnCPUOn, core, entryPoint, 0)
	if ret != RetSuccess {
		return fmt.Errorf("psci: CPU_ON core %d returned %d: %w", core, ret, ErrCallFailed)
	}
	return nil
}

// AffinityInfo queries the power state of the given core.
func (b *Bridge) AffinityInfo(core uint64) (AffinityState, error) {
	ret := b.conduit.Call(FnAffinityInfo, core, 0, 0)
	if ret < 0 {
		return 0, fmt.Errorf("psci: AFFINITY_INFO core %d returned %d: %w", core, ret, ErrCallFailed)
	}
	return AffinityState(ret), nil
}
