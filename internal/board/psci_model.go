package board

import (
	"sync"

	"github.com/tinyrange/guestboot/internal/psci"
)

// PowerState is the machine's lifecycle as driven through PSCI.
type PowerState int

const (
	PowerRunning PowerState = iota
	PowerOff
	PowerReset
)

func (s PowerState) String() string {
	switch s {
	case PowerRunning:
		return "running"
	case PowerOff:
		return "off"
	case PowerReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Firmware models the PSCI implementation behind the SMC conduit. On real
// hardware SYSTEM_OFF and SYSTEM_RESET do not return; the model latches
// the requested state and returns, which the caller treats as the call
// having failed to take effect.
type Firmware struct {
	mu      sync.Mutex
	state   PowerState
	cpuOn   map[uint64]uint64 // target MPIDR -> entry point
	version int64
}

// NewFirmware models PSCI 1.1 with the boot core already on.
func NewFirmware() *Firmware {
	return &Firmware{
		cpuOn:   map[uint64]uint64{0: 0},
		version: 0x0001_0001,
	}
}

// State reports the latched power state.
func (f *Firmware) State() PowerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// StartedCPUs returns the MPIDRs brought online through CPU_ON, the boot
// core included.
func (f *Firmware) StartedCPUs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint64
	for mpidr := range f.cpuOn {
		out = append(out, mpidr)
	}
	return out
}

func (f *Firmware) Call(fn uint32, arg0, arg1, arg2 uint64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != PowerRunning {
		// Nothing should be calling after the machine halted.
		return psci.RetDenied
	}

	switch fn {
	case psci.FnVersion:
		return f.version
	case psci.FnSystemOff:
		f.state = PowerOff
		return psci.RetSuccess
	case psci.FnSystemReset:
		f.state = PowerReset
		return psci.RetSuccess
	case psci.FnCPUOn:
		if _, on := f.cpuOn[arg0]; on {
			return psci.RetAlreadyOn
		}
		f.cpuOn[arg0] = arg1
		return psci.RetSuccess
	case psci.FnCPUOff:
		delete(f.cpuOn, arg0)
		return psci.RetSuccess
	case psci.FnAffinityInfo:
		if _, on := f.cpuOn[arg0]; on {
			return int64(psci.AffinityOn)
		}
		return int64(psci.AffinityOff)
	}
	return psci.RetNotSupported
}

var _ psci.Conduit = (*Firmware)(nil)
