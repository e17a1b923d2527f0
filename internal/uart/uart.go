// Package uart provides the guest-side console drivers: the PL011 used by
// the QEMU virt machine and the 8250-compatible NS16550 used by crosvm.
package uart

import "errors"

// ErrDeviceBusy is returned when the transmitter stays busy past the
// bounded poll limit. Writes never block forever.
var ErrDeviceBusy = errors.New("uart transmitter busy")

// txPollLimit bounds the busy-poll on the transmit-ready flag.
const txPollLimit = 100000

// Console is the console collaborator consumed by the bring-up sequencer:
// blocking byte output plus an interrupt callback for received bytes.
type Console interface {
	WriteByte(b byte) error
	WriteBuffer(buf []byte) error

	// SetReceiver installs the callback invoked from interrupt context for
	// each received byte. It must be called before the console's interrupt
	// line is registered.
	SetReceiver(fn func(b byte))

	// EnableRxInterrupt unmasks the receive interrupt at the device.
	EnableRxInterrupt()

	// HandleIRQ services the device's interrupt: drains received bytes
	// into the receiver callback and clears the device's interrupt state.
	HandleIRQ()
}
