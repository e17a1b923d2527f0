package uart

import (
	"fmt"

	"github.com/tinyrange/guestboot/internal/mmio"
)

// NS16550 register offsets. Only what crosvm's emulated 8250 implements.
const (
	ns16550RegData = 0 // RBR on read, THR on write
	ns16550RegIER  = 1
	ns16550RegLSR  = 5

	ns16550LsrDataReady = 1 << 0
	ns16550LsrTxEmpty   = 1 << 5

	ns16550IerRxAvail = 1 << 0
)

// NS16550 drives the 8250-compatible UART crosvm emulates. It only
// implements enough for that emulation and won't work with real hardware.
type NS16550 struct {
	regs     mmio.Window
	receiver func(b byte)
}

// NewNS16550 constructs the driver. Interrupts stay masked until
// EnableRxInterrupt.
func NewNS16550(bus mmio.Bus, base uint64) *NS16550 {
	n := &NS16550{regs: mmio.Window{Bus: bus, Base: base}}
	n.regs.Write8(ns16550RegIER, 0)
	return n
}

// WriteByte sends one byte, busy-polling while the holding register is
// occupied.
func (n *NS16550) WriteByte(b byte) error {
	for i := 0; ; i++ {
		if n.regs.Read8(ns16550RegLSR)&ns16550LsrTxEmpty != 0 {
			break
		}
		if i >= txPollLimit {
			return fmt.Errorf("ns16550: holding register occupied: %w", ErrDeviceBusy)
		}
	}
	n.regs.Write8(ns16550RegData, b)
	return nil
}

// WriteBuffer sends every byte of buf.
func (n *NS16550) WriteBuffer(buf []byte) error {
	for _, b := range buf {
		if err := n.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

// SetReceiver implements Console.
func (n *NS16550) SetReceiver(fn func(b byte)) {
	n.receiver = fn
}

// EnableRxInterrupt enables the received-data-available interrupt.
func (n *NS16550) EnableRxInterrupt() {
	n.regs.Write8(ns16550RegIER, ns16550IerRxAvail)
}

// HandleIRQ drains available bytes into the receiver callback.
func (n *NS16550) HandleIRQ() {
	for n.regs.Read8(ns16550RegLSR)&ns16550LsrDataReady != 0 {
		b := n.regs.Read8(ns16550RegData)
		if n.receiver != nil {
			n.receiver(b)
		}
	}
}

var _ Console = (*NS16550)(nil)
