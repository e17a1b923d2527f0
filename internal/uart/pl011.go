package uart

import (
	"fmt"

	"github.com/tinyrange/guestboot/internal/mmio"
)

// PL011 register offsets.
const (
	pl011RegDR   = 0x00
	pl011RegFR   = 0x18
	pl011RegIBRD = 0x24
	pl011RegFBRD = 0x28
	pl011RegLCRH = 0x2c
	pl011RegCR   = 0x30
	pl011RegIMSC = 0x38
	pl011RegMIS  = 0x40
	pl011RegICR  = 0x44

	pl011FlagBusy    = 1 << 3
	pl011FlagRxEmpty = 1 << 4
	pl011FlagTxFull  = 1 << 5

	pl011CtrlEnable = 1 << 0
	pl011CtrlTxEn   = 1 << 8
	pl011CtrlRxEn   = 1 << 9

	pl011IntRx = 1 << 4
)

// PL011 drives an ARM PrimeCell PL011 UART.
type PL011 struct {
	regs     mmio.Window
	receiver func(b byte)
}

// NewPL011 constructs the driver and enables the UART for transmit and
// receive. Interrupts stay masked until EnableRxInterrupt.
func NewPL011(bus mmio.Bus, base uint64) *PL011 {
	p := &PL011{regs: mmio.Window{Bus: bus, Base: base}}
	p.regs.Write32(pl011RegIMSC, 0)
	p.regs.Write32(pl011RegCR, pl011CtrlEnable|pl011CtrlTxEn|pl011CtrlRxEn)
	return p
}

// WriteByte sends one byte, busy-polling while the transmit FIFO is full.
func (p *PL011) WriteByte(b byte) error {
	for i := 0; ; i++ {
		if p.regs.Read32(pl011RegFR)&pl011FlagTxFull == 0 {
			break
		}
		if i >= txPollLimit {
			return fmt.Errorf("pl011: transmit FIFO full: %w", ErrDeviceBusy)
		}
	}
	p.regs.Write32(pl011RegDR, uint32(b))
	return nil
}

// WriteBuffer sends every byte of buf.
func (p *PL011) WriteBuffer(buf []byte) error {
	for _, b := range buf {
		if err := p.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

// SetReceiver implements Console.
func (p *PL011) SetReceiver(fn func(b byte)) {
	p.receiver = fn
}

// EnableRxInterrupt unmasks the receive interrupt.
func (p *PL011) EnableRxInterrupt() {
	p.regs.Write32(pl011RegIMSC, pl011IntRx)
}

// HandleIRQ drains the receive FIFO into the receiver callback and clears
// the interrupt. Called from interrupt context; it must not log.
func (p *PL011) HandleIRQ() {
	for p.regs.Read32(pl011RegFR)&pl011FlagRxEmpty == 0 {
		b := byte(p.regs.Read32(pl011RegDR))
		if p.receiver != nil {
			p.receiver(b)
		}
	}
	p.regs.Write32(pl011RegICR, pl011IntRx)
}

var _ Console = (*PL011)(nil)
