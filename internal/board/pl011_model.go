package board

import (
	"bytes"
	"sync"
)

// pl011 register offsets and bits, mirrored from the guest driver's view.
const (
	mPL011DR   = 0x00
	mPL011FR   = 0x18
	mPL011CR   = 0x30
	mPL011IMSC = 0x38
	mPL011MIS  = 0x40
	mPL011ICR  = 0x44

	mPL011RxEmpty = 1 << 4
	mPL011IntRx   = 1 << 4
)

// PL011Model emulates the QEMU virt machine's UART: transmitted bytes
// collect in a buffer, injected input raises the receive interrupt.
//
// Line changes happen outside the model lock. Asserting pumps interrupt
// delivery, and the handler comes right back in through Read.
type PL011Model struct {
	mu   sync.Mutex
	out  bytes.Buffer
	rx   []byte
	cr   uint32
	imsc uint32
	line *Line
}

func NewPL011Model(line *Line) *PL011Model {
	return &PL011Model{line: line}
}

// Output returns everything the guest has transmitted.
func (m *PL011Model) Output() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.out.Bytes()...)
}

// Input feeds bytes into the receive FIFO, asserting the line if the
// receive interrupt is unmasked.
func (m *PL011Model) Input(data []byte) {
	m.mu.Lock()
	m.rx = append(m.rx, data...)
	raise := m.imsc&mPL011IntRx != 0 && len(m.rx) > 0
	m.mu.Unlock()
	if raise {
		m.line.Assert()
	}
}

func (m *PL011Model) Read(off uint64, size int) uint64 {
	m.mu.Lock()
	var val uint64
	drained := false
	switch off {
	case mPL011DR:
		if len(m.rx) > 0 {
			val = uint64(m.rx[0])
			m.rx = m.rx[1:]
			drained = len(m.rx) == 0
		}
	case mPL011FR:
		if len(m.rx) == 0 {
			val = mPL011RxEmpty
		}
	case mPL011CR:
		val = uint64(m.cr)
	case mPL011IMSC:
		val = uint64(m.imsc)
	case mPL011MIS:
		if m.imsc&mPL011IntRx != 0 && len(m.rx) > 0 {
			val = mPL011IntRx
		}
	}
	m.mu.Unlock()

	if drained {
		m.line.Deassert()
	}
	return val
}

func (m *PL011Model) Write(off uint64, size int, val uint64) {
	m.mu.Lock()
	raise := false
	switch off {
	case mPL011DR:
		m.out.WriteByte(byte(val))
	case mPL011CR:
		m.cr = uint32(val)
	case mPL011IMSC:
		m.imsc = uint32(val)
		raise = m.imsc&mPL011IntRx != 0 && len(m.rx) > 0
	case mPL011ICR:
		// Interrupt state here is level: it follows the FIFO, so the
		// clear register has nothing latched to clear.
	}
	m.mu.Unlock()

	if raise {
		m.line.Assert()
	}
}

var _ Handler = (*PL011Model)(nil)
