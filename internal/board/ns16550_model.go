package board

import (
	"bytes"
	"sync"
)

const (
	mNSData = 0
	mNSIER  = 1
	mNSLSR  = 5

	mNSLsrDataReady = 1 << 0
	mNSLsrTxEmpty   = 1 << 5

	mNSIerRxAvail = 1 << 0
)

// NS16550Model emulates crosvm's 8250-compatible UART. The transmitter
// never stalls; received bytes raise the line while the receive interrupt
// is enabled. Like the PL011 model, line changes happen outside the lock.
type NS16550Model struct {
	mu   sync.Mutex
	out  bytes.Buffer
	rx   []byte
	ier  uint8
	line *Line
}

func NewNS16550Model(line *Line) *NS16550Model {
	return &NS16550Model{line: line}
}

func (m *NS16550Model) Output() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.out.Bytes()...)
}

func (m *NS16550Model) Input(data []byte) {
	m.mu.Lock()
	m.rx = append(m.rx, data...)
	raise := m.ier&mNSIerRxAvail != 0 && len(m.rx) > 0
	m.mu.Unlock()
	if raise {
		m.line.Assert()
	}
}

func (m *NS16550Model) Read(off uint64, size int) uint64 {
	m.mu.Lock()
	var val uint64
	drained := false
	switch off {
	case mNSData:
		if len(m.rx) > 0 {
			val = uint64(m.rx[0])
			m.rx = m.rx[1:]
			drained = len(m.rx) == 0
		}
	case mNSIER:
		val = uint64(m.ier)
	case mNSLSR:
		val = mNSLsrTxEmpty
		if len(m.rx) > 0 {
			val |= mNSLsrDataReady
		}
	}
	m.mu.Unlock()

	if drained {
		m.line.Deassert()
	}
	return val
}

func (m *NS16550Model) Write(off uint64, size int, val uint64) {
	m.mu.Lock()
	raise := false
	switch off {
	case mNSData:
		m.out.WriteByte(byte(val))
	case mNSIER:
		m.ier = uint8(val)
		raise = m.ier&mNSIerRxAvail != 0 && len(m.rx) > 0
	}
	m.mu.Unlock()

	if raise {
		m.line.Assert()
	}
}

var _ Handler = (*NS16550Model)(nil)
