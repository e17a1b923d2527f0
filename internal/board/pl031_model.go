package board

import (
	"sync"
	"time"
)

const (
	mPL031DR = 0x00
	mPL031LR = 0x08
	mPL031CR = 0x0c
)

// PL031Model emulates the PL031 RTC over an injectable time source.
type PL031Model struct {
	mu     sync.Mutex
	now    func() time.Time
	offset int64
	cr     uint32
}

// NewPL031Model builds the clock; a nil source means wall time.
func NewPL031Model(now func() time.Time) *PL031Model {
	if now == nil {
		now = time.Now
	}
	return &PL031Model{now: now}
}

func (m *PL031Model) Read(off uint64, size int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch off {
	case mPL031DR:
		return uint64(uint32(m.now().Unix() + m.offset))
	case mPL031CR:
		return uint64(m.cr)
	}
	return 0
}

func (m *PL031Model) Write(off uint64, size int, val uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch off {
	case mPL031LR:
		m.offset = int64(int32(val)) - m.now().Unix()
	case mPL031CR:
		m.cr = uint32(val)
	}
}

var _ Handler = (*PL031Model)(nil)
