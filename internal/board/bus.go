// Package board models the target machines well enough to run the guest
// bring-up against them on the host: a register bus, a GICv3 interrupt
// fabric, a boot core, and device models for the UARTs, the RTC, the
// virtio slots, and the PSCI firmware.
package board

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/guestboot/internal/mmio"
)

// Handler models one device's register window. Offsets are relative to
// the window base; size is 1, 4 or 8 bytes.
type Handler interface {
	Read(off uint64, size int) uint64
	Write(off uint64, size int, val uint64)
}

type busWindow struct {
	name string
	base uint64
	size uint64
	dev  Handler
}

// Bus dispatches register accesses to attached device windows. Accesses
// outside any window read as zero and drop writes, like the real
// machines' decode behavior for unbacked addresses.
type Bus struct {
	log     *slog.Logger
	windows []busWindow
}

// NewBus returns an empty bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Attach claims [base, base+size) for the device. Windows must not
// overlap.
func (b *Bus) Attach(name string, base, size uint64, dev Handler) error {
	if size == 0 {
		return fmt.Errorf("board: empty window for %s", name)
	}
	for _, w := range b.windows {
		if base < w.base+w.size && w.base < base+size {
			return fmt.Errorf("board: window %s [0x%x, 0x%x) overlaps %s [0x%x, 0x%x)",
				name, base, base+size, w.name, w.base, w.base+w.size)
		}
	}
	b.windows = append(b.windows, busWindow{name: name, base: base, size: size, dev: dev})
	sort.Slice(b.windows, func(i, j int) bool { return b.windows[i].base < b.windows[j].base })
	return nil
}

func (b *Bus) read(addr uint64, size int) uint64 {
	for _, w := range b.windows {
		if addr >= w.base && addr < w.base+w.size {
			return w.dev.Read(addr-w.base, size)
		}
	}
	b.log.Debug("read from unbacked address", "addr", fmt.Sprintf("0x%x", addr))
	return 0
}

func (b *Bus) write(addr uint64, size int, val uint64) {
	for _, w := range b.windows {
		if addr >= w.base && addr < w.base+w.size {
			w.dev.Write(addr-w.base, size, val)
			return
		}
	}
	b.log.Debug("write to unbacked address", "addr", fmt.Sprintf("0x%x", addr))
}

func (b *Bus) Read8(addr uint64) uint8         { return uint8(b.read(addr, 1)) }
func (b *Bus) Write8(addr uint64, val uint8)   { b.write(addr, 1, uint64(val)) }
func (b *Bus) Read16(addr uint64) uint16       { return uint16(b.read(addr, 2)) }
func (b *Bus) Write16(addr uint64, val uint16) { b.write(addr, 2, uint64(val)) }
func (b *Bus) Read32(addr uint64) uint32       { return uint32(b.read(addr, 4)) }
func (b *Bus) Write32(addr uint64, val uint32) { b.write(addr, 4, uint64(val)) }
func (b *Bus) Read64(addr uint64) uint64       { return b.read(addr, 8) }
func (b *Bus) Write64(addr uint64, val uint64) { b.write(addr, 8, val) }

var _ mmio.Bus = (*Bus)(nil)
