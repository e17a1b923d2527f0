// Package mmio defines how guest drivers touch device registers: reads and
// writes at physical addresses through an already-mapped bus.
package mmio

// Bus performs register accesses at physical addresses. Accesses assume the
// address space already maps the target as device memory; drivers never
// touch unmapped addresses.
type Bus interface {
	Read8(addr uint64) uint8
	Write8(addr uint64, val uint8)
	Read16(addr uint64) uint16
	Write16(addr uint64, val uint16)
	Read32(addr uint64) uint32
	Write32(addr uint64, val uint32)
	Read64(addr uint64) uint64
	Write64(addr uint64, val uint64)
}

// Window is a convenience wrapper fixing a device's base address, so
// drivers address registers by offset.
type Window struct {
	Bus  Bus
	Base uint64
}

func (w Window) Read8(off uint64) uint8         { return w.Bus.Read8(w.Base + off) }
func (w Window) Write8(off uint64, val uint8)   { w.Bus.Write8(w.Base+off, val) }
func (w Window) Read16(off uint64) uint16       { return w.Bus.Read16(w.Base + off) }
func (w Window) Write16(off uint64, val uint16) { w.Bus.Write16(w.Base+off, val) }
func (w Window) Read32(off uint64) uint32       { return w.Bus.Read32(w.Base + off) }
func (w Window) Write32(off uint64, val uint32) { w.Bus.Write32(w.Base+off, val) }
func (w Window) Read64(off uint64) uint64       { return w.Bus.Read64(w.Base + off) }
func (w Window) Write64(off uint64, val uint64) { w.Bus.Write64(w.Base+off, val) }
