package pci

import (
	"errors"
	"testing"
)

// mockFunction models one function's config space: a static byte image
// plus a sizable 64-bit memory BAR0.
type mockFunction struct {
	cfg     [256]byte
	bar0lo  uint32
	bar0hi  uint32
	barSize uint32
}

func newMockFunction(vendor, device uint16) *mockFunction {
	f := &mockFunction{barSize: 0x4000}
	f.put16(CfgVendorID, vendor)
	f.put16(CfgDeviceID, device)
	return f
}

func (f *mockFunction) put16(off int, v uint16) {
	f.cfg[off] = byte(v)
	f.cfg[off+1] = byte(v >> 8)
}

func (f *mockFunction) byteAt(reg uint16) byte {
	if reg >= CfgBAR0 && reg < CfgBAR0+8 {
		lo := f.bar0lo&^(f.barSize-1) | barType64
		hi := f.bar0hi
		if f.bar0lo == 0xffffffff {
			lo = ^(f.barSize - 1) | barType64
		}
		if f.bar0hi == 0xffffffff {
			hi = 0xffffffff
		}
		combined := uint64(hi)<<32 | uint64(lo)
		return byte(combined >> ((reg - CfgBAR0) * 8))
	}
	return f.cfg[reg]
}

func (f *mockFunction) write32(reg uint16, val uint32) {
	switch reg {
	case CfgBAR0:
		f.bar0lo = val
	case CfgBAR0 + 4:
		f.bar0hi = val
	}
}

// mockConfigBus serves ECAM config space at bus address zero.
type mockConfigBus struct {
	fns map[uint8]*mockFunction
}

func (b *mockConfigBus) fn(addr uint64) (*mockFunction, uint16) {
	dev := uint8(addr>>15) & 0x1f
	if fn := uint8(addr>>12) & 0x7; fn != 0 {
		return nil, 0
	}
	return b.fns[dev], uint16(addr) & 0xfff
}

func (b *mockConfigBus) read(addr uint64, size int) uint64 {
	f, reg := b.fn(addr)
	if f == nil {
		return ^uint64(0) >> (64 - 8*size)
	}
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(f.byteAt(reg+uint16(i))) << (8 * i)
	}
	return v
}

func (b *mockConfigBus) write(addr uint64, size int, val uint64) {
	f, reg := b.fn(addr)
	if f == nil {
		return
	}
	switch size {
	case 4:
		f.write32(reg, uint32(val))
	case 2:
		if reg == CfgCommand {
			f.put16(CfgCommand, uint16(val))
		}
	}
}

func (b *mockConfigBus) Read8(addr uint64) uint8         { return uint8(b.read(addr, 1)) }
func (b *mockConfigBus) Write8(addr uint64, val uint8)   { b.write(addr, 1, uint64(val)) }
func (b *mockConfigBus) Read16(addr uint64) uint16       { return uint16(b.read(addr, 2)) }
func (b *mockConfigBus) Write16(addr uint64, val uint16) { b.write(addr, 2, uint64(val)) }
func (b *mockConfigBus) Read32(addr uint64) uint32       { return uint32(b.read(addr, 4)) }
func (b *mockConfigBus) Write32(addr uint64, val uint32) { b.write(addr, 4, uint64(val)) }
func (b *mockConfigBus) Read64(addr uint64) uint64       { return b.read(addr, 8) }
func (b *mockConfigBus) Write64(addr uint64, val uint64) { b.write(addr, 8, val) }

func newTestSpace() (*ConfigSpace, map[uint8]*mockFunction) {
	fns := map[uint8]*mockFunction{
		0: newMockFunction(0x1af4, 0x1042),
		5: newMockFunction(0x8086, 0x1234),
	}
	// Function 0 carries a two-entry capability list.
	f := fns[0]
	f.put16(CfgStatus, StatusCapList)
	f.cfg[CfgCapPtr] = 0x40
	f.cfg[0x40] = 0x09
	f.cfg[0x41] = 0x50
	f.cfg[0x50] = 0x11
	f.cfg[0x51] = 0x00
	return NewECAM(&mockConfigBus{fns: fns}, 0), fns
}

func TestEnumerate(t *testing.T) {
	space, _ := newTestSpace()
	fns := space.Enumerate()
	if len(fns) != 2 {
		t.Fatalf("found %d functions, want 2", len(fns))
	}
	if fns[0].VendorID != 0x1af4 || fns[0].DeviceID != 0x1042 {
		t.Errorf("function 0 = %04x:%04x", fns[0].VendorID, fns[0].DeviceID)
	}
	if fns[1].Address.Device != 5 || fns[1].VendorID != 0x8086 {
		t.Errorf("function 1 = %+v", fns[1])
	}
}

func TestCapabilities(t *testing.T) {
	space, _ := newTestSpace()
	caps := space.Capabilities(Address{})
	if len(caps) != 2 {
		t.Fatalf("caps = %v, want 2 entries", caps)
	}
	if caps[0].ID != 0x09 || caps[0].Offset != 0x40 {
		t.Errorf("cap 0 = %+v", caps[0])
	}
	if caps[1].ID != 0x11 || caps[1].Offset != 0x50 {
		t.Errorf("cap 1 = %+v", caps[1])
	}

	// No capability list bit, no walk.
	if caps := space.Capabilities(Address{Device: 5}); caps != nil {
		t.Errorf("caps without list bit = %v", caps)
	}
}

func TestAssignBARs(t *testing.T) {
	space, fns := newTestSpace()
	alloc := NewBARAllocator(0x10000000, 0x100000)

	if err := space.AssignBARs(Address{}, alloc); err != nil {
		t.Fatalf("AssignBARs failed: %v", err)
	}

	base, err := space.BAR(Address{}, 0)
	if err != nil {
		t.Fatalf("BAR failed: %v", err)
	}
	if base != 0x10000000 {
		t.Errorf("BAR0 = %#x, want window base", base)
	}
	if base%uint64(fns[0].barSize) != 0 {
		t.Errorf("BAR0 %#x not naturally aligned", base)
	}
	if cmd := space.Read16(Address{}, CfgCommand); cmd&(CmdMemorySpace|CmdBusMaster) != CmdMemorySpace|CmdBusMaster {
		t.Errorf("command = %#x, memory decode not enabled", cmd)
	}
}

func TestBARBeforeAssignment(t *testing.T) {
	space, _ := newTestSpace()
	if _, err := space.BAR(Address{}, 0); !errors.Is(err, ErrBadBAR) {
		t.Errorf("err = %v, want ErrBadBAR", err)
	}
}

func TestBARAllocator(t *testing.T) {
	alloc := NewBARAllocator(0x10001000, 0x10000)

	// The first allocation rounds up to its own alignment.
	a, err := alloc.Alloc(0x4000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if a != 0x10004000 {
		t.Errorf("a = %#x, want aligned to size", a)
	}

	if _, err := alloc.Alloc(0x3000); !errors.Is(err, ErrBadBAR) {
		t.Error("non-power-of-two size not rejected")
	}
	if _, err := alloc.Alloc(0x10000); !errors.Is(err, ErrNoSpace) {
		t.Error("exhausted window not reported")
	}
}

func TestCAMOffsetEncoding(t *testing.T) {
	rec := &recordingBus{}
	cam := NewCAM(rec, 0)
	cam.Read8(Address{Device: 3, Function: 1}, 0x3c)
	ecam := NewECAM(rec, 0)
	ecam.Read8(Address{Device: 3, Function: 1}, 0x3c)

	want := []uint64{
		3<<11 | 1<<8 | 0x3c,
		3<<15 | 1<<12 | 0x3c,
	}
	if len(rec.reads) != 2 || rec.reads[0] != want[0] || rec.reads[1] != want[1] {
		t.Errorf("reads = %#x, want %#x", rec.reads, want)
	}
}

type recordingBus struct {
	reads []uint64
}

func (r *recordingBus) Read8(addr uint64) uint8 {
	r.reads = append(r.reads, addr)
	return 0
}
func (r *recordingBus) Write8(addr uint64, val uint8)   {}
func (r *recordingBus) Read16(addr uint64) uint16       { return 0 }
func (r *recordingBus) Write16(addr uint64, val uint16) {}
func (r *recordingBus) Read32(addr uint64) uint32       { return 0 }
func (r *recordingBus) Write32(addr uint64, val uint32) {}
func (r *recordingBus) Read64(addr uint64) uint64       { return 0 }
func (r *recordingBus) Write64(addr uint64, val uint64) {}
