// Package pci provides guest-side access to PCI configuration space
// through a memory-mapped CAM or ECAM window: bus enumeration,
// capability walks, and BAR sizing and assignment.
package pci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/guestboot/internal/mmio"
)

// Type 0 configuration header offsets.
const (
	CfgVendorID   = 0x00
	CfgDeviceID   = 0x02
	CfgCommand    = 0x04
	CfgStatus     = 0x06
	CfgHeaderType = 0x0e
	CfgBAR0       = 0x10
	CfgCapPtr     = 0x34
)

// Command register bits.
const (
	CmdMemorySpace = 1 << 1
	CmdBusMaster   = 1 << 2
)

// StatusCapList means the function has a capability list.
const StatusCapList = 1 << 4

const (
	invalidVendor   = 0xffff
	headerMultiFunc = 0x80

	barIOSpace = 0x1
	barType64  = 0x4
	barMask    = 0xf
)

var (
	// ErrBadBAR means a BAR cannot be used: I/O space, unimplemented,
	// or not yet assigned an address.
	ErrBadBAR = errors.New("unusable BAR")

	// ErrNoSpace means the host bridge memory window ran out while
	// assigning BARs.
	ErrNoSpace = errors.New("PCI memory window exhausted")
)

// Address is one bus/device/function triple.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%d", a.Bus, a.Device, a.Function)
}

// Function is one discovered PCI function.
type Function struct {
	Address  Address
	VendorID uint16
	DeviceID uint16
}

// Capability is one entry of a function's capability list.
type Capability struct {
	ID     uint8
	Offset uint16
}

// ConfigSpace is a memory-mapped PCI configuration window. The CAM and
// ECAM layouts differ only in how an address/offset pair packs into the
// window.
type ConfigSpace struct {
	regs mmio.Window
	cam  bool
}

// NewECAM opens a PCIe ECAM configuration window at base.
func NewECAM(bus mmio.Bus, base uint64) *ConfigSpace {
	return &ConfigSpace{regs: mmio.Window{Bus: bus, Base: base}}
}

// NewCAM opens a legacy CAM configuration window at base.
func NewCAM(bus mmio.Bus, base uint64) *ConfigSpace {
	return &ConfigSpace{regs: mmio.Window{Bus: bus, Base: base}, cam: true}
}

func (c *ConfigSpace) offset(addr Address, reg uint16) uint64 {
	if c.cam {
		return uint64(addr.Bus)<<16 | uint64(addr.Device)<<11 | uint64(addr.Function)<<8 | uint64(reg&0xff)
	}
	return uint64(addr.Bus)<<20 | uint64(addr.Device)<<15 | uint64(addr.Function)<<12 | uint64(reg&0xfff)
}

// Read8 reads one byte of addr's configuration space.
func (c *ConfigSpace) Read8(addr Address, reg uint16) uint8 {
	return c.regs.Read8(c.offset(addr, reg))
}

// Read16 reads an aligned 16-bit configuration register.
func (c *ConfigSpace) Read16(addr Address, reg uint16) uint16 {
	return c.regs.Read16(c.offset(addr, reg))
}

// Write16 writes an aligned 16-bit configuration register.
func (c *ConfigSpace) Write16(addr Address, reg uint16, val uint16) {
	c.regs.Write16(c.offset(addr, reg), val)
}

// Read32 reads an aligned 32-bit configuration register.
func (c *ConfigSpace) Read32(addr Address, reg uint16) uint32 {
	return c.regs.Read32(c.offset(addr, reg))
}

// Write32 writes an aligned 32-bit configuration register.
func (c *ConfigSpace) Write32(addr Address, reg uint16, val uint32) {
	c.regs.Write32(c.offset(addr, reg), val)
}

// Enumerate scans bus 0 and returns every present function. Functions
// past 0 are probed only when the device's header marks it
// multi-function.
func (c *ConfigSpace) Enumerate() []Function {
	var out []Function
	for dev := uint8(0); dev < 32; dev++ {
		addr := Address{Device: dev}
		vendor := c.Read16(addr, CfgVendorID)
		if vendor == invalidVendor {
			continue
		}
		functions := uint8(1)
		if c.Read8(addr, CfgHeaderType)&headerMultiFunc != 0 {
			functions = 8
		}
		for fn := uint8(0); fn < functions; fn++ {
			a := Address{Device: dev, Function: fn}
			v := c.Read16(a, CfgVendorID)
			if v == invalidVendor {
				continue
			}
			out = append(out, Function{
				Address:  a,
				VendorID: v,
				DeviceID: c.Read16(a, CfgDeviceID),
			})
		}
	}
	return out
}

// Capabilities walks the function's capability list.
func (c *ConfigSpace) Capabilities(addr Address) []Capability {
	if c.Read16(addr, CfgStatus)&StatusCapList == 0 {
		return nil
	}
	var out []Capability
	off := uint16(c.Read8(addr, CfgCapPtr)) &^ 3
	// A sane list never has more entries than config space has dwords;
	// the bound breaks pointer loops.
	for off != 0 && len(out) < 64 {
		out = append(out, Capability{ID: c.Read8(addr, off), Offset: off})
		off = uint16(c.Read8(addr, off+1)) &^ 3
	}
	return out
}

// BAR returns the address assigned to the given memory BAR, reading the
// following slot too for a 64-bit BAR.
func (c *ConfigSpace) BAR(addr Address, index uint8) (uint64, error) {
	reg := CfgBAR0 + 4*uint16(index)
	low := c.Read32(addr, reg)
	if low&barIOSpace != 0 {
		return 0, fmt.Errorf("pci: %s BAR%d is I/O space: %w", addr, index, ErrBadBAR)
	}
	base := uint64(low &^ barMask)
	if low&barType64 != 0 {
		base |= uint64(c.Read32(addr, reg+4)) << 32
	}
	if base == 0 {
		return 0, fmt.Errorf("pci: %s BAR%d has no address: %w", addr, index, ErrBadBAR)
	}
	return base, nil
}

// EnableMemory turns on memory-space decode and bus mastering for the
// function. BARs must be assigned first.
func (c *ConfigSpace) EnableMemory(addr Address) {
	cmd := c.Read16(addr, CfgCommand)
	c.Write16(addr, CfgCommand, cmd|CmdMemorySpace|CmdBusMaster)
}

// BARAllocator hands out naturally aligned addresses from a host
// bridge's memory window.
type BARAllocator struct {
	next uint64
	end  uint64
}

// NewBARAllocator allocates from [base, base+size).
func NewBARAllocator(base, size uint64) *BARAllocator {
	return &BARAllocator{next: base, end: base + size}
}

// Alloc reserves size bytes aligned to size. BAR sizes are powers of
// two by construction.
func (a *BARAllocator) Alloc(size uint64) (uint64, error) {
	if size == 0 || size&(size-1) != 0 {
		return 0, fmt.Errorf("pci: BAR size %#x not a power of two: %w", size, ErrBadBAR)
	}
	addr := (a.next + size - 1) &^ (size - 1)
	if addr+size > a.end || addr+size < addr {
		return 0, fmt.Errorf("pci: %#x bytes at %#x: %w", size, addr, ErrNoSpace)
	}
	a.next = addr + size
	return addr, nil
}

// AssignBARs sizes every implemented memory BAR of the function,
// assigns each an address from alloc, and enables memory decode. I/O
// BARs are left alone.
func (c *ConfigSpace) AssignBARs(addr Address, alloc *BARAllocator) error {
	for index := uint8(0); index < 6; index++ {
		reg := CfgBAR0 + 4*uint16(index)
		orig := c.Read32(addr, reg)
		if orig&barIOSpace != 0 {
			continue
		}
		c.Write32(addr, reg, 0xffffffff)
		sized := c.Read32(addr, reg)
		if sized == 0 {
			continue // unimplemented
		}
		mask := uint64(sized&^barMask) | 0xffffffff00000000
		is64 := orig&barType64 != 0
		if is64 {
			c.Write32(addr, reg+4, 0xffffffff)
			mask = uint64(sized&^barMask) | uint64(c.Read32(addr, reg+4))<<32
		}
		size := ^mask + 1

		base, err := alloc.Alloc(size)
		if err != nil {
			return fmt.Errorf("pci: %s BAR%d: %w", addr, index, err)
		}
		c.Write32(addr, reg, uint32(base))
		if is64 {
			c.Write32(addr, reg+4, uint32(base>>32))
			index++
		}
	}
	c.EnableMemory(addr)
	return nil
}
