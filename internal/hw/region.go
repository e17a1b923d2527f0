// Package hw models the physical memory map and peripheral set discovered
// from a hardware description blob.
package hw

import "fmt"

// RegionKind classifies a physical memory region.
type RegionKind int

const (
	KindRAM RegionKind = iota
	KindMMIO
	KindReserved
)

func (k RegionKind) String() string {
	switch k {
	case KindRAM:
		return "ram"
	case KindMMIO:
		return "mmio"
	case KindReserved:
		return "reserved"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Region is a contiguous physical address range.
type Region struct {
	Base   uint64
	Length uint64
	Kind   RegionKind
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return r.Base + r.Length
}

// Overlaps reports whether the two regions share any address.
func (r Region) Overlaps(other Region) bool {
	return r.Base < other.End() && other.Base < r.End()
}

// Contains reports whether the region fully covers other.
func (r Region) Contains(other Region) bool {
	return other.Base >= r.Base && other.End() <= r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%s[0x%x-0x%x)", r.Kind, r.Base, r.End())
}
