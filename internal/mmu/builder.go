package mmu

import (
	"fmt"

	"github.com/tinyrange/guestboot/internal/hw"
)

// Mapping granules. Regions are carved at the coarsest granule alignment
// allows, falling back to pages at region boundaries.
const (
	PageSize  = 0x1000
	BlockSize = 0x200000
)

// Layout describes how the execution image uses RAM. Any range with zero
// length is skipped. Text is mapped read-only executable, Data and Heap
// writable non-executable; RAM not claimed by the layout is mapped like
// Data.
type Layout struct {
	Text hw.Region
	Data hw.Region
	Heap hw.Region
}

func (l Layout) ranges() []carvedRange {
	return []carvedRange{
		{l.Text, MemoryRX, "text"},
		{l.Data, MemoryRW, "data"},
		{l.Heap, MemoryRW, "heap"},
	}
}

type carvedRange struct {
	region hw.Region
	attrs  Attributes
	name   string
}

// Build installs the full address space for the platform onto tbl and
// activates it. Every MMIO region becomes a device-memory non-executable
// mapping; RAM is mapped per the layout. Activation is the last step; any
// mapping failure aborts before activation.
func Build(tbl Table, plat *hw.Platform, layout Layout) error {
	carved := layout.ranges()

	for i, cr := range carved {
		if cr.region.Length == 0 {
			continue
		}
		if !insideRAM(plat, cr.region) {
			return fmt.Errorf("mmu: %s range %s not covered by RAM: %w", cr.name, cr.region, ErrMappingConflict)
		}
		for j := 0; j < i; j++ {
			if carved[j].region.Length != 0 && cr.region.Overlaps(carved[j].region) {
				return fmt.Errorf("mmu: %s range %s overlaps %s range %s: %w",
					cr.name, cr.region, carved[j].name, carved[j].region, ErrMappingConflict)
			}
		}
		if err := mapCarved(tbl, cr.region.Base, cr.region.Length, cr.attrs); err != nil {
			return fmt.Errorf("mmu: map %s: %w", cr.name, err)
		}
	}

	for _, ram := range plat.RAM {
		for _, rest := range subtractLayout(ram, carved) {
			if err := mapCarved(tbl, rest.Base, rest.Length, MemoryRW); err != nil {
				return fmt.Errorf("mmu: map spare ram: %w", err)
			}
		}
	}

	for _, region := range plat.MMIORegions() {
		if err := MapDevice(tbl, region); err != nil {
			return err
		}
	}

	return tbl.Activate()
}

// MapDevice installs a device-memory non-executable mapping for the region.
// Register windows need not be page aligned; the mapping covers the
// containing pages, one entry per page so windows sharing a page dedupe
// as identical remaps.
func MapDevice(tbl Table, region hw.Region) error {
	if region.Length == 0 {
		return fmt.Errorf("mmu: empty device region %s: %w", region, ErrMappingConflict)
	}
	base := region.Base &^ (PageSize - 1)
	end := alignUp(region.End(), PageSize)
	for page := base; page < end; page += PageSize {
		if err := tbl.Map(page, page, PageSize, DeviceRW); err != nil {
			return fmt.Errorf("mmu: map device region %s: %w", region, err)
		}
	}
	return nil
}

func alignUp(value, align uint64) uint64 {
	mask := align - 1
	return (value + mask) &^ mask
}

// mapCarved maps [base, base+length) at the coarsest granule the alignment
// allows: leading pages up to a block boundary, then whole blocks, then
// trailing pages. Remainders are mapped at the finer granule, never rounded
// up past the region end.
func mapCarved(tbl Table, base, length uint64, attrs Attributes) error {
	if base%PageSize != 0 || length%PageSize != 0 {
		return fmt.Errorf("mmu: range 0x%x+0x%x not page aligned: %w", base, length, ErrMappingConflict)
	}

	end := base + length

	// Leading pages until the first block boundary.
	if head := base % BlockSize; head != 0 {
		run := min64(BlockSize-head, end-base)
		if err := tbl.Map(base, base, run, attrs); err != nil {
			return err
		}
		base += run
	}
	if base >= end {
		return nil
	}

	// Whole blocks.
	if blocks := (end - base) / BlockSize * BlockSize; blocks != 0 {
		if err := tbl.Map(base, base, blocks, attrs); err != nil {
			return err
		}
		base += blocks
	}

	// Trailing pages.
	if base < end {
		if err := tbl.Map(base, base, end-base, attrs); err != nil {
			return err
		}
	}
	return nil
}

func insideRAM(plat *hw.Platform, region hw.Region) bool {
	for _, ram := range plat.RAM {
		if ram.Contains(region) {
			return true
		}
	}
	return false
}

// subtractLayout returns the pieces of ram not claimed by any carved range.
func subtractLayout(ram hw.Region, carved []carvedRange) []hw.Region {
	rest := []hw.Region{ram}
	for _, cr := range carved {
		if cr.region.Length == 0 {
			continue
		}
		var next []hw.Region
		for _, r := range rest {
			next = append(next, subtract(r, cr.region)...)
		}
		rest = next
	}
	return rest
}

func subtract(r, cut hw.Region) []hw.Region {
	if !r.Overlaps(cut) {
		return []hw.Region{r}
	}
	var out []hw.Region
	if cut.Base > r.Base {
		out = append(out, hw.Region{Base: r.Base, Length: cut.Base - r.Base, Kind: r.Kind})
	}
	if cut.End() < r.End() {
		out = append(out, hw.Region{Base: cut.End(), Length: r.End() - cut.End(), Kind: r.Kind})
	}
	return out
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
