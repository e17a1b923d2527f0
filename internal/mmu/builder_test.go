package mmu

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/tinyrange/guestboot/internal/hw"
)

func testPlatform() *hw.Platform {
	return &hw.Platform{
		RAM:  []hw.Region{{Base: 0x40000000, Length: 0x8000000, Kind: hw.KindRAM}},
		GICD: hw.Region{Base: 0x8000000, Length: 0x10000, Kind: hw.KindMMIO},
		GICR: hw.Region{Base: 0x80a0000, Length: 0x20000, Kind: hw.KindMMIO},
		Devices: []hw.DeviceNode{
			{Kind: hw.DeviceConsole, Region: hw.Region{Base: 0x9000000, Length: 0x1000, Kind: hw.KindMMIO}},
		},
	}
}

func testLayout() Layout {
	return Layout{
		Text: hw.Region{Base: 0x40000000, Length: 0x200000, Kind: hw.KindRAM},
		Data: hw.Region{Base: 0x40200000, Length: 0x200000, Kind: hw.KindRAM},
		Heap: hw.Region{Base: 0x40400000, Length: 0x400000, Kind: hw.KindRAM},
	}
}

func TestBuildInstallsAndActivates(t *testing.T) {
	tbl := NewIdentityTable()
	if err := Build(tbl, testPlatform(), testLayout()); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !tbl.Active() {
		t.Fatal("table not activated")
	}

	entry, ok := tbl.Lookup(0x40000000)
	if !ok || entry.Attrs != MemoryRX {
		t.Errorf("text mapping = %v ok=%v, want rx normal", entry, ok)
	}
	entry, ok = tbl.Lookup(0x40400000)
	if !ok || entry.Attrs != MemoryRW {
		t.Errorf("heap mapping = %v ok=%v, want rw normal", entry, ok)
	}
	entry, ok = tbl.Lookup(0x9000000)
	if !ok || entry.Attrs != DeviceRW {
		t.Errorf("console mapping = %v ok=%v, want rw device", entry, ok)
	}
	// Spare RAM behind the layout is still usable.
	if _, ok := tbl.Lookup(0x47f00000); !ok {
		t.Error("spare RAM not mapped")
	}
}

func TestBuildNeverProducesWritableExecutable(t *testing.T) {
	tbl := NewIdentityTable()
	if err := Build(tbl, testPlatform(), testLayout()); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for _, e := range tbl.Entries() {
		if e.Attrs.WritableExecutable() {
			t.Errorf("entry %s is writable and executable", e)
		}
	}
}

func TestBuildCarvesAtCoarsestGranule(t *testing.T) {
	tbl := NewIdentityTable()
	// 2 MiB + 3 pages, starting one page before a block boundary.
	base := uint64(0x40000000 + BlockSize - PageSize)
	if err := mapCarved(tbl, base, BlockSize+4*PageSize, MemoryRW); err != nil {
		t.Fatalf("mapCarved failed: %v", err)
	}

	entries := tbl.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want head pages + block + tail pages", len(entries))
	}
	if entries[0].Length != PageSize {
		t.Errorf("head run length = 0x%x, want one page", entries[0].Length)
	}
	if entries[1].Length != BlockSize || entries[1].Virt%BlockSize != 0 {
		t.Errorf("block run = %s", entries[1])
	}
	if entries[2].Length != 3*PageSize {
		t.Errorf("tail run length = 0x%x, want three pages", entries[2].Length)
	}
}

func TestMapCarvedRejectsSubPageRemainder(t *testing.T) {
	tbl := NewIdentityTable()
	err := mapCarved(tbl, 0x40000000, PageSize+0x200, MemoryRW)
	if !errors.Is(err, ErrMappingConflict) {
		t.Errorf("err = %v, want ErrMappingConflict", err)
	}
	if len(tbl.Entries()) != 0 {
		t.Error("partial mapping installed despite rejection")
	}
}

func TestMapRejectsIncompatibleOverlap(t *testing.T) {
	tbl := NewIdentityTable()
	if err := tbl.Map(0x40000000, 0x40000000, BlockSize, MemoryRX); err != nil {
		t.Fatalf("first map failed: %v", err)
	}
	err := tbl.Map(0x40000000, 0x40000000, PageSize, MemoryRW)
	if !errors.Is(err, ErrMappingConflict) {
		t.Errorf("err = %v, want ErrMappingConflict", err)
	}
}

func TestMapCompatibleRemapIsNoop(t *testing.T) {
	tbl := NewIdentityTable()
	if err := tbl.Map(0x9000000, 0x9000000, PageSize, DeviceRW); err != nil {
		t.Fatalf("first map failed: %v", err)
	}
	if err := tbl.Map(0x9000000, 0x9000000, PageSize, DeviceRW); err != nil {
		t.Fatalf("identical remap failed: %v", err)
	}
	if len(tbl.Entries()) != 1 {
		t.Errorf("entries = %d, want 1", len(tbl.Entries()))
	}
}

func TestMapDeviceUnalignedWindow(t *testing.T) {
	tbl := NewIdentityTable()
	// An 8-byte register window in the middle of a page, like crosvm's
	// 8250 at 0x3f8.
	win := hw.Region{Base: 0x3f8, Length: 8, Kind: hw.KindMMIO}
	if err := MapDevice(tbl, win); err != nil {
		t.Fatalf("MapDevice failed: %v", err)
	}
	entry, ok := tbl.Lookup(0x3f8)
	if !ok || entry.Attrs != DeviceRW {
		t.Fatalf("window mapping = %v ok=%v, want rw device", entry, ok)
	}
	if entry.Virt != 0 || entry.Length != PageSize {
		t.Errorf("entry = %s, want the containing page", entry)
	}

	// A second window on the same page dedupes.
	if err := MapDevice(tbl, hw.Region{Base: 0x2e8, Length: 8, Kind: hw.KindMMIO}); err != nil {
		t.Fatalf("MapDevice on shared page failed: %v", err)
	}
	if len(tbl.Entries()) != 1 {
		t.Errorf("entries = %d, want 1", len(tbl.Entries()))
	}
}

func TestMapRejectsWritableExecutable(t *testing.T) {
	tbl := NewIdentityTable()
	err := tbl.Map(0x40000000, 0x40000000, PageSize, MemoryRW|AttrExecute)
	if !errors.Is(err, ErrMappingConflict) {
		t.Errorf("err = %v, want ErrMappingConflict", err)
	}
}

func TestActivateTwiceFails(t *testing.T) {
	tbl := NewIdentityTable()
	if err := tbl.Activate(); err != nil {
		t.Fatalf("first activate failed: %v", err)
	}
	if err := tbl.Activate(); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("err = %v, want ErrAlreadyActive", err)
	}
}

func TestBuildRejectsLayoutOutsideRAM(t *testing.T) {
	tbl := NewIdentityTable()
	layout := testLayout()
	layout.Heap = hw.Region{Base: 0x90000000, Length: 0x100000, Kind: hw.KindRAM}
	err := Build(tbl, testPlatform(), layout)
	if !errors.Is(err, ErrMappingConflict) {
		t.Errorf("err = %v, want ErrMappingConflict", err)
	}
	if tbl.Active() {
		t.Error("table activated despite build failure")
	}
}

// TestBuildRandomPlatformsProperty drives the builder with randomly carved
// layouts and checks the W^X and determinism properties hold for every
// successful build.
func TestBuildRandomPlatformsProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		ramLen := uint64(rng.Intn(64)+16) * BlockSize
		plat := &hw.Platform{
			RAM:  []hw.Region{{Base: 0x40000000, Length: ramLen, Kind: hw.KindRAM}},
			GICD: hw.Region{Base: 0x8000000, Length: 0x10000, Kind: hw.KindMMIO},
			GICR: hw.Region{Base: 0x80a0000, Length: 0x20000, Kind: hw.KindMMIO},
		}

		// Random page-aligned carve points inside RAM.
		textLen := uint64(rng.Intn(512)+1) * PageSize
		dataLen := uint64(rng.Intn(512)+1) * PageSize
		heapLen := uint64(rng.Intn(1024)+1) * PageSize
		layout := Layout{
			Text: hw.Region{Base: 0x40000000, Length: textLen, Kind: hw.KindRAM},
			Data: hw.Region{Base: 0x40000000 + textLen, Length: dataLen, Kind: hw.KindRAM},
			Heap: hw.Region{Base: 0x40000000 + textLen + dataLen, Length: heapLen, Kind: hw.KindRAM},
		}

		a := NewIdentityTable()
		if err := Build(a, plat, layout); err != nil {
			t.Fatalf("iteration %d: Build failed: %v", i, err)
		}
		for _, e := range a.Entries() {
			if e.Attrs.WritableExecutable() {
				t.Fatalf("iteration %d: entry %s is writable and executable", i, e)
			}
		}

		b := NewIdentityTable()
		if err := Build(b, plat, layout); err != nil {
			t.Fatalf("iteration %d: rebuild failed: %v", i, err)
		}
		ae, be := a.Entries(), b.Entries()
		if len(ae) != len(be) {
			t.Fatalf("iteration %d: rebuild produced %d entries, want %d", i, len(be), len(ae))
		}
		for j := range ae {
			if ae[j] != be[j] {
				t.Fatalf("iteration %d: entry %d differs: %s vs %s", i, j, ae[j], be[j])
			}
		}
	}
}
