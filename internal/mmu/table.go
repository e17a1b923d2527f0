package mmu

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrMappingConflict is wrapped by every mapping failure. Address space
	// correctness is foundational, so callers must treat it as fatal.
	ErrMappingConflict = errors.New("mapping conflict")

	// ErrAlreadyActive is returned when Activate is called twice.
	ErrAlreadyActive = errors.New("translation table already active")
)

// Table is the page-table collaborator the builder drives.
type Table interface {
	// Map installs a mapping for [virt, virt+length) onto
	// [phys, phys+length). Overlap with an existing mapping of
	// incompatible attributes fails wrapping ErrMappingConflict.
	Map(virt, phys, length uint64, attrs Attributes) error

	// Activate installs the table as the active translation. It must be
	// the last step of address-space construction and must not be
	// re-entered.
	Activate() error
}

// Entry is one installed page mapping.
type Entry struct {
	Virt   uint64
	Phys   uint64
	Length uint64
	Attrs  Attributes
}

func (e Entry) String() string {
	return fmt.Sprintf("va 0x%x -> pa 0x%x +0x%x %s", e.Virt, e.Phys, e.Length, e.Attrs)
}

// IdentityTable is an in-memory identity-mapping translation table. It
// records mappings, enforces the overlap and W^X invariants, and tracks
// activation.
type IdentityTable struct {
	mu      sync.Mutex
	entries []Entry
	active  bool
}

// NewIdentityTable returns an empty, inactive table.
func NewIdentityTable() *IdentityTable {
	return &IdentityTable{}
}

// Map implements Table.
func (t *IdentityTable) Map(virt, phys, length uint64, attrs Attributes) error {
	if length == 0 {
		return fmt.Errorf("mmu: zero-length mapping at 0x%x: %w", virt, ErrMappingConflict)
	}
	if virt+length < virt {
		return fmt.Errorf("mmu: mapping at 0x%x overflows address space: %w", virt, ErrMappingConflict)
	}
	if attrs.WritableExecutable() {
		return fmt.Errorf("mmu: writable+executable mapping at 0x%x: %w", virt, ErrMappingConflict)
	}
	if virt != phys {
		return fmt.Errorf("mmu: non-identity mapping 0x%x -> 0x%x: %w", virt, phys, ErrMappingConflict)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	end := virt + length
	for _, e := range t.entries {
		if virt < e.Virt+e.Length && e.Virt < end {
			if !attrs.Compatible(e.Attrs) {
				return fmt.Errorf("mmu: mapping 0x%x-0x%x (%s) overlaps 0x%x-0x%x (%s): %w",
					virt, end, attrs, e.Virt, e.Virt+e.Length, e.Attrs, ErrMappingConflict)
			}
			// Re-mapping a range already covered with identical
			// attributes is a no-op, so repeated device bring-up
			// passes do not accumulate duplicate entries.
			if virt >= e.Virt && end <= e.Virt+e.Length {
				return nil
			}
		}
	}

	t.entries = append(t.entries, Entry{Virt: virt, Phys: phys, Length: length, Attrs: attrs})
	return nil
}

// Activate implements Table.
func (t *IdentityTable) Activate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return ErrAlreadyActive
	}
	t.active = true
	return nil
}

// Active reports whether the table has been activated.
func (t *IdentityTable) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Entries returns the installed mappings sorted by virtual address, with
// adjacent same-attribute mappings left unmerged. The order is
// deterministic so two identical bring-up runs yield identical snapshots.
func (t *IdentityTable) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Virt != out[j].Virt {
			return out[i].Virt < out[j].Virt
		}
		return out[i].Length < out[j].Length
	})
	return out
}

// Lookup returns the entry covering addr, if any.
func (t *IdentityTable) Lookup(addr uint64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if addr >= e.Virt && addr < e.Virt+e.Length {
			return e, true
		}
	}
	return Entry{}, false
}

var _ Table = (*IdentityTable)(nil)
