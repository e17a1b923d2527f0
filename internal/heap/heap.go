// Package heap provides the boot-time dynamic allocator: a first-fit free
// list over a single RAM region, initialized exactly once after the address
// space is active.
package heap

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

var (
	// ErrAlreadyInitialized guards against re-initializing over live
	// allocations, which would invalidate every outstanding pointer.
	ErrAlreadyInitialized = errors.New("heap already initialized")

	// ErrContended is returned when the heap lock is already held by the
	// current context. With a single hardware thread, contention can only
	// mean re-entrance from an interrupt handler; spinning would deadlock,
	// so the acquire fails fast instead.
	ErrContended = errors.New("heap lock held by current context")

	ErrOutOfMemory  = errors.New("heap exhausted")
	ErrNotAllocated = errors.New("not an allocated heap block")
)

const minAlign = 16

// Allocator is the process-wide heap instance.
type Allocator struct {
	lock slab

	initialized bool
	base        uint64
	mem         []byte
	free        []span
	allocated   map[uint64]uint64 // offset -> length
}

type span struct {
	off uint64
	len uint64
}

// slab is the interrupt-safe mutual exclusion for the allocator: an atomic
// try-acquire that fails rather than spins when the lock is already held.
type slab struct {
	held atomic.Bool
}

func (l *slab) acquire() error {
	if !l.held.CompareAndSwap(false, true) {
		return ErrContended
	}
	return nil
}

func (l *slab) release() {
	l.held.Store(false)
}

// New returns an uninitialized allocator.
func New() *Allocator {
	return &Allocator{}
}

// Init places the allocator over a heap region of the given base address
// and size. It must run only after the region is mapped writable; a second
// call fails with ErrAlreadyInitialized and leaves existing allocations
// untouched.
func (a *Allocator) Init(base, size uint64) error {
	if err := a.lock.acquire(); err != nil {
		return err
	}
	defer a.lock.release()

	if a.initialized {
		return fmt.Errorf("heap: init over live allocator at 0x%x: %w", a.base, ErrAlreadyInitialized)
	}
	if size == 0 {
		return fmt.Errorf("heap: zero-size heap region at 0x%x", base)
	}

	a.initialized = true
	a.base = base
	a.mem = make([]byte, size)
	a.free = []span{{off: 0, len: size}}
	a.allocated = make(map[uint64]uint64)
	return nil
}

// Initialized reports whether Init has completed.
func (a *Allocator) Initialized() bool {
	return a.initialized
}

// Size returns the total heap size in bytes.
func (a *Allocator) Size() uint64 {
	if !a.initialized {
		return 0
	}
	return uint64(len(a.mem))
}

// Alloc returns a block of at least size bytes aligned to align (minimum
// 16, must be a power of two). The returned address is within the heap
// region; Memory exposes the backing bytes.
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("heap: zero-size allocation")
	}
	if align < minAlign {
		align = minAlign
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("heap: alignment 0x%x is not a power of 2", align)
	}

	if err := a.lock.acquire(); err != nil {
		return 0, err
	}
	defer a.lock.release()

	if !a.initialized {
		return 0, fmt.Errorf("heap: alloc before init")
	}

	for i, s := range a.free {
		start := alignUp(a.base+s.off, align) - a.base
		if start < s.off || start+size > s.off+s.len {
			continue
		}

		// Carve [start, start+size) out of the span.
		var remain []span
		if start > s.off {
			remain = append(remain, span{off: s.off, len: start - s.off})
		}
		if start+size < s.off+s.len {
			remain = append(remain, span{off: start + size, len: s.off + s.len - (start + size)})
		}
		a.free = append(a.free[:i], append(remain, a.free[i+1:]...)...)
		a.allocated[start] = size
		return a.base + start, nil
	}

	return 0, fmt.Errorf("heap: alloc %d bytes align 0x%x: %w", size, align, ErrOutOfMemory)
}

// Free returns a block obtained from Alloc to the free list, coalescing
// with its neighbors.
func (a *Allocator) Free(addr uint64) error {
	if err := a.lock.acquire(); err != nil {
		return err
	}
	defer a.lock.release()

	if !a.initialized {
		return fmt.Errorf("heap: free before init")
	}

	off := addr - a.base
	size, ok := a.allocated[off]
	if !ok {
		return fmt.Errorf("heap: free of 0x%x: %w", addr, ErrNotAllocated)
	}
	delete(a.allocated, off)

	a.free = append(a.free, span{off: off, len: size})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].off < a.free[j].off })

	coalesced := a.free[:1]
	for _, s := range a.free[1:] {
		last := &coalesced[len(coalesced)-1]
		if last.off+last.len == s.off {
			last.len += s.len
		} else {
			coalesced = append(coalesced, s)
		}
	}
	a.free = coalesced
	return nil
}

// Memory returns the backing bytes for an allocated block.
func (a *Allocator) Memory(addr, size uint64) ([]byte, error) {
	if !a.initialized {
		return nil, fmt.Errorf("heap: memory access before init")
	}
	off := addr - a.base
	if addr < a.base || off+size > uint64(len(a.mem)) {
		return nil, fmt.Errorf("heap: access 0x%x+%d outside heap", addr, size)
	}
	return a.mem[off : off+size], nil
}

// Base returns the heap region's base address.
func (a *Allocator) Base() uint64 {
	return a.base
}

func alignUp(value, align uint64) uint64 {
	mask := align - 1
	return (value + mask) &^ mask
}
