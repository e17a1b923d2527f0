// Package mmu builds the kernel address space: it carves the discovered
// memory map into page mappings and installs them through a translation
// table collaborator.
package mmu

import "strings"

// Attributes describe one page mapping's access and memory type.
type Attributes uint8

const (
	AttrRead Attributes = 1 << iota
	AttrWrite
	AttrExecute
	// AttrDevice marks strongly-ordered, non-cacheable device memory.
	// Mappings without it are normal cacheable memory.
	AttrDevice
)

// Preset attribute combinations used by the builder.
const (
	MemoryRX = AttrRead | AttrExecute
	MemoryRW = AttrRead | AttrWrite
	DeviceRW = AttrRead | AttrWrite | AttrDevice
)

// WritableExecutable reports the forbidden W^X violation.
func (a Attributes) WritableExecutable() bool {
	return a&AttrWrite != 0 && a&AttrExecute != 0
}

// Compatible reports whether two overlapping mappings may coexist.
// Only mappings with identical attributes are compatible.
func (a Attributes) Compatible(other Attributes) bool {
	return a == other
}

func (a Attributes) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Attributes
		ch  byte
	}{{AttrRead, 'r'}, {AttrWrite, 'w'}, {AttrExecute, 'x'}} {
		if a&f.bit != 0 {
			b.WriteByte(f.ch)
		} else {
			b.WriteByte('-')
		}
	}
	if a&AttrDevice != 0 {
		b.WriteString(" device")
	} else {
		b.WriteString(" normal")
	}
	return b.String()
}
