package board

import (
	"sync"

	"github.com/tinyrange/guestboot/internal/irq"
)

// GIC models a GICv3 distributor and redistributor at the level the
// guest's router programs them: line enables, priorities, triggers, a
// priority mask, and a pending set. Lines are absolute INTIDs.
type GIC struct {
	mu sync.Mutex

	enabled      bool
	priorityMask uint8

	lineEnabled [irq.NumLines]bool
	priority    [irq.NumLines]uint8
	trigger     [irq.NumLines]irq.Trigger

	pending [irq.NumLines]bool
	// level tracks lines whose device is still driving them; a level
	// triggered line goes pending again on acknowledge while driven.
	level [irq.NumLines]bool

	// onChange fires after the pending set grows, so the core can pump
	// delivery.
	onChange func()
}

// NewGIC returns a disabled controller with every line masked.
func NewGIC() *GIC {
	return &GIC{priorityMask: 0}
}

// SetDeliveryHook installs the callback invoked when a new assertion
// arrives. The board wires this to the boot core's delivery pump.
func (g *GIC) SetDeliveryHook(fn func()) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

func (g *GIC) SetPriorityMask(prio uint8) {
	g.mu.Lock()
	g.priorityMask = prio
	g.mu.Unlock()
}

func (g *GIC) Enable() {
	g.mu.Lock()
	g.enabled = true
	g.mu.Unlock()
}

func (g *GIC) SetPriority(line uint32, prio uint8) {
	g.mu.Lock()
	g.priority[line] = prio
	g.mu.Unlock()
}

func (g *GIC) SetTrigger(line uint32, trigger irq.Trigger) {
	g.mu.Lock()
	g.trigger[line] = trigger
	g.mu.Unlock()
}

func (g *GIC) EnableLine(line uint32) {
	g.mu.Lock()
	g.lineEnabled[line] = true
	g.mu.Unlock()
}

// AssertedLine returns the lowest pending enabled line that clears the
// priority mask.
func (g *GIC) AssertedLine() (uint32, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return 0, false
	}
	for line := uint32(0); line < irq.NumLines; line++ {
		if g.pending[line] && g.lineEnabled[line] && g.priority[line] < g.priorityMask {
			return line, true
		}
	}
	return 0, false
}

// Acknowledge retires the line's current assertion. A level-triggered
// line still driven by its device goes straight back to pending.
func (g *GIC) Acknowledge(line uint32) {
	g.mu.Lock()
	g.pending[line] = g.trigger[line] == irq.TriggerLevel && g.level[line]
	g.mu.Unlock()
}

// Assert drives the line from a device model.
func (g *GIC) Assert(line uint32) {
	g.mu.Lock()
	if line >= irq.NumLines {
		g.mu.Unlock()
		return
	}
	g.level[line] = true
	g.pending[line] = true
	hook := g.onChange
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Deassert releases a level-triggered line at the device.
func (g *GIC) Deassert(line uint32) {
	g.mu.Lock()
	if line < irq.NumLines {
		g.level[line] = false
	}
	g.mu.Unlock()
}

var _ irq.Controller = (*GIC)(nil)
