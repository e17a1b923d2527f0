package board

import (
	"sync"

	"github.com/tinyrange/guestboot/internal/irq"
)

// Core models the boot core's exception plumbing: a vector table slot and
// the IRQ unmask bit. Interrupt delivery is a synchronous pump; when IRQs
// are unmasked and the controller has a pending line, the installed IRQ
// vector runs on the caller's goroutine.
type Core struct {
	mu sync.Mutex

	vectors   irq.Vectors
	installed bool
	irqOn     bool
	pumping   bool
}

// NewCore returns a core with IRQs masked and no vectors.
func NewCore() *Core {
	return &Core{}
}

func (c *Core) InstallVectors(v irq.Vectors) {
	c.mu.Lock()
	c.vectors = v
	c.installed = true
	c.mu.Unlock()
}

func (c *Core) EnableIRQ() {
	c.mu.Lock()
	c.irqOn = true
	c.mu.Unlock()
	c.Pump()
}

// Pump delivers pending interrupts by invoking the IRQ vector. Re-entrant
// calls (a device asserting from inside a handler) collapse into the
// already-running pump.
func (c *Core) Pump() {
	c.mu.Lock()
	if !c.installed || !c.irqOn || c.pumping {
		c.mu.Unlock()
		return
	}
	c.pumping = true
	vector := c.vectors.IRQ
	c.mu.Unlock()

	if vector != nil {
		vector()
	}

	c.mu.Lock()
	c.pumping = false
	c.mu.Unlock()
}

// TakeSync injects a synchronous exception, as a stray fault would.
func (c *Core) TakeSync(info irq.ExceptionInfo) {
	c.mu.Lock()
	vector := c.vectors.Sync
	installed := c.installed
	c.mu.Unlock()
	if installed && vector != nil {
		vector(info)
	}
}

// TakeSError injects a system error exception.
func (c *Core) TakeSError(info irq.ExceptionInfo) {
	c.mu.Lock()
	vector := c.vectors.SError
	installed := c.installed
	c.mu.Unlock()
	if installed && vector != nil {
		vector(info)
	}
}

var _ irq.CPU = (*Core)(nil)
