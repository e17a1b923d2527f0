// Package rtc provides the guest-side PL031 real-time clock driver. Both
// target machines expose a PL031, so it is the only clock we drive.
package rtc

import (
	"time"

	"github.com/tinyrange/guestboot/internal/mmio"
)

// PL031 register offsets.
const (
	pl031RegDR = 0x00 // current time, seconds since the Unix epoch
	pl031RegLR = 0x08
	pl031RegCR = 0x0c
)

// PL031 drives an ARM PrimeCell PL031 RTC.
type PL031 struct {
	regs mmio.Window
}

// NewPL031 constructs the driver and enables the clock.
func NewPL031(bus mmio.Bus, base uint64) *PL031 {
	c := &PL031{regs: mmio.Window{Bus: bus, Base: base}}
	c.regs.Write32(pl031RegCR, 1)
	return c
}

// ReadWallClock returns the current wall-clock time as reported by the
// device. The PL031 counts whole seconds since the Unix epoch.
func (c *PL031) ReadWallClock() time.Time {
	return time.Unix(int64(c.regs.Read32(pl031RegDR)), 0).UTC()
}

// SetWallClock loads a new time into the clock.
func (c *PL031) SetWallClock(t time.Time) {
	c.regs.Write32(pl031RegLR, uint32(t.Unix()))
}
