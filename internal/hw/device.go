package hw

import "fmt"

// DeviceKind is the tagged variant for discovered peripherals.
type DeviceKind int

const (
	DeviceConsole DeviceKind = iota
	DeviceClock
	DeviceVirtioMMIO
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceConsole:
		return "console"
	case DeviceClock:
		return "clock"
	case DeviceVirtioMMIO:
		return "virtio-mmio"
	default:
		return fmt.Sprintf("device(%d)", int(k))
	}
}

// DeviceNode describes one discovered memory-mapped peripheral.
type DeviceNode struct {
	Kind       DeviceKind
	Compatible string
	Region     Region
	Line       uint32
	HasLine    bool
}

// HasInterrupt reports whether the device is interrupt-driven.
func (d DeviceNode) HasInterrupt() bool {
	return d.HasLine
}

// MMIORegion returns the device's register region.
func (d DeviceNode) MMIORegion() Region {
	return d.Region
}

func (d DeviceNode) String() string {
	if d.HasLine {
		return fmt.Sprintf("%s@0x%x irq=%d", d.Kind, d.Region.Base, d.Line)
	}
	return fmt.Sprintf("%s@0x%x", d.Kind, d.Region.Base)
}
