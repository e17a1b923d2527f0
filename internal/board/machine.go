package board

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/guestboot/internal/fdt"
	"github.com/tinyrange/guestboot/internal/platform"
	"github.com/tinyrange/guestboot/internal/virtio"
)

// spiBase is the INTID of the first shared peripheral interrupt. Device
// descriptions carry SPI numbers; the fabric works in absolute INTIDs.
const spiBase = 32

// consoleModel is what the machine needs from either UART model.
type consoleModel interface {
	Handler
	Output() []byte
	Input(data []byte)
}

// Options tweak the modeled machine, mostly to set up failure scenarios.
type Options struct {
	// OmitMemoryNode drops the /memory node from the generated device
	// tree, leaving the guest without a usable hardware description.
	OmitMemoryNode bool

	// OmitConsole removes the UART, both from the tree and the bus.
	OmitConsole bool

	// OmitClock removes the RTC.
	OmitClock bool

	// VirtioSlots overrides the default slot population (one block
	// device in slot 0, the rest empty).
	VirtioSlots []VirtioSlotConfig

	// PCIFunctions populates the PCI bus with virtio-pci functions,
	// one per device number starting at zero. Empty means a bare bus.
	PCIFunctions []VirtioPCIConfig

	// Now is the RTC time source; nil means wall time.
	Now func() time.Time

	Logger *slog.Logger
}

// Machine is one assembled target: bus, interrupt fabric, boot core,
// device models, and PSCI firmware, plus the device tree describing it.
type Machine struct {
	Config   *platform.Config
	Bus      *Bus
	GIC      *GIC
	Core     *Core
	Firmware *Firmware

	console consoleModel
	clock   *PL031Model
	slots   []*VirtioSlotModel
	pci     *PCIHostModel

	dtb []byte
}

// NewMachine assembles the machine described by cfg.
func NewMachine(cfg *platform.Config, opts Options) (*Machine, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Machine{
		Config:   cfg,
		GIC:      NewGIC(),
		Core:     NewCore(),
		Firmware: NewFirmware(),
		Bus:      NewBus(log),
	}
	m.GIC.SetDeliveryHook(m.Core.Pump)

	if !opts.OmitConsole {
		line := NewLine(m.GIC, spiBase+cfg.Console.IRQ)
		switch cfg.Console.Kind {
		case "pl011":
			m.console = NewPL011Model(line)
		case "ns16550":
			m.console = NewNS16550Model(line)
		default:
			return nil, fmt.Errorf("board: unknown console kind %q", cfg.Console.Kind)
		}
		if err := m.Bus.Attach("console", cfg.Console.Base, cfg.Console.Size, m.console); err != nil {
			return nil, err
		}
	}

	if !opts.OmitClock {
		m.clock = NewPL031Model(opts.Now)
		if err := m.Bus.Attach("rtc", cfg.Clock.Base, cfg.Clock.Size, m.clock); err != nil {
			return nil, err
		}
	}

	slotCfgs := opts.VirtioSlots
	if slotCfgs == nil {
		slotCfgs = []VirtioSlotConfig{{DeviceID: virtio.DeviceIDBlock}}
	}
	for i := 0; i < cfg.Virtio.Slots; i++ {
		var sc VirtioSlotConfig
		if i < len(slotCfgs) {
			sc = slotCfgs[i]
		}
		line := NewLine(m.GIC, spiBase+cfg.Virtio.FirstIRQ+uint32(i))
		slot := NewVirtioSlotModel(sc, line)
		name := fmt.Sprintf("virtio%d", i)
		base := cfg.Virtio.Base + uint64(i)*cfg.Virtio.SlotSize
		if err := m.Bus.Attach(name, base, cfg.Virtio.SlotSize, slot); err != nil {
			return nil, err
		}
		m.slots = append(m.slots, slot)
	}

	if cfg.PCI.Config.Size != 0 {
		m.pci = NewPCIHostModel(cfg.PCI.CAM, opts.PCIFunctions)
		if err := m.Bus.Attach("pci-config", cfg.PCI.Config.Base, cfg.PCI.Config.Size, m.pci); err != nil {
			return nil, err
		}
		mem := &pciMemWindow{host: m.pci, base: cfg.PCI.Mem.Base}
		if err := m.Bus.Attach("pci-mem", cfg.PCI.Mem.Base, cfg.PCI.Mem.Size, mem); err != nil {
			return nil, err
		}
	}

	dtb, err := fdt.Build(m.deviceTree(opts))
	if err != nil {
		return nil, fmt.Errorf("board: build device tree: %w", err)
	}
	m.dtb = dtb
	return m, nil
}

// DTB returns the machine's device tree blob, as firmware would hand it
// to the guest.
func (m *Machine) DTB() []byte {
	return m.dtb
}

// ConsoleOutput returns everything the guest wrote to the UART.
func (m *Machine) ConsoleOutput() []byte {
	if m.console == nil {
		return nil
	}
	return m.console.Output()
}

// ConsoleInput types bytes at the UART.
func (m *Machine) ConsoleInput(data []byte) {
	if m.console != nil {
		m.console.Input(data)
	}
}

// Clock returns the RTC model, nil when omitted.
func (m *Machine) Clock() *PL031Model {
	return m.clock
}

// Slot returns the i'th virtio slot model.
func (m *Machine) Slot(i int) *VirtioSlotModel {
	return m.slots[i]
}

// PCIFunction returns the i'th modeled virtio-pci function.
func (m *Machine) PCIFunction(i int) *VirtioPCIModel {
	return m.pci.Function(i)
}

// PowerState reports the firmware's latched lifecycle state.
func (m *Machine) PowerState() PowerState {
	return m.Firmware.State()
}

func (m *Machine) deviceTree(opts Options) fdt.Node {
	cfg := m.Config
	root := fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"compatible":       {Strings: []string{"linux," + cfg.Name}},
			"#address-cells":   {U32: []uint32{2}},
			"#size-cells":      {U32: []uint32{2}},
			"interrupt-parent": {U32: []uint32{1}},
		},
	}

	if !opts.OmitMemoryNode {
		root.Children = append(root.Children, fdt.Node{
			Name: fmt.Sprintf("memory@%x", cfg.RAM.Base),
			Properties: map[string]fdt.Property{
				"device_type": {Strings: []string{"memory"}},
				"reg":         {U64: []uint64{cfg.RAM.Base, cfg.RAM.Size}},
			},
		})
	}

	cpus := fdt.Node{
		Name: "cpus",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{1}},
			"#size-cells":    {U32: []uint32{0}},
		},
	}
	for i := 0; i < cfg.CPUs; i++ {
		cpus.Children = append(cpus.Children, fdt.Node{
			Name: fmt.Sprintf("cpu@%d", i),
			Properties: map[string]fdt.Property{
				"device_type": {Strings: []string{"cpu"}},
				"compatible":  {Strings: []string{"arm,cortex-a53"}},
				"reg":         {U32: []uint32{uint32(i)}},
			},
		})
	}
	root.Children = append(root.Children, cpus)

	root.Children = append(root.Children, fdt.Node{
		Name: fmt.Sprintf("intc@%x", cfg.GICD.Base),
		Properties: map[string]fdt.Property{
			"compatible":           {Strings: []string{"arm,gic-v3"}},
			"reg":                  {U64: []uint64{cfg.GICD.Base, cfg.GICD.Size, cfg.GICR.Base, cfg.GICR.Size}},
			"interrupt-controller": {Flag: true},
			"#interrupt-cells":     {U32: []uint32{3}},
			"phandle":              {U32: []uint32{1}},
		},
	})

	if !opts.OmitConsole {
		compat := []string{"arm,pl011", "arm,primecell"}
		if cfg.Console.Kind == "ns16550" {
			compat = []string{"ns16550a"}
		}
		root.Children = append(root.Children, fdt.Node{
			Name: fmt.Sprintf("uart@%x", cfg.Console.Base),
			Properties: map[string]fdt.Property{
				"compatible": {Strings: compat},
				"reg":        {U64: []uint64{cfg.Console.Base, cfg.Console.Size}},
				"interrupts": {U32: []uint32{0, cfg.Console.IRQ, 4}},
			},
		})
	}

	if !opts.OmitClock {
		root.Children = append(root.Children, fdt.Node{
			Name: fmt.Sprintf("rtc@%x", cfg.Clock.Base),
			Properties: map[string]fdt.Property{
				"compatible": {Strings: []string{"arm,pl031", "arm,primecell"}},
				"reg":        {U64: []uint64{cfg.Clock.Base, cfg.Clock.Size}},
				"interrupts": {U32: []uint32{0, cfg.Clock.IRQ, 4}},
			},
		})
	}

	for i := 0; i < cfg.Virtio.Slots; i++ {
		base := cfg.Virtio.Base + uint64(i)*cfg.Virtio.SlotSize
		root.Children = append(root.Children, fdt.Node{
			Name: fmt.Sprintf("virtio@%x", base),
			Properties: map[string]fdt.Property{
				"compatible": {Strings: []string{"virtio,mmio"}},
				"reg":        {U64: []uint64{base, cfg.Virtio.SlotSize}},
				"interrupts": {U32: []uint32{0, cfg.Virtio.FirstIRQ + uint32(i), 4}},
			},
		})
	}

	if cfg.PCI.Config.Size != 0 {
		compat := "pci-host-ecam-generic"
		if cfg.PCI.CAM {
			compat = "pci-host-cam-generic"
		}
		root.Children = append(root.Children, fdt.Node{
			Name: fmt.Sprintf("pcie@%x", cfg.PCI.Config.Base),
			Properties: map[string]fdt.Property{
				"compatible":     {Strings: []string{compat}},
				"device_type":    {Strings: []string{"pci"}},
				"#address-cells": {U32: []uint32{3}},
				"#size-cells":    {U32: []uint32{2}},
				"reg":            {U64: []uint64{cfg.PCI.Config.Base, cfg.PCI.Config.Size}},
				"ranges": {U32: []uint32{
					0x02000000,
					uint32(cfg.PCI.Mem.Base >> 32), uint32(cfg.PCI.Mem.Base),
					uint32(cfg.PCI.Mem.Base >> 32), uint32(cfg.PCI.Mem.Base),
					uint32(cfg.PCI.Mem.Size >> 32), uint32(cfg.PCI.Mem.Size),
				}},
				"bus-range": {U32: []uint32{0, 0}},
			},
		})
	}

	return root
}
