package hw

import (
	"fmt"
	"strings"

	"github.com/tinyrange/guestboot/internal/fdt"
)

// Compatible strings recognized during discovery.
const (
	CompatGICv3   = "arm,gic-v3"
	CompatPL011   = "arm,pl011"
	CompatNS16550 = "ns16550a"
	CompatPL031   = "arm,pl031"
	CompatVirtio  = "virtio,mmio"
	CompatPCICAM  = "pci-host-cam-generic"
	CompatPCIECAM = "pci-host-ecam-generic"
)

// PCI range flag encoding: bits 25:24 of the first child address cell
// carry the space type.
const (
	pciSpaceMemory32 = 2
	pciSpaceMemory64 = 3
)

// PCIHost describes a discovered PCI host bridge: its configuration
// window and the CPU-visible memory windows BARs may live in.
type PCIHost struct {
	// CAM selects the legacy configuration layout; otherwise ECAM.
	CAM bool

	// Config is the CAM/ECAM window.
	Config Region

	// Ranges are the host bridge's 32/64-bit memory windows.
	Ranges []Region
}

// Platform is the hardware model produced by Discover: RAM extent, the
// interrupt controller's register regions, the CPU count, and the set of
// discovered peripherals in bring-up priority order.
type Platform struct {
	RAM      []Region
	GICD     Region
	GICR     Region
	CPUCount int
	Devices  []DeviceNode

	// PCI is the host bridge, nil when the machine has none.
	PCI *PCIHost
}

// Discover reads the parsed device tree into a Platform. The memory node and
// the interrupt controller node are mandatory; console, clock and virtio
// nodes are probed and simply omitted when absent. Discover never mutates
// hardware state.
func Discover(tree *fdt.Tree) (*Platform, error) {
	p := &Platform{CPUCount: 1}

	if err := p.discoverRAM(tree); err != nil {
		return nil, err
	}
	if err := p.discoverGIC(tree); err != nil {
		return nil, err
	}
	p.discoverCPUs(tree)

	// Console first: it is the diagnostic channel for everything after it.
	for _, compat := range []string{CompatPL011, CompatNS16550, "ns16550"} {
		if node := firstCompatible(tree, compat); node != nil {
			dev, err := deviceFromNode(tree, node, DeviceConsole, compat)
			if err != nil {
				return nil, err
			}
			p.Devices = append(p.Devices, dev)
			break
		}
	}

	if node := firstCompatible(tree, CompatPL031); node != nil {
		dev, err := deviceFromNode(tree, node, DeviceClock, CompatPL031)
		if err != nil {
			return nil, err
		}
		p.Devices = append(p.Devices, dev)
	}

	for _, node := range tree.FindCompatible(CompatVirtio) {
		dev, err := deviceFromNode(tree, node, DeviceVirtioMMIO, CompatVirtio)
		if err != nil {
			return nil, err
		}
		p.Devices = append(p.Devices, dev)
	}

	if err := p.discoverPCI(tree); err != nil {
		return nil, err
	}

	return p, nil
}

// discoverPCI probes for a generic PCI host bridge. CAM takes priority
// over ECAM when both are present, matching how the machines advertise
// a single bridge.
func (p *Platform) discoverPCI(tree *fdt.Tree) error {
	cam := true
	node := firstCompatible(tree, CompatPCICAM)
	if node == nil {
		cam = false
		node = firstCompatible(tree, CompatPCIECAM)
	}
	if node == nil {
		return nil
	}

	reg, err := tree.Reg(node)
	if err != nil {
		return fmt.Errorf("hw: pci node %q: %w", node.Name, err)
	}
	if len(reg) == 0 || reg[0].Size == 0 {
		return fmt.Errorf("hw: pci node %q has no usable config window: %w", node.Name, fdt.ErrMalformed)
	}
	host := &PCIHost{
		CAM:    cam,
		Config: Region{Base: reg[0].Address, Length: reg[0].Size, Kind: KindMMIO},
	}

	ranges, err := tree.Ranges(node)
	if err != nil {
		return fmt.Errorf("hw: pci node %q: %w", node.Name, err)
	}
	for _, r := range ranges {
		space := (r.ChildFlags >> 24) & 0x3
		if space != pciSpaceMemory32 && space != pciSpaceMemory64 {
			continue
		}
		if r.Size == 0 {
			continue
		}
		host.Ranges = append(host.Ranges, Region{Base: r.ParentAddress, Length: r.Size, Kind: KindMMIO})
	}
	p.PCI = host
	return nil
}

func (p *Platform) discoverRAM(tree *fdt.Tree) error {
	var memNode *fdt.Node
	tree.Visit(func(node, _ *fdt.Node) bool {
		if prop, ok := node.Properties["device_type"]; ok {
			if s, _ := prop.AsString(); s == "memory" {
				memNode = node
				return false
			}
		}
		return true
	})
	if memNode == nil {
		return fmt.Errorf("hw: no memory node in device tree: %w", fdt.ErrMalformed)
	}

	reg, err := tree.Reg(memNode)
	if err != nil {
		return fmt.Errorf("hw: memory node: %w", err)
	}
	for _, entry := range reg {
		if entry.Size == 0 {
			return fmt.Errorf("hw: memory node has zero-size range at 0x%x: %w", entry.Address, fdt.ErrMalformed)
		}
		p.RAM = append(p.RAM, Region{Base: entry.Address, Length: entry.Size, Kind: KindRAM})
	}
	return nil
}

func (p *Platform) discoverGIC(tree *fdt.Tree) error {
	node := firstCompatible(tree, CompatGICv3)
	if node == nil {
		return fmt.Errorf("hw: no interrupt controller node in device tree: %w", fdt.ErrMalformed)
	}
	reg, err := tree.Reg(node)
	if err != nil {
		return fmt.Errorf("hw: interrupt controller: %w", err)
	}
	if len(reg) < 2 {
		return fmt.Errorf("hw: interrupt controller has %d reg entries, want distributor and redistributor: %w", len(reg), fdt.ErrMalformed)
	}
	p.GICD = Region{Base: reg[0].Address, Length: reg[0].Size, Kind: KindMMIO}
	p.GICR = Region{Base: reg[1].Address, Length: reg[1].Size, Kind: KindMMIO}
	return nil
}

func (p *Platform) discoverCPUs(tree *fdt.Tree) {
	cpus := tree.Root.Child("cpus")
	if cpus == nil {
		return
	}
	count := 0
	for i := range cpus.Children {
		if strings.HasPrefix(cpus.Children[i].Name, "cpu@") || cpus.Children[i].Name == "cpu" {
			count++
		}
	}
	if count > 0 {
		p.CPUCount = count
	}
}

// Validate checks the region invariants: MMIO regions must be mutually
// disjoint, and no MMIO region may overlap RAM.
func (p *Platform) Validate() error {
	mmio := p.MMIORegions()
	for i := range mmio {
		for j := i + 1; j < len(mmio); j++ {
			if mmio[i].Overlaps(mmio[j]) {
				return fmt.Errorf("hw: MMIO regions overlap: %s and %s", mmio[i], mmio[j])
			}
		}
		for _, ram := range p.RAM {
			if mmio[i].Overlaps(ram) {
				return fmt.Errorf("hw: MMIO region %s overlaps RAM %s", mmio[i], ram)
			}
		}
	}
	return nil
}

// MMIORegions returns every MMIO region the platform needs mapped: the
// interrupt controller, each discovered device, and the PCI host
// bridge's configuration and memory windows.
func (p *Platform) MMIORegions() []Region {
	out := []Region{p.GICD, p.GICR}
	for _, dev := range p.Devices {
		out = append(out, dev.Region)
	}
	if p.PCI != nil {
		out = append(out, p.PCI.Config)
		out = append(out, p.PCI.Ranges...)
	}
	return out
}

// Console returns the discovered console device, if any.
func (p *Platform) Console() *DeviceNode {
	return p.deviceOfKind(DeviceConsole)
}

// Clock returns the discovered real-time clock, if any.
func (p *Platform) Clock() *DeviceNode {
	return p.deviceOfKind(DeviceClock)
}

// VirtioDevices returns the discovered virtio-mmio transports in discovery
// order.
func (p *Platform) VirtioDevices() []DeviceNode {
	var out []DeviceNode
	for _, dev := range p.Devices {
		if dev.Kind == DeviceVirtioMMIO {
			out = append(out, dev)
		}
	}
	return out
}

func (p *Platform) deviceOfKind(kind DeviceKind) *DeviceNode {
	for i := range p.Devices {
		if p.Devices[i].Kind == kind {
			return &p.Devices[i]
		}
	}
	return nil
}

func firstCompatible(tree *fdt.Tree, compat string) *fdt.Node {
	nodes := tree.FindCompatible(compat)
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

func deviceFromNode(tree *fdt.Tree, node *fdt.Node, kind DeviceKind, compat string) (DeviceNode, error) {
	reg, err := tree.Reg(node)
	if err != nil {
		return DeviceNode{}, fmt.Errorf("hw: %s node %q: %w", kind, node.Name, err)
	}
	if len(reg) == 0 || reg[0].Size == 0 {
		return DeviceNode{}, fmt.Errorf("hw: %s node %q has no usable reg entry: %w", kind, node.Name, fdt.ErrMalformed)
	}

	dev := DeviceNode{
		Kind:       kind,
		Compatible: compat,
		Region:     Region{Base: reg[0].Address, Length: reg[0].Size, Kind: KindMMIO},
	}

	lines, err := tree.InterruptLines(node)
	if err != nil {
		return DeviceNode{}, fmt.Errorf("hw: %s node %q: %w", kind, node.Name, err)
	}
	if len(lines) > 0 {
		dev.Line = lines[0]
		dev.HasLine = true
	}
	return dev, nil
}
