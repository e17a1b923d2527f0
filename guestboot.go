// Package guestboot brings an aarch64 VM guest from "firmware handed us a
// device tree" to a steady state with an active address space, a live
// heap, routed interrupts, and initialized devices.
//
// The sequencer is written against hardware-collaborator interfaces
// (mmio.Bus, mmu.Table, irq.CPU, irq.Controller, psci.Conduit); the board
// package provides host-side models of all of them, so the same code that
// would run under QEMU or crosvm runs in tests.
package guestboot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/guestboot/internal/fdt"
	"github.com/tinyrange/guestboot/internal/heap"
	"github.com/tinyrange/guestboot/internal/hw"
	"github.com/tinyrange/guestboot/internal/irq"
	"github.com/tinyrange/guestboot/internal/mmio"
	"github.com/tinyrange/guestboot/internal/mmu"
	"github.com/tinyrange/guestboot/internal/pci"
	"github.com/tinyrange/guestboot/internal/psci"
	"github.com/tinyrange/guestboot/internal/rtc"
	"github.com/tinyrange/guestboot/internal/uart"
	"github.com/tinyrange/guestboot/internal/virtio"
)

// ErrNoConsole means device discovery found no UART. Without the
// diagnostic channel the guest refuses to run.
var ErrNoConsole = errors.New("no console device")

// Default carve sizes when the caller doesn't supply a layout.
const (
	defaultTextSize = 0x200000
	defaultDataSize = 0x200000
	defaultHeapSize = 0x100000
)

// Interrupt priorities: the console outranks everything else so fatal
// reporting stays possible under virtio load.
const (
	prioConsole = 0x40
	prioVirtio  = 0x80
)

// Options carries the hardware collaborators and bring-up knobs.
type Options struct {
	// DTB is the device tree blob handed over by firmware.
	DTB []byte

	Bus        mmio.Bus
	Table      mmu.Table
	CPU        irq.CPU
	Controller irq.Controller
	Conduit    psci.Conduit

	// Layout carves RAM for the execution image. Zero means a default
	// layout at the bottom of the first RAM region.
	Layout mmu.Layout

	// VirtioFeatures is the feature set offered to every virtio device.
	VirtioFeatures uint64

	// ConsoleReceiver handles bytes typed at the console. Nil echoes
	// them back.
	ConsoleReceiver func(b byte)

	Logger *slog.Logger
}

// BootContext is the state threaded through the bring-up stages and kept
// for the machine's lifetime.
type BootContext struct {
	Tree     *fdt.Tree
	Platform *hw.Platform
	Table    mmu.Table
	Heap     *heap.Allocator
	Router   *irq.Router
	Bridge   *psci.Bridge
}

// Handle is one virtio device that completed bring-up.
type Handle struct {
	Node      hw.DeviceNode
	Transport *virtio.Transport
	Queue     *virtio.Queue
}

// HasInterrupt reports whether the device has an interrupt line routed.
func (h *Handle) HasInterrupt() bool { return h.Node.HasInterrupt() }

// MMIORegion returns the device's register window.
func (h *Handle) MMIORegion() hw.Region { return h.Node.MMIORegion() }

// PCIHandle is one virtio-pci function that completed bring-up. PCI
// completions are polled through the ISR window, so there is no routed
// interrupt line.
type PCIHandle struct {
	Function  pci.Function
	Transport *virtio.PCITransport
	Queue     *virtio.Queue
}

// Machine is the steady-state device registry returned by BringUp.
type Machine struct {
	BootContext

	Console   uart.Console
	Clock     *rtc.PL031
	Virtio    []*Handle
	VirtioPCI []*PCIHandle

	bus mmio.Bus
	log *slog.Logger
}

// BringUp runs the fixed bring-up sequence: hardware description, address
// space, heap, interrupt routing, then devices. The console comes up
// first and its absence is fatal; a virtio device that fails feature
// negotiation is logged and excluded, and bring-up continues.
//
// Any other error resets the machine through the bridge: silently if it
// happened before the console was up, after a console report otherwise.
// The error is also returned for the embedding host.
func BringUp(opts Options) (*Machine, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Machine{bus: opts.Bus, log: log}
	m.Bridge = psci.NewBridge(opts.Conduit)
	m.Table = opts.Table

	major, minor := m.Bridge.Version()
	log.Info("starting bring-up", "psci_version", fmt.Sprintf("%d.%d", major, minor))

	tree, err := fdt.Parse(opts.DTB)
	if err != nil {
		return nil, m.fail(fmt.Errorf("parse device tree: %w", err))
	}
	m.Tree = tree

	plat, err := hw.Discover(tree)
	if err != nil {
		return nil, m.fail(fmt.Errorf("discover hardware: %w", err))
	}
	if err := plat.Validate(); err != nil {
		return nil, m.fail(fmt.Errorf("validate memory map: %w", err))
	}
	m.Platform = plat
	log.Info("hardware discovered",
		"ram_regions", len(plat.RAM),
		"cpus", plat.CPUCount,
		"devices", len(plat.Devices))

	layout := opts.Layout
	if layout == (mmu.Layout{}) {
		layout, err = defaultLayout(plat)
		if err != nil {
			return nil, m.fail(err)
		}
	}
	if err := mmu.Build(m.Table, plat, layout); err != nil {
		return nil, m.fail(fmt.Errorf("build address space: %w", err))
	}
	log.Info("address space active",
		"text", layout.Text.String(),
		"heap", layout.Heap.String())

	m.Heap = heap.New()
	if err := m.Heap.Init(layout.Heap.Base, layout.Heap.Length); err != nil {
		return nil, m.fail(fmt.Errorf("heap init: %w", err))
	}

	m.Router = irq.NewRouter(opts.CPU, opts.Controller, log, m.fatal)
	if err := m.Router.InstallVectors(); err != nil {
		return nil, m.fail(err)
	}
	if err := m.Router.ConfigureController(lineConfigs(plat)); err != nil {
		return nil, m.fail(err)
	}
	if err := m.Router.EnableRouting(); err != nil {
		return nil, m.fail(err)
	}
	log.Info("interrupt routing enabled")

	if err := m.bringUpConsole(opts); err != nil {
		return nil, m.fail(err)
	}
	if err := m.bringUpClock(); err != nil {
		return nil, m.fail(err)
	}
	if err := m.bringUpVirtio(opts); err != nil {
		return nil, m.fail(err)
	}
	if err := m.bringUpVirtioPCI(opts); err != nil {
		return nil, m.fail(err)
	}

	m.report(fmt.Sprintf("guestboot: up, %d virtio device(s)", len(m.Virtio)+len(m.VirtioPCI)))
	return m, nil
}

// PowerOff reports and shuts the machine down through the bridge. It only
// returns if the firmware call came back.
func (m *Machine) PowerOff() error {
	m.report("guestboot: powering off")
	return m.Bridge.Shutdown()
}

// StartSecondary releases another core into entry.
func (m *Machine) StartSecondary(core, entry uint64) error {
	m.log.Info("starting secondary core", "core", core, "entry", fmt.Sprintf("0x%x", entry))
	return m.Bridge.CPUOn(core, entry)
}

func (m *Machine) bringUpConsole(opts Options) error {
	node := m.Platform.Console()
	if node == nil {
		return ErrNoConsole
	}

	var console uart.Console
	switch node.Compatible {
	case hw.CompatPL011:
		console = uart.NewPL011(m.bus, node.Region.Base)
	default:
		console = uart.NewNS16550(m.bus, node.Region.Base)
	}

	receiver := opts.ConsoleReceiver
	if receiver == nil {
		receiver = func(b byte) { _ = console.WriteByte(b) }
	}
	console.SetReceiver(receiver)

	// Handler first, device unmask last: once the device can assert, the
	// line must already resolve to a fully constructed handler.
	if node.HasInterrupt() {
		line := node.Line
		err := m.Router.Register(line, func(uint32) {
			console.HandleIRQ()
			m.Router.Acknowledge(line)
		})
		if err != nil {
			return fmt.Errorf("console interrupt: %w", err)
		}
	}
	console.EnableRxInterrupt()

	m.Console = console
	m.report(fmt.Sprintf("guestboot: console %s at 0x%x", node.Compatible, node.Region.Base))
	return nil
}

func (m *Machine) bringUpClock() error {
	node := m.Platform.Clock()
	if node == nil {
		m.log.Info("no clock device")
		return nil
	}
	m.Clock = rtc.NewPL031(m.bus, node.Region.Base)
	now := m.Clock.ReadWallClock()
	m.report("guestboot: wall clock " + now.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func (m *Machine) bringUpVirtio(opts Options) error {
	for _, node := range m.Platform.VirtioDevices() {
		handle, err := m.bringUpVirtioDevice(node, opts.VirtioFeatures)
		if err != nil {
			if errors.Is(err, virtio.ErrNotVirtio) {
				m.log.Debug("skipping empty virtio slot", "base", fmt.Sprintf("0x%x", node.Region.Base))
				continue
			}
			if errors.Is(err, virtio.ErrNegotiation) {
				// The sole recoverable bring-up error: report, exclude
				// the device, keep going.
				m.log.Warn("virtio device excluded", "base", fmt.Sprintf("0x%x", node.Region.Base), "err", err)
				m.report(fmt.Sprintf("guestboot: virtio@0x%x excluded: negotiation failed", node.Region.Base))
				continue
			}
			return err
		}
		m.Virtio = append(m.Virtio, handle)
		m.report(fmt.Sprintf("guestboot: virtio@0x%x up, device id %d", node.Region.Base, handle.Transport.DeviceID()))
	}
	return nil
}

func (m *Machine) bringUpVirtioDevice(node hw.DeviceNode, features uint64) (*Handle, error) {
	transport, err := virtio.Probe(m.bus, node.Region.Base)
	if err != nil {
		return nil, err
	}
	if err := transport.Negotiate(features); err != nil {
		return nil, err
	}

	queue, err := virtio.SetupQueue(transport, 0, 8, m.Heap)
	if err != nil {
		return nil, fmt.Errorf("virtio@0x%x: %w", node.Region.Base, err)
	}

	if node.HasInterrupt() {
		line := node.Line
		err := m.Router.Register(line, func(uint32) {
			transport.AckInterrupt(transport.InterruptStatus())
			m.Router.Acknowledge(line)
		})
		if err != nil {
			return nil, fmt.Errorf("virtio@0x%x interrupt: %w", node.Region.Base, err)
		}
	}

	transport.DriverOK()
	return &Handle{Node: node, Transport: transport, Queue: queue}, nil
}

// bringUpVirtioPCI enumerates the host bridge, assigns BARs, and runs
// the same negotiation policy as the mmio path: a rejected feature set
// excludes the function, anything else is fatal.
func (m *Machine) bringUpVirtioPCI(opts Options) error {
	host := m.Platform.PCI
	if host == nil {
		return nil
	}
	var space *pci.ConfigSpace
	if host.CAM {
		space = pci.NewCAM(m.bus, host.Config.Base)
	} else {
		space = pci.NewECAM(m.bus, host.Config.Base)
	}
	if len(host.Ranges) == 0 {
		m.log.Info("pci host bridge has no memory window, skipping")
		return nil
	}
	alloc := pci.NewBARAllocator(host.Ranges[0].Base, host.Ranges[0].Length)

	for _, fn := range space.Enumerate() {
		if !virtio.IsVirtioFunction(fn) {
			m.log.Debug("skipping non-virtio pci function",
				"address", fn.Address.String(),
				"id", fmt.Sprintf("%04x:%04x", fn.VendorID, fn.DeviceID))
			continue
		}
		handle, err := m.bringUpVirtioPCIFunction(space, alloc, fn, opts.VirtioFeatures)
		if err != nil {
			if errors.Is(err, virtio.ErrNegotiation) {
				m.log.Warn("virtio-pci function excluded", "address", fn.Address.String(), "err", err)
				m.report(fmt.Sprintf("guestboot: virtio-pci %s excluded: negotiation failed", fn.Address))
				continue
			}
			return err
		}
		m.VirtioPCI = append(m.VirtioPCI, handle)
		m.report(fmt.Sprintf("guestboot: virtio-pci %s up, device id %d", fn.Address, handle.Transport.DeviceID()))
	}
	return nil
}

func (m *Machine) bringUpVirtioPCIFunction(space *pci.ConfigSpace, alloc *pci.BARAllocator, fn pci.Function, features uint64) (*PCIHandle, error) {
	if err := space.AssignBARs(fn.Address, alloc); err != nil {
		return nil, err
	}
	transport, err := virtio.ProbePCI(m.bus, space, fn)
	if err != nil {
		return nil, err
	}
	if err := transport.Negotiate(features); err != nil {
		return nil, err
	}
	queue, err := virtio.SetupPCIQueue(transport, 0, 8, m.Heap)
	if err != nil {
		return nil, fmt.Errorf("virtio-pci %s: %w", fn.Address, err)
	}
	transport.DriverOK()
	return &PCIHandle{Function: fn, Transport: transport, Queue: queue}, nil
}

// fail is the bring-up error path: report if the console is already up,
// reset, and hand the error back for return.
func (m *Machine) fail(err error) error {
	m.fatal(err)
	return err
}

// fatal implements the no-recovery policy. Before the console is up the
// only option is an immediate reset; after, the cause goes out on the
// console first.
func (m *Machine) fatal(err error) {
	m.log.Error("fatal", "err", err)
	m.report("guestboot: fatal: " + err.Error())
	if rerr := m.Bridge.Reset(); rerr != nil {
		m.log.Error("reset call returned", "err", rerr)
	}
}

// report writes a line to the console when one is up.
func (m *Machine) report(line string) {
	if m.Console == nil {
		return
	}
	_ = m.Console.WriteBuffer([]byte(line + "\r\n"))
}

// defaultLayout carves text, data and heap from the bottom of the first
// RAM region.
func defaultLayout(plat *hw.Platform) (mmu.Layout, error) {
	if len(plat.RAM) == 0 {
		return mmu.Layout{}, fmt.Errorf("no RAM regions: %w", mmu.ErrMappingConflict)
	}
	ram := plat.RAM[0]
	need := uint64(defaultTextSize + defaultDataSize + defaultHeapSize)
	if ram.Length < need {
		return mmu.Layout{}, fmt.Errorf("RAM %s too small for default layout: %w", ram, mmu.ErrMappingConflict)
	}
	return mmu.Layout{
		Text: hw.Region{Base: ram.Base, Length: defaultTextSize, Kind: hw.KindRAM},
		Data: hw.Region{Base: ram.Base + defaultTextSize, Length: defaultDataSize, Kind: hw.KindRAM},
		Heap: hw.Region{Base: ram.Base + defaultTextSize + defaultDataSize, Length: defaultHeapSize, Kind: hw.KindRAM},
	}, nil
}

// lineConfigs programs every line a discovered device may raise.
func lineConfigs(plat *hw.Platform) []irq.LineConfig {
	var lines []irq.LineConfig
	seen := map[uint32]bool{}
	for _, dev := range plat.Devices {
		if !dev.HasInterrupt() || seen[dev.Line] {
			continue
		}
		if dev.Kind == hw.DeviceClock {
			// The RTC is polled; its line stays masked.
			continue
		}
		prio := uint8(prioVirtio)
		if dev.Kind == hw.DeviceConsole {
			prio = prioConsole
		}
		lines = append(lines, irq.LineConfig{Line: dev.Line, Priority: prio, Trigger: irq.TriggerLevel})
		seen[dev.Line] = true
	}
	return lines
}
