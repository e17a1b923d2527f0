// Package platform holds the static descriptions of the supported target
// machines. The descriptions seed the board model; the guest itself never
// reads them and learns the layout from the device tree alone.
package platform

import (
	"embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed qemu.yaml crosvm.yaml
var configs embed.FS

// WindowConfig is one fixed register window.
type WindowConfig struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// ConsoleConfig describes the machine's UART.
type ConsoleConfig struct {
	Kind string `yaml:"kind"` // "pl011" or "ns16550"
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
	IRQ  uint32 `yaml:"irq"` // SPI number
}

// ClockConfig describes the machine's PL031 RTC.
type ClockConfig struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
	IRQ  uint32 `yaml:"irq"`
}

// VirtioConfig describes the machine's bank of virtio-mmio slots.
type VirtioConfig struct {
	Base     uint64 `yaml:"base"`
	SlotSize uint64 `yaml:"slot_size"`
	Slots    int    `yaml:"slots"`
	FirstIRQ uint32 `yaml:"first_irq"`
}

// PCIConfig describes the machine's PCI host bridge. A zero config
// window means the machine has no PCI bus.
type PCIConfig struct {
	Config WindowConfig `yaml:"config"`
	Mem    WindowConfig `yaml:"mem"`
	CAM    bool         `yaml:"cam"` // legacy CAM layout instead of ECAM
}

// Config is the full machine description.
type Config struct {
	Name    string        `yaml:"name"`
	CPUs    int           `yaml:"cpus"`
	RAM     WindowConfig  `yaml:"ram"`
	GICD    WindowConfig  `yaml:"gicd"`
	GICR    WindowConfig  `yaml:"gicr"`
	Console ConsoleConfig `yaml:"console"`
	Clock   ClockConfig   `yaml:"clock"`
	Virtio  VirtioConfig  `yaml:"virtio"`
	PCI     PCIConfig     `yaml:"pci"`
}

// Load parses the embedded description for the named machine.
func Load(name string) (*Config, error) {
	data, err := configs.ReadFile(name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown platform %q (have %v)", name, Names())
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("platform %q: %w", name, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("platform %q: %w", name, err)
	}
	return &cfg, nil
}

// Names lists the embedded platforms.
func Names() []string {
	entries, err := configs.ReadDir(".")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name()[:len(e.Name())-len(".yaml")])
	}
	sort.Strings(names)
	return names
}

func (c *Config) validate() error {
	if c.RAM.Size == 0 {
		return fmt.Errorf("no ram")
	}
	if c.CPUs < 1 {
		return fmt.Errorf("cpus = %d", c.CPUs)
	}
	switch c.Console.Kind {
	case "pl011", "ns16550":
	case "":
		return fmt.Errorf("no console")
	default:
		return fmt.Errorf("unknown console kind %q", c.Console.Kind)
	}
	if c.GICD.Size == 0 || c.GICR.Size == 0 {
		return fmt.Errorf("missing interrupt controller windows")
	}
	if c.PCI.Config.Size != 0 && c.PCI.Mem.Size == 0 {
		return fmt.Errorf("pci bridge without memory window")
	}
	return nil
}
