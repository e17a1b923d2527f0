package board

import (
	"sync"

	"github.com/tinyrange/guestboot/internal/pci"
	"github.com/tinyrange/guestboot/internal/virtio"
)

// Modeled BAR0 layout: common configuration at the base, the notify
// window one page up, the ISR byte another page up.
const (
	pciBarSize    = 0x4000
	pciNotifyOff  = 0x1000
	pciNotifyMult = 4
	pciISROff     = 0x2000
)

// VirtioPCIConfig describes one modeled virtio-pci function.
type VirtioPCIConfig struct {
	DeviceID uint32
	Features uint64

	// RejectFeatures makes the function refuse FEATURES_OK.
	RejectFeatures bool
}

// pciQueueState captures what the driver programmed for one virtqueue
// through the common configuration structure.
type pciQueueState struct {
	size   uint16
	enable uint16
	desc   uint64
	driver uint64
	device uint64
}

// VirtioPCIModel emulates one modern virtio-pci function: a type 0
// configuration header with the virtio vendor capabilities, a sizable
// 64-bit BAR0, and the common/notify/ISR windows behind it. Completion
// is polled through the ISR byte; the model raises no interrupt line.
type VirtioPCIModel struct {
	mu  sync.Mutex
	cfg VirtioPCIConfig

	header  [256]byte
	command uint16
	bar0lo  uint32
	bar0hi  uint32

	status      uint32
	featuresSel uint32
	driverSel   uint32
	driverFeat  uint64
	queueSel    uint16
	queues      [4]pciQueueState
	notified    []uint32
	isr         uint8
}

// NewVirtioPCIModel builds one function model.
func NewVirtioPCIModel(cfg VirtioPCIConfig) *VirtioPCIModel {
	if cfg.Features == 0 {
		cfg.Features = virtio.FeatureVersion1
	}
	m := &VirtioPCIModel{cfg: cfg}
	for i := range m.queues {
		m.queues[i].size = 8
	}

	h := &m.header
	put16 := func(off int, v uint16) {
		h[off] = byte(v)
		h[off+1] = byte(v >> 8)
	}
	put32 := func(off int, v uint32) {
		put16(off, uint16(v))
		put16(off+2, uint16(v>>16))
	}
	put16(pci.CfgVendorID, virtio.PCIVendorVirtio)
	put16(pci.CfgDeviceID, uint16(0x1040+cfg.DeviceID))
	put16(pci.CfgStatus, pci.StatusCapList)
	h[pci.CfgCapPtr] = 0x40

	// Vendor capabilities: common config, notify config (with its
	// multiplier), ISR. All live in BAR0.
	writeCap := func(off int, next byte, length byte, cfgType byte, barOff uint32) {
		h[off] = 0x09
		h[off+1] = next
		h[off+2] = length
		h[off+3] = cfgType
		h[off+4] = 0 // BAR index
		put32(off+8, barOff)
		put32(off+12, pciBarSize-barOff)
	}
	writeCap(0x40, 0x50, 16, 1, 0)
	writeCap(0x50, 0x70, 20, 2, pciNotifyOff)
	put32(0x50+16, pciNotifyMult)
	writeCap(0x70, 0, 16, 3, pciISROff)

	return m
}

// Live reports whether the driver completed bring-up with DRIVER_OK.
func (m *VirtioPCIModel) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status&virtio.StatusDriverOK != 0
}

// Failed reports whether the driver abandoned the function.
func (m *VirtioPCIModel) Failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status&virtio.StatusFailed != 0
}

// Notified returns the queue-notify history.
func (m *VirtioPCIModel) Notified() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.notified...)
}

// Queue returns the driver's programming for queue i.
func (m *VirtioPCIModel) Queue(i int) (size uint16, desc, driver, device uint64, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[i]
	return q.size, q.desc, q.driver, q.device, q.enable == 1
}

// BARBase returns the address the driver assigned to BAR0, zero until
// memory decode is enabled.
func (m *VirtioPCIModel) BARBase() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.barBaseLocked()
}

// RaiseUsedInterrupt latches the used-buffer ISR bit, as the device
// would after completing a request.
func (m *VirtioPCIModel) RaiseUsedInterrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isr |= 1
}

func (m *VirtioPCIModel) barBaseLocked() uint64 {
	if m.command&pci.CmdMemorySpace == 0 {
		return 0
	}
	return (uint64(m.bar0hi)<<32 | uint64(m.bar0lo)) &^ 0xf
}

func (m *VirtioPCIModel) headerByte(reg uint16) byte {
	switch {
	case reg >= pci.CfgCommand && reg < pci.CfgCommand+2:
		return byte(m.command >> ((reg - pci.CfgCommand) * 8))
	case reg >= pci.CfgBAR0 && reg < pci.CfgBAR0+8:
		lo := m.bar0lo&^uint32(pciBarSize-1) | 0x4
		if m.bar0lo == 0xffffffff {
			lo = ^uint32(pciBarSize-1) | 0x4
		}
		hi := m.bar0hi
		combined := uint64(hi)<<32 | uint64(lo)
		return byte(combined >> ((reg - pci.CfgBAR0) * 8))
	default:
		return m.header[reg&0xff]
	}
}

func (m *VirtioPCIModel) cfgRead(reg uint16, size int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var v uint64
	for i := 0; i < size && i < 8; i++ {
		v |= uint64(m.headerByte(reg+uint16(i))) << (8 * i)
	}
	return v
}

func (m *VirtioPCIModel) cfgWrite(reg uint16, size int, val uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch reg {
	case pci.CfgCommand:
		m.command = uint16(val)
	case pci.CfgBAR0:
		m.bar0lo = uint32(val)
	case pci.CfgBAR0 + 4:
		m.bar0hi = uint32(val)
	}
}

// barRead serves the common/notify/ISR windows behind BAR0.
func (m *VirtioPCIModel) barRead(off uint64, size int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off == pciISROff {
		v := uint64(m.isr)
		m.isr = 0
		return v
	}
	switch off {
	case commonPCIDeviceFeature:
		if m.featuresSel == 0 {
			return uint64(uint32(m.cfg.Features))
		}
		return uint64(uint32(m.cfg.Features >> 32))
	case commonPCINumQueues:
		return uint64(len(m.queues))
	case commonPCIDeviceStatus:
		return uint64(m.status)
	case commonPCIQueueSelect:
		return uint64(m.queueSel)
	case commonPCIQueueSize:
		return uint64(m.queue().size)
	case commonPCIQueueEnable:
		return uint64(m.queue().enable)
	case commonPCIQueueNotifyOff:
		return uint64(m.queueSel)
	}
	return 0
}

func (m *VirtioPCIModel) barWrite(off uint64, size int, val uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off >= pciNotifyOff && off < pciISROff {
		m.notified = append(m.notified, uint32(val))
		return
	}
	switch off {
	case commonPCIDeviceFeatureSel:
		m.featuresSel = uint32(val)
	case commonPCIDriverFeatureSel:
		m.driverSel = uint32(val)
	case commonPCIDriverFeature:
		if m.driverSel == 0 {
			m.driverFeat = m.driverFeat&^0xffffffff | uint64(uint32(val))
		} else {
			m.driverFeat = m.driverFeat&0xffffffff | uint64(uint32(val))<<32
		}
	case commonPCIDeviceStatus:
		v := uint32(val) & 0xff
		if v&virtio.StatusFeaturesOK != 0 && !m.acceptFeatures() {
			v &^= virtio.StatusFeaturesOK
		}
		m.status = v
	case commonPCIQueueSelect:
		m.queueSel = uint16(val)
	case commonPCIQueueSize:
		m.queue().size = uint16(val)
	case commonPCIQueueEnable:
		m.queue().enable = uint16(val)
	case commonPCIQueueDesc:
		m.queue().desc = val
	case commonPCIQueueDriver:
		m.queue().driver = val
	case commonPCIQueueDevice:
		m.queue().device = val
	}
}

func (m *VirtioPCIModel) acceptFeatures() bool {
	if m.cfg.RejectFeatures {
		return false
	}
	return m.driverFeat&^m.cfg.Features == 0
}

func (m *VirtioPCIModel) queue() *pciQueueState {
	if int(m.queueSel) < len(m.queues) {
		return &m.queues[m.queueSel]
	}
	return &pciQueueState{}
}

// Common configuration offsets, as the guest driver addresses them.
const (
	commonPCIDeviceFeatureSel = 0x00
	commonPCIDeviceFeature    = 0x04
	commonPCIDriverFeatureSel = 0x08
	commonPCIDriverFeature    = 0x0c
	commonPCINumQueues        = 0x12
	commonPCIDeviceStatus     = 0x14
	commonPCIQueueSelect      = 0x16
	commonPCIQueueSize        = 0x18
	commonPCIQueueEnable      = 0x1c
	commonPCIQueueNotifyOff   = 0x1e
	commonPCIQueueDesc        = 0x20
	commonPCIQueueDriver      = 0x28
	commonPCIQueueDevice      = 0x30
)

// PCIHostModel dispatches configuration-space accesses to the modeled
// functions. Device number equals the function's slot in fns; absent
// devices read all-ones like a real bus.
type PCIHostModel struct {
	cam bool
	fns []*VirtioPCIModel
}

// NewPCIHostModel builds the host bridge with one function per config.
func NewPCIHostModel(cam bool, cfgs []VirtioPCIConfig) *PCIHostModel {
	h := &PCIHostModel{cam: cam}
	for _, c := range cfgs {
		h.fns = append(h.fns, NewVirtioPCIModel(c))
	}
	return h
}

// Function returns the i'th modeled function.
func (h *PCIHostModel) Function(i int) *VirtioPCIModel {
	return h.fns[i]
}

func (h *PCIHostModel) decode(off uint64) (*VirtioPCIModel, uint16) {
	var dev, fn uint8
	var reg uint16
	if h.cam {
		dev = uint8(off>>11) & 0x1f
		fn = uint8(off>>8) & 0x7
		reg = uint16(off) & 0xff
	} else {
		dev = uint8(off>>15) & 0x1f
		fn = uint8(off>>12) & 0x7
		reg = uint16(off) & 0xfff
	}
	if fn != 0 || int(dev) >= len(h.fns) {
		return nil, 0
	}
	return h.fns[dev], reg
}

func (h *PCIHostModel) Read(off uint64, size int) uint64 {
	f, reg := h.decode(off)
	if f == nil {
		return ^uint64(0) >> (64 - 8*uint(size))
	}
	return f.cfgRead(reg, size)
}

func (h *PCIHostModel) Write(off uint64, size int, val uint64) {
	if f, reg := h.decode(off); f != nil {
		f.cfgWrite(reg, size, val)
	}
}

// pciMemWindow backs the host bridge's memory window, routing accesses
// to whichever function's BAR0 covers the address.
type pciMemWindow struct {
	host *PCIHostModel
	base uint64
}

func (w *pciMemWindow) resolve(off uint64) (*VirtioPCIModel, uint64, bool) {
	addr := w.base + off
	for _, f := range w.host.fns {
		bar := f.BARBase()
		if bar != 0 && addr >= bar && addr < bar+pciBarSize {
			return f, addr - bar, true
		}
	}
	return nil, 0, false
}

func (w *pciMemWindow) Read(off uint64, size int) uint64 {
	if f, barOff, ok := w.resolve(off); ok {
		return f.barRead(barOff, size)
	}
	return 0
}

func (w *pciMemWindow) Write(off uint64, size int, val uint64) {
	if f, barOff, ok := w.resolve(off); ok {
		f.barWrite(barOff, size, val)
	}
}

var (
	_ Handler = (*PCIHostModel)(nil)
	_ Handler = (*pciMemWindow)(nil)
)
