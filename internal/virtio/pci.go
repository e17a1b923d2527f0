package virtio

import (
	"fmt"

	"github.com/tinyrange/guestboot/internal/heap"
	"github.com/tinyrange/guestboot/internal/mmio"
	"github.com/tinyrange/guestboot/internal/pci"
)

// Virtio over PCI, spec 1.x. Modern functions sit at device ID
// 0x1040 plus the virtio device type.
const (
	PCIVendorVirtio = 0x1af4

	pciDeviceIDBase  = 0x1040
	pciDeviceIDLimit = 0x1080

	capVendorSpecific = 0x09

	capCfgCommon = 1
	capCfgNotify = 2
	capCfgISR    = 3
)

// Vendor-specific capability layout.
const (
	capOffCfgType    = 3
	capOffBar        = 4
	capOffOffset     = 8
	capOffNotifyMult = 16
)

// Common configuration structure offsets.
const (
	commonDeviceFeatureSel = 0x00
	commonDeviceFeature    = 0x04
	commonDriverFeatureSel = 0x08
	commonDriverFeature    = 0x0c
	commonNumQueues        = 0x12
	commonDeviceStatus     = 0x14
	commonQueueSelect      = 0x16
	commonQueueSize        = 0x18
	commonQueueEnable      = 0x1c
	commonQueueNotifyOff   = 0x1e
	commonQueueDesc        = 0x20
	commonQueueDriver      = 0x28
	commonQueueDevice      = 0x30
)

// IsVirtioFunction reports whether fn is a modern virtio-pci function.
// Device type zero is reserved, so the base ID itself does not count.
func IsVirtioFunction(fn pci.Function) bool {
	return fn.VendorID == PCIVendorVirtio &&
		fn.DeviceID > pciDeviceIDBase && fn.DeviceID < pciDeviceIDLimit
}

// PCITransport is the guest's handle on one virtio-pci function. The
// register windows come from the function's virtio capabilities; the
// completion path is polled through the ISR window.
type PCITransport struct {
	common     mmio.Window
	notify     mmio.Window
	notifyMult uint32
	isr        mmio.Window
	hasISR     bool

	deviceID uint32
	features uint64
}

// ProbePCI locates the virtio register windows of fn through its
// capability list and assigned BARs, then resets the device. BARs must
// be assigned before probing.
func ProbePCI(bus mmio.Bus, space *pci.ConfigSpace, fn pci.Function) (*PCITransport, error) {
	if !IsVirtioFunction(fn) {
		return nil, fmt.Errorf("%s is %04x:%04x: %w", fn.Address, fn.VendorID, fn.DeviceID, ErrNotVirtio)
	}
	t := &PCITransport{deviceID: uint32(fn.DeviceID) - pciDeviceIDBase}

	for _, c := range space.Capabilities(fn.Address) {
		if c.ID != capVendorSpecific {
			continue
		}
		cfgType := space.Read8(fn.Address, c.Offset+capOffCfgType)
		bar := space.Read8(fn.Address, c.Offset+capOffBar)
		off := uint64(space.Read32(fn.Address, c.Offset+capOffOffset))
		barBase, err := space.BAR(fn.Address, bar)
		if err != nil {
			continue
		}
		w := mmio.Window{Bus: bus, Base: barBase + off}
		switch cfgType {
		case capCfgCommon:
			t.common = w
		case capCfgNotify:
			t.notify = w
			t.notifyMult = space.Read32(fn.Address, c.Offset+capOffNotifyMult)
		case capCfgISR:
			t.isr = w
			t.hasISR = true
		}
	}
	if t.common.Bus == nil || t.notify.Bus == nil {
		return nil, fmt.Errorf("%s lacks virtio register windows: %w", fn.Address, ErrNotVirtio)
	}

	t.common.Write8(commonDeviceStatus, 0)
	return t, nil
}

// DeviceID reports the virtio device type behind the function.
func (t *PCITransport) DeviceID() uint32 { return t.deviceID }

// Features reports the negotiated feature bits. Zero before Negotiate.
func (t *PCITransport) Features() uint64 { return t.features }

// Negotiate runs the same status dance as the mmio transport, through
// the common configuration structure.
func (t *PCITransport) Negotiate(wanted uint64) error {
	t.common.Write8(commonDeviceStatus, StatusAcknowledge)
	t.common.Write8(commonDeviceStatus, StatusAcknowledge|StatusDriver)

	t.common.Write32(commonDeviceFeatureSel, 0)
	offered := uint64(t.common.Read32(commonDeviceFeature))
	t.common.Write32(commonDeviceFeatureSel, 1)
	offered |= uint64(t.common.Read32(commonDeviceFeature)) << 32

	accept := (offered & wanted) | FeatureVersion1
	if offered&FeatureVersion1 == 0 {
		t.fail()
		return fmt.Errorf("device lacks VERSION_1: %w", ErrNegotiation)
	}
	t.common.Write32(commonDriverFeatureSel, 0)
	t.common.Write32(commonDriverFeature, uint32(accept))
	t.common.Write32(commonDriverFeatureSel, 1)
	t.common.Write32(commonDriverFeature, uint32(accept>>32))

	t.common.Write8(commonDeviceStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	status := t.common.Read8(commonDeviceStatus)
	if status&StatusFeaturesOK == 0 {
		t.fail()
		return fmt.Errorf("device %d rejected features %#x: %w", t.deviceID, accept, ErrNegotiation)
	}
	t.features = accept
	return nil
}

// DriverOK completes bring-up, marking the device live.
func (t *PCITransport) DriverOK() {
	t.common.Write8(commonDeviceStatus,
		StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
}

// Notify tells the device the queue has new available buffers. The
// device model reports each queue's notify offset as its own index, so
// the target address is index times the multiplier.
func (t *PCITransport) Notify(queue uint32) {
	t.notify.Write32(uint64(queue)*uint64(t.notifyMult), queue)
}

// ISRStatus reads and clears the function's interrupt status byte.
func (t *PCITransport) ISRStatus() uint8 {
	if !t.hasISR {
		return 0
	}
	return t.isr.Read8(0)
}

func (t *PCITransport) fail() {
	t.common.Write8(commonDeviceStatus, StatusFailed)
}

// SetupPCIQueue allocates ring memory from the heap and programs the
// selected queue through the common configuration structure, leaving it
// enabled.
func SetupPCIQueue(t *PCITransport, index uint32, size uint16, alloc *heap.Allocator) (*Queue, error) {
	t.common.Write16(commonQueueSelect, uint16(index))
	max := t.common.Read16(commonQueueSize)
	if max == 0 {
		return nil, fmt.Errorf("queue %d does not exist: %w", index, ErrBadQueue)
	}
	if size > max {
		size = max
	}

	descAddr, descBuf, err := allocRing(alloc, uint64(size)*descSize, 16)
	if err != nil {
		return nil, fmt.Errorf("descriptor table: %w", err)
	}
	availAddr, availBuf, err := allocRing(alloc, 6+uint64(size)*2, 2)
	if err != nil {
		return nil, fmt.Errorf("available ring: %w", err)
	}
	usedAddr, usedBuf, err := allocRing(alloc, 6+uint64(size)*8, 4)
	if err != nil {
		return nil, fmt.Errorf("used ring: %w", err)
	}

	t.common.Write16(commonQueueSize, size)
	t.common.Write64(commonQueueDesc, descAddr)
	t.common.Write64(commonQueueDriver, availAddr)
	t.common.Write64(commonQueueDevice, usedAddr)
	t.common.Write16(commonQueueEnable, 1)

	return &Queue{
		transport: t,
		index:     index,
		size:      size,
		desc:      descBuf,
		avail:     availBuf,
		used:      usedBuf,
	}, nil
}
