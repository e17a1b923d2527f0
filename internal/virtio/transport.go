// Package virtio implements the guest side of the virtio-mmio transport:
// device probing, feature negotiation, and virtqueue setup. Only the
// modern (version 2) interface is spoken.
package virtio

import (
	"errors"
	"fmt"

	"github.com/tinyrange/guestboot/internal/mmio"
)

const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG              = 0x100
)

// Magic value "virt" and the only transport version we speak.
const (
	virtioMagic   = 0x74726976
	virtioVersion = 2
)

// Device status bits.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusFailed      = 1 << 7
)

// FeatureVersion1 is mandatory for every modern device.
const FeatureVersion1 = uint64(1) << 32

// Device IDs we recognize during discovery.
const (
	DeviceIDNet     = 1
	DeviceIDBlock   = 2
	DeviceIDConsole = 3
	DeviceIDRNG     = 4
)

var (
	// ErrNotVirtio means the probed region is not a modern virtio-mmio
	// device: wrong magic, wrong version, or no device behind the slot.
	ErrNotVirtio = errors.New("not a virtio-mmio v2 device")

	// ErrNegotiation means the device rejected the driver's feature
	// subset. The device is left with the FAILED status bit set.
	ErrNegotiation = errors.New("virtio feature negotiation failed")

	ErrBadQueue = errors.New("virtqueue unusable")
)

// Transport is the guest's handle on one virtio-mmio device slot.
type Transport struct {
	regs     mmio.Window
	deviceID uint32
	features uint64 // negotiated, valid after Negotiate
}

// Probe checks the slot at base for a modern virtio-mmio device and
// resets it. A slot with device ID zero is empty, which also reports
// ErrNotVirtio.
func Probe(bus mmio.Bus, base uint64) (*Transport, error) {
	t := &Transport{regs: mmio.Window{Bus: bus, Base: base}}
	if magic := t.regs.Read32(VIRTIO_MMIO_MAGIC_VALUE); magic != virtioMagic {
		return nil, fmt.Errorf("magic %#x at %#x: %w", magic, base, ErrNotVirtio)
	}
	if ver := t.regs.Read32(VIRTIO_MMIO_VERSION); ver != virtioVersion {
		return nil, fmt.Errorf("version %d at %#x: %w", ver, base, ErrNotVirtio)
	}
	t.deviceID = t.regs.Read32(VIRTIO_MMIO_DEVICE_ID)
	if t.deviceID == 0 {
		return nil, fmt.Errorf("empty slot at %#x: %w", base, ErrNotVirtio)
	}
	t.regs.Write32(VIRTIO_MMIO_STATUS, 0)
	return t, nil
}

// DeviceID reports the virtio device type behind the slot.
func (t *Transport) DeviceID() uint32 { return t.deviceID }

// Features reports the negotiated feature bits. Zero before Negotiate.
func (t *Transport) Features() uint64 { return t.features }

// Negotiate runs the status dance through FEATURES_OK. The driver offers
// the intersection of the device's features and wanted, always including
// VERSION_1. If the device refuses the subset the FAILED bit is set and
// ErrNegotiation returned; the caller decides whether that is fatal.
func (t *Transport) Negotiate(wanted uint64) error {
	t.regs.Write32(VIRTIO_MMIO_STATUS, StatusAcknowledge)
	t.regs.Write32(VIRTIO_MMIO_STATUS, StatusAcknowledge|StatusDriver)

	t.regs.Write32(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 0)
	offered := uint64(t.regs.Read32(VIRTIO_MMIO_DEVICE_FEATURES))
	t.regs.Write32(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
	offered |= uint64(t.regs.Read32(VIRTIO_MMIO_DEVICE_FEATURES)) << 32

	accept := (offered & wanted) | FeatureVersion1
	if offered&FeatureVersion1 == 0 {
		t.fail()
		return fmt.Errorf("device lacks VERSION_1: %w", ErrNegotiation)
	}
	t.regs.Write32(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	t.regs.Write32(VIRTIO_MMIO_DRIVER_FEATURES, uint32(accept))
	t.regs.Write32(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	t.regs.Write32(VIRTIO_MMIO_DRIVER_FEATURES, uint32(accept>>32))

	t.regs.Write32(VIRTIO_MMIO_STATUS, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	status := t.regs.Read32(VIRTIO_MMIO_STATUS)
	if status&StatusFeaturesOK == 0 {
		t.fail()
		return fmt.Errorf("device %d rejected features %#x: %w", t.deviceID, accept, ErrNegotiation)
	}
	t.features = accept
	return nil
}

// DriverOK completes bring-up, marking the device live.
func (t *Transport) DriverOK() {
	t.regs.Write32(VIRTIO_MMIO_STATUS,
		StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
}

// Notify tells the device queue has new available buffers.
func (t *Transport) Notify(queue uint32) {
	t.regs.Write32(VIRTIO_MMIO_QUEUE_NOTIFY, queue)
}

// InterruptStatus reads the device's pending interrupt causes.
func (t *Transport) InterruptStatus() uint32 {
	return t.regs.Read32(VIRTIO_MMIO_INTERRUPT_STATUS)
}

// AckInterrupt acknowledges the given causes at the device.
func (t *Transport) AckInterrupt(causes uint32) {
	t.regs.Write32(VIRTIO_MMIO_INTERRUPT_ACK, causes)
}

// ReadConfig8 reads one byte of device-specific configuration space.
func (t *Transport) ReadConfig8(off uint64) uint8 {
	return t.regs.Read8(VIRTIO_MMIO_CONFIG + off)
}

func (t *Transport) fail() {
	t.regs.Write32(VIRTIO_MMIO_STATUS, StatusFailed)
}
