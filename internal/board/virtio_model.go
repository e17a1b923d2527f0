package board

import (
	"sync"

	"github.com/tinyrange/guestboot/internal/virtio"
)

// VirtioSlotConfig describes one modeled virtio-mmio slot.
type VirtioSlotConfig struct {
	DeviceID uint32
	Features uint64

	// RejectFeatures makes the device refuse FEATURES_OK, modeling a
	// device whose feature requirements the driver cannot meet.
	RejectFeatures bool
}

// queueState captures what the driver programmed for one virtqueue.
type queueState struct {
	num       uint32
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
	ready     uint32
}

// VirtioSlotModel emulates one modern virtio-mmio device slot: the
// discovery registers, the status dance, and queue programming. It does
// not execute requests; tests complete them by writing the used ring.
type VirtioSlotModel struct {
	mu  sync.Mutex
	cfg VirtioSlotConfig

	status      uint32
	featuresSel uint32
	driverSel   uint32
	driverFeat  uint64
	queueSel    uint32
	queues      [4]queueState
	notified    []uint32
	intStatus   uint32
	line        *Line
}

// NewVirtioSlotModel builds a slot; a zero DeviceID models an empty slot.
func NewVirtioSlotModel(cfg VirtioSlotConfig, line *Line) *VirtioSlotModel {
	if cfg.DeviceID != 0 && cfg.Features == 0 {
		cfg.Features = virtio.FeatureVersion1
	}
	return &VirtioSlotModel{cfg: cfg, line: line}
}

// Status returns the device status byte as last written by the driver.
func (m *VirtioSlotModel) Status() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Live reports whether the driver completed bring-up with DRIVER_OK.
func (m *VirtioSlotModel) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status&virtio.StatusDriverOK != 0
}

// Failed reports whether the driver abandoned the device.
func (m *VirtioSlotModel) Failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status&virtio.StatusFailed != 0
}

// Notified returns the queue-notify history.
func (m *VirtioSlotModel) Notified() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.notified...)
}

// Queue returns the driver's programming for queue i.
func (m *VirtioSlotModel) Queue(i int) (num uint32, desc, avail, used uint64, ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[i]
	return q.num, q.descAddr, q.availAddr, q.usedAddr, q.ready == 1
}

// RaiseUsedInterrupt asserts the used-buffer interrupt, as the device
// would after completing a request.
func (m *VirtioSlotModel) RaiseUsedInterrupt() {
	m.mu.Lock()
	m.intStatus |= 1
	m.mu.Unlock()
	m.line.Assert()
}

func (m *VirtioSlotModel) Read(off uint64, size int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch off {
	case virtio.VIRTIO_MMIO_MAGIC_VALUE:
		return 0x74726976
	case virtio.VIRTIO_MMIO_VERSION:
		return 2
	case virtio.VIRTIO_MMIO_DEVICE_ID:
		return uint64(m.cfg.DeviceID)
	case virtio.VIRTIO_MMIO_VENDOR_ID:
		return 0x554d4551 // "QEMU"
	case virtio.VIRTIO_MMIO_DEVICE_FEATURES:
		if m.featuresSel == 0 {
			return uint64(uint32(m.cfg.Features))
		}
		return uint64(uint32(m.cfg.Features >> 32))
	case virtio.VIRTIO_MMIO_QUEUE_NUM_MAX:
		if m.queueSel < uint32(len(m.queues)) {
			return 8
		}
		return 0
	case virtio.VIRTIO_MMIO_STATUS:
		return uint64(m.status)
	case virtio.VIRTIO_MMIO_INTERRUPT_STATUS:
		return uint64(m.intStatus)
	}
	return 0
}

func (m *VirtioSlotModel) Write(off uint64, size int, val uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := uint32(val)
	switch off {
	case virtio.VIRTIO_MMIO_STATUS:
		if v&virtio.StatusFeaturesOK != 0 && !m.acceptFeatures() {
			v &^= virtio.StatusFeaturesOK
		}
		m.status = v
	case virtio.VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		m.featuresSel = v
	case virtio.VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		m.driverSel = v
	case virtio.VIRTIO_MMIO_DRIVER_FEATURES:
		if m.driverSel == 0 {
			m.driverFeat = m.driverFeat&^0xffffffff | uint64(v)
		} else {
			m.driverFeat = m.driverFeat&0xffffffff | uint64(v)<<32
		}
	case virtio.VIRTIO_MMIO_QUEUE_SEL:
		m.queueSel = v
	case virtio.VIRTIO_MMIO_QUEUE_NUM:
		m.queue().num = v
	case virtio.VIRTIO_MMIO_QUEUE_READY:
		m.queue().ready = v
	case virtio.VIRTIO_MMIO_QUEUE_NOTIFY:
		m.notified = append(m.notified, v)
	case virtio.VIRTIO_MMIO_QUEUE_DESC_LOW:
		q := m.queue()
		q.descAddr = q.descAddr&^0xffffffff | uint64(v)
	case virtio.VIRTIO_MMIO_QUEUE_DESC_HIGH:
		q := m.queue()
		q.descAddr = q.descAddr&0xffffffff | uint64(v)<<32
	case virtio.VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		q := m.queue()
		q.availAddr = q.availAddr&^0xffffffff | uint64(v)
	case virtio.VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		q := m.queue()
		q.availAddr = q.availAddr&0xffffffff | uint64(v)<<32
	case virtio.VIRTIO_MMIO_QUEUE_USED_LOW:
		q := m.queue()
		q.usedAddr = q.usedAddr&^0xffffffff | uint64(v)
	case virtio.VIRTIO_MMIO_QUEUE_USED_HIGH:
		q := m.queue()
		q.usedAddr = q.usedAddr&0xffffffff | uint64(v)<<32
	case virtio.VIRTIO_MMIO_INTERRUPT_ACK:
		m.intStatus &^= v
		if m.intStatus == 0 {
			defer m.line.Deassert()
		}
	}
}

// acceptFeatures decides the FEATURES_OK handshake: the driver must offer
// a subset of what the device has, and the slot may be configured to
// refuse outright.
func (m *VirtioSlotModel) acceptFeatures() bool {
	if m.cfg.RejectFeatures {
		return false
	}
	return m.driverFeat&^m.cfg.Features == 0
}

func (m *VirtioSlotModel) queue() *queueState {
	if m.queueSel < uint32(len(m.queues)) {
		return &m.queues[m.queueSel]
	}
	return &queueState{}
}

var _ Handler = (*VirtioSlotModel)(nil)
