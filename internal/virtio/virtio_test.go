package virtio

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/guestboot/internal/heap"
)

// mockSlot models one virtio-mmio device slot with programmable feature
// behavior.
type mockSlot struct {
	base     uint64
	magic    uint32
	version  uint32
	deviceID uint32
	features uint64
	queueMax uint32

	rejectFeatures bool

	status      uint32
	featuresSel uint32
	driverSel   uint32
	driverFeat  uint64
	queueSel    uint32
	queueNum    uint32
	descAddr    uint64
	availAddr   uint64
	usedAddr    uint64
	queueReady  uint32
	notified    []uint32
	intStatus   uint32
	acked       uint32
}

func newMockSlot(base uint64) *mockSlot {
	return &mockSlot{
		base:     base,
		magic:    virtioMagic,
		version:  virtioVersion,
		deviceID: DeviceIDBlock,
		features: FeatureVersion1 | 0x30,
		queueMax: 8,
	}
}

func (m *mockSlot) Read8(addr uint64) uint8         { return uint8(m.Read32(addr)) }
func (m *mockSlot) Write8(addr uint64, val uint8)   { m.Write32(addr, uint32(val)) }
func (m *mockSlot) Read16(addr uint64) uint16       { return uint16(m.Read32(addr)) }
func (m *mockSlot) Write16(addr uint64, val uint16) { m.Write32(addr, uint32(val)) }
func (m *mockSlot) Read64(addr uint64) uint64       { return uint64(m.Read32(addr)) }
func (m *mockSlot) Write64(addr uint64, val uint64) {
	m.Write32(addr, uint32(val))
}

func (m *mockSlot) Read32(addr uint64) uint32 {
	switch addr - m.base {
	case VIRTIO_MMIO_MAGIC_VALUE:
		return m.magic
	case VIRTIO_MMIO_VERSION:
		return m.version
	case VIRTIO_MMIO_DEVICE_ID:
		return m.deviceID
	case VIRTIO_MMIO_DEVICE_FEATURES:
		if m.featuresSel == 0 {
			return uint32(m.features)
		}
		return uint32(m.features >> 32)
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		return m.queueMax
	case VIRTIO_MMIO_STATUS:
		return m.status
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		return m.intStatus
	}
	return 0
}

func (m *mockSlot) Write32(addr uint64, val uint32) {
	switch addr - m.base {
	case VIRTIO_MMIO_STATUS:
		if val&StatusFeaturesOK != 0 && m.rejectFeatures {
			val &^= StatusFeaturesOK
		}
		m.status = val
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		m.featuresSel = val
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		m.driverSel = val
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if m.driverSel == 0 {
			m.driverFeat = m.driverFeat&^0xffffffff | uint64(val)
		} else {
			m.driverFeat = m.driverFeat&0xffffffff | uint64(val)<<32
		}
	case VIRTIO_MMIO_QUEUE_SEL:
		m.queueSel = val
	case VIRTIO_MMIO_QUEUE_NUM:
		m.queueNum = val
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		m.descAddr = m.descAddr&^0xffffffff | uint64(val)
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		m.descAddr = m.descAddr&0xffffffff | uint64(val)<<32
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		m.availAddr = m.availAddr&^0xffffffff | uint64(val)
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		m.availAddr = m.availAddr&0xffffffff | uint64(val)<<32
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		m.usedAddr = m.usedAddr&^0xffffffff | uint64(val)
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		m.usedAddr = m.usedAddr&0xffffffff | uint64(val)<<32
	case VIRTIO_MMIO_QUEUE_READY:
		m.queueReady = val
	case VIRTIO_MMIO_QUEUE_NOTIFY:
		m.notified = append(m.notified, val)
	case VIRTIO_MMIO_INTERRUPT_ACK:
		m.acked = val
		m.intStatus &^= val
	}
}

const slotBase = 0x0a00_0000

func TestProbeRejectsBadMagic(t *testing.T) {
	slot := newMockSlot(slotBase)
	slot.magic = 0xdeadbeef
	if _, err := Probe(slot, slotBase); !errors.Is(err, ErrNotVirtio) {
		t.Errorf("err = %v, want ErrNotVirtio", err)
	}
}

func TestProbeRejectsLegacyVersion(t *testing.T) {
	slot := newMockSlot(slotBase)
	slot.version = 1
	if _, err := Probe(slot, slotBase); !errors.Is(err, ErrNotVirtio) {
		t.Errorf("err = %v, want ErrNotVirtio", err)
	}
}

func TestProbeRejectsEmptySlot(t *testing.T) {
	slot := newMockSlot(slotBase)
	slot.deviceID = 0
	if _, err := Probe(slot, slotBase); !errors.Is(err, ErrNotVirtio) {
		t.Errorf("err = %v, want ErrNotVirtio", err)
	}
}

func TestProbeResetsDevice(t *testing.T) {
	slot := newMockSlot(slotBase)
	slot.status = StatusFailed
	tr, err := Probe(slot, slotBase)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if slot.status != 0 {
		t.Errorf("status = %#x after probe, want 0", slot.status)
	}
	if tr.DeviceID() != DeviceIDBlock {
		t.Errorf("DeviceID = %d, want block", tr.DeviceID())
	}
}

func TestNegotiate(t *testing.T) {
	slot := newMockSlot(slotBase)
	slot.features = FeatureVersion1 | 0xf0
	tr, err := Probe(slot, slotBase)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if err := tr.Negotiate(0x30); err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	want := FeatureVersion1 | 0x30
	if tr.Features() != want {
		t.Errorf("Features = %#x, want %#x", tr.Features(), want)
	}
	if slot.driverFeat != want {
		t.Errorf("driver features at device = %#x, want %#x", slot.driverFeat, want)
	}
	if slot.status&StatusFeaturesOK == 0 {
		t.Errorf("FEATURES_OK not set, status = %#x", slot.status)
	}
}

func TestNegotiateRejected(t *testing.T) {
	slot := newMockSlot(slotBase)
	slot.rejectFeatures = true
	tr, err := Probe(slot, slotBase)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if err := tr.Negotiate(0); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("err = %v, want ErrNegotiation", err)
	}
	if slot.status&StatusFailed == 0 {
		t.Errorf("FAILED not set after rejection, status = %#x", slot.status)
	}
}

func TestNegotiateRequiresVersion1(t *testing.T) {
	slot := newMockSlot(slotBase)
	slot.features = 0x30 // legacy-only device
	tr, err := Probe(slot, slotBase)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if err := tr.Negotiate(0x30); !errors.Is(err, ErrNegotiation) {
		t.Errorf("err = %v, want ErrNegotiation", err)
	}
}

func newTestHeap(t *testing.T) *heap.Allocator {
	t.Helper()
	alloc := heap.New()
	if err := alloc.Init(0x4100_0000, 1<<20); err != nil {
		t.Fatalf("heap init failed: %v", err)
	}
	return alloc
}

func TestSetupQueue(t *testing.T) {
	slot := newMockSlot(slotBase)
	tr, err := Probe(slot, slotBase)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	alloc := newTestHeap(t)

	q, err := SetupQueue(tr, 0, 16, alloc)
	if err != nil {
		t.Fatalf("SetupQueue failed: %v", err)
	}
	// Depth clamps to the device's maximum.
	if q.Size() != 8 {
		t.Errorf("Size = %d, want 8", q.Size())
	}
	if slot.queueReady != 1 {
		t.Errorf("queue not marked ready")
	}
	if slot.descAddr%16 != 0 || slot.availAddr%2 != 0 || slot.usedAddr%4 != 0 {
		t.Errorf("misaligned rings: desc=%#x avail=%#x used=%#x",
			slot.descAddr, slot.availAddr, slot.usedAddr)
	}
	if slot.descAddr < alloc.Base() {
		t.Errorf("descriptor table outside heap: %#x", slot.descAddr)
	}
}

func TestSetupQueueMissing(t *testing.T) {
	slot := newMockSlot(slotBase)
	slot.queueMax = 0
	tr, err := Probe(slot, slotBase)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if _, err := SetupQueue(tr, 3, 8, newTestHeap(t)); !errors.Is(err, ErrBadQueue) {
		t.Errorf("err = %v, want ErrBadQueue", err)
	}
}

func TestSubmitAndCollect(t *testing.T) {
	slot := newMockSlot(slotBase)
	tr, err := Probe(slot, slotBase)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	alloc := newTestHeap(t)
	q, err := SetupQueue(tr, 0, 8, alloc)
	if err != nil {
		t.Fatalf("SetupQueue failed: %v", err)
	}

	head, err := q.Submit([]Segment{
		{Addr: 0x4100_8000, Len: 512},
		{Addr: 0x4100_9000, Len: 1, DeviceWritable: true},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(slot.notified) != 1 || slot.notified[0] != 0 {
		t.Errorf("notified = %v, want one notify on queue 0", slot.notified)
	}

	// Check the chain the device would walk.
	desc, err := alloc.Memory(slot.descAddr, 8*descSize)
	if err != nil {
		t.Fatalf("Memory failed: %v", err)
	}
	d0 := desc[int(head)*descSize:]
	if got := binary.LittleEndian.Uint64(d0[0:]); got != 0x4100_8000 {
		t.Errorf("desc0 addr = %#x", got)
	}
	if flags := binary.LittleEndian.Uint16(d0[12:]); flags&descFlagNext == 0 {
		t.Errorf("desc0 flags = %#x, want NEXT", flags)
	}
	next := binary.LittleEndian.Uint16(d0[14:])
	d1 := desc[int(next)*descSize:]
	if flags := binary.LittleEndian.Uint16(d1[12:]); flags&descFlagWrite == 0 {
		t.Errorf("desc1 flags = %#x, want WRITE", flags)
	}

	avail, err := alloc.Memory(slot.availAddr, 6+8*2)
	if err != nil {
		t.Fatalf("Memory failed: %v", err)
	}
	if idx := binary.LittleEndian.Uint16(avail[2:]); idx != 1 {
		t.Errorf("avail idx = %d, want 1", idx)
	}

	// The device completes the request.
	used, err := alloc.Memory(slot.usedAddr, 6+8*8)
	if err != nil {
		t.Fatalf("Memory failed: %v", err)
	}
	binary.LittleEndian.PutUint32(used[4:], uint32(head))
	binary.LittleEndian.PutUint32(used[8:], 1)
	binary.LittleEndian.PutUint16(used[2:], 1)

	done := q.Collect()
	if len(done) != 1 || done[0].Head != head || done[0].Len != 1 {
		t.Errorf("Collect = %+v, want head %d len 1", done, head)
	}
	if done := q.Collect(); len(done) != 0 {
		t.Errorf("second Collect = %+v, want empty", done)
	}
}

func TestInterruptAck(t *testing.T) {
	slot := newMockSlot(slotBase)
	tr, err := Probe(slot, slotBase)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	slot.intStatus = 1
	if got := tr.InterruptStatus(); got != 1 {
		t.Fatalf("InterruptStatus = %d, want 1", got)
	}
	tr.AckInterrupt(1)
	if slot.intStatus != 0 {
		t.Errorf("interrupt not cleared at device")
	}
}
