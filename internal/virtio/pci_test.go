package virtio

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/guestboot/internal/pci"
)

const (
	pciTestECAM = 0x3000_0000
	pciTestBAR  = 0x1000_0000
)

// mockPCIFunction models a single virtio-pci function at 00:00.0: a
// configuration page behind an ECAM window and the register windows
// behind an already-assigned 64-bit BAR0.
type mockPCIFunction struct {
	cfg [4096]byte

	features       uint64
	rejectFeatures bool

	status        uint8
	devFeatureSel uint32
	drvFeatureSel uint32
	driverFeat    uint64
	queueSel      uint16
	queues        [2]struct {
		size   uint16
		enable uint16
		desc   uint64
		driver uint64
		device uint64
	}
	notifyOffs []uint64
	notifyVals []uint32
	isr        uint8
}

func newMockPCIFunction(deviceType uint16) *mockPCIFunction {
	m := &mockPCIFunction{features: FeatureVersion1 | 0x30}
	for i := range m.queues {
		m.queues[i].size = 8
	}

	le16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(m.cfg[off:], v) }
	le32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(m.cfg[off:], v) }

	le16(pci.CfgVendorID, PCIVendorVirtio)
	le16(pci.CfgDeviceID, pciDeviceIDBase+deviceType)
	le16(pci.CfgStatus, pci.StatusCapList)
	m.cfg[pci.CfgCapPtr] = 0x40
	le32(pci.CfgBAR0, uint32(pciTestBAR)|0x4)
	le32(pci.CfgBAR0+4, uint32(pciTestBAR>>32))

	writeCap := func(off int, next, cfgType uint8, winOff uint32) {
		m.cfg[off] = capVendorSpecific
		m.cfg[off+1] = next
		m.cfg[off+capOffCfgType] = cfgType
		m.cfg[off+capOffBar] = 0
		le32(off+capOffOffset, winOff)
	}
	writeCap(0x40, 0x50, capCfgCommon, 0)
	writeCap(0x50, 0x70, capCfgNotify, 0x1000)
	le32(0x50+capOffNotifyMult, 4)
	writeCap(0x70, 0, capCfgISR, 0x2000)
	return m
}

func (m *mockPCIFunction) Read8(addr uint64) uint8         { return uint8(m.read(addr, 1)) }
func (m *mockPCIFunction) Read16(addr uint64) uint16       { return uint16(m.read(addr, 2)) }
func (m *mockPCIFunction) Read32(addr uint64) uint32       { return uint32(m.read(addr, 4)) }
func (m *mockPCIFunction) Read64(addr uint64) uint64       { return m.read(addr, 8) }
func (m *mockPCIFunction) Write8(addr uint64, val uint8)   { m.write(addr, uint64(val), 1) }
func (m *mockPCIFunction) Write16(addr uint64, val uint16) { m.write(addr, uint64(val), 2) }
func (m *mockPCIFunction) Write32(addr uint64, val uint32) { m.write(addr, uint64(val), 4) }
func (m *mockPCIFunction) Write64(addr uint64, val uint64) { m.write(addr, val, 8) }

func (m *mockPCIFunction) read(addr uint64, size uint64) uint64 {
	switch {
	case addr >= pciTestECAM && addr < pciTestECAM+0x100000:
		off := addr - pciTestECAM
		if off >= uint64(len(m.cfg)) {
			return ^uint64(0) >> (64 - 8*size)
		}
		var v uint64
		for i := uint64(0); i < size; i++ {
			v |= uint64(m.cfg[off+i]) << (8 * i)
		}
		return v
	case addr >= pciTestBAR && addr < pciTestBAR+0x1000:
		return m.commonRead(addr - pciTestBAR)
	case addr == pciTestBAR+0x2000:
		v := m.isr
		m.isr = 0
		return uint64(v)
	}
	return 0
}

func (m *mockPCIFunction) write(addr uint64, val uint64, size uint64) {
	switch {
	case addr >= pciTestECAM && addr < pciTestECAM+0x100000:
		off := addr - pciTestECAM
		if off >= uint64(len(m.cfg)) {
			return
		}
		for i := uint64(0); i < size; i++ {
			m.cfg[off+i] = byte(val >> (8 * i))
		}
	case addr >= pciTestBAR && addr < pciTestBAR+0x1000:
		m.commonWrite(addr-pciTestBAR, val)
	case addr >= pciTestBAR+0x1000 && addr < pciTestBAR+0x2000:
		m.notifyOffs = append(m.notifyOffs, addr-pciTestBAR-0x1000)
		m.notifyVals = append(m.notifyVals, uint32(val))
	}
}

func (m *mockPCIFunction) commonRead(off uint64) uint64 {
	switch off {
	case commonDeviceFeature:
		if m.devFeatureSel == 0 {
			return uint64(uint32(m.features))
		}
		return m.features >> 32
	case commonNumQueues:
		return uint64(len(m.queues))
	case commonDeviceStatus:
		return uint64(m.status)
	case commonQueueSize:
		if int(m.queueSel) < len(m.queues) {
			return uint64(m.queues[m.queueSel].size)
		}
		return 0
	case commonQueueNotifyOff:
		return uint64(m.queueSel)
	}
	return 0
}

func (m *mockPCIFunction) commonWrite(off, val uint64) {
	switch off {
	case commonDeviceFeatureSel:
		m.devFeatureSel = uint32(val)
	case commonDriverFeatureSel:
		m.drvFeatureSel = uint32(val)
	case commonDriverFeature:
		if m.drvFeatureSel == 0 {
			m.driverFeat = m.driverFeat&^0xffffffff | val&0xffffffff
		} else {
			m.driverFeat = m.driverFeat&0xffffffff | val<<32
		}
	case commonDeviceStatus:
		v := uint8(val)
		if v&StatusFeaturesOK != 0 && m.rejectFeatures {
			v &^= StatusFeaturesOK
		}
		m.status = v
	case commonQueueSelect:
		m.queueSel = uint16(val)
	case commonQueueSize:
		if int(m.queueSel) < len(m.queues) {
			m.queues[m.queueSel].size = uint16(val)
		}
	case commonQueueEnable:
		if int(m.queueSel) < len(m.queues) {
			m.queues[m.queueSel].enable = uint16(val)
		}
	case commonQueueDesc:
		m.queues[m.queueSel].desc = val
	case commonQueueDriver:
		m.queues[m.queueSel].driver = val
	case commonQueueDevice:
		m.queues[m.queueSel].device = val
	}
}

func probeMock(t *testing.T, m *mockPCIFunction) *PCITransport {
	t.Helper()
	space := pci.NewECAM(m, pciTestECAM)
	fns := space.Enumerate()
	if len(fns) != 1 {
		t.Fatalf("enumerated %d functions, want 1", len(fns))
	}
	tr, err := ProbePCI(m, space, fns[0])
	if err != nil {
		t.Fatalf("ProbePCI failed: %v", err)
	}
	return tr
}

func TestProbePCIResetsDevice(t *testing.T) {
	m := newMockPCIFunction(DeviceIDRNG)
	m.status = StatusAcknowledge | StatusDriver
	tr := probeMock(t, m)
	if tr.DeviceID() != DeviceIDRNG {
		t.Errorf("DeviceID = %d, want %d", tr.DeviceID(), DeviceIDRNG)
	}
	if m.status != 0 {
		t.Errorf("status = %#x after probe, want 0", m.status)
	}
}

func TestProbePCIRejectsForeignVendor(t *testing.T) {
	m := newMockPCIFunction(DeviceIDBlock)
	binary.LittleEndian.PutUint16(m.cfg[pci.CfgVendorID:], 0x8086)
	space := pci.NewECAM(m, pciTestECAM)
	fns := space.Enumerate()
	if len(fns) != 1 {
		t.Fatalf("enumerated %d functions, want 1", len(fns))
	}
	if _, err := ProbePCI(m, space, fns[0]); !errors.Is(err, ErrNotVirtio) {
		t.Errorf("err = %v, want ErrNotVirtio", err)
	}
}

func TestProbePCIRequiresRegisterWindows(t *testing.T) {
	m := newMockPCIFunction(DeviceIDBlock)
	m.cfg[0x50+capOffCfgType] = 0x77
	space := pci.NewECAM(m, pciTestECAM)
	fns := space.Enumerate()
	if _, err := ProbePCI(m, space, fns[0]); !errors.Is(err, ErrNotVirtio) {
		t.Errorf("err = %v, want ErrNotVirtio", err)
	}
}

func TestPCINegotiate(t *testing.T) {
	m := newMockPCIFunction(DeviceIDBlock)
	tr := probeMock(t, m)
	if err := tr.Negotiate(0x10); err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	want := FeatureVersion1 | uint64(0x10)
	if tr.Features() != want {
		t.Errorf("Features = %#x, want %#x", tr.Features(), want)
	}
	if m.driverFeat != want {
		t.Errorf("driver features = %#x, want %#x", m.driverFeat, want)
	}
	if m.status&StatusFeaturesOK == 0 {
		t.Error("FEATURES_OK not set on device")
	}
}

func TestPCINegotiateRejected(t *testing.T) {
	m := newMockPCIFunction(DeviceIDBlock)
	m.rejectFeatures = true
	tr := probeMock(t, m)
	if err := tr.Negotiate(0); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("err = %v, want ErrNegotiation", err)
	}
	if m.status&StatusFailed == 0 {
		t.Error("FAILED not set after rejection")
	}
}

func TestPCINegotiateRequiresVersion1(t *testing.T) {
	m := newMockPCIFunction(DeviceIDBlock)
	m.features = 0x30
	tr := probeMock(t, m)
	if err := tr.Negotiate(0x30); !errors.Is(err, ErrNegotiation) {
		t.Errorf("err = %v, want ErrNegotiation", err)
	}
}

func TestSetupPCIQueue(t *testing.T) {
	m := newMockPCIFunction(DeviceIDBlock)
	tr := probeMock(t, m)
	alloc := newTestHeap(t)

	q, err := SetupPCIQueue(tr, 1, 16, alloc)
	if err != nil {
		t.Fatalf("SetupPCIQueue failed: %v", err)
	}
	if q.Size() != 8 {
		t.Errorf("Size = %d, want clamp to 8", q.Size())
	}
	qs := m.queues[1]
	if qs.size != 8 || qs.enable != 1 {
		t.Errorf("queue state = %+v, want size 8 enabled", qs)
	}
	if qs.desc == 0 || qs.driver == 0 || qs.device == 0 {
		t.Errorf("ring addresses not programmed: %+v", qs)
	}
	if qs.desc == qs.driver || qs.driver == qs.device {
		t.Errorf("ring addresses overlap: %+v", qs)
	}
}

func TestSetupPCIQueueMissing(t *testing.T) {
	m := newMockPCIFunction(DeviceIDBlock)
	tr := probeMock(t, m)
	if _, err := SetupPCIQueue(tr, 5, 8, newTestHeap(t)); !errors.Is(err, ErrBadQueue) {
		t.Errorf("err = %v, want ErrBadQueue", err)
	}
}

func TestPCINotifyAddressing(t *testing.T) {
	m := newMockPCIFunction(DeviceIDBlock)
	tr := probeMock(t, m)
	tr.Notify(1)
	if len(m.notifyOffs) != 1 || m.notifyOffs[0] != 4 || m.notifyVals[0] != 1 {
		t.Errorf("notify = offs %v vals %v, want one write of 1 at +4", m.notifyOffs, m.notifyVals)
	}
}

func TestPCIISRReadClears(t *testing.T) {
	m := newMockPCIFunction(DeviceIDRNG)
	tr := probeMock(t, m)
	m.isr = 1
	if got := tr.ISRStatus(); got != 1 {
		t.Errorf("ISR = %d, want 1", got)
	}
	if got := tr.ISRStatus(); got != 0 {
		t.Errorf("ISR after read = %d, want 0", got)
	}
}
