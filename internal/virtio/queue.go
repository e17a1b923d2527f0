package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/guestboot/internal/heap"
)

// Split virtqueue descriptor flags.
const (
	descFlagNext  = 1 << 0
	descFlagWrite = 1 << 1
)

const descSize = 16

// Segment is one guest-physical buffer in a request chain.
type Segment struct {
	Addr uint64
	Len  uint32

	// DeviceWritable marks buffers the device fills in, like a read
	// target or a status byte.
	DeviceWritable bool
}

// Used is one completed request as reported by the device.
type Used struct {
	Head uint16
	Len  uint32
}

// queueTransport is what a live queue needs from its transport.
type queueTransport interface {
	Notify(queue uint32)
}

// Queue is a live split virtqueue. The rings live in heap memory so the
// device model and the driver see the same bytes.
type Queue struct {
	transport queueTransport
	index     uint32
	size      uint16

	desc  []byte // size * 16 bytes
	avail []byte // 6 + size*2 bytes
	used  []byte // 6 + size*8 bytes

	nextDesc uint16
	availIdx uint16
	lastUsed uint16
}

// SetupQueue allocates ring memory from the heap and programs the queue
// registers for the selected queue index, leaving it ready.
func SetupQueue(t *Transport, index uint32, size uint16, alloc *heap.Allocator) (*Queue, error) {
	t.regs.Write32(VIRTIO_MMIO_QUEUE_SEL, index)
	max := t.regs.Read32(VIRTIO_MMIO_QUEUE_NUM_MAX)
	if max == 0 {
		return nil, fmt.Errorf("queue %d does not exist: %w", index, ErrBadQueue)
	}
	if uint32(size) > max {
		size = uint16(max)
	}
	if size == 0 {
		return nil, fmt.Errorf("queue %d has no capacity: %w", index, ErrBadQueue)
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

	t.regs.Write32(VIRTIO_MMIO_QUEUE_NUM, uint32(size))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_DESC_LOW, uint32(descAddr))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_DESC_HIGH, uint32(descAddr>>32))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_AVAIL_LOW, uint32(availAddr))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_AVAIL_HIGH, uint32(availAddr>>32))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_USED_LOW, uint32(usedAddr))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_USED_HIGH, uint32(usedAddr>>32))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_READY, 1)

	return &Queue{
		transport: t,
		index:     index,
		size:      size,
		desc:      descBuf,
		avail:     availBuf,
		used:      usedBuf,
	}, nil
}

func allocRing(alloc *heap.Allocator, size, align uint64) (uint64, []byte, error) {
	addr, err := alloc.Alloc(size, align)
	if err != nil {
		return 0, nil, err
	}
	buf, err := alloc.Memory(addr, size)
	if err != nil {
		return 0, nil, err
	}
	for i := range buf {
		buf[i] = 0
	}
	return addr, buf, nil
}

// Size reports the negotiated queue depth.
func (q *Queue) Size() uint16 { return q.size }

// Submit chains the segments into descriptors, publishes the head on the
// available ring, and notifies the device. It returns the head index used.
func (q *Queue) Submit(segs []Segment) (uint16, error) {
	if len(segs) == 0 || len(segs) > int(q.size) {
		return 0, fmt.Errorf("chain of %d segments: %w", len(segs), ErrBadQueue)
	}

	head := q.nextDesc
	for i, seg := range segs {
		idx := (head + uint16(i)) % q.size
		d := q.desc[int(idx)*descSize:]
		binary.LittleEndian.PutUint64(d[0:], seg.Addr)
		binary.LittleEndian.PutUint32(d[8:], seg.Len)
		var flags, next uint16
		if seg.DeviceWritable {
			flags |= descFlagWrite
		}
		if i < len(segs)-1 {
			flags |= descFlagNext
			next = (idx + 1) % q.size
		}
		binary.LittleEndian.PutUint16(d[12:], flags)
		binary.LittleEndian.PutUint16(d[14:], next)
	}
	q.nextDesc = (head + uint16(len(segs))) % q.size

	slot := q.availIdx % q.size
	binary.LittleEndian.PutUint16(q.avail[4+int(slot)*2:], head)
	q.availIdx++
	binary.LittleEndian.PutUint16(q.avail[2:], q.availIdx)

	q.transport.Notify(q.index)
	return head, nil
}

// Collect drains completions the device has published since the last
// call.
func (q *Queue) Collect() []Used {
	var done []Used
	devIdx := binary.LittleEndian.Uint16(q.used[2:])
	for q.lastUsed != devIdx {
		slot := q.lastUsed % q.size
		e := q.used[4+int(slot)*8:]
		done = append(done, Used{
			Head: uint16(binary.LittleEndian.Uint32(e[0:])),
			Len:  binary.LittleEndian.Uint32(e[4:]),
		})
		q.lastUsed++
	}
	return done
}
