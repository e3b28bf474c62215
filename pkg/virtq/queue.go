// Package virtq implements a virtio split-ring virtqueue over a dma.Arena.
// The driver publishes descriptor chains through the available ring and the
// device returns completions through the used ring.
package virtq

import (
	"errors"
	"fmt"

	"github.com/virtkit/virtgpu/pkg/dma"
)

// Descriptor flags.
const (
	descFNext  = 1 << 0
	descFWrite = 1 << 1
)

// Used-ring flags.
const usedFNoNotify = 1 << 0

const (
	descEntrySize = 16
	usedEntrySize = 8
	endOfChain    = 0xffff
)

var (
	ErrQueueFull = errors.New("virtq: not enough free descriptors")
	ErrNoBuffers = errors.New("virtq: no buffers given")
	ErrNotReady  = errors.New("virtq: no completed buffers")
	ErrCorrupted = errors.New("virtq: used ring is corrupted")
)

// Layout describes where a queue's rings live in device-visible memory.
type Layout struct {
	Size      uint16
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
}

// Transport is the slice of the device transport a queue needs: ring
// registration at setup and doorbell notification afterwards.
type Transport interface {
	SetQueue(index uint16, layout Layout) error
	NotifyQueue(index uint16)
}

// Queue is one virtqueue. It is not safe for concurrent use; callers
// serialize access externally.
type Queue struct {
	index     uint16
	size      uint16
	transport Transport

	ring     dma.Slice
	descOff  int
	availOff int
	usedOff  int

	freeHead uint16
	numFree  uint16
	lastUsed uint16
}

// New allocates the rings for queue index out of arena and registers their
// layout with the transport. Size must be a power of two.
func New(arena *dma.Arena, index, size uint16, transport Transport) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("virtq: queue size %d is not a power of two", size)
	}

	descSize := int(size) * descEntrySize
	availSize := 4 + 2*int(size) + 2
	usedOff := align(descSize+availSize, 4)
	usedSize := 4 + usedEntrySize*int(size) + 2
	total := usedOff + usedSize
	pages := (total + dma.PageSize - 1) / dma.PageSize

	stream, err := arena.AllocStream(pages, dma.Bidirectional)
	if err != nil {
		return nil, fmt.Errorf("virtq: ring allocation failed: %w", err)
	}
	ring, err := stream.Slice(0, total)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		index:     index,
		size:      size,
		transport: transport,
		ring:      ring,
		descOff:   0,
		availOff:  descSize,
		usedOff:   usedOff,
		freeHead:  0,
		numFree:   size,
	}

	// Chain all descriptors into the free list.
	for i := uint16(0); i < size; i++ {
		next := i + 1
		if next == size {
			next = endOfChain
		}
		if err := q.ring.PutUint16(q.descOff+int(i)*descEntrySize+14, next); err != nil {
			return nil, err
		}
	}

	layout := Layout{
		Size:      size,
		DescAddr:  stream.Addr() + uint64(q.descOff),
		AvailAddr: stream.Addr() + uint64(q.availOff),
		UsedAddr:  stream.Addr() + uint64(q.usedOff),
	}
	if err := transport.SetQueue(index, layout); err != nil {
		return nil, fmt.Errorf("virtq: registering queue %d: %w", index, err)
	}
	return q, nil
}

// Index returns the queue index.
func (q *Queue) Index() uint16 {
	return q.index
}

// Size returns the queue depth.
func (q *Queue) Size() uint16 {
	return q.size
}

// NumFree returns the number of free descriptors.
func (q *Queue) NumFree() uint16 {
	return q.numFree
}

// AddBuffers publishes one descriptor chain: the out slices are
// device-readable, the in slices device-writable. It returns the head
// descriptor index of the chain.
func (q *Queue) AddBuffers(out, in []dma.Slice) (uint16, error) {
	n := len(out) + len(in)
	if n == 0 {
		return 0, ErrNoBuffers
	}
	if uint16(n) > q.numFree {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrQueueFull, n, q.numFree)
	}

	head := q.freeHead
	cur := head
	for i := 0; i < n; i++ {
		var sl dma.Slice
		var flags uint16
		if i < len(out) {
			sl = out[i]
		} else {
			sl = in[i-len(out)]
			flags |= descFWrite
		}
		if i < n-1 {
			flags |= descFNext
		}
		next, err := q.writeDesc(cur, sl.Addr(), uint32(sl.Len()), flags)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	q.freeHead = cur
	q.numFree -= uint16(n)

	availIdx, err := q.ring.Uint16(q.availOff + 2)
	if err != nil {
		return 0, err
	}
	slot := q.availOff + 4 + 2*int(availIdx%q.size)
	if err := q.ring.PutUint16(slot, head); err != nil {
		return 0, err
	}
	// The ring entry must be visible before the index moves.
	if err := q.ring.Sync(); err != nil {
		return 0, err
	}
	if err := q.ring.PutUint16(q.availOff+2, availIdx+1); err != nil {
		return 0, err
	}
	return head, nil
}

// writeDesc fills descriptor idx, preserving its free-list successor, and
// returns that successor.
func (q *Queue) writeDesc(idx uint16, addr uint64, length uint32, flags uint16) (uint16, error) {
	off := q.descOff + int(idx)*descEntrySize
	next, err := q.ring.Uint16(off + 14)
	if err != nil {
		return 0, err
	}
	if err := q.ring.PutUint64(off, addr); err != nil {
		return 0, err
	}
	if err := q.ring.PutUint32(off+8, length); err != nil {
		return 0, err
	}
	if err := q.ring.PutUint16(off+12, flags); err != nil {
		return 0, err
	}
	if flags&descFNext == 0 {
		return next, nil
	}
	if err := q.ring.PutUint16(off+14, next); err != nil {
		return 0, err
	}
	return next, nil
}

// ShouldNotify reports whether the device asked to be notified about new
// buffers.
func (q *Queue) ShouldNotify() bool {
	flags, err := q.ring.Uint16(q.usedOff)
	if err != nil {
		return true
	}
	return flags&usedFNoNotify == 0
}

// Notify rings the queue doorbell.
func (q *Queue) Notify() {
	q.transport.NotifyQueue(q.index)
}

// CanPop reports whether the device has completed at least one chain.
func (q *Queue) CanPop() bool {
	idx, err := q.ring.Uint16(q.usedOff + 2)
	if err != nil {
		return false
	}
	return idx != q.lastUsed
}

// PopUsed consumes the next completed chain, returns it to the free list
// and reports its head descriptor index. A used entry pointing outside the
// descriptor table, or a chain longer than the table, is corruption.
func (q *Queue) PopUsed() (uint16, error) {
	if !q.CanPop() {
		return 0, ErrNotReady
	}
	slot := q.usedOff + 4 + usedEntrySize*int(q.lastUsed%q.size)
	id, err := q.ring.Uint32(slot)
	if err != nil {
		return 0, err
	}
	if id >= uint32(q.size) {
		return 0, fmt.Errorf("%w: used id %d out of %d descriptors", ErrCorrupted, id, q.size)
	}
	q.lastUsed++

	if err := q.freeChain(uint16(id)); err != nil {
		return 0, err
	}
	return uint16(id), nil
}

// freeChain pushes the chain starting at head back onto the free list.
func (q *Queue) freeChain(head uint16) error {
	cur := head
	for hops := uint16(0); ; hops++ {
		if hops >= q.size {
			return fmt.Errorf("%w: descriptor chain at %d does not terminate", ErrCorrupted, head)
		}
		off := q.descOff + int(cur)*descEntrySize
		flags, err := q.ring.Uint16(off + 12)
		if err != nil {
			return err
		}
		next, err := q.ring.Uint16(off + 14)
		if err != nil {
			return err
		}
		last := flags&descFNext == 0 || next == endOfChain
		if err := q.ring.PutUint16(off+14, q.freeHead); err != nil {
			return err
		}
		q.freeHead = cur
		q.numFree++
		if last {
			return nil
		}
		cur = next
	}
}

func align(n, to int) int {
	return (n + to - 1) / to * to
}
